// Package sem layers counting semaphores over package mbox: P is a
// blocking receive that consumes one permit, V is a send that returns
// one. No separate synchronization primitive is involved.
package sem

import (
	"sync"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/kernel/mbox"
)

type semaphore struct {
	id    int
	boxID int
}

// Table is the semaphore kernel, sized per tun.MaxSems.
type Table struct {
	mu   sync.Mutex
	tun  config.Tunables
	mbox *mbox.Table

	sems   []*semaphore
	nextID int
}

// New builds an empty semaphore table.
func New(tun config.Tunables, mtab *mbox.Table) *Table {
	return &Table{
		tun:    tun,
		mbox:   mtab,
		sems:   make([]*semaphore, tun.MaxSems),
		nextID: 1,
	}
}

func (t *Table) lookupLocked(id int) *semaphore {
	if id <= 0 || len(t.sems) == 0 {
		return nil
	}
	s := t.sems[id%len(t.sems)]
	if s != nil && s.id == id {
		return s
	}
	return nil
}

// Create allocates a semaphore with value permits immediately
// available. The underlying mailbox's capacity is exactly value, so
// unpaired Vs beyond the initial value will block — a known limitation
// of building counting semaphores directly on a fixed-slot mailbox.
func (t *Table) Create(value int) (int, kerrors.Code) {
	if value < 0 {
		return 0, kerrors.BadArg
	}

	t.mu.Lock()
	freeIdx := -1
	for i, s := range t.sems {
		if s == nil {
			freeIdx = i
			break
		}
	}
	if freeIdx == -1 {
		t.mu.Unlock()
		return 0, kerrors.NoSems
	}
	var id int
	for i := 0; i <= t.tun.MaxSems; i++ {
		cand := t.nextID
		t.nextID++
		if t.nextID > (1 << 20) {
			t.nextID = 1
		}
		if cand != 0 && t.sems[cand%len(t.sems)] == nil {
			id = cand
			break
		}
	}
	if id == 0 {
		t.mu.Unlock()
		return 0, kerrors.NoSems
	}
	t.mu.Unlock()

	boxID, code := t.mbox.Create(value, 0)
	if code != kerrors.OK {
		return 0, code
	}
	for i := 0; i < value; i++ {
		if c := t.mbox.Send(boxID, nil); c != kerrors.OK {
			return 0, c
		}
	}

	t.mu.Lock()
	t.sems[id%len(t.sems)] = &semaphore{id: id, boxID: boxID}
	t.mu.Unlock()

	return id, kerrors.OK
}

// P acquires one permit, blocking while none are available.
func (t *Table) P(id int) kerrors.Code {
	t.mu.Lock()
	s := t.lookupLocked(id)
	t.mu.Unlock()
	if s == nil {
		return kerrors.BadSem
	}
	_, code := t.mbox.Receive(s.boxID, 0)
	return code
}

// V releases one permit.
func (t *Table) V(id int) kerrors.Code {
	t.mu.Lock()
	s := t.lookupLocked(id)
	t.mu.Unlock()
	if s == nil {
		return kerrors.BadSem
	}
	return t.mbox.Send(s.boxID, nil)
}

// Free tears down a semaphore and releases any blocked waiters with
// BoxReleased.
func (t *Table) Free(id int) kerrors.Code {
	t.mu.Lock()
	s := t.lookupLocked(id)
	if s == nil {
		t.mu.Unlock()
		return kerrors.BadSem
	}
	t.sems[id%len(t.sems)] = nil
	t.mu.Unlock()

	return t.mbox.Release(s.boxID)
}
