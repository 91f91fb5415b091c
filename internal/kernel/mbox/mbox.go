// Package mbox is the mailbox IPC kernel: a table of fixed-slot and
// zero-slot (rendezvous) mailboxes drawing from one global slot pool,
// with blocking and conditional send/receive.
//
// Blocking reuses package proc's generic per-priority wait queues
// (Table.Suspend/Resume) tagged with the reserved internal reason
// ReasonMbox: there is no mailbox-private queue, just the scheduler's
// wait[] array with a reserved code below proc.MinBlockReason.
package mbox

import (
	"fmt"
	"sync"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/kernel/proc"
)

const reasonMbox = proc.ReasonMbox

// waiter is a blocked sender or receiver. Whoever resolves it (a
// matching send/receive, or mbox_release) mutates data/code while
// holding Table.mu and then calls proc.Resume(pid); the blocked
// goroutine, once woken, reads data/code back without further locking,
// safe because Resume's baton handoff establishes happens-before.
type waiter struct {
	pid    int
	data   []byte
	code   kerrors.Code
	bufCap int // receiver's buffer capacity; unused for sender waiters
}

type mailbox struct {
	id        int
	slotCap   int
	msgSize   int
	queue     [][]byte
	senders   []*waiter
	receivers []*waiter
	released  bool
}

// Table is the mailbox kernel.
type Table struct {
	mu sync.Mutex

	tun  config.Tunables
	proc *proc.Table
	log  *logrus.Entry

	boxes     []*mailbox
	nextID    int
	slotsUsed int
}

// New builds an empty mailbox table sized per tun.MaxMbox, with a
// global buffered-slot pool capped at tun.MaxSlots.
func New(tun config.Tunables, ptab *proc.Table, log *logrus.Entry) *Table {
	return &Table{
		tun:    tun,
		proc:   ptab,
		log:    log,
		boxes:  make([]*mailbox, tun.MaxMbox),
		nextID: 1,
	}
}

func (t *Table) lookupLocked(id int) *mailbox {
	if id <= 0 || len(t.boxes) == 0 {
		return nil
	}
	b := t.boxes[id%len(t.boxes)]
	if b != nil && b.id == id {
		return b
	}
	return nil
}

// Create allocates a mailbox with the given slot budget and maximum
// message size. slots == 0 makes a rendezvous mailbox.
func (t *Table) Create(slots, msgSize int) (int, kerrors.Code) {
	if slots < 0 {
		return 0, kerrors.BadArg
	}
	if msgSize < 0 || msgSize > t.tun.MaxMessage {
		return 0, kerrors.SlotSize
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	freeIdx := -1
	for i, b := range t.boxes {
		if b == nil {
			freeIdx = i
			break
		}
	}
	if freeIdx == -1 {
		return 0, kerrors.NoBox
	}

	var id int
	for i := 0; i <= t.tun.MaxMbox; i++ {
		cand := t.nextID
		t.nextID++
		if t.nextID > (1<<20) {
			t.nextID = 1
		}
		if cand != 0 && t.boxes[cand%len(t.boxes)] == nil {
			id = cand
			break
		}
	}
	if id == 0 {
		// a table slot was free but no usable id landed on it
		return 0, kerrors.NoIds
	}

	b := &mailbox{id: id, slotCap: slots, msgSize: msgSize}
	t.boxes[id%len(t.boxes)] = b
	if t.log != nil {
		t.log.WithFields(logrus.Fields{"op": "create", "id": id, "slots": slots, "msg_size": msgSize}).Debug("mailbox created")
	}
	return id, kerrors.OK
}

// Send delivers msg to the mailbox, blocking while the box's slot
// budget (or the global pool) is full.
func (t *Table) Send(id int, msg []byte) kerrors.Code {
	return t.send(id, msg, true)
}

// CondSend implements mbox_cond_send: never blocks, returns WouldBlock
// instead.
func (t *Table) CondSend(id int, msg []byte) kerrors.Code {
	return t.send(id, msg, false)
}

func (t *Table) send(id int, msg []byte, blocking bool) kerrors.Code {
	t.mu.Lock()
	box := t.lookupLocked(id)
	if box == nil {
		t.mu.Unlock()
		return kerrors.BadBox
	}
	if box.released {
		t.mu.Unlock()
		return kerrors.BoxReleased
	}
	if len(msg) > box.msgSize {
		t.mu.Unlock()
		return kerrors.MsgSize
	}

	payload := append([]byte(nil), msg...)

	// Direct handoff to a waiting receiver, including the zero-slot
	// rendezvous case where this is the only way a send can complete:
	// copy min(sender_len, receiver_len) bytes and let the receiver's
	// return value reflect the truncated length. The sender is never
	// told it was truncated.
	if len(box.receivers) > 0 {
		r := box.receivers[0]
		box.receivers = box.receivers[1:]
		n := len(payload)
		if r.bufCap < n {
			n = r.bufCap
		}
		r.data = payload[:n]
		t.mu.Unlock()
		t.proc.Resume(r.pid)
		return kerrors.OK
	}

	if box.slotCap > 0 && len(box.queue) < box.slotCap {
		if t.slotsUsed < t.tun.MaxSlots {
			box.queue = append(box.queue, payload)
			t.slotsUsed++
			t.mu.Unlock()
			return kerrors.OK
		}
		if !blocking {
			// the box itself has room; the global pool is what ran out
			t.mu.Unlock()
			return kerrors.NoSlots
		}
	}

	if !blocking {
		t.mu.Unlock()
		return kerrors.WouldBlock
	}

	self := &waiter{pid: t.proc.GetPid(), data: payload}
	box.senders = append(box.senders, self)
	t.mu.Unlock()

	code := t.proc.Suspend(reasonMbox)
	if code == kerrors.Zapped {
		return kerrors.Zapped
	}
	return self.code
}

// Receive takes the next queued message, blocking while the box is
// empty. bufCap bounds how many bytes the caller can accept.
func (t *Table) Receive(id int, bufCap int) ([]byte, kerrors.Code) {
	return t.receive(id, bufCap, true)
}

// CondReceive implements mbox_cond_receive: never blocks, returns
// WouldBlock instead.
func (t *Table) CondReceive(id int, bufCap int) ([]byte, kerrors.Code) {
	return t.receive(id, bufCap, false)
}

func (t *Table) receive(id int, bufCap int, blocking bool) ([]byte, kerrors.Code) {
	t.mu.Lock()
	box := t.lookupLocked(id)
	if box == nil {
		t.mu.Unlock()
		return nil, kerrors.BadBox
	}
	if box.released {
		t.mu.Unlock()
		return nil, kerrors.BoxReleased
	}

	if len(box.queue) > 0 {
		if len(box.queue[0]) > bufCap {
			// the stored message stays queued; the caller's buffer is
			// what's too small
			t.mu.Unlock()
			return nil, kerrors.SlotSize
		}
		msg := box.queue[0]
		box.queue = box.queue[1:]
		t.slotsUsed--
		// pull a blocked sender into the slot just freed
		var wakePid int
		if len(box.senders) > 0 {
			s := box.senders[0]
			box.senders = box.senders[1:]
			box.queue = append(box.queue, s.data)
			t.slotsUsed++
			wakePid = s.pid
		}
		t.mu.Unlock()
		if wakePid != 0 {
			t.proc.Resume(wakePid)
		}
		return msg, kerrors.OK
	}

	// Direct handoff from a waiting sender with nothing queued: a
	// zero-slot rendezvous box, or a slotted box whose sender blocked
	// because the global slot pool was exhausted. The rendezvous
	// truncation rule applies in both cases: min(sender_len,
	// receiver_len) bytes, never a SlotSize error.
	if len(box.senders) > 0 {
		s := box.senders[0]
		box.senders = box.senders[1:]
		msg := s.data
		n := len(msg)
		if bufCap < n {
			n = bufCap
		}
		msg = msg[:n]
		t.mu.Unlock()
		t.proc.Resume(s.pid)
		return msg, kerrors.OK
	}

	if !blocking {
		t.mu.Unlock()
		return nil, kerrors.WouldBlock
	}

	self := &waiter{pid: t.proc.GetPid(), bufCap: bufCap}
	box.receivers = append(box.receivers, self)
	t.mu.Unlock()

	code := t.proc.Suspend(reasonMbox)
	if code == kerrors.Zapped {
		return nil, kerrors.Zapped
	}
	if self.code == kerrors.BoxReleased {
		return nil, kerrors.BoxReleased
	}
	return self.data, kerrors.OK
}

// Release tears down a mailbox: every process blocked sending or
// receiving on id wakes with BoxReleased, and queued slots return to
// the pool.
func (t *Table) Release(id int) kerrors.Code {
	t.mu.Lock()
	box := t.lookupLocked(id)
	if box == nil {
		t.mu.Unlock()
		return kerrors.BadBox
	}
	box.released = true
	t.slotsUsed -= len(box.queue)
	box.queue = nil

	var pids []int
	for _, w := range box.senders {
		w.code = kerrors.BoxReleased
		pids = append(pids, w.pid)
	}
	for _, w := range box.receivers {
		w.code = kerrors.BoxReleased
		pids = append(pids, w.pid)
	}
	box.senders = nil
	box.receivers = nil
	t.boxes[id%len(t.boxes)] = nil
	t.mu.Unlock()

	for _, pid := range pids {
		t.proc.Resume(pid)
	}
	return kerrors.OK
}

// Dump prints every live mailbox's id, slot budget, and queue depths,
// in the same tabular shape as proc.Table.DumpProcesses.
func (t *Table) Dump(w *tabwriter.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(w, "ID\tSLOTS\tIN-USE\tSENDERS\tRECEIVERS\tRELEASED")
	for _, b := range t.boxes {
		if b == nil {
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%v\n", b.id, b.slotCap, len(b.queue), len(b.senders), len(b.receivers), b.released)
	}
	w.Flush()
}
