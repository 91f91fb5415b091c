package machine

import "sync"

type mapping struct {
	frame      int
	prot       Prot
	referenced bool
	dirty      bool
}

// MMU simulates the machine's MMU: a per-tag virtual page -> physical
// frame map plus per-tag fault cause and per-page referenced/dirty
// bits. The kernel uses one tag per process; this implementation keys
// everything by tag so that holds without further assumptions.
type MMU struct {
	mu       sync.Mutex
	pageSize int
	region   uintptr

	pages map[int]map[int]*mapping
	cause map[int]Cause
}

// NewMMU builds an MMU for the given page size and base region address
// (MMU_Init). Tags get their maps later, through SetTag.
func NewMMU(pageSize int, regionBase uintptr) *MMU {
	return &MMU{
		pageSize: pageSize,
		region:   regionBase,
		pages:    make(map[int]map[int]*mapping),
		cause:    make(map[int]Cause),
	}
}

// PageSize is MMU_PageSize().
func (m *MMU) PageSize() int { return m.pageSize }

// Region is MMU_Region(): the base address of the MMU-controlled
// virtual region.
func (m *MMU) Region() uintptr { return m.region }

// SetTag is MMU_SetTag(): ensures a tag's map exists (the VM pager
// calls it when it allocates a process's page table at fork).
func (m *MMU) SetTag(tag int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[tag]; !ok {
		m.pages[tag] = make(map[int]*mapping)
	}
}

// Map installs a vpage->frame mapping for tag (MMU_Map).
func (m *MMU) Map(tag, vpage, frame int, prot Prot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.pages[tag]
	if tbl == nil {
		tbl = make(map[int]*mapping)
		m.pages[tag] = tbl
	}
	tbl[vpage] = &mapping{frame: frame, prot: prot}
}

// Unmap removes a vpage mapping for tag (MMU_Unmap).
func (m *MMU) Unmap(tag, vpage int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tbl := m.pages[tag]; tbl != nil {
		delete(tbl, vpage)
	}
}

// UnmapAll tears down every mapping for tag (used on process quit).
func (m *MMU) UnmapAll(tag int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, tag)
}

// GetMap is MMU_GetMap().
func (m *MMU) GetMap(tag, vpage int) (frame int, prot Prot, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.pages[tag]
	if tbl == nil {
		return 0, ProtNone, false
	}
	e, ok := tbl[vpage]
	if !ok {
		return 0, ProtNone, false
	}
	return e.frame, e.prot, true
}

// SetAccess is MMU_SetAccess(): sets the referenced/dirty bits.
func (m *MMU) SetAccess(tag, vpage int, referenced, dirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.pages[tag]
	if tbl == nil {
		return
	}
	e, ok := tbl[vpage]
	if !ok {
		return
	}
	e.referenced = e.referenced || referenced
	e.dirty = e.dirty || dirty
}

// ClearReferenced clears only the referenced bit — used by the clock
// eviction algorithm's second-chance sweep.
func (m *MMU) ClearReferenced(tag, vpage int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.pages[tag]
	if tbl == nil {
		return
	}
	if e, ok := tbl[vpage]; ok {
		e.referenced = false
	}
}

// GetAccess is MMU_GetAccess().
func (m *MMU) GetAccess(tag, vpage int) (referenced, dirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.pages[tag]
	if tbl == nil {
		return false, false
	}
	e, ok := tbl[vpage]
	if !ok {
		return false, false
	}
	return e.referenced, e.dirty
}

// SetCause is how the fault handler records why it was invoked
// (MMU_GetCause's write side).
func (m *MMU) SetCause(tag int, c Cause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cause[tag] = c
}

// GetCause is MMU_GetCause().
func (m *MMU) GetCause(tag int) Cause {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause[tag]
}

// Touch simulates a user-mode memory access at vpage for tag (standing
// in for real hardware raising a page fault trap, since there is no
// literal MMU trapping in a userspace Go process). It reports whether
// the access must first go through the fault handler, and why.
func (m *MMU) Touch(tag, vpage int, write bool) (needsFault bool, cause Cause) {
	m.mu.Lock()
	tbl := m.pages[tag]
	var e *mapping
	if tbl != nil {
		e = tbl[vpage]
	}
	m.mu.Unlock()

	switch {
	case e == nil:
		return true, CauseFault
	case write && e.prot != ProtRW:
		return true, CauseAccess
	default:
		m.SetAccess(tag, vpage, true, write)
		return false, CauseNone
	}
}
