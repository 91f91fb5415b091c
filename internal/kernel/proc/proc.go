// Package proc is the process kernel: process table, ready/wait
// queues, the priority dispatcher, and the fork/join/quit/zap/block/
// unblock state machine.
//
// Concurrency model: each process is backed by one goroutine. The
// *only* thing that makes "one logical CPU" true is a per-process
// single-slot baton channel (PCB.cpu) — Dispatch always sends to
// exactly one process's baton and then, if the caller is still
// schedulable, blocks on its own baton until it is woken again. Table.mu
// is the stand-in for "interrupts disabled": it protects every
// queue/table mutation, but is never held across a baton handoff, so
// driver goroutines (which simulate asynchronous device interrupts)
// can always acquire it.
package proc

import (
	"fmt"
	"sync"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kerrors"
)

// State is a process's scheduling state.
type State int

const (
	StateEmpty State = iota
	StateReady
	StateRunning
	StateBlocked
	StateQuit
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// Priority range: 1 highest ... 5 lowest for user processes, 6
// reserved for the sentinel.
const (
	Highest          = 1
	Lowest           = 5
	SentinelPriority = 6
	numBands         = SentinelPriority

	SentinelPid = 1
	maxPid      = (1 << 15) - 1

	maxNameLen = 64
	maxArgLen  = 256
)

// Reserved block reasons (<MinBlockReason) are managed internally by the
// kernel (join/zap bookkeeping, mailbox blocking) and may not be passed
// to BlockMe or targeted by UnblockProc.
const (
	ReasonJoin    = 1
	ReasonZapping = 2
	ReasonMbox    = 3

	MinBlockReason = 10
)

// Entry is a process's body: it receives its argument string and
// returns its exit code, which the launch trampoline hands to quit().
type Entry func(arg string) int

// PCB is a process descriptor.
type PCB struct {
	Pid       int
	Name      string
	Arg       string
	Priority  int
	Entry     Entry
	StackSize int

	State  State
	Status int // block reason while BLOCKED, exit code while QUIT

	CPUTimeUS    int64
	SliceStartUS int64

	Zapped bool
	Zappee *PCB

	NextInQueue *PCB
	FirstChild  *PCB
	NextSibling *PCB
	Parent      *PCB

	MailboxID int

	cpu            chan struct{}
	sliceUsedUS    int64
	preemptPending bool
	resumePending  bool   // a Resume arrived before the target reached Suspend
	zapWaiters     []*PCB // processes blocked in zap(this)
}

type queue struct {
	head, tail *PCB
}

func (q *queue) empty() bool { return q.head == nil }

func (q *queue) push(p *PCB) {
	p.NextInQueue = nil
	if q.tail == nil {
		q.head, q.tail = p, p
		return
	}
	q.tail.NextInQueue = p
	q.tail = p
}

func (q *queue) pop() *PCB {
	p := q.head
	if p == nil {
		return nil
	}
	q.head = p.NextInQueue
	if q.head == nil {
		q.tail = nil
	}
	p.NextInQueue = nil
	return p
}

func (q *queue) remove(target *PCB) bool {
	var prev *PCB
	for p := q.head; p != nil; p = p.NextInQueue {
		if p == target {
			if prev == nil {
				q.head = p.NextInQueue
			} else {
				prev.NextInQueue = p.NextInQueue
			}
			if q.tail == p {
				q.tail = prev
			}
			p.NextInQueue = nil
			return true
		}
		prev = p
	}
	return false
}

// Clock is the minimal time source the scheduler needs: microseconds
// since boot, from which CPU accounting and the four-tick timeslice
// bound are derived.
type Clock interface {
	Now() int64
}

// Table is the process kernel: the process table plus the ready/wait
// queues and the dispatcher. Every other subsystem threads a *Table
// through its constructor and blocks and wakes processes through its
// Suspend/Resume; each subsystem guards its own state with its own
// mutex.
type Table struct {
	mu sync.Mutex

	tun   config.Tunables
	clock Clock
	log   *logrus.Entry

	slots []*PCB
	ready [numBands]queue
	wait  [numBands]queue

	current   *PCB
	pidCursor int

	// MailboxFactory allocates a process's private rendezvous mailbox.
	// Wired post-construction by the kernel to avoid an import cycle
	// with package mbox (mbox itself depends on proc).
	MailboxFactory func() int

	// OnFork, OnQuit, and OnSwitch are the VM pager's three hooks into
	// the scheduler: fork allocates the process's page table, quit frees
	// it, and a context switch swaps the MMU mappings over. Wired
	// post-construction by the kernel for the same import-cycle reason
	// as MailboxFactory (package vm imports proc, so proc cannot import
	// vm back).
	OnFork   func(pid int)
	OnQuit   func(pid int)
	OnSwitch func(oldPid, newPid int)

	sliceLimitUS int64
}

// New builds an empty process table sized per tun.MaxProc.
func New(tun config.Tunables, clock Clock, log *logrus.Entry) *Table {
	return &Table{
		tun:          tun,
		clock:        clock,
		log:          log,
		slots:        make([]*PCB, tun.MaxProc),
		pidCursor:    1,
		sliceLimitUS: int64(tun.ClockTickMS) * 1000 * 4,
	}
}

// Lock/Unlock expose the scheduler's lock outside the package. The
// mbox, vm, and drivers packages do not call them; they serialize on
// their own mutexes.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// Current returns the presently running process. It takes the lock
// itself, so it must not be called with the lock held; the result is a
// snapshot that can be stale once the lock is released.
func (t *Table) Current() *PCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Lookup finds the live descriptor for pid, or nil.
func (t *Table) Lookup(pid int) *PCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(pid)
}

func (t *Table) lookupLocked(pid int) *PCB {
	if pid <= 0 || len(t.slots) == 0 {
		return nil
	}
	p := t.slots[pid%len(t.slots)]
	if p != nil && p.Pid == pid {
		return p
	}
	return nil
}

func (t *Table) allocPidLocked() (int, bool) {
	for i := 0; i <= maxPid; i++ {
		pid := t.pidCursor
		t.pidCursor++
		if t.pidCursor > maxPid {
			t.pidCursor = 1
		}
		if pid == 0 || pid == SentinelPid {
			continue
		}
		if t.slots[pid%len(t.slots)] == nil {
			return pid, true
		}
	}
	return 0, false
}

func (t *Table) hasFreeSlotLocked() bool {
	for _, p := range t.slots {
		if p == nil {
			return true
		}
	}
	return false
}

// InitSentinel installs the always-runnable sentinel process (priority
// 6) that the dispatcher falls back to so pickNextLocked never finds
// every queue empty. entry should never return.
func (t *Table) InitSentinel(entry Entry) {
	t.mu.Lock()
	p := &PCB{
		Pid:      SentinelPid,
		Name:     "sentinel",
		Priority: SentinelPriority,
		Entry:    entry,
		State:    StateReady,
		cpu:      make(chan struct{}, 1),
	}
	t.slots[SentinelPid%len(t.slots)] = p
	t.readyEnqueueLocked(p)
	t.mu.Unlock()

	go t.trampoline(p)
}

// Start hands the CPU for the first time to the highest-priority ready
// process: a real process forked beforehand if there is one, otherwise
// the sentinel.
func (t *Table) Start() {
	t.mu.Lock()
	next := t.pickNextLocked()
	t.current = next
	next.State = StateRunning
	next.SliceStartUS = t.clock.Now()
	t.mu.Unlock()
	if t.OnSwitch != nil {
		t.OnSwitch(0, next.Pid)
	}
	next.cpu <- struct{}{}
}

func (t *Table) trampoline(p *PCB) {
	<-p.cpu
	ret := p.Entry(p.Arg)
	t.Quit(ret)
}

// --- Fork / Join / Quit / Zap -------------------------------------------------

// Fork creates a child of the current process and schedules it. The
// dispatcher runs before Fork returns: a child that outranks the caller,
// or shares its priority, gets the CPU first, since the caller is
// requeued behind it.
func (t *Table) Fork(name string, entry Entry, arg string, stackSize, priority int) (int, kerrors.Code) {
	if entry == nil {
		return 0, kerrors.BadArg
	}
	if len(name) > maxNameLen || len(arg) > maxArgLen {
		return 0, kerrors.BadArg
	}
	if priority < Highest || priority > Lowest {
		return 0, kerrors.InvalidPriority
	}
	if stackSize < t.tun.MinStack {
		return 0, kerrors.StackTooSmall
	}

	t.mu.Lock()
	if !t.hasFreeSlotLocked() {
		t.mu.Unlock()
		return 0, kerrors.NoSlots
	}
	pid, ok := t.allocPidLocked()
	if !ok {
		t.mu.Unlock()
		return 0, kerrors.NoPids
	}

	p := &PCB{
		Pid:       pid,
		Name:      name,
		Arg:       arg,
		Priority:  priority,
		Entry:     entry,
		StackSize: stackSize,
		State:     StateReady,
		MailboxID: -1,
		cpu:       make(chan struct{}, 1),
		Parent:    t.current,
	}
	t.slots[pid%len(t.slots)] = p

	if parent := t.current; parent != nil {
		if parent.FirstChild == nil {
			parent.FirstChild = p
		} else {
			c := parent.FirstChild
			for c.NextSibling != nil {
				c = c.NextSibling
			}
			c.NextSibling = p
		}
	}

	factory := t.MailboxFactory
	t.readyEnqueueLocked(p)
	t.mu.Unlock()

	if factory != nil {
		p.MailboxID = factory()
	}
	if t.OnFork != nil {
		t.OnFork(pid)
	}

	if t.log != nil {
		t.log.WithFields(logrus.Fields{"op": "fork", "pid": pid, "name": name, "priority": priority}).Debug("process forked")
	}

	go t.trampoline(p)
	t.Dispatch()

	return pid, kerrors.OK
}

// Join reaps the caller's oldest-quit child, blocking until one has
// quit. Children are observed in quit order.
func (t *Table) Join() (int, int, kerrors.Code) {
	t.mu.Lock()
	self := t.current
	if self.FirstChild == nil {
		t.mu.Unlock()
		return 0, 0, kerrors.NoChildren
	}

	child := t.firstQuitChildLocked(self)
	for child == nil {
		self.State = StateBlocked
		self.Status = ReasonJoin
		t.waitEnqueueLocked(self)
		t.mu.Unlock()
		t.Dispatch()
		t.mu.Lock()

		child = t.firstQuitChildLocked(self)
	}

	status := child.Status
	pid := child.Pid
	t.removeChildLocked(self, child)
	t.slots[child.Pid%len(t.slots)] = nil
	zapped := self.Zapped
	t.mu.Unlock()

	if zapped {
		return pid, status, kerrors.Zapped
	}
	return pid, status, kerrors.OK
}

func (t *Table) firstQuitChildLocked(parent *PCB) *PCB {
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.State == StateQuit {
			return c
		}
	}
	return nil
}

func (t *Table) removeChildLocked(parent, child *PCB) {
	if parent.FirstChild == child {
		parent.FirstChild = child.NextSibling
		return
	}
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.NextSibling == child {
			c.NextSibling = child.NextSibling
			return
		}
	}
}

func (t *Table) appendChildLocked(parent, child *PCB) {
	child.NextSibling = nil
	if parent.FirstChild == nil {
		parent.FirstChild = child
		return
	}
	c := parent.FirstChild
	for c.NextSibling != nil {
		c = c.NextSibling
	}
	c.NextSibling = child
}

// Quit terminates the currently running process with the given exit
// code. Quitting with live children is a kernel bug.
func (t *Table) Quit(code int) {
	t.mu.Lock()
	self := t.current
	if self.FirstChild != nil {
		for c := self.FirstChild; c != nil; c = c.NextSibling {
			if c.State != StateQuit {
				t.mu.Unlock()
				kerrors.Fatal("quit: process %d has unquit child %d", self.Pid, c.Pid)
			}
		}
	}

	now := t.clock.Now()
	self.CPUTimeUS += now - self.SliceStartUS
	self.Status = code
	self.State = StateQuit

	if parent := self.Parent; parent != nil {
		t.removeSiblingLinkLocked(parent, self)
		t.appendChildLocked(parent, self)
		if parent.State == StateBlocked && parent.Status == ReasonJoin {
			t.waitRemoveLocked(parent)
			parent.State = StateReady
			t.readyEnqueueLocked(parent)
		}
	}

	if self.Zapped {
		waiters := self.zapWaiters
		self.zapWaiters = nil
		for _, w := range waiters {
			t.waitRemoveLocked(w)
			w.State = StateReady
			w.Zappee = nil
			t.readyEnqueueLocked(w)
		}
	}

	if t.log != nil {
		t.log.WithFields(logrus.Fields{"op": "quit", "pid": self.Pid, "code": code}).Debug("process quit")
	}

	t.mu.Unlock()
	if t.OnQuit != nil {
		t.OnQuit(self.Pid)
	}
	t.Dispatch()
}

// removeSiblingLinkLocked detaches self from its parent's unquit child
// chain without touching self.FirstChild (used right before quit moves
// self to the quit-ordered tail of the same list).
func (t *Table) removeSiblingLinkLocked(parent, self *PCB) {
	if parent.FirstChild == self {
		parent.FirstChild = self.NextSibling
		self.NextSibling = nil
		return
	}
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.NextSibling == self {
			c.NextSibling = self.NextSibling
			self.NextSibling = nil
			return
		}
	}
}

// Zap marks the target for cooperative cancellation and blocks until
// it has fully quit.
func (t *Table) Zap(pid int) kerrors.Code {
	t.mu.Lock()
	self := t.current
	if pid == self.Pid {
		t.mu.Unlock()
		kerrors.Fatal("zap: process %d zapped itself", pid)
	}
	target := t.lookupLocked(pid)
	if target == nil {
		t.mu.Unlock()
		kerrors.Fatal("zap: no such process %d", pid)
	}

	target.Zapped = true
	if target.State == StateQuit {
		t.mu.Unlock()
		return kerrors.OK
	}

	target.zapWaiters = append(target.zapWaiters, self)
	self.State = StateBlocked
	self.Status = ReasonZapping
	self.Zappee = target
	t.waitEnqueueLocked(self)
	t.mu.Unlock()

	t.Dispatch()

	self.Zappee = nil
	if self.Zapped {
		return kerrors.Zapped
	}
	return kerrors.OK
}

// IsZapped reports whether the current process has been zapped.
func (t *Table) IsZapped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.Zapped
}

// --- block_me / unblock_proc --------------------------------------------------

// BlockMe parks the caller on its priority's wait queue under the
// given reason; reason must be >= MinBlockReason.
func (t *Table) BlockMe(reason int) kerrors.Code {
	if reason < MinBlockReason {
		kerrors.Fatal("block_me: reason %d is reserved", reason)
	}
	return t.Suspend(reason)
}

// Suspend is the internal blocking primitive used by mbox/vm with
// reserved reason codes (<MinBlockReason) that user code may not pass
// to BlockMe directly. A Resume that raced ahead of the Suspend (an
// interrupt-time resolver can run between a waiter enqueueing itself
// on a mailbox and reaching this call) is consumed here instead of
// blocking, so the wakeup is never lost.
func (t *Table) Suspend(reason int) kerrors.Code {
	t.mu.Lock()
	self := t.current
	if self.resumePending {
		self.resumePending = false
		zapped := self.Zapped
		t.mu.Unlock()
		if zapped {
			return kerrors.Zapped
		}
		return kerrors.OK
	}
	self.State = StateBlocked
	self.Status = reason
	t.waitEnqueueLocked(self)
	t.mu.Unlock()

	t.Dispatch()

	if self.Zapped {
		return kerrors.Zapped
	}
	return kerrors.OK
}

// UnblockProc moves a process blocked via BlockMe back to its ready
// queue. Targets blocked on reserved reasons (join, zap, mailbox) are
// managed by the kernel itself and are rejected here, as are targets
// blocked on reason MinBlockReason itself: only reasons above it can be
// unblocked.
func (t *Table) UnblockProc(pid int) kerrors.Code {
	t.mu.Lock()
	self := t.current
	if pid == self.Pid {
		t.mu.Unlock()
		kerrors.Fatal("unblock_proc: process %d unblocked itself", pid)
	}
	target := t.lookupLocked(pid)
	if target == nil {
		t.mu.Unlock()
		return kerrors.BadPid
	}
	if target.State != StateBlocked {
		t.mu.Unlock()
		return kerrors.BadPid
	}
	if target.Status <= MinBlockReason {
		t.mu.Unlock()
		return kerrors.BadPid
	}
	t.mu.Unlock()
	return t.Resume(pid)
}

// Resume is the internal wakeup primitive used by mbox/vm/drivers for
// processes blocked on reserved reasons. A target that hasn't blocked
// yet gets its wakeup banked for its next Suspend instead of dropped.
func (t *Table) Resume(pid int) kerrors.Code {
	t.mu.Lock()
	target := t.lookupLocked(pid)
	if target == nil {
		t.mu.Unlock()
		return kerrors.BadPid
	}
	if target.State != StateBlocked {
		target.resumePending = true
		t.mu.Unlock()
		return kerrors.OK
	}
	t.waitRemoveLocked(target)
	target.State = StateReady
	t.readyEnqueueLocked(target)
	t.mu.Unlock()

	t.Dispatch()
	return kerrors.OK
}

// --- dispatcher ---------------------------------------------------------------

func (t *Table) readyEnqueueLocked(p *PCB) {
	t.ready[p.Priority-1].push(p)
}

func (t *Table) waitEnqueueLocked(p *PCB) {
	t.wait[p.Priority-1].push(p)
}

func (t *Table) waitRemoveLocked(p *PCB) {
	t.wait[p.Priority-1].remove(p)
}

func (t *Table) pickNextLocked() *PCB {
	for band := 0; band < numBands; band++ {
		if !t.ready[band].empty() {
			return t.ready[band].pop()
		}
	}
	kerrors.Fatal("dispatcher: no runnable process")
	return nil
}

// Dispatch runs the scheduling policy: if the current process is
// still RUNNING it is demoted to READY and requeued at the tail of its
// own band; the highest non-empty band's head is then selected and
// given the CPU.
func (t *Table) Dispatch() {
	t.mu.Lock()
	prev := t.current
	if prev != nil && prev.State == StateRunning {
		prev.State = StateReady
		t.readyEnqueueLocked(prev)
	}
	next := t.pickNextLocked()
	t.current = next
	next.State = StateRunning
	next.SliceStartUS = t.clock.Now()
	next.sliceUsedUS = 0
	next.preemptPending = false
	t.mu.Unlock()

	if next == prev {
		return
	}
	if t.OnSwitch != nil {
		oldPid := 0
		if prev != nil {
			oldPid = prev.Pid
		}
		t.OnSwitch(oldPid, next.Pid)
	}
	next.cpu <- struct{}{}
	if prev != nil && prev.State != StateQuit {
		<-prev.cpu
	}
}

// NoteTick is called by the clock device's tick callback (a goroutine
// that does not belong to any process) to account CPU time and flag a
// pending preemption. It never performs the actual context switch
// itself — see CheckPreempt — because only the currently-running
// process's own goroutine may safely execute Dispatch's baton handoff.
// This is a deliberate adaptation: real hardware interrupts a CPU
// mid-instruction; a goroutine cannot be preempted by another goroutine
// on demand, so the four-tick timeslice bound takes effect only when the
// running process next passes through Dispatch (fork, a blocking call,
// a wakeup, quit) or calls CheckPreempt, not asynchronously.
func (t *Table) NoteTick(tickMicros int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	t.current.CPUTimeUS += tickMicros
	t.current.sliceUsedUS += tickMicros
	if t.current.sliceUsedUS >= t.sliceLimitUS {
		t.current.preemptPending = true
	}
}

// CheckPreempt performs the dispatch a pending NoteTick flagged. Every
// blocking kernel primitive in this package already calls Dispatch
// unconditionally on its own path, which clears sliceUsedUS/
// preemptPending as a side effect; CheckPreempt exists for long-running
// compute loops (e.g. the sentinel, or a CPU-bound test process) to
// cooperate explicitly rather than spinning forever uninterrupted.
func (t *Table) CheckPreempt() {
	t.mu.Lock()
	pending := t.current != nil && t.current.preemptPending
	t.mu.Unlock()
	if pending {
		t.Dispatch()
	}
}

// --- informational -------------------------------------------------------------

// GetPid returns the current process's pid.
func (t *Table) GetPid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.Pid
}

// ReadCurStartTime returns the current process's timeslice start time,
// in microseconds since boot.
func (t *Table) ReadCurStartTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.SliceStartUS
}

// ReadTime returns the current process's cumulative CPU time in
// microseconds.
func (t *Table) ReadTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.CPUTimeUS
}

// DumpProcesses prints one row per live process: pid, name, priority,
// state, and the status word (block reason or exit code).
func (t *Table) DumpProcesses(w *tabwriter.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(w, "PID\tNAME\tPRIORITY\tSTATE\tSTATUS")
	for _, p := range t.slots {
		if p == nil {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\n", p.Pid, p.Name, p.Priority, p.State, p.Status)
	}
	w.Flush()
}
