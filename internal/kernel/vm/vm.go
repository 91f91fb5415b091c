// Package vm is the demand-paged virtual memory pager: per-process
// page tables, a frame pool backed by a clock/second-chance eviction
// policy, a swap-disk usage map, and a pool of pager daemon processes
// that resolve faults reported by the MMU.
package vm

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/kernel/mbox"
	"github.com/oskernel/gopheros/internal/kernel/proc"
	"github.com/oskernel/gopheros/internal/machine"
)

const (
	pteFrameNone = -1
	blockNone    = -1

	flagReadable   = 1 << 0
	flagWritable   = 1 << 1
	flagPresent    = 1 << 2
	flagReferenced = 1 << 3
	flagDirty      = 1 << 4
)

// pte is one virtual page's page-table entry.
type pte struct {
	frame int
	block int
	flags int
}

// frame is one physical frame's pool bookkeeping.
type frame struct {
	free     bool
	next     int // next-free link; -1 at list end
	owner    int // pid that owns the mapping, or 0
	ownerPTE *pte
}

// procVM is one process's page table, keyed by pid. Fault replies go to
// the process's own PCB mailbox (MailboxID), not to anything stored here.
type procVM struct {
	pages []pte
}

// Stats is the pager's counter block, exposed as VM_STATS.
type Stats struct {
	Pages      int
	Frames     int
	Blocks     int
	FreeFrames int
	FreeBlocks int
	Switches   int64
	Faults     int64
	New        int64
	PageIns    int64
	PageOuts   int64
	Replaced   int64
}

// FaultMsg is what the MMU fault handler sends on the fault-queue
// mailbox for a pager daemon to service.
type FaultMsg struct {
	Pid    int
	Cause  machine.Cause
	Offset int
}

// Pager is the VM kernel.
type Pager struct {
	tun  config.Tunables
	proc *proc.Table
	mbox *mbox.Table
	mmu  *machine.MMU
	disk *machine.Disk
	log  *logrus.Entry

	virtPages  int
	physFrames int
	pagerCount int

	mu             sync.Mutex
	procs          map[int]*procVM
	frames         []frame
	freeHead       int
	clockHand      int
	swapUsed       []bool
	sectorsPerPage int

	faultBox int
	stats    Stats

	swapMu sync.Mutex

	// memMu guards mem, the flat byte-addressable backing store for
	// every physical frame (physFrames * page size). The simulator
	// contract has no separately-addressable memory array — real
	// hardware would back frames with actual RAM — so this stands in
	// for it, the same role machine.Disk's data []byte plays for the
	// swap disk.
	memMu sync.Mutex
	mem   []byte

	// ioMu serializes swap-disk requests across concurrent pager
	// daemons. machine.Disk delivers one completion to one installed
	// handler; without this, two pagers swapping in/out at once would
	// race installing diskIO's closure and could deliver a completion
	// to the wrong waiter. The disk driver (internal/kernel/drivers)
	// gets this for free by construction (one request in flight per
	// disk, queue-serialized); the pager talks to the swap disk
	// directly, so it serializes here instead.
	ioMu sync.Mutex
}

// New builds a Pager. Call Init before any process faults.
func New(tun config.Tunables, ptab *proc.Table, mtab *mbox.Table, mmu *machine.MMU, swapDisk *machine.Disk, log *logrus.Entry) *Pager {
	return &Pager{
		tun:   tun,
		proc:  ptab,
		mbox:  mtab,
		mmu:   mmu,
		disk:  swapDisk,
		log:   log,
		procs: make(map[int]*procVM),
	}
}

// Init is vm_init(maps, virt_pages, phys_frames, pager_count). maps
// is validated for range but otherwise unused: this implementation,
// like the MMU it drives, keys everything by pid tag rather than a
// separately bounded tag space.
func (p *Pager) Init(maps, virtPages, physFrames, pagerCount int) (uintptr, kerrors.Code) {
	const maxTag = 1 << 15
	if maps < 0 || maps > maxTag {
		return 0, kerrors.BadArg
	}
	if virtPages != physFrames {
		return 0, kerrors.BadArg
	}
	if pagerCount < 0 || pagerCount > p.tun.MaxPagers {
		return 0, kerrors.BadArg
	}

	p.mu.Lock()
	p.virtPages = virtPages
	p.physFrames = physFrames
	p.pagerCount = pagerCount

	p.frames = make([]frame, physFrames)
	for i := range p.frames {
		p.frames[i] = frame{free: true, next: i + 1}
	}
	if physFrames > 0 {
		p.frames[physFrames-1].next = -1
		p.freeHead = 0
	} else {
		p.freeHead = -1
	}

	pageSize := p.mmu.PageSize()
	p.mem = make([]byte, physFrames*pageSize)

	if p.disk != nil {
		p.sectorsPerPage = (pageSize + p.tun.DiskSectorSize - 1) / p.tun.DiskSectorSize
		blocks := (p.disk.Tracks() * p.tun.DiskTrackSize) / p.sectorsPerPage
		p.swapUsed = make([]bool, blocks)
		p.stats.Blocks = blocks
		p.stats.FreeBlocks = blocks
	}
	p.stats.Pages = virtPages
	p.stats.Frames = physFrames
	p.stats.FreeFrames = physFrames
	p.mu.Unlock()

	faultBox, code := p.mbox.Create(p.tun.MaxProc, faultMsgWireSize)
	if code != kerrors.OK {
		return 0, code
	}
	p.faultBox = faultBox

	for i := 0; i < pagerCount; i++ {
		p.forkPager(i)
	}

	return p.mmu.Region(), kerrors.OK
}

func (p *Pager) forkPager(i int) {
	_, code := p.proc.Fork(pagerName(i), func(string) int {
		p.runPagerDaemon()
		return 0
	}, "", 16384, proc.Highest)
	if code != kerrors.OK {
		kerrors.Fatal("vm: could not fork pager daemon %d: %v", i, code)
	}
}

func pagerName(i int) string {
	return "pager_daemon_" + itoa(i)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// AllocTable gives a freshly forked process its page table: virtPages
// entries, each starting unmapped with R|W permission pending.
func (p *Pager) AllocTable(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages := make([]pte, p.virtPages)
	for i := range pages {
		pages[i] = pte{frame: pteFrameNone, block: blockNone, flags: flagReadable | flagWritable}
	}
	p.procs[pid] = &procVM{pages: pages}
	p.mmu.SetTag(pid)
}

// Switch is the MMU half of a context switch: unmap old's tag
// entirely, then install every resident mapping of new.
func (p *Pager) Switch(oldPid, newPid int) {
	if oldPid > 0 {
		p.mmu.UnmapAll(oldPid)
	}
	p.mu.Lock()
	nv := p.procs[newPid]
	p.stats.Switches++
	p.mu.Unlock()
	if nv == nil {
		return
	}
	for vpage, e := range nv.pages {
		if e.frame != pteFrameNone {
			p.mmu.Map(newPid, vpage, e.frame, machine.ProtRW)
		}
	}
}

// FreeTable implements the quit-time teardown: unmap and release every
// frame/block the process's table still owns.
func (p *Pager) FreeTable(pid int) {
	p.mu.Lock()
	pv := p.procs[pid]
	delete(p.procs, pid)
	if pv != nil {
		for i := range pv.pages {
			e := &pv.pages[i]
			if e.frame != pteFrameNone {
				// only free the frame if it still points back at this
				// entry; an in-flight eviction has already claimed it
				// otherwise
				if e.frame >= 0 && e.frame < len(p.frames) && p.frames[e.frame].ownerPTE == e {
					p.freeFrameLocked(e.frame)
				}
				e.frame = pteFrameNone
			}
			if e.block != blockNone {
				p.freeBlockLocked(e.block)
			}
		}
	}
	p.mu.Unlock()
	p.mmu.UnmapAll(pid)
}

func (p *Pager) freeFrameLocked(idx int) {
	p.frames[idx] = frame{free: true, next: p.freeHead}
	p.freeHead = idx
	p.stats.FreeFrames++
}

func (p *Pager) freeBlockLocked(block int) {
	if block >= 0 && block < len(p.swapUsed) {
		p.swapUsed[block] = false
		p.stats.FreeBlocks++
	}
}

// ReadStats returns a snapshot of the VM_STATS counters.
func (p *Pager) ReadStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Cleanup is vm_cleanup: releasing the fault mailbox wakes every
// blocked pager daemon (they see BoxReleased and exit), then the
// daemons are joined and the frame pool, swap usage map, and backing
// store are torn down. Must be called by the process that called Init,
// since the pager daemons are its children.
func (p *Pager) Cleanup() {
	p.mbox.Release(p.faultBox)
	for i := 0; i < p.pagerCount; i++ {
		p.proc.Join()
	}

	p.mu.Lock()
	p.frames = nil
	p.freeHead = -1
	p.swapUsed = nil
	p.procs = make(map[int]*procVM)
	p.virtPages = 0
	p.pagerCount = 0
	p.mu.Unlock()

	p.memMu.Lock()
	p.mem = nil
	p.memMu.Unlock()
}
