// Package drivers implements the asynchronous device-driver
// processes: clock, disk, and terminal. Each driver is an ordinary
// kernel process (forked through proc.Table exactly like user code)
// that blocks receiving on a mailbox fed by the corresponding machine
// device's interrupt handler. There is no special "kernel mode" code
// path; drivers are just processes with high priority and an early
// start.
package drivers

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/kernel/mbox"
	"github.com/oskernel/gopheros/internal/kernel/proc"
	"github.com/oskernel/gopheros/internal/machine"
)

// Driver processes run one band below Highest, so a completed device
// operation preempts any user process not at Highest, without
// competing with the pager daemons at Highest.
const driverPriority = proc.Highest + 1

// DeviceType indexes the device_mbox_id table WaitDevice receives
// from: an explicit [type][unit] mapping.
type DeviceType int

const (
	ClockDevice DeviceType = iota
	DiskDevice
	TermDevice
	numDeviceTypes
)

// Table wires the driver processes to the machine devices and the
// mailboxes they communicate through.
type Table struct {
	tun  config.Tunables
	proc *proc.Table
	mbox *mbox.Table
	log  *logrus.Entry

	clock *machine.Clock

	// deviceBox is the device_mbox_id[type][unit] table: the mailbox
	// each device's interrupt delivery lands on, which WaitDevice (and
	// the driver processes themselves) receive from.
	deviceBox [numDeviceTypes][]int

	sleepMu  sync.Mutex
	sleepers []sleeper

	disks        []*machine.Disk
	diskQueueMu  []sync.Mutex
	diskQueue    [][]*diskRequest
	diskHead     []int
	diskTracks   []int // geometry learned by the startup DISK_TRACKS probe
	diskResultMu []sync.Mutex
	diskResults  []diskResult // one in-flight completion per disk, the driver's own "request slot"

	// diskReplyMu guards diskReplies, the per-caller request slot: a
	// disk reply can carry a full sector (bigger than the mailbox
	// message cap), so the driver hands it back out of band and uses
	// the caller's private mailbox purely as the zero-payload wake-up
	// signal.
	diskReplyMu sync.Mutex
	diskReplies map[int][]byte // replyBox -> pending disk_read/disk_write reply

	terms        []*machine.Terminal
	termLineBox  []int // completed input lines, for term_read
	termWriteBox []int // queued write jobs, for the tx goroutine
	termAckBox   []int // tx-ready acks, one-slot box read by the tx goroutine
}

// New builds a driver table. Call Start before forking processes that
// issue device syscalls; each driver is itself a forked process, so
// starting them while only the sentinel can be current keeps them out
// of any user process's child list.
func New(tun config.Tunables, ptab *proc.Table, mtab *mbox.Table, log *logrus.Entry, clock *machine.Clock, disks []*machine.Disk, terms []*machine.Terminal) *Table {
	t := &Table{
		tun:   tun,
		proc:  ptab,
		mbox:  mtab,
		log:   log,
		clock: clock,
		disks: disks,
		terms: terms,
	}
	t.deviceBox[ClockDevice] = make([]int, 1)
	t.deviceBox[DiskDevice] = make([]int, len(disks))
	t.deviceBox[TermDevice] = make([]int, len(terms))
	t.diskQueueMu = make([]sync.Mutex, len(disks))
	t.diskQueue = make([][]*diskRequest, len(disks))
	t.diskHead = make([]int, len(disks))
	t.diskTracks = make([]int, len(disks))
	t.diskResultMu = make([]sync.Mutex, len(disks))
	t.diskResults = make([]diskResult, len(disks))
	t.diskReplies = make(map[int][]byte)
	t.termLineBox = make([]int, len(terms))
	t.termWriteBox = make([]int, len(terms))
	t.termAckBox = make([]int, len(terms))
	return t
}

// WaitDevice receives one integer status word from the device's
// dedicated mailbox, blocking the caller until the device's next
// interrupt delivery. A caller zapped while blocked gets WaitZapped.
func (t *Table) WaitDevice(dev DeviceType, unit int) (int, kerrors.Code) {
	if dev < 0 || dev >= numDeviceTypes || unit < 0 || unit >= len(t.deviceBox[dev]) {
		return 0, kerrors.BadInput
	}
	raw, code := t.mbox.Receive(t.deviceBox[dev][unit], 4)
	if code == kerrors.Zapped {
		return 0, kerrors.WaitZapped
	}
	if code != kerrors.OK {
		return 0, code
	}
	if len(raw) < 4 {
		return 0, kerrors.OK
	}
	return getInt32(raw), kerrors.OK
}

// Start forks every driver process. Must run with no process current
// (bootstrap) or from within an already-running process — either is
// fine since Fork handles both.
func (t *Table) Start() {
	t.startClock()
	for i := range t.disks {
		t.startDisk(i)
	}
	for i := range t.terms {
		t.startTerminal(i)
	}
}
