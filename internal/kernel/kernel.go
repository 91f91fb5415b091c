// Package kernel wires the process table, mailbox subsystem, and the
// simulated machine together into the single Kernel value every other
// kernel-facing package (drivers, vm, syscall) threads through, in
// place of file-scope globals.
package kernel

import (
	"github.com/sirupsen/logrus"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kernel/drivers"
	"github.com/oskernel/gopheros/internal/kernel/mbox"
	"github.com/oskernel/gopheros/internal/kernel/proc"
	"github.com/oskernel/gopheros/internal/kernel/sem"
	"github.com/oskernel/gopheros/internal/kernel/vm"
	"github.com/oskernel/gopheros/internal/machine"
)

// Kernel bundles the scheduler, the mailbox table, the device drivers,
// the VM pager, and the machine access they're all built on top of.
type Kernel struct {
	Tun config.Tunables
	Log *logrus.Logger

	Proc    *proc.Table
	Mbox    *mbox.Table
	Sem     *sem.Table
	Drivers *drivers.Table
	VM      *vm.Pager

	Clock *machine.Clock
	Disks []*machine.Disk
	Terms []*machine.Terminal
	MMU   *machine.MMU
}

// New builds a Kernel from tunables and an already-constructed machine
// layer, wiring the process/mailbox import-cycle break (proc needs to
// allocate private mailboxes but must not import package mbox).
func New(tun config.Tunables, log *logrus.Logger, clock *machine.Clock, disks []*machine.Disk, terms []*machine.Terminal, mmu *machine.MMU) *Kernel {
	procLog := log.WithField("subsystem", "proc")
	ptab := proc.New(tun, clock, procLog)

	mtab := mbox.New(tun, ptab, log.WithField("subsystem", "mbox"))
	ptab.MailboxFactory = func() int {
		id, code := mtab.Create(0, tun.MaxMessage)
		if code != 0 {
			return -1
		}
		return id
	}

	stab := sem.New(tun, mtab)
	dtab := drivers.New(tun, ptab, mtab, log.WithField("subsystem", "drivers"), clock, disks, terms)

	swapDisk := (*machine.Disk)(nil)
	if len(disks) > 0 {
		swapDisk = disks[len(disks)-1]
	}
	vmPager := vm.New(tun, ptab, mtab, mmu, swapDisk, log.WithField("subsystem", "vm"))
	ptab.OnFork = vmPager.AllocTable
	ptab.OnQuit = vmPager.FreeTable
	ptab.OnSwitch = vmPager.Switch

	return &Kernel{
		Tun:     tun,
		Log:     log,
		Proc:    ptab,
		Mbox:    mtab,
		Sem:     stab,
		Drivers: dtab,
		VM:      vmPager,
		Clock:   clock,
		Disks:   disks,
		Terms:   terms,
		MMU:     mmu,
	}
}

// Boot installs the sentinel process and starts every device driver
// (which starts the clock ticking into the process table's
// accounting). Callers fork their init process after Boot returns:
// the driver processes are forked here, while only the sentinel can be
// current, so they end up parented by the sentinel (or nothing) and an
// init process that later quits never trips quit's no-unquit-children
// check on their account.
func (k *Kernel) Boot(sentinel proc.Entry) {
	k.Proc.InitSentinel(sentinel)
	k.Drivers.Start()
}
