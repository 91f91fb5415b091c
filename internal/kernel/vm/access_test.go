package vm_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/kernel/mbox"
	"github.com/oskernel/gopheros/internal/kernel/proc"
	"github.com/oskernel/gopheros/internal/kernel/vm"
	"github.com/oskernel/gopheros/internal/machine"
)

type fakeClock struct{ us int64 }

func (c *fakeClock) Now() int64 { return atomic.AddInt64(&c.us, 1) }

func newKernel(t *testing.T) (*proc.Table, *mbox.Table, *vm.Pager) {
	t.Helper()
	tun := config.Default()
	tun.MinStack = 4096

	ptab := proc.New(tun, &fakeClock{}, nil)
	mtab := mbox.New(tun, ptab, nil)
	ptab.MailboxFactory = func() int {
		id, _ := mtab.Create(0, tun.MaxMessage)
		return id
	}

	// A page several times the disk's sector size (rather than equal to
	// it) exercises the multi-sector swap transfer every real
	// configuration uses (4096-byte pages over 512-byte sectors),
	// instead of hiding a one-sector-per-page bug.
	mmu := machine.NewMMU(4096, 0x1000)
	disk := machine.NewDisk(tun.DiskTracks, tun.DiskTrackSize, tun.DiskSectorSize)

	pager := vm.New(tun, ptab, mtab, mmu, disk, nil)
	ptab.OnFork = pager.AllocTable
	ptab.OnQuit = pager.FreeTable
	ptab.OnSwitch = pager.Switch

	ptab.InitSentinel(func(string) int {
		for {
			time.Sleep(time.Millisecond)
		}
	})
	return ptab, mtab, pager
}

func run(t *testing.T, ptab *proc.Table, root proc.Entry) {
	t.Helper()
	done := make(chan struct{})
	_, code := ptab.Fork("root", func(arg string) int {
		defer close(done)
		return root(arg)
	}, "", 4096, proc.Lowest)
	require.Equal(t, kerrors.OK, code)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("root process never completed")
	}
}

// TestPageRoundTripSurvivesEviction forces two live processes to share a
// frame pool too small for both of their address spaces at once, so one
// process's pages get evicted (written to the swap disk) while it is
// still alive, then checks the evicted bytes come back unchanged on the
// next touch.
func TestPageRoundTripSurvivesEviction(t *testing.T) {
	ptab, mtab, pager := newKernel(t)

	pageSize := 4096
	var base uintptr
	var stats vm.Stats
	var worker1Before, worker1After, worker2Bytes []byte

	// Init, the workers, their joins, and Cleanup all run inside one
	// root process: the pager daemon Init forks is the root's child, so
	// the root cannot quit until Cleanup has joined it.
	run(t, ptab, func(string) int {
		b, code := pager.Init(1, 2, 2, 1)
		require.Equal(t, kerrors.OK, code)
		base = b

		handoff, code := mtab.Create(0, 0)
		require.Equal(t, kerrors.OK, code)

		_, code = ptab.Fork("worker1", func(string) int {
			pid := ptab.GetPid()
			worker1Before = make([]byte, 2*pageSize)
			for i := range worker1Before {
				worker1Before[i] = byte(0xA0 + i%16)
			}
			require.Equal(t, kerrors.OK, pager.Write(pid, base, worker1Before[:pageSize]))
			require.Equal(t, kerrors.OK, pager.Write(pid, base+uintptr(pageSize), worker1Before[pageSize:]))

			_, rcode := mtab.Receive(handoff, 0)
			require.Equal(t, kerrors.OK, rcode)

			worker1After = make([]byte, 2*pageSize)
			require.Equal(t, kerrors.OK, pager.Read(pid, base, worker1After[:pageSize]))
			require.Equal(t, kerrors.OK, pager.Read(pid, base+uintptr(pageSize), worker1After[pageSize:]))
			return 0
		}, "", 4096, proc.Highest)
		require.Equal(t, kerrors.OK, code)

		_, code = ptab.Fork("worker2", func(string) int {
			pid := ptab.GetPid()
			buf := make([]byte, 2*pageSize)
			for i := range buf {
				buf[i] = byte(0x50 + i%16)
			}
			require.Equal(t, kerrors.OK, pager.Write(pid, base, buf[:pageSize]))
			require.Equal(t, kerrors.OK, pager.Write(pid, base+uintptr(pageSize), buf[pageSize:]))

			worker2Bytes = make([]byte, 2*pageSize)
			require.Equal(t, kerrors.OK, pager.Read(pid, base, worker2Bytes[:pageSize]))
			require.Equal(t, kerrors.OK, pager.Read(pid, base+uintptr(pageSize), worker2Bytes[pageSize:]))
			require.Equal(t, buf, worker2Bytes)

			require.Equal(t, kerrors.OK, mtab.Send(handoff, nil))
			return 0
		}, "", 4096, proc.Highest)
		require.Equal(t, kerrors.OK, code)

		_, _, j1 := ptab.Join()
		_, _, j2 := ptab.Join()
		require.Equal(t, kerrors.OK, j1)
		require.Equal(t, kerrors.OK, j2)

		stats = pager.ReadStats()
		pager.Cleanup()
		return 0
	})

	require.Equal(t, worker1Before, worker1After, "bytes evicted to swap must come back unchanged")
	require.GreaterOrEqual(t, stats.Faults, int64(4))
	require.GreaterOrEqual(t, stats.PageOuts, int64(2))
	require.GreaterOrEqual(t, stats.Replaced, int64(2))
}
