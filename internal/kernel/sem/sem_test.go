package sem_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/kernel/mbox"
	"github.com/oskernel/gopheros/internal/kernel/proc"
	"github.com/oskernel/gopheros/internal/kernel/sem"
)

type fakeClock struct{ us int64 }

func (c *fakeClock) Now() int64 { return atomic.AddInt64(&c.us, 1) }

func newKernel(t *testing.T) (*proc.Table, *sem.Table) {
	t.Helper()
	tun := config.Default()
	tun.MaxProc = 8
	tun.MaxMbox = 16
	tun.MaxSlots = 32
	tun.MaxMessage = 64
	tun.MaxSems = 8
	tun.MinStack = 4096

	ptab := proc.New(tun, &fakeClock{}, nil)
	mtab := mbox.New(tun, ptab, nil)
	ptab.MailboxFactory = func() int {
		id, _ := mtab.Create(0, tun.MaxMessage)
		return id
	}
	ptab.InitSentinel(func(string) int {
		for {
			time.Sleep(time.Millisecond)
		}
	})
	return ptab, sem.New(tun, mtab)
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

func TestSemPVRoundTrip(t *testing.T) {
	ptab, stab := newKernel(t)

	var pcode, vcode kerrors.Code
	run(t, ptab, func(string) int {
		id, code := stab.Create(1)
		require.Equal(t, kerrors.OK, code)

		pcode = stab.P(id)
		vcode = stab.V(id)
		return 0
	})

	require.Equal(t, kerrors.OK, pcode)
	require.Equal(t, kerrors.OK, vcode)
}

func TestSemPBlocksUntilV(t *testing.T) {
	ptab, stab := newKernel(t)

	var order []string
	run(t, ptab, func(string) int {
		id, code := stab.Create(0)
		require.Equal(t, kerrors.OK, code)

		waiterDone := make(chan struct{})
		_, code = ptab.Fork("waiter", func(string) int {
			order = append(order, "waiter-blocked")
			stab.P(id)
			order = append(order, "waiter-resumed")
			close(waiterDone)
			return 0
		}, "", 4096, proc.Lowest)
		require.Equal(t, kerrors.OK, code)

		order = append(order, "root-v")
		require.Equal(t, kerrors.OK, stab.V(id))

		_, _, jcode := ptab.Join()
		require.Equal(t, kerrors.OK, jcode)
		return 0
	})

	require.Equal(t, []string{"waiter-blocked", "root-v", "waiter-resumed"}, order)
}

func TestSemBadID(t *testing.T) {
	ptab, stab := newKernel(t)

	var pcode kerrors.Code
	run(t, ptab, func(string) int {
		pcode = stab.P(999)
		return 0
	})

	require.Equal(t, kerrors.BadSem, pcode)
}
