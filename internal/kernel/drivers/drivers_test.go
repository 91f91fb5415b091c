package drivers_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oskernel/gopheros/internal/config"
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/kernel/drivers"
	"github.com/oskernel/gopheros/internal/kernel/mbox"
	"github.com/oskernel/gopheros/internal/kernel/proc"
	"github.com/oskernel/gopheros/internal/machine"
)

// rig bundles the tables newRig wires together, plus the raw machine
// terminals so tests can simulate incoming keystrokes with Feed.
type rig struct {
	ptab  *proc.Table
	dtab  *drivers.Table
	clock *machine.Clock
	disks []*machine.Disk
	terms []*machine.Terminal
}

// newRig builds a process table, mailbox table, and driver table wired
// the same way cmd/kernel/main.go wires them, against a fast real clock
// so sleep/SCAN scenarios resolve quickly in test time. diskLatency
// overrides the simulated per-operation disk latency when nonzero; it
// must be fixed here, before the drivers start, since the driver's
// startup geometry probe already reads it.
func newRig(t *testing.T, numDisks, numTerms int, diskLatency time.Duration) *rig {
	t.Helper()
	tun := config.Default()
	tun.MaxProc = 16
	tun.MaxMbox = 64
	tun.MaxSlots = 128
	tun.MaxMessage = 256
	tun.MinStack = 4096

	clock := machine.NewClock(time.Millisecond, 1000)
	ptab := proc.New(tun, clock, nil)

	mtab := mbox.New(tun, ptab, nil)
	ptab.MailboxFactory = func() int {
		id, _ := mtab.Create(0, tun.MaxMessage)
		return id
	}

	disks := make([]*machine.Disk, numDisks)
	for i := range disks {
		disks[i] = machine.NewDisk(tun.DiskTracks, tun.DiskTrackSize, tun.DiskSectorSize)
		if diskLatency > 0 {
			disks[i].Latency = diskLatency
		}
	}
	terms := make([]*machine.Terminal, numTerms)
	for i := range terms {
		terms[i] = machine.NewTerminal()
	}

	dtab := drivers.New(tun, ptab, mtab, nil, clock, disks, terms)

	ptab.InitSentinel(func(string) int {
		for {
			time.Sleep(time.Millisecond)
		}
	})
	// dtab.Start's clock driver installs the sole clock.Start callback
	// (it drives both proc.NoteTick and sleeper wakeups); registering a
	// second one here would race a duplicate ticker goroutine against it.
	dtab.Start()

	return &rig{ptab: ptab, dtab: dtab, clock: clock, disks: disks, terms: terms}
}

// run forks root as the process kernel's root and blocks until it
// completes or a deadline is blown, so a wedged driver fails the test
// instead of hanging it forever.
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

func TestSleepReturnsAfterRequestedDuration(t *testing.T) {
	r := newRig(t, 0, 0, 0)

	start := r.clock.Now()
	var elapsed int64
	var code kerrors.Code
	run(t, r.ptab, func(string) int {
		code = r.dtab.Sleep(1)
		elapsed = r.clock.Now() - start
		return 0
	})

	require.Equal(t, kerrors.OK, code)
	require.GreaterOrEqual(t, elapsed, int64(1_000_000))
}

func TestSleepRejectsNegativeSeconds(t *testing.T) {
	r := newRig(t, 0, 0, 0)

	var code kerrors.Code
	run(t, r.ptab, func(string) int {
		code = r.dtab.Sleep(-1)
		return 0
	})

	require.Equal(t, kerrors.BadArg, code)
}

func TestDiskWriteReadRoundTrip(t *testing.T) {
	r := newRig(t, 1, 0, 0)
	tun := config.Default()

	payload := []byte("round trip sector payload")
	var got []byte
	var wcode, rcode kerrors.Code
	run(t, r.ptab, func(string) int {
		wcode = r.dtab.DiskWrite(0, 3, 2, payload)
		got, rcode = r.dtab.DiskRead(0, 3, 2, 1)
		return 0
	})

	require.Equal(t, kerrors.OK, wcode)
	require.Equal(t, kerrors.OK, rcode)
	require.Len(t, got, tun.DiskSectorSize)
	require.Equal(t, payload, got[:len(payload)])
}

// TestDiskMultiSectorSpansTrackBoundary writes three sectors' worth of
// data starting two sectors before the end of a track, so the transfer
// must advance onto the next track (with a seek) mid-request, then
// reads it all back in one request.
func TestDiskMultiSectorSpansTrackBoundary(t *testing.T) {
	r := newRig(t, 1, 0, 0)
	tun := config.Default()

	payload := make([]byte, 3*tun.DiskSectorSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var got []byte
	var wcode, rcode kerrors.Code
	run(t, r.ptab, func(string) int {
		wcode = r.dtab.DiskWrite(0, 1, tun.DiskTrackSize-2, payload)
		got, rcode = r.dtab.DiskRead(0, 1, tun.DiskTrackSize-2, 3)
		return 0
	})

	require.Equal(t, kerrors.OK, wcode)
	require.Equal(t, kerrors.OK, rcode)
	require.Equal(t, payload, got)
}

// TestDiskRequestsServicedInSCANOrder forks readers at tracks 5, 9, 1,
// 3 and joins them in completion order, rather than synchronizing with
// a raw Go channel — the root process only ever yields the CPU through
// kernel primitives (Fork, Join), exactly like every other process in
// this simulation, so it must observe completion through Join too.
//
// The first request (track 5) departs alone: the driver preempts its
// requester the moment the doorbell rings, before the other readers
// have forked. The stretched device latency then guarantees the
// remaining three are all queued when the arm frees up, so they come
// back in SCAN order from head 5: forward to 9, wrap, then 1, 3.
func TestDiskRequestsServicedInSCANOrder(t *testing.T) {
	r := newRig(t, 1, 0, 2*time.Millisecond)

	var order []int
	run(t, r.ptab, func(string) int {
		for _, track := range []int{5, 9, 1, 3} {
			track := track
			_, code := r.ptab.Fork("reader", func(string) int {
				_, c := r.dtab.DiskRead(0, track, 0, 1)
				if c != kerrors.OK {
					return -1
				}
				return track
			}, "", 4096, proc.Lowest)
			require.Equal(t, kerrors.OK, code)
		}
		for i := 0; i < 4; i++ {
			_, status, jcode := r.ptab.Join()
			require.Equal(t, kerrors.OK, jcode)
			order = append(order, status)
		}
		return 0
	})

	require.Equal(t, []int{5, 9, 1, 3}, order)
}

func TestDiskBadUnit(t *testing.T) {
	r := newRig(t, 1, 0, 0)

	var code kerrors.Code
	run(t, r.ptab, func(string) int {
		_, code = r.dtab.DiskRead(5, 0, 0, 1)
		return 0
	})

	require.Equal(t, kerrors.BadArg, code)
}

func TestDiskSize(t *testing.T) {
	r := newRig(t, 1, 0, 0)
	tun := config.Default()

	var tracks int
	var code kerrors.Code
	run(t, r.ptab, func(string) int {
		tracks, code = r.dtab.DiskSize(0)
		return 0
	})

	require.Equal(t, kerrors.OK, code)
	require.Equal(t, tun.DiskTracks, tracks)
}

// TestTermWriteWaitsForAckedCompletion exercises the fixed
// runTermTransmitter/TermWrite ack protocol: TermWrite must not return
// until every byte has been acked by the device's tx-ready callback,
// and must report the true byte count.
func TestTermWriteWaitsForAckedCompletion(t *testing.T) {
	r := newRig(t, 0, 1, 0)

	var n int
	var code kerrors.Code
	run(t, r.ptab, func(string) int {
		n, code = r.dtab.TermWrite(0, []byte("hello\n"))
		return 0
	})

	require.Equal(t, kerrors.OK, code)
	require.Equal(t, 6, n)
}

func TestTermReadAssemblesLineFromFeed(t *testing.T) {
	r := newRig(t, 0, 1, 0)

	go func() {
		for _, ch := range []byte("hi\n") {
			r.terms[0].Feed(ch)
		}
	}()

	var line []byte
	var code kerrors.Code
	run(t, r.ptab, func(string) int {
		line, code = r.dtab.TermRead(0, 80)
		return 0
	})

	require.Equal(t, kerrors.OK, code)
	require.Equal(t, []byte("hi\n"), line)
}

// TestWaitDeviceClockDelivery parks a process on the clock device's
// mailbox alongside the clock driver; the FIFO receiver queue means a
// subsequent tick delivery reaches it too.
func TestWaitDeviceClockDelivery(t *testing.T) {
	r := newRig(t, 0, 0, 0)

	var code kerrors.Code
	run(t, r.ptab, func(string) int {
		_, code = r.dtab.WaitDevice(drivers.ClockDevice, 0)
		return 0
	})

	require.Equal(t, kerrors.OK, code)
}

func TestWaitDeviceRejectsBadUnit(t *testing.T) {
	r := newRig(t, 1, 0, 0)

	var codes []kerrors.Code
	run(t, r.ptab, func(string) int {
		_, c := r.dtab.WaitDevice(drivers.DiskDevice, 7)
		codes = append(codes, c)
		_, c = r.dtab.WaitDevice(drivers.DeviceType(42), 0)
		codes = append(codes, c)
		return 0
	})

	require.Equal(t, []kerrors.Code{kerrors.BadInput, kerrors.BadInput}, codes)
}

func TestTermBadUnit(t *testing.T) {
	r := newRig(t, 0, 1, 0)

	var code kerrors.Code
	run(t, r.ptab, func(string) int {
		_, code = r.dtab.TermRead(9, 80)
		return 0
	})

	require.Equal(t, kerrors.BadArg, code)
}
