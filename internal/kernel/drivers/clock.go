package drivers

import (
	"github.com/oskernel/gopheros/internal/kerrors"
)

// SleepReason is the public block reason the sleep() syscall passes to
// BlockMe — a user-visible reason, since the clock driver wakes
// sleepers with the ordinary UnblockProc, not an internal primitive.
const SleepReason = 100

type sleeper struct {
	pid      int
	wakeAtUS int64
}

// clockWakeTicks is how many clock interrupts pass between driver
// wakes: the sleeper list is scanned every five ticks, bounding sleep
// overshoot to one driver period (~100ms simulated).
const clockWakeTicks = 5

func (t *Table) startClock() {
	tickMboxID, code := t.mbox.Create(t.tun.MaxProc, 4)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not create clock tick mailbox: %v", code)
	}
	t.deviceBox[ClockDevice][0] = tickMboxID

	t.clock.Start(func(nowMicros int64, tick uint64) {
		t.proc.NoteTick(int64(t.tun.ClockTickMS) * 1000)
		if tick%clockWakeTicks != 0 {
			return
		}
		// best effort: a full tick mailbox just means the driver is
		// behind; dropping a wakeup check here only delays sleeper
		// resolution by one more period.
		_ = t.mbox.CondSend(tickMboxID, nil)
	})

	_, code = t.proc.Fork("clock_driver", func(string) int {
		for {
			if _, c := t.WaitDevice(ClockDevice, 0); c != kerrors.OK {
				t.drainSleepers()
				return 0
			}
			t.checkSleepers()
		}
	}, "", 8192, driverPriority)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not fork clock_driver: %v", code)
	}
}

func (t *Table) checkSleepers() {
	now := t.clock.Now()
	t.sleepMu.Lock()
	var woken []int
	remaining := t.sleepers[:0]
	for _, s := range t.sleepers {
		if now >= s.wakeAtUS {
			woken = append(woken, s.pid)
		} else {
			remaining = append(remaining, s)
		}
	}
	t.sleepers = remaining
	t.sleepMu.Unlock()

	for _, pid := range woken {
		t.proc.UnblockProc(pid)
	}
}

// drainSleepers wakes every remaining sleeper regardless of wake time;
// run once when the driver shuts down so nobody stays parked forever.
func (t *Table) drainSleepers() {
	t.sleepMu.Lock()
	remaining := t.sleepers
	t.sleepers = nil
	t.sleepMu.Unlock()
	for _, s := range remaining {
		t.proc.UnblockProc(s.pid)
	}
}

// Sleep blocks the caller until at least the given number of
// simulated seconds has elapsed.
func (t *Table) Sleep(seconds int) kerrors.Code {
	if seconds < 0 {
		return kerrors.BadArg
	}
	wake := t.clock.Now() + int64(seconds)*1_000_000
	t.sleepMu.Lock()
	t.sleepers = append(t.sleepers, sleeper{pid: t.proc.GetPid(), wakeAtUS: wake})
	t.sleepMu.Unlock()
	return t.proc.BlockMe(SleepReason)
}
