package machine

import (
	"sync/atomic"
	"time"
)

// Clock simulates the clock device. Each real-time tick of TickPeriod
// advances the simulated clock by TickMicros microseconds and invokes
// the installed handler, the clock interrupt's wake-a-driver duty.
// Production wiring uses a 20ms TickPeriod; tests use a much shorter
// one so scenarios complete quickly while still reasoning about the
// same simulated-microsecond values.
type Clock struct {
	tickPeriod time.Duration
	tickMicros int64

	now   int64 // atomic, microseconds since boot
	ticks uint64

	stop chan struct{}
	done chan struct{}
}

// NewClock builds a clock that advances by tickMicros simulated
// microseconds every tickPeriod of real time.
func NewClock(tickPeriod time.Duration, tickMicros int64) *Clock {
	return &Clock{
		tickPeriod: tickPeriod,
		tickMicros: tickMicros,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Now returns microseconds since boot (sys_clock).
func (c *Clock) Now() int64 {
	return atomic.LoadInt64(&c.now)
}

// Start begins ticking. onTick is invoked on every tick with the new
// simulated time and the running tick count (so callers can act only
// on every Nth interrupt).
func (c *Clock) Start(onTick func(nowMicros int64, tick uint64)) {
	go func() {
		defer close(c.done)
		t := time.NewTicker(c.tickPeriod)
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-t.C:
				now := atomic.AddInt64(&c.now, c.tickMicros)
				c.ticks++
				if onTick != nil {
					onTick(now, c.ticks)
				}
			}
		}
	}()
}

// Stop halts the ticking goroutine and waits for it to exit.
func (c *Clock) Stop() {
	close(c.stop)
	<-c.done
}
