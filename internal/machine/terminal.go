package machine

import (
	"sync"
	"time"
)

// TerminalInterruptHandler receives the combined rx/tx status word
// whenever either half changes: a character arrived, or a transmitted
// character was acknowledged.
type TerminalInterruptHandler func(status int)

// Terminal simulates one terminal unit. Incoming characters are fed by
// Feed (standing in for a real keystroke/serial-line arrival); outgoing
// characters are accepted one at a time via Output, matching the
// per-character request/ack rhythm the transmitter process drives.
type Terminal struct {
	mu sync.Mutex

	rxReady bool
	rxChar  byte
	txReady bool

	handler TerminalInterruptHandler

	Latency time.Duration
}

// NewTerminal builds a terminal whose transmitter starts idle/ready.
func NewTerminal() *Terminal {
	return &Terminal{
		txReady: true,
		Latency: 20 * time.Microsecond,
	}
}

// SetInterruptHandler installs the completion/arrival callback.
func (t *Terminal) SetInterruptHandler(h TerminalInterruptHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Feed simulates a character arriving on the line (keystroke, serial
// byte). It fires one interrupt carrying the current combined status;
// delivering the interrupt consumes the character, so a later tx
// interrupt reports rx busy rather than replaying it.
func (t *Terminal) Feed(b byte) {
	t.mu.Lock()
	t.rxReady = true
	t.rxChar = b
	status := t.statusLocked()
	t.rxReady = false
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(status)
	}
}

// Output issues a terminal control word. When the send-now bit is set,
// the outgoing character is "transmitted" after a simulated latency and
// a completion interrupt is raised.
func (t *Terminal) Output(ctrl int) {
	if ctrl&TermCtlSendNow == 0 {
		return
	}
	ch := byte((ctrl >> termCtlCharShift) & 0xff)
	t.mu.Lock()
	t.txReady = false
	t.mu.Unlock()

	go func() {
		if t.Latency > 0 {
			time.Sleep(t.Latency)
		}
		_ = ch
		t.mu.Lock()
		t.txReady = true
		status := t.statusLocked()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(status)
		}
	}()
}

// statusLocked must be called with mu held.
func (t *Terminal) statusLocked() int {
	rx := StatusBusy
	if t.rxReady {
		rx = StatusReady
	}
	tx := StatusBusy
	if t.txReady {
		tx = StatusReady
	}
	return rx | (tx << termStatusTxShift) | (int(t.rxChar) << termStatusCharShift)
}
