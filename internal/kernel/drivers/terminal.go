package drivers

import (
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/machine"
)

// linesToBuffer is how many completed input lines the syscall-facing
// mailbox holds before the receiver starts dropping the oldest.
const linesToBuffer = 10

// startTerminal forks the receiver/transmitter process pair for one
// terminal unit. The interrupt listener responsibility is the
// device's own interrupt-handler callback (it runs at "interrupt time",
// never as a process of its own, the same way the clock and disk
// drivers' device callbacks just feed a mailbox): it decomposes the
// combined rx/tx status word into two doorbells, eventBox and ackBox,
// so the receiver and transmitter processes each block on only the
// half they care about instead of one monolithic handler.
func (t *Table) startTerminal(unit int) {
	eventBox, code := t.mbox.Create(t.tun.MaxProc, 4)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not create terminal %d event mailbox: %v", unit, code)
	}
	t.deviceBox[TermDevice][unit] = eventBox

	lineBox, code := t.mbox.Create(linesToBuffer, t.tun.MaxLine)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not create terminal %d line mailbox: %v", unit, code)
	}
	t.termLineBox[unit] = lineBox

	writeBox, code := t.mbox.Create(t.tun.MaxProc, t.tun.MaxLine+4)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not create terminal %d write mailbox: %v", unit, code)
	}
	t.termWriteBox[unit] = writeBox

	// one slot, not rendezvous: the device's completion goroutine fires
	// the ack as soon as tx-ready flips, which may be before the
	// transmitter has reached its blocking receive for this character;
	// a rendezvous box would silently drop that ack (CondSend with no
	// queued receiver returns WouldBlock) and hang the transmitter.
	ackBox, code := t.mbox.Create(1, 0)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not create terminal %d ack mailbox: %v", unit, code)
	}
	t.termAckBox[unit] = ackBox

	term := t.terms[unit]
	term.SetInterruptHandler(func(status int) {
		rx, tx, _ := machine.DecodeTermStatus(status)
		if rx == machine.StatusReady {
			_ = t.mbox.CondSend(eventBox, encodeTermStatus(status))
		}
		if tx == machine.StatusReady {
			_ = t.mbox.CondSend(ackBox, nil)
		}
	})

	t.forkDriver("term_receiver_"+itoa(unit), func() {
		t.runTermReceiver(unit, lineBox)
	})
	t.forkDriver("term_transmitter_"+itoa(unit), func() {
		t.runTermTransmitter(unit, writeBox, ackBox)
	})
}

func (t *Table) forkDriver(name string, body func()) {
	_, code := t.proc.Fork(name, func(string) int {
		body()
		return 0
	}, "", 8192, driverPriority)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not fork %s: %v", name, code)
	}
}

// runTermReceiver assembles arriving characters into the lines
// term_read hands out: a line ends at '\n' or once it reaches the
// line-length cap, whichever comes first. A full line
// mailbox sheds the oldest buffered line rather than stalling the
// receiver (conditional send, then receive-and-resend on WouldBlock).
func (t *Table) runTermReceiver(unit, lineBox int) {
	var line []byte
	for {
		status, c := t.WaitDevice(TermDevice, unit)
		if c != kerrors.OK {
			return
		}
		rx, _, ch := machine.DecodeTermStatus(status)
		if rx != machine.StatusReady {
			continue
		}
		line = append(line, ch)
		if ch == '\n' || len(line) >= t.tun.MaxLine {
			t.flushLine(lineBox, line)
			line = nil
		}
	}
}

func (t *Table) flushLine(lineBox int, line []byte) {
	for {
		c := t.mbox.CondSend(lineBox, line)
		if c != kerrors.WouldBlock {
			return
		}
		// drop the oldest buffered line to make room
		t.mbox.CondReceive(lineBox, t.tun.MaxLine)
	}
}

// runTermTransmitter drains queued (buffer, requester) jobs one
// character at a time: for each byte it issues device_output with the
// send-now control word, then waits on ackBox
// for the interrupt listener's tx-ready ack before sending the next
// byte; at end of line it wakes the requester with the byte count.
func (t *Table) runTermTransmitter(unit, writeBox, ackBox int) {
	term := t.terms[unit]
	for {
		raw, c := t.mbox.Receive(writeBox, t.tun.MaxLine+4)
		if c == kerrors.BoxReleased {
			return
		}
		replyBox, buf := decodeTermJob(raw)
		for _, ch := range buf {
			term.Output(machine.TermControlWord(true, false, false, ch))
			if _, ackCode := t.mbox.Receive(ackBox, 0); ackCode == kerrors.BoxReleased {
				return
			}
		}
		reply := make([]byte, 4)
		putInt32(reply, len(buf))
		t.mbox.Send(replyBox, reply)
	}
}

// TermRead returns the next complete line received on unit, blocking
// until one is available.
func (t *Table) TermRead(unit int, bufCap int) ([]byte, kerrors.Code) {
	if unit < 0 || unit >= len(t.terms) {
		return nil, kerrors.BadArg
	}
	return t.mbox.Receive(t.termLineBox[unit], bufCap)
}

// TermWrite queues buf for transmission on unit and blocks until the
// transmitter has sent every byte, returning the count actually
// written.
func (t *Table) TermWrite(unit int, buf []byte) (int, kerrors.Code) {
	if unit < 0 || unit >= len(t.terms) {
		return 0, kerrors.BadArg
	}
	if len(buf) > t.tun.MaxLine {
		return 0, kerrors.BadArg
	}
	replyBox := t.selfMailbox()
	job := encodeTermJob(replyBox, buf)
	if code := t.mbox.Send(t.termWriteBox[unit], job); code != kerrors.OK {
		return 0, code
	}
	raw, code := t.mbox.Receive(replyBox, 4)
	if code != kerrors.OK {
		return 0, code
	}
	return getInt32(raw), kerrors.OK
}

func encodeTermJob(replyBox int, buf []byte) []byte {
	out := make([]byte, 4+len(buf))
	putInt32(out, replyBox)
	copy(out[4:], buf)
	return out
}

func decodeTermJob(b []byte) (replyBox int, buf []byte) {
	if len(b) < 4 {
		return 0, nil
	}
	return getInt32(b), b[4:]
}

func encodeTermStatus(status int) []byte {
	return []byte{byte(status), byte(status >> 8), byte(status >> 16), byte(status >> 24)}
}
