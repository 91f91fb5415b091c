package drivers

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/machine"
)

// diskRequest is one pending disk_read/disk_write/disk_size request.
// track/sector address the first sector; sectors is how many
// consecutive sectors the transfer covers, wrapping onto the next
// track at each track boundary.
type diskRequest struct {
	op      machine.DiskOp
	track   int
	sector  int
	sectors int
	buf     []byte

	replyBox int // the requesting process's private mailbox

	// traceID correlates this request's queued/serviced log lines; it
	// never reaches the device itself.
	traceID string
}

type diskResult struct {
	status int
	data   []byte
}

func (t *Table) startDisk(unit int) {
	doorbell, code := t.mbox.Create(t.tun.MaxProc, 4)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not create disk %d doorbell: %v", unit, code)
	}
	t.deviceBox[DiskDevice][unit] = doorbell

	completion, code := t.mbox.Create(1, 0)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not create disk %d completion mailbox: %v", unit, code)
	}

	disk := t.disks[unit]
	disk.SetInterruptHandler(func(status int, data []byte) {
		// a full sector reply is bigger than MAX_MESSAGE, so the
		// completion itself travels out of band in diskResults; the
		// mailbox is just the doorbell. diskResultMu guards the slot
		// against the driver's own read of diskResults; the driver only
		// waits on completion after issuing exactly one request, so
		// there is never a second writer before it's consumed.
		t.diskResultMu[unit].Lock()
		t.diskResults[unit] = diskResult{status: status, data: data}
		t.diskResultMu[unit].Unlock()
		_ = t.mbox.CondSend(completion, nil)
	})

	_, code = t.proc.Fork(diskDriverName(unit), func(string) int {
		t.probeDiskGeometry(unit, completion)
		for {
			if _, c := t.WaitDevice(DiskDevice, unit); c != kerrors.OK {
				return 0
			}
			t.drainDiskQueue(unit, completion)
		}
	}, "", 8192, driverPriority)
	if code != kerrors.OK {
		kerrors.Fatal("drivers: could not fork %s: %v", diskDriverName(unit), code)
	}
}

// probeDiskGeometry issues DISK_TRACKS once at driver startup and
// caches the answer; later TRACKS requests are served from the cache
// without touching the device.
func (t *Table) probeDiskGeometry(unit, completion int) {
	status, _, ok := t.issueDiskOp(unit, completion, machine.DiskRequest{Op: machine.DiskTracks})
	if !ok {
		return
	}
	t.diskQueueMu[unit].Lock()
	t.diskTracks[unit] = status
	t.diskQueueMu[unit].Unlock()
}

// issueDiskOp sends one device request and blocks on the completion
// mailbox for its interrupt. ok is false when the completion mailbox
// has been released (driver shutdown).
func (t *Table) issueDiskOp(unit, completion int, dr machine.DiskRequest) (int, []byte, bool) {
	t.disks[unit].Output(dr)
	if _, c := t.mbox.Receive(completion, 0); c != kerrors.OK {
		return 0, nil, false
	}
	t.diskResultMu[unit].Lock()
	res := t.diskResults[unit]
	t.diskResultMu[unit].Unlock()
	return res.status, res.data, true
}

func (t *Table) readDiskHead(unit int) int {
	t.diskQueueMu[unit].Lock()
	defer t.diskQueueMu[unit].Unlock()
	return t.diskHead[unit]
}

func (t *Table) setDiskHead(unit, track int) {
	t.diskQueueMu[unit].Lock()
	t.diskHead[unit] = track
	t.diskQueueMu[unit].Unlock()
}

func diskDriverName(unit int) string {
	return "disk_driver_" + itoa(unit)
}

// drainDiskQueue services every request currently queued for unit, in
// SCAN (elevator) order: the arm sweeps toward higher tracks, serving
// the nearest pending request at or past the head, and resets to the
// lowest pending track once it has swept past everything — minimizing
// seek time instead of serving requests FIFO.
func (t *Table) drainDiskQueue(unit int, completion int) {
	for {
		t.diskQueueMu[unit].Lock()
		q := t.diskQueue[unit]
		if len(q) == 0 {
			t.diskQueueMu[unit].Unlock()
			return
		}
		idx := selectSCAN(q, t.diskHead[unit])
		req := q[idx]
		t.diskQueue[unit] = append(q[:idx], q[idx+1:]...)
		tracks := t.diskTracks[unit]
		t.diskQueueMu[unit].Unlock()

		if req.op == machine.DiskTracks {
			// geometry never changes after the startup probe; answer
			// from the cache without a device round trip
			t.diskReplyMu.Lock()
			t.diskReplies[req.replyBox] = encodeDiskReply(tracks, nil)
			t.diskReplyMu.Unlock()
			t.mbox.Send(req.replyBox, nil)
			continue
		}

		status, data, ok := t.diskTransfer(unit, completion, req)
		if !ok {
			return
		}
		if t.log != nil {
			t.log.WithFields(logrus.Fields{"trace_id": req.traceID, "disk": unit, "status": status}).Debug("disk request serviced")
		}

		t.diskReplyMu.Lock()
		t.diskReplies[req.replyBox] = encodeDiskReply(status, data)
		t.diskReplyMu.Unlock()
		t.mbox.Send(req.replyBox, nil)
	}
}

// diskTransfer runs one queued read/write as its device-level op
// sequence: a SEEK whenever the target track differs from the current
// head position, then one per-sector transfer, advancing sector and
// track across track boundaries. ok is false when the completion
// mailbox was released mid-transfer. A negative status aborts the
// transfer and is reported to the requester as-is.
func (t *Table) diskTransfer(unit, completion int, req *diskRequest) (status int, data []byte, ok bool) {
	sectorSize := t.tun.DiskSectorSize
	track, sector := req.track, req.sector
	head := t.readDiskHead(unit)
	var out []byte

	for i := 0; i < req.sectors; i++ {
		if track != head {
			st, _, alive := t.issueDiskOp(unit, completion, machine.DiskRequest{Op: machine.DiskSeek, Track: track})
			if !alive {
				return 0, nil, false
			}
			if st < 0 {
				t.setDiskHead(unit, head)
				return st, nil, true
			}
			head = track
		}

		var sectorBuf []byte
		if req.op == machine.DiskWrite {
			sectorBuf = make([]byte, sectorSize)
			if start := i * sectorSize; start < len(req.buf) {
				copy(sectorBuf, req.buf[start:])
			}
		}

		st, sectorData, alive := t.issueDiskOp(unit, completion, machine.DiskRequest{Op: req.op, Track: track, Sector: sector, Buf: sectorBuf})
		if !alive {
			return 0, nil, false
		}
		if st < 0 {
			t.setDiskHead(unit, head)
			return st, nil, true
		}
		if req.op == machine.DiskRead {
			out = append(out, sectorData...)
		}

		sector++
		if sector >= t.tun.DiskTrackSize {
			sector = 0
			track++
		}
	}

	t.setDiskHead(unit, head)
	return 0, out, true
}

// selectSCAN implements the SCAN (elevator) selection: among
// queued requests with track >= head, pick the smallest track (ties
// broken by queue age = oldest first, which falls out of scanning q in
// its existing FIFO order and only replacing the incumbent on a
// strictly smaller track); if no such request exists, the arm has swept
// past every pending track, so wrap to the smallest track in the queue.
func selectSCAN(q []*diskRequest, head int) int {
	best := -1
	for i, r := range q {
		if r.track >= head && (best == -1 || r.track < q[best].track) {
			best = i
		}
	}
	if best != -1 {
		return best
	}
	for i, r := range q {
		if best == -1 || r.track < q[best].track {
			best = i
		}
	}
	return best
}

func (t *Table) enqueueDisk(unit int, req *diskRequest) {
	req.traceID = uuid.NewString()
	if t.log != nil {
		t.log.WithFields(logrus.Fields{"trace_id": req.traceID, "disk": unit, "op": req.op, "track": req.track, "sector": req.sector}).Debug("disk request queued")
	}
	t.diskQueueMu[unit].Lock()
	t.diskQueue[unit] = append(t.diskQueue[unit], req)
	t.diskQueueMu[unit].Unlock()
	t.mbox.CondSend(t.deviceBox[DiskDevice][unit], nil)
}

// DiskRead reads sectors consecutive sectors starting at (track,
// sector) and returns their bytes, sectors * sector-size in all.
func (t *Table) DiskRead(unit, track, sector, sectors int) ([]byte, kerrors.Code) {
	if unit < 0 || unit >= len(t.disks) || track < 0 || sector < 0 || sector >= t.tun.DiskTrackSize || sectors < 1 {
		return nil, kerrors.BadArg
	}
	req := &diskRequest{op: machine.DiskRead, track: track, sector: sector, sectors: sectors, replyBox: t.selfMailbox()}
	t.enqueueDisk(unit, req)
	_, data, code := t.awaitDiskReply()
	return data, code
}

// DiskWrite writes buf across as many consecutive sectors as it
// spans, starting at (track, sector); a final partial sector is
// zero-padded on the device.
func (t *Table) DiskWrite(unit, track, sector int, buf []byte) kerrors.Code {
	if unit < 0 || unit >= len(t.disks) || track < 0 || sector < 0 || sector >= t.tun.DiskTrackSize {
		return kerrors.BadArg
	}
	if len(buf) == 0 {
		return kerrors.BadArg
	}
	sectors := (len(buf) + t.tun.DiskSectorSize - 1) / t.tun.DiskSectorSize
	req := &diskRequest{op: machine.DiskWrite, track: track, sector: sector, sectors: sectors, buf: buf, replyBox: t.selfMailbox()}
	t.enqueueDisk(unit, req)
	_, _, code := t.awaitDiskReply()
	return code
}

// DiskSize returns the disk's track count: a TRACKS request through
// the ordinary queue, answered from the driver's cached geometry.
func (t *Table) DiskSize(unit int) (int, kerrors.Code) {
	if unit < 0 || unit >= len(t.disks) {
		return 0, kerrors.BadArg
	}
	req := &diskRequest{op: machine.DiskTracks, replyBox: t.selfMailbox()}
	t.enqueueDisk(unit, req)
	tracks, _, code := t.awaitDiskReply()
	return tracks, code
}

func (t *Table) selfMailbox() int {
	return t.proc.Lookup(t.proc.GetPid()).MailboxID
}

// awaitDiskReply blocks on the caller's private mailbox for the
// zero-payload completion wake, then picks up the actual reply from
// diskReplies (the caller's request slot), since a full sector doesn't
// fit in a size-capped mailbox message. A negative status is the
// device's own error register, surfaced as Device.
func (t *Table) awaitDiskReply() (int, []byte, kerrors.Code) {
	replyBox := t.selfMailbox()
	_, code := t.mbox.Receive(replyBox, 0)
	if code != kerrors.OK {
		return 0, nil, code
	}
	t.diskReplyMu.Lock()
	raw := t.diskReplies[replyBox]
	delete(t.diskReplies, replyBox)
	t.diskReplyMu.Unlock()

	status, data := decodeDiskReply(raw)
	if status < 0 {
		return status, nil, kerrors.Device
	}
	return status, data, kerrors.OK
}

// --- tiny wire encoding for the out-of-band disk reply slot ----------------
//
// This never crosses a real wire (it's a same-process map lookup), so a
// minimal length-prefixed encoding is enough; there's no need for a
// general-purpose codec here.

func encodeDiskReply(status int, data []byte) []byte {
	out := make([]byte, 4+len(data))
	putInt32(out, status)
	copy(out[4:], data)
	return out
}

func decodeDiskReply(b []byte) (int, []byte) {
	if len(b) < 4 {
		return -1, nil
	}
	return getInt32(b), b[4:]
}

func putInt32(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getInt32(b []byte) int {
	return int(int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
