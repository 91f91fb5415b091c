package vm

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/machine"
)

// faultMsgWireSize bounds the encoded FaultMsg: pid, cause, offset, each
// a little-endian int32 — these mailboxes never cross a process
// boundary in the OS sense (just goroutine boundaries), so the encoding
// only needs to be stable within this package.
const faultMsgWireSize = 12

// HandleFault is the MMU fault handler and executes in the faulting
// process's own context: it queues a FaultMsg for the pager pool and
// blocks on the faulter's private mailbox until a pager resolves it,
// then installs
// the mapping and finishes populating the page (zero-fill for a new
// page, or a swap-in read for one that was paged out).
func (p *Pager) HandleFault(pid, vpage int, write bool, cause machine.Cause) kerrors.Code {
	p.mu.Lock()
	p.stats.Faults++
	pv := p.procs[pid]
	p.mu.Unlock()
	if pv == nil || vpage < 0 || vpage >= len(pv.pages) {
		return kerrors.BadArg
	}

	replyBox := p.proc.Lookup(pid).MailboxID
	msg := FaultMsg{Pid: pid, Cause: cause, Offset: vpage * p.mmu.PageSize()}

	// traceID tags this fault's log line. It never crosses the wire
	// (FaultMsg's encoding is unchanged), so the pager daemon that
	// resolves the fault does not see it or log it.
	traceID := uuid.NewString()
	if p.log != nil {
		p.log.WithFields(logrus.Fields{"trace_id": traceID, "pid": pid, "vpage": vpage, "write": write, "cause": cause}).Debug("page fault")
	}

	if code := p.mbox.Send(p.faultBox, encodeFaultMsg(msg)); code != kerrors.OK {
		return code
	}

	raw, code := p.mbox.Receive(replyBox, 4)
	if code != kerrors.OK {
		return code
	}
	frameID := decodeInt32(raw)

	p.mu.Lock()
	e := &pv.pages[vpage]
	wasPresent := e.flags&flagPresent != 0
	e.frame = frameID
	e.flags |= flagPresent
	block := e.block
	p.mu.Unlock()

	p.mmu.Map(pid, vpage, frameID, machine.ProtRW)

	if !wasPresent && block == blockNone {
		p.zeroFrame(frameID)
		p.mmu.SetAccess(pid, vpage, true, true)
		p.mu.Lock()
		e.flags |= flagReferenced | flagDirty
		p.stats.New++
		p.mu.Unlock()
		return kerrors.OK
	}

	p.swapIn(frameID, block)
	p.mu.Lock()
	p.stats.PageIns++
	p.mu.Unlock()
	return kerrors.OK
}

// runPagerDaemon services fault messages until the fault mailbox is
// released.
func (p *Pager) runPagerDaemon() {
	for {
		raw, code := p.mbox.Receive(p.faultBox, faultMsgWireSize)
		if code == kerrors.BoxReleased {
			return
		}
		if code != kerrors.OK {
			continue
		}
		msg := decodeFaultMsg(raw)
		p.resolveFault(msg)
	}
}

func (p *Pager) resolveFault(msg FaultMsg) {
	pageSize := p.mmu.PageSize()
	vpage := msg.Offset / pageSize

	frameID := p.findFreeFrame()

	p.mu.Lock()
	pv := p.procs[msg.Pid]
	var e *pte
	if pv != nil && vpage < len(pv.pages) {
		e = &pv.pages[vpage]
	}
	if e != nil {
		p.frames[frameID] = frame{free: false, owner: msg.Pid, ownerPTE: e}
	} else {
		// faulter quit between queueing the fault and our servicing it
		p.freeFrameLocked(frameID)
	}
	p.mu.Unlock()

	replyBox := p.proc.Lookup(msg.Pid).MailboxID
	p.mbox.Send(replyBox, encodeInt32(frameID))
}

// findFreeFrame pops the free list if non-empty, else runs the
// second-chance clock algorithm over the frame array, writing the
// victim back to swap if dirty.
func (p *Pager) findFreeFrame() int {
	p.mu.Lock()
	if p.freeHead != -1 {
		idx := p.freeHead
		p.freeHead = p.frames[idx].next
		p.frames[idx] = frame{free: false}
		p.stats.FreeFrames--
		p.mu.Unlock()
		return idx
	}

	n := len(p.frames)
	for {
		idx := p.clockHand
		p.clockHand = (p.clockHand + 1) % n
		f := &p.frames[idx]
		if f.free {
			// freed by FreeTable but not yet popped; claim it here
			p.removeFromFreeListLocked(idx)
			p.frames[idx] = frame{free: false}
			p.mu.Unlock()
			return idx
		}
		if f.ownerPTE == nil {
			// claimed by a concurrent pager, not yet mapped; drop the
			// lock for a beat so that pager can finish, then rescan
			p.mu.Unlock()
			p.mu.Lock()
			continue
		}
		ref, _ := p.mmu.GetAccess(f.owner, pteVpage(p, f))
		if ref {
			p.mmu.ClearReferenced(f.owner, pteVpage(p, f))
			continue
		}

		victim := f.ownerPTE
		victimOwner := f.owner
		victimVpage := pteVpage(p, f)
		dirty := victim.flags&flagDirty != 0
		block := victim.block
		// claim before dropping the lock for the writeback, so another
		// pager's sweep can't select the same victim
		p.frames[idx] = frame{free: false}
		p.mu.Unlock()

		p.mmu.Unmap(victimOwner, victimVpage)
		if dirty {
			if block == blockNone {
				block = p.allocBlock()
			}
			p.swapOut(idx, block)
			p.mu.Lock()
			p.stats.PageOuts++
			p.mu.Unlock()
		}

		p.mu.Lock()
		victim.frame = pteFrameNone
		victim.block = block
		victim.flags &^= flagPresent | flagDirty
		p.stats.Replaced++
		p.mu.Unlock()
		return idx
	}
}

// removeFromFreeListLocked unlinks idx from the free list if present.
func (p *Pager) removeFromFreeListLocked(idx int) {
	prev := -1
	for cur := p.freeHead; cur != -1; cur = p.frames[cur].next {
		if cur == idx {
			if prev == -1 {
				p.freeHead = p.frames[cur].next
			} else {
				p.frames[prev].next = p.frames[cur].next
			}
			p.stats.FreeFrames--
			return
		}
		prev = cur
	}
}

// pteVpage finds f's owning PTE's virtual page by linear scan of the
// owner's table. The frame pool is small relative to a process's page
// table in this simulated configuration, so this stays cheap; a real
// implementation would keep the vpage directly on the frame record.
func pteVpage(p *Pager, f *frame) int {
	pv := p.procs[f.owner]
	if pv == nil {
		return 0
	}
	for i := range pv.pages {
		if &pv.pages[i] == f.ownerPTE {
			return i
		}
	}
	return 0
}

func (p *Pager) allocBlock() int {
	p.swapMu.Lock()
	defer p.swapMu.Unlock()
	for i, used := range p.swapUsed {
		if !used {
			p.swapUsed[i] = true
			p.mu.Lock()
			p.stats.FreeBlocks--
			p.mu.Unlock()
			return i
		}
	}
	kerrors.Fatal("vm: swap disk exhausted")
	return -1
}

func (p *Pager) zeroFrame(frameID int) {
	buf := make([]byte, p.mmu.PageSize())
	p.writeFrame(frameID, buf)
}

func (p *Pager) swapOut(frameID, block int) {
	if p.disk == nil {
		return
	}
	buf := p.readFrameShadow(frameID)
	p.diskIO(machine.DiskWrite, block, buf)
}

func (p *Pager) swapIn(frameID, block int) {
	if p.disk == nil {
		return
	}
	buf := p.diskIO(machine.DiskRead, block, nil)
	p.writeFrame(frameID, buf)
}

// frameBytes slices the shared mem backing store for frameID. Callers
// must hold memMu while reading or writing through the returned slice.
func (p *Pager) frameBytes(frameID int) []byte {
	pageSize := p.mmu.PageSize()
	start := frameID * pageSize
	return p.mem[start : start+pageSize]
}

// writeFrame copies buf (a scratch page read back from the swap disk)
// into frameID's backing bytes.
func (p *Pager) writeFrame(frameID int, buf []byte) {
	p.memMu.Lock()
	defer p.memMu.Unlock()
	copy(p.frameBytes(frameID), buf)
}

// readFrameShadow snapshots frameID's current contents for a
// write-back to the swap disk during eviction.
func (p *Pager) readFrameShadow(frameID int) []byte {
	p.memMu.Lock()
	defer p.memMu.Unlock()
	fb := p.frameBytes(frameID)
	out := make([]byte, len(fb))
	copy(out, fb)
	return out
}

// diskIO issues one synchronous-from-the-caller's-view swap disk
// transfer of one whole page, walking sectorsPerPage consecutive
// sectors one device request at a time (a page is typically several
// times the disk's sector size, e.g. 4096 vs. 512, so a single-sector
// request would only ever move the page's first sector). Serialized by
// ioMu: machine.Disk has exactly one installed handler, so two pagers
// racing to swap in/out at once could otherwise have the second's
// SetInterruptHandler clobber the first's before its completion
// arrives, hanging the first forever. Holding ioMu across every
// sector's install+issue+wait keeps at most one swap request in flight
// and the whole page's transfer atomic from another pager's view.
func (p *Pager) diskIO(op machine.DiskOp, block int, buf []byte) []byte {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	sectorSize := p.tun.DiskSectorSize
	out := make([]byte, p.sectorsPerPage*sectorSize)
	for i := 0; i < p.sectorsPerPage; i++ {
		track, sector := p.sectorGeometry(block, i)

		var sectorBuf []byte
		if op == machine.DiskWrite {
			sectorBuf = make([]byte, sectorSize)
			start := i * sectorSize
			if start < len(buf) {
				copy(sectorBuf, buf[start:])
			}
		}

		done := make(chan []byte, 1)
		p.disk.SetInterruptHandler(func(status int, data []byte) {
			done <- data
		})
		p.disk.Output(machine.DiskRequest{Op: op, Track: track, Sector: sector, Buf: sectorBuf})
		data := <-done

		if op == machine.DiskRead {
			copy(out[i*sectorSize:(i+1)*sectorSize], data)
		}
	}
	return out
}

// sectorGeometry maps the i-th sector (0 <= i < sectorsPerPage) of a
// swap block to its (track, sector) address, treating the disk as one
// flat run of sectors so a page's sectors never straddle a track
// boundary unexpectedly: DiskTrackSize is a multiple of sectorsPerPage
// for every tunable configuration this pager is initialized with.
func (p *Pager) sectorGeometry(block, i int) (track, sector int) {
	abs := block*p.sectorsPerPage + i
	track = abs / p.tun.DiskTrackSize
	sector = abs % p.tun.DiskTrackSize
	return
}

func encodeFaultMsg(m FaultMsg) []byte {
	out := make([]byte, faultMsgWireSize)
	putI32(out[0:4], m.Pid)
	putI32(out[4:8], int(m.Cause))
	putI32(out[8:12], m.Offset)
	return out
}

func decodeFaultMsg(b []byte) FaultMsg {
	return FaultMsg{Pid: getI32(b[0:4]), Cause: machine.Cause(getI32(b[4:8])), Offset: getI32(b[8:12])}
}

func encodeInt32(v int) []byte {
	out := make([]byte, 4)
	putI32(out, v)
	return out
}

func decodeInt32(b []byte) int {
	if len(b) < 4 {
		return 0
	}
	return getI32(b)
}

func putI32(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getI32(b []byte) int {
	return int(int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24))
}
