package vm

import "github.com/oskernel/gopheros/internal/kerrors"

// Read copies len(buf) bytes from pid's virtual address addr into buf,
// faulting in any page that isn't yet resident — the path a user
// program's memory access takes once the MMU traps, driven here
// directly instead of through a real hardware trap since the simulated
// machine has no literal CPU to fault.
func (p *Pager) Read(pid int, addr uintptr, buf []byte) kerrors.Code {
	return p.access(pid, addr, buf, false)
}

// Write copies buf into pid's virtual address addr, faulting in pages
// as needed and marking each touched page dirty.
func (p *Pager) Write(pid int, addr uintptr, buf []byte) kerrors.Code {
	return p.access(pid, addr, buf, true)
}

func (p *Pager) access(pid int, addr uintptr, buf []byte, write bool) kerrors.Code {
	if len(buf) == 0 {
		return kerrors.OK
	}
	base := p.mmu.Region()
	if addr < base {
		return kerrors.BadArg
	}
	pageSize := p.mmu.PageSize()
	off := int(addr - base)

	done := 0
	for done < len(buf) {
		vpage := (off + done) / pageSize
		pageOff := (off + done) % pageSize
		chunk := pageSize - pageOff
		if remain := len(buf) - done; chunk > remain {
			chunk = remain
		}

		if needsFault, cause := p.mmu.Touch(pid, vpage, write); needsFault {
			p.mmu.SetCause(pid, cause)
			if code := p.HandleFault(pid, vpage, write, cause); code != kerrors.OK {
				return code
			}
		}

		frameID, _, ok := p.mmu.GetMap(pid, vpage)
		if !ok {
			return kerrors.BadArg
		}

		p.memMu.Lock()
		fb := p.frameBytes(frameID)
		if write {
			copy(fb[pageOff:pageOff+chunk], buf[done:done+chunk])
		} else {
			copy(buf[done:done+chunk], fb[pageOff:pageOff+chunk])
		}
		p.memMu.Unlock()

		p.mu.Lock()
		if pv := p.procs[pid]; pv != nil && vpage < len(pv.pages) {
			pv.pages[vpage].flags |= flagReferenced
			if write {
				pv.pages[vpage].flags |= flagDirty
			}
		}
		p.mu.Unlock()
		p.mmu.SetAccess(pid, vpage, true, write)

		done += chunk
	}
	return kerrors.OK
}

// Stats is the VM_STATS pseudo-syscall: a snapshot of the pager's
// counters, callable from tests or from the CLI's --dump-on-halt path.
// It's an alias of ReadStats kept for callers that expect the
// syscall's own name.
func (p *Pager) Stats() Stats {
	return p.ReadStats()
}
