// Package syscall is the closed enumeration of syscall numbers and the
// sysargs-style dispatch table: a single opcode plus five opaque
// word-sized arguments in/out, exactly as the machine's syscall trap
// hands control to the kernel. The user-mode shim library that
// marshals registers into a sysargs record lives outside the kernel;
// this package is the kernel-side half, the thing int_vec's syscall
// entry would call after decoding the trap.
package syscall

import (
	"github.com/oskernel/gopheros/internal/kerrors"
	"github.com/oskernel/gopheros/internal/kernel"
	"github.com/oskernel/gopheros/internal/kernel/proc"
)

// Number is one of the closed set of syscall opcodes.
type Number int

const (
	Spawn Number = iota + 1
	Wait
	Terminate
	SemCreate
	SemP
	SemV
	SemFree
	GetTimeOfDay
	CPUTime
	GetPid
	Sleep
	DiskRead
	DiskWrite
	DiskSize
	TermRead
	TermWrite
	MboxCreate
	MboxRelease
	MboxSend
	MboxReceive
	MboxCondSend
	MboxCondReceive
	VMInit
	VMCleanup
)

// Args is the sysargs record: an opcode plus five opaque arguments.
// Handlers read arg1..arg5 on entry and write their results back into
// the same slots before returning.
type Args struct {
	Number Number
	Arg1   any
	Arg2   any
	Arg3   any
	Arg4   any
	Arg5   any
}

// Dispatch executes one syscall against k and returns the populated
// result args, mirroring how int_vec[SYSCALL_INT] would hand a
// decoded sysargs record to the matching handler. An unknown opcode is
// a fatal kernel bug, not a returned error, since the trap table
// itself only ever contains the closed set above.
func Dispatch(k *kernel.Kernel, a Args) Args {
	switch a.Number {
	case Spawn:
		name := a.Arg1.(string)
		entry := a.Arg2.(proc.Entry)
		arg := a.Arg3.(string)
		stackSize := a.Arg4.(int)
		priority := a.Arg5.(int)
		pid, code := k.Proc.Fork(name, entry, arg, stackSize, priority)
		return Args{Number: a.Number, Arg1: pid, Arg2: code}

	case Wait:
		pid, status, code := k.Proc.Join()
		return Args{Number: a.Number, Arg1: pid, Arg2: status, Arg3: code}

	case Terminate:
		code := a.Arg1.(int)
		k.Proc.Quit(code)
		return Args{Number: a.Number}

	case SemCreate:
		value := a.Arg1.(int)
		id, code := k.Sem.Create(value)
		return Args{Number: a.Number, Arg1: id, Arg2: code}

	case SemP:
		id := a.Arg1.(int)
		return Args{Number: a.Number, Arg1: k.Sem.P(id)}

	case SemV:
		id := a.Arg1.(int)
		return Args{Number: a.Number, Arg1: k.Sem.V(id)}

	case SemFree:
		id := a.Arg1.(int)
		return Args{Number: a.Number, Arg1: k.Sem.Free(id)}

	case GetTimeOfDay:
		return Args{Number: a.Number, Arg1: k.Clock.Now()}

	case CPUTime:
		return Args{Number: a.Number, Arg1: k.Proc.ReadTime()}

	case GetPid:
		return Args{Number: a.Number, Arg1: k.Proc.GetPid()}

	case Sleep:
		seconds := a.Arg1.(int)
		return Args{Number: a.Number, Arg1: k.Drivers.Sleep(seconds)}

	case DiskRead:
		unit, track, sector, sectors := a.Arg1.(int), a.Arg2.(int), a.Arg3.(int), a.Arg4.(int)
		buf, code := k.Drivers.DiskRead(unit, track, sector, sectors)
		return Args{Number: a.Number, Arg1: buf, Arg2: code}

	case DiskWrite:
		unit, track, sector, buf := a.Arg1.(int), a.Arg2.(int), a.Arg3.(int), a.Arg4.([]byte)
		return Args{Number: a.Number, Arg1: k.Drivers.DiskWrite(unit, track, sector, buf)}

	case DiskSize:
		unit := a.Arg1.(int)
		tracks, code := k.Drivers.DiskSize(unit)
		return Args{Number: a.Number, Arg1: tracks, Arg2: code}

	case TermRead:
		unit, bufCap := a.Arg1.(int), a.Arg2.(int)
		buf, code := k.Drivers.TermRead(unit, bufCap)
		return Args{Number: a.Number, Arg1: buf, Arg2: code}

	case TermWrite:
		unit, buf := a.Arg1.(int), a.Arg2.([]byte)
		n, code := k.Drivers.TermWrite(unit, buf)
		return Args{Number: a.Number, Arg1: n, Arg2: code}

	case MboxCreate:
		slots, slotSize := a.Arg1.(int), a.Arg2.(int)
		id, code := k.Mbox.Create(slots, slotSize)
		return Args{Number: a.Number, Arg1: id, Arg2: code}

	case MboxRelease:
		id := a.Arg1.(int)
		return Args{Number: a.Number, Arg1: k.Mbox.Release(id)}

	case MboxSend:
		id, msg := a.Arg1.(int), a.Arg2.([]byte)
		return Args{Number: a.Number, Arg1: k.Mbox.Send(id, msg)}

	case MboxReceive:
		id, bufCap := a.Arg1.(int), a.Arg2.(int)
		msg, code := k.Mbox.Receive(id, bufCap)
		return Args{Number: a.Number, Arg1: msg, Arg2: code}

	case MboxCondSend:
		id, msg := a.Arg1.(int), a.Arg2.([]byte)
		return Args{Number: a.Number, Arg1: k.Mbox.CondSend(id, msg)}

	case MboxCondReceive:
		id, bufCap := a.Arg1.(int), a.Arg2.(int)
		msg, code := k.Mbox.CondReceive(id, bufCap)
		return Args{Number: a.Number, Arg1: msg, Arg2: code}

	case VMInit:
		maps, virtPages, physFrames, pagerCount := a.Arg1.(int), a.Arg2.(int), a.Arg3.(int), a.Arg4.(int)
		base, code := k.VM.Init(maps, virtPages, physFrames, pagerCount)
		return Args{Number: a.Number, Arg1: base, Arg2: code}

	case VMCleanup:
		k.VM.Cleanup()
		return Args{Number: a.Number}

	default:
		kerrors.Fatal("syscall: unknown opcode %d", a.Number)
		return Args{}
	}
}
