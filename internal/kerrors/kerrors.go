// Package kerrors defines the kernel's typed result codes and the
// fatal-error path used for invariant violations.
//
// Argument-validity and resource-exhaustion problems are returned to
// the caller as a Code; invariant breaks call Fatal, which panics
// after recording the call site, standing in for halting the machine.
package kerrors

import (
	"fmt"
	"runtime"
)

// Code is a kernel result code. Zero always means success.
type Code int

const (
	OK Code = 0

	// argument validity
	BadArg          Code = 1
	InvalidPriority Code = 2
	StackTooSmall   Code = 3
	SlotSize        Code = 4
	MsgSize         Code = 5
	NullMsg         Code = 6
	BadBox          Code = 7
	BadPid          Code = 8
	BadSem          Code = 9
	BadInput        Code = 10

	// resource exhaustion
	NoSlots    Code = 11
	NoPids     Code = 12
	NoBox      Code = 13
	NoIds      Code = 14
	NoSems     Code = 15
	NoChildren Code = 16

	// asynchronous events
	Zapped      Code = 17
	BoxReleased Code = 18
	WouldBlock  Code = 19
	Device      Code = 20
	WaitZapped  Code = 21
)

var names = map[Code]string{
	OK:              "OK",
	BadArg:          "BAD_ARG",
	InvalidPriority: "INVALID_PRIORITY",
	StackTooSmall:   "STACK_TOO_SMALL",
	SlotSize:        "SLOT_SIZE",
	MsgSize:         "MSG_SIZE",
	NullMsg:         "NULL_MSG",
	BadBox:          "BAD_BOX",
	BadPid:          "BAD_PID",
	BadSem:          "BAD_SEM",
	BadInput:        "BAD_INPUT",
	NoSlots:         "NO_SLOTS",
	NoPids:          "NO_PIDS",
	NoBox:           "NO_BOX",
	NoIds:           "NO_IDS",
	NoSems:          "NO_SEMS",
	NoChildren:      "NO_CHILDREN",
	Zapped:          "ZAPPED",
	BoxReleased:     "BOX_RELEASED",
	WouldBlock:      "WOULD_BLOCK",
	Device:          "DEVICE",
	WaitZapped:      "WAIT_ZAPPED",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error adapts a Code to the error interface so it can be used wherever
// an error is expected; the kernel's own code, including the syscall
// layer, passes the bare Code around.
func (c Code) Error() string {
	return c.String()
}

// Fatal reports an invariant violation and halts by panicking. format is
// a printf-style message; the call site (function:line file) is prefixed
// to it so the panic names exactly where the invariant broke.
func Fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	pc, file, line, ok := runtime.Caller(1)
	if !ok {
		panic(msg)
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	panic(fmt.Sprintf("%s:%d %s: %s", name, line, file, msg))
}
