package kfmt

import (
	"runtime"

	"taskos/kernel"
)

// maxStackDepth bounds the number of return addresses printed by Panic.
const maxStackDepth = 32

var (
	// cpuHaltFn stops the machine once the panic banner has been printed.
	// It is registered by the boot code via SetHaltFn and mocked by tests.
	cpuHaltFn func()

	// callersFn is used by tests to control the collected stack trace.
	callersFn = runtime.Callers

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltFn registers the function that Panic invokes to stop the machine.
func SetHaltFn(fn func()) {
	cpuHaltFn = fn
}

// Panic outputs the supplied error (if not nil) followed by a best-effort
// stack trace to the console and halts the machine. The kernel recovers
// panics raised while handling an interrupt and hands them to Panic.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	printStackTrace()
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if cpuHaltFn != nil {
		cpuHaltFn()
	}
}

// printStackTrace prints the return addresses of the frames that led to
// the call to Panic.
func printStackTrace() {
	var pcs [maxStackDepth]uintptr

	// skip runtime.Callers, printStackTrace and Panic
	n := callersFn(3, pcs[:])
	if n == 0 {
		return
	}

	Printf("stack trace:\n")
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		Printf("  [0x%16x] %s\n", frame.PC, frame.Function)
		if !more {
			break
		}
	}
}
