package kfmt

import (
	"github.com/keitagame/romanticos/kernel"
)

var (
	// haltFn is mocked by tests. The default halts the machine by raising a
	// runtime panic carrying the kernel error; nothing above the trap entry
	// is expected to recover it.
	haltFn = func(e *kernel.Error) {
		panic(e)
	}

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// machine. Calls to Panic never return. Panic is reserved for invariant
// violations; recoverable conditions surface as *kernel.Error return values
// instead.
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
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn(err)
}
