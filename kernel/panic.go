package kernel

import "github.com/aejsmith/kiwi-sub009/kernel/kfmt"

var (
	// haltFn is invoked as the final act of a kernel panic. The hosted
	// implementation of halting is to unwind with a run-time panic that
	// carries the error; tests may swap this out to intercept panics.
	haltFn = func(err *Error) {
		panic(err)
	}

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the active kfmt sink and
// halts execution. Panic is reserved for programming-invariant violations
// (double page-map insert, heap tag corruption and the like) where continuing
// would corrupt kernel state. Calls to Panic never return.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	default:
		err = errRuntimePanic
	}

	kfmt.Printf("\n-----------------------------------\n")
	kfmt.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	kfmt.Printf("*** kernel panic: system halted ***")
	kfmt.Printf("\n-----------------------------------\n")

	haltFn(err)
}
