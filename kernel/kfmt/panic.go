package kfmt

import "ember/kernel"

var (
	// haltFn stops the CPU for good. It is mocked by tests and is
	// automatically inlined by the compiler. The boot trampoline that
	// would otherwise install an architecture-specific halt instruction
	// is outside this repository's scope, so the default spins forever
	// without yielding the processor back to a scheduler that does not
	// exist yet.
	haltFn = func() {
		for {
		}
	}

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) and halts the CPU. Calls to
// Panic never return. This is the bootstrap-failure path required by the
// PMM: an out-of-memory condition or a corrupt allocator state at boot time
// is unrecoverable, so every fatal halt in this repository funnels through
// here instead of Go's panic/recover machinery, which needs a working
// allocator to unwind.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
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

	haltFn()
}

// panicString is the redirect target for bare string panics.
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
