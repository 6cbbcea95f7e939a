package kernel

import "github.com/ShaonMajumder/PenOS/kernel/kfmt"

var (
	// haltFn is invoked by Panic after printing diagnostics. It is a
	// variable so tests can intercept it; a real boot image backs it with
	// an instruction that disables interrupts and halts the CPU forever.
	haltFn = func() { select {} }

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltFn overrides the function invoked once Panic has finished printing
// diagnostics. Tests use this to recover instead of blocking forever.
func SetHaltFn(fn func()) { haltFn = fn }

// Panic prints the supplied error (or cause) to the kernel console and halts
// the CPU. Calls to Panic never return to the caller. It is the single
// implementation of the "explicit panic(cpu_state, msg)" path called for by
// the design notes: every fatal condition (unhandled CPU exception, page
// fault with no recoverable case, allocator exhaustion after eviction
// fails) routes through here instead of a language-level panic/unwind.
func Panic(cause interface{}) {
	var err *Error

	switch t := cause.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	kfmt.Printf("\n-----------------------------------\n")
	if err != nil {
		kfmt.Printf("unrecoverable error: %e\n", err)
	}
	kfmt.Printf("*** kernel panic: system halted ***\n")
	kfmt.Printf("-----------------------------------\n")

	haltFn()
}
