// Package irq implements interrupt dispatch (spec.md §4.5): a 256-slot
// handler table invoked from the common trap entry, CPU exception decoding
// for unhandled low vectors, and end-of-interrupt acknowledgement to the
// PIC for hardware IRQs.
package irq

import (
	"sync/atomic"

	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/cpu"
)

const (
	numVectors = 256

	// firstException and lastException bound the CPU exception range
	// (spec.md "vector < 20").
	firstException = 0
	lastException  = 19

	// PageFaultVector is the #PF vector, decoded specially to report CR2.
	PageFaultVector = 14

	// firstIRQ and lastIRQ bound the hardware IRQ range remapped behind
	// the exception vectors (spec.md "vector is an IRQ (32-47)").
	firstIRQ = 32
	lastIRQ  = 47
)

// Frame is the saved register/interrupt state an assembly trap stub would
// push before calling into Go; here it is passed and returned by value
// exactly as the dispatcher contract requires.
type Frame struct {
	Vector   uint32
	ErrCode  uint32
	EIP, CS  uint32
	EFlags   uint32
	ESP, SS  uint32
	EAX, EBX uint32
	ECX, EDX uint32
	ESI, EDI uint32
	EBP      uint32
}

// Handler processes one interrupt/exception and returns the frame to resume
// with — ordinarily the same frame, but a handler (the scheduler, on the
// timer tick) may return a different frame to redirect the resume to
// another task.
type Handler func(*Frame) *Frame

var (
	handlers [numVectors]Handler
	ticks    uint64

	// sendEOI abstracts the PIC acknowledgement so tests can observe it
	// without a real 8259A.
	sendEOI = func(irqLine uint32) {}
)

// RegisterHandler installs fn as the handler for vec, replacing any
// previous registration.
func RegisterHandler(vec uint32, fn Handler) {
	handlers[vec%numVectors] = fn
}

// SetEOIFunc overrides the PIC end-of-interrupt hook, for tests.
func SetEOIFunc(fn func(irqLine uint32)) { sendEOI = fn }

// Dispatch is the single entry point the trap stub calls for every vector.
// It implements spec.md §4.5's priority order: registered handler first,
// else a CPU exception panics with decoded state, then (always, for IRQs)
// PIC EOI, then the resume frame is returned.
func Dispatch(f *Frame) *Frame {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	if f.Vector == firstIRQ { // IRQ0: the PIT timer tick
		atomic.AddUint64(&ticks, 1)
	}

	resume := f
	if h := handlers[f.Vector%numVectors]; h != nil {
		resume = h(f)
	} else if f.Vector >= firstException && f.Vector <= lastException {
		panicException(f)
	}

	if f.Vector >= firstIRQ && f.Vector <= lastIRQ {
		sendEOI(f.Vector - firstIRQ)
	}

	return resume
}

func panicException(f *Frame) {
	if f.Vector == PageFaultVector {
		kernel.Panic(&kernel.Error{
			Module:  "irq",
			Message: "unhandled page fault at CR2=" + hex(cpu.ReadCR2()) + " err=" + hex(uintptr(f.ErrCode)),
		})
		return
	}
	kernel.Panic(&kernel.Error{
		Module:  "irq",
		Message: "unhandled CPU exception vector=" + hex(uintptr(f.Vector)) + " eip=" + hex(uintptr(f.EIP)),
	})
}

func hex(v uintptr) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	buf := make([]byte, 0, 18)
	buf = append(buf, '0', 'x')
	started := false
	for shift := 60; shift >= 0; shift -= 4 {
		d := (v >> uint(shift)) & 0xF
		if d != 0 {
			started = true
		}
		if started {
			buf = append(buf, digits[d])
		}
	}
	return string(buf)
}

// Ticks returns the number of timer IRQs (vector 32) dispatched so far,
// the scheduler's tick source.
func Ticks() uint64 { return atomic.LoadUint64(&ticks) }
