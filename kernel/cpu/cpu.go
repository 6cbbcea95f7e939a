// Package cpu exposes the small set of hardware primitives the memory and
// interrupt subsystems need: switching the active page directory, reading
// the faulting address, flushing TLB entries, masking interrupts, and
// halting. On real hardware every one of these is a handful of
// assembly instructions; gopher-os declares them as bodiless Go functions
// backed by a `.s` file for exactly that reason. PenOS keeps the same
// primitives as ordinary Go functions over simulated state, so the rest of
// the kernel is testable under `go test` without a real ring-0 environment.
package cpu

import "sync/atomic"

var (
	activePDT         uintptr
	lastFaultAddr     uintptr
	interruptsEnabled uint32 = 1
	halted            uint32
	tssESP0           uintptr
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { atomic.StoreUint32(&interruptsEnabled, 1) }

// DisableInterrupts disables interrupt handling and returns whether
// interrupts were enabled beforehand, so callers can restore the previous
// state instead of unconditionally re-enabling.
func DisableInterrupts() bool {
	return atomic.SwapUint32(&interruptsEnabled, 0) == 1
}

// InterruptsEnabled reports whether interrupts are currently enabled.
func InterruptsEnabled() bool { return atomic.LoadUint32(&interruptsEnabled) == 1 }

// Halt stops instruction execution. The default backing blocks forever;
// cmd/penos calls it once boot finishes. kernel.Panic does not call Halt:
// it stops through its own hook, replaceable with kernel.SetHaltFn.
func Halt() { atomic.StoreUint32(&halted, 1); select {} }

// Halted reports whether Halt has been called. Exposed for tests that need
// to assert a fatal path was taken without actually blocking forever.
func Halted() bool { return atomic.LoadUint32(&halted) == 1 }

// SwitchPDT sets the root page table directory to the given physical
// address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	activePDT = pdtPhysAddr
}

// ActivePDT returns the physical address of the currently active page
// directory table.
func ActivePDT() uintptr { return activePDT }

// ReadCR2 returns the faulting virtual address recorded by the most recent
// page fault, mirroring the x86 CR2 register.
func ReadCR2() uintptr { return lastFaultAddr }

// SetCR2 records the faulting address. On real hardware the CPU itself
// populates CR2 before the #PF trap stub runs; in this hosted build,
// whatever detects the invalid access (today, tests driving vector 14 end
// to end through irq.Dispatch) calls SetCR2 first, exactly as the trap
// entry would, so kmain's registered page-fault handler can read it back
// via ReadCR2.
func SetCR2(addr uintptr) { lastFaultAddr = addr }

// FlushTLBEntry invalidates any cached translation for virtAddr. The
// simulated backing has no TLB to invalidate; every virtual-to-physical
// lookup walks the in-memory page tables directly (kernel/mem/vmm), so this
// is a documented no-op kept only to preserve the call site the teacher's
// vmm code makes on every mapping change.
func FlushTLBEntry(virtAddr uintptr) {}

// SetTSSESP0 updates the task-state segment's ESP0 field, the kernel-stack
// top the CPU loads on a ring-3-to-ring-0 transition. The scheduler calls
// this on every task switch (spec.md §4.6 "Update the TSS ESP0").
func SetTSSESP0(top uintptr) { tssESP0 = top }

// TSSESP0 returns the kernel-stack top currently programmed into the TSS.
func TSSESP0() uintptr { return tssESP0 }
