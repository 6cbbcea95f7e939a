// Package vmm implements the two-level 32-bit x86 paging scheme (spec.md
// §3/§4.2): page directory → page table → 4 KiB frame. Page tables are
// modeled as an explicit object graph over the simulated mem.RAM arena
// rather than the recursive self-mapping pointer trick a real bare-metal
// walk would use — with full-arena access already available to a hosted
// simulator, the recursive top slot buys nothing (see DESIGN.md).
package vmm

import "github.com/ShaonMajumder/PenOS/kernel/mem/pmm"

// PTEFlags are the page-table/page-directory entry flag bits, matching
// spec.md §6 exactly.
type PTEFlags uint32

const (
	// FlagPresent marks the entry as valid.
	FlagPresent PTEFlags = 1 << 0
	// FlagWritable marks the mapped page as writable.
	FlagWritable PTEFlags = 1 << 1
	// FlagUser marks the mapped page as accessible from ring 3.
	FlagUser PTEFlags = 1 << 2
	// FlagAccessed is set by hardware when the page is referenced; in this
	// simulation the page-fault handler sets it on the pages it maps in,
	// and the CLOCK eviction sweep clears it.
	FlagAccessed PTEFlags = 1 << 5
	// FlagSwapped indicates the entry's frame field instead holds a swap
	// slot index; only meaningful when FlagPresent is clear.
	FlagSwapped PTEFlags = 1 << 9
)

const (
	entryFrameShift = 12
	entryFrameMask  = uint32(0xFFFF_F000)
	entriesPerTable = 1024
)

// entry is a single page-directory or page-table entry: a 4 KiB-aligned
// frame/slot number plus flag bits, packed into one uint32 exactly like a
// real x86 PDE/PTE.
type entry uint32

func newEntry(frame pmm.Frame, flags PTEFlags) entry {
	return entry(uint32(frame)<<entryFrameShift | uint32(flags))
}

func (e entry) hasFlags(flags PTEFlags) bool {
	return uint32(e)&uint32(flags) == uint32(flags)
}

func (e *entry) setFlags(flags PTEFlags) { *e = entry(uint32(*e) | uint32(flags)) }

func (e *entry) clearFlags(flags PTEFlags) { *e = entry(uint32(*e) &^ uint32(flags)) }

func (e entry) frame() pmm.Frame {
	return pmm.Frame((uint32(e) & entryFrameMask) >> entryFrameShift)
}

func (e *entry) setFrame(f pmm.Frame) {
	*e = entry((uint32(*e) &^ entryFrameMask) | uint32(f)<<entryFrameShift)
}

// swapSlot returns the slot index encoded in the frame field of a swapped,
// not-present entry.
func (e entry) swapSlot() uint32 { return uint32(e) >> entryFrameShift }

func newSwappedEntry(slot uint32) entry {
	return entry(slot<<entryFrameShift | uint32(FlagSwapped))
}

// dirIndex and tableIndex split a virtual address into its page-directory
// and page-table indices.
func dirIndex(virt uintptr) uintptr   { return (virt >> 22) & (entriesPerTable - 1) }
func tableIndex(virt uintptr) uintptr { return (virt >> 12) & (entriesPerTable - 1) }
