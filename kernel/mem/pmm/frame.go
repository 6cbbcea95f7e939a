// Package pmm implements the physical frame allocator (spec.md §4.1): a
// bitmap over the frame universe reported by the boot memory map, handing
// out and reclaiming 4 KiB physical frames.
package pmm

import (
	"math"

	"github.com/ShaonMajumder/PenOS/kernel/mem"
)

// Frame is an opaque handle for a physical page frame, expressed as a frame
// index rather than a raw physical address. The type itself does no range
// check; Allocator.FreeFrame ignores out-of-range frames, and mem.RAM
// panics on an access outside the arena.
type Frame uintptr

// InvalidFrame is returned by allocators that fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether this is a real, allocated frame handle.
func (f Frame) Valid() bool { return f != InvalidFrame }

// Address returns the physical address of the first byte of this frame.
func (f Frame) Address() uintptr { return uintptr(f) << mem.PageShift }

// FrameFromAddress returns the Frame containing the given physical address,
// rounding down if addr is not page-aligned.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(mem.PageAlignDown(addr) >> mem.PageShift)
}
