package pmm

import (
	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	psync "github.com/ShaonMajumder/PenOS/kernel/sync"
)

var errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

// Region describes a span of physical memory reported by the boot memory
// map (spec.md §6's "array of typed regions"). Start/End are physical
// addresses; End is exclusive.
type Region struct {
	Start, End uintptr
	Available  bool
}

// minUsableAddress is the 1 MiB floor below which frames are never handed
// out even if the boot memory map reports them available, per spec.md
// §4.1 ("capped at 1 MiB minimum").
const minUsableAddress = 0x0010_0000

// Allocator is a bitmap-backed physical frame allocator (spec.md §4.1). One
// bit per frame in the RAM arena it was initialized against; firmware
// reserved regions and the kernel image are marked allocated at Init and
// never freed.
type Allocator struct {
	mu psync.Spinlock

	numFrames  uint64
	bitmap     []uint64 // bit set => frame reserved/allocated
	freeFrames uint64
	hint       uint64 // rotating scan hint, amortises search cost across calls
	ramSize    mem.Size
}

// Init marks every frame reserved, then releases frames that fall inside an
// available region and are at or past base_usable_frame (the first frame
// past the kernel image, capped at 1 MiB minimum). The allocator makes no
// zeroing guarantee over released frames.
func (a *Allocator) Init(ramSize mem.Size, regions []Region, kernelStart, kernelEnd uintptr) *kernel.Error {
	a.ramSize = ramSize
	a.numFrames = uint64(ramSize) >> mem.PageShift
	a.bitmap = make([]uint64, (a.numFrames+63)/64)

	// Start fully reserved.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	a.freeFrames = 0

	baseUsable := kernelEnd
	if baseUsable < minUsableAddress {
		baseUsable = minUsableAddress
	}
	baseUsableFrame := uint64(mem.PageAlignUp(baseUsable) >> mem.PageShift)

	for _, r := range regions {
		if !r.Available {
			continue
		}
		startFrame := uint64(mem.PageAlignUp(r.Start) >> mem.PageShift)
		endFrame := uint64(mem.PageAlignDown(r.End) >> mem.PageShift)
		if startFrame < baseUsableFrame {
			startFrame = baseUsableFrame
		}
		for f := startFrame; f < endFrame && f < a.numFrames; f++ {
			// Never release frames the kernel image itself occupies,
			// even if they fall past baseUsableFrame due to a
			// non-contiguous memory map.
			addr := uintptr(f) << mem.PageShift
			if addr >= kernelStart && addr < kernelEnd {
				continue
			}
			a.markFree(f)
		}
	}

	return nil
}

func (a *Allocator) markFree(frame uint64) {
	word, bit := frame/64, frame%64
	if a.bitmap[word]&(1<<bit) != 0 {
		a.bitmap[word] &^= 1 << bit
		a.freeFrames++
	}
}

func (a *Allocator) markReserved(frame uint64) {
	word, bit := frame/64, frame%64
	if a.bitmap[word]&(1<<bit) == 0 {
		a.bitmap[word] |= 1 << bit
		a.freeFrames--
	}
}

// AllocFrame scans the bitmap starting at a rotating hint to amortise search
// cost across calls; if the first pass from the hint to the end finds
// nothing, a second pass from the start to the hint guarantees completeness
// before reporting exhaustion.
func (a *Allocator) AllocFrame() (Frame, *kernel.Error) {
	a.mu.Acquire()
	defer a.mu.Release()

	if frame, ok := a.scan(a.hint, a.numFrames); ok {
		a.markReserved(frame)
		a.hint = frame + 1
		if a.hint >= a.numFrames {
			a.hint = 0
		}
		return Frame(frame), nil
	}
	if frame, ok := a.scan(0, a.hint); ok {
		a.markReserved(frame)
		a.hint = frame + 1
		if a.hint >= a.numFrames {
			a.hint = 0
		}
		return Frame(frame), nil
	}

	return InvalidFrame, errOutOfMemory
}

func (a *Allocator) scan(from, to uint64) (uint64, bool) {
	for f := from; f < to; f++ {
		word, bit := f/64, f%64
		if a.bitmap[word]&(1<<bit) == 0 {
			return f, true
		}
	}
	return 0, false
}

// FreeFrame returns a frame to the pool. Freeing an already-free frame or an
// out-of-range frame is a no-op (spec.md §4.1).
func (a *Allocator) FreeFrame(f Frame) {
	a.mu.Acquire()
	defer a.mu.Release()

	frame := uint64(f)
	if frame >= a.numFrames {
		return
	}
	a.markFree(frame)
}

// TotalMemory returns the size, in bytes, of the RAM arena this allocator
// was initialized against.
func (a *Allocator) TotalMemory() mem.Size { return a.ramSize }

// FreeMemory returns the number of bytes currently unallocated.
func (a *Allocator) FreeMemory() mem.Size {
	a.mu.Acquire()
	defer a.mu.Release()
	return mem.Size(a.freeFrames) * mem.Size(mem.PageSize)
}
