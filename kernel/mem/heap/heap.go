// Package heap implements the kernel heap (spec.md §4.4): a single
// doubly-linked, first-fit free list of blocks laid out contiguously over a
// demand-mapped virtual region, shrinking itself again as its tail frees.
package heap

import (
	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/kfmt"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/pmm"
	"github.com/ShaonMajumder/PenOS/kernel/mem/vmm"
	psync "github.com/ShaonMajumder/PenOS/kernel/sync"
)

var (
	errExhausted  = &kernel.Error{Module: "heap", Message: "heap region exhausted"}
	errDoubleFree = &kernel.Error{Module: "heap", Message: "double free detected"}
	errBadAlign   = &kernel.Error{Module: "heap", Message: "alignment must be a non-zero power of two"}
	errBadPointer = &kernel.Error{Module: "heap", Message: "free of a pointer the heap never allocated"}
)

const (
	headerSize = 16 // size(4) + flags(4) + prev(4) + next(4), matching entry-style packing elsewhere
	wordSize   = 4

	// minSplit is the minimum leftover payload size that justifies
	// carving a remainder off an oversized block into its own free block,
	// rather than handing the whole block to the allocation (spec.md's
	// "split if the remainder exceeds header+MIN_SPLIT").
	minSplit = 32

	flagFree = uint32(1)
)

type blockHeader struct {
	size  uint32
	flags uint32
	prev  uintptr
	next  uintptr
}

func (h blockHeader) isFree() bool { return h.flags&flagFree != 0 }

// Heap is a kernel heap instance bound to one address space's virtual
// region [mem.HeapStart, mem.HeapEnd).
type Heap struct {
	mu psync.Spinlock

	ram    *mem.RAM
	frames *pmm.Allocator
	as     *vmm.AddressSpace

	mappedEnd uintptr // furthest page-aligned address backed by a frame
	top       uintptr // address one past the last block (next carve point)
	head      uintptr // virtual address of the first block; 0 if empty

	bytesInUse uint64

	// alignedPtrs maps a pointer returned by AllocAligned back to the
	// underlying block's payload pointer, since alignment padding means
	// the two addresses can differ. This bookkeeping lives in ordinary Go
	// memory, not the simulated heap region, mirroring how a real
	// allocator's private metadata would sit outside user-visible memory.
	alignedPtrs map[uintptr]uintptr
}

// New binds a heap to as, starting empty at mem.HeapStart.
func New(ram *mem.RAM, frames *pmm.Allocator, as *vmm.AddressSpace) *Heap {
	return &Heap{
		ram:         ram,
		frames:      frames,
		as:          as,
		mappedEnd:   mem.HeapStart,
		top:         mem.HeapStart,
		alignedPtrs: make(map[uintptr]uintptr),
	}
}

func alignUp(v uintptr, align uintptr) uintptr { return (v + align - 1) &^ (align - 1) }

func (h *Heap) readHeader(virt uintptr) blockHeader {
	phys, ok := h.as.Translate(virt)
	if !ok {
		kernel.Panic(&kernel.Error{Module: "heap", Message: "corrupt free list: header address not mapped"})
	}
	return blockHeader{
		size:  h.ram.Uint32(phys),
		flags: h.ram.Uint32(phys + 4),
		prev:  uintptr(h.ram.Uint32(phys + 8)),
		next:  uintptr(h.ram.Uint32(phys + 12)),
	}
}

func (h *Heap) writeHeader(virt uintptr, hdr blockHeader) {
	phys, ok := h.as.Translate(virt)
	if !ok {
		kernel.Panic(&kernel.Error{Module: "heap", Message: "corrupt free list: header address not mapped"})
	}
	h.ram.SetUint32(phys, hdr.size)
	h.ram.SetUint32(phys+4, hdr.flags)
	h.ram.SetUint32(phys+8, uint32(hdr.prev))
	h.ram.SetUint32(phys+12, uint32(hdr.next))
}

func (h *Heap) ensureMapped(until uintptr) *kernel.Error {
	until = mem.PageAlignUp(until)
	for h.mappedEnd < until {
		if h.mappedEnd >= mem.HeapEnd {
			return errExhausted
		}
		frame, err := h.frames.AllocFrame()
		if err != nil {
			return err
		}
		h.ram.Memset(frame.Address(), 0, mem.PageSize)
		if err := h.as.Map(h.mappedEnd, frame, vmm.FlagWritable); err != nil {
			return err
		}
		h.mappedEnd += mem.PageSize
	}
	return nil
}

// requestBlock grows the heap region to fit one more block of the given
// payload size and links it at the tail of the free list, returning its
// virtual address (spec.md's "request_block").
func (h *Heap) requestBlock(size uint32) (uintptr, *kernel.Error) {
	addr := h.top
	total := uintptr(headerSize) + uintptr(size)
	if err := h.ensureMapped(addr + total); err != nil {
		return 0, err
	}

	hdr := blockHeader{size: size, flags: flagFree}
	if h.head == 0 {
		h.head = addr
	} else {
		tail := h.lastBlock()
		tailHdr := h.readHeader(tail)
		tailHdr.next = addr
		h.writeHeader(tail, tailHdr)
		hdr.prev = tail
	}
	h.writeHeader(addr, hdr)
	h.top = addr + total
	return addr, nil
}

func (h *Heap) lastBlock() uintptr {
	cur := h.head
	for {
		hdr := h.readHeader(cur)
		if hdr.next == 0 {
			return cur
		}
		cur = hdr.next
	}
}

// Alloc reserves size bytes, returning the payload pointer, or (0, err) if
// the heap region is exhausted (spec.md's "alloc(size) → ptr|null").
func (h *Heap) Alloc(size uint32) (uintptr, *kernel.Error) {
	h.mu.Acquire()
	defer h.mu.Release()
	return h.allocLocked(size)
}

func (h *Heap) allocLocked(size uint32) (uintptr, *kernel.Error) {
	size = uint32(alignUp(uintptr(size), wordSize))
	if size == 0 {
		size = wordSize
	}

	for cur := h.head; cur != 0; {
		hdr := h.readHeader(cur)
		if hdr.isFree() && hdr.size >= size {
			h.splitAndTake(cur, hdr, size)
			h.bytesInUse += uint64(size)
			return cur + headerSize, nil
		}
		cur = hdr.next
	}

	addr, err := h.requestBlock(size)
	if err != nil {
		return 0, err
	}
	hdr := h.readHeader(addr)
	hdr.flags &^= flagFree
	h.writeHeader(addr, hdr)
	h.bytesInUse += uint64(size)
	return addr + headerSize, nil
}

func (h *Heap) splitAndTake(addr uintptr, hdr blockHeader, want uint32) {
	remainder := hdr.size - want
	if remainder > headerSize+minSplit {
		newAddr := addr + headerSize + uintptr(want)
		newHdr := blockHeader{
			size:  remainder - headerSize,
			flags: flagFree,
			prev:  addr,
			next:  hdr.next,
		}
		if hdr.next != 0 {
			nextHdr := h.readHeader(hdr.next)
			nextHdr.prev = newAddr
			h.writeHeader(hdr.next, nextHdr)
		}
		h.writeHeader(newAddr, newHdr)

		hdr.size = want
		hdr.next = newAddr
	}
	hdr.flags &^= flagFree
	h.writeHeader(addr, hdr)
}

// AllocAligned reserves size bytes at an address aligned to align, which
// must be a power of two.
func (h *Heap) AllocAligned(size, align uint32) (uintptr, *kernel.Error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, errBadAlign
	}

	h.mu.Acquire()
	raw, err := h.allocLocked(size + align - 1)
	h.mu.Release()
	if err != nil {
		return 0, err
	}

	aligned := alignUp(raw, uintptr(align))
	if aligned == raw {
		return raw, nil
	}

	h.mu.Acquire()
	h.alignedPtrs[aligned] = raw
	h.mu.Release()
	return aligned, nil
}

// Free releases ptr, coalescing with free neighbours and trimming a free
// tail back to the PMM (spec.md's freeing/trim semantics). A second Free of
// an already-free block is reported on the console and via errDoubleFree,
// and leaves state unchanged.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	h.mu.Acquire()
	defer h.mu.Release()

	if raw, ok := h.alignedPtrs[ptr]; ok {
		delete(h.alignedPtrs, ptr)
		ptr = raw
	}

	if ptr < headerSize {
		return errBadPointer
	}
	addr := ptr - headerSize
	if addr < mem.HeapStart || addr >= mem.HeapEnd {
		return errBadPointer
	}
	if addr >= h.top {
		// Nothing at or past the bump is allocated. A block freed earlier
		// and then trimmed off the tail lies here, so a pointer in this
		// range is reported as a double free.
		kfmt.Printf("heap: double free of %x\n", uint64(ptr))
		return errDoubleFree
	}

	hdr := h.readHeader(addr)
	if hdr.isFree() {
		kfmt.Printf("heap: double free of %x\n", uint64(ptr))
		return errDoubleFree
	}
	h.bytesInUse -= uint64(hdr.size)
	hdr.flags |= flagFree
	h.writeHeader(addr, hdr)

	addr = h.coalesce(addr)
	h.trim()
	return nil
}

// coalesce merges addr's block with a free predecessor and/or successor,
// returning the (possibly now-earlier) address of the merged block.
func (h *Heap) coalesce(addr uintptr) uintptr {
	hdr := h.readHeader(addr)

	if hdr.next != 0 {
		nextHdr := h.readHeader(hdr.next)
		if nextHdr.isFree() {
			hdr.size += headerSize + nextHdr.size
			hdr.next = nextHdr.next
			if nextHdr.next != 0 {
				nn := h.readHeader(nextHdr.next)
				nn.prev = addr
				h.writeHeader(nextHdr.next, nn)
			}
			h.writeHeader(addr, hdr)
		}
	}

	if hdr.prev != 0 {
		prevHdr := h.readHeader(hdr.prev)
		if prevHdr.isFree() {
			prevHdr.size += headerSize + hdr.size
			prevHdr.next = hdr.next
			if hdr.next != 0 {
				nextHdr := h.readHeader(hdr.next)
				nextHdr.prev = hdr.prev
				h.writeHeader(hdr.next, nextHdr)
			}
			h.writeHeader(hdr.prev, prevHdr)
			return hdr.prev
		}
	}

	return addr
}

// trim drops free blocks from the tail of the list, shrinking the bump and
// returning now-unused whole pages to the PMM.
func (h *Heap) trim() {
	for h.head != 0 {
		tail := h.lastBlock()
		hdr := h.readHeader(tail)
		if !hdr.isFree() {
			break
		}

		if hdr.prev == 0 {
			h.head = 0
		} else {
			prevHdr := h.readHeader(hdr.prev)
			prevHdr.next = 0
			h.writeHeader(hdr.prev, prevHdr)
		}

		h.top = tail
		if h.head == 0 {
			h.top = mem.HeapStart
		}
		break // a single pass: the new tail may itself be free, trimmed on the next Free
	}

	newMappedEnd := mem.PageAlignUp(h.top)
	for h.mappedEnd > newMappedEnd {
		h.mappedEnd -= mem.PageSize
		if phys, ok := h.as.Translate(h.mappedEnd); ok {
			h.frames.FreeFrame(pmm.FrameFromAddress(phys))
		}
		h.as.Unmap(h.mappedEnd)
	}
}

// BytesInUse returns the sum of currently allocated payload sizes.
func (h *Heap) BytesInUse() uint64 {
	h.mu.Acquire()
	defer h.mu.Release()
	return h.bytesInUse
}

// BytesFree returns the mapped region size minus bytes in use.
func (h *Heap) BytesFree() uint64 {
	h.mu.Acquire()
	defer h.mu.Release()
	return uint64(h.mappedEnd-mem.HeapStart) - h.bytesInUse
}
