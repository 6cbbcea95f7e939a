package mem

import "github.com/ShaonMajumder/PenOS/kernel"

// RAM models the system's physical memory as a single contiguous arena.
// A real boot image has no such slice — physical addresses are just
// addresses — but every memory-management package in this repository talks
// to physical memory exclusively through RAM so that the same allocation,
// paging, and swap logic runs identically under `go test` and (with RAM
// backed by a real mapping instead) on real hardware.
type RAM struct {
	bytes []byte
}

// NewRAM allocates a simulated physical memory arena of the given size,
// rounded up to a whole number of pages.
func NewRAM(size Size) *RAM {
	return &RAM{bytes: make([]byte, PageAlignUp(uintptr(size)))}
}

// Size returns the arena's size in bytes.
func (r *RAM) Size() Size { return Size(len(r.bytes)) }

// Memset zeroes or fills size bytes starting at the given physical address.
func (r *RAM) Memset(addr uintptr, value byte, size uintptr) {
	r.checkRange(addr, size)
	region := r.bytes[addr : addr+size]
	for i := range region {
		region[i] = value
	}
}

// Memcopy copies size bytes from the src physical address to the dst
// physical address. The regions must not overlap.
func (r *RAM) Memcopy(dst, src uintptr, size uintptr) {
	r.checkRange(dst, size)
	r.checkRange(src, size)
	copy(r.bytes[dst:dst+size], r.bytes[src:src+size])
}

// Slice returns the size bytes starting at addr as a mutable view into the
// arena; callers use this to read/write page contents directly (e.g. the
// swap backend, the heap, the ELF loader).
func (r *RAM) Slice(addr uintptr, size uintptr) []byte {
	r.checkRange(addr, size)
	return r.bytes[addr : addr+size]
}

// Uint32 reads a little-endian uint32 (a page-table entry) at addr.
func (r *RAM) Uint32(addr uintptr) uint32 {
	r.checkRange(addr, 4)
	b := r.bytes[addr : addr+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// SetUint32 writes a little-endian uint32 (a page-table entry) at addr.
func (r *RAM) SetUint32(addr uintptr, v uint32) {
	r.checkRange(addr, 4)
	b := r.bytes[addr : addr+4]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func (r *RAM) checkRange(addr, size uintptr) {
	if addr+size > uintptr(len(r.bytes)) || addr+size < addr {
		kernel.Panic(&kernel.Error{Module: "mem", Message: "physical access out of range"})
	}
}
