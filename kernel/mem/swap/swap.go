// Package swap implements the swap-slot allocator (spec.md §4.3): a bitmap
// of fixed-size slots over a block.Device, used by kernel/mem/vmm to page
// evicted frames out to and back in from storage.
package swap

import (
	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/block"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	psync "github.com/ShaonMajumder/PenOS/kernel/sync"
)

var (
	errNoFreeSlots = &kernel.Error{Module: "swap", Message: "no free swap slots"}
	errBadSize     = &kernel.Error{Module: "swap", Message: "page size must be a multiple of the sector size"}
)

// sectorsPerPage is how many device sectors back one swap slot; a slot
// holds exactly one 4 KiB page.
const sectorsPerPage = uintptr(mem.PageSize) / block.SectorSize

// Store is a bitmap-backed allocator of fixed-size swap slots over a
// block.Device.
type Store struct {
	mu     psync.Spinlock
	dev    block.Device
	slots  uint64
	bitmap []uint64 // bit set => slot in use
}

// NewStore sizes a Store to fit as many whole page-sized slots as dev's
// capacity allows.
func NewStore(dev block.Device) (*Store, *kernel.Error) {
	if uintptr(mem.PageSize)%block.SectorSize != 0 {
		return nil, errBadSize
	}
	slots := dev.SectorCount() / uint64(sectorsPerPage)
	return &Store{
		dev:    dev,
		slots:  slots,
		bitmap: make([]uint64, (slots+63)/64),
	}, nil
}

// Out writes a full page of data to a freshly allocated slot and returns its
// index (spec.md §4.3 "out").
func (s *Store) Out(page []byte) (uint32, *kernel.Error) {
	if uintptr(len(page)) != mem.PageSize {
		return 0, &kernel.Error{Module: "swap", Message: "page buffer must be exactly one page"}
	}

	s.mu.Acquire()
	slot, ok := s.allocLocked()
	s.mu.Release()
	if !ok {
		return 0, errNoFreeSlots
	}

	buf := make([]byte, block.SectorSize)
	base := uint64(slot) * uint64(sectorsPerPage)
	for i := uintptr(0); i < sectorsPerPage; i++ {
		copy(buf, page[i*block.SectorSize:(i+1)*block.SectorSize])
		if err := s.dev.WriteSector(base+uint64(i), buf); err != nil {
			s.Free(uint32(slot))
			return 0, err
		}
	}
	return uint32(slot), nil
}

// In reads slot's page back into page (spec.md §4.3 "in"). The slot remains
// allocated; the caller frees it explicitly once it decides the swapped
// copy is no longer needed.
func (s *Store) In(slot uint32, page []byte) *kernel.Error {
	if uintptr(len(page)) != mem.PageSize {
		return &kernel.Error{Module: "swap", Message: "page buffer must be exactly one page"}
	}
	if uint64(slot) >= s.slots {
		return &kernel.Error{Module: "swap", Message: "slot out of range"}
	}

	buf := make([]byte, block.SectorSize)
	base := uint64(slot) * uint64(sectorsPerPage)
	for i := uintptr(0); i < sectorsPerPage; i++ {
		if err := s.dev.ReadSector(base+uint64(i), buf); err != nil {
			return err
		}
		copy(page[i*block.SectorSize:(i+1)*block.SectorSize], buf)
	}
	return nil
}

// Free releases slot back to the pool (spec.md §4.3 "free"). Freeing an
// already-free or out-of-range slot is a no-op.
func (s *Store) Free(slot uint32) {
	s.mu.Acquire()
	defer s.mu.Release()
	if uint64(slot) >= s.slots {
		return
	}
	word, bit := slot/64, slot%64
	s.bitmap[word] &^= 1 << bit
}

// Available returns the number of unallocated slots (spec.md §4.3
// "available").
func (s *Store) Available() uint64 {
	s.mu.Acquire()
	defer s.mu.Release()
	var used uint64
	for _, w := range s.bitmap {
		used += popcount(w)
	}
	return s.slots - used
}

func (s *Store) allocLocked() (uint32, bool) {
	for i := uint64(0); i < s.slots; i++ {
		word, bit := i/64, i%64
		if s.bitmap[word]&(1<<bit) == 0 {
			s.bitmap[word] |= 1 << bit
			return uint32(i), true
		}
	}
	return 0, false
}

func popcount(w uint64) uint64 {
	var n uint64
	for w != 0 {
		w &= w - 1
		n++
	}
	return n
}
