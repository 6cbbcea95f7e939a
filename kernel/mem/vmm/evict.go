package vmm

import (
	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/cpu"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
)

// ErrSwapOutKernelAddress is returned by SwapOut when asked to evict a
// kernel-half virtual address: the kernel half is shared by reference
// across every address space (spec.md invariant 2) and is never swappable.
var ErrSwapOutKernelAddress = &kernel.Error{Module: "vmm", Message: "cannot swap out a kernel-half virtual address"}

// clockHand remembers the last (dirIdx, tableIdx) position the CLOCK sweep
// stopped at within an address space, so consecutive sweeps continue rather
// than restart (spec.md §4.2's "second-chance/CLOCK-style eviction").
type clockHand struct {
	dirIdx, tableIdx uintptr
}

var clockHands = map[*AddressSpace]*clockHand{}

// evictOne runs one CLOCK sweep over victim's user half: pages with
// FlagAccessed set are given a second chance (the bit is cleared and the
// sweep advances); the first page found with the bit already clear is
// swapped out and its frame reclaimed. Returns false if victim has no
// evictable user pages at all.
//
// Eviction is scoped to a single address space rather than a global list,
// resolving the Open Question in spec.md §9: a process that never touches
// user memory can never have its own pages evicted to make room for
// another process's allocation.
func (s *System) evictOne(victim *AddressSpace) bool {
	hand, ok := clockHands[victim]
	if !ok {
		hand = &clockHand{}
		clockHands[victim] = hand
	}

	maxAttempts := int(kernelDirIndex) * entriesPerTable * 2
	for attempts := 0; attempts < maxAttempts; attempts++ {
		dIdx, tIdx := hand.dirIdx, hand.tableIdx

		hand.tableIdx++
		if hand.tableIdx >= entriesPerTable {
			hand.tableIdx = 0
			hand.dirIdx++
			if hand.dirIdx >= kernelDirIndex {
				hand.dirIdx = 0
			}
		}

		pde := s.readEntry(s.dirEntryAddr(victim.dirFrame, dIdx))
		if !pde.hasFlags(FlagPresent) {
			continue
		}
		table := pde.frame()
		pteAddr := table.Address() + tIdx*4
		pte := s.readEntry(pteAddr)
		if !pte.hasFlags(FlagPresent) {
			continue
		}

		if pte.hasFlags(FlagAccessed) {
			pte.clearFlags(FlagAccessed)
			s.writeEntry(pteAddr, pte)
			continue
		}

		virt := dIdx<<22 | tIdx<<12
		page := s.ram.Slice(pte.frame().Address(), mem.PageSize)
		slot, err := s.swap.Out(page)
		if err != nil {
			// No swap space left; this victim page cannot be evicted, try
			// the next one instead of failing the whole sweep.
			continue
		}
		s.frame.FreeFrame(pte.frame())
		s.writeEntry(pteAddr, newSwappedEntry(slot))
		_ = virt
		return true
	}

	return false
}

// forgetAddressSpace drops the CLOCK hand bookkeeping for an address space
// being destroyed.
func forgetAddressSpace(as *AddressSpace) { delete(clockHands, as) }

// SwapOut evicts the single present page covering virt within as — the
// explicit-request half of spec.md §4.2's "swap_out(virt): called either on
// explicit request or by the eviction loop" contract. evictOne is the other
// half, picking its own victim instead of a caller-supplied address; both
// share the same write-to-swap-and-clear-the-PTE sequence.
func (as *AddressSpace) SwapOut(virt uintptr) *kernel.Error {
	s := as.sys
	virt = mem.PageAlignDown(virt)

	if dirIndex(virt) >= kernelDirIndex {
		return ErrSwapOutKernelAddress
	}

	pteAddr, err := s.walk(as, virt, false)
	if err != nil {
		return err
	}
	pte := s.readEntry(pteAddr)
	if !pte.hasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	page := s.ram.Slice(pte.frame().Address(), mem.PageSize)
	slot, serr := s.swap.Out(page)
	if serr != nil {
		return serr
	}
	s.frame.FreeFrame(pte.frame())
	s.writeEntry(pteAddr, newSwappedEntry(slot))
	cpu.FlushTLBEntry(virt)
	return nil
}
