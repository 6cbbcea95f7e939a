package vmm

import (
	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/cpu"
	"github.com/ShaonMajumder/PenOS/kernel/kfmt"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/pmm"
)

var (
	// ErrInvalidMapping is returned when looking up a virtual address that
	// has no present mapping.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrDestroyActive is the programming-bug error for trying to destroy
	// the currently active address space (spec.md §7(d)): reported and
	// clamped, not fatal.
	ErrDestroyActive = &kernel.Error{Module: "vmm", Message: "cannot destroy the currently active address space"}

	errOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of physical memory"}
)

// kernelDirIndex is the first page-directory index that belongs to the
// kernel half of every address space (mem.KernelBase = 0xC000_0000).
const kernelDirIndex = mem.KernelBase >> 22

// System owns the physical frame allocator, the simulated RAM arena, and the
// kernel's template directory whose upper half every address space shares
// by reference (spec.md invariant 2).
type System struct {
	ram   *mem.RAM
	frame *pmm.Allocator
	swap  swapBackend

	kernelDir pmm.Frame

	// SecureMode, when true, refuses to mark kernel-half directory
	// entries user-accessible, resolving the Open Question in spec.md §9
	// about the demo tree's insecure identity map. Demo mode (the
	// default, matching the original C tree) leaves it false.
	SecureMode bool

	active *AddressSpace
}

// swapBackend is the narrow interface vmm needs from kernel/mem/swap,
// declared locally to avoid a import cycle (swap has no need to import vmm).
type swapBackend interface {
	Out(page []byte) (uint32, *kernel.Error)
	In(slot uint32, page []byte) *kernel.Error
	Free(slot uint32)
}

// AddressSpace identifies a process's top-level page directory (spec.md
// §3's "Address space ... identified by its top-level directory frame").
type AddressSpace struct {
	sys      *System
	dirFrame pmm.Frame
}

// NewSystem builds the kernel's template directory (all entries
// not-present; filled in as the kernel maps its own image, heap, and MMIO
// regions) and returns a System ready to create per-process address spaces.
func NewSystem(ram *mem.RAM, frames *pmm.Allocator, swap swapBackend) (*System, *kernel.Error) {
	s := &System{ram: ram, frame: frames, swap: swap}

	dirFrame, err := s.allocFrame(nil)
	if err != nil {
		return nil, err
	}
	ram.Memset(dirFrame.Address(), 0, mem.PageSize)
	s.kernelDir = dirFrame

	return s, nil
}

// allocFrame allocates a physical frame, triggering one eviction-and-retry
// pass against victim (if non-nil) on exhaustion, per spec.md §4.1's
// "paging layer may respond by triggering eviction and retrying once".
func (s *System) allocFrame(victim *AddressSpace) (pmm.Frame, *kernel.Error) {
	f, err := s.frame.AllocFrame()
	if err == nil {
		return f, nil
	}
	if victim == nil || !s.evictOne(victim) {
		return pmm.InvalidFrame, errOutOfMemory
	}
	return s.frame.AllocFrame()
}

// dirEntryAddr returns the physical address of directory entry idx within
// the given directory frame.
func (s *System) dirEntryAddr(dir pmm.Frame, idx uintptr) uintptr {
	return dir.Address() + idx*4
}

func (s *System) readEntry(addr uintptr) entry  { return entry(s.ram.Uint32(addr)) }
func (s *System) writeEntry(addr uintptr, e entry) { s.ram.SetUint32(addr, uint32(e)) }

// CreateDirectory allocates a zeroed directory frame and copies the kernel
// half entries from the template kernel directory by reference, so kernel
// virtual addresses resolve identically in every address space (spec.md
// §4.2 "Directory construction", invariant 2).
func (s *System) CreateDirectory() (*AddressSpace, *kernel.Error) {
	dirFrame, err := s.allocFrame(nil)
	if err != nil {
		return nil, err
	}
	s.ram.Memset(dirFrame.Address(), 0, mem.PageSize)

	for idx := uintptr(kernelDirIndex); idx < entriesPerTable; idx++ {
		e := s.readEntry(s.dirEntryAddr(s.kernelDir, idx))
		s.writeEntry(s.dirEntryAddr(dirFrame, idx), e)
	}

	return &AddressSpace{sys: s, dirFrame: dirFrame}, nil
}

// CloneDirectory deep-copies src's user half (fresh page tables, fresh
// frames, byte-identical contents) while continuing to share the kernel
// half by reference (spec.md §4.2 "Clone semantics", invariant 3).
func (s *System) CloneDirectory(src *AddressSpace) (*AddressSpace, *kernel.Error) {
	dst, err := s.CreateDirectory()
	if err != nil {
		return nil, err
	}

	for dIdx := uintptr(0); dIdx < kernelDirIndex; dIdx++ {
		srcPDE := s.readEntry(s.dirEntryAddr(src.dirFrame, dIdx))
		if !srcPDE.hasFlags(FlagPresent) {
			continue
		}

		newTable, err := s.allocFrame(src)
		if err != nil {
			return nil, err
		}
		s.ram.Memset(newTable.Address(), 0, mem.PageSize)

		srcTable := srcPDE.frame()
		for tIdx := uintptr(0); tIdx < entriesPerTable; tIdx++ {
			srcPTE := s.readEntry(srcTable.Address() + tIdx*4)
			if !srcPTE.hasFlags(FlagPresent) {
				continue
			}

			newFrame, err := s.allocFrame(src)
			if err != nil {
				return nil, err
			}
			s.ram.Memcopy(newFrame.Address(), srcPTE.frame().Address(), mem.PageSize)

			newPTE := newEntry(newFrame, PTEFlags(uint32(srcPTE)&0x1FF))
			s.writeEntry(newTable.Address()+tIdx*4, newPTE)
		}

		newPDE := newEntry(newTable, PTEFlags(uint32(srcPDE)&0x1FF))
		s.writeEntry(s.dirEntryAddr(dst.dirFrame, dIdx), newPDE)
	}

	return dst, nil
}

// DestroyDirectory frees every user-half frame and page table, then the
// directory frame itself. It refuses (reports on the console, does not
// mutate state, and returns ErrDestroyActive) if as is the currently active
// address space.
func (s *System) DestroyDirectory(as *AddressSpace) *kernel.Error {
	if s.active == as {
		kfmt.Printf("vmm: refusing to destroy the active address space\n")
		return ErrDestroyActive
	}

	for dIdx := uintptr(0); dIdx < kernelDirIndex; dIdx++ {
		pde := s.readEntry(s.dirEntryAddr(as.dirFrame, dIdx))
		if !pde.hasFlags(FlagPresent) {
			continue
		}
		table := pde.frame()
		for tIdx := uintptr(0); tIdx < entriesPerTable; tIdx++ {
			pte := s.readEntry(table.Address() + tIdx*4)
			if pte.hasFlags(FlagPresent) {
				s.frame.FreeFrame(pte.frame())
			} else if pte.hasFlags(FlagSwapped) {
				s.swap.Free(pte.swapSlot())
			}
		}
		s.frame.FreeFrame(table)
	}

	s.frame.FreeFrame(as.dirFrame)
	forgetAddressSpace(as)
	return nil
}

// Switch activates as as the current address space (a no-op if it already
// is), updating CR3 via kernel/cpu.
func (s *System) Switch(as *AddressSpace) {
	if s.active == as {
		return
	}
	s.active = as
	cpu.SwitchPDT(as.dirFrame.Address())
}

// Active returns the currently active address space, or nil before the
// first Switch.
func (s *System) Active() *AddressSpace { return s.active }

// Deactivate clears the active address space if it is currently as, letting
// a caller (the scheduler, tearing down a task it has already descheduled)
// destroy it without tripping the "cannot destroy the active address
// space" guard.
func (s *System) Deactivate(as *AddressSpace) {
	if s.active == as {
		s.active = nil
	}
}

// walk locates (allocating page tables as needed when alloc is true) the
// physical address of the PTE covering virt, within as.
func (s *System) walk(as *AddressSpace, virt uintptr, alloc bool) (uintptr, *kernel.Error) {
	dIdx := dirIndex(virt)
	dir := as.dirFrame
	if dIdx >= kernelDirIndex {
		// Kernel-half page tables live in the shared template directory,
		// so a table added through any address space is seen by all.
		dir = s.kernelDir
	}
	dAddr := s.dirEntryAddr(dir, dIdx)
	pde := s.readEntry(dAddr)

	if !pde.hasFlags(FlagPresent) {
		if !alloc {
			return 0, ErrInvalidMapping
		}
		tableFrame, err := s.allocFrame(as)
		if err != nil {
			return 0, err
		}
		s.ram.Memset(tableFrame.Address(), 0, mem.PageSize)

		flags := FlagPresent | FlagWritable
		if dIdx >= kernelDirIndex && !s.SecureMode {
			flags |= FlagUser
		} else if dIdx < kernelDirIndex {
			flags |= FlagUser
		}
		pde = newEntry(tableFrame, flags)
		s.writeEntry(dAddr, pde)
	}

	tAddr := pde.frame().Address() + tableIndex(virt)*4
	return tAddr, nil
}

// Map establishes a mapping from the virtual page containing virt to phys
// with the given flags, allocating a page table if none covers virt yet.
func (as *AddressSpace) Map(virt uintptr, phys pmm.Frame, flags PTEFlags) *kernel.Error {
	pteAddr, err := as.sys.walk(as, mem.PageAlignDown(virt), true)
	if err != nil {
		return err
	}
	as.sys.writeEntry(pteAddr, newEntry(phys, flags|FlagPresent))
	cpu.FlushTLBEntry(virt)
	return nil
}

// Unmap clears the mapping covering virt. Unmapping an address with no
// mapping is a no-op.
func (as *AddressSpace) Unmap(virt uintptr) *kernel.Error {
	pteAddr, err := as.sys.walk(as, mem.PageAlignDown(virt), false)
	if err != nil {
		return nil
	}
	as.sys.writeEntry(pteAddr, entry(0))
	cpu.FlushTLBEntry(virt)
	return nil
}

// Translate returns the physical address virt resolves to, or (0, false) if
// virt has no present mapping.
func (as *AddressSpace) Translate(virt uintptr) (uintptr, bool) {
	pteAddr, err := as.sys.walk(as, mem.PageAlignDown(virt), false)
	if err != nil {
		return 0, false
	}
	pte := as.sys.readEntry(pteAddr)
	if !pte.hasFlags(FlagPresent) {
		return 0, false
	}
	return pte.frame().Address() + (virt & (mem.PageSize - 1)), true
}

// DirFrame returns the physical frame of this address space's top-level
// directory, the identifier spec.md §3 uses for address-space identity.
func (as *AddressSpace) DirFrame() pmm.Frame { return as.dirFrame }
