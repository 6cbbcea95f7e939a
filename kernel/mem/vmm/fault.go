package vmm

import (
	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
)

// FaultReason classifies a page fault for logging and for the scheduler's
// decision on whether to kill the faulting task (spec.md §4.2).
type FaultReason int

const (
	// FaultSwapIn is a not-present, swapped-out page brought back from disk.
	FaultSwapIn FaultReason = iota
	// FaultDemandZero is a first-touch allocation of a not-yet-backed user
	// page.
	FaultDemandZero
	// FaultProtection is an access that violates the mapping's permissions
	// or touches an address with no mapping at all: fatal.
	FaultProtection
)

// HandleFault resolves a page fault at virt within as, following spec.md
// §4.2's priority order: a swapped entry is always swapped in first (even
// if the access would otherwise be a protection violation), then a
// not-present access from user mode against an otherwise-valid mapping is
// treated as demand-zero, and anything else is a fatal protection fault.
//
// writeAccess and userMode describe the faulting access, mirroring the
// error-code bits a real x86 #PF pushes on the stack.
func (as *AddressSpace) HandleFault(virt uintptr, writeAccess, userMode bool) (FaultReason, *kernel.Error) {
	s := as.sys
	virt = mem.PageAlignDown(virt)

	pteAddr, err := s.walk(as, virt, false)
	if err == nil {
		pte := s.readEntry(pteAddr)

		if pte.hasFlags(FlagSwapped) {
			frame, err := s.allocFrame(as)
			if err != nil {
				return FaultProtection, err
			}
			page := s.ram.Slice(frame.Address(), mem.PageSize)
			if err := s.swap.In(pte.swapSlot(), page); err != nil {
				s.frame.FreeFrame(frame)
				return FaultProtection, err
			}
			s.swap.Free(pte.swapSlot())
			newPTE := newEntry(frame, FlagPresent|FlagWritable|flagIf(userMode, FlagUser)|FlagAccessed)
			s.writeEntry(pteAddr, newPTE)
			return FaultSwapIn, nil
		}

		if pte.hasFlags(FlagPresent) {
			// Present but faulted: a write to a read-only page or similar
			// permission mismatch. Not recoverable here.
			return FaultProtection, &kernel.Error{Module: "vmm", Message: "protection violation on present page"}
		}
	}

	if userMode && virt >= mem.UserStart && virt < mem.UserEnd {
		frame, ferr := s.allocFrame(as)
		if ferr != nil {
			return FaultProtection, ferr
		}
		s.ram.Memset(frame.Address(), 0, mem.PageSize)

		flags := FlagPresent | FlagAccessed | FlagUser
		if writeAccess {
			flags |= FlagWritable
		} else {
			flags |= FlagWritable // demand-zero pages are writable; COW is out of scope
		}
		if err := as.Map(virt, frame, flags); err != nil {
			s.frame.FreeFrame(frame)
			return FaultProtection, err
		}
		return FaultDemandZero, nil
	}

	return FaultProtection, &kernel.Error{Module: "vmm", Message: "fault at address with no valid mapping"}
}

func flagIf(cond bool, f PTEFlags) PTEFlags {
	if cond {
		return f
	}
	return 0
}
