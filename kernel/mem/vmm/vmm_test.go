package vmm

import (
	"testing"

	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/pmm"
)

// fakeSwap is a minimal in-memory swapBackend stand-in so vmm tests don't
// depend on kernel/mem/swap (which itself depends on kernel/block).
type fakeSwap struct {
	slots [][]byte
	cap   int
}

func newFakeSwap(capSlots int) *fakeSwap { return &fakeSwap{cap: capSlots} }

func (f *fakeSwap) Out(page []byte) (uint32, *kernel.Error) {
	if len(f.slots) >= f.cap {
		return 0, &kernel.Error{Module: "swap", Message: "no free slots"}
	}
	cp := make([]byte, len(page))
	copy(cp, page)
	f.slots = append(f.slots, cp)
	return uint32(len(f.slots) - 1), nil
}

func (f *fakeSwap) In(slot uint32, page []byte) *kernel.Error {
	if int(slot) >= len(f.slots) || f.slots[slot] == nil {
		return &kernel.Error{Module: "swap", Message: "invalid slot"}
	}
	copy(page, f.slots[slot])
	f.slots[slot] = nil
	return nil
}

func (f *fakeSwap) Free(slot uint32) {
	if int(slot) < len(f.slots) {
		f.slots[slot] = nil
	}
}

func newTestSystem(t *testing.T, ramSize mem.Size) (*System, *pmm.Allocator) {
	t.Helper()
	ram := mem.NewRAM(ramSize)
	var frames pmm.Allocator
	regions := []pmm.Region{{Start: 0, End: uintptr(ramSize), Available: true}}
	if err := frames.Init(ramSize, regions, 0, 0); err != nil {
		t.Fatalf("pmm init: %v", err)
	}
	sys, err := NewSystem(ram, &frames, newFakeSwap(64))
	if err != nil {
		t.Fatalf("vmm init: %v", err)
	}
	return sys, &frames
}

func TestMapUnmapTranslate(t *testing.T) {
	sys, frames := newTestSystem(t, 4*mem.Mb)
	as, err := sys.CreateDirectory()
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f, err := frames.AllocFrame()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	virt := uintptr(0x0040_1000)
	if err := as.Map(virt, f, FlagWritable|FlagUser); err != nil {
		t.Fatalf("map: %v", err)
	}

	phys, ok := as.Translate(virt + 0x10)
	if !ok {
		t.Fatal("expected mapping to resolve")
	}
	if phys != f.Address()+0x10 {
		t.Fatalf("translate offset wrong: got %#x want %#x", phys, f.Address()+0x10)
	}

	if err := as.Unmap(virt); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if _, ok := as.Translate(virt); ok {
		t.Fatal("expected translate to fail after unmap")
	}
}

func TestKernelHalfSharedAcrossAddressSpaces(t *testing.T) {
	sys, frames := newTestSystem(t, 4*mem.Mb)

	a, _ := sys.CreateDirectory()
	b, _ := sys.CreateDirectory()

	f, _ := frames.AllocFrame()
	kernelVirt := uintptr(mem.KernelBase + 0x1000)
	if err := a.Map(kernelVirt, f, FlagWritable); err != nil {
		t.Fatalf("map via a: %v", err)
	}

	phys, ok := b.Translate(kernelVirt)
	if !ok {
		t.Fatal("expected kernel mapping visible from b")
	}
	if phys != f.Address() {
		t.Fatalf("got %#x want %#x", phys, f.Address())
	}
}

func TestCloneIsIndependentDeepCopy(t *testing.T) {
	sys, frames := newTestSystem(t, 4*mem.Mb)

	src, _ := sys.CreateDirectory()
	f, _ := frames.AllocFrame()
	virt := uintptr(0x0040_2000)
	if err := src.Map(virt, f, FlagWritable|FlagUser); err != nil {
		t.Fatalf("map: %v", err)
	}
	sys.ram.SetUint32(f.Address(), 0xDEADBEEF)

	dst, err := sys.CloneDirectory(src)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	dstPhys, ok := dst.Translate(virt)
	if !ok {
		t.Fatal("expected cloned mapping present")
	}
	if dstPhys == f.Address() {
		t.Fatal("clone shares the source frame instead of copying it")
	}
	if got := sys.ram.Uint32(dstPhys); got != 0xDEADBEEF {
		t.Fatalf("clone did not copy contents: got %#x", got)
	}

	sys.ram.SetUint32(f.Address(), 0x11111111)
	if got := sys.ram.Uint32(dstPhys); got != 0xDEADBEEF {
		t.Fatal("clone is not independent: source write leaked into clone")
	}
}

func TestDestroyActiveAddressSpaceIsRefused(t *testing.T) {
	sys, _ := newTestSystem(t, 2*mem.Mb)
	as, _ := sys.CreateDirectory()
	sys.Switch(as)

	if err := sys.DestroyDirectory(as); err != ErrDestroyActive {
		t.Fatalf("expected ErrDestroyActive, got %v", err)
	}
}

func TestHandleFaultDemandZero(t *testing.T) {
	sys, _ := newTestSystem(t, 4*mem.Mb)
	as, _ := sys.CreateDirectory()

	virt := uintptr(0x0040_3000)
	reason, err := as.HandleFault(virt, true, true)
	if err != nil {
		t.Fatalf("fault: %v", err)
	}
	if reason != FaultDemandZero {
		t.Fatalf("expected FaultDemandZero, got %v", reason)
	}

	phys, ok := as.Translate(virt)
	if !ok {
		t.Fatal("expected mapping to now exist")
	}
	if got := sys.ram.Uint32(phys); got != 0 {
		t.Fatalf("expected demand-zero page to be zeroed, got %#x", got)
	}
}

func TestHandleFaultOutsideUserRangeIsFatal(t *testing.T) {
	sys, _ := newTestSystem(t, 2*mem.Mb)
	as, _ := sys.CreateDirectory()

	if _, err := as.HandleFault(0, true, true); err == nil {
		t.Fatal("expected a fatal protection error for address 0")
	}
}

func TestSwapOutExplicitRequestThenFaultBringsBack(t *testing.T) {
	sys, frames := newTestSystem(t, 2*mem.Mb)
	as, _ := sys.CreateDirectory()

	virt := uintptr(0x0040_5000)
	f, _ := frames.AllocFrame()
	if err := as.Map(virt, f, FlagWritable|FlagUser); err != nil {
		t.Fatalf("map: %v", err)
	}
	sys.ram.SetUint32(f.Address(), 0x600DF00D)

	if err := as.SwapOut(virt); err != nil {
		t.Fatalf("swap out: %v", err)
	}

	if _, ok := as.Translate(virt); ok {
		t.Fatal("expected mapping to be cleared by explicit swap-out")
	}

	reason, err := as.HandleFault(virt, false, true)
	if err != nil {
		t.Fatalf("fault after swap-out: %v", err)
	}
	if reason != FaultSwapIn {
		t.Fatalf("expected FaultSwapIn, got %v", reason)
	}

	phys, ok := as.Translate(virt)
	if !ok {
		t.Fatal("expected mapping restored after swap-in")
	}
	if got := sys.ram.Uint32(phys); got != 0x600DF00D {
		t.Fatalf("swap-in lost contents: got %#x", got)
	}
}

func TestSwapOutRefusesKernelHalf(t *testing.T) {
	sys, _ := newTestSystem(t, 2*mem.Mb)
	as, _ := sys.CreateDirectory()

	if err := as.SwapOut(mem.KernelBase + 0x1000); err != ErrSwapOutKernelAddress {
		t.Fatalf("expected ErrSwapOutKernelAddress, got %v", err)
	}
}

func TestSwapOutRefusesUnmappedAddress(t *testing.T) {
	sys, _ := newTestSystem(t, 2*mem.Mb)
	as, _ := sys.CreateDirectory()

	if err := as.SwapOut(0x0040_6000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping, got %v", err)
	}
}

func TestEvictionSwapsOutAndFaultBringsBack(t *testing.T) {
	sys, frames := newTestSystem(t, 2*mem.Mb)
	as, _ := sys.CreateDirectory()

	virt := uintptr(0x0040_4000)
	f, _ := frames.AllocFrame()
	if err := as.Map(virt, f, FlagWritable|FlagUser); err != nil {
		t.Fatalf("map: %v", err)
	}
	sys.ram.SetUint32(f.Address(), 0xCAFEBABE)

	if !sys.evictOne(as) {
		t.Fatal("expected eviction to succeed")
	}

	if _, ok := as.Translate(virt); ok {
		t.Fatal("expected mapping to be cleared by eviction")
	}

	reason, err := as.HandleFault(virt, false, true)
	if err != nil {
		t.Fatalf("fault after eviction: %v", err)
	}
	if reason != FaultSwapIn {
		t.Fatalf("expected FaultSwapIn, got %v", reason)
	}

	phys, ok := as.Translate(virt)
	if !ok {
		t.Fatal("expected mapping restored after swap-in")
	}
	if got := sys.ram.Uint32(phys); got != 0xCAFEBABE {
		t.Fatalf("swap-in lost contents: got %#x", got)
	}
}
