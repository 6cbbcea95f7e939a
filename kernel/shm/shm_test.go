package shm

import (
	"testing"

	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/pmm"
	"github.com/ShaonMajumder/PenOS/kernel/mem/vmm"
)

type fakeSwap struct{}

func (fakeSwap) Out([]byte) (uint32, *kernel.Error) { return 0, nil }
func (fakeSwap) In(uint32, []byte) *kernel.Error    { return nil }
func (fakeSwap) Free(uint32)                        {}

func newTestTable(t *testing.T) (*Table, *vmm.AddressSpace) {
	t.Helper()
	ram := mem.NewRAM(8 * mem.Mb)
	var frames pmm.Allocator
	if err := frames.Init(8*mem.Mb, []pmm.Region{{Start: 0, End: uintptr(8 * mem.Mb), Available: true}}, 0, 0); err != nil {
		t.Fatalf("pmm init: %v", err)
	}
	sys, err := vmm.NewSystem(ram, &frames, fakeSwap{})
	if err != nil {
		t.Fatalf("vmm init: %v", err)
	}
	as, err := sys.CreateDirectory()
	if err != nil {
		t.Fatalf("create directory: %v", err)
	}
	return New(&frames, ram), as
}

func TestGetIsIdempotentByKey(t *testing.T) {
	tbl, _ := newTestTable(t)
	id1, err := tbl.Get(42, 4*mem.Kb, FlagCreate)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	id2, err := tbl.Get(42, 4*mem.Kb, FlagCreate)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent id, got %d and %d", id1, id2)
	}
}

func TestGetWithoutCreateFailsForUnknownKey(t *testing.T) {
	tbl, _ := newTestTable(t)
	if _, err := tbl.Get(7, 4*mem.Kb, 0); err != errNotFound {
		t.Fatalf("expected errNotFound, got %v", err)
	}
}

func TestAttachDetachRefcounting(t *testing.T) {
	tbl, as := newTestTable(t)
	id, err := tbl.Get(1, 2*mem.Mb, FlagCreate)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	vaddr, err := tbl.Attach(id, as, 0x0050_0000)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, ok := as.Translate(vaddr); !ok {
		t.Fatal("expected attach to map the first page")
	}

	if err := tbl.Detach(vaddr); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, ok := as.Translate(vaddr); ok {
		t.Fatal("expected detach to unmap the region")
	}
	if tbl.regions[id].inUse {
		t.Fatal("expected region to be released once refcount hit zero")
	}
}
