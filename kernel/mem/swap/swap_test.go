package swap

import (
	"testing"

	"github.com/ShaonMajumder/PenOS/kernel/block"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
)

func page(fill byte) []byte {
	buf := make([]byte, mem.PageSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestOutInRoundTrip(t *testing.T) {
	dev := block.NewMemDevice(32 * (uint64(mem.PageSize) / block.SectorSize))
	s, err := NewStore(dev)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	slot, err := s.Out(page(0x42))
	if err != nil {
		t.Fatalf("out: %v", err)
	}

	buf := make([]byte, mem.PageSize)
	if err := s.In(slot, buf); err != nil {
		t.Fatalf("in: %v", err)
	}
	for _, b := range buf {
		if b != 0x42 {
			t.Fatal("round trip corrupted page contents")
		}
	}
}

func TestFreeReleasesSlot(t *testing.T) {
	dev := block.NewMemDevice(1 * (uint64(mem.PageSize) / block.SectorSize))
	s, err := NewStore(dev)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	before := s.Available()
	slot, err := s.Out(page(1))
	if err != nil {
		t.Fatalf("out: %v", err)
	}
	if s.Available() != before-1 {
		t.Fatal("expected available to drop by one")
	}
	s.Free(slot)
	if s.Available() != before {
		t.Fatal("expected available to be restored after free")
	}
}

func TestExhaustion(t *testing.T) {
	dev := block.NewMemDevice(1 * (uint64(mem.PageSize) / block.SectorSize))
	s, err := NewStore(dev)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.Out(page(1)); err != nil {
		t.Fatalf("first out: %v", err)
	}
	if _, err := s.Out(page(2)); err == nil {
		t.Fatal("expected exhaustion on second out")
	}
}
