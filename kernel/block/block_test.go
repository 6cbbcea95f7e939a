package block

import (
	"path/filepath"
	"testing"
)

func testSector(fill byte) []byte {
	buf := make([]byte, SectorSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func testDeviceRoundTrip(t *testing.T, d Device) {
	t.Helper()

	if err := d.WriteSector(0, testSector(0xAB)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, SectorSize)
	if err := d.ReadSector(0, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 0xAB || buf[SectorSize-1] != 0xAB {
		t.Fatalf("round trip mismatch: %v", buf[:4])
	}

	if err := d.ReadSector(d.SectorCount(), buf); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := d.WriteSector(0, buf[:1]); err != ErrBufferSize {
		t.Fatalf("expected ErrBufferSize, got %v", err)
	}
}

func TestMemDeviceRoundTrip(t *testing.T) {
	testDeviceRoundTrip(t, NewMemDevice(4))
}

func TestFileDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.img")
	d, err := OpenFileDevice(path, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	testDeviceRoundTrip(t, d)
}
