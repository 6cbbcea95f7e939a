package block

import "github.com/ShaonMajumder/PenOS/kernel"

// MemDevice is a Device backed entirely by process memory, used for unit
// tests and for demo boots that don't need swap contents to survive a
// restart.
type MemDevice struct {
	sectors [][SectorSize]byte
}

// NewMemDevice allocates a zeroed device with the given sector count.
func NewMemDevice(sectorCount uint64) *MemDevice {
	return &MemDevice{sectors: make([][SectorSize]byte, sectorCount)}
}

func (d *MemDevice) SectorCount() uint64 { return uint64(len(d.sectors)) }

func (d *MemDevice) ReadSector(index uint64, buf []byte) *kernel.Error {
	if index >= uint64(len(d.sectors)) {
		return ErrOutOfRange
	}
	if len(buf) != SectorSize {
		return ErrBufferSize
	}
	copy(buf, d.sectors[index][:])
	return nil
}

func (d *MemDevice) WriteSector(index uint64, buf []byte) *kernel.Error {
	if index >= uint64(len(d.sectors)) {
		return ErrOutOfRange
	}
	if len(buf) != SectorSize {
		return ErrBufferSize
	}
	copy(d.sectors[index][:], buf)
	return nil
}
