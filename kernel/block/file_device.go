package block

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/ShaonMajumder/PenOS/kernel"
)

// FileDevice is a Device backed by a host file, giving swap (and, later, a
// filesystem) persistent storage across process restarts. Reads and writes
// go through pread/pwrite via golang.org/x/sys/unix so concurrent sector
// access never needs a shared file offset or a lock around Seek+Read.
type FileDevice struct {
	f       *os.File
	sectors uint64
}

// OpenFileDevice opens (creating if needed) path and truncates/extends it to
// exactly sectorCount sectors.
func OpenFileDevice(path string, sectorCount uint64) (*FileDevice, *kernel.Error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, &kernel.Error{Module: "block", Message: "open device file: " + err.Error()}
	}
	size := int64(sectorCount) * SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, &kernel.Error{Module: "block", Message: "truncate device file: " + err.Error()}
	}
	return &FileDevice{f: f, sectors: sectorCount}, nil
}

func (d *FileDevice) SectorCount() uint64 { return d.sectors }

func (d *FileDevice) ReadSector(index uint64, buf []byte) *kernel.Error {
	if index >= d.sectors {
		return ErrOutOfRange
	}
	if len(buf) != SectorSize {
		return ErrBufferSize
	}
	n, err := unix.Pread(int(d.f.Fd()), buf, int64(index)*SectorSize)
	if err != nil {
		return &kernel.Error{Module: "block", Message: "pread: " + err.Error()}
	}
	if n != SectorSize {
		return &kernel.Error{Module: "block", Message: "short read"}
	}
	return nil
}

func (d *FileDevice) WriteSector(index uint64, buf []byte) *kernel.Error {
	if index >= d.sectors {
		return ErrOutOfRange
	}
	if len(buf) != SectorSize {
		return ErrBufferSize
	}
	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(index)*SectorSize)
	if err != nil {
		return &kernel.Error{Module: "block", Message: "pwrite: " + err.Error()}
	}
	if n != SectorSize {
		return &kernel.Error{Module: "block", Message: "short write"}
	}
	return nil
}

// Close releases the underlying host file descriptor.
func (d *FileDevice) Close() error { return d.f.Close() }
