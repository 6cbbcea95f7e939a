// Package block defines the narrow block-device interface the kernel swaps
// pages through (spec.md §4.9), plus two backings: an in-RAM device for
// tests and demo boots, and a host-file device for a persistent swap file.
package block

import "github.com/ShaonMajumder/PenOS/kernel"

// SectorSize is the fixed sector size every Device speaks in, matching the
// original tree's 512-byte blocks.
const SectorSize = 512

var (
	// ErrOutOfRange is returned for a sector index beyond the device's
	// capacity.
	ErrOutOfRange = &kernel.Error{Module: "block", Message: "sector index out of range"}
	// ErrBufferSize is returned when a Read/Write buffer is not exactly
	// SectorSize bytes.
	ErrBufferSize = &kernel.Error{Module: "block", Message: "buffer must be exactly one sector"}
)

// Device is the minimal contract the swap subsystem and any future
// filesystem layer need from a storage backend: fixed-size sector
// read/write plus a capacity query.
type Device interface {
	ReadSector(index uint64, buf []byte) *kernel.Error
	WriteSector(index uint64, buf []byte) *kernel.Error
	SectorCount() uint64
}
