// Package shm implements shared-memory regions (spec.md §4.10): a fixed
// table of keyed regions backed by physical frames, attached into a
// process's address space by reference count.
package shm

import (
	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/pmm"
	"github.com/ShaonMajumder/PenOS/kernel/mem/vmm"
	psync "github.com/ShaonMajumder/PenOS/kernel/sync"
)

// MaxRegions bounds the fixed region table.
const MaxRegions = 32

// GetFlags mirrors the get() flags spec.md references (CREAT).
type GetFlags uint32

const FlagCreate GetFlags = 1 << 0

var (
	errTableFull  = &kernel.Error{Module: "shm", Message: "shared memory region table is full"}
	errNotFound   = &kernel.Error{Module: "shm", Message: "no region with that key and FlagCreate not set"}
	errNoRegion   = &kernel.Error{Module: "shm", Message: "unknown region id"}
	errNotAttached = &kernel.Error{Module: "shm", Message: "vaddr is not an attachment of any region"}
)

type region struct {
	inUse  bool
	key    uint32
	size   mem.Size
	frames []pmm.Frame
	refs   int
}

type attachment struct {
	regionID int
	as       *vmm.AddressSpace
	vaddr    uintptr
}

// Table owns the fixed region list and the live attachment set.
type Table struct {
	mu psync.Spinlock

	regions     [MaxRegions]region
	frames      *pmm.Allocator
	ram         *mem.RAM
	attachments map[uintptr]attachment // keyed by (as-qualified) vaddr
}

// New returns an empty shared-memory table.
func New(frames *pmm.Allocator, ram *mem.RAM) *Table {
	return &Table{frames: frames, ram: ram, attachments: make(map[uintptr]attachment)}
}

// Get returns the id of the region for key, allocating ⌈size/4KiB⌉ frames
// and creating it if FlagCreate is set and no such region yet exists; a
// lookup against an existing key is idempotent (spec.md's "get").
func (t *Table) Get(key uint32, size mem.Size, flags GetFlags) (int, *kernel.Error) {
	t.mu.Acquire()
	defer t.mu.Release()

	for i := range t.regions {
		if t.regions[i].inUse && t.regions[i].key == key {
			return i, nil
		}
	}
	if flags&FlagCreate == 0 {
		return 0, errNotFound
	}

	idx := -1
	for i := range t.regions {
		if !t.regions[i].inUse {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, errTableFull
	}

	pages := (uintptr(size) + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize)
	frames := make([]pmm.Frame, 0, pages)
	for i := uintptr(0); i < pages; i++ {
		f, err := t.frames.AllocFrame()
		if err != nil {
			for _, af := range frames {
				t.frames.FreeFrame(af)
			}
			return 0, err
		}
		t.ram.Memset(f.Address(), 0, mem.PageSize)
		frames = append(frames, f)
	}

	t.regions[idx] = region{inUse: true, key: key, size: size, frames: frames}
	return idx, nil
}

// Attach maps region id's frames contiguously into as starting at hint (or
// at the first free slot the caller picks), incrementing the region's
// refcount (spec.md's "attach").
func (t *Table) Attach(id int, as *vmm.AddressSpace, hint uintptr) (uintptr, *kernel.Error) {
	t.mu.Acquire()
	defer t.mu.Release()

	if id < 0 || id >= MaxRegions || !t.regions[id].inUse {
		return 0, errNoRegion
	}
	r := &t.regions[id]

	vaddr := mem.PageAlignUp(hint)
	for i, f := range r.frames {
		if err := as.Map(vaddr+uintptr(i)*mem.PageSize, f, vmm.FlagWritable|vmm.FlagUser); err != nil {
			return 0, err
		}
	}
	r.refs++
	t.attachments[vaddr] = attachment{regionID: id, as: as, vaddr: vaddr}
	return vaddr, nil
}

// Detach unmaps the attachment at vaddr, and returns the region's frames to
// the PMM once its refcount reaches zero (spec.md's "detach").
func (t *Table) Detach(vaddr uintptr) *kernel.Error {
	t.mu.Acquire()
	defer t.mu.Release()

	att, ok := t.attachments[vaddr]
	if !ok {
		return errNotAttached
	}
	r := &t.regions[att.regionID]

	for i := range r.frames {
		att.as.Unmap(vaddr + uintptr(i)*mem.PageSize)
	}
	delete(t.attachments, vaddr)
	r.refs--

	if r.refs <= 0 {
		for _, f := range r.frames {
			t.frames.FreeFrame(f)
		}
		*r = region{}
	}
	return nil
}
