// Package elf implements the ELF32 loader (spec.md §4.8): header/program
// header validation for a 32-bit little-endian x86 ET_EXEC binary, and
// mapping its PT_LOAD segments into a fresh address space.
package elf

import (
	"encoding/binary"

	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/pmm"
	"github.com/ShaonMajumder/PenOS/kernel/mem/vmm"
)

var (
	magic = [4]byte{0x7F, 'E', 'L', 'F'}

	errTooShort   = &kernel.Error{Module: "elf", Message: "file too short to contain an ELF header"}
	errMagic      = &kernel.Error{Module: "elf", Message: "bad ELF magic"}
	errClass      = &kernel.Error{Module: "elf", Message: "not a 32-bit ELF"}
	errEndian     = &kernel.Error{Module: "elf", Message: "not little-endian"}
	errMachine    = &kernel.Error{Module: "elf", Message: "not an x86 binary"}
	errType       = &kernel.Error{Module: "elf", Message: "not an ET_EXEC binary"}
	errProgHeader = &kernel.Error{Module: "elf", Message: "program header table out of bounds"}
)

const (
	classELF32    = 1
	dataLSB       = 1
	machineX86    = 3
	typeExec      = 2
	ehdrSize      = 52
	phdrSize      = 32
	ptLoad        = 1
	pfExecutable  = 1 << 0
	pfWritable    = 1 << 1
	userStackSize = 4 * mem.PageSize
)

type ident struct {
	class, data uint8
}

type header struct {
	typ, machine    uint16
	entry           uint32
	phoff           uint32
	phentsize, phnum uint16
}

type progHeader struct {
	typ, offset, vaddr, filesz, memsz, flags uint32
}

// Image is a validated, in-memory ELF file ready to be mapped into an
// address space.
type Image struct {
	data   []byte
	hdr    header
	phdrs  []progHeader
	frames *pmm.Allocator
	ram    *mem.RAM
}

// Validate checks the ELF magic/class/endianness/machine/type fields
// without touching program headers (spec.md's `validate`).
func Validate(data []byte) *kernel.Error {
	if len(data) < ehdrSize {
		return errTooShort
	}
	var m [4]byte
	copy(m[:], data[0:4])
	if m != magic {
		return errMagic
	}
	if data[4] != classELF32 {
		return errClass
	}
	if data[5] != dataLSB {
		return errEndian
	}
	typ := binary.LittleEndian.Uint16(data[16:18])
	machine := binary.LittleEndian.Uint16(data[18:20])
	if machine != machineX86 {
		return errMachine
	}
	if typ != typeExec {
		return errType
	}
	return nil
}

// Load parses and validates data, returning an Image ready for LoadInto.
func Load(data []byte, frames *pmm.Allocator, ram *mem.RAM) (*Image, *kernel.Error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	hdr := header{
		typ:       binary.LittleEndian.Uint16(data[16:18]),
		machine:   binary.LittleEndian.Uint16(data[18:20]),
		entry:     binary.LittleEndian.Uint32(data[24:28]),
		phoff:     binary.LittleEndian.Uint32(data[28:32]),
		phentsize: binary.LittleEndian.Uint16(data[42:44]),
		phnum:     binary.LittleEndian.Uint16(data[44:46]),
	}

	end := uint64(hdr.phoff) + uint64(hdr.phnum)*uint64(hdr.phentsize)
	if hdr.phentsize < phdrSize || end > uint64(len(data)) {
		return nil, errProgHeader
	}

	phdrs := make([]progHeader, 0, hdr.phnum)
	for i := uint16(0); i < hdr.phnum; i++ {
		off := hdr.phoff + uint32(i)*uint32(hdr.phentsize)
		p := data[off : off+phdrSize]
		phdrs = append(phdrs, progHeader{
			typ:    binary.LittleEndian.Uint32(p[0:4]),
			offset: binary.LittleEndian.Uint32(p[4:8]),
			vaddr:  binary.LittleEndian.Uint32(p[8:12]),
			filesz: binary.LittleEndian.Uint32(p[16:20]),
			memsz:  binary.LittleEndian.Uint32(p[20:24]),
			flags:  binary.LittleEndian.Uint32(p[24:28]),
		})
	}

	return &Image{data: data, hdr: hdr, phdrs: phdrs, frames: frames, ram: ram}, nil
}

// LoadInto maps every PT_LOAD segment into as, copies file contents, zeroes
// the memsz tail, and sets up a fresh user stack, satisfying the
// sched.ELFLoader seam.
func (img *Image) LoadInto(as *vmm.AddressSpace) (entry uintptr, userStackTop uintptr, err *kernel.Error) {
	for _, ph := range img.phdrs {
		if ph.typ != ptLoad {
			continue
		}
		if err := img.mapSegment(as, ph); err != nil {
			return 0, 0, err
		}
	}

	top := uintptr(mem.ELFUserStackCeiling)
	base := top - userStackSize
	for addr := base; addr < top; addr += mem.PageSize {
		f, aerr := img.frames.AllocFrame()
		if aerr != nil {
			return 0, 0, aerr
		}
		img.ram.Memset(f.Address(), 0, mem.PageSize)
		if merr := as.Map(addr, f, vmm.FlagWritable|vmm.FlagUser); merr != nil {
			return 0, 0, merr
		}
	}

	return uintptr(img.hdr.entry), top, nil
}

func (img *Image) mapSegment(as *vmm.AddressSpace, ph progHeader) *kernel.Error {
	start := mem.PageAlignDown(uintptr(ph.vaddr))
	end := mem.PageAlignUp(uintptr(ph.vaddr) + uintptr(ph.memsz))

	flags := vmm.FlagUser
	if ph.flags&pfWritable != 0 {
		flags |= vmm.FlagWritable
	}

	for addr := start; addr < end; addr += mem.PageSize {
		f, err := img.frames.AllocFrame()
		if err != nil {
			return err
		}
		img.ram.Memset(f.Address(), 0, mem.PageSize)
		if err := as.Map(addr, f, flags); err != nil {
			return err
		}
	}

	fileEnd := ph.offset + ph.filesz
	if uint64(fileEnd) > uint64(len(img.data)) {
		return errProgHeader
	}
	segData := img.data[ph.offset:fileEnd]
	for i, b := range segData {
		virt := uintptr(ph.vaddr) + uintptr(i)
		if phys, ok := as.Translate(virt); ok {
			img.ram.Slice(phys, 1)[0] = b
		}
	}

	return nil
}
