// Package kmain assembles every subsystem into one bootable Machine and
// drives the boot sequence spec.md §2 describes: "Boot firmware hands the
// kernel a memory map -> PMM initialises from it -> paging builds the
// kernel directory and identity-maps low memory -> heap opens -> interrupt
// table installed -> timer registered -> scheduler primed with the boot
// task (main) -> user interrupts enabled."
package kmain

import (
	"strconv"

	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/block"
	"github.com/ShaonMajumder/PenOS/kernel/cpu"
	"github.com/ShaonMajumder/PenOS/kernel/elf"
	"github.com/ShaonMajumder/PenOS/kernel/hal"
	"github.com/ShaonMajumder/PenOS/kernel/irq"
	"github.com/ShaonMajumder/PenOS/kernel/kfmt"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/heap"
	"github.com/ShaonMajumder/PenOS/kernel/mem/pmm"
	"github.com/ShaonMajumder/PenOS/kernel/mem/swap"
	"github.com/ShaonMajumder/PenOS/kernel/mem/vmm"
	"github.com/ShaonMajumder/PenOS/kernel/sched"
	"github.com/ShaonMajumder/PenOS/kernel/shm"
	"github.com/ShaonMajumder/PenOS/kernel/syscall"
)

// Machine bundles every subsystem instance the boot sequence wires
// together. It implements kernel/syscall.Runtime so the syscall dispatcher
// can reach the scheduler, heap, and console through one narrow seam.
type Machine struct {
	RAM     *mem.RAM
	Frames  *pmm.Allocator
	VMM     *vmm.System
	Swap    *swap.Store
	Heap    *heap.Heap
	Sched   *sched.Scheduler
	Shm     *shm.Table
	Console *hal.Console

	kernelAS *vmm.AddressSpace
	binaries map[string][]byte
}

// Boot brings up a Machine over ramSize bytes of simulated physical memory
// and a swap device, following spec.md §2's flow. kernelEnd is the
// (simulated) end of the kernel image, below which the PMM never hands out
// frames.
func Boot(ramSize mem.Size, swapDev block.Device, kernelEnd uintptr) (*Machine, *kernel.Error) {
	m := &Machine{
		RAM:     mem.NewRAM(ramSize),
		Console: hal.NewConsole(),
	}
	kfmt.SetOutputSink(m.Console)

	m.Frames = &pmm.Allocator{}
	regions := []pmm.Region{{Start: 0, End: uintptr(ramSize), Available: true}}
	if err := m.Frames.Init(ramSize, regions, mem.KernelImageStart, kernelEnd); err != nil {
		return nil, err
	}
	kfmt.Printf("pmm: %d bytes free of %d\n", uint64(m.Frames.FreeMemory()), uint64(ramSize))

	swapStore, err := swap.NewStore(swapDev)
	if err != nil {
		return nil, err
	}
	m.Swap = swapStore

	vmmSys, err := vmm.NewSystem(m.RAM, m.Frames, m.Swap)
	if err != nil {
		return nil, err
	}
	m.VMM = vmmSys

	kernelAS, err := vmmSys.CreateDirectory()
	if err != nil {
		return nil, err
	}
	m.kernelAS = kernelAS
	vmmSys.Switch(kernelAS)

	m.Heap = heap.New(m.RAM, m.Frames, kernelAS)
	kfmt.Printf("heap: opened at %x\n", uint64(mem.HeapStart))

	m.Shm = shm.New(m.Frames, m.RAM)

	m.Sched = sched.New(m.Frames, vmmSys, m.RAM)
	if _, err := m.Sched.SpawnNamed("main"); err != nil {
		return nil, err
	}

	syscall.Install(m)

	irq.RegisterHandler(irq.PageFaultVector, func(f *irq.Frame) *irq.Frame {
		m.handlePageFault(f)
		return f
	})

	irq.RegisterHandler(firstIRQVector, func(f *irq.Frame) *irq.Frame {
		return m.Sched.Tick(f)
	})

	cpu.EnableInterrupts()
	kfmt.Printf("boot complete: task_count=%d\n", m.Sched.TaskCount())

	return m, nil
}

const firstIRQVector = 32 // IRQ0, the PIT timer (matches kernel/irq's IRQ base)

// x86 #PF error code bits (Intel SDM Vol. 3A §4.7): bit 0 is the present
// bit, bit 1 distinguishes a write from a read, bit 2 distinguishes a
// user-mode access from a supervisor one.
const (
	pfErrWrite = 1 << 1
	pfErrUser  = 1 << 2
)

// handlePageFault resolves a vector-14 trap against the faulting task's
// address space, per spec.md §4.2's swap-in / demand-zero / fatal priority
// order. cpu.ReadCR2 reports the faulting address exactly as the #PF
// hardware mechanism would populate CR2 before calling the trap handler.
func (m *Machine) handlePageFault(f *irq.Frame) {
	as := m.CurrentAddressSpace()
	virt := cpu.ReadCR2()
	writeAccess := f.ErrCode&pfErrWrite != 0
	userMode := f.ErrCode&pfErrUser != 0

	if _, err := as.HandleFault(virt, writeAccess, userMode); err != nil {
		kernel.Panic(err)
	}
}

// ---- kernel/syscall.Runtime ----

func (m *Machine) Exit() { m.Sched.ExitCurrent() }

// Write tags s with its originating task's pid before sending it to the
// console, so output from interleaved tasks stays attributable.
func (m *Machine) Write(s string) uint32 {
	pw := &kfmt.PrefixWriter{
		Sink:   m.Console,
		Prefix: []byte("[pid " + strconv.Itoa(int(m.GetPID())) + "] "),
	}
	pw.Write([]byte(s))
	return 0
}

func (m *Machine) Ticks() uint32 { return uint32(irq.Ticks()) }

func (m *Machine) Yield(f *irq.Frame) *irq.Frame { return m.Sched.Tick(f) }

func (m *Machine) GetPID() uint32 { return m.Sched.CurrentPID() }

// Stats snapshots resource usage across every subsystem, the Go-native
// stand-in for the original's sysinfo app (see SPEC_FULL.md §6).
func (m *Machine) Stats() kernel.Stats {
	return kernel.Stats{
		TotalMemory:   uint64(m.Frames.TotalMemory()),
		FreeMemory:    uint64(m.Frames.FreeMemory()),
		HeapInUse:     m.Heap.BytesInUse(),
		HeapFree:      m.Heap.BytesFree(),
		TaskCount:     m.Sched.TaskCount(),
		Ticks:         irq.Ticks(),
		SwapSlotsFree: m.Swap.Available(),
	}
}

func (m *Machine) CurrentAddressSpace() *vmm.AddressSpace {
	if active := m.VMM.Active(); active != nil {
		return active
	}
	return m.kernelAS
}

// ReadCString walks as one byte at a time from ptr until a NUL, returning
// the decoded string. Cross-page strings are supported since each byte is
// translated independently.
func (m *Machine) ReadCString(as *vmm.AddressSpace, ptr uint32) string {
	var out []byte
	addr := uintptr(ptr)
	for i := 0; i < 4096; i++ { // hard cap: a runaway pointer never hangs the kernel
		phys, ok := as.Translate(addr + uintptr(i))
		if !ok {
			break
		}
		b := m.RAM.Slice(phys, 1)[0]
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out)
}

// Exec loads the ELF image registered under path (see RegisterBinary; PenOS
// has no filesystem of its own) into as. Per spec.md §4.8, failure leaves
// no guarantee that partial mappings are undone — callers spawn a fresh
// address space per load rather than reuse one that failed.
func (m *Machine) Exec(as *vmm.AddressSpace, path string) (newEIP, newESP uint32, ok bool) {
	data, found := m.binaries[path]
	if !found {
		return 0, 0, false
	}
	img, err := elf.Load(data, m.Frames, m.RAM)
	if err != nil {
		return 0, 0, false
	}
	entry, stackTop, err := img.LoadInto(as)
	if err != nil {
		return 0, 0, false
	}
	return uint32(entry), uint32(stackTop), true
}

// RegisterBinary makes data available to the EXEC syscall under path. A
// hosted stand-in for a real filesystem lookup (spec.md's block device
// interface is for swap/9P/on-disk filesystems generally; PenOS itself
// implements none of those, matching the Non-goals).
func (m *Machine) RegisterBinary(path string, data []byte) {
	if m.binaries == nil {
		m.binaries = make(map[string][]byte)
	}
	m.binaries[path] = data
}
