package kmain

import (
	"testing"

	"github.com/ShaonMajumder/PenOS/kernel/block"
	"github.com/ShaonMajumder/PenOS/kernel/cpu"
	"github.com/ShaonMajumder/PenOS/kernel/irq"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/vmm"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	dev := block.NewMemDevice(4096)
	m, err := Boot(16*mem.Mb, dev, mem.KernelImageStart+1*uintptr(mem.Mb))
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	return m
}

func TestBootPrimesBootTask(t *testing.T) {
	m := newTestMachine(t)
	if m.Sched.TaskCount() != 1 {
		t.Fatalf("expected exactly the boot task, got %d", m.Sched.TaskCount())
	}
	if m.Sched.CurrentPID() != 0 {
		t.Fatal("expected boot task to be pid 0")
	}
}

func TestWriteSyscallReachesConsole(t *testing.T) {
	m := newTestMachine(t)

	as, err := m.VMM.CreateDirectory()
	if err != nil {
		t.Fatalf("create directory: %v", err)
	}
	m.VMM.Switch(as)

	msg := "hello\n"
	ptr := uintptr(mem.UserStart)

	frame, aerr := m.Frames.AllocFrame()
	if aerr != nil {
		t.Fatalf("alloc: %v", aerr)
	}
	if merr := as.Map(mem.PageAlignDown(ptr), frame, vmm.FlagWritable|vmm.FlagUser); merr != nil {
		t.Fatalf("map: %v", merr)
	}

	phys, ok := as.Translate(ptr)
	if !ok {
		t.Fatal("expected string buffer page to be mapped")
	}
	copy(m.RAM.Slice(phys, uintptr(len(msg)+1)), append([]byte(msg), 0))

	f := &irq.Frame{Vector: 0x80, EAX: 1, EBX: uint32(ptr)}
	irq.Dispatch(f)

	if got := m.Console.String(); got == "" || !contains(got, msg) {
		t.Fatalf("expected console to contain %q, got %q", msg, got)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestPageFaultVectorRecoversViaDemandZero(t *testing.T) {
	m := newTestMachine(t)

	as, err := m.VMM.CreateDirectory()
	if err != nil {
		t.Fatalf("create directory: %v", err)
	}
	m.VMM.Switch(as)

	virt := uintptr(mem.UserStart) + 0x2000
	if _, ok := as.Translate(virt); ok {
		t.Fatal("expected virt to start out unmapped")
	}

	// Simulate the hardware trap entry: a real CPU populates CR2 before
	// calling the #PF handler. ErrCode's user bit (1<<2) is set and the
	// write bit (1<<1) is clear, describing a not-present read from user
	// mode, the access demand-zero mappings arise from.
	cpu.SetCR2(virt)
	irq.Dispatch(&irq.Frame{Vector: irq.PageFaultVector, ErrCode: 1 << 2})

	phys, ok := as.Translate(virt)
	if !ok {
		t.Fatal("expected the page-fault vector to demand-zero-map virt")
	}
	if got := m.RAM.Uint32(phys); got != 0 {
		t.Fatalf("expected demand-zero page to read as zero, got %#x", got)
	}
}

func TestGetpidSyscall(t *testing.T) {
	newTestMachine(t)
	f := &irq.Frame{Vector: 0x80, EAX: 4}
	irq.Dispatch(f)
	if f.EAX != 0 {
		t.Fatalf("expected pid 0, got %d", f.EAX)
	}
}

func TestStatsReflectsBootState(t *testing.T) {
	m := newTestMachine(t)
	stats := m.Stats()
	if stats.TaskCount != 1 {
		t.Fatalf("expected 1 task after boot, got %d", stats.TaskCount)
	}
	if stats.TotalMemory == 0 {
		t.Fatal("expected non-zero total memory")
	}
	if stats.FreeMemory == 0 || stats.FreeMemory > stats.TotalMemory {
		t.Fatalf("free memory %d out of range for total %d", stats.FreeMemory, stats.TotalMemory)
	}
	if stats.SwapSlotsFree == 0 {
		t.Fatal("expected free swap slots on a freshly booted machine")
	}
}

func TestUnknownSyscallReturnsMinusOne(t *testing.T) {
	newTestMachine(t)
	f := &irq.Frame{Vector: 0x80, EAX: 99}
	irq.Dispatch(f)
	if int32(f.EAX) != -1 {
		t.Fatalf("expected -1, got %d", int32(f.EAX))
	}
}
