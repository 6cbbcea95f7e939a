package sched

import (
	"testing"

	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/irq"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/pmm"
	"github.com/ShaonMajumder/PenOS/kernel/mem/vmm"
)

type fakeSwap struct{}

func (fakeSwap) Out([]byte) (uint32, *kernel.Error) {
	return 0, &kernel.Error{Module: "swap", Message: "full"}
}
func (fakeSwap) In(uint32, []byte) *kernel.Error {
	return &kernel.Error{Module: "swap", Message: "full"}
}
func (fakeSwap) Free(uint32) {}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	ram := mem.NewRAM(16 * mem.Mb)
	var frames pmm.Allocator
	if err := frames.Init(16*mem.Mb, []pmm.Region{{Start: 0, End: uintptr(16 * mem.Mb), Available: true}}, 0, 0); err != nil {
		t.Fatalf("pmm init: %v", err)
	}
	sys, err := vmm.NewSystem(ram, &frames, fakeSwap{})
	if err != nil {
		t.Fatalf("vmm init: %v", err)
	}
	return New(&frames, sys, ram)
}

func TestBootTaskIsIDZeroAndRunning(t *testing.T) {
	s := newTestScheduler(t)
	id, err := s.SpawnNamed("main")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected boot task id 0, got %d", id)
	}
	if s.CurrentPID() != 0 {
		t.Fatal("expected boot task to be current")
	}
}

func TestFastPathSingleTaskReturnsSameFrame(t *testing.T) {
	s := newTestScheduler(t)
	s.SpawnNamed("main")

	f := &irq.Frame{EIP: 0x1234}
	got := s.Tick(f)
	if got != f {
		t.Fatal("expected fast path to return the same frame with only one active task")
	}
}

func TestTickRoundRobinsBetweenKernelTasks(t *testing.T) {
	s := newTestScheduler(t)
	s.SpawnNamed("main")
	b, err := s.SpawnKernel(func() {}, "worker")
	if err != nil {
		t.Fatalf("spawn kernel: %v", err)
	}

	f := &irq.Frame{EIP: 1}
	got := s.Tick(f)
	if s.CurrentPID() != b {
		t.Fatalf("expected task %d to run next, current is %d", b, s.CurrentPID())
	}
	if got == nil {
		t.Fatal("expected a non-nil resume frame")
	}

	s.Tick(&irq.Frame{EIP: 2})
	if s.CurrentPID() != 0 {
		t.Fatal("expected round-robin to cycle back to the boot task")
	}
}

func TestKillBootTaskFails(t *testing.T) {
	s := newTestScheduler(t)
	s.SpawnNamed("main")
	if err := s.Kill(0); err != errKillBoot {
		t.Fatalf("expected errKillBoot, got %v", err)
	}
}

func TestKillSelfBecomesZombieThenReaped(t *testing.T) {
	s := newTestScheduler(t)
	s.SpawnNamed("main")
	worker, _ := s.SpawnKernel(func() {}, "worker")

	s.Tick(&irq.Frame{}) // switches current to worker
	if s.CurrentPID() != worker {
		t.Fatalf("expected worker running, got pid %d", s.CurrentPID())
	}

	if err := s.Kill(worker); err != nil {
		t.Fatalf("kill self: %v", err)
	}

	before := s.TaskCount()
	s.Tick(&irq.Frame{})
	if s.TaskCount() != before-1 {
		t.Fatal("expected zombie to be reaped on next tick")
	}
}

func TestKillOtherTaskDestroysImmediately(t *testing.T) {
	s := newTestScheduler(t)
	s.SpawnNamed("main")
	worker, _ := s.SpawnKernel(func() {}, "worker")

	before := s.TaskCount()
	if err := s.Kill(worker); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if s.TaskCount() != before-1 {
		t.Fatal("expected immediate destruction")
	}
}

func TestUserTaskGetsOwnAddressSpace(t *testing.T) {
	s := newTestScheduler(t)
	s.SpawnNamed("main")
	id, err := s.SpawnUser(func() {}, "user1")
	if err != nil {
		t.Fatalf("spawn user: %v", err)
	}
	idx := s.indexOf(id)
	if s.tasks[idx].as == nil {
		t.Fatal("expected user task to have its own address space")
	}
	if s.tasks[idx].frame.CS != UserCS {
		t.Fatalf("expected user CS selector, got %#x", s.tasks[idx].frame.CS)
	}
}
