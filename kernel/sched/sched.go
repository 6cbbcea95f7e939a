// Package sched implements the preemptive round-robin task scheduler
// (spec.md §4.6): a fixed task table, per-task kernel/user stacks, the
// tick algorithm driven by the timer IRQ, and kill/zombie reaping.
package sched

import (
	"github.com/ShaonMajumder/PenOS/kernel"
	"github.com/ShaonMajumder/PenOS/kernel/cpu"
	"github.com/ShaonMajumder/PenOS/kernel/irq"
	"github.com/ShaonMajumder/PenOS/kernel/mem"
	"github.com/ShaonMajumder/PenOS/kernel/mem/pmm"
	"github.com/ShaonMajumder/PenOS/kernel/mem/vmm"
)

// MaxTasks bounds the fixed task table (spec.md's "Fixed-size table of
// MAX_TASKS slots").
const MaxTasks = 64

// Segment selectors (spec.md §6 "Task selectors").
const (
	KernelCS = 0x08
	KernelDS = 0x10
	UserCS   = 0x18 | 3
	UserDS   = 0x20 | 3
	TSSSel   = 0x28
)

const (
	kernelStackPages = 2
	userStackPages   = 4
)

// State is a task's position in the UNUSED -> READY -> RUNNING -> ZOMBIE ->
// UNUSED lifecycle (spec.md's Task data model).
type State int

const (
	Unused State = iota
	Ready
	Running
	Sleeping
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Sleeping:
		return "SLEEPING"
	case Zombie:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// ELFLoader is the narrow seam kernel/elf satisfies, kept local to avoid an
// import cycle (elf needs vmm, not sched).
type ELFLoader interface {
	LoadInto(as *vmm.AddressSpace) (entry uintptr, userStackTop uintptr, err *kernel.Error)
}

// task is one slot of the fixed table.
type task struct {
	id    uint32
	name  string
	state State

	frame *irq.Frame

	kernelStackFrames []pmm.Frame
	kernelStackTop    uintptr

	as       *vmm.AddressSpace // nil for pure-kernel tasks (share the kernel directory)
	entryFn  func()
	isBootID bool
}

// Scheduler owns the task table and the subsystems it needs to spawn tasks:
// the frame allocator for stacks and the vmm System for user address
// spaces.
type Scheduler struct {
	tasks   [MaxTasks]task
	count   int
	nextID  uint32
	current int // index into tasks, -1 before init
	rrHand  int

	frames *pmm.Allocator
	vmmSys *vmm.System
	ram    *mem.RAM
}

var errKillBoot = &kernel.Error{Module: "sched", Message: "cannot kill the boot task"}
var errNoSuchTask = &kernel.Error{Module: "sched", Message: "no task with that id"}
var errTableFull = &kernel.Error{Module: "sched", Message: "task table is full"}

// New builds a scheduler bound to frames/vmmSys/ram, with no tasks yet;
// call SpawnNamed("main") to install the boot task before the first tick.
func New(frames *pmm.Allocator, vmmSys *vmm.System, ram *mem.RAM) *Scheduler {
	return &Scheduler{frames: frames, vmmSys: vmmSys, ram: ram, current: -1}
}

func (s *Scheduler) freeSlot() (int, *kernel.Error) {
	for i := range s.tasks {
		if s.tasks[i].state == Unused {
			return i, nil
		}
	}
	return 0, errTableFull
}

func (s *Scheduler) allocKernelStack() ([]pmm.Frame, uintptr, *kernel.Error) {
	frames := make([]pmm.Frame, 0, kernelStackPages)
	for i := 0; i < kernelStackPages; i++ {
		f, err := s.frames.AllocFrame()
		if err != nil {
			for _, af := range frames {
				s.frames.FreeFrame(af)
			}
			return nil, 0, err
		}
		s.ram.Memset(f.Address(), 0, mem.PageSize)
		frames = append(frames, f)
	}
	// The stack grows down from the top of the highest-address frame.
	top := frames[len(frames)-1].Address() + mem.PageSize
	return frames, top, nil
}

// SpawnNamed installs a placeholder task slot (used for the boot task,
// id 0, which starts life as the currently running kernel context rather
// than a freshly synthesized frame).
func (s *Scheduler) SpawnNamed(name string) (uint32, *kernel.Error) {
	idx, err := s.freeSlot()
	if err != nil {
		return 0, err
	}
	id := s.nextID
	s.nextID++

	s.tasks[idx] = task{id: id, name: name, state: Ready, isBootID: id == 0}
	s.count++
	if id == 0 {
		s.tasks[idx].state = Running
		s.current = idx
	}
	return id, nil
}

// SpawnKernel creates a task that runs entirely in the kernel's address
// space, entering at fn.
func (s *Scheduler) SpawnKernel(fn func(), name string) (uint32, *kernel.Error) {
	idx, err := s.freeSlot()
	if err != nil {
		return 0, err
	}
	stackFrames, stackTop, err := s.allocKernelStack()
	if err != nil {
		return 0, err
	}

	id := s.nextID
	s.nextID++
	s.tasks[idx] = task{
		id:                id,
		name:              name,
		state:             Ready,
		entryFn:           fn,
		kernelStackFrames: stackFrames,
		kernelStackTop:    stackTop,
		frame: &irq.Frame{
			CS:  KernelCS,
			SS:  KernelDS,
			ESP: uint32(stackTop),
			EBP: uint32(stackTop),
		},
	}
	s.count++
	return id, nil
}

// SpawnUser creates a task with its own address space, a user stack mapped
// user-accessible below mem.ELFUserStackCeiling, entering at fn (simulating
// a trampoline that would otherwise jump to a fixed user entry address).
func (s *Scheduler) SpawnUser(fn func(), name string) (uint32, *kernel.Error) {
	idx, err := s.freeSlot()
	if err != nil {
		return 0, err
	}

	as, err := s.vmmSys.CreateDirectory()
	if err != nil {
		return 0, err
	}
	stackTop, err := s.mapUserStack(as)
	if err != nil {
		return 0, err
	}
	stackFrames, kstackTop, err := s.allocKernelStack()
	if err != nil {
		return 0, err
	}

	id := s.nextID
	s.nextID++
	s.tasks[idx] = task{
		id:                id,
		name:              name,
		state:             Ready,
		entryFn:           fn,
		as:                as,
		kernelStackFrames: stackFrames,
		kernelStackTop:    kstackTop,
		frame: &irq.Frame{
			CS:  UserCS,
			SS:  UserDS,
			ESP: uint32(stackTop),
			EBP: uint32(stackTop),
		},
	}
	s.count++
	return id, nil
}

// SpawnELF creates a user task whose entry point and LOAD segments come
// from an ELF loader (spec.md's "ELF task").
func (s *Scheduler) SpawnELF(name string, loader ELFLoader) (uint32, *kernel.Error) {
	idx, err := s.freeSlot()
	if err != nil {
		return 0, err
	}

	as, err := s.vmmSys.CreateDirectory()
	if err != nil {
		return 0, err
	}
	entry, stackTop, err := loader.LoadInto(as)
	if err != nil {
		return 0, err
	}
	stackFrames, kstackTop, err := s.allocKernelStack()
	if err != nil {
		return 0, err
	}

	id := s.nextID
	s.nextID++
	s.tasks[idx] = task{
		id:                id,
		name:              name,
		state:             Ready,
		as:                as,
		kernelStackFrames: stackFrames,
		kernelStackTop:    kstackTop,
		frame: &irq.Frame{
			CS:  UserCS,
			SS:  UserDS,
			EIP: uint32(entry),
			ESP: uint32(stackTop),
			EBP: uint32(stackTop),
		},
	}
	s.count++
	return id, nil
}

func (s *Scheduler) mapUserStack(as *vmm.AddressSpace) (uintptr, *kernel.Error) {
	top := mem.ELFUserStackCeiling
	base := top - userStackPages*mem.PageSize
	for addr := base; addr < top; addr += mem.PageSize {
		f, err := s.frames.AllocFrame()
		if err != nil {
			return 0, err
		}
		s.ram.Memset(f.Address(), 0, mem.PageSize)
		if err := as.Map(addr, f, vmm.FlagWritable|vmm.FlagUser); err != nil {
			return 0, err
		}
	}
	return top, nil
}

// CurrentPID returns the id of the RUNNING task.
func (s *Scheduler) CurrentPID() uint32 {
	if s.current < 0 {
		return 0
	}
	return s.tasks[s.current].id
}

// TaskCount returns the number of non-UNUSED slots.
func (s *Scheduler) TaskCount() int { return s.count }

// ForEach calls cb with the id, name, and state of every non-UNUSED task.
func (s *Scheduler) ForEach(cb func(id uint32, name string, state State)) {
	for i := range s.tasks {
		if s.tasks[i].state != Unused {
			cb(s.tasks[i].id, s.tasks[i].name, s.tasks[i].state)
		}
	}
}

// Kill transitions id towards destruction (spec.md's Kill semantics): id 0
// can never be killed; killing the current task marks it ZOMBIE (reaped on
// the next tick); killing another task destroys it immediately.
func (s *Scheduler) Kill(id uint32) *kernel.Error {
	if id == 0 {
		return errKillBoot
	}
	idx := s.indexOf(id)
	if idx < 0 {
		return errNoSuchTask
	}
	if idx == s.current {
		s.tasks[idx].state = Zombie
		return nil
	}
	s.destroy(idx)
	return nil
}

// ExitCurrent marks the running task ZOMBIE (spec.md §4.7 EXIT: "Mark
// current ZOMBIE, yield"). The boot task (id 0) can never become a zombie,
// per the scheduler's "task id 0 is never destroyed" invariant; EXIT from
// the boot task is a no-op.
func (s *Scheduler) ExitCurrent() {
	if s.current < 0 || s.tasks[s.current].id == 0 {
		return
	}
	s.tasks[s.current].state = Zombie
}

// Yield marks the current task READY and asks the caller to reschedule.
// Callers drive the actual switch through Tick; Yield exists so a task can
// voluntarily request one (e.g. the YIELD syscall), which in the hosted
// simulator is modelled as an immediate synchronous Tick call.
func (s *Scheduler) Yield(f *irq.Frame) *irq.Frame {
	return s.Tick(f)
}

func (s *Scheduler) indexOf(id uint32) int {
	for i := range s.tasks {
		if s.tasks[i].state != Unused && s.tasks[i].id == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) destroy(idx int) {
	t := &s.tasks[idx]
	for _, f := range t.kernelStackFrames {
		s.frames.FreeFrame(f)
	}
	if t.as != nil {
		s.vmmSys.Deactivate(t.as)
		s.vmmSys.DestroyDirectory(t.as)
	}
	*t = task{}
	s.count--
}

// Tick runs one scheduling decision (spec.md §4.6's tick algorithm): save
// the current frame, reap zombies, pick the next READY task round-robin,
// update the TSS and address space, and return the frame to resume with.
func (s *Scheduler) Tick(f *irq.Frame) *irq.Frame {
	if s.current >= 0 {
		cur := &s.tasks[s.current]
		if cur.state == Running {
			cur.frame = f
			cur.state = Ready
		}
		if cur.state == Zombie {
			dying := s.current
			s.current = -1
			s.destroy(dying)
		}
	}

	for i := range s.tasks {
		if i != s.current && s.tasks[i].state == Zombie {
			s.destroy(i)
		}
	}

	if s.activeTasks() <= 1 && s.current >= 0 {
		s.tasks[s.current].state = Running
		return s.tasks[s.current].frame
	}

	next := s.pickNext()
	if next < 0 {
		if s.current >= 0 {
			s.tasks[s.current].state = Running
			return s.tasks[s.current].frame
		}
		return f
	}

	s.current = next
	s.tasks[next].state = Running
	cpu.SetTSSESP0(s.tasks[next].kernelStackTop)
	if s.tasks[next].as != nil {
		s.vmmSys.Switch(s.tasks[next].as)
	}
	return s.tasks[next].frame
}

func (s *Scheduler) activeTasks() int {
	n := 0
	for i := range s.tasks {
		if s.tasks[i].state == Ready || s.tasks[i].state == Running {
			n++
		}
	}
	return n
}

// pickNext scans the table starting just after the rotating hand for the
// next READY task, wrapping once; falls back to the current or boot task.
func (s *Scheduler) pickNext() int {
	for step := 1; step <= MaxTasks; step++ {
		i := (s.rrHand + step) % MaxTasks
		if s.tasks[i].state == Ready {
			s.rrHand = i
			return i
		}
	}
	if s.current >= 0 && s.tasks[s.current].state != Unused {
		return s.current
	}
	if s.tasks[0].state != Unused {
		return 0
	}
	return -1
}
