// Package syscall implements the software-interrupt syscall layer
// (spec.md §4.7): vector 0x80, a numbered handler table, and the fixed
// EXIT/WRITE/TICKS/YIELD/GETPID/EXEC surface.
package syscall

import (
	"github.com/ShaonMajumder/PenOS/kernel/irq"
	"github.com/ShaonMajumder/PenOS/kernel/mem/vmm"
)

// Vector is the software-interrupt number user tasks invoke (int 0x80).
const Vector = 0x80

const (
	NumExit   = 0
	NumWrite  = 1
	NumTicks  = 2
	NumYield  = 3
	NumGetpid = 4
	NumExec   = 5
)

const errReturn = ^uint32(0) // -1 truncated to uint32, the frame's accumulator width

// Runtime is the narrow set of kernel services a syscall handler needs,
// satisfied by kernel/kmain's Machine; declared here so this package
// doesn't import kernel/sched or kernel/elf directly (keeping the
// dependency direction kernel -> syscall, not the reverse).
type Runtime interface {
	Exit()
	Write(s string) uint32
	Ticks() uint32
	Yield(f *irq.Frame) *irq.Frame
	GetPID() uint32
	Exec(as *vmm.AddressSpace, path string) (newEIP, newESP uint32, ok bool)
	CurrentAddressSpace() *vmm.AddressSpace
	ReadCString(as *vmm.AddressSpace, ptr uint32) string
}

// Install registers the vector-0x80 dispatcher against rt, routing on the
// syscall number in the frame's accumulator (spec.md's "software interrupt
// vector 128 enters with the syscall number in the accumulator").
func Install(rt Runtime) {
	irq.RegisterHandler(Vector, func(f *irq.Frame) *irq.Frame {
		switch f.EAX {
		case NumExit:
			rt.Exit()
			return rt.Yield(f)
		case NumWrite:
			s := rt.ReadCString(rt.CurrentAddressSpace(), f.EBX)
			f.EAX = rt.Write(s)
		case NumTicks:
			f.EAX = rt.Ticks()
		case NumYield:
			return rt.Yield(f)
		case NumGetpid:
			f.EAX = rt.GetPID()
		case NumExec:
			path := rt.ReadCString(rt.CurrentAddressSpace(), f.EBX)
			eip, esp, ok := rt.Exec(rt.CurrentAddressSpace(), path)
			if !ok {
				f.EAX = errReturn
			} else {
				f.EIP, f.ESP, f.EBP = eip, esp, esp
				f.EAX = 0
			}
		default:
			f.EAX = errReturn
		}
		return f
	})
}
