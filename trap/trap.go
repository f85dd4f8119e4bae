// Package trap is the exception and interrupt dispatcher of §4.5: ESR_EL1
// decode for synchronous exceptions (syscalls, faults) and a per-IRQ
// handler table for asynchronous interrupts. Grounded on
// original_source/kern/trap.c's ESR exception-class switch.
package trap

import (
	"github.com/aamcrae/bfkernel/klog"
	"github.com/aamcrae/bfkernel/lock"
)

// EC is an ESR_EL1 exception class (bits [31:26]).
type EC uint64

const (
	ECUnknown        EC = 0x00
	ECSVC64          EC = 0x15 // SVC instruction from AArch64
	ECInstrAbortLower EC = 0x20 // instruction abort from a lower exception level
	ECDataAbortLower  EC = 0x24 // data abort from a lower exception level
	ECDataAbortSame   EC = 0x25 // data abort taken without a level change
)

// Trapframe is the register state saved on entry to an exception handler.
// Grounded on the original's AArch64 trapframe: X0-X30, the user stack
// pointer, the return state (ELR, SPSR), and the syndrome and fault-address
// registers the kernel consults.
type Trapframe struct {
	X    [31]uint64 // X0-X30; syscall number arrives in X8, return value goes in X0
	SP   uint64
	ELR  uint64 // exception link register: resume address
	SPSR uint64 // saved program status
	ESR  uint64 // exception syndrome register
	FAR  uint64 // fault address register
}

// EC extracts the exception class from ESR.
func (tf *Trapframe) EC() EC {
	return EC((tf.ESR >> 26) & 0x3f)
}

// ISS extracts the instruction-specific syndrome from ESR.
func (tf *Trapframe) ISS() uint64 {
	return tf.ESR & 0x01ffffff
}

// Proc is the minimal view of a running process Dispatcher.Trap needs: an
// identifier for logging and a kill flag a fault handler can set. Package
// proc's *Proc satisfies this structurally, so trap does not import proc.
type Proc interface {
	Identify() (pid int, killed *bool)
}

// SyscallHandler services one syscall number, returning the value to be
// placed in X0.
type SyscallHandler func(p Proc, tf *Trapframe) int64

// Dispatcher routes synchronous exceptions to syscall handlers and
// asynchronous interrupts to IRQ handlers.
type Dispatcher struct {
	syscalls map[int]SyscallHandler
	irqs     map[int]func(cpu *lock.Cpu)
}

// NewDispatcher returns an empty dispatcher; register handlers with
// RegisterSyscall/RegisterIRQ before routing any traps through it.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		syscalls: make(map[int]SyscallHandler),
		irqs:     make(map[int]func(cpu *lock.Cpu)),
	}
}

// RegisterSyscall binds a handler to a syscall number.
func (d *Dispatcher) RegisterSyscall(num int, h SyscallHandler) {
	d.syscalls[num] = h
}

// RegisterIRQ binds a handler to an interrupt number.
func (d *Dispatcher) RegisterIRQ(irq int, h func(cpu *lock.Cpu)) {
	d.irqs[irq] = h
}

// Trap handles one synchronous exception, mutating tf.X[0] with a
// syscall's return value or marking p killed on an instruction or data
// abort. Any other exception class, ECUnknown included, is fatal; Trap
// does not hand it to Interrupt.
func (d *Dispatcher) Trap(p Proc, tf *Trapframe) {
	switch tf.EC() {
	case ECSVC64:
		num := int(tf.X[8])
		h, ok := d.syscalls[num]
		if !ok {
			pid, _ := p.Identify()
			klog.Warn("trap: unknown syscall", klog.Fields{"pid": pid, "num": num})
			tf.X[0] = ^uint64(0) // -1
			return
		}
		tf.X[0] = uint64(h(p, tf))
	case ECDataAbortLower, ECInstrAbortLower, ECDataAbortSame:
		pid, killed := p.Identify()
		klog.Warn("trap: fault, killing process", klog.Fields{"pid": pid, "far": tf.FAR, "esr": tf.ESR})
		*killed = true
	default:
		klog.Fatal("trap: unhandled exception class", klog.Fields{"ec": tf.EC()})
	}
}

// Interrupt dispatches one asynchronous IRQ. Unregistered IRQs are
// silently dropped, matching the original's spurious-interrupt handling.
func (d *Dispatcher) Interrupt(cpu *lock.Cpu, irq int) {
	if h, ok := d.irqs[irq]; ok {
		h(cpu)
	}
}
