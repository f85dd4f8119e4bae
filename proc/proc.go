// Package proc is the process table and scheduler of §4.4: a fixed table
// of process slots, a cooperative round-robin scheduler, and the
// fork/exit/wait lifecycle built on top of the address-space and
// file-descriptor primitives from packages vm and fd. Grounded throughout
// on original_source/kern/{proc.h,proc.c}.
package proc

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/aamcrae/bfkernel/accnt"
	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/fd"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/stats"
	"github.com/aamcrae/bfkernel/vm"
)

// State is a process's scheduling state, grounded on proc.h's enum procstate.
type State int

const (
	Unused State = iota
	Embryo
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Embryo:
		return "EMBRYO"
	case Sleeping:
		return "SLEEPING"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Zombie:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// Proc is one process-table slot, grounded on proc.h's struct proc.
//
// Scheduler simulation: each Proc that has ever run owns a goroutine of
// its own (started by Table.spawn), plus a pair of unbuffered handoff
// channels. The only function that sends on yieldCh is sched, reached only
// from Yield, Sleep, and Exit — exactly the three places the original may
// suspend the running process — so the "a process may only be switched away from
// inside one of these calls" invariant is structural rather than
// convention.
type Proc struct {
	Pid     int
	State   State
	Parent  *Proc
	Vm      *vm.AddressSpace
	Sz      uintptr
	Killed  bool
	Name    string
	Files   [config.NOFILE]*fd.Fd_t
	Cwd     *fd.Cwd_t
	Accnt   accnt.Accnt_t

	exitStatus int
	chanWait   interface{}
	resumeCh   chan struct{}
	yieldCh    chan struct{}
}

// Identify satisfies package trap's Proc interface, giving the trap
// dispatcher a pid to log and a flag it can set to kill this process on
// an unhandled fault, without trap importing proc.
func (p *Proc) Identify() (pid int, killed *bool) {
	return p.Pid, &p.Killed
}

// Table is the fixed process table plus the spinlock guarding every
// field above, exactly as proc.c's single global ptable.lock guards the
// whole table rather than per-process locks.
type Table struct {
	lk      lock.Spinlock
	procs   [config.NPROC]Proc
	nextPid int32

	// init is the first process ever created via First, the reparenting
	// target for orphaned children and the one process Exit refuses to
	// tear down, matching proc.c's initproc/PID 1.
	init *Proc
}

// NewTable returns an empty process table.
func NewTable() *Table {
	return &Table{}
}

// ErrNoProc is returned when the process table has no free slot.
var ErrNoProc = errors.New("proc: process table is full")

func (t *Table) allocPid() int {
	return int(atomic.AddInt32(&t.nextPid, 1))
}

// alloc finds an UNUSED slot, marks it EMBRYO, and gives it a pid and a
// pair of scheduler handoff channels. It does not start the process's
// goroutine; the caller (Fork, or the kernel's first-process bootstrap)
// does that once the new Proc's address space and files are set up.
func (t *Table) alloc(cpu *lock.Cpu) (*Proc, error) {
	t.lk.Acquire(cpu)
	defer t.lk.Release(cpu)
	for i := range t.procs {
		p := &t.procs[i]
		if p.State == Unused {
			*p = Proc{
				Pid:      t.allocPid(),
				State:    Embryo,
				resumeCh: make(chan struct{}),
				yieldCh:  make(chan struct{}),
			}
			return p, nil
		}
	}
	return nil, ErrNoProc
}

// spawn starts p's goroutine running body, blocking until the scheduler
// first resumes it.
func (t *Table) spawn(p *Proc, body func(*Proc)) {
	go func() {
		<-p.resumeCh
		body(p)
	}()
}

// Scheduler runs forever on one simulated CPU, picking the next RUNNABLE
// process after the slot it ran last (in slot order, wrapping around) and
// running it until it yields, sleeps, or exits.
// Grounded on proc.c's scheduler(), generalized from its round-robin scan
// plus swtch() into a resumeCh/yieldCh handoff between goroutines.
func (t *Table) Scheduler(cpu *lock.Cpu) {
	last := len(t.procs) - 1
	for {
		t.lk.Acquire(cpu)
		var run *Proc
		for k := 1; k <= len(t.procs); k++ {
			i := (last + k) % len(t.procs)
			if t.procs[i].State == Runnable {
				run = &t.procs[i]
				last = i
				break
			}
		}
		if run == nil {
			t.lk.Release(cpu)
			runtime.Gosched()
			continue
		}
		if run.Vm != nil {
			run.Vm.Switch()
		}
		run.State = Running
		t.lk.Release(cpu)
		stats.Sched.Switches.Inc()
		// proc.c's scheduler() charges the process it just switched away
		// from for the slice of wall-clock time it held the CPU; the
		// resumeCh/yieldCh handoff here stands in for that raw swtch()
		// pair, so the accounting wraps it the same way.
		start := run.Accnt.Now()
		run.resumeCh <- struct{}{}
		<-run.yieldCh
		run.Accnt.Utadd(run.Accnt.Now() - start)
	}
}
