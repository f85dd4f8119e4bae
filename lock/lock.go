// Package lock implements the kernel's spinlock and the per-CPU nested
// interrupt-disable discipline that every spinlock acquisition goes
// through. The Sleeplock in sleeplock.go is a separate primitive built on
// a one-slot channel token rather than on the Spinlock.
package lock

import (
	"runtime"
	"sync/atomic"
)

// Cpu is the per-simulated-CPU record backing cli_req/cli_resp: the nesting
// depth of disabled-interrupt regions this CPU currently holds, and the
// interrupt-enable state to restore once the outermost holder releases.
// Grounded on original_source/inc/spinlock.h's struct cpu{lock_num,
// prev_int_enabled}.
type Cpu struct {
	ID             int
	lockNum        int
	prevIntEnabled bool
	intEnabled     bool
}

// NewCpu returns a Cpu record with interrupts initially enabled, as a
// freshly booted core would be once it drops out of boot assembly.
func NewCpu(id int) *Cpu {
	return &Cpu{ID: id, intEnabled: true}
}

// IntEnabled reports whether this CPU currently accepts interrupts. The
// simulated timer-interrupt goroutine consults this before forcing a yield
// (§5 supplement); it has no effect on Go's own runtime scheduler.
func (c *Cpu) IntEnabled() bool {
	return c.intEnabled
}

// CliReq brackets the start of an interrupt-disabled region. Nested calls
// compose: only the outermost call actually records the prior
// interrupt-enable state.
func CliReq(c *Cpu) {
	wasEnabled := c.intEnabled
	c.intEnabled = false
	if c.lockNum == 0 {
		c.prevIntEnabled = wasEnabled
	}
	c.lockNum++
}

// CliResp closes one level of an interrupt-disabled region opened by
// CliReq. Only the matching outermost call restores the pre-disable state.
func CliResp(c *Cpu) {
	if c.lockNum == 0 {
		panic("cli_resp: not holding any spinlock")
	}
	c.lockNum--
	if c.lockNum == 0 {
		c.intEnabled = c.prevIntEnabled
	}
}

// Holding reports whether this CPU currently holds at least one spinlock.
func (c *Cpu) Holding() bool {
	return c.lockNum > 0
}

// Spinlock is a single word acquired by test-and-set, with an
// interrupt-disable bracket around the busy-wait per §4.3.
type Spinlock struct {
	locked int32
	Name   string
}

// Acquire busy-waits until the lock is free, disabling interrupts on cpu
// for the duration (nested via CliReq/CliResp).
func (l *Spinlock) Acquire(cpu *Cpu) {
	CliReq(cpu)
	for !atomic.CompareAndSwapInt32(&l.locked, 0, 1) {
		runtime.Gosched()
	}
}

// Release clears the lock word and re-enables interrupts if this was the
// outermost held spinlock.
func (l *Spinlock) Release(cpu *Cpu) {
	if atomic.LoadInt32(&l.locked) == 0 {
		panic("release of unlocked spinlock: " + l.Name)
	}
	atomic.StoreInt32(&l.locked, 0)
	CliResp(cpu)
}

// Holding reports whether the lock is currently held by anyone. Used by
// invariant-checking panics (e.g. sched must be called while holding
// ptable.lock) rather than for synchronization.
func (l *Spinlock) Holding() bool {
	return atomic.LoadInt32(&l.locked) != 0
}
