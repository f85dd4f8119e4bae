package proc

import (
	"github.com/aamcrae/bfkernel/fd"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/stats"
)

// sched hands control back to the scheduler goroutine. The caller must
// hold t.lk and must not be Running (its state must already reflect why
// it is giving up the CPU), mirroring proc.c's sched() invariant checks.
//
// Adaptation note: the teacher holds ptable.lock across the raw swtch()
// call, since scheduler and process share one OS thread that simply jumps
// stacks. Here scheduler and process are distinct goroutines, so there is
// no single thread to keep the lock "held" across the handoff; instead
// the lock is released the moment the state transition that sched()
// depends on is safely recorded, immediately before signaling yieldCh.
// This preserves the externally observable invariant (no third party
// sees a process marked Running after it starts blocking) without
// modeling a lock that crosses goroutine boundaries.
func (t *Table) sched(cpu *lock.Cpu, p *Proc) {
	if !t.lk.Holding() {
		panic("proc: sched without process table lock")
	}
	if p.State == Running {
		panic("proc: sched on a running process")
	}
	t.lk.Release(cpu)
	p.yieldCh <- struct{}{}
	<-p.resumeCh
}

// Yield gives up the CPU for one scheduling round.
func (t *Table) Yield(cpu *lock.Cpu, p *Proc) {
	t.lk.Acquire(cpu)
	p.State = Runnable
	stats.Sched.Yields.Inc()
	t.sched(cpu, p)
}

// Sleep blocks p until a matching Wakeup(chan_), atomically releasing
// heldLock first — exactly proc.c's sleep(chan, lk), including the
// special case where heldLock already is the table's own lock.
//
// Unlike the teacher's sleep(), where sched() leaves ptable.lock held
// across the raw context switch (one OS thread just jumps stacks, so the
// lock variable is never actually released), this port's sched() always
// releases t.lk before handing off to the scheduler goroutine. So when
// heldLock is t.lk itself, Sleep must explicitly reacquire it on the way
// out to restore the precondition callers like Wait rely on — the
// teacher's code gets this for free from the lock never having moved.
func (t *Table) Sleep(cpu *lock.Cpu, p *Proc, chanWait interface{}, heldLock *lock.Spinlock) {
	if heldLock != &t.lk {
		t.lk.Acquire(cpu)
		heldLock.Release(cpu)
	}
	p.chanWait = chanWait
	p.State = Sleeping
	stats.Sched.Sleeps.Inc()
	t.sched(cpu, p)
	if heldLock != &t.lk {
		heldLock.Acquire(cpu)
	} else {
		t.lk.Acquire(cpu)
	}
}

// Wakeup marks every process sleeping on chanWait Runnable.
func (t *Table) Wakeup(cpu *lock.Cpu, chanWait interface{}) {
	t.lk.Acquire(cpu)
	defer t.lk.Release(cpu)
	for i := range t.procs {
		p := &t.procs[i]
		if p.State == Sleeping && p.chanWait == chanWait {
			p.State = Runnable
			p.chanWait = nil
			stats.Sched.Wakeups.Inc()
		}
	}
}

// Exit closes p's open files and cwd, reparents its children to init,
// marks p a Zombie, wakes whichever process is now entitled to reap it,
// and never returns. It panics if p is the init process, matching
// proc.c's "init exiting" fatal check — matching original_source's
// control flow, the caller does not tear down p.Vm; Wait frees it once
// the parent reaps the zombie.
func (t *Table) Exit(cpu *lock.Cpu, p *Proc, status int) {
	if p == t.init {
		panic("proc: init process exited")
	}

	for i := range p.Files {
		if p.Files[i] != nil {
			fd.ClosePanic(cpu, p.Files[i])
			p.Files[i] = nil
		}
	}
	if p.Cwd != nil && p.Cwd.Fd != nil {
		fd.ClosePanic(cpu, p.Cwd.Fd)
		p.Cwd = nil
	}

	t.lk.Acquire(cpu)
	reparentedZombie := false
	for i := range t.procs {
		c := &t.procs[i]
		if c.Parent == p {
			c.Parent = t.init
			if c.State == Zombie {
				reparentedZombie = true
			}
		}
	}
	p.exitStatus = status
	p.State = Zombie
	parent := p.Parent
	t.lk.Release(cpu)

	// init may already be blocked in its own Wait, asleep on itself as the
	// wait-condition key; a reparented zombie needs the same wakeup a
	// freshly exited child would have gotten from its original parent.
	if reparentedZombie && t.init != nil {
		t.Wakeup(cpu, t.init)
	}
	if parent != nil {
		t.Wakeup(cpu, parent)
	}
	t.lk.Acquire(cpu)
	t.sched(cpu, p)
	panic("proc: zombie process resumed")
}

// Wait blocks the caller until one of its children exits, reaping it and
// returning its pid and exit status. ok is false if the caller has no
// children left to wait for.
func (t *Table) Wait(cpu *lock.Cpu, parent *Proc) (pid, status int, ok bool) {
	t.lk.Acquire(cpu)
	for {
		haveChild := false
		for i := range t.procs {
			p := &t.procs[i]
			if p.Parent != parent {
				continue
			}
			haveChild = true
			if p.State == Zombie {
				pid, status = p.Pid, p.exitStatus
				if p.Vm != nil {
					p.Vm.Free()
				}
				*p = Proc{}
				t.lk.Release(cpu)
				return pid, status, true
			}
		}
		if !haveChild || parent.Killed {
			t.lk.Release(cpu)
			return 0, 0, false
		}
		t.Sleep(cpu, parent, parent, &t.lk)
	}
}

// TimerTick is called from the simulated timer-interrupt path once per
// tick. If interrupts are enabled on cpu it forces p to give up the CPU,
// approximating preemptive round-robin scheduling; see §5 supplement for
// why this is only an approximation (a spinning goroutine that never
// calls into proc cannot actually be preempted the way real hardware
// would preempt it).
func (t *Table) TimerTick(cpu *lock.Cpu, p *Proc) {
	if p != nil && cpu.IntEnabled() {
		t.Yield(cpu, p)
	}
}

// Kill marks p for death. A killed process observes p.Killed the next
// time it checks (e.g. after waking from a syscall-level sleep) and exits
// voluntarily; this kernel has no asynchronous preemption of kernel-mode
// code, matching proc.c's kill().
func (t *Table) Kill(cpu *lock.Cpu, pid int) bool {
	t.lk.Acquire(cpu)
	defer t.lk.Release(cpu)
	for i := range t.procs {
		p := &t.procs[i]
		if p.Pid == pid {
			p.Killed = true
			if p.State == Sleeping {
				p.State = Runnable
			}
			return true
		}
	}
	return false
}
