package lock

import "sync/atomic"

// Sleeplock is a mutex whose waiters block in the scheduler rather than
// spin, per §4.3. It is built as a one-token buffered channel: Acquire
// blocks on a channel receive and Release sends the token back, which is
// exactly "a sleeper blocks ... and is woken by the holder on release"
// without a separate explicit wait-queue.
//
// Simulation note: in the teacher's source a sleep-lock waiter calls the
// generic sleep(chan, lk) primitive, which marks the calling process
// SLEEPING in the process table so the scheduler can run something else on
// the same CPU while it waits. Here each process already runs on its own
// goroutine (see package proc's scheduler design), so blocking that
// goroutine on a channel receive already yields the underlying OS thread
// without the ptable bookkeeping sleep() would otherwise do. This is a
// deliberate, acknowledged simplification of the scheduler simulation (see
// DESIGN.md, Open Question 4): a Sleeplock-blocked process is not reflected
// as SLEEPING in the process table the way a channel/condition sleep via
// proc.Sleep is.
type Sleeplock struct {
	ch     chan struct{}
	locked int32
}

// NewSleeplock returns a free sleep-lock.
func NewSleeplock() *Sleeplock {
	s := &Sleeplock{ch: make(chan struct{}, 1)}
	s.ch <- struct{}{}
	return s
}

// Acquire blocks until the lock is free.
func (s *Sleeplock) Acquire() {
	<-s.ch
	atomic.StoreInt32(&s.locked, 1)
}

// TryAcquire acquires the lock without blocking, reporting success.
func (s *Sleeplock) TryAcquire() bool {
	select {
	case <-s.ch:
		atomic.StoreInt32(&s.locked, 1)
		return true
	default:
		return false
	}
}

// Release hands the lock to the next waiter, if any. It panics if the lock
// is not currently held, matching §7's "holdingsleep mismatch" fatal class.
func (s *Sleeplock) Release() {
	if !atomic.CompareAndSwapInt32(&s.locked, 1, 0) {
		panic("lock: release of sleeplock not held")
	}
	s.ch <- struct{}{}
}

// Holding reports whether the lock is currently held by anyone.
func (s *Sleeplock) Holding() bool {
	return atomic.LoadInt32(&s.locked) == 1
}
