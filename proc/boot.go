package proc

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/vm"
)

// First constructs the very first process (the original's userinit()):
// no parent, a fresh address space, and immediately Runnable. Unlike
// Fork, there is no parent to copy files or a cwd from — the caller fills
// those in before the scheduler picks it up.
func (t *Table) First(cpu *lock.Cpu, as *vm.AddressSpace, name string, body func(*Proc)) (*Proc, error) {
	p, err := t.alloc(cpu)
	if err != nil {
		return nil, err
	}
	p.Vm = as
	p.Name = name

	t.lk.Acquire(cpu)
	if t.init == nil {
		t.init = p
	}
	p.State = Runnable
	t.lk.Release(cpu)

	t.spawn(p, body)
	return p, nil
}

// Run starts one Scheduler goroutine per simulated CPU and blocks until
// the context is canceled or a scheduler goroutine reports an error (in
// practice a scheduler never returns, so this call only returns once ctx
// is canceled). Grounded on the teacher's multi-core mpmain() bring-up,
// generalized to golang.org/x/sync/errgroup so the set of per-CPU
// goroutines is supervised as a unit rather than launched and forgotten.
func (t *Table) Run(ctx context.Context, ncpu int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < ncpu; i++ {
		cpu := lock.NewCpu(i)
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				t.Scheduler(cpu)
				close(done)
			}()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
				return nil
			}
		})
	}
	return g.Wait()
}
