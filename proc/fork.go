package proc

import (
	"github.com/aamcrae/bfkernel/fd"
	"github.com/aamcrae/bfkernel/lock"
)

// Fork creates a child of parent sharing a byte-for-byte copy of its
// address space (vm.AddressSpace.Copyuvm — no copy-on-write, per §4.2's
// Non-goals) and duplicated open files, then starts it running body on
// its own goroutine once the scheduler first picks it. Grounded on
// proc.c's fork().
func (t *Table) Fork(cpu *lock.Cpu, parent *Proc, body func(*Proc)) (*Proc, error) {
	child, err := t.alloc(cpu)
	if err != nil {
		return nil, err
	}

	childVm, err := parent.Vm.Copyuvm(parent.Sz)
	if err != nil {
		t.freeSlot(cpu, child)
		return nil, err
	}
	child.Vm = childVm
	child.Sz = parent.Sz
	child.Parent = parent
	child.Name = parent.Name

	for i, f := range parent.Files {
		if f == nil {
			continue
		}
		nf, err := fd.Copyfd(cpu, f)
		if err != nil {
			panic("proc: fork: duplicate fd must succeed")
		}
		child.Files[i] = nf
	}
	child.Cwd = parent.Cwd

	t.lk.Acquire(cpu)
	child.State = Runnable
	t.lk.Release(cpu)

	t.spawn(child, body)
	return child, nil
}

func (t *Table) freeSlot(cpu *lock.Cpu, p *Proc) {
	t.lk.Acquire(cpu)
	*p = Proc{}
	t.lk.Release(cpu)
}

// Growproc grows or shrinks p's address space by n bytes (n may be
// negative), matching proc.c's growproc() wrapping Allocuvm/Deallocuvm.
func (t *Table) Growproc(p *Proc, n int) error {
	if n >= 0 {
		sz, err := p.Vm.Allocuvm(p.Sz, p.Sz+uintptr(n))
		if err != nil {
			return err
		}
		p.Sz = sz
		return nil
	}
	p.Sz = p.Vm.Deallocuvm(p.Sz, p.Sz-uintptr(-n))
	return nil
}
