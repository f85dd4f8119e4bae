package proc

import (
	"testing"
	"time"
	"unsafe"

	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/mem"
	"github.com/aamcrae/bfkernel/vm"
)

func newTestAddressSpace(t *testing.T) *vm.AddressSpace {
	t.Helper()
	const pages = 16
	buf := make([]byte, (pages+1)*mem.PGSIZE)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
	start := unsafe.Pointer(aligned)
	end := unsafe.Add(start, pages*mem.PGSIZE)

	alloc := mem.NewAllocator()
	alloc.Init(start, end)
	as, err := vm.New(alloc)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	return as
}

// TestForkExitWait runs a real scheduler goroutine, forks a child off the
// first process, lets the child exit, and confirms the parent's Wait
// observes it — exercising the resumeCh/yieldCh handoff end to end rather
// than just the bookkeeping in isolation.
func TestForkExitWait(t *testing.T) {
	table := NewTable()
	cpu := lock.NewCpu(0)
	schedCpu := lock.NewCpu(1)

	done := make(chan struct{})
	go func() {
		table.Scheduler(schedCpu)
		close(done)
	}()

	childExited := make(chan struct{})
	childSpawned := make(chan *Proc, 1)

	parent, err := table.First(cpu, newTestAddressSpace(t), "init", func(p *Proc) {
		child, err := table.Fork(cpu, p, func(c *Proc) {
			table.Exit(cpu, c, 42)
		})
		if err != nil {
			t.Errorf("Fork: %v", err)
			close(childExited)
			return
		}
		childSpawned <- child
		// Wait clears the reaped slot that child points at, so take its pid first.
		childPid := child.Pid
		pid, status, ok := table.Wait(cpu, p)
		if !ok {
			t.Errorf("Wait: no child reaped")
		} else if pid != childPid || status != 42 {
			t.Errorf("Wait = (%d, %d), want (%d, 42)", pid, status, childPid)
		}
		close(childExited)
	})
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	_ = parent

	select {
	case <-childExited:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fork/exit/wait sequence")
	}
}

func TestSleepWakeup(t *testing.T) {
	table := NewTable()
	cpu := lock.NewCpu(0)
	schedCpu := lock.NewCpu(1)
	go table.Scheduler(schedCpu)

	wakeupKey := new(int)
	woken := make(chan struct{})

	_, err := table.First(cpu, newTestAddressSpace(t), "sleeper", func(p *Proc) {
		table.lk.Acquire(cpu)
		table.Sleep(cpu, p, wakeupKey, &table.lk)
		close(woken)
	})
	if err != nil {
		t.Fatalf("First: %v", err)
	}

	// Give the process a moment to actually reach the sleep before waking it.
	time.Sleep(50 * time.Millisecond)
	table.Wakeup(cpu, wakeupKey)

	select {
	case <-woken:
	case <-time.After(2 * time.Second):
		t.Fatal("process never woke up after Wakeup")
	}
}

func TestKillMarksProcess(t *testing.T) {
	table := NewTable()
	cpu := lock.NewCpu(0)

	// No scheduler runs in this test: Kill only needs the process table
	// slot to exist, not the process's goroutine to have been resumed.
	p, err := table.First(cpu, newTestAddressSpace(t), "victim", func(p *Proc) {})
	if err != nil {
		t.Fatalf("First: %v", err)
	}

	if !table.Kill(cpu, p.Pid) {
		t.Fatal("Kill on a known pid should succeed")
	}
	if !p.Killed {
		t.Fatal("Killed flag not set after Kill")
	}
	if table.Kill(cpu, 999999) {
		t.Fatal("Kill on an unknown pid should fail")
	}
}
