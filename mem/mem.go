// Package mem is the physical page allocator of §4.1: a single free list of
// 4 KiB frames threaded through the frames themselves, protected by one
// spinlock, handed out LIFO. Grounded on original_source/kern/kalloc.c
// (alloc_init/kfree/free_range/kalloc); the teacher's mem.Physmem_t adds
// per-CPU free lists and COW refcounting this spec's eager, non-COW VM
// manager has no use for, so only the struct-naming idiom is kept.
package mem

import (
	"fmt"
	"unsafe"

	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/lock"
)

// PGSIZE is the size in bytes of one physical frame.
const PGSIZE = config.PGSIZE

// junkFill is written across a frame before it is linked onto the free
// list, so a use-after-free shows up as this recognizable byte rather than
// silently reading stale data. Grounded on kalloc.c's 0x11 fill.
const junkFill = 0x11

// Pa is a physical address. It is always page-aligned when it names a
// frame the allocator owns.
type Pa uintptr

// Page is one physical frame's contents, addressable as a byte array.
type Page [PGSIZE]uint8

// run is the free-list node overlaid on the first bytes of a free frame,
// exactly as kalloc.c's "struct run{ struct run *next }" overlays the frame
// it threads.
type run struct {
	next *run
}

// ErrOutOfMemory is returned by Alloc when the free list is empty.
var ErrOutOfMemory = fmt.Errorf("mem: out of memory")

// Allocator is the physical frame allocator: a LIFO free list plus a lock.
// Zero value is not usable; construct with NewAllocator or Init.
type Allocator struct {
	lock     lock.Spinlock
	freelist *run
	lo, hi   Pa // [lo, hi) is the managed physical range
}

// NewAllocator constructs an allocator with no managed memory yet; call
// Init to seed it from a [start, end) range.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Init page-aligns [start, end) and frees every frame in it, exactly as
// alloc_init calls free_range over the kernel's available RAM. start is
// rounded up and end is rounded down so every frame handed to Free lies
// fully inside the caller's backing storage.
func (a *Allocator) Init(start, end unsafe.Pointer) {
	lo := Pa(uintptr(start))
	hi := Pa(uintptr(end))
	a.lo = (lo + PGSIZE - 1) &^ (PGSIZE - 1)
	a.hi = hi &^ (PGSIZE - 1)
	a.FreeRange(start, end)
}

// FreeRange frees every whole page-aligned frame in [start, end), matching
// kalloc.c's free_range.
func (a *Allocator) FreeRange(start, end unsafe.Pointer) {
	p := (Pa(uintptr(start)) + PGSIZE - 1) &^ (PGSIZE - 1)
	top := Pa(uintptr(end)) &^ (PGSIZE - 1)
	for ; p+PGSIZE <= top; p += PGSIZE {
		a.freeLocked(p, false)
	}
}

// bootCPU is a private bookkeeping Cpu used only to satisfy Spinlock's
// interrupt-discipline API from contexts (tests, boot) that are not running
// on a simulated CPU goroutine. Real kernel callers pass their own cpu.
var bootCPU = lock.NewCpu(-1)

// Alloc returns a zeroed frame, or ErrOutOfMemory if none remain.
func (a *Allocator) Alloc(cpu *lock.Cpu) (Pa, *Page, error) {
	if cpu == nil {
		cpu = bootCPU
	}
	a.lock.Acquire(cpu)
	r := a.freelist
	if r != nil {
		a.freelist = r.next
	}
	a.lock.Release(cpu)
	if r == nil {
		return 0, nil, ErrOutOfMemory
	}
	pg := (*Page)(unsafe.Pointer(r))
	for i := range pg {
		pg[i] = 0
	}
	return Pa(uintptr(unsafe.Pointer(r))), pg, nil
}

// Free returns a frame to the free list, filling it with junkFill first so
// a dangling reader observes garbage rather than its old contents. It is
// fatal (panics, per §7) if pa is misaligned or outside the managed range.
func (a *Allocator) Free(cpu *lock.Cpu, pa Pa) {
	if cpu == nil {
		cpu = bootCPU
	}
	a.lock.Acquire(cpu)
	a.freeLocked(pa, true)
	a.lock.Release(cpu)
}

func (a *Allocator) freeLocked(pa Pa, checkRange bool) {
	if pa%PGSIZE != 0 {
		panic("mem: free of misaligned address")
	}
	if checkRange && (pa < a.lo || pa >= a.hi) {
		panic("mem: free of out-of-range address")
	}
	pg := (*Page)(unsafe.Pointer(uintptr(pa)))
	for i := range pg {
		pg[i] = junkFill
	}
	r := (*run)(unsafe.Pointer(uintptr(pa)))
	r.next = a.freelist
	a.freelist = r
}
