// Package vm is the four-level ARM virtual memory manager of §4.2: it
// walks a root page directory to a leaf entry, allocating intermediate
// tables on demand, and implements the eager (no copy-on-write, no
// demand-paging) address-space operations an xv6-class kernel needs:
// map_region, uvm_init, allocuvm/deallocuvm, copyuvm, loaduvm, clearpteu,
// copyout, vm_free, uvm_switch.
//
// Grounded on original_source/kern/vm.c for all control flow and the ARM
// PTX/permission-bit semantics; the struct-naming and doc-comment register
// follow teacher vm/as.go (Vm_t with an embedded mutex), whose
// copy-on-write page-fault machinery (Sys_pgfault, Vmadd_anon) is dropped
// since COW/demand-paging is an explicit non-goal.
package vm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/mem"
)

const pgsize = config.PGSIZE

// Permission/attribute bits composed into a leaf PTE. These are named after
// the real AArch64 descriptor fields §4.2 calls out (present, page-vs-table,
// access-flag, shareability, memory-type, user, read-write) but packed into
// low bits of a simulated 64-bit word rather than matching real hardware
// bit offsets, since no code here ever loads an actual TTBR register.
const (
	PTE_P       = 1 << 0 // present / valid
	PTE_PAGE    = 1 << 1 // this entry maps a page (leaf), not a table
	PTE_AF      = 1 << 2 // access flag
	PTE_SH      = 1 << 3 // inner-shareable
	PTE_MEMATTR = 1 << 4 // normal (cacheable) memory attribute
	PTE_USER    = 1 << 5 // accessible from EL0
	PTE_RW      = 1 << 6 // writable; absent means read-only

	pteAddrMask = ^uint64(pgsize - 1)

	// leafDefault is the attribute composition every leaf mapping carries
	// regardless of permission, per §4.2: "PTE_P | PTE_PAGE | PTE_AF |
	// PTE_SH | normal-memory-attribute".
	leafDefault = PTE_P | PTE_PAGE | PTE_AF | PTE_SH | PTE_MEMATTR
)

// PTE is one page-table descriptor: either invalid (0), a pointer to a
// child table (PTE_P set, PTE_PAGE clear), or a leaf page mapping (PTE_P |
// PTE_PAGE set).
type PTE uint64

func (p PTE) present() bool { return p&PTE_P != 0 }
func (p PTE) isLeaf() bool  { return p&PTE_PAGE != 0 }
func (p PTE) addr() mem.Pa  { return mem.Pa(uint64(p) & pteAddrMask) }

// Table is one 512-entry level of the page table.
type Table [512]PTE

func tableAt(pa mem.Pa) *Table {
	return (*Table)(unsafe.Pointer(uintptr(pa)))
}

// ptx returns the 9-bit index a virtual address contributes at the given
// level (0 = root, 3 = leaf), per PTX(level, va) = (va >> (12+9*(3-level)))
// & 0x1ff.
func ptx(level int, va uintptr) int {
	shift := uint(12 + 9*(3-level))
	return int((va >> shift) & 0x1ff)
}

// Reader is the minimal interface Loaduvm needs from an on-disk inode: read
// up to len(buf) bytes starting at off. Declared here (rather than
// importing package fs) so vm has no dependency on the filesystem layer.
type Reader interface {
	ReadAt(buf []byte, off int64) (int, error)
}

// AddressSpace is one process's address space: root page table plus the
// allocator it draws frames from and the high-water mark of mapped user
// bytes. Embeds a mutex per §3's invariant (c) that only the owner mutates
// it while non-RUNNABLE, or the scheduler while holding its lock.
type AddressSpace struct {
	sync.Mutex
	Pgdir *Table
	Root  mem.Pa
	Sz    uintptr

	alloc *mem.Allocator
}

// New allocates a fresh, empty address space (an all-zero root table).
func New(alloc *mem.Allocator) (*AddressSpace, error) {
	pa, pg, err := alloc.Alloc(nil)
	if err != nil {
		return nil, fmt.Errorf("vm: new address space: %w", err)
	}
	_ = pg
	return &AddressSpace{Pgdir: tableAt(pa), Root: pa, alloc: alloc}, nil
}

// walk returns a pointer to the leaf PTE slot for va, allocating
// intermediate (level 0..2) tables on demand when alloc is true. It never
// allocates the leaf itself; the caller installs that entry.
func walk(a *mem.Allocator, root *Table, va uintptr, alloc bool) (*PTE, error) {
	t := root
	for level := 0; level < 3; level++ {
		pte := &t[ptx(level, va)]
		if !pte.present() {
			if !alloc {
				return nil, nil
			}
			pa, _, err := a.Alloc(nil)
			if err != nil {
				return nil, err
			}
			*pte = PTE(uint64(pa) | PTE_P)
		}
		if pte.isLeaf() {
			panic("vm: walk: encountered a leaf where a table was expected")
		}
		t = tableAt(pte.addr())
	}
	return &t[ptx(3, va)], nil
}

// MapRegion installs perm-permissioned leaf mappings for [va, va+size) onto
// pa, pa+PGSIZE, ... Ranges need not be page-aligned; both va and pa are
// aligned down by the same offset first, matching §4.2. It panics
// (remapping a present leaf is fatal) if any target page is already
// mapped.
func (a *AddressSpace) MapRegion(va uintptr, size int, pa mem.Pa, perm uint64) error {
	off := va % pgsize
	va -= off
	pa -= mem.Pa(off)
	end := va + uintptr(size+int(off)-1)&^(pgsize-1) + pgsize
	for v, p := va, pa; v < end; v, p = v+pgsize, p+pgsize {
		pte, err := walk(a.alloc, a.Pgdir, v, true)
		if err != nil {
			return err
		}
		if pte.present() {
			panic("vm: remap")
		}
		*pte = PTE(uint64(p) | leafDefault | perm)
	}
	if va+uintptr(size) > a.Sz {
		a.Sz = va + uintptr(size)
	}
	return nil
}

// UvmInit installs one page of executable content at user VA 0, per §4.2.
// len(code) must be smaller than one page.
func (a *AddressSpace) UvmInit(code []byte) error {
	if len(code) >= pgsize {
		panic("vm: uvm_init: content larger than one page")
	}
	pa, pg, err := a.alloc.Alloc(nil)
	if err != nil {
		return err
	}
	copy(pg[:], code)
	if err := a.MapRegion(0, pgsize, pa, PTE_USER|PTE_RW); err != nil {
		return err
	}
	a.Sz = pgsize
	return nil
}

// Allocuvm grows the user region from oldsz to newsz by mapping newly
// allocated, zeroed user pages. On any allocation failure it rolls back
// completely via Deallocuvm, per §4.2's "must fully roll back on failure."
func (a *AddressSpace) Allocuvm(oldsz, newsz uintptr) (uintptr, error) {
	if newsz <= oldsz {
		return oldsz, nil
	}
	start := roundup(oldsz)
	for va := start; va < newsz; va += pgsize {
		pa, _, err := a.alloc.Alloc(nil)
		if err != nil {
			a.Deallocuvm(va, oldsz)
			return oldsz, fmt.Errorf("vm: allocuvm: %w", err)
		}
		if err := a.MapRegion(va, pgsize, pa, PTE_USER|PTE_RW); err != nil {
			a.alloc.Free(nil, pa)
			a.Deallocuvm(va, oldsz)
			return oldsz, err
		}
	}
	a.Sz = newsz
	return newsz, nil
}

// Deallocuvm unmaps and frees user pages in [newsz, oldsz), rounded to page
// bounds. Per Design Notes Open Question (a), when newsz >= oldsz this is a
// documented no-op that returns oldsz unchanged — callers that intend to
// grow must call Allocuvm, not rely on a negative-looking Deallocuvm call
// to do it.
func (a *AddressSpace) Deallocuvm(oldsz, newsz uintptr) uintptr {
	if newsz >= oldsz {
		return oldsz
	}
	va := roundup(newsz)
	for ; va < oldsz; va += pgsize {
		pte, _ := walk(a.alloc, a.Pgdir, va, false)
		if pte == nil {
			// Sparse tolerance: no intermediate table at this address at
			// all, skip to the next block boundary this level covers.
			va = (va+blockSize)&^(blockSize-1) - pgsize
			continue
		}
		if pte.present() {
			a.alloc.Free(nil, pte.addr())
			*pte = 0
		}
	}
	a.Sz = newsz
	return newsz
}

// blockSize is the span one level-2 table entry covers (512 leaf pages),
// used by Deallocuvm's sparse-tolerance skip.
const blockSize = 512 * pgsize

// Copyuvm produces a fresh address space whose user range [0, sz) is a
// byte-wise copy of a's — the fork primitive; there is no copy-on-write.
// On any failure the new space is fully freed before returning the error.
func (a *AddressSpace) Copyuvm(sz uintptr) (*AddressSpace, error) {
	na, err := New(a.alloc)
	if err != nil {
		return nil, err
	}
	for va := uintptr(0); va < sz; va += pgsize {
		pte, _ := walk(a.alloc, a.Pgdir, va, false)
		if pte == nil || !pte.present() {
			continue
		}
		npa, npg, err := a.alloc.Alloc(nil)
		if err != nil {
			na.Free()
			return nil, fmt.Errorf("vm: copyuvm: %w", err)
		}
		src := (*mem.Page)(unsafe.Pointer(uintptr(pte.addr())))
		copy(npg[:], src[:])
		perm := uint64(*pte) & (PTE_USER | PTE_RW)
		if err := na.MapRegion(va, pgsize, npa, perm); err != nil {
			a.alloc.Free(nil, npa)
			na.Free()
			return nil, err
		}
	}
	na.Sz = sz
	return na, nil
}

// Loaduvm copies size bytes from r, starting at off, into pages already
// mapped at va. va-off must be page-aligned so each read stays within one
// mapped page and file page boundaries line up with memory page boundaries,
// per §4.2; va itself may start partway into a page.
func (a *AddressSpace) Loaduvm(va uintptr, r Reader, off int64, size int) error {
	if (va-uintptr(off))%pgsize != 0 {
		panic("vm: loaduvm: va-offset not page aligned")
	}
	for i := 0; i < size; {
		v := va + uintptr(i)
		pte, _ := walk(a.alloc, a.Pgdir, v, false)
		if pte == nil || !pte.present() {
			return fmt.Errorf("vm: loaduvm: address not mapped")
		}
		pgoff := int(v % pgsize)
		n := pgsize - pgoff
		if size-i < n {
			n = size - i
		}
		dst := (*mem.Page)(unsafe.Pointer(uintptr(pte.addr())))
		got, err := r.ReadAt(dst[pgoff:pgoff+n], off+int64(i))
		if err != nil {
			return err
		}
		if got != n {
			return fmt.Errorf("vm: loaduvm: short read")
		}
		i += n
	}
	return nil
}

// Clearpteu revokes user access from the single page at va, used to plant
// a guard page below the user stack.
func (a *AddressSpace) Clearpteu(va uintptr) {
	pte, _ := walk(a.alloc, a.Pgdir, va, false)
	if pte == nil || !pte.present() {
		panic("vm: clearpteu: address not mapped")
	}
	*pte &^= PTE_USER
}

// Copyout writes src into the user address space starting at va, resolving
// each page through its kernel-accessible alias. It rejects non-present,
// kernel-only, or read-only pages.
func (a *AddressSpace) Copyout(va uintptr, src []byte) error {
	for len(src) > 0 {
		base := va &^ (pgsize - 1)
		pte, _ := walk(a.alloc, a.Pgdir, base, false)
		if pte == nil || !pte.present() || pte.addr() == 0 {
			return fmt.Errorf("vm: copyout: unmapped page at %#x", base)
		}
		if *pte&PTE_USER == 0 {
			return fmt.Errorf("vm: copyout: kernel-only page at %#x", base)
		}
		if *pte&PTE_RW == 0 {
			return fmt.Errorf("vm: copyout: read-only page at %#x", base)
		}
		off := va - base
		n := uintptr(pgsize) - off
		if n > uintptr(len(src)) {
			n = uintptr(len(src))
		}
		dst := (*mem.Page)(unsafe.Pointer(uintptr(pte.addr())))
		copy(dst[off:off+n], src[:n])
		src = src[n:]
		va += n
	}
	return nil
}

// Walk exposes the leaf lookup for testers (Testable Properties §8: "for
// all maps ... followed by a pgdir_walk, the walk returns an entry whose
// physical address matches ...").
func (a *AddressSpace) Walk(va uintptr) (pa mem.Pa, perm uint64, ok bool) {
	pte, _ := walk(a.alloc, a.Pgdir, va&^(pgsize-1), false)
	if pte == nil || !pte.present() {
		return 0, 0, false
	}
	return pte.addr() + mem.Pa(va%pgsize), uint64(*pte), true
}

// Free tears down the entire address space (vm_free at the root level).
func (a *AddressSpace) Free() {
	vmFree(a.alloc, a.Pgdir, a.Root, 0)
}

// vmFree recursively frees a page-table subtree: level 3 frees leaf backing
// frames, levels 0-2 recurse into children then free the table itself.
// Panics on a level outside [0,3], matching vm.c's defensive check.
func vmFree(alloc *mem.Allocator, t *Table, tablePa mem.Pa, level int) {
	switch {
	case level < 0 || level > 3:
		panic("vm: vm_free: bad level")
	case level == 3:
		for _, pte := range t {
			if pte.present() {
				alloc.Free(nil, pte.addr())
			}
		}
	default:
		for _, pte := range t {
			if pte.present() {
				vmFree(alloc, tableAt(pte.addr()), pte.addr(), level+1)
			}
		}
	}
	alloc.Free(nil, tablePa)
}

// Switch stands in for installing this address space on the current CPU.
// In the simulated machine there is no TTBR0_EL1 to write, and Switch
// records nothing.
func (a *AddressSpace) Switch() {
	// Intentionally a no-op: AddressSpace methods always operate on an
	// explicit receiver, so there is no ambient "currently installed"
	// table a simulated instruction stream could consult implicitly.
	// proc.Table.Scheduler still calls this at the point uvm_switch is
	// called, to keep the call sequence faithful to §4.4.
}

func roundup(v uintptr) uintptr {
	return (v + pgsize - 1) &^ (pgsize - 1)
}
