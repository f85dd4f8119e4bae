package vm

import (
	"testing"
	"unsafe"

	"github.com/aamcrae/bfkernel/mem"
)

// newTestAllocator backs an Allocator with enough real memory for a
// handful of address spaces: root table, intermediate tables, and a few
// leaf pages each.
func newTestAllocator(t *testing.T, pages int) *mem.Allocator {
	t.Helper()
	buf := make([]byte, (pages+1)*pgsize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + pgsize - 1) &^ (pgsize - 1)
	start := unsafe.Pointer(aligned)
	end := unsafe.Add(start, pages*pgsize)

	a := mem.NewAllocator()
	a.Init(start, end)
	return a
}

func TestUvmInitMapsPageZero(t *testing.T) {
	alloc := newTestAllocator(t, 16)
	as, err := New(alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	code := []byte("user code")
	if err := as.UvmInit(code); err != nil {
		t.Fatalf("UvmInit: %v", err)
	}
	pa, perm, ok := as.Walk(0)
	if !ok {
		t.Fatal("Walk(0) not found after UvmInit")
	}
	if perm&PTE_USER == 0 || perm&PTE_RW == 0 {
		t.Fatalf("perm = %#x, want PTE_USER|PTE_RW set", perm)
	}
	got := (*[len("user code")]byte)(unsafe.Pointer(uintptr(pa)))
	if string(got[:]) != string(code) {
		t.Fatalf("mapped page content = %q, want %q", got[:], code)
	}
}

func TestAllocuvmGrowsAndMaps(t *testing.T) {
	alloc := newTestAllocator(t, 16)
	as, err := New(alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	newsz, err := as.Allocuvm(0, uintptr(3*pgsize))
	if err != nil {
		t.Fatalf("Allocuvm: %v", err)
	}
	if newsz != uintptr(3*pgsize) {
		t.Fatalf("Allocuvm returned %d, want %d", newsz, 3*pgsize)
	}
	for _, va := range []uintptr{0, uintptr(pgsize), uintptr(2 * pgsize)} {
		if _, _, ok := as.Walk(va); !ok {
			t.Fatalf("Walk(%#x) not mapped after Allocuvm", va)
		}
	}
}

func TestDeallocuvmUnmapsAndFrees(t *testing.T) {
	alloc := newTestAllocator(t, 16)
	as, err := New(alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := as.Allocuvm(0, uintptr(2*pgsize)); err != nil {
		t.Fatalf("Allocuvm: %v", err)
	}
	as.Deallocuvm(uintptr(2*pgsize), 0)
	if _, _, ok := as.Walk(0); ok {
		t.Fatal("Walk(0) still mapped after Deallocuvm to 0")
	}
	if _, _, ok := as.Walk(uintptr(pgsize)); ok {
		t.Fatal("Walk(pgsize) still mapped after Deallocuvm to 0")
	}
}

func TestDeallocuvmGrowingRangeIsNoop(t *testing.T) {
	alloc := newTestAllocator(t, 16)
	as, err := New(alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := as.Allocuvm(0, uintptr(pgsize)); err != nil {
		t.Fatalf("Allocuvm: %v", err)
	}
	got := as.Deallocuvm(0, uintptr(2*pgsize))
	if got != 0 {
		t.Fatalf("Deallocuvm(0, 2*pgsize) = %d, want 0 (no-op)", got)
	}
	if _, _, ok := as.Walk(0); !ok {
		t.Fatal("Walk(0) unmapped even though Deallocuvm should have been a no-op")
	}
}

func TestCopyuvmCopiesContentNotPages(t *testing.T) {
	alloc := newTestAllocator(t, 16)
	as, err := New(alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := as.UvmInit([]byte("parent")); err != nil {
		t.Fatalf("UvmInit: %v", err)
	}
	child, err := as.Copyuvm(as.Sz)
	if err != nil {
		t.Fatalf("Copyuvm: %v", err)
	}
	ppa, _, _ := as.Walk(0)
	cpa, _, ok := child.Walk(0)
	if !ok {
		t.Fatal("child Walk(0) not mapped")
	}
	if ppa == cpa {
		t.Fatal("child shares parent's physical page; Copyuvm must copy, not alias")
	}
	cbuf := (*[6]byte)(unsafe.Pointer(uintptr(cpa)))
	if string(cbuf[:]) != "parent" {
		t.Fatalf("child page content = %q, want %q", cbuf[:], "parent")
	}
}

func TestCopyoutRejectsReadOnlyPage(t *testing.T) {
	alloc := newTestAllocator(t, 16)
	as, err := New(alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pa, _, err := alloc.Alloc(nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := as.MapRegion(0, pgsize, pa, PTE_USER); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := as.Copyout(0, []byte("x")); err == nil {
		t.Fatal("Copyout into read-only page should fail")
	}
}

func TestMapRegionRemapPanics(t *testing.T) {
	alloc := newTestAllocator(t, 16)
	as, err := New(alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pa, _, _ := alloc.Alloc(nil)
	if err := as.MapRegion(0, pgsize, pa, PTE_USER|PTE_RW); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on remap of present leaf")
		}
	}()
	pa2, _, _ := alloc.Alloc(nil)
	as.MapRegion(0, pgsize, pa2, PTE_USER|PTE_RW)
}
