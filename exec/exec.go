// Package exec is the ELF loader of §4.9: build a fresh address space
// from an on-disk ELF binary's PT_LOAD segments and a constructed argv/
// envp stack, handed back to the caller only once every step has
// succeeded. Execve neither installs the new address space in the calling
// process nor frees the caller's old one. Grounded on original_source/kern/exec.c,
// generalized from its hand-rolled ELF header struct to the standard
// library's debug/elf, and from x86_64-only validation (as chentry.go
// checked) to this kernel's AArch64 target.
package exec

import (
	"debug/elf"
	"errors"

	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/fs"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/mem"
	"github.com/aamcrae/bfkernel/ustr"
	"github.com/aamcrae/bfkernel/vm"
)

var (
	ErrNotELF    = errors.New("exec: not a valid ELF binary")
	ErrWrongArch = errors.New("exec: wrong machine architecture")
	ErrWrongType = errors.New("exec: not an executable ELF file")
	ErrArgsTooBig = errors.New("exec: argument list too big")
)

// Auxiliary vector type tags, standard ELF auxv values (matching
// original_source/kern/exec.c's auxv == {0, AT_PAGESZ, PGSIZE, AT_NULL}).
const (
	atNull   = 0
	atPagesz = 6
)

// Result is what a successful Execve hands back to the syscall layer to
// install into the calling process's trapframe.
type Result struct {
	Entry uint64
	SP    uint64
	Sz    uintptr
}

// maxArg bounds the total bytes of argv+envp pushed onto the new stack,
// so a malicious or buggy caller cannot exhaust the freshly built address
// space before the process has even started.
const maxArg = 32 * config.PGSIZE

// Execve loads the ELF binary at path into a fresh address space and
// returns it with the entry point and initial stack pointer for it.
// Execve never touches the caller's existing address space. On any
// failure the new address space built along the way is freed via defer before
// returning the error, exactly as exec.c unwinds through its bad: label
// on every failure path.
func Execve(cpu *lock.Cpu, fsys *fs.FS, cwd *fs.Inode, alloc *mem.Allocator, path ustr.Ustr, argv, envp []string) (*vm.AddressSpace, Result, error) {
	ip, err := fsys.Namei(cpu, cwd, path)
	if err != nil {
		return nil, Result{}, err
	}
	defer fsys.IunlockPut(cpu, ip)

	r := fsys.NewInodeReader(cpu, ip)
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, Result{}, ErrNotELF
	}
	if ef.Machine != elf.EM_AARCH64 {
		return nil, Result{}, ErrWrongArch
	}
	if ef.Type != elf.ET_EXEC {
		return nil, Result{}, ErrWrongType
	}

	as, err := vm.New(alloc)
	if err != nil {
		return nil, Result{}, err
	}
	ok := false
	defer func() {
		if !ok {
			as.Free()
		}
	}()

	var sz uintptr
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		top := uintptr(prog.Vaddr + prog.Memsz)
		if top > sz {
			var err error
			sz, err = as.Allocuvm(sz, top)
			if err != nil {
				return nil, Result{}, err
			}
		}
		if err := as.Loaduvm(uintptr(prog.Vaddr), r, int64(prog.Off), int(prog.Filesz)); err != nil {
			return nil, Result{}, err
		}
	}

	sp, newSz, err := buildStack(as, sz, argv, envp)
	if err != nil {
		return nil, Result{}, err
	}

	ok = true
	return as, Result{Entry: ef.Entry, SP: uint64(sp), Sz: newSz}, nil
}

// buildStack grows the address space by two guard-adjacent pages — one
// inaccessible guard page below a read-write stack page — and lays out
// argv/envp on it top-down, from high addresses to low: the strings
// themselves (envp, then argv, each padded to 8 bytes), then the auxv
// terminator block ({AT_NULL, AT_PAGESZ, PGSIZE, AT_NULL}), then the envp
// pointer array (NULL-terminated), then the argv pointer array (NULL-
// terminated), then argc followed by the argv array's address at a
// 16-byte-aligned stack pointer, matching the AArch64 process-entry ABI the
// original's stack construction approximates for its own architecture.
func buildStack(as *vm.AddressSpace, sz uintptr, argv, envp []string) (sp uintptr, newSz uintptr, err error) {
	guardBase := roundup(sz)
	top := guardBase + 2*config.PGSIZE
	newSz, err = as.Allocuvm(sz, top)
	if err != nil {
		return 0, 0, err
	}
	as.Clearpteu(guardBase) // guard page: present but unreadable by user code

	sp = top
	pushStr := func(s string) (uintptr, error) {
		b := append([]byte(s), 0)
		n := roundup8(len(b))
		sp -= uintptr(n)
		buf := make([]byte, n)
		copy(buf, b)
		if err := as.Copyout(sp, buf); err != nil {
			return 0, err
		}
		return sp, nil
	}

	envPtrs := make([]uint64, 0, len(envp)+1)
	for i := len(envp) - 1; i >= 0; i-- {
		addr, err := pushStr(envp[i])
		if err != nil {
			return 0, 0, err
		}
		envPtrs = append(envPtrs, uint64(addr))
	}
	argPtrs := make([]uint64, 0, len(argv)+1)
	for i := len(argv) - 1; i >= 0; i-- {
		addr, err := pushStr(argv[i])
		if err != nil {
			return 0, 0, err
		}
		argPtrs = append(argPtrs, uint64(addr))
	}
	if top-sp > maxArg {
		return 0, 0, ErrArgsTooBig
	}
	// Each loop above pushed strings from last to first, so the pointer
	// arrays it built are reversed relative to the caller's argv/envp
	// order; flip them back before writing the pointer arrays themselves.
	reverseU64(envPtrs)
	reverseU64(argPtrs)

	pushWords := func(words []uint64) (uintptr, error) {
		sp &^= 7
		all := append(words, 0)
		n := uintptr(len(all) * 8)
		sp -= n
		buf := make([]byte, n)
		for i, w := range all {
			putLE64(buf[i*8:], w)
		}
		if err := as.Copyout(sp, buf); err != nil {
			return 0, err
		}
		return sp, nil
	}

	auxv := []uint64{atNull, atPagesz, uint64(config.PGSIZE), atNull}
	sp &^= 7
	sp -= uintptr(len(auxv) * 8)
	auxvBuf := make([]byte, len(auxv)*8)
	for i, w := range auxv {
		putLE64(auxvBuf[i*8:], w)
	}
	if err := as.Copyout(sp, auxvBuf); err != nil {
		return 0, 0, err
	}

	if _, err := pushWords(envPtrs); err != nil {
		return 0, 0, err
	}
	argvBase, err := pushWords(argPtrs)
	if err != nil {
		return 0, 0, err
	}

	sp &^= 15
	sp -= 16
	buf := make([]byte, 16)
	putLE64(buf[0:8], uint64(len(argv)))
	putLE64(buf[8:16], uint64(argvBase))
	if err := as.Copyout(sp, buf); err != nil {
		return 0, 0, err
	}

	return sp, newSz, nil
}

func roundup(v uintptr) uintptr {
	return (v + config.PGSIZE - 1) &^ (config.PGSIZE - 1)
}

func roundup8(n int) int {
	return (n + 7) &^ 7
}

func reverseU64(s []uint64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
