// Package fd is the per-process open-file-descriptor layer: the table
// slot a process-level fd number indexes into, and the current-working-
// directory tracker every process carries. Grounded on
// original_source/kern/file.h's struct file plus the teacher's Fd_t/Cwd_t
// split between descriptor bookkeeping and the backing operations.
package fd

import (
	"sync"

	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/stat"
	"github.com/aamcrae/bfkernel/ustr"
)

// Fd descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fops is implemented by whatever a descriptor actually reads and writes
// (an inode-backed fs.File being the only kind this kernel's scope
// names). Every method threads the calling CPU through explicitly rather
// than capturing one at construction time, since a descriptor can be used
// from any process/CPU that holds it.
type Fops interface {
	Read(cpu *lock.Cpu, dst []byte) (int, error)
	Write(cpu *lock.Cpu, src []byte) (int, error)
	Close(cpu *lock.Cpu) error
	Fstat(cpu *lock.Cpu, st *stat.Stat_t) error
	Reopen(cpu *lock.Cpu) error
}

// Fd_t is one open file descriptor: the backing operations plus the
// permission bits it was opened with.
type Fd_t struct {
	// Fops is an interface implemented via a pointer receiver, so copying
	// an Fd_t copies a reference to the backing file, not the file itself.
	Fops  Fops
	Perms int
}

// Copyfd duplicates an open file descriptor, bumping the backing file's
// reference count via Reopen.
func Copyfd(cpu *lock.Cpu, fd *Fd_t) (*Fd_t, error) {
	nfd := &Fd_t{}
	*nfd = *fd
	if err := nfd.Fops.Reopen(cpu); err != nil {
		return nil, err
	}
	return nfd, nil
}

// ClosePanic closes the descriptor, panicking if Close fails — used on
// cleanup paths where failure would indicate a kernel bug, not a
// user-facing error.
func ClosePanic(cpu *lock.Cpu, f *Fd_t) {
	if err := f.Fops.Close(cpu); err != nil {
		panic("fd: close must succeed: " + err.Error())
	}
}

// Cwd_t tracks a process's current working directory: the open descriptor
// on it, and its canonical path (kept for reporting only; path resolution
// always walks from the descriptor's inode, never by re-parsing this
// string).
type Cwd_t struct {
	sync.Mutex // serializes concurrent chdirs
	Fd         *Fd_t
	Path       ustr.Ustr
}

// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	full := append(append(ustr.Ustr{}, cwd.Path...), '/')
	return append(full, p...)
}

// MkRootCwd constructs a Cwd_t rooted at "/".
func MkRootCwd(fd *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: fd, Path: ustr.MkUstrRoot()}
}
