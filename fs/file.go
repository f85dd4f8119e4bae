package fs

import (
	"sync"

	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/stat"
)

// File is one entry in the open-file table: a shared, reference-counted
// cursor onto an inode. Grounded on original_source/kern/file.h's struct
// file; the teacher's pipe/socket file kinds have no home here since this
// spec's scope is the inode filesystem, so only the inode-backed kind
// survives (supplemented feature: the file-table layer itself is not in
// the base spec, which only goes down to readi/writei).
type File struct {
	mu        sync.Mutex
	Ref       int
	Readable  bool
	Writable  bool
	Append    bool
	Ip        *Inode
	Off       int64
	fs        *FS
}

// ftable is the fixed-size, reference-counted file table, one per
// filesystem instance, grounded on file.c's global ftable.
type ftable struct {
	lk lock.Spinlock
	f  [config.NFILE]File
}

func newFtable() *ftable {
	return &ftable{}
}

// FileAlloc returns a fresh, singly-referenced File wrapping ip, or an
// error if the table is full.
func (f *FS) FileAlloc(cpu *lock.Cpu, ip *Inode, readable, writable, appendMode bool) (*File, error) {
	ft := f.ft()
	ft.lk.Acquire(cpu)
	defer ft.lk.Release(cpu)
	for i := range ft.f {
		if ft.f[i].Ref == 0 {
			ft.f[i] = File{Ref: 1, Readable: readable, Writable: writable, Append: appendMode, Ip: ip, fs: f}
			return &ft.f[i], nil
		}
	}
	return nil, ErrNoSpace
}

// FileDup bumps ff's reference count and returns it.
func (f *FS) FileDup(cpu *lock.Cpu, ff *File) *File {
	ft := f.ft()
	ft.lk.Acquire(cpu)
	if ff.Ref < 1 {
		ft.lk.Release(cpu)
		panic("fs: filedup of closed file")
	}
	ff.Ref++
	ft.lk.Release(cpu)
	return ff
}

// FileClose drops one reference to ff, releasing its inode once the last
// reference is gone.
func (f *FS) FileClose(cpu *lock.Cpu, ff *File) {
	ft := f.ft()
	ft.lk.Acquire(cpu)
	if ff.Ref < 1 {
		ft.lk.Release(cpu)
		panic("fs: fileclose of closed file")
	}
	ff.Ref--
	last := ff.Ref == 0
	ft.lk.Release(cpu)
	if !last {
		return
	}
	ip := ff.Ip
	f.BeginOp()
	f.ilock(cpu, ip)
	f.iunlockput(cpu, ip)
	f.EndOp()
}

// FileRead reads into dst at ff's current offset, advancing it.
func (f *FS) FileRead(cpu *lock.Cpu, ff *File, dst []byte) (int, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if !ff.Readable {
		return 0, ErrInvalid
	}
	f.ilock(cpu, ff.Ip)
	n, err := f.readi(cpu, ff.Ip, dst, ff.Off)
	f.iunlock(ff.Ip)
	ff.Off += int64(n)
	return n, err
}

// FileWrite writes src at ff's current offset (or at end-of-file if
// opened in append mode), advancing it. Large writes are split into chunks
// of (config.MAXOPBLOCKS-4)/2 blocks, each under its own log transaction, so
// one write of an arbitrarily large buffer cannot overflow the log the
// way a single giant transaction would. Grounded on file.c's filewrite
// chunking loop.
func (f *FS) FileWrite(cpu *lock.Cpu, ff *File, src []byte) (int, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if !ff.Writable {
		return 0, ErrInvalid
	}
	maxPerOp := ((config.MAXOPBLOCKS - 4) / 2) * config.BSIZE
	total := 0
	for total < len(src) {
		n := len(src) - total
		if n > maxPerOp {
			n = maxPerOp
		}
		f.BeginOp()
		f.ilock(cpu, ff.Ip)
		if ff.Append {
			ff.Off = int64(ff.Ip.Size)
		}
		wrote, err := f.writei(cpu, ff.Ip, src[total:total+n], ff.Off)
		f.iunlock(ff.Ip)
		f.EndOp()
		if err != nil {
			if total == 0 {
				return 0, err
			}
			return total, err
		}
		ff.Off += int64(wrote)
		total += wrote
		if wrote != n {
			break
		}
	}
	return total, nil
}

// FileStat fills st with ff's inode metadata.
func (f *FS) FileStat(cpu *lock.Cpu, ff *File, st *stat.Stat_t) {
	f.ilock(cpu, ff.Ip)
	f.stati(ff.Ip, st)
	f.iunlock(ff.Ip)
}

func (f *FS) ft() *ftable {
	return f.ftab
}
