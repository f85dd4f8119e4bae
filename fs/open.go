package fs

import (
	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/ustr"
)

// Create resolves path's parent directory and allocates a new inode of
// kind t there (major/minor only meaningful for T_DEV), linking it under
// the final path element. If path already names a plain file and t is
// T_FILE, the existing file is returned instead (O_CREAT-without-O_EXCL
// semantics), grounded on sysfile.c's create().
func (f *FS) Create(cpu *lock.Cpu, cwd *Inode, path ustr.Ustr, t int16, major, minor int16) (*Inode, error) {
	f.BeginOp()
	defer f.EndOp()

	dp, name, err := f.NameiParent(cpu, cwd, path)
	if err != nil {
		return nil, err
	}
	if name == nil {
		f.iunlockput(cpu, dp)
		return nil, ErrInvalid
	}

	if existing, _, err := f.dirlookup(cpu, dp, name); err == nil {
		f.iunlockput(cpu, dp)
		f.ilock(cpu, existing)
		if t == config.T_FILE && existing.Type == config.T_FILE {
			return existing, nil
		}
		f.iunlockput(cpu, existing)
		return nil, ErrExists
	}

	ip, err := f.ialloc(cpu, t)
	if err != nil {
		f.iunlockput(cpu, dp)
		return nil, err
	}
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	f.iupdate(cpu, ip)

	if t == config.T_DIR {
		dp.Nlink++
		f.iupdate(cpu, dp)
		if err := f.dirlink(cpu, ip, ustr.MkUstrDot(), ip.Inum); err != nil {
			panic("fs: create: cannot link .")
		}
		if err := f.dirlink(cpu, ip, ustr.DotDot, dp.Inum); err != nil {
			panic("fs: create: cannot link ..")
		}
	}
	if err := f.dirlink(cpu, dp, name, ip.Inum); err != nil {
		panic("fs: create: cannot link name into parent")
	}
	f.iunlockput(cpu, dp)
	return ip, nil
}

// Unlink removes the directory entry at path, freeing its inode once the
// link count reaches zero. Refuses to remove a non-empty directory or the
// fixed "." / ".." entries.
func (f *FS) Unlink(cpu *lock.Cpu, cwd *Inode, path ustr.Ustr) error {
	f.BeginOp()
	defer f.EndOp()

	dp, name, err := f.NameiParent(cpu, cwd, path)
	if err != nil {
		return err
	}
	defer f.iunlockput(cpu, dp)
	if name == nil || name.Isdot() || name.Isdotdot() {
		return ErrInvalid
	}

	ip, off, err := f.dirlookup(cpu, dp, name)
	if err != nil {
		return err
	}
	f.ilock(cpu, ip)
	if ip.Nlink < 1 {
		panic("fs: unlink: inode with zero link count")
	}
	if ip.Type == config.T_DIR && !f.isDirEmpty(cpu, ip) {
		f.iunlockput(cpu, ip)
		return ErrInvalid
	}
	if err := f.dirunlink(cpu, dp, off); err != nil {
		f.iunlockput(cpu, ip)
		return err
	}
	if ip.Type == config.T_DIR {
		dp.Nlink--
		f.iupdate(cpu, dp)
	}
	ip.Nlink--
	f.iupdate(cpu, ip)
	f.iunlockput(cpu, ip)
	return nil
}
