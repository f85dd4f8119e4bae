package fs

import (
	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/ustr"
	"github.com/aamcrae/bfkernel/util"
)

// dirent is one directory entry, grounded on fs.h's struct dirent: a
// 2-byte inode number followed by a fixed config.DIRSIZ-byte name field,
// NUL-padded and not necessarily NUL-terminated if the name is exactly
// DIRSIZ bytes long.
type dirent struct {
	Inum uint16
	Name [config.DIRSIZ]byte
}

func decodeDirent(b []byte) dirent {
	var d dirent
	d.Inum = uint16(util.Readn(b, 2, 0))
	copy(d.Name[:], b[2:2+config.DIRSIZ])
	return d
}

func (d *dirent) encodeInto(b []byte) {
	util.Writen(b, 2, 0, int(d.Inum))
	copy(b[2:2+config.DIRSIZ], d.Name[:])
}

func direntName(d *dirent) ustr.Ustr {
	return ustr.MkUstrSlice(d.Name[:])
}

// dirlookup scans dp (which must already be locked and of type T_DIR) for
// name, returning the matching unlocked inode and the byte offset of its
// directory entry.
func (f *FS) dirlookup(cpu *lock.Cpu, dp *Inode, name ustr.Ustr) (*Inode, int, error) {
	if dp.Type != config.T_DIR {
		panic("fs: dirlookup: not a directory")
	}
	raw := make([]byte, config.DirentSize)
	for off := 0; off < int(dp.Size); off += config.DirentSize {
		n, err := f.readi(cpu, dp, raw, int64(off))
		if err != nil || n != config.DirentSize {
			panic("fs: dirlookup: short directory read")
		}
		de := decodeDirent(raw)
		if de.Inum == 0 {
			continue
		}
		if direntName(&de).Eq(name) {
			return f.iget(cpu, dp.Dev, int(de.Inum)), off, nil
		}
	}
	return nil, 0, ErrNotFound
}

// dirlink adds a (name, inum) entry to dp, reusing the first free slot if
// one exists and appending otherwise. Fails if name is already present.
func (f *FS) dirlink(cpu *lock.Cpu, dp *Inode, name ustr.Ustr, inum int) error {
	if len(name) > config.DIRSIZ {
		return ErrNameTooLong
	}
	if existing, _, err := f.dirlookup(cpu, dp, name); err == nil {
		f.iput(cpu, existing)
		return ErrExists
	}

	raw := make([]byte, config.DirentSize)
	off := 0
	for ; off < int(dp.Size); off += config.DirentSize {
		n, err := f.readi(cpu, dp, raw, int64(off))
		if err != nil || n != config.DirentSize {
			panic("fs: dirlink: short directory read")
		}
		de := decodeDirent(raw)
		if de.Inum == 0 {
			break
		}
	}

	var de dirent
	de.Inum = uint16(inum)
	copy(de.Name[:], name)
	buf := make([]byte, config.DirentSize)
	de.encodeInto(buf)
	n, err := f.writei(cpu, dp, buf, int64(off))
	if err != nil || n != config.DirentSize {
		return ErrNoSpace
	}
	return nil
}

// dirunlink clears the directory entry at off, used when removing a name.
func (f *FS) dirunlink(cpu *lock.Cpu, dp *Inode, off int) error {
	buf := make([]byte, config.DirentSize)
	var de dirent
	de.encodeInto(buf)
	n, err := f.writei(cpu, dp, buf, int64(off))
	if err != nil || n != config.DirentSize {
		return ErrInvalid
	}
	return nil
}

// isDirEmpty reports whether dp (a directory) contains only "." and "..".
func (f *FS) isDirEmpty(cpu *lock.Cpu, dp *Inode) bool {
	raw := make([]byte, config.DirentSize)
	for off := 2 * config.DirentSize; off < int(dp.Size); off += config.DirentSize {
		n, err := f.readi(cpu, dp, raw, int64(off))
		if err != nil || n != config.DirentSize {
			panic("fs: isDirEmpty: short directory read")
		}
		de := decodeDirent(raw)
		if de.Inum != 0 {
			return false
		}
	}
	return true
}
