package fs

import (
	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/ustr"
)

// skipelem splits the next path element off the front of path, returning
// it along with the remainder with leading/trailing slashes consumed.
// Grounded on fs.c's skipelem.
func skipelem(path ustr.Ustr) (elem ustr.Ustr, rest ustr.Ustr) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return nil, nil
	}
	i := path.IndexByte('/')
	if i < 0 {
		elem = path
		path = nil
	} else {
		elem = path[:i]
		path = path[i:]
	}
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(elem) > config.DIRSIZ {
		elem = elem[:config.DIRSIZ]
	}
	return elem, path
}

// namex walks path starting from cwd (the caller's current directory
// inode, already referenced), returning the locked target inode, or (if
// wantParent is true) the referenced but unlocked parent directory inode
// plus the final element's name.
func (f *FS) namex(cpu *lock.Cpu, cwd *Inode, path ustr.Ustr, wantParent bool) (*Inode, ustr.Ustr, error) {
	var ip *Inode
	if path.IsAbsolute() {
		ip = f.iget(cpu, f.Dev, config.ROOTINO)
	} else {
		ip = f.idup(cpu, cwd)
	}

	var elem ustr.Ustr
	for {
		elem, path = skipelem(path)
		if elem == nil {
			break
		}
		f.ilock(cpu, ip)
		if ip.Type != config.T_DIR {
			f.iunlockput(cpu, ip)
			return nil, nil, ErrNotDir
		}
		if wantParent && len(path) == 0 {
			// Stop one level early: caller wants the parent directory, not
			// the final element itself.
			f.iunlock(ip)
			return ip, elem, nil
		}
		next, _, err := f.dirlookup(cpu, ip, elem)
		if err != nil {
			f.iunlockput(cpu, ip)
			return nil, nil, err
		}
		f.iunlockput(cpu, ip)
		ip = next
	}
	if wantParent {
		f.iput(cpu, ip)
		return nil, nil, ErrInvalid
	}
	f.ilock(cpu, ip)
	return ip, nil, nil
}

// Namei resolves path to a locked inode.
func (f *FS) Namei(cpu *lock.Cpu, cwd *Inode, path ustr.Ustr) (*Inode, error) {
	ip, _, err := f.namex(cpu, cwd, path, false)
	return ip, err
}

// NameiParent resolves path's parent directory, returning it locked along
// with the final path element's name (not yet looked up).
func (f *FS) NameiParent(cpu *lock.Cpu, cwd *Inode, path ustr.Ustr) (*Inode, ustr.Ustr, error) {
	dp, elem, err := f.namex(cpu, cwd, path, true)
	if err != nil {
		return nil, nil, err
	}
	f.ilock(cpu, dp)
	return dp, elem, nil
}
