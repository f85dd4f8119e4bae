package fs

import (
	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/defs"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/stat"
	"github.com/aamcrae/bfkernel/util"
)

// dinodeSize/layout mirror config.DinodeSize: type(2) major(2) minor(2)
// nlink(2) size(4) addrs[NDIRECT+1](4 each).
const (
	doffType  = 0
	doffMajor = 2
	doffMinor = 4
	doffNlink = 6
	doffSize  = 8
	doffAddrs = 12
)

// Dinode is the on-disk inode format, grounded on fs.h's struct dinode.
type Dinode struct {
	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [config.NDIRECT + 1]uint32
}

func decodeDinode(b []byte) Dinode {
	var d Dinode
	d.Type = int16(util.Readn(b, 2, doffType))
	d.Major = int16(util.Readn(b, 2, doffMajor))
	d.Minor = int16(util.Readn(b, 2, doffMinor))
	d.Nlink = int16(util.Readn(b, 2, doffNlink))
	d.Size = uint32(util.Readn(b, 4, doffSize))
	for i := range d.Addrs {
		d.Addrs[i] = uint32(util.Readn(b, 4, doffAddrs+4*i))
	}
	return d
}

func (d *Dinode) encodeInto(b []byte) {
	util.Writen(b, 2, doffType, int(d.Type))
	util.Writen(b, 2, doffMajor, int(d.Major))
	util.Writen(b, 2, doffMinor, int(d.Minor))
	util.Writen(b, 2, doffNlink, int(d.Nlink))
	util.Writen(b, 4, doffSize, int(d.Size))
	for i, a := range d.Addrs {
		util.Writen(b, 4, doffAddrs+4*i, int(a))
	}
}

// Inode is the in-memory cached copy of a Dinode, grounded on fs.h's
// struct inode. Valid becomes true once its fields have been populated
// from disk by ilock; Ref counts in-memory references distinct from
// Nlink's on-disk link count.
type Inode struct {
	lock  *lock.Sleeplock
	fs    *FS
	Dev   int
	Inum  int
	Ref   int
	Valid bool
	Dinode
}

type icache struct {
	lk    lock.Spinlock
	inode [config.NINODE]Inode
}

func newIcache() *icache {
	ic := &icache{}
	for i := range ic.inode {
		ic.inode[i].lock = lock.NewSleeplock()
	}
	return ic
}

// iget returns an unlocked in-memory handle for (dev, inum), bumping its
// reference count, without reading the disk. The caller must ilock it
// before touching any Dinode field.
func (f *FS) iget(cpu *lock.Cpu, dev, inum int) *Inode {
	ic := f.ic
	ic.lk.Acquire(cpu)
	defer ic.lk.Release(cpu)

	var empty *Inode
	for i := range ic.inode {
		ip := &ic.inode[i]
		if ip.Ref > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.Ref++
			return ip
		}
		if empty == nil && ip.Ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("fs: iget: no empty inode slots")
	}
	empty.fs = f
	empty.Dev = dev
	empty.Inum = inum
	empty.Ref = 1
	empty.Valid = false
	return empty
}

// idup bumps ip's reference count under the icache lock and returns ip, for
// callers that want to hand out another reference to an inode they already
// hold (e.g. namex starting its walk from the caller's cwd).
func (f *FS) idup(cpu *lock.Cpu, ip *Inode) *Inode {
	f.ic.lk.Acquire(cpu)
	ip.Ref++
	f.ic.lk.Release(cpu)
	return ip
}

func (f *FS) inodeBlock(inum int) int {
	return f.sb.InodeStart + inum/config.IPB
}

// ilock locks ip and, the first time, loads its Dinode fields from disk.
func (f *FS) ilock(cpu *lock.Cpu, ip *Inode) {
	if ip == nil || ip.Ref < 1 {
		panic("fs: ilock: inode has no references")
	}
	ip.lock.Acquire()
	if !ip.Valid {
		b := f.bc.bread(cpu, ip.Dev, f.inodeBlock(ip.Inum))
		off := (ip.Inum % config.IPB) * config.DinodeSize
		ip.Dinode = decodeDinode(b.Data[off : off+config.DinodeSize])
		f.bc.brelse(cpu, b)
		ip.Valid = true
		if ip.Type == config.T_FREE {
			panic("fs: ilock: inode has no type")
		}
	}
}

func (f *FS) iunlock(ip *Inode) {
	if !ip.lock.Holding() {
		panic("fs: iunlock: inode not locked")
	}
	ip.lock.Release()
}

// iupdate writes ip's in-memory Dinode fields back to its disk block. The
// caller must be inside a BeginOp/EndOp transaction.
func (f *FS) iupdate(cpu *lock.Cpu, ip *Inode) {
	b := f.bc.bread(cpu, ip.Dev, f.inodeBlock(ip.Inum))
	off := (ip.Inum % config.IPB) * config.DinodeSize
	ip.Dinode.encodeInto(b.Data[off : off+config.DinodeSize])
	f.log.LogWrite(b)
	f.bc.brelse(cpu, b)
}

// iput drops one reference to ip. If this was the last reference and the
// inode's on-disk link count has dropped to zero, its blocks are freed and
// it is returned to the free pool.
func (f *FS) iput(cpu *lock.Cpu, ip *Inode) {
	ic := f.ic
	ic.lk.Acquire(cpu)
	if ip.Ref == 1 && ip.Valid && ip.Nlink == 0 {
		ic.lk.Release(cpu)
		ip.lock.Acquire()
		f.itrunc(cpu, ip)
		ip.Type = config.T_FREE
		f.iupdate(cpu, ip)
		ip.Valid = false
		ip.lock.Release()
		ic.lk.Acquire(cpu)
	}
	ip.Ref--
	ic.lk.Release(cpu)
}

func (f *FS) iunlockput(cpu *lock.Cpu, ip *Inode) {
	f.iunlock(ip)
	f.iput(cpu, ip)
}

// Exported wrappers so packages outside fs (exec, and eventually a
// syscall layer) can manage inode references and locks returned by Namei/
// NameiParent without reaching into fs internals.
func (f *FS) Ilock(cpu *lock.Cpu, ip *Inode)      { f.ilock(cpu, ip) }
func (f *FS) Iunlock(ip *Inode)                   { f.iunlock(ip) }
func (f *FS) Iput(cpu *lock.Cpu, ip *Inode)        { f.iput(cpu, ip) }
func (f *FS) IunlockPut(cpu *lock.Cpu, ip *Inode)  { f.iunlockput(cpu, ip) }

// ialloc scans the inode region for a free slot, marks it as type t, and
// returns a locked handle to it.
func (f *FS) ialloc(cpu *lock.Cpu, t int16) (*Inode, error) {
	for inum := 1; inum < f.sb.NInodes; inum++ {
		b := f.bc.bread(cpu, f.Dev, f.inodeBlock(inum))
		off := (inum % config.IPB) * config.DinodeSize
		d := decodeDinode(b.Data[off : off+config.DinodeSize])
		if d.Type == config.T_FREE {
			d = Dinode{Type: t}
			d.encodeInto(b.Data[off : off+config.DinodeSize])
			f.log.LogWrite(b)
			f.bc.brelse(cpu, b)
			ip := f.iget(cpu, f.Dev, inum)
			f.ilock(cpu, ip)
			return ip, nil
		}
		f.bc.brelse(cpu, b)
	}
	return nil, ErrNoSpace
}

// bmap returns the data block number holding the bn'th block of ip's
// content, allocating it (and, for indirect blocks, the indirect block
// itself) on first use. allocated reports whether this call itself had to
// allocate the returned data block (not counting an indirect block
// allocated purely to reach it), for writei's rollback bookkeeping.
func (f *FS) bmap(cpu *lock.Cpu, ip *Inode, bn int) (blockno int, allocated bool, err error) {
	if bn < config.NDIRECT {
		if ip.Addrs[bn] == 0 {
			blk, err := f.balloc(cpu)
			if err != nil {
				return 0, false, err
			}
			ip.Addrs[bn] = uint32(blk)
			return blk, true, nil
		}
		return int(ip.Addrs[bn]), false, nil
	}
	bn -= config.NDIRECT
	if bn >= config.NINDIRECT {
		panic("fs: bmap: offset out of range")
	}
	if ip.Addrs[config.NDIRECT] == 0 {
		blk, err := f.balloc(cpu)
		if err != nil {
			return 0, false, err
		}
		ip.Addrs[config.NDIRECT] = uint32(blk)
	}
	ib := f.bc.bread(cpu, ip.Dev, int(ip.Addrs[config.NDIRECT]))
	addr := util.Readn(ib.Data[:], 4, bn*4)
	fresh := false
	if addr == 0 {
		blk, err := f.balloc(cpu)
		if err != nil {
			f.bc.brelse(cpu, ib)
			return 0, false, err
		}
		util.Writen(ib.Data[:], 4, bn*4, blk)
		f.log.LogWrite(ib)
		addr = blk
		fresh = true
	}
	f.bc.brelse(cpu, ib)
	return addr, fresh, nil
}

// itrunc frees every data block ip owns and resets its size to zero.
//
// The indirect block's own slot is Addrs[config.NDIRECT]; the original
// cleared Addrs[config.NINDIRECT] instead, which is out of range of the
// 13-entry address array and leaves the indirect block leaked on every
// truncate. Fixed here to clear the correct slot.
func (f *FS) itrunc(cpu *lock.Cpu, ip *Inode) {
	for i := 0; i < config.NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			f.bfree(cpu, int(ip.Addrs[i]))
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[config.NDIRECT] != 0 {
		ib := f.bc.bread(cpu, ip.Dev, int(ip.Addrs[config.NDIRECT]))
		for i := 0; i < config.NINDIRECT; i++ {
			addr := util.Readn(ib.Data[:], 4, i*4)
			if addr != 0 {
				f.bfree(cpu, addr)
			}
		}
		f.bc.brelse(cpu, ib)
		f.bfree(cpu, int(ip.Addrs[config.NDIRECT]))
		ip.Addrs[config.NDIRECT] = 0
	}
	ip.Size = 0
	f.iupdate(cpu, ip)
}

// readi reads len(dst) bytes from ip starting at off, returning the number
// of bytes actually copied (0 if off is exactly at the end of file). An off
// past the end of file, or negative, returns ErrInvalid.
func (f *FS) readi(cpu *lock.Cpu, ip *Inode, dst []byte, off int64) (int, error) {
	if ip.Type == config.T_DEV {
		dev := f.devsw[ip.Major]
		if dev == nil {
			return 0, ErrInvalid
		}
		return dev.Read(ip, dst, off)
	}
	if off < 0 || off > int64(ip.Size) {
		return 0, ErrInvalid
	}
	n := int64(len(dst))
	if off+n > int64(ip.Size) {
		n = int64(ip.Size) - off
	}
	total := int64(0)
	for total < n {
		bn, _, err := f.bmap(cpu, ip, int((off+total)/config.BSIZE))
		if err != nil {
			return int(total), err
		}
		b := f.bc.bread(cpu, ip.Dev, bn)
		boff := (off + total) % config.BSIZE
		m := util.Min(n-total, int64(config.BSIZE)-boff)
		copy(dst[total:total+m], b.Data[boff:int64(boff)+m])
		f.bc.brelse(cpu, b)
		total += m
	}
	return int(total), nil
}

// writei writes src to ip starting at off. It is all-or-nothing: if the
// write cannot be completed in full (range validation fails, or the
// device runs out of space partway through), ip is left exactly as it was
// and (0, err) is returned, rather than returning a short byte count for
// the caller to retry and potentially misinterpret as EOF.
//
// The original accumulated (oldsz-off) into an outer variable that was
// also reused for the wraparound and MAXFILE checks, so a write spanning
// the wraparound boundary could both under-report the byte count and
// leave size inconsistent with the blocks actually written. Redesigned
// here as a clean up-front range check, then a pass that maps every block
// the write touches before any byte is copied; if that pass fails, every
// block it allocated (including a new indirect block) is freed again.
func (f *FS) writei(cpu *lock.Cpu, ip *Inode, src []byte, off int64) (int, error) {
	if ip.Type == config.T_DEV {
		dev := f.devsw[ip.Major]
		if dev == nil {
			return 0, ErrInvalid
		}
		return dev.Write(ip, src, off)
	}
	n := int64(len(src))
	if off < 0 || n < 0 || off+n < off {
		return 0, ErrInvalid
	}
	if off+n > int64(config.MAXFILE)*config.BSIZE {
		return 0, ErrTooBig
	}

	origSize := ip.Size
	origIndirect := ip.Addrs[config.NDIRECT]
	var freshBlocks []freshBlock
	for bi := int(off / config.BSIZE); n > 0 && int64(bi)*config.BSIZE < off+n; bi++ {
		bn, fresh, err := f.bmap(cpu, ip, bi)
		if err != nil {
			f.rollbackWrite(cpu, ip, origSize, freshBlocks)
			if origIndirect == 0 && ip.Addrs[config.NDIRECT] != 0 {
				f.bfree(cpu, int(ip.Addrs[config.NDIRECT]))
				ip.Addrs[config.NDIRECT] = 0
				f.iupdate(cpu, ip)
			}
			return 0, err
		}
		if fresh {
			freshBlocks = append(freshBlocks, freshBlock{bi, bn})
		}
	}
	total := int64(0)
	for total < n {
		blockIdx := int((off + total) / config.BSIZE)
		bn, fresh, err := f.bmap(cpu, ip, blockIdx)
		if err != nil {
			f.rollbackWrite(cpu, ip, origSize, freshBlocks)
			return 0, err
		}
		if fresh {
			freshBlocks = append(freshBlocks, freshBlock{blockIdx, bn})
		}
		b := f.bc.bread(cpu, ip.Dev, bn)
		boff := (off + total) % config.BSIZE
		m := util.Min(n-total, int64(config.BSIZE)-boff)
		copy(b.Data[boff:int64(boff)+m], src[total:total+m])
		f.log.LogWrite(b)
		f.bc.brelse(cpu, b)
		total += m
	}
	if uint32(off+n) > ip.Size {
		ip.Size = uint32(off + n)
	}
	f.iupdate(cpu, ip)
	return int(total), nil
}

// InodeReader adapts a locked Inode into an io.ReaderAt-shaped value
// (vm.Reader), so package exec can load ELF segments straight out of the
// filesystem without vm importing fs and creating a cycle.
type InodeReader struct {
	fs  *FS
	cpu *lock.Cpu
	Ip  *Inode
}

// NewInodeReader wraps an already-locked inode for random-access reads.
func (f *FS) NewInodeReader(cpu *lock.Cpu, ip *Inode) *InodeReader {
	return &InodeReader{fs: f, cpu: cpu, Ip: ip}
}

// ReadAt implements vm.Reader.
func (r *InodeReader) ReadAt(buf []byte, off int64) (int, error) {
	return r.fs.readi(r.cpu, r.Ip, buf, off)
}

// stati fills st with ip's metadata, for the fstat/stat family of syscalls.
func (f *FS) stati(ip *Inode, st *stat.Stat_t) {
	st.Wdev(uint(ip.Dev))
	st.Wino(uint(ip.Inum))
	switch ip.Type {
	case config.T_DIR:
		st.Wmode(0040000) // S_IFDIR
	case config.T_FILE:
		st.Wmode(0100000) // S_IFREG
	default:
		st.Wmode(0)
	}
	st.Wsize(uint(ip.Size))
	if ip.Type == config.T_DEV {
		st.Wrdev(defs.Mkdev(int(ip.Major), int(ip.Minor)))
	}
}

// freshBlock records one data block allocated during a writei call, so a
// failed call can undo exactly the allocations it made.
type freshBlock struct {
	blockIdx int
	bn       int
}

// rollbackWrite frees blocks allocated during a writei call that failed
// partway through, restoring the file to its pre-call size and clearing
// every pointer (direct or indirect) that was made to reference them.
func (f *FS) rollbackWrite(cpu *lock.Cpu, ip *Inode, origSize uint32, fresh []freshBlock) {
	for _, fb := range fresh {
		f.bfree(cpu, fb.bn)
		if fb.blockIdx < config.NDIRECT {
			ip.Addrs[fb.blockIdx] = 0
			continue
		}
		if ip.Addrs[config.NDIRECT] == 0 {
			continue
		}
		ib := f.bc.bread(cpu, ip.Dev, int(ip.Addrs[config.NDIRECT]))
		util.Writen(ib.Data[:], 4, (fb.blockIdx-config.NDIRECT)*4, 0)
		f.log.LogWrite(ib)
		f.bc.brelse(cpu, ib)
	}
	ip.Size = origSize
	f.iupdate(cpu, ip)
}
