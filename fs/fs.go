// Package fs is the inode-based filesystem of §4.6-§4.8: a buffer cache,
// a crash-consistent redo log, and an inode layer built on top of it,
// grounded throughout on original_source/kern/{bio,log,fs}.c.
package fs

import (
	"errors"

	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/sd"
)

// Sentinel errors returned across the fs API. The filesystem reports
// failures as Go error values, not as the legacy defs.Err_t codes.
var (
	ErrNotFound    = errors.New("fs: no such file or directory")
	ErrExists      = errors.New("fs: file exists")
	ErrNotDir      = errors.New("fs: not a directory")
	ErrIsDir       = errors.New("fs: is a directory")
	ErrNoSpace     = errors.New("fs: no space left on device")
	ErrTooBig      = errors.New("fs: file too big")
	ErrInvalid     = errors.New("fs: invalid argument")
	ErrNameTooLong = errors.New("fs: name too long")
)

// superblockBlock is the fixed block number mkfs writes the superblock to:
// block 0 is reserved for an MBR (config.MBR_BASE), block 1 holds it.
const superblockBlock = 1

// Device is implemented by anything registered behind a T_DEV inode, such
// as the console or /dev/null. Major numbers index FS.devsw.
type Device interface {
	Read(ip *Inode, dst []byte, off int64) (int, error)
	Write(ip *Inode, src []byte, off int64) (int, error)
}

const maxDevices = 8

// FS is one mounted filesystem: the device it lives on plus the buffer
// cache, log, and inode cache layered over it. The teacher's kernel
// carries this as package-level global state (a single boot-time
// filesystem); here it is an explicit value so tests can mount more than
// one image at a time.
type FS struct {
	Dev   int
	disk  sd.Disk
	sb    Superblock
	bc    *bcache
	log   *Log
	ic    *icache
	ftab  *ftable
	devsw [maxDevices]Device
}

// Mount reads the superblock from disk and brings up the buffer cache, log
// (replaying it if the device was not cleanly unmounted), and inode cache.
func Mount(dev int, disk sd.Disk) *FS {
	bc := newBcache(disk)
	b := bc.bread(nil, dev, superblockBlock)
	sb := DecodeSuperblock(b.Data[:])
	bc.brelse(nil, b)
	f := &FS{
		Dev:  dev,
		disk: disk,
		sb:   sb,
		bc:   bc,
		ic:   newIcache(),
		ftab: newFtable(),
	}
	f.log = newLog(dev, bc, sb)
	return f
}

// RegisterDevice binds a Device implementation to a major number, for
// dispatch from T_DEV inodes (defs.Mkdev/Unmkdev encode the pair stored in
// Dinode.Major/Minor).
func (f *FS) RegisterDevice(major int, d Device) {
	f.devsw[major] = d
}

// Root returns a referenced, unlocked handle to the root inode.
func (f *FS) Root(cpu *lock.Cpu) *Inode {
	return f.iget(cpu, f.Dev, config.ROOTINO)
}

// BeginOp/EndOp delimit one filesystem operation for the redo log.
func (f *FS) BeginOp() { f.log.BeginOp() }
func (f *FS) EndOp()   { f.log.EndOp() }

// balloc finds a free data block, marks it used in the on-disk bitmap,
// zeroes it through the log, and returns its block number. Grounded on
// fs.c's balloc, which scans the bitmap one block at a time.
//
// Bit i of the bitmap region corresponds to data block f.sb.DataStart()+i,
// not to absolute device block i — the bitmap only ever describes the
// data region, never the boot/superblock/log/inode/bitmap blocks that
// precede it.
func (f *FS) balloc(cpu *lock.Cpu) (int, error) {
	dataStart := f.sb.DataStart()
	for base := 0; base < f.sb.NBlocks; base += config.BPB {
		bn := f.sb.BmapStart() + base/config.BPB
		bbuf := f.bc.bread(cpu, f.Dev, bn)
		for bi := 0; bi < config.BPB && base+bi < f.sb.NBlocks; bi++ {
			byteIdx := bi / 8
			mask := byte(1 << (bi % 8))
			if bbuf.Data[byteIdx]&mask != 0 {
				continue
			}
			bbuf.Data[byteIdx] |= mask
			f.log.LogWrite(bbuf)
			f.bc.brelse(cpu, bbuf)
			blockno := dataStart + base + bi
			zbuf := f.bc.bread(cpu, f.Dev, blockno)
			for i := range zbuf.Data {
				zbuf.Data[i] = 0
			}
			f.log.LogWrite(zbuf)
			f.bc.brelse(cpu, zbuf)
			return blockno, nil
		}
		f.bc.brelse(cpu, bbuf)
	}
	return 0, ErrNoSpace
}

// bfree clears b's bit in the free bitmap. It panics if the block was
// already free: a double free is a kernel bug, not a recoverable
// condition, per §7's "internal invariant" fatal class.
func (f *FS) bfree(cpu *lock.Cpu, b int) {
	b -= f.sb.DataStart()
	bn := f.sb.BmapStart() + b/config.BPB
	bbuf := f.bc.bread(cpu, f.Dev, bn)
	bi := b % config.BPB
	byteIdx := bi / 8
	mask := byte(1 << (bi % 8))
	if bbuf.Data[byteIdx]&mask == 0 {
		panic("fs: double free of block")
	}
	bbuf.Data[byteIdx] &^= mask
	f.log.LogWrite(bbuf)
	f.bc.brelse(cpu, bbuf)
}
