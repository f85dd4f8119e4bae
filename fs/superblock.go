package fs

import (
	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/util"
)

// Superblock describes the on-disk layout, grounded on
// original_source/kern/fs.h's struct superblock and written by mkfs as
// block 1 of the device (block 0 is reserved for an MBR per config.MBR_BASE).
type Superblock struct {
	Size       int // total blocks on this device
	NBlocks    int // number of data blocks
	NInodes    int // number of inodes
	NLog       int // number of log blocks
	LogStart   int // block number of first log block
	InodeStart int // block number of first inode block
}

const superblockFields = 6
const superblockFieldSize = 8

// BmapStart returns the block number of the first free-bitmap block, which
// mkfs places immediately after the inode region.
func (sb *Superblock) BmapStart() int {
	inodeBlocks := (sb.NInodes + config.IPB - 1) / config.IPB
	return sb.InodeStart + inodeBlocks
}

// BitmapBlocks returns the number of blocks the free bitmap occupies,
// one bit per data block.
func (sb *Superblock) BitmapBlocks() int {
	return (sb.NBlocks + config.BPB - 1) / config.BPB
}

// DataStart returns the block number of the first data block: the bitmap
// describes only this region, so a bit index of 0 always means
// DataStart(), never absolute device block 0.
func (sb *Superblock) DataStart() int {
	return sb.BmapStart() + sb.BitmapBlocks()
}

// Encode serializes the superblock into a fresh block-sized buffer.
func (sb *Superblock) Encode() []byte {
	b := make([]byte, config.BSIZE)
	vals := []int{sb.Size, sb.NBlocks, sb.NInodes, sb.NLog, sb.LogStart, sb.InodeStart}
	for i, v := range vals {
		util.Writen(b, superblockFieldSize, i*superblockFieldSize, v)
	}
	return b
}

// DecodeSuperblock parses a block previously produced by Encode.
func DecodeSuperblock(b []byte) Superblock {
	var sb Superblock
	fields := []*int{&sb.Size, &sb.NBlocks, &sb.NInodes, &sb.NLog, &sb.LogStart, &sb.InodeStart}
	for i, f := range fields {
		*f = util.Readn(b, superblockFieldSize, i*superblockFieldSize)
	}
	return sb
}
