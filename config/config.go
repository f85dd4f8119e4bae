// Package config holds the compile-time-shaped tunables a teaching kernel
// bakes in at build time: table sizes, block geometry, and inode layout
// constants. Centralizing them here (rather than scattering magic numbers
// through vm/fs/proc) mirrors the teacher's own limits.Syslimit_t pattern of
// a package-level struct of tunables.
package config

import "sync/atomic"

const (
	// PGSIZE is the size in bytes of one physical frame / virtual page.
	PGSIZE = 4096

	// BSIZE is the size in bytes of one disk block. It must equal PGSIZE so
	// that a block and a physical frame are interchangeable in the buffer
	// cache.
	BSIZE = 4096

	// NDIRECT is the number of direct block pointers in a dinode.
	NDIRECT = 12

	// NINDIRECT is the number of block pointers held in one indirect block.
	NINDIRECT = BSIZE / 4

	// MAXFILE is the largest file size, in blocks, addressable through the
	// direct and single-indirect pointers.
	MAXFILE = NDIRECT + NINDIRECT

	// DIRSIZ is the maximum length of one path component / directory entry
	// name, NUL-padded.
	DIRSIZ = 14

	// dinode on-disk size in bytes: 4 uint16 fields + 1 uint32 + (NDIRECT+1)
	// uint32 block pointers.
	DinodeSize = 2 + 2 + 2 + 2 + 4 + 4*(NDIRECT+1)

	// IPB is the number of dinodes packed per disk block.
	IPB = BSIZE / DinodeSize

	// DirentSize is the on-disk size in bytes of one directory entry.
	DirentSize = 2 + DIRSIZ

	// BPB is the number of free-bitmap bits stored in one disk block.
	BPB = BSIZE * 8

	// ROOTDEV is the device number of the root file system.
	ROOTDEV = 1

	// ROOTINO is the inode number of the root directory.
	ROOTINO = 1

	// MBR_BASE is the block offset added by the cache to account for a
	// partition table occupying the first blocks of the device.
	MBR_BASE = 0

	// NPROC is the size of the fixed process table.
	NPROC = 64

	// NOFILE is the number of open-file-table slots per process.
	NOFILE = 16

	// NFILE is the size of the global file table.
	NFILE = 200

	// NBUF is the number of buffer-cache entries.
	NBUF = 30

	// NINODE is the size of the in-memory inode cache.
	NINODE = 50

	// LOGSIZE is the maximum number of data blocks the redo log can hold,
	// not counting its header block.
	LOGSIZE = 30

	// MAXOPBLOCKS is the maximum number of distinct blocks a single
	// transaction (one begin_op/end_op pair) may write.
	MAXOPBLOCKS = 10
)

// On-disk inode types. Zero means free.
const (
	T_FREE = 0
	T_FILE = 1
	T_DIR  = 2
	T_DEV  = 3
)

// Limits mirrors the teacher's Syslimit_t: a package-level struct of
// tunables a boot sequence can report or a test can inspect, distinct from
// the untyped consts above which are compiled into array sizes.
type Limits struct {
	NProc       int
	NOFile      int
	NBuf        int
	NInode      int
	LogSize     int
	MaxOpBlocks int
}

// Default returns the standard tuning used by a normal boot.
func Default() Limits {
	return Limits{
		NProc:       NPROC,
		NOFile:      NOFILE,
		NBuf:        NBUF,
		NInode:      NINODE,
		LogSize:     LOGSIZE,
		MaxOpBlocks: MAXOPBLOCKS,
	}
}

// Sysatomic is a live usage counter against a fixed table size, grounded on
// the teacher's limits.Sysatomic_t. NPROC/NOFILE/NBUF/NINODE are compiled-in
// array sizes; Sysatomic tracks how much of that fixed capacity is currently
// taken, so a caller can fail cleanly (ENOMEM-equivalent) instead of
// scanning the whole array just to discover it is full.
type Sysatomic int64

// Take decrements the remaining count and reports whether capacity was
// available.
func (s *Sysatomic) Take() bool {
	if atomic.AddInt64((*int64)(s), -1) >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), 1)
	return false
}

// Give returns one unit of capacity.
func (s *Sysatomic) Give() {
	atomic.AddInt64((*int64)(s), 1)
}
