package fs

import (
	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/sd"
	"github.com/aamcrae/bfkernel/ustr"
)

// MkfsFile describes one top-level file to seed into a freshly formatted
// image. Type defaults to config.T_FILE when left zero; Major/Minor are
// only meaningful for config.T_DEV entries.
type MkfsFile struct {
	Name  string
	Data  []byte
	Type  int16
	Major int16
	Minor int16
}

// Mkfs formats disk as a totalBlocks-block image holding nInodes inodes and
// writes one root directory entry per entry in files, grounded on
// original_source/mkfs/mkfs.c: a standalone tool that lays out the boot
// block, superblock, log, inode, and bitmap regions and writes data
// directly to the device, bypassing the buffer cache and log entirely
// since there is no running kernel yet to crash mid-write.
func Mkfs(disk sd.Disk, totalBlocks, nInodes int, files []MkfsFile) error {
	m := &mkfsState{disk: disk, nInodes: nInodes}

	logBlocks := config.LOGSIZE + 1
	sb := Superblock{
		Size:       totalBlocks,
		NInodes:    nInodes,
		NLog:       logBlocks,
		LogStart:   2,
		InodeStart: 2 + logBlocks,
	}
	// NBlocks and BitmapBlocks() are mutually dependent (the bitmap's own
	// size depends on how many data blocks it must describe, which depends
	// on how many blocks the bitmap itself consumes); a couple of fixed-point
	// iterations converge immediately since BitmapBlocks() only changes by
	// one block per config.BPB-sized swing in NBlocks.
	sb.NBlocks = totalBlocks - sb.BmapStart()
	for i := 0; i < 2; i++ {
		sb.NBlocks = totalBlocks - sb.BmapStart() - sb.BitmapBlocks()
	}
	dataStart := sb.DataStart()
	m.sb = sb
	m.dataStart = dataStart
	m.next = dataStart
	m.bitmap = make([]byte, sb.BitmapBlocks()*config.BSIZE)
	m.inodes = make([]Dinode, nInodes)

	m.zeroRange(0, totalBlocks)

	root := m.ialloc(config.T_DIR)
	m.direntAppend(root, ustr.MkUstrDot(), root)
	m.direntAppend(root, ustr.DotDot, root)
	m.inodes[root].Nlink = 1
	m.inodes[root].Size = uint32(2 * config.DirentSize)

	for _, mf := range files {
		t := mf.Type
		if t == 0 {
			t = config.T_FILE
		}
		inum := m.ialloc(t)
		m.inodes[inum].Nlink = 1
		m.inodes[inum].Major = mf.Major
		m.inodes[inum].Minor = mf.Minor
		if t == config.T_FILE {
			m.writeFileData(inum, mf.Data)
		}
		if len(mf.Name) > config.DIRSIZ {
			return ErrNameTooLong
		}
		m.direntAppend(root, ustr.Ustr(mf.Name), inum)
	}

	m.flushInodes()
	m.flushBitmap()
	m.writeBlock(1, sb.Encode())
	m.writeLogHeader()
	return nil
}

type mkfsState struct {
	disk      sd.Disk
	sb        Superblock
	nInodes   int
	dataStart int
	next      int
	bitmap    []byte
	inodes    []Dinode
}

func (m *mkfsState) readBlock(bn int) []byte {
	b := make([]byte, config.BSIZE)
	sd.Sdrw(m.disk, &sd.Request{Cmd: sd.CmdRead, Block: bn, Data: b})
	return b
}

func (m *mkfsState) writeBlock(bn int, data []byte) {
	b := make([]byte, config.BSIZE)
	copy(b, data)
	sd.Sdrw(m.disk, &sd.Request{Cmd: sd.CmdWrite, Block: bn, Data: b})
}

func (m *mkfsState) zeroRange(from, to int) {
	zero := make([]byte, config.BSIZE)
	for bn := from; bn < to; bn++ {
		m.writeBlock(bn, zero)
	}
}

// balloc hands out the next free data block in ascending order and marks
// it used in the in-memory bitmap image, mirroring mkfs.c's sequential
// allocation (mkfs never needs to search for holes: nothing has been
// freed yet).
func (m *mkfsState) balloc() int {
	bn := m.next
	m.next++
	bi := bn - m.dataStart
	m.bitmap[bi/8] |= 1 << (bi % 8)
	return bn
}

func (m *mkfsState) ialloc(t int16) int {
	for inum := 1; inum < m.nInodes; inum++ {
		if m.inodes[inum].Type == config.T_FREE {
			m.inodes[inum].Type = t
			return inum
		}
	}
	panic("fs: mkfs: out of inodes")
}

// writeFileData writes data into ip's direct and (if needed) single
// indirect blocks, allocating each data block as it goes.
func (m *mkfsState) writeFileData(inum int, data []byte) {
	ip := &m.inodes[inum]
	var indirect []byte
	indirectBlock := 0
	for off := 0; off < len(data); off += config.BSIZE {
		end := off + config.BSIZE
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, config.BSIZE)
		copy(buf, data[off:end])
		bn := m.balloc()
		m.writeBlock(bn, buf)

		idx := off / config.BSIZE
		if idx < config.NDIRECT {
			ip.Addrs[idx] = uint32(bn)
			continue
		}
		if indirect == nil {
			indirectBlock = m.balloc()
			indirect = make([]byte, config.BSIZE)
			ip.Addrs[config.NDIRECT] = uint32(indirectBlock)
		}
		writeLE32(indirect, (idx-config.NDIRECT)*4, bn)
	}
	if indirect != nil {
		m.writeBlock(indirectBlock, indirect)
	}
	ip.Size = uint32(len(data))
}

// direntAppend adds a (name, inum) entry to dp's directory content,
// growing it one direct block at a time exactly as writeFileData would for
// a regular file, since a directory's content is just dirent-shaped file
// data.
func (m *mkfsState) direntAppend(dp int, name ustr.Ustr, inum int) {
	ip := &m.inodes[dp]
	off := int(ip.Size)
	blockIdx := off / config.BSIZE
	boff := off % config.BSIZE

	var buf []byte
	if boff == 0 {
		buf = make([]byte, config.BSIZE)
		bn := m.balloc()
		ip.Addrs[blockIdx] = uint32(bn)
	} else {
		buf = m.readBlock(int(ip.Addrs[blockIdx]))
	}

	var de dirent
	de.Inum = uint16(inum)
	copy(de.Name[:], name)
	de.encodeInto(buf[boff : boff+config.DirentSize])
	m.writeBlock(int(ip.Addrs[blockIdx]), buf)
	ip.Size = uint32(off + config.DirentSize)
}

func (m *mkfsState) flushInodes() {
	buf := make([]byte, config.BSIZE)
	blockStart := -1
	flush := func() {
		if blockStart >= 0 {
			m.writeBlock(blockStart, buf)
		}
	}
	for inum := 0; inum < m.nInodes; inum++ {
		bn := m.sb.InodeStart + inum/config.IPB
		if bn != blockStart {
			flush()
			buf = make([]byte, config.BSIZE)
			blockStart = bn
		}
		off := (inum % config.IPB) * config.DinodeSize
		d := m.inodes[inum]
		d.encodeInto(buf[off : off+config.DinodeSize])
	}
	flush()
}

func (m *mkfsState) flushBitmap() {
	for i := 0; i < m.sb.BitmapBlocks(); i++ {
		off := i * config.BSIZE
		m.writeBlock(m.sb.BmapStart()+i, m.bitmap[off:off+config.BSIZE])
	}
}

// writeLogHeader leaves the log empty (N=0) so Mount never attempts to
// replay a transaction from a freshly formatted image.
func (m *mkfsState) writeLogHeader() {
	lh := logHeader{}
	m.writeBlock(m.sb.LogStart, lh.encode())
}

func writeLE32(b []byte, off, v int) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}
