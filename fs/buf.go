package fs

import (
	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/sd"
	"github.com/aamcrae/bfkernel/stats"
)

// Buf is one cached block, grounded on original_source/kern/buf.h's struct
// buf. Each Buf owns a sleep-lock rather than sharing the cache's spinlock,
// so one goroutine can hold a block across a disk round trip while another
// goroutine walks the cache to find or evict a different block.
type Buf struct {
	lock  *lock.Sleeplock
	idx   int // this Buf's own index into bcache.buf, fixed at construction
	Dev   int
	Block int
	Valid bool
	// Dirty is set when the log absorbs a write to this block and cleared
	// once bwrite has written the block to disk, matching B_DIRTY in
	// original_source/kern/buf.h. bget never evicts a dirty buffer.
	Dirty bool
	Ref   int
	Data  [config.BSIZE]byte
}

// head is the sentinel index of the MRU/LRU doubly linked list: index
// config.NBUF in the next/prev arrays, one past the real buffers. Grounded
// on bio.c's head-sentinel circular list, adapted per the project's
// "encode intrusive list links as array indices, not pointers" convention
// so the list survives being embedded in a fixed array without per-node
// heap allocation.
const head = config.NBUF

// bootCPU stands in for the caller's Cpu when the log and Mount reach the
// cache with a nil cpu, since they run outside any simulated CPU.
var bootCPU = lock.NewCpu(-1)

// bcache is the fixed-size buffer cache: NBUF buffers, one spinlock, and an
// MRU-ordered circular list threaded through next/prev index arrays.
type bcache struct {
	lk   lock.Spinlock
	buf  [config.NBUF]Buf
	next [config.NBUF + 1]int
	prev [config.NBUF + 1]int
	disk sd.Disk
}

func newBcache(disk sd.Disk) *bcache {
	bc := &bcache{disk: disk}
	bc.next[head] = head
	bc.prev[head] = head
	for i := range bc.buf {
		bc.buf[i].idx = i
		bc.buf[i].lock = lock.NewSleeplock()
		bc.listInsertAfter(head, i)
	}
	return bc
}

func (bc *bcache) listRemove(i int) {
	p, n := bc.prev[i], bc.next[i]
	bc.next[p] = n
	bc.prev[n] = p
}

func (bc *bcache) listInsertAfter(at, i int) {
	n := bc.next[at]
	bc.next[at] = i
	bc.prev[i] = at
	bc.next[i] = n
	bc.prev[n] = i
}

// bget locates block (dev, blockno) in the cache, or recycles the
// least-recently-used unreferenced, clean buffer to hold it. The returned
// Buf is locked and ref-counted; the caller must brelse it.
func (bc *bcache) bget(cpu *lock.Cpu, dev, blockno int) *Buf {
	if cpu == nil {
		cpu = bootCPU
	}
	bc.lk.Acquire(cpu)
rescan:
	for {
		for i := bc.next[head]; i != head; i = bc.next[i] {
			b := &bc.buf[i]
			if b.Dev == dev && b.Block == blockno {
				if !b.lock.TryAcquire() {
					// Someone else holds this block; wait for it to free up
					// and rescan, exactly as bio.c's bget loops back to
					// "goto loop" after sleeping on the buffer.
					bc.lk.Release(cpu)
					b.lock.Acquire()
					b.lock.Release()
					bc.lk.Acquire(cpu)
					continue rescan
				}
				b.Ref++
				stats.Bcache.Hits.Inc()
				bc.lk.Release(cpu)
				return b
			}
		}
		for i := bc.prev[head]; i != head; i = bc.prev[i] {
			b := &bc.buf[i]
			if b.Ref == 0 && !b.Dirty {
				if !b.lock.TryAcquire() {
					panic("fs: bget found unlocked victim already locked")
				}
				b.Dev, b.Block, b.Valid, b.Ref = dev, blockno, false, 1
				stats.Bcache.Evicts.Inc()
				bc.lk.Release(cpu)
				return b
			}
		}
		panic("fs: bget: no buffers")
	}
}

func (bc *bcache) bread(cpu *lock.Cpu, dev, blockno int) *Buf {
	b := bc.bget(cpu, dev, blockno)
	if !b.Valid {
		req := &sd.Request{Cmd: sd.CmdRead, Block: blockno + config.MBR_BASE, Data: b.Data[:]}
		sd.Sdrw(bc.disk, req)
		b.Valid = true
		stats.Bcache.Misses.Inc()
	}
	return b
}

func (bc *bcache) bwrite(b *Buf) {
	if !b.lock.Holding() {
		panic("fs: bwrite: buffer not locked")
	}
	b.Dirty = true
	req := &sd.Request{Cmd: sd.CmdWrite, Block: b.Block + config.MBR_BASE, Data: b.Data[:]}
	sd.Sdrw(bc.disk, req)
	b.Dirty = false
}

func (bc *bcache) brelse(cpu *lock.Cpu, b *Buf) {
	if !b.lock.Holding() {
		panic("fs: brelse: buffer not locked")
	}
	b.lock.Release()
	if cpu == nil {
		cpu = bootCPU
	}
	bc.lk.Acquire(cpu)
	b.Ref--
	if b.Ref == 0 {
		bc.listRemove(b.idx)
		bc.listInsertAfter(head, b.idx)
	}
	bc.lk.Release(cpu)
}

func (bc *bcache) bpin(cpu *lock.Cpu, b *Buf) {
	bc.lk.Acquire(cpu)
	b.Ref++
	bc.lk.Release(cpu)
}

func (bc *bcache) bunpin(cpu *lock.Cpu, b *Buf) {
	bc.lk.Acquire(cpu)
	b.Ref--
	bc.lk.Release(cpu)
}
