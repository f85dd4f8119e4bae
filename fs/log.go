package fs

import (
	"sync"

	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/klog"
	"github.com/aamcrae/bfkernel/stats"
	"github.com/aamcrae/bfkernel/util"
)

// logHeader is the on-disk record of which data blocks the log currently
// holds committed copies of, grounded on original_source/kern/log.c's
// struct logheader. It lives in the first block of the log region.
type logHeader struct {
	N     int
	Block [config.LOGSIZE]int
}

func decodeLogHeader(b []byte) logHeader {
	var lh logHeader
	lh.N = util.Readn(b, 8, 0)
	for i := 0; i < config.LOGSIZE; i++ {
		lh.Block[i] = util.Readn(b, 8, 8+8*i)
	}
	return lh
}

func (lh *logHeader) encode() []byte {
	b := make([]byte, config.BSIZE)
	util.Writen(b, 8, 0, lh.N)
	for i := 0; i < config.LOGSIZE; i++ {
		util.Writen(b, 8, 8+8*i, lh.Block[i])
	}
	return b
}

// Log is the crash-consistent redo log of §4.7, grounded on log.c's
// begin_op/log_write/end_op/commit/recover_from_log protocol: every
// multi-block filesystem update is staged into the log region and only
// installed into its home location after a single header write commits it,
// so a crash mid-update either sees the whole update or none of it.
//
// Unlike the ptable-visible sleep/wakeup log.c uses to block a caller when
// the log is full or mid-commit, this Log coordinates with a plain
// sync.Cond: waiting here does not need to be reflected in the process
// table the way a process-visible blocking syscall does (see the sleeplock
// note in package lock for the same simplification applied one layer
// down).
type Log struct {
	mu          sync.Mutex
	cond        *sync.Cond
	start, size int
	outstanding int
	committing  bool
	dev         int
	lh          logHeader
	bc          *bcache
}

func newLog(dev int, bc *bcache, sb Superblock) *Log {
	l := &Log{dev: dev, bc: bc, start: sb.LogStart, size: sb.NLog}
	l.cond = sync.NewCond(&l.mu)
	l.recoverFromLog()
	return l
}

func (l *Log) readHead() logHeader {
	b := l.bc.bread(nil, l.dev, l.start)
	defer l.bc.brelse(nil, b)
	return decodeLogHeader(b.Data[:])
}

func (l *Log) writeHead() {
	b := l.bc.bread(nil, l.dev, l.start)
	copy(b.Data[:], l.lh.encode())
	l.bc.bwrite(b)
	l.bc.brelse(nil, b)
}

// installTrans copies every block named in the log header from its log
// slot to its home location. recovering is used only to log what is being
// replayed after an unclean shutdown.
func (l *Log) installTrans(recovering bool) {
	for i := 0; i < l.lh.N; i++ {
		lbuf := l.bc.bread(nil, l.dev, l.start+1+i)
		dbuf := l.bc.bread(nil, l.dev, l.lh.Block[i])
		copy(dbuf.Data[:], lbuf.Data[:])
		l.bc.bwrite(dbuf)
		l.bc.brelse(nil, lbuf)
		l.bc.brelse(nil, dbuf)
		if recovering {
			klog.Infof("fs: log recovery replaying block %d", l.lh.Block[i])
		}
	}
}

func (l *Log) recoverFromLog() {
	l.lh = l.readHead()
	if l.lh.N > 0 {
		l.installTrans(true)
		stats.Log.Recoveries.Inc()
	}
	l.lh.N = 0
	l.writeHead()
}

// BeginOp reserves room in the log for one filesystem operation, blocking
// while a commit is in flight or while admitting this operation could
// overflow the log.
func (l *Log) BeginOp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.committing {
			l.cond.Wait()
			continue
		}
		if l.lh.N+(l.outstanding+1)*config.MAXOPBLOCKS > config.LOGSIZE {
			l.cond.Wait()
			continue
		}
		l.outstanding++
		return
	}
}

// LogWrite records that b must be committed as part of the current
// operation, absorbing repeat writes to the same block within one
// transaction exactly as log.c's log_write does.
func (l *Log) LogWrite(b *Buf) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lh.N >= config.LOGSIZE {
		panic("fs: transaction too big for log")
	}
	if l.outstanding < 1 {
		panic("fs: log_write outside of a transaction")
	}
	for i := 0; i < l.lh.N; i++ {
		if l.lh.Block[i] == b.Block {
			b.Dirty = true
			stats.Log.Absorbed.Inc()
			return
		}
	}
	l.lh.Block[l.lh.N] = b.Block
	l.lh.N++
	b.Dirty = true
}

// EndOp closes out one operation begun with BeginOp, committing the log if
// this was the last outstanding operation.
func (l *Log) EndOp() {
	l.mu.Lock()
	doCommit := false
	l.outstanding--
	if l.committing {
		l.mu.Unlock()
		panic("fs: end_op while committing")
	}
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		l.cond.Broadcast()
	}
	l.mu.Unlock()

	if doCommit {
		l.commit()
		l.mu.Lock()
		l.committing = false
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

func (l *Log) commit() {
	if l.lh.N == 0 {
		return
	}
	l.writeLog()
	l.writeHead() // commit point: once this lands, recovery will replay
	l.installTrans(false)
	l.lh.N = 0
	l.writeHead() // release point: log region is free again
	stats.Log.Commits.Inc()
}

func (l *Log) writeLog() {
	for i := 0; i < l.lh.N; i++ {
		to := l.bc.bread(nil, l.dev, l.start+1+i)
		from := l.bc.bread(nil, l.dev, l.lh.Block[i])
		copy(to.Data[:], from.Data[:])
		l.bc.bwrite(to)
		l.bc.brelse(nil, from)
		l.bc.brelse(nil, to)
	}
}
