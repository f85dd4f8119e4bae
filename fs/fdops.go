package fs

import (
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/stat"
)

// FileOps adapts a File into package fd's Fops interface, so an inode-
// backed file can sit behind a process's file-descriptor table without fd
// importing fs.
type FileOps struct {
	FS *FS
	F  *File
}

func (o *FileOps) Read(cpu *lock.Cpu, dst []byte) (int, error) {
	return o.FS.FileRead(cpu, o.F, dst)
}

func (o *FileOps) Write(cpu *lock.Cpu, src []byte) (int, error) {
	return o.FS.FileWrite(cpu, o.F, src)
}

func (o *FileOps) Close(cpu *lock.Cpu) error {
	o.FS.FileClose(cpu, o.F)
	return nil
}

func (o *FileOps) Fstat(cpu *lock.Cpu, st *stat.Stat_t) error {
	o.FS.FileStat(cpu, o.F, st)
	return nil
}

func (o *FileOps) Reopen(cpu *lock.Cpu) error {
	o.FS.FileDup(cpu, o.F)
	return nil
}
