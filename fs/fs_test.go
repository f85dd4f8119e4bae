package fs

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/lock"
	"github.com/aamcrae/bfkernel/sd"
	"github.com/aamcrae/bfkernel/ustr"
)

const (
	testTotalBlocks = 2048
	testNInodes     = 200
)

func mustMount(t *testing.T, files []MkfsFile) (*FS, *lock.Cpu) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	disk, err := sd.NewFileDisk(path, int64(testTotalBlocks)*config.BSIZE)
	if err != nil {
		t.Fatalf("NewFileDisk: %v", err)
	}
	t.Cleanup(func() { disk.Close() })

	if err := Mkfs(disk, testTotalBlocks, testNInodes, files); err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	f := Mount(0, disk)
	return f, lock.NewCpu(0)
}

func TestMkfsMountRoot(t *testing.T) {
	f, cpu := mustMount(t, nil)
	root := f.Root(cpu)
	f.Ilock(cpu, root)
	if root.Type != config.T_DIR {
		t.Fatalf("root type = %d, want T_DIR", root.Type)
	}
	f.IunlockPut(cpu, root)
}

func TestMkfsSeedsFiles(t *testing.T) {
	want := []byte("hello from mkfs\n")
	f, cpu := mustMount(t, []MkfsFile{{Name: "greeting", Data: want}})
	root := f.Root(cpu)

	ip, err := f.Namei(cpu, root, ustr.Ustr("greeting"))
	if err != nil {
		t.Fatalf("Namei: %v", err)
	}
	got := make([]byte, len(want))
	n, err := f.readi(cpu, ip, got, 0)
	if err != nil {
		t.Fatalf("readi: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("readi = %q, want %q", got[:n], want)
	}
	f.IunlockPut(cpu, ip)
}

// TestCreateWriteReadRoundTrip exercises a file large enough to span
// several direct blocks plus the indirect block, so it also verifies the
// balloc/bfree absolute-block-number accounting: if balloc ever handed out
// a block number still inside the bitmap or inode region, this would
// corrupt metadata and the readback below would fail or panic.
func TestCreateWriteReadRoundTrip(t *testing.T) {
	f, cpu := mustMount(t, nil)
	root := f.Root(cpu)

	ip, err := f.Create(cpu, root, ustr.Ustr("big"), config.T_FILE, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	size := (config.NDIRECT+5)*config.BSIZE + 37
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}

	f.BeginOp()
	n, err := f.writei(cpu, ip, data, 0)
	f.EndOp()
	if err != nil {
		t.Fatalf("writei: %v", err)
	}
	if n != size {
		t.Fatalf("writei = %d, want %d", n, size)
	}

	got := make([]byte, size)
	rn, err := f.readi(cpu, ip, got, 0)
	if err != nil {
		t.Fatalf("readi: %v", err)
	}
	if rn != size || !bytes.Equal(got, data) {
		t.Fatalf("readback mismatch (n=%d)", rn)
	}
	f.IunlockPut(cpu, ip)
}

func TestUnlinkFreesName(t *testing.T) {
	f, cpu := mustMount(t, nil)
	root := f.Root(cpu)

	ip, err := f.Create(cpu, root, ustr.Ustr("gone"), config.T_FILE, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.IunlockPut(cpu, ip)

	if err := f.Unlink(cpu, root, ustr.Ustr("gone")); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := f.Namei(cpu, root, ustr.Ustr("gone")); err != ErrNotFound {
		t.Fatalf("Namei after unlink = %v, want ErrNotFound", err)
	}
}

func TestCreateExistingFileReturnsSameInode(t *testing.T) {
	f, cpu := mustMount(t, nil)
	root := f.Root(cpu)

	ip1, err := f.Create(cpu, root, ustr.Ustr("dup"), config.T_FILE, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inum := ip1.Inum
	f.IunlockPut(cpu, ip1)

	ip2, err := f.Create(cpu, root, ustr.Ustr("dup"), config.T_FILE, 0, 0)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if ip2.Inum != inum {
		t.Fatalf("second Create returned inum %d, want %d", ip2.Inum, inum)
	}
	f.IunlockPut(cpu, ip2)
}

func TestSuperblockDataStartDoesNotOverlapBitmap(t *testing.T) {
	f, _ := mustMount(t, nil)
	bitmapEnd := f.sb.BmapStart() + f.sb.BitmapBlocks()
	if f.sb.DataStart() != bitmapEnd {
		t.Fatalf("DataStart() = %d, want %d (BmapStart+BitmapBlocks)", f.sb.DataStart(), bitmapEnd)
	}
	if f.sb.DataStart()+f.sb.NBlocks != testTotalBlocks {
		t.Fatalf("DataStart()+NBlocks = %d, want %d", f.sb.DataStart()+f.sb.NBlocks, testTotalBlocks)
	}
}
