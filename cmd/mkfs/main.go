// Command mkfs builds a disk image for bfkernel: a formatted filesystem
// with a root directory populated from the files named on its command
// line. Grounded on original_source/mkfs/mkfs.c, generalized from that
// tool's fixed bootimage+kernel+skeldir argument shape to a flat list of
// host files copied in as top-level entries.
package main

import (
	"fmt"
	"os"

	"github.com/aamcrae/bfkernel/config"
	"github.com/aamcrae/bfkernel/fs"
	"github.com/aamcrae/bfkernel/sd"
)

const (
	totalBlocks = 40000
	nInodes     = 100 * 50
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <image> <file>...\n", os.Args[0])
		os.Exit(1)
	}
	image := os.Args[1]
	sizeBytes := int64(totalBlocks) * config.BSIZE

	disk, err := sd.NewFileDisk(image, sizeBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	defer disk.Close()

	var files []fs.MkfsFile
	for _, path := range os.Args[2:] {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
			os.Exit(1)
		}
		files = append(files, fs.MkfsFile{
			Name: baseName(path),
			Data: data,
			Type: config.T_FILE,
		})
	}

	if err := fs.Mkfs(disk, totalBlocks, nInodes, files); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mkfs: wrote %s (%d blocks, %d inodes, %d files)\n", image, totalBlocks, nInodes, len(files))
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
