// gen_file writes random files for exercising the sync client, and can
// rewrite a few blocks of an existing file so a following upload and
// download only move the changed blocks.
//
// Usage:
//
//	gen_file [-dir local/upload] <size> [filename]
//	gen_file -mutate 2 <filename>
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_sync/cmd/internal/logcfg"
	"github.com/danmuck/dps_sync/src/impl"
)

const DefaultUploadDir = "local/upload"

func main() {
	dir := flag.String("dir", DefaultUploadDir, "output directory when filename is omitted")
	mutate := flag.Int("mutate", 0, "rewrite this many random blocks of an existing file")
	blockSize := flag.Int("block", impl.DefaultBlockSize, "block size used by -mutate")
	flag.Parse()

	logs.Configure(logcfg.Load())

	if *mutate > 0 {
		if flag.NArg() != 1 {
			logs.Fatal(fmt.Errorf("expected 1 argument, got %d", flag.NArg()), "usage: gen_file -mutate <n> <filename>")
		}
		touched, err := mutateBlocks(flag.Arg(0), *mutate, *blockSize)
		if err != nil {
			logs.Fatalf(err, "failed to mutate %s", flag.Arg(0))
		}
		fmt.Printf("Rewrote blocks %v of %s\n", touched, flag.Arg(0))
		return
	}

	if flag.NArg() < 1 {
		logs.Fatal(fmt.Errorf("missing size"), "usage: gen_file <size> [filename] (size: 65536, 1MB, 256MB, 1GB)")
	}
	size, err := parseSize(flag.Arg(0))
	if err != nil {
		logs.Fatalf(err, "bad size")
	}

	filename := flag.Arg(1)
	if filename == "" {
		filename = filepath.Join(*dir, fmt.Sprintf("test_%s.dat", sizeLabel(size)))
	}

	if info, err := os.Stat(filename); err == nil && info.Size() == size {
		fmt.Printf("Reusing existing file: %s (%d bytes)\n", filename, size)
		return
	}
	if err := generate(filename, size); err != nil {
		logs.Fatalf(err, "failed to generate %s", filename)
	}
	fmt.Printf("Generated: %s (%d bytes, %d block(s))\n", filename, size, blockCount(size, impl.DefaultBlockSize))
}

// generate writes size random bytes to filename.
func generate(filename string, size int64) error {
	if dir := filepath.Dir(filename); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if _, err := io.CopyN(f, rand.Reader, size); err != nil {
		return fmt.Errorf("failed to write random data: %w", err)
	}
	return nil
}

// mutateBlocks overwrites n distinct blocks of filename with random bytes,
// keeping the file size, and returns the rewritten block indexes.
func mutateBlocks(filename string, n, blockSize int) ([]int64, error) {
	f, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	blocks := blockCount(info.Size(), blockSize)
	if int64(n) > blocks {
		n = int(blocks)
	}

	chosen := make(map[int64]struct{}, n)
	var touched []int64
	for len(touched) < n {
		pick, err := rand.Int(rand.Reader, big.NewInt(blocks))
		if err != nil {
			return nil, err
		}
		idx := pick.Int64()
		if _, dup := chosen[idx]; dup {
			continue
		}
		chosen[idx] = struct{}{}

		offset := idx * int64(blockSize)
		length := min(int64(blockSize), info.Size()-offset)
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		if _, err := f.WriteAt(buf, offset); err != nil {
			return nil, err
		}
		touched = append(touched, idx)
	}
	return touched, nil
}

func blockCount(size int64, blockSize int) int64 {
	bs := int64(blockSize)
	return (size + bs - 1) / bs
}
