// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package rawfile // import "github.com/raptorjit/birdwatch/rawfile"

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps f read-only. Empty files skip the syscall since mmap
// requires a positive length.
func mapFile(f *os.File, size int64) (data []byte, mapped bool, err error) {
	if size == 0 {
		return []byte{}, false, nil
	}
	if size != int64(int(size)) {
		return nil, false, fmt.Errorf("file of %d bytes is too large to map", size)
	}
	data, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		// Some filesystems refuse mmap; fall back to a plain read.
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return nil, false, serr
		}
		data, err = io.ReadAll(f)
		return data, false, err
	}
	// Audit logs are scanned front to back exactly once.
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
	return data, true, nil
}

func munmap(data []byte) error {
	return unix.Munmap(data)
}
