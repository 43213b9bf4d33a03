// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package rawfile hands out the bytes of on-disk artifacts. Snapshot
// rotators routinely compress older audit logs and profiles, so reads
// sniff for gzip and zstd framing and decompress transparently. Plain
// files are memory-mapped where the platform allows, since audit logs can
// run to gigabytes and are only scanned once.
package rawfile // import "github.com/raptorjit/birdwatch/rawfile"

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"
)

// FileID identifies an artifact by content, independent of its path.
type FileID [16]byte

// ID computes the FileID of the given (decompressed) content.
func ID(data []byte) FileID {
	sum := sha256.Sum256(data)
	var id FileID
	copy(id[:], sum[:16])
	return id
}

func (id FileID) String() string {
	return hex.EncodeToString(id[:])
}

// File is an open artifact. Bytes stays valid until Close.
type File struct {
	data   []byte
	mapped bool
}

// Bytes returns the decompressed artifact contents.
func (f *File) Bytes() []byte {
	return f.data
}

// ID returns the content identity of the artifact.
func (f *File) ID() FileID {
	return ID(f.data)
}

// ReadAt implements io.ReaderAt over the artifact contents.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("rawfile: negative offset %d", off)
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the backing storage. Slices obtained through Bytes must
// not be used afterwards.
func (f *File) Close() error {
	data, mapped := f.data, f.mapped
	f.data, f.mapped = nil, false
	if !mapped || len(data) == 0 {
		return nil
	}
	runtime.SetFinalizer(f, nil)
	return munmap(data)
}

// Open reads or maps the artifact at path. Compressed artifacts are
// decompressed into memory; plain ones are mapped read-only.
func Open(path string) (*File, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer osf.Close()

	var magic [4]byte
	n, err := osf.Read(magic[:])
	if err != nil && err != io.EOF {
		return nil, err
	}
	if _, err = osf.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if dec := decompressor(magic[:n]); dec != nil {
		data, err := dec(osf)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", path, err)
		}
		log.Debugf("decompressed %s to %d bytes", path, len(data))
		return &File{data: data}, nil
	}

	fi, err := osf.Stat()
	if err != nil {
		return nil, err
	}
	data, mapped, err := mapFile(osf, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	f := &File{data: data, mapped: mapped}
	if mapped {
		runtime.SetFinalizer(f, (*File).Close)
	}
	return f, nil
}

// Read returns the (decompressed) contents of path as heap memory with no
// Close obligation.
func Read(path string) ([]byte, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer osf.Close()

	var magic [4]byte
	n, err := osf.Read(magic[:])
	if err != nil && err != io.EOF {
		return nil, err
	}
	if _, err = osf.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if dec := decompressor(magic[:n]); dec != nil {
		data, err := dec(osf)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", path, err)
		}
		return data, nil
	}
	return io.ReadAll(osf)
}

// decompressor picks a decompression routine from the leading magic
// bytes, or returns nil for plain files.
func decompressor(magic []byte) func(io.Reader) ([]byte, error) {
	switch {
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		return gunzip
	case len(magic) >= 4 && magic[0] == 0x28 && magic[1] == 0xb5 &&
		magic[2] == 0x2f && magic[3] == 0xfd:
		return unzstd
	default:
		return nil
	}
}

func gunzip(r io.Reader) ([]byte, error) {
	zr, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func unzstd(r io.Reader) ([]byte, error) {
	zr, err := zstd.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
