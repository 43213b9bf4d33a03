// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/raptorjit/birdwatch/testsupport"

import (
	"bytes"
	"io"
	"math/rand/v2"
	"testing"
)

// ValidateReadAtWrapperTransparency checks that a ReadAt implementation is
// a transparent view of the reference buffer: random in-range reads return
// the same bytes, reads reaching past the end truncate with io.EOF.
func ValidateReadAtWrapperTransparency(
	t *testing.T, iterations uint, reference []byte, testee io.ReaderAt) {
	size := uint64(len(reference))

	r := rand.New(rand.NewPCG(0, 0))
	for range iterations {
		// Lengths may deliberately reach past the end of the buffer.
		length := r.Uint64() % size
		start := r.Uint64() % size

		buf := make([]byte, length)
		n, err := testee.ReadAt(buf, int64(start))

		want := min(size-start, length)
		if want != length {
			if err != io.EOF {
				t.Fatalf("expected io.EOF for a read past the end, got %v", err)
			}
			if uint64(n) != want {
				t.Fatalf("expected truncation to %d bytes, read %d", want, n)
			}
		} else {
			if err != nil {
				t.Fatalf("failed to read: %v", err)
			}
			if uint64(n) != length {
				t.Fatalf("read %d bytes, want %d", n, length)
			}
		}

		if !bytes.Equal(buf[:want], reference[start:][:want]) {
			t.Fatalf("read at %d+%d does not match the reference", start, length)
		}
	}
}

// GenerateTestInputFile builds deterministic content: the byte sequence
// 0..seqLen-1 repeated up to outputSize.
func GenerateTestInputFile(seqLen uint8, outputSize uint) []byte {
	out := make([]byte, 0, outputSize)
	for i := range outputSize {
		out = append(out, byte(i%uint(seqLen)))
	}
	return out
}
