// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package msgpack decodes the narrow msgpack subset the RaptorJIT audit log
// writer emits: fixmaps, str16 strings, bin32 byte blobs and uint64 integers.
// Any other format tag in the stream is a hard error carrying the offending
// byte and its offset.
package msgpack // import "github.com/raptorjit/birdwatch/msgpack"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Format tags of the audit log subset. Multi-byte integers are big-endian
// as mandated by the msgpack specification.
const (
	tagBin32  = 0xc6
	tagUint64 = 0xcf
	tagStr16  = 0xda

	fixmapMask = 0xf0
	fixmapBits = 0x80
)

// ErrTruncated is returned when a tag, length field or payload extends past
// the end of the buffer.
var ErrTruncated = errors.New("truncated msgpack data")

// UnsupportedTagError reports a format tag outside the audit log subset.
type UnsupportedTagError struct {
	Tag    byte
	Offset int
}

func (e *UnsupportedTagError) Error() string {
	return fmt.Sprintf("unsupported msgpack tag 0x%02x at offset %d", e.Tag, e.Offset)
}

// Decode reads one value from buf starting at off and returns it together
// with the number of bytes consumed. Decoded Go types are map[string]any
// (fixmap), string (str16), []byte (bin32, aliasing buf) and uint64.
func Decode(buf []byte, off int) (any, int, error) {
	if off >= len(buf) {
		return nil, 0, fmt.Errorf("%w: want tag byte at offset %d", ErrTruncated, off)
	}
	switch tag := buf[off]; {
	case tag&fixmapMask == fixmapBits:
		return decodeMap(buf, off)
	case tag == tagStr16:
		if off+3 > len(buf) {
			return nil, 0, fmt.Errorf("%w: str16 length at offset %d", ErrTruncated, off)
		}
		n := int(binary.BigEndian.Uint16(buf[off+1:]))
		if off+3+n > len(buf) {
			return nil, 0, fmt.Errorf("%w: str16 payload of %d bytes at offset %d",
				ErrTruncated, n, off)
		}
		return string(buf[off+3 : off+3+n]), 3 + n, nil
	case tag == tagBin32:
		if off+5 > len(buf) {
			return nil, 0, fmt.Errorf("%w: bin32 length at offset %d", ErrTruncated, off)
		}
		n := int(binary.BigEndian.Uint32(buf[off+1:]))
		if off+5+n > len(buf) {
			return nil, 0, fmt.Errorf("%w: bin32 payload of %d bytes at offset %d",
				ErrTruncated, n, off)
		}
		// Alias rather than copy: blobs reach hundreds of megabytes and the
		// caller keeps the backing buffer alive for the model lifetime.
		return buf[off+5 : off+5+n : off+5+n], 5 + n, nil
	case tag == tagUint64:
		if off+9 > len(buf) {
			return nil, 0, fmt.Errorf("%w: uint64 at offset %d", ErrTruncated, off)
		}
		return binary.BigEndian.Uint64(buf[off+1:]), 9, nil
	default:
		return nil, 0, &UnsupportedTagError{Tag: tag, Offset: off}
	}
}

func decodeMap(buf []byte, off int) (any, int, error) {
	pairs := int(buf[off] & 0x0f)
	m := make(map[string]any, pairs)
	n := 1
	for range pairs {
		keyOff := off + n
		k, kn, err := Decode(buf, keyOff)
		if err != nil {
			return nil, 0, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, 0, fmt.Errorf("map key at offset %d is %T, want string", keyOff, k)
		}
		n += kn
		v, vn, err := Decode(buf, off+n)
		if err != nil {
			return nil, 0, err
		}
		n += vn
		m[key] = v
	}
	return m, n, nil
}

// Reader iterates the values of an in-memory record stream.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Next decodes the value at the current offset and advances past it.
// It returns io.EOF once the buffer is exhausted.
func (r *Reader) Next() (any, error) {
	if r.off >= len(r.buf) {
		return nil, io.EOF
	}
	v, n, err := Decode(r.buf, r.off)
	if err != nil {
		return nil, err
	}
	r.off += n
	return v, nil
}

// Offset reports the byte offset of the next value to be decoded.
func (r *Reader) Offset() int {
	return r.off
}
