// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/raptorjit/birdwatch/testsupport"

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Msgpack value encoders for building audit-log fixtures. Only the subset
// the audit log writer uses is supported, matching what the reader accepts.

func MsgpackString(s string) []byte {
	if len(s) > 0xffff {
		panic(fmt.Sprintf("string of %d bytes does not fit str16", len(s)))
	}
	b := []byte{0xda, byte(len(s) >> 8), byte(len(s))}
	return append(b, s...)
}

func MsgpackBin(data []byte) []byte {
	b := make([]byte, 5, 5+len(data))
	b[0] = 0xc6
	binary.BigEndian.PutUint32(b[1:], uint32(len(data)))
	return append(b, data...)
}

func MsgpackUint(v uint64) []byte {
	var b [9]byte
	b[0] = 0xcf
	binary.BigEndian.PutUint64(b[1:], v)
	return b[:]
}

// MsgpackMap encodes a fixmap from alternating key, value arguments. Keys
// must be strings; values may be string, uint64, int (non-negative) or
// []byte.
func MsgpackMap(kv ...any) []byte {
	if len(kv)%2 != 0 {
		panic("MsgpackMap needs alternating key, value arguments")
	}
	pairs := len(kv) / 2
	if pairs > 15 {
		panic(fmt.Sprintf("%d pairs do not fit a fixmap", pairs))
	}
	var buf bytes.Buffer
	buf.WriteByte(0x80 | byte(pairs))
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("map key %v is not a string", kv[i]))
		}
		buf.Write(MsgpackString(key))
		switch v := kv[i+1].(type) {
		case string:
			buf.Write(MsgpackString(v))
		case uint64:
			buf.Write(MsgpackUint(v))
		case int:
			buf.Write(MsgpackUint(uint64(v)))
		case []byte:
			buf.Write(MsgpackBin(v))
		default:
			panic(fmt.Sprintf("unsupported map value type %T", v))
		}
	}
	return buf.Bytes()
}

// LogWriter accumulates audit-log records.
type LogWriter struct {
	buf bytes.Buffer
}

// Memory appends a memory record for a logged runtime object.
func (w *LogWriter) Memory(address uint64, hint string, data []byte) *LogWriter {
	w.buf.Write(MsgpackMap("type", "memory", "hint", hint,
		"address", address, "data", data))
	return w
}

// Blob appends a named blob record, as used for the embedded debug object.
func (w *LogWriter) Blob(name string, data []byte) *LogWriter {
	w.buf.Write(MsgpackMap("type", "blob", "name", name, "data", data))
	return w
}

// Event appends an event record with the given extra fields.
func (w *LogWriter) Event(event string, nanotime uint64, kv ...any) *LogWriter {
	args := append([]any{"type", "event", "event", event, "nanotime", nanotime}, kv...)
	w.buf.Write(MsgpackMap(args...))
	return w
}

// Raw appends already-encoded bytes, for malformed-input tests.
func (w *LogWriter) Raw(data []byte) *LogWriter {
	w.buf.Write(data)
	return w
}

func (w *LogWriter) Bytes() []byte {
	return w.buf.Bytes()
}
