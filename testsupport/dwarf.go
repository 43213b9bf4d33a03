// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/raptorjit/birdwatch/testsupport"

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/raptorjit/birdwatch/dwarf"
)

// DwarfBuilder assembles the four debug sections of a single-CU DWARF v4
// image the way the RaptorJIT toolchain lays them out. Each emitted DIE
// gets its own abbreviation declaration, which keeps the encoder trivial
// at the cost of table size nobody cares about in fixtures.
type DwarfBuilder struct {
	abbrev  bytes.Buffer
	info    bytes.Buffer
	str     bytes.Buffer
	strOffs []uint32

	nextCode uint64
	depth    int
	patches  []patch
}

type patch struct {
	pos  int
	cell *DwarfRef
}

// DwarfRef is a forward type reference, bound once the target DIE exists.
type DwarfRef struct {
	bound  bool
	offset uint32
}

// Bind points the reference at the DIE at the given section offset.
func (r *DwarfRef) Bind(offset uint32) {
	r.bound = true
	r.offset = offset
}

// DwarfAttr is one attribute to attach to a DIE.
type DwarfAttr struct {
	ID   dwarf.Attr
	Form dwarf.Form
	Val  any
}

func AttrName(s string) DwarfAttr {
	return DwarfAttr{dwarf.AttrName, dwarf.FormString, s}
}

// AttrNameStrp stores the name out-of-line in debug_str.
func AttrNameStrp(s string) DwarfAttr {
	return DwarfAttr{dwarf.AttrName, dwarf.FormStrp, s}
}

// AttrNameStrx stores the name via the debug_str_offsets indirection.
func AttrNameStrx(s string) DwarfAttr {
	return DwarfAttr{dwarf.AttrName, dwarf.FormStrx, s}
}

func AttrByteSize(n uint64) DwarfAttr {
	return DwarfAttr{dwarf.AttrByteSize, dwarf.FormData2, n}
}

func AttrMemberLoc(off uint64) DwarfAttr {
	return DwarfAttr{dwarf.AttrDataMemberLocation, dwarf.FormData4, off}
}

func AttrEncoding(enc uint64) DwarfAttr {
	return DwarfAttr{dwarf.AttrEncoding, dwarf.FormData1, enc}
}

func AttrConstValue(v uint64) DwarfAttr {
	return DwarfAttr{dwarf.AttrConstValue, dwarf.FormData8, v}
}

func AttrTypeRef(target uint32) DwarfAttr {
	return DwarfAttr{dwarf.AttrType, dwarf.FormRef4, uint64(target)}
}

func AttrTypeRefCell(cell *DwarfRef) DwarfAttr {
	return DwarfAttr{dwarf.AttrType, dwarf.FormRef4, cell}
}

// RawAttr passes an arbitrary attribute and form through unchanged, for
// exercising decoder failure paths.
func RawAttr(id dwarf.Attr, form dwarf.Form, val any) DwarfAttr {
	return DwarfAttr{id, form, val}
}

func NewDwarfBuilder() *DwarfBuilder {
	b := &DwarfBuilder{nextCode: 1}
	// Reserve the CU header: unit_length, version, abbrev offset and
	// address size are patched in Build.
	b.info.Write(make([]byte, 11))
	b.str.WriteByte(0)
	return b
}

// Open emits a DIE that owns children; the caller must Close it.
// The DIE's section offset is returned.
func (b *DwarfBuilder) Open(tag dwarf.Tag, attrs ...DwarfAttr) uint32 {
	b.depth++
	return b.emit(tag, true, attrs)
}

// Leaf emits a childless DIE and returns its section offset.
func (b *DwarfBuilder) Leaf(tag dwarf.Tag, attrs ...DwarfAttr) uint32 {
	return b.emit(tag, false, attrs)
}

// Close terminates the children list of the innermost open DIE.
func (b *DwarfBuilder) Close() {
	if b.depth == 0 {
		panic("Close without matching Open")
	}
	b.depth--
	b.info.WriteByte(0)
}

// NewRef returns a reference that may be used before its target is built.
func (b *DwarfBuilder) NewRef() *DwarfRef {
	return &DwarfRef{}
}

func (b *DwarfBuilder) emit(tag dwarf.Tag, children bool, attrs []DwarfAttr) uint32 {
	code := b.nextCode
	b.nextCode++

	putUleb(&b.abbrev, code)
	putUleb(&b.abbrev, uint64(tag))
	if children {
		b.abbrev.WriteByte(1)
	} else {
		b.abbrev.WriteByte(0)
	}
	for _, a := range attrs {
		putUleb(&b.abbrev, uint64(a.ID))
		putUleb(&b.abbrev, uint64(a.Form))
	}
	b.abbrev.WriteByte(0)
	b.abbrev.WriteByte(0)

	offset := uint32(b.info.Len())
	putUleb(&b.info, code)
	for _, a := range attrs {
		b.putValue(a)
	}
	return offset
}

func (b *DwarfBuilder) putValue(a DwarfAttr) {
	// Raw payloads bypass the form encoders, for malformed-input fixtures.
	if raw, ok := a.Val.([]byte); ok {
		b.info.Write(raw)
		return
	}
	switch a.Form {
	case dwarf.FormString:
		b.info.WriteString(a.Val.(string))
		b.info.WriteByte(0)
	case dwarf.FormStrp:
		putU32(&b.info, b.intern(a.Val.(string)))
	case dwarf.FormStrx, dwarf.FormGNUStrIndex:
		b.strOffs = append(b.strOffs, b.intern(a.Val.(string)))
		putUleb(&b.info, uint64(len(b.strOffs)-1))
	case dwarf.FormData1:
		b.info.WriteByte(byte(asUint(a.Val)))
	case dwarf.FormData2:
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(asUint(a.Val)))
		b.info.Write(tmp[:])
	case dwarf.FormData4, dwarf.FormSecOffset:
		putU32(&b.info, uint32(asUint(a.Val)))
	case dwarf.FormData8:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], asUint(a.Val))
		b.info.Write(tmp[:])
	case dwarf.FormRef4:
		if cell, ok := a.Val.(*DwarfRef); ok {
			if cell.bound {
				putU32(&b.info, cell.offset)
			} else {
				b.patches = append(b.patches, patch{pos: b.info.Len(), cell: cell})
				putU32(&b.info, 0)
			}
			return
		}
		putU32(&b.info, uint32(asUint(a.Val)))
	case dwarf.FormFlagPresent:
	default:
		panic(fmt.Sprintf("form 0x%x has no encoder", uint32(a.Form)))
	}
}

// intern appends s to debug_str and returns its offset.
func (b *DwarfBuilder) intern(s string) uint32 {
	off := uint32(b.str.Len())
	b.str.WriteString(s)
	b.str.WriteByte(0)
	return off
}

// Build finalizes the image and returns the debug_info, debug_abbrev,
// debug_str and debug_str_offsets section contents.
func (b *DwarfBuilder) Build() (info, abbrev, str, strOffsets []byte) {
	if b.depth != 0 {
		panic(fmt.Sprintf("%d DIEs left open", b.depth))
	}
	info = append([]byte(nil), b.info.Bytes()...)
	binary.LittleEndian.PutUint32(info[0:], uint32(len(info)-4))
	binary.LittleEndian.PutUint16(info[4:], 4)
	binary.LittleEndian.PutUint32(info[6:], 0)
	info[10] = 8
	for _, p := range b.patches {
		if !p.cell.bound {
			panic(fmt.Sprintf("unbound type reference at info offset %d", p.pos))
		}
		binary.LittleEndian.PutUint32(info[p.pos:], p.cell.offset)
	}

	abbrev = append(append([]byte(nil), b.abbrev.Bytes()...), 0)
	str = append([]byte(nil), b.str.Bytes()...)
	strOffsets = make([]byte, 4*len(b.strOffs))
	for i, off := range b.strOffs {
		binary.LittleEndian.PutUint32(strOffsets[4*i:], off)
	}
	return info, abbrev, str, strOffsets
}

// BuildELFImage wraps the built sections into an ELF object under the
// conventional `.dwo` envelope names.
func (b *DwarfBuilder) BuildELFImage() []byte {
	info, abbrev, str, strOffsets := b.Build()
	return BuildELF(
		ELFSection{Name: ".debug_info.dwo", Data: info},
		ELFSection{Name: ".debug_abbrev.dwo", Data: abbrev},
		ELFSection{Name: ".debug_str.dwo", Data: str},
		ELFSection{Name: ".debug_str_offsets.dwo", Data: strOffsets},
	)
}

func putUleb(buf *bytes.Buffer, v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		buf.WriteByte(c)
		if v == 0 {
			return
		}
	}
}

func putU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func asUint(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case int:
		return uint64(n)
	case byte:
		return uint64(n)
	default:
		panic(fmt.Sprintf("value %v (%T) is not an integer", v, v))
	}
}
