// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarf loads the DWARF v4 debug object the RaptorJIT toolchain
// links into audit logs, and turns its type DIEs into flat layout
// descriptors suitable for reading logged VM memory. It implements the
// dialect that object actually uses: one 32-bit compilation unit, a small
// set of attribute forms, and a headerless string offset table.
package dwarf // import "github.com/raptorjit/birdwatch/dwarf"

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrTruncated is returned when a section ends in the middle of a value.
var ErrTruncated = errors.New("truncated DWARF data")

// UnsupportedFormError reports an attribute form outside the dialect.
type UnsupportedFormError struct {
	Form Form
}

func (e *UnsupportedFormError) Error() string {
	return fmt.Sprintf("unsupported DWARF form 0x%x", uint32(e.Form))
}

// UnsupportedTagError reports a DIE tag no descriptor can be built for.
type UnsupportedTagError struct {
	Tag Tag
}

func (e *UnsupportedTagError) Error() string {
	return fmt.Sprintf("unsupported DWARF tag 0x%x", uint32(e.Tag))
}

// Loader holds the debug sections and the DIE tree parsed from them.
type Loader struct {
	info       []byte
	abbrev     []byte
	str        []byte
	strOffsets []byte

	root   *DIE
	dies   map[uint32]*DIE
	byName map[string]*DIE
	descs  map[*DIE]*Desc
}

func NewLoader() *Loader {
	return &Loader{
		dies:   make(map[uint32]*DIE),
		byName: make(map[string]*DIE),
		descs:  make(map[*DIE]*Desc),
	}
}

// AddSection registers a debug section under its bare name. Compilers wrap
// the names in a `.<name>.dwo` envelope, which is stripped here. Sections
// the loader has no use for are ignored.
func (l *Loader) AddSection(name string, data []byte) {
	name = strings.TrimSuffix(strings.TrimPrefix(name, "."), ".dwo")
	switch name {
	case "debug_info":
		l.info = data
	case "debug_abbrev":
		l.abbrev = data
	case "debug_str":
		l.str = data
	case "debug_str_offsets":
		l.strOffsets = data
	}
}

// Load parses the compilation unit: abbreviation table, DIE tree, reference
// resolution and the name index. It must be called once before any query.
func (l *Loader) Load() error {
	if l.info == nil || l.abbrev == nil || l.str == nil {
		return errors.New("debug_info, debug_abbrev and debug_str are all required")
	}

	r := &cursor{buf: l.info}
	unitLen, err := r.u32()
	if err != nil {
		return err
	}
	if unitLen == 0xffffffff {
		return errors.New("64-bit DWARF is not supported")
	}
	if end := uint64(4) + uint64(unitLen); end > uint64(len(l.info)) {
		return fmt.Errorf("%w: unit length %#x exceeds section of %#x bytes",
			ErrTruncated, unitLen, len(l.info))
	}
	version, err := r.u16()
	if err != nil {
		return err
	}
	if version != 4 {
		return fmt.Errorf("DWARF version %d, only version 4 is supported", version)
	}
	abbrevOff, err := r.u32()
	if err != nil {
		return err
	}
	addrSize, err := r.u8()
	if err != nil {
		return err
	}
	if addrSize != 8 {
		return fmt.Errorf("address size %d, want 8", addrSize)
	}

	abbrevs, err := parseAbbrevTable(l.abbrev, abbrevOff)
	if err != nil {
		return err
	}
	root, err := l.parseDIE(r, abbrevs)
	if err != nil {
		return err
	}
	if root == nil {
		return errors.New("compilation unit has no root DIE")
	}
	l.root = root
	return l.resolveRefs()
}

// Root returns the compile-unit DIE.
func (l *Loader) Root() *DIE {
	return l.root
}

// FindDIE returns the first DIE (in tree order) carrying the given name
// attribute, or nil. Enumerators are indexed too, so named constants can
// be looked up directly.
func (l *Loader) FindDIE(name string) *DIE {
	return l.byName[name]
}

// Constant resolves a named enumerator to its value.
func (l *Loader) Constant(name string) (uint64, bool) {
	die := l.byName[name]
	if die == nil || die.Tag != TagEnumerator {
		return 0, false
	}
	return die.Uint(AttrConstValue)
}

// resolveRefs replaces every stored ref4 offset with the target DIE and
// builds the name index.
func (l *Loader) resolveRefs() error {
	var walk func(d *DIE) error
	walk = func(d *DIE) error {
		for i := range d.attrs {
			av := &d.attrs[i]
			if av.form != FormRef4 {
				continue
			}
			off, ok := av.val.(uint64)
			if !ok {
				continue // already resolved
			}
			target := l.dies[uint32(off)]
			if target == nil {
				return fmt.Errorf("DIE at 0x%x references unknown offset 0x%x",
					d.Offset, off)
			}
			av.val = target
		}
		if name := d.Name(); name != "" {
			if _, taken := l.byName[name]; !taken {
				l.byName[name] = d
			}
		}
		for _, c := range d.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(l.root)
}

// getString extracts a NUL-terminated string from a string table offset.
func getString(section []byte, start uint64) (string, error) {
	if start >= uint64(len(section)) {
		return "", fmt.Errorf("%w: string at offset %#x in table of %#x bytes",
			ErrTruncated, start, len(section))
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %#x",
			ErrTruncated, start)
	}
	return string(section[start : start+uint64(slen)]), nil
}

// cursor walks a section buffer with bounds-checked little-endian reads.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) need(n int) error {
	if c.off+n > len(c.buf) {
		return fmt.Errorf("%w: want %d bytes at offset %d of %d",
			ErrTruncated, n, c.off, len(c.buf))
	}
	return nil
}

func (c *cursor) u8() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	b := c.buf[c.off]
	c.off++
	return b, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := uint16(c.buf[c.off]) | uint16(c.buf[c.off+1])<<8
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := uint32(c.buf[c.off]) | uint32(c.buf[c.off+1])<<8 |
		uint32(c.buf[c.off+2])<<16 | uint32(c.buf[c.off+3])<<24
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	lo, err := c.u32()
	if err != nil {
		return 0, err
	}
	hi, err := c.u32()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

func (c *cursor) uleb() (uint64, error) {
	var v uint64
	for shift := 0; ; shift += 7 {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		if shift >= 63 && b > 1 {
			return 0, fmt.Errorf("ULEB128 at offset %d overflows 64 bits", c.off-1)
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
	}
}

func (c *cursor) cstring() (string, error) {
	slen := bytes.IndexByte(c.buf[c.off:], 0)
	if slen < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrTruncated, c.off)
	}
	s := string(c.buf[c.off : c.off+slen])
	c.off += slen + 1
	return s, nil
}
