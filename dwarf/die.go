// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package dwarf // import "github.com/raptorjit/birdwatch/dwarf"

import (
	"fmt"
)

// DIE is one debugging information entry. Attribute values are decoded at
// parse time; ref4 attributes hold the target *DIE after Load returns.
type DIE struct {
	Offset   uint32
	Tag      Tag
	Children []*DIE

	attrs []attrValue
}

type attrValue struct {
	attr Attr
	form Form
	val  any
}

// Attr returns the decoded value of the given attribute. Integer forms
// yield uint64, string forms string, flag_present bool and resolved ref4
// a *DIE.
func (d *DIE) Attr(a Attr) (any, bool) {
	for i := range d.attrs {
		if d.attrs[i].attr == a {
			return d.attrs[i].val, true
		}
	}
	return nil, false
}

// Name returns the name attribute, or "" when the DIE has none.
func (d *DIE) Name() string {
	if v, ok := d.Attr(AttrName); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Uint returns an integer-valued attribute.
func (d *DIE) Uint(a Attr) (uint64, bool) {
	if v, ok := d.Attr(a); ok {
		if n, ok := v.(uint64); ok {
			return n, true
		}
	}
	return 0, false
}

// Ref returns the DIE a reference attribute points at, or nil.
func (d *DIE) Ref(a Attr) *DIE {
	if v, ok := d.Attr(a); ok {
		if t, ok := v.(*DIE); ok {
			return t
		}
	}
	return nil
}

// Type returns the DIE referenced by the type attribute, or nil.
func (d *DIE) Type() *DIE {
	return d.Ref(AttrType)
}

func (d *DIE) String() string {
	if name := d.Name(); name != "" {
		return fmt.Sprintf("DIE(0x%x tag 0x%x %q)", d.Offset, uint32(d.Tag), name)
	}
	return fmt.Sprintf("DIE(0x%x tag 0x%x)", d.Offset, uint32(d.Tag))
}

// parseDIE reads the DIE at the cursor and, when the abbreviation declares
// children, its whole subtree. A zero abbreviation code terminates a
// sibling list and is returned as nil.
func (l *Loader) parseDIE(c *cursor, abbrevs abbrevTable) (*DIE, error) {
	off := c.off
	code, err := c.uleb()
	if err != nil {
		return nil, err
	}
	if code == 0 {
		return nil, nil
	}
	decl := abbrevs[code]
	if decl == nil {
		return nil, fmt.Errorf("abbrev code %d at offset %d is not declared", code, off)
	}

	die := &DIE{Offset: uint32(off), Tag: decl.tag}
	die.attrs = make([]attrValue, 0, len(decl.attrs))
	for _, af := range decl.attrs {
		val, err := l.readForm(c, af.form)
		if err != nil {
			return nil, fmt.Errorf("DIE at offset %d, attribute 0x%x: %w",
				off, uint32(af.attr), err)
		}
		die.attrs = append(die.attrs, attrValue{attr: af.attr, form: af.form, val: val})
	}
	l.dies[die.Offset] = die

	if decl.children {
		for {
			child, err := l.parseDIE(c, abbrevs)
			if err != nil {
				return nil, err
			}
			if child == nil {
				break
			}
			die.Children = append(die.Children, child)
		}
	}
	return die, nil
}

// readForm decodes one attribute value. Only the forms the RaptorJIT
// toolchain emits are understood; anything else is rejected so that a
// format drift is caught at load time rather than as silent garbage.
func (l *Loader) readForm(c *cursor, form Form) (any, error) {
	switch form {
	case FormString:
		return c.cstring()
	case FormStrp:
		off, err := c.u32()
		if err != nil {
			return nil, err
		}
		return getString(l.str, uint64(off))
	case FormStrx, FormGNUStrIndex:
		idx, err := c.uleb()
		if err != nil {
			return nil, err
		}
		return l.indexedString(idx)
	case FormData1:
		b, err := c.u8()
		return uint64(b), err
	case FormData2:
		v, err := c.u16()
		return uint64(v), err
	case FormData4, FormSecOffset, FormRef4:
		v, err := c.u32()
		return uint64(v), err
	case FormData8:
		return c.u64()
	case FormFlagPresent:
		return true, nil
	default:
		return nil, &UnsupportedFormError{Form: form}
	}
}

// indexedString resolves a debug_str_offsets index. The table is a bare
// little-endian u32 array, there is no DWARF v5 style header in front.
func (l *Loader) indexedString(idx uint64) (string, error) {
	pos := idx * 4
	if pos+4 > uint64(len(l.strOffsets)) {
		return "", fmt.Errorf("%w: string index %d in offset table of %d entries",
			ErrTruncated, idx, len(l.strOffsets)/4)
	}
	off := uint64(l.strOffsets[pos]) | uint64(l.strOffsets[pos+1])<<8 |
		uint64(l.strOffsets[pos+2])<<16 | uint64(l.strOffsets[pos+3])<<24
	return getString(l.str, off)
}
