// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package dwarf // import "github.com/raptorjit/birdwatch/dwarf"

import (
	"fmt"
)

// attrForm is one (attribute, form) pair of an abbreviation declaration.
type attrForm struct {
	attr Attr
	form Form
}

// abbrevDecl describes how DIEs referencing its code are encoded.
type abbrevDecl struct {
	tag      Tag
	children bool
	attrs    []attrForm
}

type abbrevTable map[uint64]*abbrevDecl

// parseAbbrevTable reads the abbreviation declarations for the compilation
// unit starting at the given section offset. The sequence ends with a
// zero code.
func parseAbbrevTable(section []byte, offset uint32) (abbrevTable, error) {
	if uint64(offset) > uint64(len(section)) {
		return nil, fmt.Errorf("%w: abbrev table at offset %#x in section of %#x bytes",
			ErrTruncated, offset, len(section))
	}
	c := &cursor{buf: section, off: int(offset)}
	table := make(abbrevTable)
	for {
		code, err := c.uleb()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			return table, nil
		}
		if _, dup := table[code]; dup {
			return nil, fmt.Errorf("abbrev code %d declared twice", code)
		}
		tag, err := c.uleb()
		if err != nil {
			return nil, err
		}
		hasChildren, err := c.u8()
		if err != nil {
			return nil, err
		}
		decl := &abbrevDecl{tag: Tag(tag), children: hasChildren != 0}
		for {
			attr, err := c.uleb()
			if err != nil {
				return nil, err
			}
			form, err := c.uleb()
			if err != nil {
				return nil, err
			}
			if attr == 0 && form == 0 {
				break
			}
			decl.attrs = append(decl.attrs, attrForm{attr: Attr(attr), form: Form(form)})
		}
		table[code] = decl
	}
}
