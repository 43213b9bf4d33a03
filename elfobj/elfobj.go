// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfobj reads sections out of the small relocatable ELF objects the
// RaptorJIT toolchain embeds in audit logs. It handles exactly the shape
// those objects have, 64-bit little-endian with a section name table, and
// rejects everything else early.
package elfobj // import "github.com/raptorjit/birdwatch/elfobj"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotELF is returned when the buffer does not start with the ELF magic.
	ErrNotELF = errors.New("not an ELF object")
	// ErrUnsupportedABI is returned for ELF objects that are not 64-bit
	// little-endian with standard section headers.
	ErrUnsupportedABI = errors.New("unsupported ELF ABI")
	// ErrNoSectionNameTable is returned when the object has no section
	// headers or no section name string table to resolve names against.
	ErrNoSectionNameTable = errors.New("no ELF section name table")
)

// Section is one named ELF section and its raw contents.
type Section struct {
	Name string
	Data []byte
}

// Object is a parsed in-memory ELF object. The section data aliases the
// buffer passed to New.
type Object struct {
	sections []Section
}

// New validates the ELF header of data and loads all named sections. The
// initial null section is skipped.
func New(data []byte) (*Object, error) {
	if len(data) < 64 || !bytes.Equal(data[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, ErrNotELF
	}
	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: ident %v", ErrUnsupportedABI, hdr.Ident)
	}
	if hdr.Shentsize != 64 {
		return nil, fmt.Errorf("%w: section header size %d", ErrUnsupportedABI, hdr.Shentsize)
	}
	if hdr.Shoff == 0 || hdr.Shnum == 0 {
		return nil, fmt.Errorf("%w: no section headers", ErrNoSectionNameTable)
	}
	if hdr.Shstrndx == 0 || hdr.Shstrndx >= hdr.Shnum {
		return nil, fmt.Errorf("%w: string table index %d/%d",
			ErrNoSectionNameTable, hdr.Shstrndx, hdr.Shnum)
	}

	shend := int64(hdr.Shoff) + int64(hdr.Shnum)*64
	if shend > int64(len(data)) {
		return nil, fmt.Errorf("section headers end at %#x past %#x bytes",
			shend, len(data))
	}
	headers := make([]elf.Section64, hdr.Shnum)
	rd := bytes.NewReader(data[hdr.Shoff:shend])
	if err := binary.Read(rd, binary.LittleEndian, headers); err != nil {
		return nil, fmt.Errorf("reading section headers: %v", err)
	}

	strtab, err := sectionData(data, &headers[hdr.Shstrndx])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSectionNameTable, err)
	}

	obj := &Object{sections: make([]Section, 0, hdr.Shnum-1)}
	for i := 1; i < int(hdr.Shnum); i++ {
		sh := &headers[i]
		name, ok := getString(strtab, int(sh.Name))
		if !ok {
			return nil, fmt.Errorf("bad section name index (section %d, index %d/%d)",
				i, sh.Name, len(strtab))
		}
		var contents []byte
		if elf.SectionType(sh.Type) != elf.SHT_NOBITS {
			if contents, err = sectionData(data, sh); err != nil {
				return nil, fmt.Errorf("section %q: %v", name, err)
			}
		}
		obj.sections = append(obj.sections, Section{Name: name, Data: contents})
	}
	return obj, nil
}

// Sections returns all named sections in file order.
func (o *Object) Sections() []Section {
	return o.sections
}

// Section returns the section with the given name, or nil if no such
// section exists.
func (o *Object) Section(name string) *Section {
	for i := range o.sections {
		if o.sections[i].Name == name {
			return &o.sections[i]
		}
	}
	return nil
}

func sectionData(data []byte, sh *elf.Section64) ([]byte, error) {
	end := sh.Off + sh.Size
	if end < sh.Off || end > uint64(len(data)) {
		return nil, fmt.Errorf("section at %#x+%#x exceeds %#x bytes",
			sh.Off, sh.Size, len(data))
	}
	return data[sh.Off:end:end], nil
}

// getString extracts a null terminated string from an ELF string table.
func getString(section []byte, start int) (string, bool) {
	if start < 0 || start >= len(section) {
		return "", false
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen < 0 {
		return "", false
	}
	return string(section[start : start+slen]), true
}
