// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/raptorjit/birdwatch/testsupport"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// ELFSection is one section to place into a built ELF image.
type ELFSection struct {
	Name string
	Data []byte
}

// BuildELF assembles a minimal 64-bit little-endian relocatable object
// holding the given sections, in order, plus the mandatory null section and
// a trailing .shstrtab. The layout mirrors what the RaptorJIT toolchain
// emits for the embedded debug blob.
func BuildELF(sections ...ELFSection) []byte {
	// Section name string table: leading NUL, then each name, then
	// ".shstrtab" itself.
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		nameOff[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.Name)
		shstrtab.WriteByte(0)
	}
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	// Image layout: header, section bodies, shstrtab body, header table.
	const ehsize = 64
	offset := uint64(ehsize)
	bodyOff := make([]uint64, len(sections))
	for i, s := range sections {
		bodyOff[i] = offset
		offset += uint64(len(s.Data))
	}
	shstrtabOff := offset
	offset += uint64(shstrtab.Len())
	shoff := offset

	shnum := uint16(len(sections) + 2)
	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     shnum,
		Shstrndx:  shnum - 1,
	}
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})

	var img bytes.Buffer
	must(binary.Write(&img, binary.LittleEndian, &hdr))
	for _, s := range sections {
		img.Write(s.Data)
	}
	img.Write(shstrtab.Bytes())

	must(binary.Write(&img, binary.LittleEndian, elf.Section64{}))
	for i, s := range sections {
		must(binary.Write(&img, binary.LittleEndian, elf.Section64{
			Name:      nameOff[i],
			Type:      uint32(elf.SHT_PROGBITS),
			Off:       bodyOff[i],
			Size:      uint64(len(s.Data)),
			Addralign: 1,
		}))
	}
	must(binary.Write(&img, binary.LittleEndian, elf.Section64{
		Name:      shstrtabNameOff,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       shstrtabOff,
		Size:      uint64(shstrtab.Len()),
		Addralign: 1,
	}))
	return img.Bytes()
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
