// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog // import "github.com/raptorjit/birdwatch/auditlog"

import (
	"encoding/binary"
	"fmt"

	"github.com/raptorjit/birdwatch/dwarf"
)

// MissingMemoryError reports an address that no memory record covers. The VM
// logs every object it is about to reference, so a miss during trace
// resolution means the log is internally inconsistent.
type MissingMemoryError struct {
	Address uint64
}

func (e *MissingMemoryError) Error() string {
	return fmt.Sprintf("no memory record at 0x%x", e.Address)
}

// View is a snapshot of one logged heap object: the bytes the VM captured at
// a canonical address, typed by the DWARF descriptor its hint named. Field
// reads are bounds checked against the captured bytes, not the declared type
// size, because the VM logs colocated allocations (struct plus trailing
// arrays) as a single record.
type View struct {
	addr uint64
	desc *dwarf.Desc
	data []byte
}

// Addr returns the address the bytes occupied in the logging process.
func (v *View) Addr() uint64 { return v.addr }

// Bytes returns the captured bytes. The slice aliases the log buffer.
func (v *View) Bytes() []byte { return v.data }

// Desc returns the bound descriptor, nil when the hint resolved to nothing.
func (v *View) Desc() *dwarf.Desc { return v.desc }

// record returns the struct or union descriptor behind the bound pointer.
func (v *View) record() (*dwarf.Desc, error) {
	d := v.desc
	if d == nil {
		return nil, fmt.Errorf("memory at 0x%x has no type descriptor", v.addr)
	}
	if d.Kind == dwarf.Ptr {
		d = d.Elem
	}
	if d == nil || (d.Kind != dwarf.Struct && d.Kind != dwarf.Union) {
		return nil, fmt.Errorf("memory at 0x%x is not a record type", v.addr)
	}
	return d, nil
}

func (v *View) field(name string) (*dwarf.Field, error) {
	d, err := v.record()
	if err != nil {
		return nil, err
	}
	f, ok := d.Field(name)
	if !ok {
		return nil, fmt.Errorf("type %s has no field %q", d, name)
	}
	return f, nil
}

// Uint reads the named integer, pointer or enum field as an unsigned value.
func (v *View) Uint(name string) (uint64, error) {
	f, err := v.field(name)
	if err != nil {
		return 0, err
	}
	return v.readUint(f.Offset, f.Type, name)
}

// Int reads the named field and sign-extends it according to its base type.
func (v *View) Int(name string) (int64, error) {
	f, err := v.field(name)
	if err != nil {
		return 0, err
	}
	u, err := v.readUint(f.Offset, f.Type, name)
	if err != nil {
		return 0, err
	}
	if f.Type != nil && f.Type.Signed {
		switch f.Type.Size {
		case 1:
			return int64(int8(u)), nil
		case 2:
			return int64(int16(u)), nil
		case 4:
			return int64(int32(u)), nil
		}
	}
	return int64(u), nil
}

// Enum reads the named field and resolves it against its enum descriptor.
func (v *View) Enum(name string) (string, error) {
	f, err := v.field(name)
	if err != nil {
		return "", err
	}
	if f.Type == nil || f.Type.Kind != dwarf.Enum {
		return "", fmt.Errorf("field %q is not an enum", name)
	}
	u, err := v.readUint(f.Offset, f.Type, name)
	if err != nil {
		return "", err
	}
	if s, ok := f.Type.EnumName(u); ok {
		return s, nil
	}
	return fmt.Sprintf("%s(%d)", f.Type.Name, u), nil
}

// Elem returns a view of element i of the pointed-to array of records.
func (v *View) Elem(i int) (*View, error) {
	if v.desc == nil || v.desc.Kind != dwarf.Ptr || v.desc.Elem == nil {
		return nil, fmt.Errorf("memory at 0x%x is not an array of records", v.addr)
	}
	size := int(v.desc.Elem.Size)
	if size == 0 {
		return nil, fmt.Errorf("array at 0x%x has zero-sized elements", v.addr)
	}
	off := i * size
	if i < 0 || off+size > len(v.data) {
		return nil, fmt.Errorf("element %d of array at 0x%x is out of range", i, v.addr)
	}
	return &View{
		addr: v.addr + uint64(off),
		desc: v.desc,
		data: v.data[off : off+size],
	}, nil
}

func (v *View) readUint(off uint32, ft *dwarf.Desc, name string) (uint64, error) {
	if ft == nil {
		return 0, fmt.Errorf("field %q has no type", name)
	}
	size := ft.Size
	end := int(off) + int(size)
	if end > len(v.data) {
		return 0, fmt.Errorf("field %q at offset %d exceeds %d captured bytes",
			name, off, len(v.data))
	}
	switch size {
	case 1:
		return uint64(v.data[off]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(v.data[off:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(v.data[off:])), nil
	case 8:
		return binary.LittleEndian.Uint64(v.data[off:]), nil
	default:
		return 0, fmt.Errorf("field %q has unreadable size %d", name, size)
	}
}
