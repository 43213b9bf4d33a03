// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package dwarf // import "github.com/raptorjit/birdwatch/dwarf"

import (
	"fmt"
	"strings"
)

// Kind classifies a layout descriptor.
type Kind uint8

const (
	// Opaque covers anonymous padding and types without interpretation.
	Opaque Kind = iota
	Base
	Ptr
	Struct
	Union
	Enum
)

// Desc is a flat layout descriptor derived from a type DIE. Descriptors
// are shared and must be treated as immutable by callers.
type Desc struct {
	Kind Kind
	Name string
	// Size is the storage size in bytes.
	Size uint32
	// Signed and Float qualify Base descriptors.
	Signed bool
	Float  bool
	// Elem is the pointee of a Ptr descriptor. A nil Elem is an opaque
	// pointer (void *, function pointers, pointers to undescribed types).
	Elem *Desc
	// Fields lists struct or union members in declaration order. Padding
	// appears as unnamed fields with Opaque types so that offsets always
	// add up to Size.
	Fields []Field

	enums map[uint64]string
}

// Field is one member of a Struct or Union descriptor.
type Field struct {
	Name   string
	Offset uint32
	Type   *Desc
}

// Field returns the named member of a struct or union descriptor.
func (d *Desc) Field(name string) (*Field, bool) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i], true
		}
	}
	return nil, false
}

// EnumName maps a value of an Enum descriptor back to its source name.
func (d *Desc) EnumName(v uint64) (string, bool) {
	name, ok := d.enums[v]
	return name, ok
}

// PtrTo wraps a descriptor in a pointer, for callers that address a record
// type through a raw address rather than a declared pointer variable.
func PtrTo(elem *Desc) *Desc {
	return &Desc{Kind: Ptr, Size: 8, Elem: elem}
}

func (d *Desc) String() string {
	switch d.Kind {
	case Base:
		return d.Name
	case Ptr:
		if d.Elem == nil {
			return "void *"
		}
		return d.Elem.String() + " *"
	case Struct:
		return "struct " + d.orAnon()
	case Union:
		return "union " + d.orAnon()
	case Enum:
		return "enum " + d.orAnon()
	default:
		return fmt.Sprintf("opaque[%d]", d.Size)
	}
}

func (d *Desc) orAnon() string {
	if d.Name == "" {
		return "?"
	}
	return d.Name
}

// DescriptorOf builds (memoized) the layout descriptor for a type DIE.
// Typedefs, qualifiers, members and variables forward to their underlying
// type; arrays and function types decay to pointers, matching how the
// audit log addresses them.
func (l *Loader) DescriptorOf(die *DIE) (*Desc, error) {
	if d, ok := l.descs[die]; ok {
		return d, nil
	}
	switch die.Tag {
	case TagStructType:
		return l.compoundDesc(die, false)
	case TagUnionType:
		return l.compoundDesc(die, true)
	case TagEnumerationType:
		return l.enumDesc(die)
	case TagPointerType:
		d := &Desc{Kind: Ptr, Size: 8}
		l.descs[die] = d
		if t := die.Type(); t != nil {
			elem, err := l.DescriptorOf(t)
			if err != nil {
				return nil, err
			}
			d.Elem = elem
		}
		return d, nil
	case TagArrayType:
		// Array members are only reached through colocated pointers, so
		// the element layout is all that matters.
		d := &Desc{Kind: Ptr, Size: 8}
		l.descs[die] = d
		if t := die.Type(); t != nil {
			elem, err := l.DescriptorOf(t)
			if err != nil {
				return nil, err
			}
			d.Elem = elem
		}
		return d, nil
	case TagSubroutineType:
		d := &Desc{Kind: Ptr, Size: 8}
		l.descs[die] = d
		return d, nil
	case TagBaseType:
		d := l.baseDesc(die)
		l.descs[die] = d
		return d, nil
	case TagTypedef, TagConstType, TagVolatileType, TagRestrictType,
		TagMember, TagVariable:
		t := die.Type()
		if t == nil {
			return nil, fmt.Errorf("%s has no type attribute", die)
		}
		d, err := l.DescriptorOf(t)
		if err != nil {
			return nil, err
		}
		l.descs[die] = d
		return d, nil
	default:
		return nil, &UnsupportedTagError{Tag: die.Tag}
	}
}

// compoundDesc fills in a struct or union descriptor. The descriptor is
// cached before the members are visited so that self-referential types
// terminate: a member that points back at the type being built observes
// the same, still filling, descriptor.
func (l *Loader) compoundDesc(die *DIE, union bool) (*Desc, error) {
	size, _ := die.Uint(AttrByteSize)
	d := &Desc{Kind: Struct, Name: die.Name(), Size: uint32(size)}
	if union {
		d.Kind = Union
	}
	l.descs[die] = d

	var off uint32
	for _, child := range die.Children {
		if child.Tag != TagMember {
			continue
		}
		t := child.Type()
		if t == nil {
			return nil, fmt.Errorf("member %s has no type attribute", child)
		}
		ft, err := l.DescriptorOf(t)
		if err != nil {
			return nil, err
		}
		var loc uint32
		if !union {
			n, _ := child.Uint(AttrDataMemberLocation)
			loc = uint32(n)
			if off < loc {
				d.Fields = append(d.Fields, padField(off, loc-off))
			}
			off = loc + ft.Size
		}
		d.Fields = append(d.Fields, Field{Name: child.Name(), Offset: loc, Type: ft})
	}
	if !union && off < d.Size {
		d.Fields = append(d.Fields, padField(off, d.Size-off))
	}
	return d, nil
}

func padField(off, size uint32) Field {
	return Field{Offset: off, Type: &Desc{Kind: Opaque, Size: size}}
}

func (l *Loader) enumDesc(die *DIE) (*Desc, error) {
	size, ok := die.Uint(AttrByteSize)
	if !ok {
		size = 4
	}
	d := &Desc{
		Kind:  Enum,
		Name:  die.Name(),
		Size:  uint32(size),
		enums: make(map[uint64]string),
	}
	l.descs[die] = d
	for _, child := range die.Children {
		if child.Tag != TagEnumerator {
			continue
		}
		value, ok := child.Uint(AttrConstValue)
		if !ok {
			return nil, fmt.Errorf("enumerator %s has no constant value", child)
		}
		if _, taken := d.enums[value]; !taken {
			d.enums[value] = child.Name()
		}
	}
	return d, nil
}

// baseDesc classifies a primitive by its encoding attribute, falling back
// to the conventional C type names when the attribute is absent.
func (l *Loader) baseDesc(die *DIE) *Desc {
	size, _ := die.Uint(AttrByteSize)
	d := &Desc{Kind: Base, Name: die.Name(), Size: uint32(size)}
	if enc, ok := die.Uint(AttrEncoding); ok {
		switch enc {
		case encSigned, encSignedChar:
			d.Signed = true
		case encFloat:
			d.Float = true
		case encBoolean, encUnsigned, encUnsignedChar:
		}
		return d
	}
	switch name := d.Name; {
	case name == "float", name == "double":
		d.Float = true
	case strings.HasPrefix(name, "unsigned"), strings.HasPrefix(name, "uint"),
		name == "_Bool", name == "bool":
	default:
		d.Signed = true
	}
	return d
}
