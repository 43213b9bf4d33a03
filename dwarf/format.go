// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package dwarf // import "github.com/raptorjit/birdwatch/dwarf"

// DWARF v4 numeric codes, restricted to what the RaptorJIT toolchain emits
// into the embedded debug object.

// Tag identifies the kind of a debugging information entry.
type Tag uint32

const (
	TagArrayType       Tag = 0x01
	TagEnumerationType Tag = 0x04
	TagFormalParameter Tag = 0x05
	TagMember          Tag = 0x0d
	TagPointerType     Tag = 0x0f
	TagCompileUnit     Tag = 0x11
	TagStructType      Tag = 0x13
	TagSubroutineType  Tag = 0x15
	TagTypedef         Tag = 0x16
	TagUnionType       Tag = 0x17
	TagSubrangeType    Tag = 0x21
	TagBaseType        Tag = 0x24
	TagConstType       Tag = 0x26
	TagEnumerator      Tag = 0x28
	TagSubprogram      Tag = 0x2e
	TagVariable        Tag = 0x34
	TagVolatileType    Tag = 0x35
	TagRestrictType    Tag = 0x37
)

// Attr identifies a DIE attribute.
type Attr uint32

const (
	AttrName               Attr = 0x03
	AttrByteSize           Attr = 0x0b
	AttrConstValue         Attr = 0x1c
	AttrDataMemberLocation Attr = 0x38
	AttrEncoding           Attr = 0x3e
	AttrType               Attr = 0x49
)

// Form identifies the on-disk encoding of an attribute value.
type Form uint32

const (
	FormData2       Form = 0x05
	FormData4       Form = 0x06
	FormData8       Form = 0x07
	FormString      Form = 0x08
	FormData1       Form = 0x0b
	FormStrp        Form = 0x0e
	FormRef4        Form = 0x13
	FormSecOffset   Form = 0x17
	FormFlagPresent Form = 0x19
	FormStrx        Form = 0x1a
	FormGNUStrIndex Form = 0x1f02
)

// Base type encodings (DW_ATE_*).
const (
	encBoolean      = 0x02
	encFloat        = 0x04
	encSigned       = 0x05
	encSignedChar   = 0x06
	encUnsigned     = 0x07
	encUnsignedChar = 0x08
)
