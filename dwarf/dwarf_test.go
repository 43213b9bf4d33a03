// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package dwarf_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raptorjit/birdwatch/dwarf"
	"github.com/raptorjit/birdwatch/testsupport"
)

func load(t *testing.T, b *testsupport.DwarfBuilder) *dwarf.Loader {
	t.Helper()
	l, err := tryLoad(b)
	require.NoError(t, err)
	return l
}

func tryLoad(b *testsupport.DwarfBuilder) (*dwarf.Loader, error) {
	info, abbrev, str, strOffs := b.Build()
	l := dwarf.NewLoader()
	l.AddSection(".debug_info.dwo", info)
	l.AddSection(".debug_abbrev.dwo", abbrev)
	l.AddSection(".debug_str.dwo", str)
	l.AddSection(".debug_str_offsets.dwo", strOffs)
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

func newCU() *testsupport.DwarfBuilder {
	b := testsupport.NewDwarfBuilder()
	b.Open(dwarf.TagCompileUnit, testsupport.AttrName("fixture.c"))
	return b
}

func TestBaseTypesAndTypedef(t *testing.T) {
	b := newCU()
	intOff := b.Leaf(dwarf.TagBaseType, testsupport.AttrName("int"),
		testsupport.AttrByteSize(4), testsupport.AttrEncoding(0x05))
	b.Leaf(dwarf.TagBaseType, testsupport.AttrNameStrp("unsigned int"),
		testsupport.AttrByteSize(4), testsupport.AttrEncoding(0x07))
	b.Leaf(dwarf.TagBaseType, testsupport.AttrNameStrx("double"),
		testsupport.AttrByteSize(8), testsupport.AttrEncoding(0x04))
	b.Leaf(dwarf.TagTypedef, testsupport.AttrName("int32_t"),
		testsupport.AttrTypeRef(intOff))
	b.Close()
	l := load(t, b)

	intDesc, err := l.DescriptorOf(l.FindDIE("int"))
	require.NoError(t, err)
	assert.Equal(t, dwarf.Base, intDesc.Kind)
	assert.Equal(t, uint32(4), intDesc.Size)
	assert.True(t, intDesc.Signed)
	assert.False(t, intDesc.Float)

	uintDesc, err := l.DescriptorOf(l.FindDIE("unsigned int"))
	require.NoError(t, err)
	assert.False(t, uintDesc.Signed)

	dblDesc, err := l.DescriptorOf(l.FindDIE("double"))
	require.NoError(t, err)
	assert.True(t, dblDesc.Float)
	assert.Equal(t, uint32(8), dblDesc.Size)

	// Typedefs forward to the underlying descriptor.
	tdDesc, err := l.DescriptorOf(l.FindDIE("int32_t"))
	require.NoError(t, err)
	assert.Same(t, intDesc, tdDesc)
}

func TestStructPadding(t *testing.T) {
	b := newCU()
	intOff := b.Leaf(dwarf.TagBaseType, testsupport.AttrName("int"),
		testsupport.AttrByteSize(4), testsupport.AttrEncoding(0x05))
	charOff := b.Leaf(dwarf.TagBaseType, testsupport.AttrName("char"),
		testsupport.AttrByteSize(1), testsupport.AttrEncoding(0x06))
	b.Open(dwarf.TagStructType, testsupport.AttrName("Point"),
		testsupport.AttrByteSize(16))
	b.Leaf(dwarf.TagMember, testsupport.AttrName("x"),
		testsupport.AttrTypeRef(intOff), testsupport.AttrMemberLoc(0))
	b.Leaf(dwarf.TagMember, testsupport.AttrName("c"),
		testsupport.AttrTypeRef(charOff), testsupport.AttrMemberLoc(4))
	b.Leaf(dwarf.TagMember, testsupport.AttrName("y"),
		testsupport.AttrTypeRef(intOff), testsupport.AttrMemberLoc(8))
	b.Close()
	b.Close()
	l := load(t, b)

	d, err := l.DescriptorOf(l.FindDIE("Point"))
	require.NoError(t, err)
	require.Equal(t, dwarf.Struct, d.Kind)
	assert.Equal(t, uint32(16), d.Size)

	// x, c, pad(3), y, trailing pad(4); offsets must add up to Size.
	require.Len(t, d.Fields, 5)
	assert.Equal(t, "x", d.Fields[0].Name)
	assert.Equal(t, "c", d.Fields[1].Name)
	assert.Equal(t, "", d.Fields[2].Name)
	assert.Equal(t, uint32(5), d.Fields[2].Offset)
	assert.Equal(t, uint32(3), d.Fields[2].Type.Size)
	assert.Equal(t, "y", d.Fields[3].Name)
	assert.Equal(t, uint32(8), d.Fields[3].Offset)
	assert.Equal(t, "", d.Fields[4].Name)
	assert.Equal(t, uint32(12), d.Fields[4].Offset)
	assert.Equal(t, uint32(4), d.Fields[4].Type.Size)

	f, ok := d.Field("y")
	require.True(t, ok)
	assert.Equal(t, uint32(8), f.Offset)
	_, ok = d.Field("nope")
	assert.False(t, ok)
}

func TestUnionMembersAtZero(t *testing.T) {
	b := newCU()
	intOff := b.Leaf(dwarf.TagBaseType, testsupport.AttrName("int"),
		testsupport.AttrByteSize(4), testsupport.AttrEncoding(0x05))
	dblOff := b.Leaf(dwarf.TagBaseType, testsupport.AttrName("double"),
		testsupport.AttrByteSize(8), testsupport.AttrEncoding(0x04))
	b.Open(dwarf.TagUnionType, testsupport.AttrName("Value"),
		testsupport.AttrByteSize(8))
	b.Leaf(dwarf.TagMember, testsupport.AttrName("i"), testsupport.AttrTypeRef(intOff))
	b.Leaf(dwarf.TagMember, testsupport.AttrName("d"), testsupport.AttrTypeRef(dblOff))
	b.Close()
	b.Close()
	l := load(t, b)

	d, err := l.DescriptorOf(l.FindDIE("Value"))
	require.NoError(t, err)
	require.Equal(t, dwarf.Union, d.Kind)
	assert.Equal(t, uint32(8), d.Size)
	require.Len(t, d.Fields, 2)
	assert.Equal(t, uint32(0), d.Fields[0].Offset)
	assert.Equal(t, uint32(0), d.Fields[1].Offset)
}

func TestCyclicStructTerminates(t *testing.T) {
	b := newCU()
	intOff := b.Leaf(dwarf.TagBaseType, testsupport.AttrName("int"),
		testsupport.AttrByteSize(4), testsupport.AttrEncoding(0x05))
	ptrRef := b.NewRef()
	nodeOff := b.Open(dwarf.TagStructType, testsupport.AttrName("Node"),
		testsupport.AttrByteSize(16))
	b.Leaf(dwarf.TagMember, testsupport.AttrName("next"),
		testsupport.AttrTypeRefCell(ptrRef), testsupport.AttrMemberLoc(0))
	b.Leaf(dwarf.TagMember, testsupport.AttrName("value"),
		testsupport.AttrTypeRef(intOff), testsupport.AttrMemberLoc(8))
	b.Close()
	ptrRef.Bind(b.Leaf(dwarf.TagPointerType, testsupport.AttrTypeRef(nodeOff)))
	b.Close()
	l := load(t, b)

	d, err := l.DescriptorOf(l.FindDIE("Node"))
	require.NoError(t, err)
	next, ok := d.Field("next")
	require.True(t, ok)
	require.Equal(t, dwarf.Ptr, next.Type.Kind)
	// The pointee is the very descriptor under construction at the time.
	assert.Same(t, d, next.Type.Elem)
}

func TestEnumAndConstants(t *testing.T) {
	b := newCU()
	b.Open(dwarf.TagEnumerationType, testsupport.AttrName("IROp"),
		testsupport.AttrByteSize(1))
	b.Leaf(dwarf.TagEnumerator, testsupport.AttrName("IR_LT"), testsupport.AttrConstValue(0))
	b.Leaf(dwarf.TagEnumerator, testsupport.AttrName("IR_GE"), testsupport.AttrConstValue(1))
	b.Leaf(dwarf.TagEnumerator, testsupport.AttrName("IR__MAX"), testsupport.AttrConstValue(2))
	b.Close()
	b.Close()
	l := load(t, b)

	d, err := l.DescriptorOf(l.FindDIE("IROp"))
	require.NoError(t, err)
	require.Equal(t, dwarf.Enum, d.Kind)
	assert.Equal(t, uint32(1), d.Size)

	name, ok := d.EnumName(1)
	require.True(t, ok)
	assert.Equal(t, "IR_GE", name)
	_, ok = d.EnumName(99)
	assert.False(t, ok)

	v, ok := l.Constant("IR__MAX")
	require.True(t, ok)
	assert.Equal(t, uint64(2), v)
	_, ok = l.Constant("IROp")
	assert.False(t, ok, "only enumerators resolve as constants")
}

func TestArrayAndSubroutineDecay(t *testing.T) {
	b := newCU()
	u16Off := b.Leaf(dwarf.TagBaseType, testsupport.AttrName("uint16_t"),
		testsupport.AttrByteSize(2), testsupport.AttrEncoding(0x07))
	b.Open(dwarf.TagArrayType, testsupport.AttrName("szirmcode_t"),
		testsupport.AttrTypeRef(u16Off))
	b.Leaf(dwarf.TagSubrangeType)
	b.Close()
	b.Leaf(dwarf.TagSubroutineType, testsupport.AttrName("lua_CFunction"))
	b.Leaf(dwarf.TagVariable, testsupport.AttrName("lj_ir_mode"),
		testsupport.AttrTypeRef(u16Off))
	b.Close()
	l := load(t, b)

	arr, err := l.DescriptorOf(l.FindDIE("szirmcode_t"))
	require.NoError(t, err)
	require.Equal(t, dwarf.Ptr, arr.Kind)
	require.NotNil(t, arr.Elem)
	assert.Equal(t, uint32(2), arr.Elem.Size)

	fn, err := l.DescriptorOf(l.FindDIE("lua_CFunction"))
	require.NoError(t, err)
	assert.Equal(t, dwarf.Ptr, fn.Kind)
	assert.Nil(t, fn.Elem)

	// Variables forward to their type.
	v, err := l.DescriptorOf(l.FindDIE("lj_ir_mode"))
	require.NoError(t, err)
	assert.Equal(t, dwarf.Base, v.Kind)
}

func TestDescriptorOfUnsupportedTag(t *testing.T) {
	b := newCU()
	b.Leaf(dwarf.TagSubprogram, testsupport.AttrName("lj_trace_hot"))
	b.Close()
	l := load(t, b)

	_, err := l.DescriptorOf(l.FindDIE("lj_trace_hot"))
	var tagErr *dwarf.UnsupportedTagError
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, dwarf.TagSubprogram, tagErr.Tag)
}

func TestUnsupportedForm(t *testing.T) {
	b := newCU()
	// 0x0d is DW_FORM_sdata, which the dialect does not use.
	b.Leaf(dwarf.TagBaseType, testsupport.AttrName("odd"),
		testsupport.RawAttr(dwarf.AttrByteSize, dwarf.Form(0x0d), []byte{0x04}))
	b.Close()

	_, err := tryLoad(b)
	var formErr *dwarf.UnsupportedFormError
	require.ErrorAs(t, err, &formErr)
	assert.Equal(t, dwarf.Form(0x0d), formErr.Form)
}

func TestDanglingReference(t *testing.T) {
	b := newCU()
	b.Leaf(dwarf.TagTypedef, testsupport.AttrName("broken"),
		testsupport.AttrTypeRef(0x7ffff))
	b.Close()

	_, err := tryLoad(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown offset")
}

func TestRejectsWrongVersion(t *testing.T) {
	b := newCU()
	b.Close()
	info, abbrev, str, _ := b.Build()
	binary.LittleEndian.PutUint16(info[4:], 5)

	l := dwarf.NewLoader()
	l.AddSection("debug_info", info)
	l.AddSection("debug_abbrev", abbrev)
	l.AddSection("debug_str", str)
	err := l.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 5")
}

func TestRejects64BitDWARF(t *testing.T) {
	b := newCU()
	b.Close()
	info, abbrev, str, _ := b.Build()
	binary.LittleEndian.PutUint32(info[0:], 0xffffffff)

	l := dwarf.NewLoader()
	l.AddSection("debug_info", info)
	l.AddSection("debug_abbrev", abbrev)
	l.AddSection("debug_str", str)
	err := l.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64-bit DWARF")
}

func TestTruncatedInfo(t *testing.T) {
	b := newCU()
	b.Leaf(dwarf.TagBaseType, testsupport.AttrName("int"),
		testsupport.AttrByteSize(4), testsupport.AttrEncoding(0x05))
	b.Close()
	info, abbrev, str, _ := b.Build()

	l := dwarf.NewLoader()
	l.AddSection("debug_info", info[:len(info)-6])
	l.AddSection("debug_abbrev", abbrev)
	l.AddSection("debug_str", str)
	require.ErrorIs(t, l.Load(), dwarf.ErrTruncated)
}

func TestMissingMandatorySections(t *testing.T) {
	l := dwarf.NewLoader()
	l.AddSection("debug_info", []byte{0})
	require.Error(t, l.Load())
}
