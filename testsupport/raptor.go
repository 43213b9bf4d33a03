// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/raptorjit/birdwatch/testsupport"

import (
	"encoding/binary"

	"github.com/raptorjit/birdwatch/dwarf"
)

// This file fabricates the debug-info image a RaptorJIT audit log embeds,
// together with byte encoders for the VM structures the image declares.
// The enumeration values are a compact stand-in for the real VM's tables:
// decoding is driven entirely by the embedded DWARF, so the only thing that
// matters is that the image and the encoders agree.

// Record sizes of the fixture structures.
const (
	SizeofGCstr    = 16
	SizeofGCproto  = 64
	SizeofGCtrace  = 80
	SizeofJitState = 32
	SizeofBCRecLog = 16
	SizeofGCfunc   = 16
)

// Fixture IROp values, mirrored by the IROp enumeration in the image.
const (
	IRNop = iota
	IRBase
	IRKpri
	IRKint
	IRKgc
	IRKptr
	IRKnum
	IRKint64
	IRKslot
	IRSload
	IRXload
	IRConv
	IRAdd
	IRFload
	IRCnewi
	IREq
	IRCalln
	IRKnull
	IRMaxOp
)

// Fixture IRType values.
const (
	IRTNil = iota
	IRTFalse
	IRTTrue
	IRTStr
	IRTFunc
	IRTNum
	IRTInt
	IRTPtr
)

// RefBias partitions IR references into constants below and instructions
// above, as in the real VM.
const RefBias = 0x8000

// VMProfileTraceMax is the trace capacity the image advertises for VM
// profiles, kept small so fixture profile files stay tiny.
const VMProfileTraceMax = 64

// IRModeTable is the lj_ir_mode payload for the fixture opcodes: operand
// one mode in bits 0-1, operand two mode in bits 2-3 (ref 0, lit 1, cst 2,
// none 3).
var IRModeTable = []byte{
	IRNop:    0x0f,
	IRBase:   0x05,
	IRKpri:   0x0f,
	IRKint:   0x0e,
	IRKgc:    0x0e,
	IRKptr:   0x0e,
	IRKnum:   0x0e,
	IRKint64: 0x0e,
	IRKslot:  0x04,
	IRSload:  0x05,
	IRXload:  0x04,
	IRConv:   0x04,
	IRAdd:    0x00,
	IRFload:  0x04,
	IRCnewi:  0x00,
	IREq:     0x00,
	IRCalln:  0x04,
	IRKnull:  0x0e,
}

// RaptorDwarf builds the lj_dwarf.dwo ELF image describing the fixture VM.
func RaptorDwarf() []byte {
	b := NewDwarfBuilder()
	b.Open(dwarf.TagCompileUnit, AttrName("lj_dwarf.c"))

	u8 := b.Leaf(dwarf.TagBaseType, AttrName("uint8_t"), AttrByteSize(1), AttrEncoding(8))
	u16 := b.Leaf(dwarf.TagBaseType, AttrName("uint16_t"), AttrByteSize(2), AttrEncoding(7))
	u32 := b.Leaf(dwarf.TagBaseType, AttrName("uint32_t"), AttrByteSize(4), AttrEncoding(7))
	i32 := b.Leaf(dwarf.TagBaseType, AttrName("int32_t"), AttrByteSize(4), AttrEncoding(5))
	ptr := b.Leaf(dwarf.TagPointerType)

	member := func(name string, off int, typ uint32) {
		b.Leaf(dwarf.TagMember, AttrName(name), AttrTypeRef(typ), AttrMemberLoc(uint64(off)))
	}

	b.Open(dwarf.TagStructType, AttrName("GCstr"), AttrByteSize(SizeofGCstr))
	member("hash", 8, u32)
	member("len", 12, u32)
	b.Close()

	b.Open(dwarf.TagStructType, AttrName("GCproto"), AttrByteSize(SizeofGCproto))
	member("sizebc", 8, u32)
	member("chunkname", 16, ptr)
	member("firstline", 24, i32)
	member("numline", 28, i32)
	member("lineinfo", 32, ptr)
	member("declname", 40, ptr)
	b.Close()

	b.Open(dwarf.TagStructType, AttrName("GCtrace"), AttrByteSize(SizeofGCtrace))
	member("traceno", 0, u16)
	member("nins", 4, u32)
	member("nk", 8, u32)
	member("ir", 16, ptr)
	member("szmcode", 24, u32)
	member("mcode", 32, ptr)
	member("nsnap", 40, u16)
	member("nsnapmap", 44, u32)
	member("snap", 48, ptr)
	member("snapmap", 56, ptr)
	member("szirmcode", 64, ptr)
	b.Close()

	b.Open(dwarf.TagStructType, AttrName("jit_State"), AttrByteSize(SizeofJitState))
	member("parent", 0, u16)
	member("exitno", 2, u16)
	member("startpc", 8, ptr)
	member("bclog", 16, ptr)
	member("nbclog", 24, u32)
	b.Close()

	b.Open(dwarf.TagStructType, AttrName("BCRecLog"), AttrByteSize(SizeofBCRecLog))
	member("pt", 0, ptr)
	member("pos", 8, i32)
	member("framedepth", 12, u8)
	b.Close()

	b.Open(dwarf.TagStructType, AttrName("GCfunc"), AttrByteSize(SizeofGCfunc))
	member("ffid", 0, u8)
	member("pc", 8, ptr)
	b.Close()

	b.Open(dwarf.TagStructType, AttrName("IRIns"), AttrByteSize(8))
	member("op1", 0, u16)
	member("op2", 2, u16)
	member("t", 4, u8)
	member("o", 5, u8)
	member("r", 6, u8)
	member("s", 7, u8)
	b.Close()

	b.Open(dwarf.TagStructType, AttrName("SnapShot"), AttrByteSize(8))
	member("mapofs", 0, u32)
	member("ref", 4, u32)
	b.Close()
	b.Leaf(dwarf.TagTypedef, AttrName("SnapEntry"), AttrTypeRef(u32))
	b.Leaf(dwarf.TagTypedef, AttrName("MCode"), AttrTypeRef(u8))

	enum := func(name string, members ...any) {
		attrs := []DwarfAttr{AttrByteSize(4)}
		if name != "" {
			attrs = append([]DwarfAttr{AttrName(name)}, attrs...)
		}
		b.Open(dwarf.TagEnumerationType, attrs...)
		for i := 0; i < len(members); i += 2 {
			b.Leaf(dwarf.TagEnumerator,
				AttrName(members[i].(string)), AttrConstValue(uint64(members[i+1].(int))))
		}
		b.Close()
	}

	enum("IROp",
		"IR_NOP", IRNop, "IR_BASE", IRBase, "IR_KPRI", IRKpri, "IR_KINT", IRKint,
		"IR_KGC", IRKgc, "IR_KPTR", IRKptr, "IR_KNUM", IRKnum, "IR_KINT64", IRKint64,
		"IR_KSLOT", IRKslot, "IR_SLOAD", IRSload, "IR_XLOAD", IRXload,
		"IR_CONV", IRConv, "IR_ADD", IRAdd, "IR_FLOAD", IRFload,
		"IR_CNEWI", IRCnewi, "IR_EQ", IREq, "IR_CALLN", IRCalln,
		"IR_KNULL", IRKnull, "IR__MAX", IRMaxOp)
	enum("IRType",
		"IRT_NIL", IRTNil, "IRT_FALSE", IRTFalse, "IRT_TRUE", IRTTrue,
		"IRT_STR", IRTStr, "IRT_FUNC", IRTFunc, "IRT_NUM", IRTNum,
		"IRT_INT", IRTInt, "IRT_PTR", IRTPtr)
	enum("IRMode", "IRMref", 0, "IRMlit", 1, "IRMcst", 2, "IRMnone", 3)
	enum("", "REF_BIAS", RefBias)
	enum("", "LJ_VMPROFILE_TRACE_MAX", VMProfileTraceMax)
	enum("VMState",
		"LJ_VMST_INTERP", 0, "LJ_VMST_C", 1, "LJ_VMST_EXIT", 3, "LJ_VMST__MAX", 11)

	// TraceError hides behind a typedef like in the VM headers.
	trerr := b.Open(dwarf.TagEnumerationType, AttrByteSize(4))
	b.Leaf(dwarf.TagEnumerator, AttrName("LJ_TRERR_RECERR"), AttrConstValue(0))
	b.Leaf(dwarf.TagEnumerator, AttrName("LJ_TRERR_LLEAVE"), AttrConstValue(1))
	b.Leaf(dwarf.TagEnumerator, AttrName("LJ_TRERR_BADTYPE"), AttrConstValue(2))
	b.Leaf(dwarf.TagEnumerator, AttrName("LJ_TRERR_NYIBC"), AttrConstValue(3))
	b.Close()
	b.Leaf(dwarf.TagTypedef, AttrName("TraceError"), AttrTypeRef(trerr))

	modeArr := b.Leaf(dwarf.TagArrayType, AttrTypeRef(u8))
	b.Leaf(dwarf.TagVariable, AttrName("lj_ir_mode"), AttrTypeRef(modeArr))

	b.Close()
	return b.BuildELFImage()
}

// EncodeGCstr renders an interned string record: header then payload.
func EncodeGCstr(s string) []byte {
	b := make([]byte, SizeofGCstr+len(s))
	binary.LittleEndian.PutUint32(b[8:], uint32(len(s)*31+7))
	binary.LittleEndian.PutUint32(b[12:], uint32(len(s)))
	copy(b[SizeofGCstr:], s)
	return b
}

// ProtoFixture assembles one colocated GCproto record: header, bytecode
// array, optional line table and declared name, with internal pointers
// phrased in the original address space.
type ProtoFixture struct {
	Address    uint64
	Chunkname  uint64 // GCstr address, 0 for none
	Firstline  int32
	Numline    int32
	Declname   string // "" leaves the declname pointer null
	BC         []uint32
	LineDeltas []byte // len(BC)-1 one-byte deltas from Firstline, nil for none
}

func (p *ProtoFixture) Encode() []byte {
	var b []byte
	b = append(b, make([]byte, SizeofGCproto)...)
	for _, ins := range p.BC {
		b = binary.LittleEndian.AppendUint32(b, ins)
	}
	var lineinfo, declname uint64
	if p.LineDeltas != nil {
		lineinfo = p.Address + uint64(len(b))
		b = append(b, p.LineDeltas...)
	}
	if p.Declname != "" {
		declname = p.Address + uint64(len(b))
		b = append(b, p.Declname...)
		b = append(b, 0)
	}
	binary.LittleEndian.PutUint32(b[8:], uint32(len(p.BC)))
	binary.LittleEndian.PutUint64(b[16:], p.Chunkname)
	binary.LittleEndian.PutUint32(b[24:], uint32(p.Firstline))
	binary.LittleEndian.PutUint32(b[28:], uint32(p.Numline))
	binary.LittleEndian.PutUint64(b[32:], lineinfo)
	binary.LittleEndian.PutUint64(b[40:], declname)
	return b
}

// TraceFixture assembles a GCtrace record. IRAddr is where the IR
// allocation (lowest constant first) was logged, the ir field itself is
// rebiased the way the VM stores it.
type TraceFixture struct {
	TraceNo     uint16
	NIns        uint32 // biased
	NK          uint32 // biased
	IRAddr      uint64
	SzMcode     uint32
	McodeAddr   uint64
	NSnap       uint16
	SnapAddr    uint64
	NSnapMap    uint32
	SnapMapAddr uint64
	SzirAddr    uint64
}

func (t *TraceFixture) Encode() []byte {
	b := make([]byte, SizeofGCtrace)
	binary.LittleEndian.PutUint16(b[0:], t.TraceNo)
	binary.LittleEndian.PutUint32(b[4:], t.NIns)
	binary.LittleEndian.PutUint32(b[8:], t.NK)
	binary.LittleEndian.PutUint64(b[16:], t.IRAddr-uint64(t.NK)*8)
	binary.LittleEndian.PutUint32(b[24:], t.SzMcode)
	binary.LittleEndian.PutUint64(b[32:], t.McodeAddr)
	binary.LittleEndian.PutUint16(b[40:], t.NSnap)
	binary.LittleEndian.PutUint32(b[44:], t.NSnapMap)
	binary.LittleEndian.PutUint64(b[48:], t.SnapAddr)
	binary.LittleEndian.PutUint64(b[56:], t.SnapMapAddr)
	binary.LittleEndian.PutUint64(b[64:], t.SzirAddr)
	return b
}

// JitStateFixture assembles the jit_State record captured at a trace stop
// or abort.
type JitStateFixture struct {
	Parent    uint16
	StartPC   uint64
	BCLogAddr uint64
	NBCLog    uint32
}

func (j *JitStateFixture) Encode() []byte {
	b := make([]byte, SizeofJitState)
	binary.LittleEndian.PutUint16(b[0:], j.Parent)
	binary.LittleEndian.PutUint64(b[8:], j.StartPC)
	binary.LittleEndian.PutUint64(b[16:], j.BCLogAddr)
	binary.LittleEndian.PutUint32(b[24:], j.NBCLog)
	return b
}

// BCRec is one bytecode-log entry for EncodeBCRecLog.
type BCRec struct {
	PT         uint64
	Pos        int32
	Framedepth uint8
}

// EncodeBCRecLog renders a BCRecLog array record.
func EncodeBCRecLog(entries []BCRec) []byte {
	b := make([]byte, 0, SizeofBCRecLog*len(entries))
	for _, e := range entries {
		var rec [SizeofBCRecLog]byte
		binary.LittleEndian.PutUint64(rec[0:], e.PT)
		binary.LittleEndian.PutUint32(rec[8:], uint32(e.Pos))
		rec[12] = e.Framedepth
		b = append(b, rec[:]...)
	}
	return b
}

// EncodeGCfunc renders a GCfunc record whose pc points just past the
// colocated GCproto header.
func EncodeGCfunc(protoAddr uint64) []byte {
	b := make([]byte, SizeofGCfunc)
	binary.LittleEndian.PutUint64(b[8:], protoAddr+SizeofGCproto)
	return b
}

// IRSlot renders one 8-byte IR instruction slot.
func IRSlot(op1, op2 uint16, t, o, r, s uint8) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:], op1)
	binary.LittleEndian.PutUint16(b[2:], op2)
	b[4], b[5], b[6], b[7] = t, o, r, s
	return b
}

// IRSlot64 renders the payload slot following a 64-bit constant.
func IRSlot64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
