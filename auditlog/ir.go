// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog // import "github.com/raptorjit/birdwatch/auditlog"

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/raptorjit/birdwatch/dwarf"
)

// IRConst is one materialized constant-pool entry. Slot counts down from
// the reference bias: an operand reference r below the bias names the
// constant at slot bias-r.
type IRConst struct {
	Slot  int
	Op    string
	Type  string
	Value string

	raw uint64
}

// IRIns is one decoded IR instruction. Operands are rendered the way the
// VM's own dump module renders them: four-digit instruction references,
// literal values, or the referenced constant's value.
type IRIns struct {
	// Index is the instruction's position above the reference bias. Other
	// instructions refer to it as a zero-padded four-digit number.
	Index int
	Op    string
	Type  string
	Reg   uint8
	Slot  uint8
	Sunk  bool
	Op1   string
	Op2   string
}

type irListing struct {
	consts []IRConst
	bySlot map[int]*IRConst
	ins    []IRIns
}

// irInfo carries the DWARF handles IR decoding needs. Resolved once per
// model, the enumerations never change within one log.
type irInfo struct {
	refBias   uint64
	irMax     uint64
	op        *dwarf.Desc
	typ       *dwarf.Desc
	modeRef   uint64
	modeLit   uint64
	modeCst   uint64
	modeNone  uint64
	protoSize uint64
}

func (m *Model) irInfo() (*irInfo, error) {
	if m.ir != nil {
		return m.ir, nil
	}
	info := &irInfo{}
	var ok bool
	if info.refBias, ok = m.dwarf.Constant("REF_BIAS"); !ok {
		return nil, fmt.Errorf("debug info lacks the REF_BIAS constant")
	}
	if info.irMax, ok = m.dwarf.Constant("IR__MAX"); !ok {
		return nil, fmt.Errorf("debug info lacks the IR__MAX constant")
	}
	var err error
	if info.op, err = m.enumDesc("IROp"); err != nil {
		return nil, err
	}
	if info.typ, err = m.enumDesc("IRType"); err != nil {
		return nil, err
	}
	info.modeRef = m.constantOr("IRMref", 0)
	info.modeLit = m.constantOr("IRMlit", 1)
	info.modeCst = m.constantOr("IRMcst", 2)
	info.modeNone = m.constantOr("IRMnone", 3)
	if die := m.dwarf.FindDIE("GCproto"); die != nil {
		if desc, err := m.dwarf.DescriptorOf(die); err == nil {
			info.protoSize = uint64(desc.Size)
		}
	}
	m.ir = info
	return info, nil
}

func (m *Model) enumDesc(name string) (*dwarf.Desc, error) {
	die := m.dwarf.FindDIE(name)
	if die == nil {
		return nil, fmt.Errorf("debug info lacks the %s enumeration", name)
	}
	desc, err := m.dwarf.DescriptorOf(die)
	if err != nil {
		return nil, err
	}
	if desc.Kind != dwarf.Enum {
		return nil, fmt.Errorf("%s is not an enumeration", name)
	}
	return desc, nil
}

func (m *Model) constantOr(name string, fallback uint64) uint64 {
	if v, ok := m.dwarf.Constant(name); ok {
		return v
	}
	return fallback
}

func (info *irInfo) opName(o uint8) string {
	if name, ok := info.op.EnumName(uint64(o)); ok {
		return strings.ToLower(strings.TrimPrefix(name, "IR_"))
	}
	return fmt.Sprintf("op%d", o)
}

func (info *irInfo) typeName(t uint8) string {
	if name, ok := info.typ.EnumName(uint64(t)); ok {
		return strings.ToLower(strings.TrimPrefix(name, "IRT_"))
	}
	return fmt.Sprintf("t%d", t)
}

// const64Ops consume the following pool slot as a 64-bit inline payload.
var const64Ops = map[string]bool{
	"kgc": true, "kptr": true, "kkptr": true, "knum": true, "kint64": true,
}

// indexLitOps render their literal operand with a # prefix.
var indexLitOps = map[string]bool{
	"fpmath": true, "urefo": true, "urefc": true, "fref": true, "fload": true,
	"calln": true, "calll": true, "calls": true, "base": true, "pval": true,
	"rename": true,
}

// Instructions decodes the trace's IR instruction stream.
func (t *Trace) Instructions() ([]IRIns, error) {
	l, err := t.listing()
	if err != nil {
		return nil, err
	}
	return l.ins, nil
}

// Constants decodes the trace's IR constant pool, deepest slot first.
func (t *Trace) Constants() ([]IRConst, error) {
	l, err := t.listing()
	if err != nil {
		return nil, err
	}
	return l.consts, nil
}

func (t *Trace) listing() (*irListing, error) {
	m := t.model
	if l, ok := m.irCache.Get(t.Number); ok {
		return l, nil
	}
	info, err := m.irInfo()
	if err != nil {
		return nil, err
	}
	if m.irModes == nil {
		return nil, fmt.Errorf("audit log carries no lj_ir_mode table")
	}
	l, err := t.decodeIR(info, m.irModes)
	if err != nil {
		return nil, fmt.Errorf("trace %d: %w", t.Number, err)
	}
	m.irCache.Add(t.Number, l)
	return l, nil
}

// slotBytes returns the 8 wire bytes of the pool slot at raw index i.
func (t *Trace) slotBytes(i uint64) []byte {
	return t.irView.data[i*irInsSize : (i+1)*irInsSize]
}

func (t *Trace) decodeIR(info *irInfo, modes []byte) (*irListing, error) {
	l := &irListing{bySlot: map[int]*IRConst{}}
	if t.irView == nil {
		return l, nil
	}
	if t.nk > info.refBias || t.nins < info.refBias {
		return nil, fmt.Errorf("inconsistent IR bounds nk=0x%x nins=0x%x", t.nk, t.nins)
	}
	nkConsts := info.refBias - t.nk
	total := t.nins - t.nk
	if uint64(len(t.irView.data)) < total*irInsSize {
		return nil, fmt.Errorf("IR record has %d bytes, need %d",
			len(t.irView.data), total*irInsSize)
	}

	// Constant pool, scanned from nk upward. A 64-bit constant's payload
	// lives in the following slot and is absorbed here, never materialized
	// on its own. nk always points at a main slot, so every step lands on
	// a decodable constant.
	for i := uint64(0); i < nkConsts; {
		c, payloadUsed, err := t.decodeConst(info, i, nkConsts)
		if err != nil {
			return nil, err
		}
		l.consts = append(l.consts, *c)
		i++
		if payloadUsed {
			i++
		}
	}
	for i := range l.consts {
		l.bySlot[l.consts[i].Slot] = &l.consts[i]
	}

	for i := uint64(1); i < t.nins-info.refBias; i++ {
		raw := nkConsts + i
		b := t.slotBytes(raw)
		op1 := binary.LittleEndian.Uint16(b)
		op2 := binary.LittleEndian.Uint16(b[2:])
		tb, o, reg, slot := b[4], b[5], b[6], b[7]
		if uint64(o) >= info.irMax {
			continue
		}
		op := info.opName(o)
		if int(o) >= len(modes) {
			return nil, fmt.Errorf("lj_ir_mode table has %d entries, opcode %s is %d",
				len(modes), op, o)
		}
		mode := modes[o]
		ins := IRIns{
			Index: int(i),
			Op:    op,
			Type:  info.typeName(tb & 0x1f),
			Reg:   reg,
			Slot:  slot,
			Sunk:  (reg == 253 || reg == 254) && (slot == 0 || slot == 255),
		}
		ins.Op1 = l.operand(info, op, op1, uint64(mode)&3)
		switch op {
		case "sload":
			ins.Op2 = sloadFlags(op2)
		case "xload":
			ins.Op2 = xloadFlags(op2)
		case "conv":
			ins.Op2 = convMode(info, op2)
		default:
			ins.Op2 = l.operand(info, op, op2, uint64(mode>>2)&3)
		}
		if op == "cnew" || op == "cnewi" {
			t.resolveCType(l, info, &ins, op1)
		}
		l.ins = append(l.ins, ins)
	}
	return l, nil
}

func (t *Trace) decodeConst(info *irInfo, i, nkConsts uint64) (*IRConst, bool, error) {
	b := t.slotBytes(i)
	op12 := binary.LittleEndian.Uint32(b)
	op2 := binary.LittleEndian.Uint16(b[2:])
	tb, o := b[4], b[5]
	op := info.opName(o)
	c := &IRConst{
		Slot: int(nkConsts - i),
		Op:   op,
		Type: info.typeName(tb & 0x1f),
	}
	if !const64Ops[op] {
		switch op {
		case "kint":
			v := int32(op12)
			c.raw = uint64(v)
			c.Value = fmt.Sprintf("%d", v)
		case "kpri":
			c.Value = c.Type
		case "knull":
			c.Value = "NULL"
		case "kslot":
			c.Value = fmt.Sprintf("slot:%d", op2)
		default:
			c.raw = uint64(op12)
			c.Value = fmt.Sprintf("0x%08x", op12)
		}
		return c, false, nil
	}

	if i+1 >= nkConsts {
		return nil, false, fmt.Errorf("64-bit constant at pool slot %d has no payload slot", c.Slot)
	}
	payload := binary.LittleEndian.Uint64(t.slotBytes(i + 1))
	c.raw = payload
	switch {
	case op == "knum" || c.Type == "num":
		c.Value = fmt.Sprintf("%g", math.Float64frombits(payload))
	case c.Type == "str":
		s, err := t.model.internedString(payload)
		if err != nil {
			return nil, false, err
		}
		c.Value = fmt.Sprintf("%q", s)
	case c.Type == "func":
		c.Value = t.model.funcConst(info, payload)
	case op == "kint64":
		c.Value = fmt.Sprintf("%d", int64(payload))
	default:
		c.Value = fmt.Sprintf("0x%x", payload)
	}
	return c, true, nil
}

// funcConst renders a function constant as its prototype's source location.
// The GCfunc's pc field points just past the colocated GCproto header.
func (m *Model) funcConst(info *irInfo, address uint64) string {
	if fv := m.memory[address]; fv != nil && info.protoSize > 0 {
		if pc, err := fv.Uint("pc"); err == nil {
			if p := m.Prototypes[pc-info.protoSize]; p != nil {
				return fmt.Sprintf("%s:%d", p.Chunkname, p.Firstline)
			}
		}
	}
	return fmt.Sprintf("func:0x%x", address)
}

func (l *irListing) operand(info *irInfo, op string, v uint16, mode uint64) string {
	switch mode {
	case info.modeNone:
		return ""
	case info.modeLit:
		if indexLitOps[op] {
			return fmt.Sprintf("#%d", v)
		}
		return fmt.Sprintf("%d", v)
	case info.modeCst:
		return fmt.Sprintf("%d", v)
	default:
		if uint64(v) >= info.refBias {
			return fmt.Sprintf("%04d", uint64(v)-info.refBias)
		}
		if c, ok := l.bySlot[int(info.refBias)-int(v)]; ok {
			return c.Value
		}
		return fmt.Sprintf("K%03d", int(info.refBias)-int(v))
	}
}

// resolveCType swaps the ctype-id operand of cnew/cnewi for the declaration
// string recorded by new_ctypeid events.
func (t *Trace) resolveCType(l *irListing, info *irInfo, ins *IRIns, op1 uint16) {
	if uint64(op1) >= info.refBias {
		return
	}
	c, ok := l.bySlot[int(info.refBias)-int(op1)]
	if !ok {
		return
	}
	if desc, ok := t.model.CTypes[c.raw]; ok {
		ins.Op1 = desc
	}
}

func sloadFlags(op2 uint16) string {
	var b strings.Builder
	for _, f := range [...]struct {
		bit  uint16
		name byte
	}{
		{0x01, 'P'}, {0x02, 'F'}, {0x04, 'T'}, {0x08, 'C'},
		{0x10, 'R'}, {0x20, 'I'}, {0x40, 'K'},
	} {
		if op2&f.bit != 0 {
			b.WriteByte(f.name)
		}
	}
	return b.String()
}

func xloadFlags(op2 uint16) string {
	var b strings.Builder
	if op2&1 != 0 {
		b.WriteByte('R')
	}
	if op2&2 != 0 {
		b.WriteByte('V')
	}
	if op2&4 != 0 {
		b.WriteByte('U')
	}
	return b.String()
}

// convMode renders a CONV operand: destination and source types, the
// sign-extension flag, and the number-to-integer check strength.
func convMode(info *irInfo, op2 uint16) string {
	s := info.typeName(uint8(op2>>5)&0x1f) + "." + info.typeName(uint8(op2)&0x1f)
	if op2&0x800 != 0 {
		s += " sext"
	}
	switch (op2 >> 12) & 3 {
	case 2:
		s += " index"
	case 3:
		s += " check"
	}
	return s
}
