// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog // import "github.com/raptorjit/birdwatch/auditlog"

import (
	"fmt"
	"strings"
)

// See https://github.com/raptorjit/raptorjit/blob/master/src/lj_bc.h

type bcKind uint8

const (
	kNone bcKind = iota
	kDst
	kBase
	kVar
	kRBase
	kUV
	kLit
	kLitS
	kPri
	kNum
	kStr
	kTab
	kFunc
	kCData
	kJump
)

// Bytecode is one decoded bytecode instruction. Unused operands are -1.
// Instructions in AD format leave B and C unset; ABC instructions leave D
// unset.
type Bytecode struct {
	// Opcode is the raw opcode byte, kept for instructions this decoder
	// does not know.
	Opcode uint8
	// Op is the mnemonic, "" for unknown opcodes.
	Op string
	A  int32
	B  int32
	C  int32
	// D holds the combined 16-bit operand. Signed literals arrive
	// sign-extended, jumps keep the biased raw value.
	D int32
	// J is the branch offset D-0x8000 when IsJump.
	J      int32
	IsJump bool
	// Pri names a primitive D operand: nil, false or true.
	Pri  string
	Hint string
}

type bcDecl struct {
	name    string
	a, b, d bcKind
	hint    string
}

// bcDef mirrors the VM's bytecode definition order. The hint strings are
// the bytecode reference one-liners and surface verbatim in listings.
var bcDef = [...]bcDecl{
	{"ISLT", kVar, kNone, kVar, "Jump if A < D"},
	{"ISGE", kVar, kNone, kVar, "Jump if A >= D"},
	{"ISLE", kVar, kNone, kVar, "Jump if A <= D"},
	{"ISGT", kVar, kNone, kVar, "Jump if A > D"},
	{"ISEQV", kVar, kNone, kVar, "Jump if A = D"},
	{"ISNEV", kVar, kNone, kVar, "Jump if A ~= D"},
	{"ISEQS", kVar, kNone, kStr, "Jump if A = D"},
	{"ISNES", kVar, kNone, kStr, "Jump if A ~= D"},
	{"ISEQN", kVar, kNone, kNum, "Jump if A = D"},
	{"ISNEN", kVar, kNone, kNum, "Jump if A ~= D"},
	{"ISEQP", kVar, kNone, kPri, "Jump if A = D"},
	{"ISNEP", kVar, kNone, kPri, "Jump if A ~= D"},
	{"ISTC", kDst, kNone, kVar, "Copy D to A and jump, if D is true"},
	{"ISFC", kDst, kNone, kVar, "Copy D to A and jump, if D is false"},
	{"IST", kNone, kNone, kVar, "Jump if D is true"},
	{"ISF", kNone, kNone, kVar, "Jump if D is false"},
	{"ISTYPE", kVar, kNone, kLit, "Assert that A is of type D"},
	{"ISNUM", kVar, kNone, kLit, "Assert that A is a number"},
	{"MOV", kDst, kNone, kVar, "Copy D to A"},
	{"NOT", kDst, kNone, kVar, "Set A to boolean not of D"},
	{"UNM", kDst, kNone, kVar, "Set A to -D (unary minus)"},
	{"LEN", kDst, kNone, kVar, "Set A to #D (object length)"},
	{"ADDVN", kDst, kVar, kNum, "A = B + C"},
	{"SUBVN", kDst, kVar, kNum, "A = B - C"},
	{"MULVN", kDst, kVar, kNum, "A = B * C"},
	{"DIVVN", kDst, kVar, kNum, "A = B / C"},
	{"MODVN", kDst, kVar, kNum, "A = B % C"},
	{"ADDNV", kDst, kVar, kNum, "A = C + B"},
	{"SUBNV", kDst, kVar, kNum, "A = C - B"},
	{"MULNV", kDst, kVar, kNum, "A = C * B"},
	{"DIVNV", kDst, kVar, kNum, "A = C / B"},
	{"MODNV", kDst, kVar, kNum, "A = C % B"},
	{"ADDVV", kDst, kVar, kVar, "A = B + C"},
	{"SUBVV", kDst, kVar, kVar, "A = B - C"},
	{"MULVV", kDst, kVar, kVar, "A = B * C"},
	{"DIVVV", kDst, kVar, kVar, "A = B / C"},
	{"MODVV", kDst, kVar, kVar, "A = B % C"},
	{"POW", kDst, kVar, kVar, "A = B ^ C"},
	{"CAT", kDst, kRBase, kRBase, "A = B .. ~ .. C (concatenation)"},
	{"KSTR", kDst, kNone, kStr, "Set A to string constant D"},
	{"KCDATA", kDst, kNone, kCData, "Set A to cdata constant D"},
	{"KSHORT", kDst, kNone, kLitS, "Set A to 16 bit signed integer D"},
	{"KNUM", kDst, kNone, kNum, "Set A to number constant D"},
	{"KPRI", kDst, kNone, kPri, "Set A to primitive D"},
	{"KNIL", kBase, kNone, kBase, "Set slots A to D to nil"},
	{"UGET", kDst, kNone, kUV, "Set A to upvalue D"},
	{"USETV", kUV, kNone, kVar, "Set upvalue A to D"},
	{"USETS", kUV, kNone, kStr, "Set upvalue A to string constant D"},
	{"USETN", kUV, kNone, kNum, "Set upvalue A to number constant D"},
	{"USETP", kUV, kNone, kPri, "Set upvalue A to primitive D"},
	{"UCLO", kRBase, kNone, kJump, "Close upvalues for slots >= A and jump to D"},
	{"FNEW", kDst, kNone, kFunc, "Create new closure from prototype D and store it in A"},
	{"TNEW", kDst, kNone, kLit, "Set A to new table with size D"},
	{"TDUP", kDst, kNone, kTab, "Set A to duplicated template table D"},
	{"GGET", kDst, kNone, kStr, "A = _G[D]"},
	{"GSET", kVar, kNone, kStr, "_G[D] = A"},
	{"TGETV", kDst, kVar, kVar, "A = B[C]"},
	{"TGETS", kDst, kVar, kStr, "A = B[C]"},
	{"TGETB", kDst, kVar, kLit, "A = B[C]"},
	{"TGETR", kDst, kVar, kVar, "A = B[C] (raw)"},
	{"TSETV", kVar, kVar, kVar, "B[C] = A"},
	{"TSETS", kVar, kVar, kStr, "B[C] = A"},
	{"TSETB", kVar, kVar, kLit, "B[C] = A"},
	{"TSETM", kBase, kNone, kNum, "(A-1)[D], (A-1)[D+1], ... = A, A+1, ..."},
	{"TSETR", kVar, kVar, kVar, "B[C] = A (raw)"},
	{"CALLM", kBase, kLit, kLit, "Call: A, ..., A+B-2 = A(A+1, ..., A+C+MULTRES)"},
	{"CALL", kBase, kLit, kLit, "Call: A, ..., A+B-2 = A(A+1, ..., A+C-1)"},
	{"CALLMT", kBase, kNone, kLit, "Tailcall: return A(A+1, ..., A+D+MULTRES)"},
	{"CALLT", kBase, kNone, kLit, "Tailcall: return A(A+1, ..., A+D-1)"},
	{"ITERC", kBase, kLit, kLit,
		"Call iterator: A, A+1, A+2 = A-3, A-2, A-1; A, ..., A+B-2 = A(A+1, A+2)"},
	{"ITERN", kBase, kLit, kLit, "Specialized ITERC, if iterator function A-3 is next()"},
	{"VARG", kBase, kLit, kLit, "Vararg: A, ..., A+B-2 = ..."},
	{"ISNEXT", kBase, kNone, kJump, "Verify ITERN specialization and jump"},
	{"RETM", kBase, kNone, kLit, "return A, ..., A+D+MULTRES-1"},
	{"RET", kRBase, kNone, kLit, "return A, ..., A+D-2"},
	{"RET0", kRBase, kNone, kLit, "return"},
	{"RET1", kRBase, kNone, kLit, "return A"},
	{"FORI", kBase, kNone, kJump, "Numeric 'for' loop init"},
	{"JFORI", kBase, kNone, kJump, "Numeric 'for' loop init, JIT-compiled"},
	{"FORL", kBase, kNone, kJump, "Numeric 'for' loop"},
	{"IFORL", kBase, kNone, kJump, "Numeric 'for' loop, force interpreter"},
	{"JFORL", kBase, kNone, kLit, "Numeric 'for' loop, JIT-compiled"},
	{"ITERL", kBase, kNone, kJump, "Iterator 'for' loop"},
	{"IITERL", kBase, kNone, kJump, "Iterator 'for' loop, force interpreter"},
	{"JITERL", kBase, kNone, kLit, "Iterator 'for' loop, JIT-compiled"},
	{"LOOP", kRBase, kNone, kJump, "Generic loop"},
	{"ILOOP", kRBase, kNone, kJump, "Generic loop, force interpreter"},
	{"JLOOP", kRBase, kNone, kLit, "Generic loop, JIT-compiled"},
	{"JMP", kRBase, kNone, kJump, "Jump"},
	{"FUNCF", kRBase, kNone, kNone, "Fixed-arg Lua function"},
	{"IFUNCF", kRBase, kNone, kNone, "Fixed-arg Lua function, force interpreter"},
	{"JFUNCF", kRBase, kNone, kLit, "Fixed-arg Lua function, JIT-compiled"},
	{"FUNCV", kRBase, kNone, kNone, "Vararg Lua function"},
	{"IFUNCV", kRBase, kNone, kNone, "Vararg Lua function, force interpreter"},
	{"JFUNCV", kRBase, kNone, kLit, "Vararg Lua function, JIT-compiled"},
	{"FUNCC", kRBase, kNone, kNone, "Pseudo-header for C functions"},
	{"FUNCCW", kRBase, kNone, kNone, "Pseudo-header for wrapped C functions"},
}

func bcOp(ins uint32) uint32 {
	return ins & 0xff
}

func bcA(ins uint32) uint32 {
	return (ins >> 8) & 0xff
}

func bcB(ins uint32) uint32 {
	return ins >> 24
}

func bcC(ins uint32) uint32 {
	return (ins >> 16) & 0xff
}

func bcD(ins uint32) uint32 {
	return ins >> 16
}

// bcBiasJ is the excess applied to jump offsets in the D field.
const bcBiasJ = 0x8000

var priNames = [...]string{"nil", "false", "true"}

// DecodeBytecode decodes one instruction word. Unknown opcodes keep their
// raw operand fields and are marked by an empty Op and a fixed hint.
func DecodeBytecode(ins uint32) *Bytecode {
	bc := &Bytecode{Opcode: uint8(bcOp(ins)), A: -1, B: -1, C: -1, D: -1}
	if int(bc.Opcode) >= len(bcDef) {
		bc.A = int32(bcA(ins))
		bc.B = int32(bcB(ins))
		bc.C = int32(bcC(ins))
		bc.D = int32(bcD(ins))
		bc.Hint = "Unknown bytecode"
		return bc
	}
	def := &bcDef[bc.Opcode]
	bc.Op = def.name
	bc.Hint = def.hint
	if def.a != kNone {
		bc.A = int32(bcA(ins))
	}
	if def.b != kNone {
		bc.B = int32(bcB(ins))
		bc.C = int32(bcC(ins))
		return bc
	}
	d := bcD(ins)
	switch def.d {
	case kNone:
	case kJump:
		bc.D = int32(d)
		bc.J = int32(d) - bcBiasJ
		bc.IsJump = true
	case kLitS:
		bc.D = int32(int16(d))
	case kPri:
		bc.D = int32(d)
		if d < uint32(len(priNames)) {
			bc.Pri = priNames[d]
		}
	default:
		bc.D = int32(d)
	}
	return bc
}

// String renders the instruction the way trace listings show it.
func (bc *Bytecode) String() string {
	var b strings.Builder
	if bc.Op == "" {
		fmt.Fprintf(&b, "bc%d", bc.Opcode)
	} else {
		b.WriteString(bc.Op)
	}
	if bc.A >= 0 {
		fmt.Fprintf(&b, " %d", bc.A)
	}
	switch {
	case bc.B >= 0:
		fmt.Fprintf(&b, " %d %d", bc.B, bc.C)
	case bc.IsJump:
		fmt.Fprintf(&b, " => %+d", bc.J)
	case bc.Pri != "":
		fmt.Fprintf(&b, " %s", bc.Pri)
	case bc.D >= 0 || bc.Op == "KSHORT":
		fmt.Fprintf(&b, " %d", bc.D)
	}
	if bc.Hint != "" {
		fmt.Fprintf(&b, "  ; %s", bc.Hint)
	}
	return b.String()
}
