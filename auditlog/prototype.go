// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog // import "github.com/raptorjit/birdwatch/auditlog"

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Prototype is a loaded function prototype. The VM logs the whole colocated
// allocation in one memory record: the GCproto struct, the bytecode array
// right behind it, then the line table and the declared name. All pointers
// inside the record are rebased with the same delta the allocation moved by.
type Prototype struct {
	// Address is the GCproto address in the logging process.
	Address uint64
	// Chunkname is the source chunk, "?" when its GCstr was not captured.
	Chunkname string
	// Declname is the declared function name, "?" for anonymous functions.
	Declname string
	// Firstline is the source line the function was defined on.
	Firstline int32
	// Numline spans the function body; also selects the line table width.
	Numline int32

	sizebc    uint32
	bc        []byte
	lineinfo  []byte
	lineWidth uint32
}

func (m *Model) newPrototype(v *View) (*Prototype, error) {
	rec, err := v.record()
	if err != nil {
		return nil, err
	}
	p := &Prototype{Address: v.addr, Chunkname: "?", Declname: "?"}

	sizebc, err := v.Uint("sizebc")
	if err != nil {
		return nil, err
	}
	p.sizebc = uint32(sizebc)
	bcStart := uint64(rec.Size)
	bcEnd := bcStart + 4*sizebc
	if bcEnd > uint64(len(v.data)) {
		return nil, fmt.Errorf("prototype at 0x%x: %d bytecodes exceed %d captured bytes",
			v.addr, sizebc, len(v.data))
	}
	p.bc = v.data[bcStart:bcEnd]

	firstline, err := v.Int("firstline")
	if err != nil {
		return nil, err
	}
	p.Firstline = int32(firstline)
	numline, err := v.Int("numline")
	if err != nil {
		return nil, err
	}
	p.Numline = int32(numline)

	if err := p.loadLineTable(v); err != nil {
		return nil, err
	}
	p.loadDeclname(v)

	if addr, err := v.Uint("chunkname"); err == nil && addr != 0 {
		name, err := m.internedString(addr)
		if err != nil {
			logf("prototype at 0x%x: chunkname unresolved: %v", v.addr, err)
		} else {
			p.Chunkname = name
		}
	}
	return p, nil
}

// loadLineTable rebases the colocated line table. Entries are line deltas
// from Firstline, stored in the narrowest width that fits Numline. A null
// pointer (stripped chunk) leaves the table empty and Line returns 0.
func (p *Prototype) loadLineTable(v *View) error {
	ptr, err := v.Uint("lineinfo")
	if err != nil {
		return err
	}
	if ptr == 0 || p.sizebc == 0 {
		return nil
	}
	switch {
	case p.Numline < 256:
		p.lineWidth = 1
	case p.Numline < 65536:
		p.lineWidth = 2
	default:
		p.lineWidth = 4
	}
	if ptr < v.addr {
		return fmt.Errorf("prototype at 0x%x: line table pointer 0x%x precedes the record",
			v.addr, ptr)
	}
	start := ptr - v.addr
	end := start + uint64(p.lineWidth)*uint64(p.sizebc-1)
	if end > uint64(len(v.data)) {
		return fmt.Errorf("prototype at 0x%x: line table exceeds %d captured bytes",
			v.addr, len(v.data))
	}
	p.lineinfo = v.data[start:end]
	return nil
}

func (p *Prototype) loadDeclname(v *View) {
	ptr, err := v.Uint("declname")
	if err != nil || ptr == 0 || ptr < v.addr {
		return
	}
	start := ptr - v.addr
	if start >= uint64(len(v.data)) {
		return
	}
	tail := v.data[start:]
	if i := bytes.IndexByte(tail, 0); i >= 0 {
		tail = tail[:i]
	}
	p.Declname = string(tail)
}

// Sizebc returns the number of bytecode instructions, header included.
func (p *Prototype) Sizebc() uint32 { return p.sizebc }

// BytecodeAt returns the raw instruction word at a bytecode position.
func (p *Prototype) BytecodeAt(pos uint32) (uint32, bool) {
	if pos >= p.sizebc {
		return 0, false
	}
	return binary.LittleEndian.Uint32(p.bc[4*pos:]), true
}

// Line maps a bytecode position to its source line. Position 0 is the
// function header and maps to the definition line. Returns 0 when the
// position is out of range or the chunk was stripped of line info.
func (p *Prototype) Line(pos uint32) int32 {
	if pos > p.sizebc || p.lineinfo == nil {
		return 0
	}
	if pos == p.sizebc {
		return p.Firstline + p.Numline
	}
	if pos == 0 {
		return p.Firstline
	}
	i := uint64(pos-1) * uint64(p.lineWidth)
	var delta uint32
	switch p.lineWidth {
	case 1:
		delta = uint32(p.lineinfo[i])
	case 2:
		delta = uint32(binary.LittleEndian.Uint16(p.lineinfo[i:]))
	default:
		delta = binary.LittleEndian.Uint32(p.lineinfo[i:])
	}
	return p.Firstline + int32(delta)
}

// String renders the prototype's source location for listings.
func (p *Prototype) String() string {
	return fmt.Sprintf("%s:%d %s", p.Chunkname, p.Firstline, p.Declname)
}
