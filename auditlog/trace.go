// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog // import "github.com/raptorjit/birdwatch/auditlog"

import (
	"encoding/binary"
	"fmt"
)

// BCRecEntry is one decoded bytecode-log record: the instruction the
// recorder visited while building a trace. Pos is -1 for FFI pseudo
// records that have no bytecode position.
type BCRecEntry struct {
	Proto      uint64
	Pos        int32
	Framedepth int
}

// LineInfo locates one bytecode-log position in the source program.
type LineInfo struct {
	Framedepth int
	Chunkname  string
	Chunkline  int32
	Declname   string
	Declline   int32
}

func (li LineInfo) String() string {
	return fmt.Sprintf("%s:%d:%s", li.Chunkname, li.Chunkline, li.Declname)
}

// Recording is the part of a JIT recording attempt shared by completed
// traces and aborts: where recording started and the bytecode log it
// covered. The bytecode log is decoded at event time because the VM reuses
// the jit_State buffers and later records overwrite the captured memory.
type Recording struct {
	// ParentNo is the parent trace number, 0 for root traces.
	ParentNo uint64
	// StartPC is the bytecode address recording started at.
	StartPC uint64

	model     *Model
	bclog     []BCRecEntry
	bcListing []*Bytecode
}

func (m *Model) newRecording(rec map[string]any) (*Recording, error) {
	address, err := recUint(rec, "jit_State")
	if err != nil {
		return nil, err
	}
	js := m.memory[address]
	if js == nil {
		return nil, &MissingMemoryError{Address: address}
	}
	r := &Recording{model: m}
	if r.ParentNo, err = js.Uint("parent"); err != nil {
		return nil, err
	}
	if r.StartPC, err = js.Uint("startpc"); err != nil {
		return nil, err
	}
	nbclog, err := js.Uint("nbclog")
	if err != nil {
		return nil, err
	}
	if nbclog == 0 {
		return r, nil
	}
	ptr, err := js.Uint("bclog")
	if err != nil {
		return nil, err
	}
	bv := m.memory[ptr]
	if bv == nil {
		return nil, &MissingMemoryError{Address: ptr}
	}
	r.bclog = make([]BCRecEntry, nbclog)
	for i := range r.bclog {
		elem, err := bv.Elem(i)
		if err != nil {
			return nil, err
		}
		pt, err := elem.Uint("pt")
		if err != nil {
			return nil, err
		}
		pos, err := elem.Int("pos")
		if err != nil {
			return nil, err
		}
		depth, err := elem.Uint("framedepth")
		if err != nil {
			return nil, err
		}
		r.bclog[i] = BCRecEntry{Proto: pt, Pos: int32(pos), Framedepth: int(depth)}
	}
	return r, nil
}

// StartID identifies a recording attempt by where it began. Aborted
// attempts and the eventually completed trace share the same id.
func (r *Recording) StartID() string {
	return fmt.Sprintf("%d/0x%x", r.ParentNo, r.StartPC)
}

// BCLog returns the decoded bytecode-log entries in recording order.
func (r *Recording) BCLog() []BCRecEntry { return r.bclog }

// LineinfoAt locates the bytecode-log entry at pos. An entry whose
// prototype was never logged resolves to "?" placeholders.
func (r *Recording) LineinfoAt(pos int) (LineInfo, error) {
	if pos < 0 || pos >= len(r.bclog) {
		return LineInfo{}, fmt.Errorf("bytecode log position %d out of range [0,%d)",
			pos, len(r.bclog))
	}
	return r.lineAt(r.bclog[pos]), nil
}

func (r *Recording) lineAt(e BCRecEntry) LineInfo {
	li := LineInfo{Framedepth: e.Framedepth, Chunkname: "?", Declname: "?"}
	p := r.model.Prototypes[e.Proto]
	if p == nil {
		return li
	}
	li.Chunkname = p.Chunkname
	li.Declname = p.Declname
	li.Declline = p.Firstline
	if e.Pos >= 0 {
		li.Chunkline = p.Line(uint32(e.Pos))
	}
	return li
}

// Contour summarizes the frame transitions of the recording: one entry per
// change of frame depth, restricted to named functions. Consecutive entries
// always differ in Framedepth.
func (r *Recording) Contour() []LineInfo {
	var out []LineInfo
	for _, e := range r.bclog {
		li := r.lineAt(e)
		if li.Declname == "?" {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Framedepth == li.Framedepth {
			continue
		}
		out = append(out, li)
	}
	return out
}

// Bytecodes decodes the instruction behind each bytecode-log entry. Entries
// whose prototype is unknown, or FFI pseudo records, yield nil.
func (r *Recording) Bytecodes() []*Bytecode {
	if r.bcListing != nil {
		return r.bcListing
	}
	out := make([]*Bytecode, len(r.bclog))
	for i, e := range r.bclog {
		if e.Pos < 0 {
			continue
		}
		p := r.model.Prototypes[e.Proto]
		if p == nil {
			continue
		}
		if word, ok := p.BytecodeAt(uint32(e.Pos)); ok {
			out[i] = DecodeBytecode(word)
		}
	}
	r.bcListing = out
	return out
}

// Trace is a completed machine-code trace: the GCtrace snapshot plus the
// recording that produced it.
type Trace struct {
	Recording
	// Number is the trace number the VM assigned.
	Number uint64
	// Address is the GCtrace address in the logging process.
	Address uint64

	nins      uint64
	nk        uint64
	irView    *View
	mcode     []byte
	mcodeAddr uint64
	nsnap     int
	snap      []byte
	nsnapmap  int
	snapmap   []byte
	szirmcode []byte

	event  *Event
	events []*Event
}

// irInsSize is the wire size of one IR instruction slot.
const irInsSize = 8

func (m *Model) newTrace(address uint64, rec map[string]any, ev *Event) (*Trace, error) {
	v := m.memory[address]
	if v == nil {
		return nil, &MissingMemoryError{Address: address}
	}
	recording, err := m.newRecording(rec)
	if err != nil {
		return nil, err
	}
	t := &Trace{Recording: *recording, Address: address, event: ev}
	if t.Number, err = v.Uint("traceno"); err != nil {
		return nil, err
	}
	if t.nins, err = v.Uint("nins"); err != nil {
		return nil, err
	}
	if t.nk, err = v.Uint("nk"); err != nil {
		return nil, err
	}

	// The IR memory record starts at the lowest constant, not at the
	// biased base the ir field points to.
	ir, err := v.Uint("ir")
	if err != nil {
		return nil, err
	}
	if t.nins > t.nk {
		irStart := ir + t.nk*irInsSize
		if t.irView = m.memory[irStart]; t.irView == nil {
			return nil, &MissingMemoryError{Address: irStart}
		}
	}

	szmcode, err := v.Uint("szmcode")
	if err != nil {
		return nil, err
	}
	if szmcode > 0 {
		addr, err := v.Uint("mcode")
		if err != nil {
			return nil, err
		}
		mv := m.memory[addr]
		if mv == nil {
			return nil, &MissingMemoryError{Address: addr}
		}
		t.mcode = mv.data
		t.mcodeAddr = mv.addr
	}

	nsnap, err := v.Uint("nsnap")
	if err != nil {
		return nil, err
	}
	if t.nsnap = int(nsnap); nsnap > 0 {
		addr, err := v.Uint("snap")
		if err != nil {
			return nil, err
		}
		sv := m.memory[addr]
		if sv == nil {
			return nil, &MissingMemoryError{Address: addr}
		}
		t.snap = sv.data
	}
	nsnapmap, err := v.Uint("nsnapmap")
	if err != nil {
		return nil, err
	}
	if t.nsnapmap = int(nsnapmap); nsnapmap > 0 {
		addr, err := v.Uint("snapmap")
		if err != nil {
			return nil, err
		}
		sv := m.memory[addr]
		if sv == nil {
			return nil, &MissingMemoryError{Address: addr}
		}
		t.snapmap = sv.data
	}

	// Per-instruction mcode sizes are aux profiling data, absent from
	// older logs. Tolerate both a missing field and a missing record.
	if addr, err := v.Uint("szirmcode"); err == nil && addr != 0 {
		if sv := m.memory[addr]; sv != nil {
			t.szirmcode = sv.data
		} else {
			logf("trace %d: szirmcode at 0x%x not captured", t.Number, addr)
		}
	}
	return t, nil
}

// Parent returns the parent trace, nil for root traces.
func (t *Trace) Parent() *Trace {
	if t.ParentNo == 0 {
		return nil
	}
	return t.model.Traces[t.ParentNo]
}

// Children returns the side traces branching off this trace, in creation
// order.
func (t *Trace) Children() []*Trace {
	m := t.model
	if m.children == nil {
		m.children = map[uint64][]*Trace{}
		for _, ev := range m.Events {
			if ev.Trace != nil && ev.Trace.ParentNo != 0 {
				m.children[ev.Trace.ParentNo] =
					append(m.children[ev.Trace.ParentNo], ev.Trace)
			}
		}
	}
	return m.children[t.Number]
}

// Events returns the creating trace_stop event followed by every
// trace_abort event that shares this trace's start id, in timeline order.
func (t *Trace) Events() []*Event {
	if t.events != nil {
		return t.events
	}
	id := t.StartID()
	events := []*Event{t.event}
	for _, ev := range t.model.Events {
		if ev.Abort != nil && ev.Abort.StartID() == id {
			events = append(events, ev)
		}
	}
	t.events = events
	return events
}

// Mcode returns the trace's machine code and its load address.
func (t *Trace) Mcode() ([]byte, uint64) { return t.mcode, t.mcodeAddr }

// Snapshots returns the raw snapshot array and map captured for the trace.
func (t *Trace) Snapshots() (nsnap int, snap []byte, snapmap []byte) {
	return t.nsnap, t.snap, t.snapmap
}

// McodeSize returns the machine code bytes attributed to IR instruction i,
// 0 when the log carries no per-instruction sizes.
func (t *Trace) McodeSize(i int) uint16 {
	off := 2 * i
	if i < 0 || off+2 > len(t.szirmcode) {
		return 0
	}
	return binary.LittleEndian.Uint16(t.szirmcode[off:])
}

// TraceAbort is a failed recording attempt and why the VM gave up on it.
type TraceAbort struct {
	Recording
	// Code is the raw TraceError value.
	Code uint64
	// Reason is the TraceError enumerator name, or "TraceError(n)" when
	// the debug info predates the code.
	Reason string
}
