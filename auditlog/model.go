// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package auditlog reconstructs the state of a RaptorJIT process from the
// audit log it wrote: a stream of msgpack records interleaving memory
// snapshots, binary blobs and timeline events. The DWARF debug info embedded
// in the log's lj_dwarf.dwo blob drives all structure decoding, so the
// package has no compiled-in knowledge of VM struct layouts.
package auditlog // import "github.com/raptorjit/birdwatch/auditlog"

import (
	"errors"
	"fmt"
	"io"

	"github.com/elastic/go-freelru"

	"github.com/raptorjit/birdwatch/dwarf"
	"github.com/raptorjit/birdwatch/elfobj"
	"github.com/raptorjit/birdwatch/msgpack"
	"github.com/raptorjit/birdwatch/rawfile"
)

// ErrNoDebugInfo is returned when the log carries no lj_dwarf.dwo blob. The
// blob is the source of all type layouts, nothing can be decoded without it.
var ErrNoDebugInfo = errors.New("audit log has no lj_dwarf.dwo blob")

// dwarfBlobName is the blob record holding the VM's debug info image.
const dwarfBlobName = "lj_dwarf.dwo"

// irListingCacheSize bounds the decoded-IR cache. Traces are re-rendered
// freely by interactive inspection, decoding is pure, so an LRU fits.
const irListingCacheSize = 128

// Model is the reconstructed state of one RaptorJIT process.
type Model struct {
	// Events is the complete timeline in log order.
	Events []*Event
	// Traces maps trace number to the completed trace.
	Traces map[uint64]*Trace
	// Prototypes maps the GCproto address to the loaded prototype.
	Prototypes map[uint64]*Prototype
	// CTypes maps FFI ctype ids to their declaration strings.
	CTypes map[uint64]string
	// Profiles holds VM profiler snapshot series keyed by profile name.
	Profiles map[string][]*Snapshot

	memory  map[uint64]*View
	dwarf   *dwarf.Loader
	file    *rawfile.File
	irModes []byte

	children map[uint64][]*Trace
	irCache  *freelru.LRU[uint64, *irListing]
	ir       *irInfo
}

// Load reads and reconstructs the audit log at path. Compressed logs are
// decompressed transparently. The returned model keeps the file mapped until
// Close is called.
func Load(path string) (*Model, error) {
	f, err := rawfile.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := LoadBytes(f.Bytes())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.file = f
	logf("loaded audit log %s (%s): %d events, %d traces, %d prototypes",
		path, f.ID(), len(m.Events), len(m.Traces), len(m.Prototypes))
	return m, nil
}

// LoadBytes reconstructs a model from an in-memory audit log. Views returned
// by the model alias data, the caller keeps it alive.
func LoadBytes(data []byte) (*Model, error) {
	irCache, err := freelru.New[uint64, *irListing](irListingCacheSize, hashTraceNo)
	if err != nil {
		return nil, err
	}
	m := &Model{
		Traces:     map[uint64]*Trace{},
		Prototypes: map[uint64]*Prototype{},
		CTypes:     map[uint64]string{},
		Profiles:   map[string][]*Snapshot{},
		memory:     map[uint64]*View{},
		irCache:    irCache,
	}
	if err := m.loadDebugInfo(data); err != nil {
		return nil, err
	}
	if err := m.replay(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Close releases the mapped log file. The model and all views derived from
// it must not be used afterwards.
func (m *Model) Close() error {
	if m.file == nil {
		return nil
	}
	f := m.file
	m.file = nil
	return f.Close()
}

// Dwarf exposes the debug info loaded from the log, for constant lookups.
func (m *Model) Dwarf() *dwarf.Loader { return m.dwarf }

// Memory returns the view bound at a canonical address, nil when the log
// never captured it.
func (m *Model) Memory(address uint64) *View { return m.memory[address] }

// EventCounts tallies the timeline by event name.
func (m *Model) EventCounts() map[string]int {
	counts := make(map[string]int, 8)
	for _, ev := range m.Events {
		counts[ev.Name]++
	}
	return counts
}

// loadDebugInfo is the first pass: scan for the lj_dwarf.dwo blob and build
// the DWARF loader from its sections. Records after the blob are not
// inspected here, the replay pass handles them.
func (m *Model) loadDebugInfo(data []byte) error {
	r := msgpack.NewReader(data)
	for {
		off := r.Offset()
		v, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		rec, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("record at offset %d is %T, want map", off, v)
		}
		typ, _ := rec["type"].(string)
		name, _ := rec["name"].(string)
		if typ != "blob" || name != dwarfBlobName {
			continue
		}
		blob, err := recBytes(rec, "data")
		if err != nil {
			return fmt.Errorf("blob record at offset %d: %w", off, err)
		}
		obj, err := elfobj.New(blob)
		if err != nil {
			return fmt.Errorf("%s: %w", dwarfBlobName, err)
		}
		loader := dwarf.NewLoader()
		for _, sec := range obj.Sections() {
			loader.AddSection(sec.Name, sec.Data)
		}
		if err := loader.Load(); err != nil {
			return fmt.Errorf("%s: %w", dwarfBlobName, err)
		}
		m.dwarf = loader
		return nil
	}
	return ErrNoDebugInfo
}

// replay is the second pass: walk the full record stream in order and apply
// each record to the model. A single malformed record fails the load.
func (m *Model) replay(data []byte) error {
	r := msgpack.NewReader(data)
	for {
		off := r.Offset()
		v, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rec, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("record at offset %d is %T, want map", off, v)
		}
		typ, err := recString(rec, "type")
		if err != nil {
			return fmt.Errorf("record at offset %d: %w", off, err)
		}
		switch typ {
		case "memory":
			err = m.bindMemory(rec)
		case "blob":
			// Only the DWARF blob is meaningful and pass one took it.
		case "event":
			err = m.appendEvent(rec)
		default:
			err = fmt.Errorf("unknown record type %q", typ)
		}
		if err != nil {
			return fmt.Errorf("record at offset %d: %w", off, err)
		}
	}
}

// bindMemory types a memory record by its hint and registers it under its
// canonical address. An unresolvable hint is tolerated: the bytes stay
// reachable untyped, later VM versions may log types this DWARF predates.
func (m *Model) bindMemory(rec map[string]any) error {
	address, err := recUint(rec, "address")
	if err != nil {
		return err
	}
	hint, err := recString(rec, "hint")
	if err != nil {
		return err
	}
	data, err := recBytes(rec, "data")
	if err != nil {
		return err
	}
	ident := hintIdent(hint)
	var desc *dwarf.Desc
	if die := m.dwarf.FindDIE(ident); die != nil {
		if die.Tag == dwarf.TagVariable {
			// Variables already describe a pointer after array decay.
			desc, err = m.dwarf.DescriptorOf(die)
		} else {
			var elem *dwarf.Desc
			elem, err = m.dwarf.DescriptorOf(die)
			if err == nil {
				desc = dwarf.PtrTo(elem)
			}
		}
		if err != nil {
			return fmt.Errorf("memory hint %q: %w", hint, err)
		}
	} else {
		logf("no DWARF entry for memory hint %q at 0x%x", hint, address)
	}
	m.memory[address] = &View{addr: address, desc: desc, data: data}
	if ident == "lj_ir_mode" {
		m.irModes = data
	}
	return nil
}

// hintIdent extracts the leading C identifier of a memory hint, dropping
// array suffixes like "IRIns[]".
func hintIdent(hint string) string {
	for i := 0; i < len(hint); i++ {
		c := hint[i]
		if c == '_' || (c >= '0' && c <= '9') ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return hint[:i]
	}
	return hint
}

func (m *Model) appendEvent(rec map[string]any) error {
	name, err := recString(rec, "event")
	if err != nil {
		return err
	}
	nanotime, err := recUint(rec, "nanotime")
	if err != nil {
		return fmt.Errorf("event %q: %w", name, err)
	}
	ev := &Event{Name: name, Nanotime: nanotime}
	if n := len(m.Events); n > 0 {
		prev := m.Events[n-1]
		ev.prev = prev
		ev.reltime = float64(nanotime-m.Events[0].Nanotime) / 1e9
		ev.nanodelta = nanotime - prev.Nanotime
	}
	switch name {
	case "new_prototype":
		err = m.onNewPrototype(rec, ev)
	case "new_ctypeid":
		err = m.onNewCTypeID(rec, ev)
	case "trace_stop":
		err = m.onTraceStop(rec, ev)
	case "trace_abort":
		err = m.onTraceAbort(rec, ev)
	default:
		// Unknown events still occupy the timeline ("lex" and friends).
	}
	if err != nil {
		return fmt.Errorf("event %q: %w", name, err)
	}
	m.Events = append(m.Events, ev)
	return nil
}

func (m *Model) onNewPrototype(rec map[string]any, ev *Event) error {
	address, err := recUint(rec, "GCproto")
	if err != nil {
		return err
	}
	v := m.memory[address]
	if v == nil {
		return &MissingMemoryError{Address: address}
	}
	p, err := m.newPrototype(v)
	if err != nil {
		return err
	}
	m.Prototypes[address] = p
	ev.Prototype = p
	return nil
}

func (m *Model) onNewCTypeID(rec map[string]any, ev *Event) error {
	// The id arrives as a msgpack uint64, already an exact integer.
	id, err := recUint(rec, "id")
	if err != nil {
		return err
	}
	desc, err := recString(rec, "desc")
	if err != nil {
		return err
	}
	m.CTypes[id] = desc
	ev.CTypeID = id
	ev.CTypeDesc = desc
	return nil
}

func (m *Model) onTraceStop(rec map[string]any, ev *Event) error {
	address, err := recUint(rec, "GCtrace")
	if err != nil {
		return err
	}
	t, err := m.newTrace(address, rec, ev)
	if err != nil {
		return err
	}
	m.Traces[t.Number] = t
	ev.Trace = t
	return nil
}

func (m *Model) onTraceAbort(rec map[string]any, ev *Event) error {
	code, err := recUint(rec, "TraceError")
	if err != nil {
		return err
	}
	recording, err := m.newRecording(rec)
	if err != nil {
		return err
	}
	abort := &TraceAbort{Recording: *recording, Code: code}
	abort.Reason = m.traceErrorName(code)
	ev.Abort = abort
	return nil
}

// traceErrorName resolves a TraceError value through the DWARF enum. Falls
// back to the numeric code when the enum or the value is absent.
func (m *Model) traceErrorName(code uint64) string {
	if die := m.dwarf.FindDIE("TraceError"); die != nil {
		if desc, err := m.dwarf.DescriptorOf(die); err == nil {
			if name, ok := desc.EnumName(code); ok {
				return name
			}
		}
	}
	return fmt.Sprintf("TraceError(%d)", code)
}

// internedString reads a logged GCstr: header fields per DWARF, then len
// payload bytes colocated after the struct.
func (m *Model) internedString(address uint64) (string, error) {
	v := m.memory[address]
	if v == nil {
		return "", &MissingMemoryError{Address: address}
	}
	rec, err := v.record()
	if err != nil {
		return "", err
	}
	length, err := v.Uint("len")
	if err != nil {
		return "", err
	}
	start := uint64(rec.Size)
	end := start + length
	if end > uint64(len(v.data)) {
		return "", fmt.Errorf("string at 0x%x: %d payload bytes, %d captured",
			address, length, len(v.data))
	}
	return string(v.data[start:end]), nil
}

func recUint(rec map[string]any, key string) (uint64, error) {
	v, ok := rec[key]
	if !ok {
		return 0, fmt.Errorf("missing %q field", key)
	}
	u, ok := v.(uint64)
	if !ok {
		return 0, fmt.Errorf("field %q is %T, want integer", key, v)
	}
	return u, nil
}

func recString(rec map[string]any, key string) (string, error) {
	v, ok := rec[key]
	if !ok {
		return "", fmt.Errorf("missing %q field", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, want string", key, v)
	}
	return s, nil
}

func recBytes(rec map[string]any, key string) ([]byte, error) {
	v, ok := rec[key]
	if !ok {
		return nil, fmt.Errorf("missing %q field", key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("field %q is %T, want binary", key, v)
	}
	return b, nil
}

// hashTraceNo spreads trace numbers for the LRU, murmur finalizer style.
func hashTraceNo(t uint64) uint32 {
	t ^= t >> 33
	t *= 0xff51afd7ed558ccd
	t ^= t >> 33
	return uint32(t)
}
