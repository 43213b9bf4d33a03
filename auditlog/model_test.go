// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raptorjit/birdwatch/auditlog"
	"github.com/raptorjit/birdwatch/testsupport"
)

// Addresses of the fixture process. Arbitrary but stable, spread out so a
// wrong rebase computation cannot accidentally land on a valid record.
const (
	chunkStrAddr = 0x11000
	helloStrAddr = 0x12000
	proto1Addr   = 0x21000
	proto2Addr   = 0x22000
	funcAddr     = 0x31000
	jitStateAddr = 0x41000
	bclogAddr    = 0x42000
	trace1Addr   = 0x43000
	mcodeAddr    = 0x44000
	snapAddr     = 0x45000
	snapmapAddr  = 0x46000
	szirAddr     = 0x47000
	trace2Addr   = 0x48000
	irAddr       = 0x50000
	untypedAddr  = 0x60000
	irModeAddr   = 0x90000
)

// Bytecode opcode numbers used by the fixture prototypes.
const (
	opADDVV  = 32
	opKSHORT = 41
	opRET0   = 75
	opRET1   = 76
	opFUNCF  = 89
)

var mcodeBytes = []byte{0x48, 0x89, 0xc8, 0x48, 0x83, 0xc0, 0x01, 0xc3}

func irSlots(slots ...[]byte) []byte {
	var out []byte
	for _, s := range slots {
		out = append(out, s...)
	}
	return out
}

// richLog builds the canonical fixture log: two prototypes, one fully
// populated root trace, two aborted recording attempts and one minimal side
// trace, closed by an event this package does not know.
func richLog() []byte {
	proto1 := &testsupport.ProtoFixture{
		Address:   proto1Addr,
		Chunkname: chunkStrAddr,
		Firstline: 10,
		Numline:   20,
		Declname:  "outer",
		BC: []uint32{
			opFUNCF | 2<<8,
			opKSHORT | 100<<16,
			opADDVV | 2<<8 | 1<<16,
			opRET1 | 2<<8 | 2<<16,
		},
		LineDeltas: []byte{0, 2, 4},
	}
	proto2 := &testsupport.ProtoFixture{
		Address:    proto2Addr,
		Chunkname:  chunkStrAddr,
		Firstline:  40,
		Numline:    3,
		Declname:   "inner",
		BC:         []uint32{opFUNCF, opRET0 | 1<<16},
		LineDeltas: []byte{1},
	}

	// Constant pool lowest slot first, then the anchor instruction the
	// listing skips, then the visible instructions.
	ir := irSlots(
		testsupport.IRSlot(0, 0, testsupport.IRTNum, testsupport.IRKnum, 0, 0),
		testsupport.IRSlot64(math.Float64bits(2.5)),
		testsupport.IRSlot(0, 0, testsupport.IRTStr, testsupport.IRKgc, 0, 0),
		testsupport.IRSlot64(helloStrAddr),
		testsupport.IRSlot(0, 0, testsupport.IRTFunc, testsupport.IRKgc, 0, 0),
		testsupport.IRSlot64(funcAddr),
		testsupport.IRSlot(96, 0, testsupport.IRTInt, testsupport.IRKint, 0, 0),
		testsupport.IRSlot(0xffd6, 0xffff, testsupport.IRTInt, testsupport.IRKint, 0, 0),
		testsupport.IRSlot(0, 0, testsupport.IRTTrue, testsupport.IRKpri, 0, 0),
		testsupport.IRSlot(0, 0, 0, testsupport.IRBase, 0, 0),
		testsupport.IRSlot(1, 0x05, testsupport.IRTInt, testsupport.IRSload, 0, 1),
		testsupport.IRSlot(0x8001, 0x7ffe, testsupport.IRTInt, testsupport.IRAdd, 12, 0),
		testsupport.IRSlot(0x8002, 0x20c5, testsupport.IRTInt, testsupport.IRConv, 13, 0),
		testsupport.IRSlot(0x7ffd, 0x8003, testsupport.IRTPtr, testsupport.IRCnewi, 253, 0),
		testsupport.IRSlot(0x8004, 0x7ffc, 0x80|testsupport.IRTNil, testsupport.IREq, 0, 0),
	)
	trace1 := &testsupport.TraceFixture{
		TraceNo:     1,
		NIns:        0x8006,
		NK:          0x7ff7,
		IRAddr:      irAddr,
		SzMcode:     uint32(len(mcodeBytes)),
		McodeAddr:   mcodeAddr,
		NSnap:       2,
		SnapAddr:    snapAddr,
		NSnapMap:    4,
		SnapMapAddr: snapmapAddr,
		SzirAddr:    szirAddr,
	}
	trace2 := &testsupport.TraceFixture{
		TraceNo: 2,
		NIns:    0x8000,
		NK:      0x8000,
		IRAddr:  0x40000,
	}
	szir := make([]byte, 12)
	for i, v := range []uint16{0, 4, 3, 0, 5, 2} {
		binary.LittleEndian.PutUint16(szir[2*i:], v)
	}

	w := &testsupport.LogWriter{}
	w.Blob("lj_dwarf.dwo", testsupport.RaptorDwarf())
	w.Memory(irModeAddr, "lj_ir_mode", testsupport.IRModeTable)

	w.Memory(chunkStrAddr, "GCstr", testsupport.EncodeGCstr("test.lua"))
	w.Memory(proto1Addr, "GCproto", proto1.Encode())
	w.Event("new_prototype", 1_000_000_000, "GCproto", proto1Addr)
	w.Memory(proto2Addr, "GCproto", proto2.Encode())
	w.Event("new_prototype", 1_500_000_000, "GCproto", proto2Addr)
	w.Event("new_ctypeid", 1_600_000_000, "id", 96, "desc", "struct point")

	w.Memory(helloStrAddr, "GCstr", testsupport.EncodeGCstr("hello"))
	w.Memory(funcAddr, "GCfunc", testsupport.EncodeGCfunc(proto1Addr))
	w.Memory(jitStateAddr, "jit_State", (&testsupport.JitStateFixture{
		StartPC: 0x21044, BCLogAddr: bclogAddr, NBCLog: 5,
	}).Encode())
	w.Memory(bclogAddr, "BCRecLog[]", testsupport.EncodeBCRecLog([]testsupport.BCRec{
		{PT: proto1Addr, Pos: 1, Framedepth: 0},
		{PT: proto1Addr, Pos: 2, Framedepth: 0},
		{PT: 0x99990, Pos: 0, Framedepth: 1},
		{PT: proto2Addr, Pos: -1, Framedepth: 1},
		{PT: proto2Addr, Pos: 1, Framedepth: 1},
	}))
	w.Memory(irAddr, "IRIns[]", ir)
	w.Memory(mcodeAddr, "MCode[]", mcodeBytes)
	w.Memory(snapAddr, "SnapShot[]", make([]byte, 16))
	w.Memory(snapmapAddr, "SnapEntry[]", make([]byte, 16))
	w.Memory(szirAddr, "uint16_t[]", szir)
	w.Memory(trace1Addr, "GCtrace", trace1.Encode())
	w.Event("trace_stop", 2_000_000_000, "GCtrace", trace1Addr, "jit_State", jitStateAddr)

	// Aborted attempt sharing the side trace's start, logged into the
	// reused jit_State buffer.
	w.Memory(jitStateAddr, "jit_State", (&testsupport.JitStateFixture{
		Parent: 1, StartPC: 0x22044, BCLogAddr: bclogAddr, NBCLog: 1,
	}).Encode())
	w.Memory(bclogAddr, "BCRecLog[]", testsupport.EncodeBCRecLog([]testsupport.BCRec{
		{PT: proto1Addr, Pos: 3, Framedepth: 0},
	}))
	w.Event("trace_abort", 2_200_000_000, "TraceError", 1, "jit_State", jitStateAddr)

	// Second abort at an unrelated start, with an error code the debug
	// info does not know.
	w.Memory(jitStateAddr, "jit_State", (&testsupport.JitStateFixture{
		StartPC: 0x29999,
	}).Encode())
	w.Event("trace_abort", 2_400_000_000, "TraceError", 99, "jit_State", jitStateAddr)

	w.Memory(jitStateAddr, "jit_State", (&testsupport.JitStateFixture{
		Parent: 1, StartPC: 0x22044,
	}).Encode())
	w.Memory(trace2Addr, "GCtrace", trace2.Encode())
	w.Event("trace_stop", 3_000_000_000, "GCtrace", trace2Addr, "jit_State", jitStateAddr)

	w.Memory(untypedAddr, "GCweird", []byte{1, 2, 3})
	w.Event("lex", 3_300_000_000, "chunkname", "user")
	return w.Bytes()
}

func loadRich(t *testing.T) *auditlog.Model {
	t.Helper()
	m, err := auditlog.LoadBytes(richLog())
	require.NoError(t, err)
	return m
}

func TestLoadReconstructsTimeline(t *testing.T) {
	m := loadRich(t)

	require.Len(t, m.Events, 8)
	names := make([]string, len(m.Events))
	for i, ev := range m.Events {
		names[i] = ev.Name
	}
	assert.Equal(t, []string{
		"new_prototype", "new_prototype", "new_ctypeid", "trace_stop",
		"trace_abort", "trace_abort", "trace_stop", "lex",
	}, names)
	assert.Len(t, m.Traces, 2)
	assert.Len(t, m.Prototypes, 2)

	first := m.Events[0]
	assert.Nil(t, first.Prev())
	assert.Zero(t, first.Reltime())
	assert.Zero(t, first.Nanodelta())

	stop := m.Events[3]
	assert.Same(t, m.Events[2], stop.Prev())
	assert.InDelta(t, 1.0, stop.Reltime(), 1e-9)
	assert.EqualValues(t, 400_000_000, stop.Nanodelta())
	assert.Same(t, m.Traces[1], stop.Trace)

	last := m.Events[7]
	assert.InDelta(t, 2.3, last.Reltime(), 1e-9)
	assert.EqualValues(t, 300_000_000, last.Nanodelta())
	assert.Nil(t, last.Trace)
	assert.Nil(t, last.Abort)
	assert.Nil(t, last.Prototype)

	bias, ok := m.Dwarf().Constant("REF_BIAS")
	require.True(t, ok)
	assert.EqualValues(t, 0x8000, bias)
}

func TestEventCounts(t *testing.T) {
	m := loadRich(t)

	assert.Equal(t, map[string]int{
		"new_prototype": 2,
		"new_ctypeid":   1,
		"trace_stop":    2,
		"trace_abort":   2,
		"lex":           1,
	}, m.EventCounts())
}

func TestPrototypeLoading(t *testing.T) {
	m := loadRich(t)

	p1 := m.Prototypes[proto1Addr]
	require.NotNil(t, p1)
	assert.EqualValues(t, proto1Addr, p1.Address)
	assert.Equal(t, "test.lua", p1.Chunkname)
	assert.Equal(t, "outer", p1.Declname)
	assert.EqualValues(t, 10, p1.Firstline)
	assert.EqualValues(t, 20, p1.Numline)
	assert.EqualValues(t, 4, p1.Sizebc())
	assert.Equal(t, "test.lua:10 outer", p1.String())
	assert.Same(t, p1, m.Events[0].Prototype)

	word, ok := p1.BytecodeAt(1)
	require.True(t, ok)
	assert.EqualValues(t, opKSHORT|100<<16, word)
	_, ok = p1.BytecodeAt(4)
	assert.False(t, ok)

	p2 := m.Prototypes[proto2Addr]
	require.NotNil(t, p2)
	assert.Equal(t, "inner", p2.Declname)
	assert.Equal(t, "test.lua:40 inner", p2.String())
}

func TestPrototypeLineTable(t *testing.T) {
	m := loadRich(t)
	p1 := m.Prototypes[proto1Addr]
	require.NotNil(t, p1)

	tests := []struct {
		pos  uint32
		line int32
	}{
		{0, 10}, // function header maps to the definition line
		{1, 10},
		{2, 12},
		{3, 14},
		{4, 30}, // one past the last instruction: end of the function
		{5, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.line, p1.Line(tt.pos), "pos %d", tt.pos)
	}

	p2 := m.Prototypes[proto2Addr]
	require.NotNil(t, p2)
	assert.EqualValues(t, 41, p2.Line(1))
}

func TestTraceRelations(t *testing.T) {
	m := loadRich(t)
	t1 := m.Traces[1]
	t2 := m.Traces[2]
	require.NotNil(t, t1)
	require.NotNil(t, t2)

	assert.EqualValues(t, trace1Addr, t1.Address)
	assert.Equal(t, "0/0x21044", t1.StartID())
	assert.Nil(t, t1.Parent())
	children := t1.Children()
	require.Len(t, children, 1)
	assert.Same(t, t2, children[0])

	assert.Equal(t, "1/0x22044", t2.StartID())
	assert.Same(t, t1, t2.Parent())
	assert.Empty(t, t2.Children())

	// The side trace collects the abort that began at the same place.
	evs := t2.Events()
	require.Len(t, evs, 2)
	assert.Same(t, m.Events[6], evs[0])
	assert.Same(t, m.Events[4], evs[1])
	require.NotNil(t, evs[1].Abort)
	assert.EqualValues(t, 1, evs[1].Abort.Code)
	assert.Equal(t, "LJ_TRERR_LLEAVE", evs[1].Abort.Reason)

	assert.Len(t, t1.Events(), 1)

	other := m.Events[5].Abort
	require.NotNil(t, other)
	assert.Equal(t, "0/0x29999", other.StartID())
	assert.EqualValues(t, 99, other.Code)
	assert.Equal(t, "TraceError(99)", other.Reason)
}

func TestTraceArtifacts(t *testing.T) {
	m := loadRich(t)
	t1 := m.Traces[1]
	require.NotNil(t, t1)

	mc, addr := t1.Mcode()
	assert.Equal(t, mcodeBytes, mc)
	assert.EqualValues(t, mcodeAddr, addr)

	nsnap, snap, snapmap := t1.Snapshots()
	assert.Equal(t, 2, nsnap)
	assert.Len(t, snap, 16)
	assert.Len(t, snapmap, 16)

	assert.EqualValues(t, 4, t1.McodeSize(1))
	assert.EqualValues(t, 3, t1.McodeSize(2))
	assert.EqualValues(t, 2, t1.McodeSize(5))
	assert.Zero(t, t1.McodeSize(6))
	assert.Zero(t, t1.McodeSize(-1))

	t2 := m.Traces[2]
	require.NotNil(t, t2)
	mc2, _ := t2.Mcode()
	assert.Empty(t, mc2)
	nsnap2, snap2, snapmap2 := t2.Snapshots()
	assert.Zero(t, nsnap2)
	assert.Empty(t, snap2)
	assert.Empty(t, snapmap2)
	assert.Zero(t, t2.McodeSize(0))
}

func TestRecordingBytecodeLog(t *testing.T) {
	m := loadRich(t)
	t1 := m.Traces[1]
	require.NotNil(t, t1)

	log := t1.BCLog()
	require.Len(t, log, 5)
	assert.Equal(t, auditlog.BCRecEntry{Proto: proto1Addr, Pos: 1, Framedepth: 0}, log[0])
	assert.Equal(t, auditlog.BCRecEntry{Proto: proto2Addr, Pos: -1, Framedepth: 1}, log[3])

	bcs := t1.Bytecodes()
	require.Len(t, bcs, 5)
	require.NotNil(t, bcs[0])
	assert.Equal(t, "KSHORT", bcs[0].Op)
	assert.EqualValues(t, 100, bcs[0].D)
	require.NotNil(t, bcs[1])
	assert.Equal(t, "ADDVV", bcs[1].Op)
	assert.EqualValues(t, 2, bcs[1].A)
	assert.EqualValues(t, 0, bcs[1].B)
	assert.EqualValues(t, 1, bcs[1].C)
	assert.Nil(t, bcs[2], "prototype never logged")
	assert.Nil(t, bcs[3], "FFI pseudo record")
	require.NotNil(t, bcs[4])
	assert.Equal(t, "RET0", bcs[4].Op)

	again := t1.Bytecodes()
	assert.Same(t, bcs[0], again[0])

	// The abort decoded its own bytecode log before the buffer was
	// overwritten by later records.
	ab := m.Events[4].Abort
	require.NotNil(t, ab)
	require.Len(t, ab.BCLog(), 1)
	abcs := ab.Bytecodes()
	require.Len(t, abcs, 1)
	require.NotNil(t, abcs[0])
	assert.Equal(t, "RET1", abcs[0].Op)
}

func TestRecordingContour(t *testing.T) {
	m := loadRich(t)
	t1 := m.Traces[1]
	require.NotNil(t, t1)

	c := t1.Contour()
	require.Len(t, c, 2)
	assert.Equal(t, auditlog.LineInfo{
		Framedepth: 0, Chunkname: "test.lua", Chunkline: 10,
		Declname: "outer", Declline: 10,
	}, c[0])
	assert.Equal(t, auditlog.LineInfo{
		Framedepth: 1, Chunkname: "test.lua", Chunkline: 0,
		Declname: "inner", Declline: 40,
	}, c[1])
	assert.Equal(t, "test.lua:10:outer", c[0].String())
}

func TestRecordingLineinfoAt(t *testing.T) {
	m := loadRich(t)
	t1 := m.Traces[1]
	require.NotNil(t, t1)

	li, err := t1.LineinfoAt(0)
	require.NoError(t, err)
	assert.Equal(t, "test.lua", li.Chunkname)
	assert.EqualValues(t, 10, li.Chunkline)
	assert.Equal(t, "outer", li.Declname)

	li, err = t1.LineinfoAt(2)
	require.NoError(t, err)
	assert.Equal(t, "?", li.Chunkname)
	assert.Equal(t, "?", li.Declname)
	assert.Equal(t, 1, li.Framedepth)

	_, err = t1.LineinfoAt(5)
	assert.Error(t, err)
	_, err = t1.LineinfoAt(-1)
	assert.Error(t, err)
}

func TestFFITypeRegistry(t *testing.T) {
	m := loadRich(t)
	assert.Equal(t, map[uint64]string{96: "struct point"}, m.CTypes)
	ev := m.Events[2]
	assert.EqualValues(t, 96, ev.CTypeID)
	assert.Equal(t, "struct point", ev.CTypeDesc)
}

func TestMemoryViews(t *testing.T) {
	m := loadRich(t)

	v := m.Memory(trace1Addr)
	require.NotNil(t, v)
	n, err := v.Uint("traceno")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = v.Uint("nosuch")
	assert.ErrorContains(t, err, `no field "nosuch"`)

	// Hints the debug info cannot resolve keep their bytes reachable.
	u := m.Memory(untypedAddr)
	require.NotNil(t, u)
	assert.Nil(t, u.Desc())
	assert.EqualValues(t, untypedAddr, u.Addr())
	assert.Equal(t, []byte{1, 2, 3}, u.Bytes())
	_, err = u.Uint("anything")
	assert.Error(t, err)

	assert.Nil(t, m.Memory(0xdead))

	// Re-logged addresses keep the latest record: the bytecode log buffer
	// was last captured for the abort, one entry long.
	bv := m.Memory(bclogAddr)
	require.NotNil(t, bv)
	e, err := bv.Elem(0)
	require.NoError(t, err)
	pt, err := e.Uint("pt")
	require.NoError(t, err)
	assert.EqualValues(t, proto1Addr, pt)
	pos, err := e.Int("pos")
	require.NoError(t, err)
	assert.EqualValues(t, 3, pos)
	_, err = bv.Elem(1)
	assert.ErrorContains(t, err, "out of range")
}

func TestLoadLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.auditlog")
	require.NoError(t, os.WriteFile(path, richLog(), 0o600))

	m, err := auditlog.Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Events, 8)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = auditlog.Load(filepath.Join(dir, "missing.auditlog"))
	assert.Error(t, err)
}

func TestLoadCompressed(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(richLog())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "app.auditlog.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	m, err := auditlog.Load(path)
	require.NoError(t, err)
	defer m.Close()
	assert.Len(t, m.Events, 8)
	assert.Len(t, m.Traces, 2)
}

func TestDebugInfoOnlyLog(t *testing.T) {
	w := &testsupport.LogWriter{}
	w.Blob("lj_dwarf.dwo", testsupport.RaptorDwarf())

	m, err := auditlog.LoadBytes(w.Bytes())
	require.NoError(t, err)
	assert.Empty(t, m.Events)
	assert.Empty(t, m.Traces)
	assert.Empty(t, m.Prototypes)

	irMax, ok := m.Dwarf().Constant("IR__MAX")
	require.True(t, ok)
	assert.EqualValues(t, testsupport.IRMaxOp, irMax)
}

func TestMissingDebugInfo(t *testing.T) {
	_, err := auditlog.LoadBytes(nil)
	assert.ErrorIs(t, err, auditlog.ErrNoDebugInfo)

	w := &testsupport.LogWriter{}
	w.Event("lex", 1)
	_, err = auditlog.LoadBytes(w.Bytes())
	assert.ErrorIs(t, err, auditlog.ErrNoDebugInfo)
}

func TestPrototypeWithoutMemoryRecord(t *testing.T) {
	w := &testsupport.LogWriter{}
	w.Blob("lj_dwarf.dwo", testsupport.RaptorDwarf())
	w.Event("new_prototype", 1, "GCproto", 0xbad0)

	_, err := auditlog.LoadBytes(w.Bytes())
	var miss *auditlog.MissingMemoryError
	require.ErrorAs(t, err, &miss)
	assert.EqualValues(t, 0xbad0, miss.Address)
	assert.ErrorContains(t, err, `event "new_prototype"`)
}

func TestTraceWithoutIRRecord(t *testing.T) {
	tr := &testsupport.TraceFixture{TraceNo: 3, NIns: 0x8002, NK: 0x7ffe, IRAddr: irAddr}
	w := &testsupport.LogWriter{}
	w.Blob("lj_dwarf.dwo", testsupport.RaptorDwarf())
	w.Memory(jitStateAddr, "jit_State", (&testsupport.JitStateFixture{StartPC: 1}).Encode())
	w.Memory(trace1Addr, "GCtrace", tr.Encode())
	w.Event("trace_stop", 1, "GCtrace", trace1Addr, "jit_State", jitStateAddr)

	_, err := auditlog.LoadBytes(w.Bytes())
	var miss *auditlog.MissingMemoryError
	require.ErrorAs(t, err, &miss)
	assert.EqualValues(t, irAddr, miss.Address)
}

func TestAbortWithoutStop(t *testing.T) {
	w := &testsupport.LogWriter{}
	w.Blob("lj_dwarf.dwo", testsupport.RaptorDwarf())
	w.Memory(jitStateAddr, "jit_State", (&testsupport.JitStateFixture{StartPC: 7}).Encode())
	w.Event("trace_abort", 1, "TraceError", 0, "jit_State", jitStateAddr)

	m, err := auditlog.LoadBytes(w.Bytes())
	require.NoError(t, err)
	assert.Empty(t, m.Traces)
	require.Len(t, m.Events, 1)
	ab := m.Events[0].Abort
	require.NotNil(t, ab)
	assert.Equal(t, "LJ_TRERR_RECERR", ab.Reason)
	assert.Equal(t, "0/0x7", ab.StartID())
}

func TestMalformedRecords(t *testing.T) {
	base := func() *testsupport.LogWriter {
		w := &testsupport.LogWriter{}
		w.Blob("lj_dwarf.dwo", testsupport.RaptorDwarf())
		return w
	}

	w := base()
	w.Raw(testsupport.MsgpackMap("type", "frobnicate"))
	_, err := auditlog.LoadBytes(w.Bytes())
	assert.ErrorContains(t, err, `unknown record type "frobnicate"`)

	w = base()
	w.Raw(testsupport.MsgpackString("junk"))
	_, err = auditlog.LoadBytes(w.Bytes())
	assert.ErrorContains(t, err, "want map")

	w = base()
	w.Raw(testsupport.MsgpackMap("type", "event", "nanotime", 1))
	_, err = auditlog.LoadBytes(w.Bytes())
	assert.ErrorContains(t, err, `missing "event" field`)

	w = base()
	w.Raw([]byte{0x81})
	_, err = auditlog.LoadBytes(w.Bytes())
	assert.Error(t, err)
}

func TestChunknameUnresolved(t *testing.T) {
	// The GCstr record claims more payload than was captured; the
	// prototype still loads, with a placeholder chunk name.
	short := testsupport.EncodeGCstr("hi")
	binary.LittleEndian.PutUint32(short[12:], 100)

	proto := &testsupport.ProtoFixture{
		Address:   proto1Addr,
		Chunkname: chunkStrAddr,
		Firstline: 1,
		Numline:   1,
		BC:        []uint32{opFUNCF},
	}
	w := &testsupport.LogWriter{}
	w.Blob("lj_dwarf.dwo", testsupport.RaptorDwarf())
	w.Memory(chunkStrAddr, "GCstr", short)
	w.Memory(proto1Addr, "GCproto", proto.Encode())
	w.Event("new_prototype", 1, "GCproto", proto1Addr)

	m, err := auditlog.LoadBytes(w.Bytes())
	require.NoError(t, err)
	p := m.Prototypes[proto1Addr]
	require.NotNil(t, p)
	assert.Equal(t, "?", p.Chunkname)
	assert.Equal(t, "?", p.Declname)
	assert.Zero(t, p.Line(0), "no line table captured")
}
