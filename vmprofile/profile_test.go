// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package vmprofile_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raptorjit/birdwatch/testsupport"
	"github.com/raptorjit/birdwatch/vmprofile"
)

const vmstMax = vmprofile.DefaultVmstMax

func decode(t *testing.T, traceMax int, cells map[testsupport.Cell]uint64) *vmprofile.Profile {
	t.Helper()
	blob := testsupport.BuildVMProfile(traceMax, vmstMax, cells)
	p, err := vmprofile.FromBytesShape(blob, traceMax, vmstMax)
	require.NoError(t, err)
	return p
}

func TestHeaderValidation(t *testing.T) {
	good := testsupport.BuildVMProfile(2, vmstMax, nil)

	_, err := vmprofile.FromBytesShape(good, 2, vmstMax)
	require.NoError(t, err)

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic, 0xbadc0de)
	_, err = vmprofile.FromBytesShape(badMagic, 2, vmstMax)
	require.ErrorIs(t, err, vmprofile.ErrBadMagic)

	badMajor := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(badMajor[4:], 3)
	_, err = vmprofile.FromBytesShape(badMajor, 2, vmstMax)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "major 3")

	// Minor version bumps are compatible.
	newMinor := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(newMinor[6:], 9)
	p, err := vmprofile.FromBytesShape(newMinor, 2, vmstMax)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), p.Minor)

	_, err = vmprofile.FromBytesShape(good[:5], 2, vmstMax)
	require.ErrorIs(t, err, vmprofile.ErrBadMagic)

	_, err = vmprofile.FromBytesShape(good[:len(good)-8], 2, vmstMax)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counters")
}

func TestCountAndTotals(t *testing.T) {
	p := decode(t, 16, map[testsupport.Cell]uint64{
		{TraceNo: 0, Vmst: 0}:  100,
		{TraceNo: 7, Vmst: 8}:  42,
		{TraceNo: 7, Vmst: 3}:  8,
		{TraceNo: 15, Vmst: 6}: 1,
	})

	assert.Equal(t, uint64(100), p.Count(0, 0))
	assert.Equal(t, uint64(42), p.Count(7, 8))
	assert.Equal(t, uint64(0), p.Count(3, 3))
	assert.Equal(t, uint64(0), p.Count(-1, 0))
	assert.Equal(t, uint64(0), p.Count(16, 0))
	assert.Equal(t, uint64(0), p.Count(0, vmstMax))

	assert.Equal(t, uint64(151), p.TotalSamples())

	byState := p.TotalVmstSamples()
	assert.Equal(t, uint64(100), byState["interp"])
	assert.Equal(t, uint64(42), byState["loop"])
	assert.Equal(t, uint64(8), byState["exit"])
	assert.Equal(t, uint64(1), byState["asm"])
}

func TestHotTraces(t *testing.T) {
	p := decode(t, 32, map[testsupport.Cell]uint64{
		{TraceNo: 0, Vmst: 0}: 5,
		{TraceNo: 3, Vmst: 8}: 50,
		{TraceNo: 9, Vmst: 8}: 50,
		{TraceNo: 4, Vmst: 6}: 80,
	})

	hot := p.HotTraces()
	require.Len(t, hot, 4)
	assert.Equal(t, 4, hot[0].TraceNo)
	// Equal totals keep trace number order.
	assert.Equal(t, 3, hot[1].TraceNo)
	assert.Equal(t, 9, hot[2].TraceNo)
	assert.Equal(t, 0, hot[3].TraceNo)

	for i := 1; i < len(hot); i++ {
		assert.GreaterOrEqual(t, hot[i-1].Total, hot[i].Total)
	}
	for _, h := range hot {
		assert.Positive(t, h.Total)
	}

	assert.Equal(t, uint64(80), hot[0].States["asm"])
	assert.Equal(t, "4", hot[0].Label())
	assert.Equal(t, "none", hot[3].Label())
}

func TestDeltaLaw(t *testing.T) {
	a := decode(t, 16, map[testsupport.Cell]uint64{
		{TraceNo: 2, Vmst: 1}: 10,
		{TraceNo: 7, Vmst: 8}: 5,
	})
	b := decode(t, 16, map[testsupport.Cell]uint64{
		{TraceNo: 2, Vmst: 1}: 30,
		{TraceNo: 7, Vmst: 8}: 47,
		{TraceNo: 9, Vmst: 0}: 3,
	})

	d, err := a.Delta(b)
	require.NoError(t, err)
	for traceno := 0; traceno < 16; traceno++ {
		for vmst := 0; vmst < vmstMax; vmst++ {
			assert.Equal(t, b.Count(traceno, vmst)-a.Count(traceno, vmst),
				d.Count(traceno, vmst))
		}
	}
	assert.Equal(t, uint64(42), d.Count(7, 8))

	same, err := a.Delta(a)
	require.NoError(t, err)
	assert.Zero(t, same.TotalSamples())
}

func TestDeltaFromZeros(t *testing.T) {
	zero := vmprofile.New(16, vmstMax)
	b := decode(t, 16, map[testsupport.Cell]uint64{{TraceNo: 7, Vmst: 8}: 42})

	d, err := zero.Delta(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), d.Count(7, 8))
	assert.Equal(t, uint64(42), d.TotalSamples())
}

func TestShapeMismatch(t *testing.T) {
	a := vmprofile.New(16, vmstMax)
	b := vmprofile.New(8, vmstMax)
	_, err := a.Delta(b)
	require.Error(t, err)
	_, err = a.Sum(b)
	require.Error(t, err)
	assert.False(t, a.Equal(b))
}

func TestSumSaturates(t *testing.T) {
	a := decode(t, 4, map[testsupport.Cell]uint64{
		{TraceNo: 1, Vmst: 2}: ^uint64(0) - 5,
		{TraceNo: 2, Vmst: 0}: 7,
	})
	b := decode(t, 4, map[testsupport.Cell]uint64{
		{TraceNo: 1, Vmst: 2}: 100,
		{TraceNo: 2, Vmst: 0}: 8,
	})

	s, err := a.Sum(b)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), s.Count(1, 2))
	assert.Equal(t, uint64(15), s.Count(2, 0))
}

func TestDumpLoadRoundTrip(t *testing.T) {
	p := decode(t, 16, map[testsupport.Cell]uint64{
		{TraceNo: 1, Vmst: 1}:  9,
		{TraceNo: 11, Vmst: 4}: 1 << 40,
	})
	p2, err := vmprofile.FromBytesShape(p.Bytes(), 16, vmstMax)
	require.NoError(t, err)
	assert.True(t, p.Equal(p2))
	assert.Equal(t, p.Fingerprint(), p2.Fingerprint())

	path := filepath.Join(t.TempDir(), "dump.vmprofile")
	require.NoError(t, p.Dump(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	p3, err := vmprofile.FromBytesShape(data, 16, vmstMax)
	require.NoError(t, err)
	assert.True(t, p.Equal(p3))
}

func TestLoadDefaultShape(t *testing.T) {
	blob := testsupport.BuildVMProfile(vmprofile.DefaultTraceMax, vmstMax,
		map[testsupport.Cell]uint64{{TraceNo: 321, Vmst: 8}: 17})
	path := filepath.Join(t.TempDir(), "apps.vmprofile")
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	p, err := vmprofile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, vmprofile.DefaultTraceMax, p.TraceMax)
	assert.Equal(t, uint64(17), p.Count(321, 8))

	hot := p.HotTraces()
	require.Len(t, hot, 1)
	assert.Equal(t, 321, hot[0].TraceNo)
	assert.Equal(t, p.TotalSamples(), hot[0].Total)
}

func TestFingerprintTracksContent(t *testing.T) {
	a := decode(t, 8, map[testsupport.Cell]uint64{{TraceNo: 1, Vmst: 1}: 1})
	b := decode(t, 8, map[testsupport.Cell]uint64{{TraceNo: 1, Vmst: 1}: 2})
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "interp", vmprofile.StateName(0))
	assert.Equal(t, "ffi", vmprofile.StateName(10))
	assert.Equal(t, "vmst11", vmprofile.StateName(11))
}
