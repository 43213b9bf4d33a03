// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmprofile reads and folds the per-trace VM state counter files
// RaptorJIT's profiler writes. A profile is a dense matrix of sample
// counters indexed by (trace number, VM state), with trace 0 collecting
// samples that hit no trace at all.
package vmprofile // import "github.com/raptorjit/birdwatch/vmprofile"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/raptorjit/birdwatch/rawfile"
)

const (
	// Magic opens every profile blob.
	Magic = 0x1D50F007
	// FormatMajor is the only understood major format version. Minor
	// bumps are compatible by contract and accepted.
	FormatMajor = 4

	headerSize = 8

	// DefaultTraceMax matches the VM default when the debug info carries
	// no LJ_VMPROFILE_TRACE_MAX override.
	DefaultTraceMax = 4096
)

// stateNames indexes the fixed VM state list. The VM orders its counters
// this way and the debug info only ever grows the list at the end.
var stateNames = [...]string{
	"interp", "c", "igc", "exit", "record", "opt", "asm", "head", "loop", "jgc", "ffi",
}

// DefaultVmstMax is the number of VM states known to this package.
const DefaultVmstMax = len(stateNames)

// ErrBadMagic is returned for blobs that are not VM profiles at all.
var ErrBadMagic = errors.New("bad VM profile magic")

// StateName renders a VM state index. Indexes past the known list render
// numerically, which keeps newer profiles loadable.
func StateName(vmst int) string {
	if vmst >= 0 && vmst < len(stateNames) {
		return stateNames[vmst]
	}
	return "vmst" + strconv.Itoa(vmst)
}

// Profile is one loaded counter matrix. It is immutable after load apart
// from the memoized aggregates.
type Profile struct {
	TraceMax int
	VmstMax  int
	Minor    uint16

	counts []uint64

	totalSamples     *uint64
	totalVmstSamples map[string]uint64
	hotTraces        []HotTrace
}

// HotTrace is one row of the hot trace report.
type HotTrace struct {
	TraceNo int
	States  map[string]uint64
	Total   uint64
}

// Label renders the trace number, with the untraced catch-all bucket 0
// shown as "none".
func (h *HotTrace) Label() string {
	if h.TraceNo == 0 {
		return "none"
	}
	return strconv.Itoa(h.TraceNo)
}

// New returns an all-zeros profile of the given shape.
func New(traceMax, vmstMax int) *Profile {
	return &Profile{
		TraceMax: traceMax,
		VmstMax:  vmstMax,
		counts:   make([]uint64, traceMax*vmstMax),
	}
}

// Load reads the profile at path with the default shape. Compressed
// blobs are handled transparently.
func Load(path string) (*Profile, error) {
	data, err := rawfile.Read(path)
	if err != nil {
		return nil, err
	}
	p, err := FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// FromBytes decodes a profile blob with the default shape.
func FromBytes(data []byte) (*Profile, error) {
	return FromBytesShape(data, DefaultTraceMax, DefaultVmstMax)
}

// FromBytesShape decodes a profile blob whose shape is already known,
// typically from the debug info of the VM that wrote it.
func FromBytesShape(data []byte, traceMax, vmstMax int) (*Profile, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadMagic, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data); magic != Magic {
		return nil, fmt.Errorf("%w: %#08x", ErrBadMagic, magic)
	}
	major := binary.LittleEndian.Uint16(data[4:])
	if major != FormatMajor {
		return nil, fmt.Errorf("VM profile format major %d, want %d", major, FormatMajor)
	}
	if traceMax <= 0 || vmstMax <= 0 {
		return nil, fmt.Errorf("invalid profile shape %d x %d", traceMax, vmstMax)
	}

	cells := traceMax * vmstMax
	body := data[headerSize:]
	if len(body) < cells*8 {
		return nil, fmt.Errorf("profile carries %d counters, want %d (%d x %d)",
			len(body)/8, cells, traceMax, vmstMax)
	}
	p := &Profile{
		TraceMax: traceMax,
		VmstMax:  vmstMax,
		Minor:    binary.LittleEndian.Uint16(data[6:]),
		counts:   make([]uint64, cells),
	}
	for i := range p.counts {
		p.counts[i] = binary.LittleEndian.Uint64(body[i*8:])
	}
	return p, nil
}

// Count returns the sample counter of one (trace, VM state) cell. Cells
// outside the shape count zero.
func (p *Profile) Count(traceno, vmst int) uint64 {
	if traceno < 0 || traceno >= p.TraceMax || vmst < 0 || vmst >= p.VmstMax {
		return 0
	}
	return p.counts[traceno*p.VmstMax+vmst]
}

// TotalSamples sums every cell of the matrix.
func (p *Profile) TotalSamples() uint64 {
	if p.totalSamples == nil {
		var total uint64
		for _, c := range p.counts {
			total += c
		}
		p.totalSamples = &total
	}
	return *p.totalSamples
}

// TotalVmstSamples sums the matrix per VM state.
func (p *Profile) TotalVmstSamples() map[string]uint64 {
	if p.totalVmstSamples == nil {
		totals := make(map[string]uint64, p.VmstMax)
		for i, c := range p.counts {
			totals[StateName(i%p.VmstMax)] += c
		}
		p.totalVmstSamples = totals
	}
	return p.totalVmstSamples
}

// HotTraces lists the traces that were sampled at all, busiest first.
// Rows with equal totals keep their trace number order.
func (p *Profile) HotTraces() []HotTrace {
	if p.hotTraces == nil {
		hot := make([]HotTrace, 0, 16)
		for traceno := 0; traceno < p.TraceMax; traceno++ {
			row := p.counts[traceno*p.VmstMax : (traceno+1)*p.VmstMax]
			var total uint64
			for _, c := range row {
				total += c
			}
			if total == 0 {
				continue
			}
			states := make(map[string]uint64, p.VmstMax)
			for vmst, c := range row {
				states[StateName(vmst)] = c
			}
			hot = append(hot, HotTrace{TraceNo: traceno, States: states, Total: total})
		}
		sort.SliceStable(hot, func(i, j int) bool {
			return hot[i].Total > hot[j].Total
		})
		p.hotTraces = hot
	}
	return p.hotTraces
}

// Delta returns other minus the receiver, cell-wise. Snapshots taken from
// a running VM have non-decreasing counters, so the difference spans the
// interval between the two.
func (p *Profile) Delta(other *Profile) (*Profile, error) {
	if err := p.sameShape(other); err != nil {
		return nil, err
	}
	out := New(p.TraceMax, p.VmstMax)
	out.Minor = other.Minor
	for i := range p.counts {
		out.counts[i] = other.counts[i] - p.counts[i]
	}
	return out, nil
}

// Sum returns the cell-wise sum of both profiles, saturating instead of
// wrapping on overflow.
func (p *Profile) Sum(other *Profile) (*Profile, error) {
	if err := p.sameShape(other); err != nil {
		return nil, err
	}
	out := New(p.TraceMax, p.VmstMax)
	out.Minor = p.Minor
	for i := range p.counts {
		s := p.counts[i] + other.counts[i]
		if s < p.counts[i] {
			s = ^uint64(0)
		}
		out.counts[i] = s
	}
	return out, nil
}

func (p *Profile) sameShape(other *Profile) error {
	if p.TraceMax != other.TraceMax || p.VmstMax != other.VmstMax {
		return fmt.Errorf("profile shapes differ: %d x %d vs %d x %d",
			p.TraceMax, p.VmstMax, other.TraceMax, other.VmstMax)
	}
	return nil
}

// Equal compares two profiles cell-for-cell.
func (p *Profile) Equal(other *Profile) bool {
	if p.sameShape(other) != nil {
		return false
	}
	for i := range p.counts {
		if p.counts[i] != other.counts[i] {
			return false
		}
	}
	return true
}

// Fingerprint hashes the counter matrix, shape included. Two profiles
// with the same fingerprint are the same snapshot for dedup purposes.
func (p *Profile) Fingerprint() uint64 {
	h := xxh3.New()
	var cell [8]byte
	binary.LittleEndian.PutUint32(cell[:4], uint32(p.TraceMax))
	binary.LittleEndian.PutUint32(cell[4:], uint32(p.VmstMax))
	_, _ = h.Write(cell[:])
	for _, c := range p.counts {
		binary.LittleEndian.PutUint64(cell[:], c)
		_, _ = h.Write(cell[:])
	}
	return h.Sum64()
}

// Bytes renders the profile back into the on-disk blob format.
func (p *Profile) Bytes() []byte {
	out := make([]byte, headerSize+len(p.counts)*8)
	binary.LittleEndian.PutUint32(out, Magic)
	binary.LittleEndian.PutUint16(out[4:], FormatMajor)
	binary.LittleEndian.PutUint16(out[6:], p.Minor)
	for i, c := range p.counts {
		binary.LittleEndian.PutUint64(out[headerSize+i*8:], c)
	}
	return out
}

// Dump writes the raw blob to path.
func (p *Profile) Dump(path string) error {
	return os.WriteFile(path, p.Bytes(), 0o644)
}
