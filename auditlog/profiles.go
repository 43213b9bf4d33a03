// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog // import "github.com/raptorjit/birdwatch/auditlog"

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raptorjit/birdwatch/rawfile"
	"github.com/raptorjit/birdwatch/vmprofile"
)

// Snapshot is one VM profile observed at a point in time. The ID ties report
// artifacts back to the exact snapshot they were rendered from.
type Snapshot struct {
	ID        uuid.UUID
	Timestamp float64
	Profile   *vmprofile.Profile
}

// profileShape returns the counter matrix shape the logging VM used,
// preferring the constants compiled into its debug info.
func (m *Model) profileShape() (traceMax, vmstMax int) {
	traceMax = vmprofile.DefaultTraceMax
	if v, ok := m.dwarf.Constant("LJ_VMPROFILE_TRACE_MAX"); ok {
		traceMax = int(v)
	}
	vmstMax = vmprofile.DefaultVmstMax
	if v, ok := m.dwarf.Constant("LJ_VMST__MAX"); ok {
		vmstMax = int(v)
	}
	return traceMax, vmstMax
}

// AddProfile appends a VM profile snapshot to the series named after the
// file. A zero timestamp takes the file's modification time. Timestamps must
// be non-decreasing within one series.
func (m *Model) AddProfile(path string, timestamp float64) (*Snapshot, error) {
	data, err := rawfile.Read(path)
	if err != nil {
		return nil, err
	}
	traceMax, vmstMax := m.profileShape()
	p, err := vmprofile.FromBytesShape(data, traceMax, vmstMax)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if timestamp == 0 {
		st, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		timestamp = float64(st.ModTime().UnixNano()) / 1e9
	}
	name := strings.TrimSuffix(filepath.Base(path), ".vmprofile")
	series := m.Profiles[name]
	if n := len(series); n > 0 && timestamp < series[n-1].Timestamp {
		return nil, fmt.Errorf("profile %q: timestamp %f precedes %f",
			name, timestamp, series[n-1].Timestamp)
	}
	s := &Snapshot{ID: uuid.New(), Timestamp: timestamp, Profile: p}
	m.Profiles[name] = append(series, s)
	logf("profile %s snapshot %s at %f: %d samples", name, s.ID, timestamp,
		p.TotalSamples())
	return s, nil
}

// SelectProfiles reduces each profile series to one profile covering the
// [start, end] window. Negative end means now+end, negative start is
// relative to the resolved end. Use -Inf and +Inf for an unbounded window.
// A series with two or more snapshots in the window yields the delta from
// first to last, a single snapshot yields itself, an empty window omits the
// series.
func (m *Model) SelectProfiles(start, end float64) map[string]*vmprofile.Profile {
	now := float64(time.Now().UnixNano()) / 1e9
	if !math.IsInf(end, 1) && end < 0 {
		end = now + end
	}
	if !math.IsInf(start, -1) && start < 0 {
		base := end
		if math.IsInf(base, 1) {
			base = now
		}
		start = base + start
	}
	out := map[string]*vmprofile.Profile{}
	for name, series := range m.Profiles {
		var in []*Snapshot
		for _, s := range series {
			if s.Timestamp >= start && s.Timestamp <= end {
				in = append(in, s)
			}
		}
		switch len(in) {
		case 0:
		case 1:
			out[name] = in[0].Profile
		default:
			d, err := in[0].Profile.Delta(in[len(in)-1].Profile)
			if err != nil {
				logf("profile %s: dropping from selection: %v", name, err)
				continue
			}
			out[name] = d
		}
	}
	return out
}
