// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "github.com/raptorjit/birdwatch/testsupport"

import (
	"encoding/binary"
	"fmt"
)

// Cell addresses one counter of a VM profile fixture.
type Cell struct {
	TraceNo int
	Vmst    int
}

// BuildVMProfile renders a VM profile blob of the given shape with the
// given cells set and everything else zero.
func BuildVMProfile(traceMax, vmstMax int, cells map[Cell]uint64) []byte {
	out := make([]byte, 8+traceMax*vmstMax*8)
	binary.LittleEndian.PutUint32(out, 0x1D50F007)
	binary.LittleEndian.PutUint16(out[4:], 4)
	binary.LittleEndian.PutUint16(out[6:], 0)
	for cell, v := range cells {
		if cell.TraceNo < 0 || cell.TraceNo >= traceMax ||
			cell.Vmst < 0 || cell.Vmst >= vmstMax {
			panic(fmt.Sprintf("cell %+v outside %d x %d", cell, traceMax, vmstMax))
		}
		idx := cell.TraceNo*vmstMax + cell.Vmst
		binary.LittleEndian.PutUint64(out[8+idx*8:], v)
	}
	return out
}
