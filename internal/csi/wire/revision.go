package wire

import (
	"fmt"
	"math"
)

// Revision describes one hardware generation of the ESPARGOS board: its wire
// type header, the mapping from sensor index to physical antenna position,
// and the PCB parameters of the calibration signal distribution traces.
type Revision struct {
	// Device and Name form the identification reported by the api_info
	// endpoint.
	Device string
	Name   string

	// TypeHeader is the 32-bit value every payload of this revision starts
	// with.
	TypeHeader uint32

	// traceLengths holds the calibration trace length from the reference
	// splitter to each antenna, in meters, indexed [row][column].
	traceLengths [RowsPerBoard][AntennasPerRow]float64

	// Microstrip parameters of the calibration traces.
	traceDielectricConstant float64
	traceWidthMM            float64
	traceHeightMM           float64
}

// Densiflorus is the 2025/2026 PCB revision ("ESPARGOS-DENSIFLORUS").
var Densiflorus = &Revision{
	Device:     "espargos",
	Name:       "densiflorus",
	TypeHeader: 0xE4CD0BAC,
	traceLengths: [RowsPerBoard][AntennasPerRow]float64{
		{0.0604561, 0.0373554, 0.1070395, 0.1770280},
		{0.1076842, 0.0554654, 0.0806678, 0.1462569},
	},
	traceDielectricConstant: 4.3,
	traceWidthMM:            0.2,
	traceHeightMM:           0.119,
}

// allRevisions lists every known hardware generation. Adding a revision means
// adding one entry here plus its layout tables.
var allRevisions = []*Revision{Densiflorus}

// FindRevision resolves the revision matching an api_info identification.
func FindRevision(device, name string) (*Revision, bool) {
	for _, rev := range allRevisions {
		if rev.Device == device && rev.Name == name {
			return rev, true
		}
	}
	return nil, false
}

// SensorToRowCol converts a sensor index reported on the stream to the (row,
// column) position of the antenna on the board. The mapping may differ
// between revisions; on Densiflorus the numbering runs right-to-left,
// bottom-to-top.
func (r *Revision) SensorToRowCol(sensor int) (row, col int, err error) {
	if sensor < 0 || sensor >= AntennasPerBoard {
		return 0, 0, fmt.Errorf("sensor index %d out of range [0,%d)", sensor, AntennasPerBoard)
	}
	return 1 - sensor/AntennasPerRow, 3 - sensor%AntennasPerRow, nil
}

// TraceDelays returns the propagation delay of the calibration signal from
// the reference splitter to each antenna, in seconds, indexed by (row,
// column). The group velocity on the microstrip follows from the effective
// dielectric constant of the PCB.
func (r *Revision) TraceDelays() [RowsPerBoard][AntennasPerRow]float64 {
	er := r.traceDielectricConstant
	ratio := r.traceHeightMM / r.traceWidthMM
	effective := (er+1)/2 + (er-1)/2*math.Pow(1+12*ratio, -0.5)
	groupVelocity := SpeedOfLight / math.Sqrt(effective)

	var delays [RowsPerBoard][AntennasPerRow]float64
	for row := 0; row < RowsPerBoard; row++ {
		for col := 0; col < AntennasPerRow; col++ {
			delays[row][col] = r.traceLengths[row][col] / groupVelocity
		}
	}
	return delays
}
