// Package calibration stores and applies per-antenna phase calibration.
//
// The controller distributes a shared reference signal to all sensors over
// PCB traces of known, unequal length, and across boards over coax cables.
// A calibration model captures the residual per-receiver phase offsets after
// removing the deterministic propagation phase of those traces and cables,
// and applies the inverse offsets to over-the-air CSI.
package calibration

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/monitoring"
)

// Model holds phase calibration values for every antenna slot of a pool, one
// set per waveform. Slots are indexed board*AntennasPerBoard + row*
// AntennasPerRow + column, matching the cluster CSI layout.
type Model struct {
	primaryChannel   int
	secondaryChannel int
	receiverLOFreq   float64

	valuesLegacy [][]complex128
	valuesHT20   [][]complex128
	valuesHT40   [][]complex128
}

// NewModel builds a calibration model from raw reference-feed CSI.
//
// The raw values are measured while the sensors listen to the shared
// reference signal, so they contain both the per-receiver offsets of
// interest and the propagation phase of the distribution network. The model
// removes the latter using the board revisions' trace delays plus the
// per-board cable delays derived from cableLengths (meters) and cableVFs
// (velocity factors). Pass nil cable parameters for a single-board setup.
//
// Each value slice is indexed by antenna slot; a slot with no measurement
// may carry NaN values, which Apply tolerates with a warning. Slice shapes
// must match the waveform's subcarrier count exactly.
func NewModel(
	revisions []*wire.Revision,
	primaryChannel, secondaryChannel int,
	rawLegacy, rawHT20, rawHT40 [][]complex128,
	cableLengths, cableVFs []float64,
) (*Model, error) {
	boards := len(revisions)
	slots := boards * wire.AntennasPerBoard

	if err := checkShape("legacy", rawLegacy, slots, wire.LegacySubcarriers); err != nil {
		return nil, err
	}
	if err := checkShape("ht20", rawHT20, slots, wire.HTSubcarriers); err != nil {
		return nil, err
	}
	if err := checkShape("ht40", rawHT40, slots, wire.HT40Subcarriers); err != nil {
		return nil, err
	}
	if d := secondaryChannel - primaryChannel; d != 0 && d != 4 && d != -4 {
		return nil, fmt.Errorf("secondary channel %d is not primary %d or primary±4", secondaryChannel, primaryChannel)
	}

	cableDelays := make([]float64, boards)
	if cableLengths != nil {
		if cableVFs == nil || len(cableLengths) != boards || len(cableVFs) != boards {
			return nil, fmt.Errorf("cable parameters must give one length and one velocity factor per board")
		}
		for b := range cableDelays {
			cableDelays[b] = cableLengths[b] / (wire.SpeedOfLight * cableVFs[b])
		}
	}

	// Total group delay of the reference signal to each antenna slot.
	groupDelays := make([]float64, slots)
	for b, rev := range revisions {
		traceDelays := rev.TraceDelays()
		for row := 0; row < wire.RowsPerBoard; row++ {
			for col := 0; col < wire.AntennasPerRow; col++ {
				slot := b*wire.AntennasPerBoard + row*wire.AntennasPerRow + col
				groupDelays[slot] = cableDelays[b] + traceDelays[row][col]
			}
		}
	}

	m := &Model{
		primaryChannel:   primaryChannel,
		secondaryChannel: secondaryChannel,
		receiverLOFreq: wire.WifiChannel1Frequency +
			wire.WifiChannelSpacing*(float64(primaryChannel+secondaryChannel)/2-1),
		valuesLegacy: removePropagationPhase(rawLegacy, groupDelays, wire.FrequenciesLegacy(primaryChannel)),
		valuesHT20:   removePropagationPhase(rawHT20, groupDelays, wire.FrequenciesHT20(primaryChannel)),
		valuesHT40:   removePropagationPhase(rawHT40, groupDelays, wire.FrequenciesHT40(primaryChannel, secondaryChannel)),
	}
	return m, nil
}

func checkShape(waveform string, values [][]complex128, slots, subcarriers int) error {
	if len(values) != slots {
		return fmt.Errorf("%s calibration values cover %d slots, pool has %d", waveform, len(values), slots)
	}
	for i, row := range values {
		if len(row) != subcarriers {
			return fmt.Errorf("%s calibration values for slot %d have %d subcarriers, want %d", waveform, i, len(row), subcarriers)
		}
	}
	return nil
}

// removePropagationPhase multiplies each raw value with the conjugate of the
// phase the reference signal accumulates on its way to the antenna.
func removePropagationPhase(raw [][]complex128, groupDelays []float64, frequencies []float64) [][]complex128 {
	out := make([][]complex128, len(raw))
	for slot, row := range raw {
		corrected := make([]complex128, len(row))
		for k, v := range row {
			phase := -2 * math.Pi * groupDelays[slot] * frequencies[k]
			corrected[k] = v * cmplx.Conj(cmplx.Exp(complex(0, phase)))
		}
		out[slot] = corrected
	}
	return out
}

// Channels returns the primary and secondary channel the model was
// calibrated on.
func (m *Model) Channels() (primary, secondary int) {
	return m.primaryChannel, m.secondaryChannel
}

// ReceiverLOFrequency returns the local oscillator frequency the sensors
// were tuned to during calibration, in Hz.
func (m *Model) ReceiverLOFrequency() float64 { return m.receiverLOFreq }

// ApplyLegacy returns phase-calibrated copies of L-LTF CSI. Only phase is
// corrected, amplitudes pass through unchanged.
func (m *Model) ApplyLegacy(values [][]complex128) [][]complex128 {
	return apply("L-LTF", values, m.valuesLegacy)
}

// ApplyHT20 returns phase-calibrated copies of HT20 CSI.
func (m *Model) ApplyHT20(values [][]complex128) [][]complex128 {
	return apply("HT20", values, m.valuesHT20)
}

// ApplyHT40 returns phase-calibrated copies of HT40 CSI.
func (m *Model) ApplyHT40(values [][]complex128) [][]complex128 {
	return apply("HT40", values, m.valuesHT40)
}

func apply(waveform string, values, calib [][]complex128) [][]complex128 {
	nanWarned := false
	out := make([][]complex128, len(values))
	for slot, row := range values {
		if row == nil || slot >= len(calib) {
			continue
		}
		corrected := make([]complex128, len(row))
		for k, v := range row {
			c := calib[slot][k]
			if cmplx.IsNaN(c) && !nanWarned {
				monitoring.Warnf("calibration: %s calibration values contain NaN, missing calibration data?", waveform)
				nanWarned = true
			}
			corrected[k] = v * cmplx.Exp(complex(0, -cmplx.Phase(c)))
		}
		out[slot] = corrected
	}
	return out
}
