package calibration

import (
	"fmt"
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espargos/goespargos/internal/csi/wire"
	"github.com/espargos/goespargos/internal/monitoring"
)

func oneBoard() []*wire.Revision {
	return []*wire.Revision{wire.Densiflorus}
}

// constantValues fills every slot of every waveform with the given value.
func constantValues(boards int, v complex128) (legacy, ht20, ht40 [][]complex128) {
	fill := func(subcarriers int) [][]complex128 {
		out := make([][]complex128, boards*wire.AntennasPerBoard)
		for slot := range out {
			row := make([]complex128, subcarriers)
			for k := range row {
				row[k] = v
			}
			out[slot] = row
		}
		return out
	}
	return fill(wire.LegacySubcarriers), fill(wire.HTSubcarriers), fill(wire.HT40Subcarriers)
}

// referenceMeasurement synthesizes the CSI a perfect receiver would report
// for the reference signal: only the propagation phase of the traces.
func referenceMeasurement(rev *wire.Revision, frequencies []float64) [][]complex128 {
	delays := rev.TraceDelays()
	out := make([][]complex128, wire.AntennasPerBoard)
	for slot := range out {
		row := make([]complex128, len(frequencies))
		delay := delays[slot/wire.AntennasPerRow][slot%wire.AntennasPerRow]
		for k, f := range frequencies {
			row[k] = cmplx.Exp(complex(0, -2*math.Pi*delay*f))
		}
		out[slot] = row
	}
	return out
}

func TestModelRemovesPropagationPhase(t *testing.T) {
	legacy := referenceMeasurement(wire.Densiflorus, wire.FrequenciesLegacy(13))
	ht20 := referenceMeasurement(wire.Densiflorus, wire.FrequenciesHT20(13))
	ht40 := referenceMeasurement(wire.Densiflorus, wire.FrequenciesHT40(13, 9))

	m, err := NewModel(oneBoard(), 13, 9, legacy, ht20, ht40, nil, nil)
	require.NoError(t, err)

	// A perfect receiver needs no correction, so applying the model must
	// leave CSI phases untouched.
	input, _, _ := constantValues(1, complex(2, 1))
	out := m.ApplyLegacy(input)
	for slot := range out {
		for k := range out[slot] {
			assert.InDelta(t, real(input[slot][k]), real(out[slot][k]), 1e-9)
			assert.InDelta(t, imag(input[slot][k]), imag(out[slot][k]), 1e-9)
		}
	}
}

func TestModelCableDelays(t *testing.T) {
	revisions := []*wire.Revision{wire.Densiflorus, wire.Densiflorus}
	legacy, ht20, ht40 := constantValues(2, 1)

	// A 2m RG58 run to the second board delays its reference signal; the
	// model must attribute the extra phase to the cable, not the receiver.
	m, err := NewModel(revisions, 13, 13, legacy, ht20, ht40,
		[]float64{0, 2.0}, []float64{0.66, 0.66})
	require.NoError(t, err)

	input, _, _ := constantValues(2, 1)
	out := m.ApplyLegacy(input)

	cableDelay := 2.0 / (wire.SpeedOfLight * 0.66)
	freqs := wire.FrequenciesLegacy(13)
	slot := wire.AntennasPerBoard // first antenna of the second board
	traceDelay := wire.Densiflorus.TraceDelays()[0][0]

	// Raw value 1 minus propagation phase leaves exp(2πj·delay·f) as the
	// stored offset, so Apply rotates by the negative of that.
	want := cmplx.Exp(complex(0, -2*math.Pi*(cableDelay+traceDelay)*freqs[0]))
	assert.InDelta(t, real(want), real(out[slot][0]), 1e-6)
	assert.InDelta(t, imag(want), imag(out[slot][0]), 1e-6)
}

func TestApplyCorrectsPhaseNotAmplitude(t *testing.T) {
	// Calibration values with amplitude 5 and phase π/4 per subcarrier.
	legacy, ht20, ht40 := constantValues(1, 5*cmplx.Exp(complex(0, math.Pi/4)))
	m, err := NewModel(oneBoard(), 1, 1, legacy, ht20, ht40, nil, nil)
	require.NoError(t, err)

	input := make([][]complex128, wire.AntennasPerBoard)
	input[0] = make([]complex128, wire.HTSubcarriers)
	for k := range input[0] {
		input[0][k] = complex(3, 0)
	}
	out := m.ApplyHT20(input)

	// Amplitude must pass through even though the calibration amplitude
	// is 5; the phase shift includes the trace propagation term.
	assert.InDelta(t, 3, cmplx.Abs(out[0][0]), 1e-9)
	assert.Nil(t, out[1])
}

func TestApplyIsPure(t *testing.T) {
	legacy, ht20, ht40 := constantValues(1, cmplx.Exp(complex(0, 1)))
	m, err := NewModel(oneBoard(), 1, 1, legacy, ht20, ht40, nil, nil)
	require.NoError(t, err)

	input, _, _ := constantValues(1, complex(1, 1))
	before := input[3][7]
	out := m.ApplyLegacy(input)

	assert.Equal(t, before, input[3][7])
	assert.NotSame(t, &input[3][0], &out[3][0])
}

func TestApplyWarnsOnNaN(t *testing.T) {
	legacy, ht20, ht40 := constantValues(1, 1)
	legacy[2][10] = cmplx.NaN()
	m, err := NewModel(oneBoard(), 1, 1, legacy, ht20, ht40, nil, nil)
	require.NoError(t, err)

	var warnings []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	input, _, _ := constantValues(1, 1)
	out := m.ApplyLegacy(input)

	assert.True(t, cmplx.IsNaN(out[2][10]))
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "NaN")
}

func TestReceiverLOFrequency(t *testing.T) {
	legacy, ht20, ht40 := constantValues(1, 1)

	m, err := NewModel(oneBoard(), 13, 17, legacy, ht20, ht40, nil, nil)
	require.NoError(t, err)
	// Bonded 13+17 tunes the LO between the two channel centers.
	assert.InDelta(t, 2.412e9+5e6*14, m.ReceiverLOFrequency(), 1e-3)

	primary, secondary := m.Channels()
	assert.Equal(t, 13, primary)
	assert.Equal(t, 17, secondary)
}

func TestNewModelValidation(t *testing.T) {
	legacy, ht20, ht40 := constantValues(1, 1)

	t.Run("wrong subcarrier count", func(t *testing.T) {
		bad := make([][]complex128, wire.AntennasPerBoard)
		for i := range bad {
			bad[i] = make([]complex128, wire.LegacySubcarriers-1)
		}
		_, err := NewModel(oneBoard(), 1, 1, bad, ht20, ht40, nil, nil)
		assert.Error(t, err)
	})

	t.Run("wrong slot count", func(t *testing.T) {
		_, err := NewModel(oneBoard(), 1, 1, legacy[:4], ht20, ht40, nil, nil)
		assert.Error(t, err)
	})

	t.Run("bad secondary channel", func(t *testing.T) {
		_, err := NewModel(oneBoard(), 1, 3, legacy, ht20, ht40, nil, nil)
		assert.Error(t, err)
	})

	t.Run("cable lengths without velocity factors", func(t *testing.T) {
		_, err := NewModel(oneBoard(), 1, 1, legacy, ht20, ht40, []float64{1}, nil)
		assert.Error(t, err)
	})
}
