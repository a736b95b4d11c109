package calibration

import (
	"math/cmplx"

	"gonum.org/v1/gonum/cmplxs"

	"github.com/espargos/goespargos/internal/csi/wire"
)

// DefaultInterpIterations is the iteration count of InterpIterative that the
// calibration procedure uses.
const DefaultInterpIterations = 10

// InterpIterative combines several CSI datapoints into one by summing them
// phase-coherently. Each datapoint is a flat complex vector of equal length
// (antenna slots times subcarriers, or any other flattening). The algorithm
// alternates between forming the weighted sum and re-estimating the phase of
// each datapoint against it.
//
// A nil weights slice weighs all datapoints equally. The result has the
// same length as the inputs; with no datapoints it is nil.
func InterpIterative(datapoints [][]complex128, weights []float64, iterations int) []complex128 {
	if len(datapoints) == 0 {
		return nil
	}
	if weights == nil {
		weights = make([]float64, len(datapoints))
		for i := range weights {
			weights[i] = 1 / float64(len(datapoints))
		}
	}

	phases := make([]float64, len(datapoints))
	combined := make([]complex128, len(datapoints[0]))
	scratch := make([]complex128, len(combined))
	for iter := 0; iter < iterations; iter++ {
		for i := range combined {
			combined[i] = 0
		}
		for n, dp := range datapoints {
			copy(scratch, dp)
			cmplxs.Scale(complex(weights[n], 0)*cmplx.Exp(complex(0, -phases[n])), scratch)
			cmplxs.Add(combined, scratch)
		}
		for n, dp := range datapoints {
			var proj complex128
			for i, v := range dp {
				proj += cmplx.Conj(combined[i]) * v
			}
			phases[n] = cmplx.Phase(proj)
		}
	}
	return combined
}

// RemoveMeanSTO removes the mean symbol timing offset from each datapoint in
// place. A datapoint is a set of per-slot subcarrier vectors (nil slots and
// NaN values are skipped); its timing offset shows up as a common phase
// slope across subcarriers, estimated from the product of adjacent
// subcarriers summed over all slots.
func RemoveMeanSTO(datapoints [][][]complex128) {
	for _, dp := range datapoints {
		var slopeSum complex128
		n := 0
		for _, row := range dp {
			if row == nil {
				continue
			}
			n = len(row)
			for k := 0; k+1 < len(row); k++ {
				p := row[k+1] * cmplx.Conj(row[k])
				if cmplx.IsNaN(p) {
					continue
				}
				slopeSum += p
			}
		}
		if n == 0 {
			continue
		}
		slope := cmplx.Phase(slopeSum)

		indices := wire.SubcarrierIndices(n)
		for _, row := range dp {
			if row == nil {
				continue
			}
			for k := range row {
				row[k] *= cmplx.Exp(complex(0, -slope*float64(indices[k]+1)))
			}
		}
	}
}
