package wire

// Raw channel-estimate region layout, per waveform. The region always spans
// csiRegionSize bytes; unused trailing bytes are zero.
//
//	legacy: 53 coefficients packed as 12-bit signed values (see LegacyEstimate)
//	HT20:   57 coefficients as int8 (im, re) pairs
//	HT40:   57 + 57 coefficients as int8 (im, re) pairs with a 3-coefficient
//	        all-zero gap region between the sub-bands
const (
	ht40GapBytes   = HT40GapSubcarriers * 2
	htSubbandBytes = HTSubcarriers * 2
)

// signed12 sign-extends a 12-bit value stored as a low byte plus the low
// nibble of a high byte.
func signed12(lo, hi byte) float64 {
	v := int16(hi&0x0F)<<12>>4 | int16(lo)
	return float64(v)
}

// imRePair converts one stored int8 (im, re) coefficient pair to the (re, im)
// convention used by the legacy waveform: conjugate and multiply by -1j.
func imRePair(b0, b1 byte) complex128 {
	return complex(-float64(int8(b1)), -float64(int8(b0)))
}

// LegacyEstimate decodes the L-LTF channel estimate into LegacySubcarriers
// complex coefficients, ordered from the lowest-frequency subcarrier.
//
// The receiver packs the L-LTF as 27 subcarriers, each a 12-bit signed
// integer in a 16-bit container, covering only every second subcarrier
// starting from the lowest frequency. The missing odd subcarriers are
// synthesized by linear interpolation between their neighbors. The DC
// subcarrier is only measured in forced-legacy acquisition; otherwise it is
// the mean of the two nearest measured neighbors. The topmost subcarrier is
// either extrapolated (forced-legacy) or reconstructed from a provided real
// part plus the imaginary part of the nearest measured neighbor.
func (f *Fragment) LegacyEstimate() []complex128 {
	raw := f.csiRegion[:LegacySubcarriers*2]

	vals := make([]float64, LegacySubcarriers)
	for i := range vals {
		vals[i] = signed12(raw[2*i], raw[2*i+1])
	}
	finalRe := vals[LegacySubcarriers-1]

	est := make([]complex128, LegacySubcarriers)
	for j := 0; j < (LegacySubcarriers-1)/2; j++ {
		est[2*j] = complex(vals[2*j], vals[2*j+1])
	}

	last := LegacySubcarriers - 1
	if f.ForcedLegacy {
		est[last] = 2*est[last-2] - est[last-4]
	} else {
		est[last] = complex(finalRe, imag(est[last-2]))
	}

	if !f.ForcedLegacy {
		dc := LegacySubcarriers / 2
		est[dc] = (est[dc-2] + est[dc+2]) / 2
	}

	for i := 1; i < LegacySubcarriers-1; i += 2 {
		est[i] = (est[i-1] + est[i+1]) / 2
	}
	return est
}

// HT20Estimate decodes the HT-LTF channel estimate of a single 20 MHz
// channel into HTSubcarriers complex coefficients, ordered from the
// lowest-frequency subcarrier.
func (f *Fragment) HT20Estimate() []complex128 {
	est := make([]complex128, HTSubcarriers)
	for i := range est {
		est[i] = imRePair(f.csiRegion[2*i], f.csiRegion[2*i+1])
	}
	return est
}

// HT40Estimate decodes the HT-LTF channel estimate of a bonded 40 MHz
// channel into HT40Subcarriers complex coefficients, ordered from the
// lowest-frequency subcarrier. The 3-subcarrier gap between the sub-bands
// is left zero; use InterpolateHT40Gap to fill it. The fixed 90 degree
// rotation of the secondary sub-band is not removed here, that requires
// knowing the secondary channel position (see cluster assembly).
func (f *Fragment) HT40Estimate() []complex128 {
	est := make([]complex128, HT40Subcarriers)
	for i := 0; i < HTSubcarriers; i++ {
		est[i] = imRePair(f.csiRegion[2*i], f.csiRegion[2*i+1])
	}
	lower := f.csiRegion[htSubbandBytes+ht40GapBytes:]
	for i := 0; i < HTSubcarriers; i++ {
		est[HTSubcarriers+HT40GapSubcarriers+i] = imRePair(lower[2*i], lower[2*i+1])
	}
	return est
}

// InterpolateHT40Gap fills the gap subcarriers between the two HT40
// sub-bands by linear interpolation between the boundary coefficients.
func InterpolateHT40Gap(est []complex128) {
	left := HTSubcarriers - 1
	right := HTSubcarriers + HT40GapSubcarriers
	span := float64(right - left)
	for i := left + 1; i < right; i++ {
		t := complex(float64(i-left)/span, 0)
		est[i] = t*est[right] + (1-t)*est[left]
	}
}

// InterpolateDCGap fills the center (DC) subcarrier of a legacy or HT20
// estimate with the mean of its two immediate neighbors.
func InterpolateDCGap(est []complex128) {
	mid := len(est) / 2
	est[mid] = (est[mid-1] + est[mid+1]) / 2
}

// SubcarrierIndices returns the baseband subcarrier indices of an
// n-coefficient estimate, counted symmetrically around DC: for odd n the
// range is -(n+1)/2 up to (n-1)/2-1 inclusive.
func SubcarrierIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i - (n+1)/2
	}
	return idx
}

// ExtractHT20FromHT40 returns the HT20 sub-band of an HT40 estimate that
// corresponds to the primary channel. secondary gives the position of the
// secondary channel relative to the primary.
func ExtractHT20FromHT40(ht40 []complex128, secondary SecondaryChannel) []complex128 {
	start := 0
	if secondary == SecondaryAbove {
		start = HTSubcarriers + HT40GapSubcarriers
	}
	out := make([]complex128, HTSubcarriers)
	copy(out, ht40[start:start+HTSubcarriers])
	return out
}

// ExtractLegacyFromHT40 returns the legacy subcarrier span of an HT40
// estimate that corresponds to the primary channel.
func ExtractLegacyFromHT40(ht40 []complex128, secondary SecondaryChannel) []complex128 {
	start := (HTSubcarriers - LegacySubcarriers) / 2
	if secondary == SecondaryAbove {
		start += HTSubcarriers + HT40GapSubcarriers
	}
	out := make([]complex128, LegacySubcarriers)
	copy(out, ht40[start:start+LegacySubcarriers])
	return out
}

// ExtractLegacyFromHT20 returns the legacy subcarrier span of an HT20
// estimate.
func ExtractLegacyFromHT20(ht20 []complex128) []complex128 {
	start := (HTSubcarriers - LegacySubcarriers) / 2
	out := make([]complex128, LegacySubcarriers)
	copy(out, ht20[start:start+LegacySubcarriers])
	return out
}
