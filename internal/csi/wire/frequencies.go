package wire

// ChannelCenterFrequency returns the center frequency of a 2.4 GHz channel
// in Hz.
func ChannelCenterFrequency(channel int) float64 {
	return WifiChannel1Frequency + WifiChannelSpacing*float64(channel-1)
}

func frequenciesAround(center float64, n int) []float64 {
	freqs := make([]float64, n)
	for i, k := range SubcarrierIndices(n) {
		freqs[i] = center + float64(k)*WifiSubcarrierSpacing
	}
	return freqs
}

// FrequenciesLegacy returns the subcarrier frequencies of the L-LTF estimate
// on the given channel, in Hz, lowest first.
func FrequenciesLegacy(channel int) []float64 {
	return frequenciesAround(ChannelCenterFrequency(channel), LegacySubcarriers)
}

// FrequenciesHT20 returns the subcarrier frequencies of an HT20 estimate on
// the given channel, in Hz, lowest first.
func FrequenciesHT20(channel int) []float64 {
	return frequenciesAround(ChannelCenterFrequency(channel), HTSubcarriers)
}

// FrequenciesHT40 returns the subcarrier frequencies of an HT40 estimate
// spanning the given primary and secondary channels, in Hz, lowest first.
func FrequenciesHT40(primary, secondary int) []float64 {
	center := (ChannelCenterFrequency(primary) + ChannelCenterFrequency(secondary)) / 2
	return frequenciesAround(center, HT40Subcarriers)
}
