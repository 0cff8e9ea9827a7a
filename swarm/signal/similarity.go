package signal

// AcousticSimilarity scores how alike two words sound in [0,1].
// Leading components are compared pairwise: matching type earns 0.4,
// durations within a factor of two earn 0.3, intensities within 30%
// earn 0.3, each share split across the compared positions.
func AcousticSimilarity(a, b *Word) float32 {
	if a == nil || b == nil {
		return 0
	}
	common := a.ComponentCount
	if b.ComponentCount < common {
		common = b.ComponentCount
	}
	if common == 0 {
		return 0
	}

	var similarity float32
	for i := uint8(0); i < common; i++ {
		if a.Components[i] == b.Components[i] {
			similarity += 0.4 / float32(common)
		}
		if ratio(float32(a.Durations[i]), float32(b.Durations[i])) > 0.5 {
			similarity += 0.3 / float32(common)
		}
		if ratio(float32(a.Intensities[i]), float32(b.Intensities[i])) > 0.7 {
			similarity += 0.3 / float32(common)
		}
	}
	return similarity
}

// ratio returns min/max in [0,1], 0 when either value is 0.
func ratio(a, b float32) float32 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return a / b
}
