package snd

import "math"

// Resample converts samples from srcRate to dstRate using linear
// interpolation. The output length is round(len * dstRate/srcRate).
// Fractional source positions past the last sample clamp to it.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if len(samples) == 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	n := int(math.Round(float64(len(samples)) * float64(dstRate) / float64(srcRate)))
	if n == 0 {
		return nil
	}

	ratio := float64(srcRate) / float64(dstRate)
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// PCM16 converts float samples in [-1, 1] to 16-bit PCM, clamping
// out-of-range values and rounding to the nearest integer.
func PCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(math.Round(float64(s) * 32767))
	}
	return out
}

// Float32 converts 16-bit PCM back to float samples in [-1, 1].
func Float32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32767
	}
	return out
}

// RMS returns the root-mean-square amplitude of a block.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
