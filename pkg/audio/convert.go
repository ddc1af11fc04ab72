package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// FloatToPCM16 converts float samples in nominal range [-1, 1] to signed 16-bit
// PCM. Each sample is clipped to [-1, 1] and then scaled by 32768 when negative
// or 32767 otherwise, so -1 maps to math.MinInt16 and 1 maps to math.MaxInt16.
func FloatToPCM16(raw []float32) []int16 {
	out := make([]int16, len(raw))
	for i, v := range raw {
		out[i] = floatToSample(v)
	}
	return out
}

func floatToSample(v float32) int16 {
	s := float64(v)
	if math.IsNaN(s) {
		return 0
	}
	s = math.Max(-1, math.Min(1, s))
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// Energy returns the mean absolute sample value of raw. An empty buffer has
// zero energy.
func Energy(raw []float32) float64 {
	if len(raw) == 0 {
		return 0
	}
	var sum float64
	for _, v := range raw {
		sum += math.Abs(float64(v))
	}
	return sum / float64(len(raw))
}

// Resampler converts float capture buffers from a device rate to the session
// rate. It logs a warning on the first mismatch. Create one per stream; not
// designed for shared use across goroutines.
type Resampler struct {
	From, To int

	warned sync.Once
}

// Resample returns raw unchanged when the rates already match; otherwise it
// linearly interpolates to the target rate.
func (r *Resampler) Resample(raw []float32) []float32 {
	if r.From <= 0 || r.To <= 0 || r.From == r.To {
		return raw
	}
	r.warned.Do(func() {
		slog.Warn("audio capture rate mismatch: resampling",
			"from", formatRate(r.From),
			"to", formatRate(r.To),
		)
	})
	return ResampleFloat(raw, r.From, r.To)
}

// ResampleFloat resamples mono float samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleFloat(raw []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(raw) == 0 {
		return raw
	}
	dstLen := int(int64(len(raw)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := raw[srcIdx]
		s1 := s0
		if srcIdx+1 < len(raw) {
			s1 = raw[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// formatRate returns a human-readable string for a mono sample rate, e.g.
// "48000Hz mono".
func formatRate(rate int) string {
	return fmt.Sprintf("%dHz mono", rate)
}
