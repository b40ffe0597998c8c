package audio

import (
	"encoding/binary"
	"math"
)

// LevelPCM16 computes a normalized [0,1] average amplitude (RMS) for a
// PCM16LE frame, for UI level metering. Odd trailing bytes are ignored.
func LevelPCM16(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[2*i : 2*i+2]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms > 1 {
		rms = 1
	}
	return rms
}

// WaveformPCM16 downsamples a PCM16LE frame into buckets of peak amplitude
// in [0,1], the shape a visualization widget renders.
func WaveformPCM16(frame []byte, buckets int) []float64 {
	n := len(frame) / 2
	if buckets <= 0 || n == 0 {
		return nil
	}
	if buckets > n {
		buckets = n
	}
	out := make([]float64, buckets)
	per := n / buckets
	if per == 0 {
		per = 1
	}
	for b := 0; b < buckets; b++ {
		start := b * per
		end := start + per
		if b == buckets-1 || end > n {
			end = n
		}
		var peak float64
		for i := start; i < end; i++ {
			s := int16(binary.LittleEndian.Uint16(frame[2*i : 2*i+2]))
			v := math.Abs(float64(s)) / 32768.0
			if v > peak {
				peak = v
			}
		}
		out[b] = peak
	}
	return out
}
