// Package pcm provides helpers for the PCM16 little-endian mono audio that
// flows through the pipeline: sample-rate conversion at the fan-out boundary,
// energy measurement for silence detection, and reusable buffers.
package pcm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BytesPerSample is fixed: all pipeline audio is signed 16-bit.
const BytesPerSample = 2

// SinkRates are the sample rates downstream consumers may request.
var SinkRates = []int{8000, 16000, 24000}

// ValidSinkRate reports whether rate is one consumers may request.
func ValidSinkRate(rate int) bool {
	for _, r := range SinkRates {
		if r == rate {
			return true
		}
	}
	return false
}

// Duration returns the playback duration in milliseconds of a PCM16 mono
// buffer at the given rate.
func DurationMs(data []byte, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(data) / BytesPerSample
	return int64(samples) * 1000 / int64(sampleRate)
}

// Decode converts little-endian bytes to int16 samples.
func Decode(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return samples
}

// Encode converts int16 samples to little-endian bytes.
func Encode(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
	}
	return data
}

// Resample converts PCM16 mono audio between sample rates using linear
// interpolation. Quality is adequate for speech sinks; heavy lifting like
// band-limited resampling is deliberately out of scope.
func Resample(data []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d -> %d", fromRate, toRate)
	}
	if fromRate == toRate {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	src := Decode(data)
	if len(src) == 0 {
		return []byte{}, nil
	}

	outLen := int(int64(len(src)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		outLen = 1
	}
	dst := make([]int16, outLen)

	ratio := float64(fromRate) / float64(toRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(src)-1 {
			dst[i] = src[len(src)-1]
			continue
		}
		frac := pos - float64(idx)
		sample := float64(src[idx])*(1-frac) + float64(src[idx+1])*frac
		dst[i] = int16(sample)
	}

	return Encode(dst), nil
}

// RMS returns the root-mean-square amplitude of a PCM16 buffer, normalized
// to [0, 1].
func RMS(data []byte) float64 {
	samples := Decode(data)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DefaultSilenceThreshold is the normalized RMS below which a frame counts
// as silent. Meeting platforms emit comfort noise well under this level.
const DefaultSilenceThreshold = 0.004

// Silent reports whether a frame carries no meaningful audio activity.
func Silent(data []byte, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	return RMS(data) < threshold
}
