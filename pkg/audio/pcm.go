// Package audio provides PCM helpers shared by the capture pipeline and the
// speech providers. All audio in this project is little-endian 16-bit mono
// PCM; sample rates vary per provider (16kHz capture, 24kHz synthesis).
package audio

import (
	"math"
	"time"
)

// BytesPerSample is the width of one little-endian int16 PCM sample.
const BytesPerSample = 2

// Duration returns the playback duration of a mono PCM16 buffer at the given
// sample rate. A non-positive rate yields zero.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Silence returns a zeroed mono PCM16 buffer lasting d at the given sample
// rate.
func Silence(d time.Duration, sampleRate int) []byte {
	if d <= 0 || sampleRate <= 0 {
		return nil
	}
	samples := int(d.Seconds() * float64(sampleRate))
	return make([]byte, samples*BytesPerSample)
}

// DecodeFloat32 converts little-endian PCM16 bytes into float32 samples
// normalized to [-1, 1]. A trailing odd byte is ignored.
func DecodeFloat32(pcm []byte) []float32 {
	samples := len(pcm) / BytesPerSample
	out := make([]float32, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// EncodeFloat32 converts float32 samples in [-1, 1] into little-endian PCM16
// bytes, clamping out-of-range values.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, f := range samples {
		v := f * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// RMS computes the root-mean-square amplitude of a mono PCM16 buffer,
// normalized to [0, 1]. Empty or misaligned input yields 0.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / BytesPerSample
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
