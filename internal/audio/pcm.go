package audio

import "math"

// SampleRate is the fixed capture rate for the whole pipeline:
// 16 kHz mono 16-bit signed little-endian PCM.
const SampleRate = 16000

// PCMDuration returns the duration in seconds of raw 16-bit mono PCM at the
// fixed 16 kHz rate. Not a general-purpose helper.
func PCMDuration(pcm []byte) float64 {
	samples := len(pcm) / 2
	return float64(samples) / float64(SampleRate)
}

// Float32ToPCM16 converts normalized float32 samples to 16-bit signed
// little-endian PCM bytes. Samples are clamped to [-1, 1] and scaled by
// 0x8000 for negative values and 0x7fff otherwise.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		}

		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7fff)
		}

		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts 16-bit signed little-endian PCM bytes to
// normalized float32 samples. Odd trailing bytes are ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7fff
		}
	}
	return out
}

// RMS computes the root-mean-square energy of a frame
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}

	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Peak returns the maximum absolute amplitude in a frame
func Peak(frame []float32) float64 {
	var peak float64
	for _, s := range frame {
		v := math.Abs(float64(s))
		if v > peak {
			peak = v
		}
	}
	return peak
}
