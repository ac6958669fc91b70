package audioio

import "math"

// Resample converts mono samples between rates by linear interpolation,
// which is enough for speech. Invalid rates return the input unchanged.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}

	step := float64(fromRate) / float64(toRate)
	out := make([]int16, int(float64(len(samples))/step))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + (pos-float64(idx))*(b-a))
	}
	return out
}

// Conform converts a chunk to the given rate and channel count.
// Multi-channel input is downmixed to mono first.
func Conform(chunk AudioChunk, sampleRate, channels int) AudioChunk {
	samples := chunk.Samples
	if chunk.Channels > 1 {
		samples = Downmix(samples, chunk.Channels)
	}
	samples = Resample(samples, chunk.SampleRate, sampleRate)
	if channels > 1 {
		samples = Upmix(samples, channels)
	}
	return AudioChunk{Samples: samples, SampleRate: sampleRate, Channels: max(channels, 1)}
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// Downmix averages interleaved multi-channel samples to mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// Upmix duplicates mono samples across the given number of channels.
func Upmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)*channels)
	for i, s := range samples {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = s
		}
	}
	return out
}

// FloatToPCM converts a sample in [-1, 1] to int16, clipping out-of-range input.
func FloatToPCM(f float64) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	return int16(f * 32767)
}

// CalculateRMS calculates the root mean square of samples.
// Returns a value between 0.0 and 1.0.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		return 1
	}
	return rms
}
