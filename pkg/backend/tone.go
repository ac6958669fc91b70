package backend

import (
	"math"
	"time"

	"github.com/teslashibe/go-voicecall/pkg/audioio"
)

// Tone synthesizes a mono sine tone whose RMS level is level.
func Tone(sampleRate int, frequency, level float64, d time.Duration) audioio.AudioChunk {
	n := int(d.Seconds() * float64(sampleRate))
	amp := level * math.Sqrt2
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = audioio.FloatToPCM(amp * math.Sin(2*math.Pi*frequency*float64(i)/float64(sampleRate)))
	}
	return audioio.AudioChunk{Samples: samples, SampleRate: sampleRate, Channels: 1}
}
