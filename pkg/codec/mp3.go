package codec

import (
	"bytes"
	"io"

	"github.com/faiface/beep/mp3"
	"github.com/teslashibe/go-voicecall/pkg/audioio"
)

// mp3BufferFrames is how many stereo frames are pulled from the streamer at once.
const mp3BufferFrames = 2048

// MP3Decoder decodes a complete MP3 payload into mono PCM16.
type MP3Decoder struct{}

// Decode implements playback.Decoder.
func (MP3Decoder) Decode(data []byte) (audioio.AudioChunk, error) {
	if len(data) == 0 {
		return audioio.AudioChunk{}, decodeErr("mp3", ErrEmpty)
	}

	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return audioio.AudioChunk{}, decodeErr("mp3", err)
	}
	defer streamer.Close()

	// beep always yields stereo frames; mono sources are duplicated.
	buf := make([][2]float64, mp3BufferFrames)
	var samples []int16
	for {
		n, ok := streamer.Stream(buf)
		for _, frame := range buf[:n] {
			samples = append(samples, audioio.FloatToPCM((frame[0]+frame[1])/2))
		}
		if !ok {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return audioio.AudioChunk{}, decodeErr("mp3", err)
	}
	if len(samples) == 0 {
		return audioio.AudioChunk{}, decodeErr("mp3", ErrEmpty)
	}

	return audioio.AudioChunk{
		Samples:    samples,
		SampleRate: int(format.SampleRate),
		Channels:   1,
	}, nil
}

// Name returns "mp3".
func (MP3Decoder) Name() string { return "mp3" }

// isMP3 reports whether data starts with an ID3 tag or an MPEG frame sync.
func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}
