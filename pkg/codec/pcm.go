package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/teslashibe/go-voicecall/pkg/audioio"
)

// PCMDecoder interprets payloads as raw little-endian PCM16.
type PCMDecoder struct {
	SampleRate int
	Channels   int
}

// Decode implements playback.Decoder.
func (d PCMDecoder) Decode(data []byte) (audioio.AudioChunk, error) {
	if len(data) < 2 {
		return audioio.AudioChunk{}, decodeErr("pcm", ErrEmpty)
	}
	var chunk audioio.AudioChunk
	chunk.FromBytes(data, d.SampleRate, max(d.Channels, 1))
	return chunk, nil
}

// Name returns "pcm".
func (d PCMDecoder) Name() string { return "pcm" }

// WAVDecoder decodes RIFF/WAVE payloads carrying 16-bit PCM.
type WAVDecoder struct{}

// Decode implements playback.Decoder.
func (WAVDecoder) Decode(data []byte) (audioio.AudioChunk, error) {
	chunk, err := parseWAV(data)
	if err != nil {
		return audioio.AudioChunk{}, decodeErr("wav", err)
	}
	return chunk, nil
}

// Name returns "wav".
func (WAVDecoder) Name() string { return "wav" }

// isWAV reports whether data starts with a RIFF/WAVE header.
func isWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

func parseWAV(data []byte) (audioio.AudioChunk, error) {
	if len(data) == 0 {
		return audioio.AudioChunk{}, ErrEmpty
	}
	if !isWAV(data) {
		return audioio.AudioChunk{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedFormat)
	}

	var (
		rate, channels, bits int
		haveFmt              bool
	)

	rest := data[12:]
	for len(rest) >= 8 {
		id := string(rest[0:4])
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		rest = rest[8:]

		switch id {
		case "fmt ":
			if size < 16 || len(rest) < 16 {
				return audioio.AudioChunk{}, ErrTruncated
			}
			format := binary.LittleEndian.Uint16(rest[0:2])
			channels = int(binary.LittleEndian.Uint16(rest[2:4]))
			rate = int(binary.LittleEndian.Uint32(rest[4:8]))
			bits = int(binary.LittleEndian.Uint16(rest[14:16]))
			if format != 1 || bits != 16 {
				return audioio.AudioChunk{}, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedFormat, format, bits)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return audioio.AudioChunk{}, fmt.Errorf("%w: data before fmt", ErrUnsupportedFormat)
			}
			// Streaming encoders write a placeholder size; take what is there.
			size = min(size, len(rest))
			var chunk audioio.AudioChunk
			chunk.FromBytes(rest[:size], rate, channels)
			return chunk, nil
		}

		// Chunks are word aligned.
		skip := size + size%2
		if skip > len(rest) {
			return audioio.AudioChunk{}, ErrTruncated
		}
		rest = rest[skip:]
	}
	return audioio.AudioChunk{}, ErrTruncated
}

// EncodeWAV wraps chunk in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(chunk audioio.AudioChunk) []byte {
	pcm := chunk.Bytes()
	channels := max(chunk.Channels, 1)

	buf := make([]byte, 0, 44+len(pcm))
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVEfmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(chunk.SampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(chunk.SampleRate*channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pcm)))
	return append(buf, pcm...)
}
