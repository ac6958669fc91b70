package codec

import (
	"encoding/binary"

	"github.com/teslashibe/go-voicecall/pkg/audioio"
)

// Decoder is satisfied by every decoder in this package.
type Decoder interface {
	Decode(data []byte) (audioio.AudioChunk, error)
	Name() string
}

// AutoDecoder picks a decoder per payload by sniffing its header. WAV and
// MP3 are recognised by magic bytes, framed Opus by a length-prefix chain
// that covers the whole payload; anything else goes to Fallback.
type AutoDecoder struct {
	WAV      Decoder
	MP3      Decoder
	Opus     Decoder
	Fallback Decoder
}

// NewAutoDecoder returns an AutoDecoder whose fallback is fallback, or raw
// PCM16 at sampleRate when fallback is nil. Opus is decoded at sampleRate
// when libopus supports it and at 48kHz otherwise.
func NewAutoDecoder(sampleRate int, fallback Decoder) (*AutoDecoder, error) {
	if fallback == nil {
		fallback = PCMDecoder{SampleRate: sampleRate, Channels: 1}
	}
	opusRate := sampleRate
	if !ValidOpusRate(opusRate) {
		opusRate = 48000
	}
	opusDec, err := NewOpusDecoder(opusRate, 1)
	if err != nil {
		return nil, err
	}
	return &AutoDecoder{
		WAV:      WAVDecoder{},
		MP3:      MP3Decoder{},
		Opus:     opusDec,
		Fallback: fallback,
	}, nil
}

// Decode implements playback.Decoder.
func (a *AutoDecoder) Decode(data []byte) (audioio.AudioChunk, error) {
	return a.pick(data).Decode(data)
}

// Sniff returns the name of the decoder that would handle data.
func (a *AutoDecoder) Sniff(data []byte) string {
	return a.pick(data).Name()
}

// Name returns "auto".
func (a *AutoDecoder) Name() string { return "auto" }

func (a *AutoDecoder) pick(data []byte) Decoder {
	switch {
	case isWAV(data):
		return a.WAV
	case isMP3(data):
		return a.MP3
	case a.Opus != nil && isFramedOpus(data):
		return a.Opus
	default:
		return a.Fallback
	}
}

// isFramedOpus reports whether data is a chain of length-prefixed packets
// that ends exactly at the end of the payload, with every packet a
// plausible Opus size. Silence in raw PCM yields zero lengths and fails.
func isFramedOpus(data []byte) bool {
	if len(data) < frameHeaderSize+1 {
		return false
	}
	for len(data) > 0 {
		if len(data) < frameHeaderSize {
			return false
		}
		n := int(binary.BigEndian.Uint16(data))
		if n == 0 || n > maxPacketSize || len(data)-frameHeaderSize < n {
			return false
		}
		// A code 3 packet carries a frame count byte after the TOC.
		if data[frameHeaderSize]&0x03 == 3 && n < 2 {
			return false
		}
		data = data[frameHeaderSize+n:]
	}
	return true
}
