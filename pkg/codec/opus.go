// Package codec converts between PCM audio and the compressed formats that
// cross the call transport: framed Opus for user utterances, and PCM, WAV,
// MP3 or framed Opus for synthesized speech.
package codec

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-voicecall/pkg/audioio"
	"gopkg.in/hraban/opus.v2"
)

// maxPacketSize bounds a single encoded Opus packet.
const maxPacketSize = 4000

// maxFrameSamples is 120ms at 48kHz, the largest Opus frame.
const maxFrameSamples = 5760

// ValidOpusRate reports whether libopus accepts the sample rate.
func ValidOpusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// validFrameDuration reports whether d is an Opus frame duration.
func validFrameDuration(d time.Duration) bool {
	switch d {
	case 2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond,
		20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
		return true
	}
	return false
}

// OpusEncoder turns a PCM stream into length-prefixed Opus packets.
// Input of any size is buffered until a full frame is available.
type OpusEncoder struct {
	enc        *opus.Encoder
	sampleRate int
	channels   int
	frameSize  int // samples per frame, all channels
	pending    []int16
	packet     []byte
}

// NewOpusEncoder creates a VoIP-tuned encoder. bitrate <= 0 keeps the
// libopus default.
func NewOpusEncoder(sampleRate, channels int, frame time.Duration, bitrate int) (*OpusEncoder, error) {
	if !ValidOpusRate(sampleRate) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRate, sampleRate)
	}
	if !validFrameDuration(frame) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrameDuration, frame)
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		if err := enc.SetBitrate(bitrate); err != nil {
			return nil, fmt.Errorf("codec: set opus bitrate: %w", err)
		}
	}

	frameSize := int(frame.Seconds()*float64(sampleRate)) * channels
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
		packet:     make([]byte, maxPacketSize),
	}, nil
}

// Encode buffers chunk and returns the framed packets for every complete
// frame. The chunk is conformed to the encoder format first.
func (e *OpusEncoder) Encode(chunk audioio.AudioChunk) ([]byte, error) {
	if chunk.SampleRate != e.sampleRate || chunk.Channels != e.channels {
		chunk = audioio.Conform(chunk, e.sampleRate, e.channels)
	}
	e.pending = append(e.pending, chunk.Samples...)

	var out []byte
	for len(e.pending) >= e.frameSize {
		var err error
		out, err = e.encodeFrame(out, e.pending[:e.frameSize])
		if err != nil {
			return out, err
		}
		e.pending = e.pending[e.frameSize:]
	}
	return out, nil
}

// Flush zero-pads and encodes any partial frame.
func (e *OpusEncoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame := make([]int16, e.frameSize)
	copy(frame, e.pending)
	e.pending = e.pending[:0]
	return e.encodeFrame(nil, frame)
}

// Reset drops buffered samples.
func (e *OpusEncoder) Reset() {
	e.pending = e.pending[:0]
}

func (e *OpusEncoder) encodeFrame(dst []byte, pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.packet)
	if err != nil {
		return dst, fmt.Errorf("codec: opus encode: %w", err)
	}
	return AppendFrame(dst, e.packet[:n])
}

// OpusDecoder decodes length-prefixed Opus payloads.
type OpusDecoder struct {
	dec        *opus.Decoder
	sampleRate int
	channels   int
	pcm        []int16
}

// NewOpusDecoder creates a decoder producing PCM at sampleRate.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	if !ValidOpusRate(sampleRate) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRate, sampleRate)
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		pcm:        make([]int16, maxFrameSamples*channels),
	}, nil
}

// Decode implements playback.Decoder.
func (d *OpusDecoder) Decode(data []byte) (audioio.AudioChunk, error) {
	if len(data) == 0 {
		return audioio.AudioChunk{}, decodeErr("opus", ErrEmpty)
	}
	packets, err := SplitFrames(data)
	if err != nil {
		return audioio.AudioChunk{}, decodeErr("opus", err)
	}

	var samples []int16
	for _, p := range packets {
		n, err := d.dec.Decode(p, d.pcm)
		if err != nil {
			return audioio.AudioChunk{}, decodeErr("opus", err)
		}
		samples = append(samples, d.pcm[:n*d.channels]...)
	}

	return audioio.AudioChunk{
		Samples:    samples,
		SampleRate: d.sampleRate,
		Channels:   d.channels,
	}, nil
}

// Name returns "opus".
func (d *OpusDecoder) Name() string { return "opus" }
