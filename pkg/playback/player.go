package playback

import (
	"context"
	"time"

	"github.com/teslashibe/go-voicecall/pkg/audioio"
	"github.com/teslashibe/go-voicecall/pkg/codec"
)

// Decoder turns one inbound binary frame into PCM.
type Decoder interface {
	Decode(data []byte) (audioio.AudioChunk, error)
}

// Player renders decoded audio.
type Player interface {
	// Play blocks until chunk has been played or ctx is cancelled.
	// onLevel is called with the level of each frame as it is played.
	Play(ctx context.Context, chunk audioio.AudioChunk, onLevel func(level float64)) error

	// Stop discards anything buffered in the output immediately.
	Stop()
}

var (
	_ Decoder = (*codec.AutoDecoder)(nil)
	_ Decoder = (*codec.OpusDecoder)(nil)
	_ Decoder = codec.PCMDecoder{}
	_ Player  = (*SinkPlayer)(nil)
)

// SinkPlayer plays through an audioio.Sink, frame by frame.
type SinkPlayer struct {
	sink  audioio.Sink
	frame time.Duration
}

// NewSinkPlayer creates a player writing frames of the given duration.
func NewSinkPlayer(sink audioio.Sink, frame time.Duration) *SinkPlayer {
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	return &SinkPlayer{sink: sink, frame: frame}
}

// Play implements Player.
func (p *SinkPlayer) Play(ctx context.Context, chunk audioio.AudioChunk, onLevel func(level float64)) error {
	for _, f := range chunk.Split(p.frame) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if onLevel != nil {
			onLevel(f.Level())
		}
		if err := p.sink.Write(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Stop implements Player.
func (p *SinkPlayer) Stop() {
	_ = p.sink.Clear()
}
