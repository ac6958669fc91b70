package playback

import (
	"errors"

	"github.com/teslashibe/go-voicecall/pkg/codec"
)

// Sentinel errors for the playback package.
var (
	// ErrNoDecoder indicates the queue was created without a decoder.
	ErrNoDecoder = errors.New("playback: decoder is required")

	// ErrNoPlayer indicates the queue was created without a player.
	ErrNoPlayer = errors.New("playback: player is required")
)

// IsDecodeError returns true if a chunk was dropped because it could not
// be decoded.
func IsDecodeError(err error) bool {
	var de *codec.DecodeError
	return errors.As(err, &de)
}
