package codec

import (
	"encoding/binary"
	"math"
)

// frameHeaderSize is the length prefix in front of every packet.
const frameHeaderSize = 2

// AppendFrame appends packet to dst with a big-endian uint16 length prefix.
func AppendFrame(dst, packet []byte) ([]byte, error) {
	if len(packet) > math.MaxUint16 {
		return dst, ErrFrameTooLarge
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(packet)))
	return append(dst, packet...), nil
}

// SplitFrames splits a length-prefixed payload back into packets.
// The returned packets alias data.
func SplitFrames(data []byte) ([][]byte, error) {
	var packets [][]byte
	for len(data) > 0 {
		if len(data) < frameHeaderSize {
			return packets, ErrTruncated
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[frameHeaderSize:]
		if len(data) < n {
			return packets, ErrTruncated
		}
		packets = append(packets, data[:n])
		data = data[n:]
	}
	return packets, nil
}
