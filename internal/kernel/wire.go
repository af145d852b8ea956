package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Binary channel frames carry an envelope and its raw buffers in one
// WebSocket message instead of base64-inflating the buffers into JSON.
// Layout, all integers big-endian uint32:
//
//	[part count][offset per part][json part][buffer parts...]
//
// The part count includes the json part. Each offset is the byte
// position where that part starts; parts run back to back, so part i
// ends where part i+1 begins and the last part ends at the frame end.

var (
	ErrShortFrame    = errors.New("kernel: short binary frame")
	ErrFrameParts    = errors.New("kernel: binary frame part count invalid")
	ErrFrameOffsets  = errors.New("kernel: binary frame offsets invalid")
	ErrFrameTooLarge = errors.New("kernel: binary frame too large")
)

// FrameLimits constrains binary frame decode/encode memory use.
type FrameLimits struct {
	MaxFrameBytes int
	MaxParts      int
}

func DefaultFrameLimits() FrameLimits {
	return FrameLimits{
		MaxFrameBytes: 64 * 1024 * 1024,
		MaxParts:      256,
	}
}

// EncodeFrame packs a JSON body and its buffers into one binary frame.
func EncodeFrame(body []byte, buffers [][]byte, limits FrameLimits) ([]byte, error) {
	nparts := 1 + len(buffers)
	if nparts > limits.MaxParts {
		return nil, fmt.Errorf("%w: %d parts", ErrFrameParts, nparts)
	}
	headLen := 4 * (nparts + 1)
	total := headLen + len(body)
	if total > limits.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	for _, b := range buffers {
		total += len(b)
		if total > limits.MaxFrameBytes {
			return nil, ErrFrameTooLarge
		}
	}

	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(nparts))
	off := headLen
	binary.BigEndian.PutUint32(out[4:8], uint32(off))
	copy(out[off:], body)
	off += len(body)
	for i, b := range buffers {
		binary.BigEndian.PutUint32(out[4*(i+2):4*(i+3)], uint32(off))
		copy(out[off:], b)
		off += len(b)
	}
	return out, nil
}

// DecodeFrame splits one binary frame back into the JSON body and its
// buffers. Buffer bytes are copied out of the frame.
func DecodeFrame(data []byte, limits FrameLimits) ([]byte, [][]byte, error) {
	if len(data) > limits.MaxFrameBytes {
		return nil, nil, ErrFrameTooLarge
	}
	if len(data) < 8 {
		return nil, nil, ErrShortFrame
	}
	nparts := int(binary.BigEndian.Uint32(data[0:4]))
	if nparts < 1 || nparts > limits.MaxParts {
		return nil, nil, fmt.Errorf("%w: %d parts", ErrFrameParts, nparts)
	}
	headLen := 4 * (nparts + 1)
	if len(data) < headLen {
		return nil, nil, ErrShortFrame
	}

	bounds := make([]int, nparts+1)
	for i := 0; i < nparts; i++ {
		bounds[i] = int(binary.BigEndian.Uint32(data[4*(i+1) : 4*(i+2)]))
	}
	bounds[nparts] = len(data)
	prev := headLen
	for _, b := range bounds {
		if b < prev || b > len(data) {
			return nil, nil, ErrFrameOffsets
		}
		prev = b
	}

	body := data[bounds[0]:bounds[1]]
	if nparts == 1 {
		return body, nil, nil
	}
	buffers := make([][]byte, 0, nparts-1)
	for i := 1; i < nparts; i++ {
		buffers = append(buffers, append([]byte(nil), data[bounds[i]:bounds[i+1]]...))
	}
	return body, buffers, nil
}
