// Package protocol implements the event stream's length-delimited wire format:
// a 16-byte big-endian header followed by the frame body. Command bodies may be
// zlib-compressed batches that unpack to further whole frames.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Operation codes carried in the frame header.
const (
	OpHeartbeat      uint32 = 2
	OpHeartbeatReply uint32 = 3
	OpCommand        uint32 = 5
	OpHandshake      uint32 = 7
	OpHandshakeReply uint32 = 8
)

// Body encodings carried in the header's version field.
const (
	VersionPlain      uint16 = 0
	VersionPopularity uint16 = 1
	VersionZlib       uint16 = 2
)

// HeaderLen is the fixed size of the frame header in bytes.
const HeaderLen = 16

// MaxFrameLen bounds a single frame so a corrupted length prefix cannot force
// an unbounded allocation.
const MaxFrameLen = 1 << 22

var (
	// ErrShortFrame indicates the buffer is too small to hold the declared frame.
	ErrShortFrame = errors.New("frame shorter than declared length")
	// ErrBadHeader indicates a malformed or implausible frame header.
	ErrBadHeader = errors.New("malformed frame header")
)

// Frame is one decoded unit of the event stream.
type Frame struct {
	Version  uint16
	Op       uint32
	Sequence uint32
	Body     []byte
}

// Encode serialises the frame into wire bytes.
func Encode(f Frame) []byte {
	total := HeaderLen + len(f.Body)
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint16(buf[4:6], HeaderLen)
	binary.BigEndian.PutUint16(buf[6:8], f.Version)
	binary.BigEndian.PutUint32(buf[8:12], f.Op)
	binary.BigEndian.PutUint32(buf[12:16], f.Sequence)
	copy(buf[HeaderLen:], f.Body)
	return buf
}

// Decode parses exactly one frame from the head of data and returns it with the
// number of bytes consumed.
func Decode(data []byte) (Frame, int, error) {
	if len(data) < HeaderLen {
		return Frame{}, 0, ErrShortFrame
	}
	total := binary.BigEndian.Uint32(data[0:4])
	headerLen := binary.BigEndian.Uint16(data[4:6])
	if headerLen < HeaderLen || uint32(headerLen) > total || total > MaxFrameLen {
		return Frame{}, 0, fmt.Errorf("%w: total=%d header=%d", ErrBadHeader, total, headerLen)
	}
	if uint32(len(data)) < total {
		return Frame{}, 0, ErrShortFrame
	}
	frame := Frame{
		Version:  binary.BigEndian.Uint16(data[6:8]),
		Op:       binary.BigEndian.Uint32(data[8:12]),
		Sequence: binary.BigEndian.Uint32(data[12:16]),
	}
	if total > uint32(headerLen) {
		//1.- Copy the body so the frame outlives the read buffer it came from.
		frame.Body = append([]byte(nil), data[headerLen:total]...)
	}
	return frame, int(total), nil
}

// DecodeAll parses a buffer holding one or more concatenated frames.
func DecodeAll(data []byte) ([]Frame, error) {
	var frames []Frame
	for len(data) > 0 {
		frame, consumed, err := Decode(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		data = data[consumed:]
	}
	return frames, nil
}

// Expand resolves a frame's body encoding. Zlib batches inflate and split into
// the inner frames they carry; every other encoding passes through unchanged.
func Expand(f Frame) ([]Frame, error) {
	if f.Version != VersionZlib {
		return []Frame{f}, nil
	}
	reader, err := zlib.NewReader(bytes.NewReader(f.Body))
	if err != nil {
		return nil, fmt.Errorf("open zlib batch: %w", err)
	}
	defer reader.Close()
	inflated, err := io.ReadAll(io.LimitReader(reader, MaxFrameLen))
	if err != nil {
		return nil, fmt.Errorf("inflate batch: %w", err)
	}
	return DecodeAll(inflated)
}

// CompressBatch deflates already-encoded frames into one zlib command frame.
// The server side of the protocol produces these; the session only needs them
// for tests and for the recorder's round-trip checks.
func CompressBatch(frames ...Frame) (Frame, error) {
	var raw bytes.Buffer
	for _, frame := range frames {
		raw.Write(Encode(frame))
	}
	var compressed bytes.Buffer
	writer := zlib.NewWriter(&compressed)
	if _, err := writer.Write(raw.Bytes()); err != nil {
		writer.Close()
		return Frame{}, err
	}
	if err := writer.Close(); err != nil {
		return Frame{}, err
	}
	return Frame{Version: VersionZlib, Op: OpCommand, Body: compressed.Bytes()}, nil
}

// Popularity extracts the big-endian viewer count from a popularity payload.
func Popularity(f Frame) (int32, error) {
	if f.Version != VersionPopularity || len(f.Body) < 4 {
		return 0, fmt.Errorf("%w: not a popularity payload", ErrBadHeader)
	}
	return int32(binary.BigEndian.Uint32(f.Body[:4])), nil
}
