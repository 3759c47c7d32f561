// Package codec implements the binary framing used on the loopback WebSocket
// between the in-meeting capture payload and the bot session. One connection
// multiplexes JSON signaling, raw media frames, per-participant audio and
// opaque encoded chunks; every frame starts with a 4-byte little-endian
// message-type tag.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type tags a transport frame. Values are part of the wire contract shared
// with the capture payload.
type Type uint32

const (
	TypeJSON                Type = 1
	TypeVideo               Type = 2
	TypeAudio               Type = 3
	TypeEncodedChunk        Type = 4
	TypePerParticipantAudio Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeEncodedChunk:
		return "encoded_chunk"
	case TypePerParticipantAudio:
		return "per_participant_audio"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownType marks a frame with an unrecognized type tag. Decoding
	// errors are non-fatal: callers log, drop the frame and keep reading.
	ErrUnknownType = errors.New("unknown message type")
	// ErrShortFrame marks a frame too short for its declared layout.
	ErrShortFrame = errors.New("short frame")
)

const tagSize = 4

// Message is one decoded transport frame.
type Message interface {
	// MessageType returns the frame's wire tag.
	MessageType() Type
	// Encode serializes the frame, tag included. Encoding and decoding are
	// symmetric: Decode(Encode(m)) yields an identical message.
	Encode() []byte
}

// JSONMessage carries a UTF-8 JSON control or signaling payload.
type JSONMessage struct {
	Data []byte
}

func (m *JSONMessage) MessageType() Type { return TypeJSON }

func (m *JSONMessage) Encode() []byte {
	buf := make([]byte, tagSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(TypeJSON))
	copy(buf[tagSize:], m.Data)
	return buf
}

// VideoFrame carries one raw I420 frame for a single stream.
type VideoFrame struct {
	TimestampUs int64
	StreamID    string // transient platform media-stream identifier
	Width       int32
	Height      int32
	Data        []byte // raw I420 bytes
}

func (m *VideoFrame) MessageType() Type { return TypeVideo }

func (m *VideoFrame) Encode() []byte {
	buf := make([]byte, 0, tagSize+8+4+len(m.StreamID)+4+4+len(m.Data))
	buf = appendUint32(buf, uint32(TypeVideo))
	buf = appendInt64(buf, m.TimestampUs)
	buf = appendString(buf, m.StreamID)
	buf = appendUint32(buf, uint32(m.Width))
	buf = appendUint32(buf, uint32(m.Height))
	return append(buf, m.Data...)
}

// AudioFrame carries mixed meeting audio: PCM16, little-endian, mono.
type AudioFrame struct {
	TimestampUs int64
	Data        []byte
}

func (m *AudioFrame) MessageType() Type { return TypeAudio }

func (m *AudioFrame) Encode() []byte {
	buf := make([]byte, 0, tagSize+8+len(m.Data))
	buf = appendUint32(buf, uint32(TypeAudio))
	buf = appendInt64(buf, m.TimestampUs)
	return append(buf, m.Data...)
}

// EncodedChunk carries opaque encoded media container bytes produced by the
// capture payload, e.g. for segment-based recording.
type EncodedChunk struct {
	Data []byte
}

func (m *EncodedChunk) MessageType() Type { return TypeEncodedChunk }

func (m *EncodedChunk) Encode() []byte {
	buf := make([]byte, tagSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(TypeEncodedChunk))
	copy(buf[tagSize:], m.Data)
	return buf
}

// ParticipantAudioFrame carries PCM16 mono audio isolated to one participant.
type ParticipantAudioFrame struct {
	ParticipantID string
	TimestampUs   int64
	Data          []byte
}

func (m *ParticipantAudioFrame) MessageType() Type { return TypePerParticipantAudio }

func (m *ParticipantAudioFrame) Encode() []byte {
	buf := make([]byte, 0, tagSize+4+len(m.ParticipantID)+8+len(m.Data))
	buf = appendUint32(buf, uint32(TypePerParticipantAudio))
	buf = appendString(buf, m.ParticipantID)
	buf = appendInt64(buf, m.TimestampUs)
	return append(buf, m.Data...)
}

// Decode parses one complete transport frame (one WebSocket binary message).
// An unrecognized tag returns ErrUnknownType; the connection stays usable.
func Decode(frame []byte) (Message, error) {
	if len(frame) < tagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	tag := Type(binary.LittleEndian.Uint32(frame[0:4]))
	body := frame[tagSize:]

	switch tag {
	case TypeJSON:
		return &JSONMessage{Data: body}, nil

	case TypeVideo:
		r := reader{buf: body}
		ts := r.int64()
		streamID := r.string()
		width := r.uint32()
		height := r.uint32()
		if r.err != nil {
			return nil, fmt.Errorf("video frame: %w", r.err)
		}
		return &VideoFrame{
			TimestampUs: ts,
			StreamID:    streamID,
			Width:       int32(width),
			Height:      int32(height),
			Data:        r.rest(),
		}, nil

	case TypeAudio:
		r := reader{buf: body}
		ts := r.int64()
		if r.err != nil {
			return nil, fmt.Errorf("audio frame: %w", r.err)
		}
		return &AudioFrame{TimestampUs: ts, Data: r.rest()}, nil

	case TypeEncodedChunk:
		return &EncodedChunk{Data: body}, nil

	case TypePerParticipantAudio:
		r := reader{buf: body}
		participantID := r.string()
		ts := r.int64()
		if r.err != nil {
			return nil, fmt.Errorf("per-participant audio frame: %w", r.err)
		}
		return &ParticipantAudioFrame{
			ParticipantID: participantID,
			TimestampUs:   ts,
			Data:          r.rest(),
		}, nil

	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownType, uint32(tag))
	}
}

func appendUint32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

func appendInt64(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

// appendString writes a uint32 length prefix followed by UTF-8 bytes.
func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// reader walks a frame body, latching the first error.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.err = ErrShortFrame
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) int64() int64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.err = ErrShortFrame
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return int64(v)
}

func (r *reader) string() string {
	n := r.uint32()
	if r.err != nil {
		return ""
	}
	if n > math.MaxInt32 || r.off+int(n) > len(r.buf) {
		r.err = ErrShortFrame
		return ""
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.buf[r.off:]
}
