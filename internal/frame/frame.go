// Package frame implements the gateway's wire framing: a length-prefixed
// [len:u32][type:u16][body] envelope, incrementally parsed off a
// gwbuf.Buffer so that frames may arrive split across arbitrarily many TCP
// reads. Grounded on the teacher's protocol/frame_codec.go
// (DecodeFrameFromBytes/EncodeFrameToBytesWithMask), adapted from WebSocket
// framing to the gateway's fixed-header binary protocol.
package frame

import (
	"encoding/binary"
	"errors"
)

// headerLen is the fixed [len:u32][type:u16] header size.
const headerLen = 6

// maxBodyLen is the largest body length representable in the u32 length
// field (len = 2 + len(body)) and additionally bounded to protect against
// resource exhaustion from a malicious peer.
const maxBodyLen = 64 * 1024 * 1024 // 64 MiB, per spec.md's recommended minimum

// ErrBodyTooLarge is returned by Encode when the body would not fit the
// wire format's u32 length field or exceeds maxBodyLen.
var ErrBodyTooLarge = errors.New("frame: body exceeds maximum frame size")

// ErrCorruptLength is returned internally by Decode when the wire declares
// len < 2, which spec.md treats as a fatal framing error for the stream.
var ErrCorruptLength = errors.New("frame: length field below minimum of 2")

// Frame is one protocol unit: a numeric message type and an opaque body.
type Frame struct {
	MsgType uint16
	Body    []byte
}

// Encode serializes msgType/body into a single wire frame. The returned
// slice is freshly allocated; callers that already own a scratch buffer
// should prefer EncodeInto.
func Encode(msgType uint16, body []byte) ([]byte, error) {
	if len(body) > maxBodyLen {
		return nil, ErrBodyTooLarge
	}
	out := make([]byte, headerLen+len(body))
	writeHeader(out, msgType, len(body))
	copy(out[headerLen:], body)
	return out, nil
}

// EncodeInto appends the wire encoding of msgType/body to dst and returns
// the extended slice, growing dst as necessary.
func EncodeInto(dst []byte, msgType uint16, body []byte) ([]byte, error) {
	if len(body) > maxBodyLen {
		return dst, ErrBodyTooLarge
	}
	start := len(dst)
	dst = append(dst, make([]byte, headerLen+len(body))...)
	writeHeader(dst[start:], msgType, len(body))
	copy(dst[start+headerLen:], body)
	return dst, nil
}

func writeHeader(dst []byte, msgType uint16, bodyLen int) {
	binary.BigEndian.PutUint32(dst[0:4], uint32(2+bodyLen))
	binary.BigEndian.PutUint16(dst[4:6], msgType)
}

// Decode parses a single complete frame out of raw, which must contain
// exactly the frame's bytes (no trailing data). It exists mainly for tests
// and for callers that already know frame boundaries; the codec's
// incremental parser in codec.go is the hot path used by connections.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < headerLen {
		return Frame{}, errors.New("frame: truncated header")
	}
	length := binary.BigEndian.Uint32(raw[0:4])
	if length < 2 {
		return Frame{}, ErrCorruptLength
	}
	msgType := binary.BigEndian.Uint16(raw[4:6])
	bodyLen := int(length) - 2
	if len(raw) < headerLen+bodyLen {
		return Frame{}, errors.New("frame: truncated body")
	}
	body := make([]byte, bodyLen)
	copy(body, raw[headerLen:headerLen+bodyLen])
	return Frame{MsgType: msgType, Body: body}, nil
}
