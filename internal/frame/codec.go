package frame

import (
	"encoding/binary"
	"time"

	"github.com/coreflux/tcpgate/internal/gwbuf"
)

// Peer is the minimal identity a codec needs from a connection to label
// errors and metrics; kept minimal here so this package never imports the
// connection package (which itself imports frame).
type Peer interface {
	SessionID() string
	TraceID() string
}

// Sink receives frame/latency/error observations. The gateway's metrics
// registry implements this; tests may supply a no-op or counting fake.
type Sink interface {
	IncFrames()
	IncErrors()
	ObserveLatencyMs(ms float64)
}

// Callback is invoked once per fully parsed frame. A panic or error
// recovered from Callback is counted as a protocol error and does not stop
// parsing of subsequent buffered frames.
type Callback func(p Peer, msgType uint16, body []byte) error

// Codec incrementally parses frames out of per-connection buffers. It is
// stateless and safe to share across all connections: all mutable state
// lives in the gwbuf.Buffer passed to OnBytes.
type Codec struct {
	sink     Sink
	callback Callback
}

// NewCodec builds a Codec that reports to sink and dispatches frames to cb.
func NewCodec(sink Sink, cb Callback) *Codec {
	return &Codec{sink: sink, callback: cb}
}

// OnBytes drains as many complete frames as buf currently holds, invoking
// the callback for each. Partial frames remain buffered for the next call.
// A corrupt length (< 2, or a body longer than maxBodyLen) discards all
// buffered bytes and counts one error; it does not close the connection —
// the caller decides whether repeated corruption warrants that.
func (c *Codec) OnBytes(p Peer, buf *gwbuf.Buffer) {
	for {
		readable := buf.Readable()
		if len(readable) < 4 {
			return // the length field itself is still incomplete
		}
		length := binary.BigEndian.Uint32(readable[0:4])
		if length < 2 || length-2 > maxBodyLen {
			// Fatal frame error: discard everything currently buffered.
			buf.Consume(buf.ReadableLen())
			c.sink.IncErrors()
			return
		}
		bodyLen := int(length) - 2
		total := headerLen + bodyLen
		if len(readable) < total {
			return // wait for more bytes
		}

		msgType := binary.BigEndian.Uint16(readable[4:6])
		body := readable[headerLen:total]

		start := time.Now()
		c.dispatch(p, msgType, body)
		c.sink.ObserveLatencyMs(float64(time.Since(start)) / float64(time.Millisecond))

		buf.Consume(total)
	}
}

// dispatch invokes the callback, converting a panic into a counted error so
// that one misbehaving handler never kills the connection's read loop.
func (c *Codec) dispatch(p Peer, msgType uint16, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.sink.IncErrors()
		}
	}()
	if err := c.callback(p, msgType, body); err != nil {
		c.sink.IncErrors()
		return
	}
	c.sink.IncFrames()
}
