package frame

import (
	"sync/atomic"
	"testing"

	"github.com/coreflux/tcpgate/internal/gwbuf"
)

type fakePeer struct{}

func (fakePeer) SessionID() string { return "s1" }
func (fakePeer) TraceID() string   { return "t1" }

type countingSink struct {
	frames, errs int64
}

func (s *countingSink) IncFrames()                  { atomic.AddInt64(&s.frames, 1) }
func (s *countingSink) IncErrors()                  { atomic.AddInt64(&s.errs, 1) }
func (s *countingSink) ObserveLatencyMs(ms float64) {}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := []byte("hello router")
	wire, err := Encode(2, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.MsgType != 2 || string(f.Body) != string(body) {
		t.Fatalf("round trip mismatch: %+v", f)
	}
}

func TestOnBytesHandlesSplitFrames(t *testing.T) {
	var got []Frame
	sink := &countingSink{}
	codec := NewCodec(sink, func(p Peer, msgType uint16, body []byte) error {
		cp := make([]byte, len(body))
		copy(cp, body)
		got = append(got, Frame{MsgType: msgType, Body: cp})
		return nil
	})

	wire, _ := Encode(2, []byte("hello router"))
	buf := gwbuf.NewBuffer(4)

	// Deliver byte-by-byte to prove incremental parsing handles any split.
	for _, b := range wire {
		buf.Write([]byte{b})
		codec.OnBytes(fakePeer{}, buf)
	}

	if len(got) != 1 || got[0].MsgType != 2 || string(got[0].Body) != "hello router" {
		t.Fatalf("unexpected frames: %+v", got)
	}
	if sink.frames != 1 {
		t.Fatalf("frames counter = %d, want 1", sink.frames)
	}
}

func TestOnBytesTwoConcatenatedFrames(t *testing.T) {
	var got []Frame
	sink := &countingSink{}
	codec := NewCodec(sink, func(p Peer, msgType uint16, body []byte) error {
		got = append(got, Frame{MsgType: msgType, Body: append([]byte(nil), body...)})
		return nil
	})

	one, _ := Encode(2, []byte("a"))
	two, _ := Encode(2, []byte("b"))
	buf := gwbuf.NewBuffer(16)
	buf.Write(one)
	buf.Write(two)
	codec.OnBytes(fakePeer{}, buf)

	if len(got) != 2 || string(got[0].Body) != "a" || string(got[1].Body) != "b" {
		t.Fatalf("expected two ordered frames, got %+v", got)
	}
}

func TestOnBytesCorruptLengthDiscardsBufferedBytes(t *testing.T) {
	sink := &countingSink{}
	codec := NewCodec(sink, func(p Peer, msgType uint16, body []byte) error {
		t.Fatalf("callback should not run for a corrupt frame")
		return nil
	})

	buf := gwbuf.NewBuffer(16)
	// len = 1 (invalid, must be >= 2), followed by one arbitrary byte.
	buf.Write([]byte{0, 0, 0, 1, 0xAB})
	codec.OnBytes(fakePeer{}, buf)

	if sink.errs != 1 {
		t.Fatalf("errs = %d, want 1", sink.errs)
	}
	if buf.ReadableLen() != 0 {
		t.Fatalf("expected buffered bytes to be discarded, got %d remaining", buf.ReadableLen())
	}
}

func TestOnBytesRecoversFromCallbackPanic(t *testing.T) {
	sink := &countingSink{}
	codec := NewCodec(sink, func(p Peer, msgType uint16, body []byte) error {
		panic("boom")
	})

	wire, _ := Encode(5, []byte("x"))
	buf := gwbuf.NewBuffer(16)
	buf.Write(wire)
	codec.OnBytes(fakePeer{}, buf)

	if sink.errs != 1 {
		t.Fatalf("errs = %d, want 1", sink.errs)
	}
}
