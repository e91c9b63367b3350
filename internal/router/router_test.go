package router

import (
	"errors"
	"testing"
)

type fakePeer struct {
	sessionID string
	traceID   string
}

func (p *fakePeer) SessionID() string    { return p.sessionID }
func (p *fakePeer) TraceID() string      { return p.traceID }
func (p *fakePeer) SetTraceID(id string) { p.traceID = id }

type countingSink struct{ errs int }

func (s *countingSink) IncErrors() { s.errs++ }

func TestDispatchInvokesRawHandler(t *testing.T) {
	r := New(nil, nil)
	var got []byte
	r.HandleRaw(1, func(ctx *Context) error {
		got = ctx.Body
		return nil
	})

	err := r.Dispatch(&fakePeer{traceID: "t1"}, 1, []byte("hello"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestDispatchFallsBackToDefaultHandler(t *testing.T) {
	r := New(nil, nil)
	invoked := false
	r.Default(func(ctx *Context) error {
		invoked = true
		return nil
	})

	if err := r.Dispatch(&fakePeer{}, 99, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !invoked {
		t.Fatal("expected default handler to run")
	}
}

func TestDispatchDropsUnknownMsgTypeWithoutDefault(t *testing.T) {
	r := New(nil, nil)
	if err := r.Dispatch(&fakePeer{}, 42, nil); err != nil {
		t.Fatalf("Dispatch on unknown type with no default should not error: %v", err)
	}
}

func TestMiddlewareRunsInRegistrationOrder(t *testing.T) {
	r := New(nil, nil)
	var order []string
	r.Use(func(ctx *Context, next Next) error {
		order = append(order, "first")
		return next(ctx)
	})
	r.Use(func(ctx *Context, next Next) error {
		order = append(order, "second")
		return next(ctx)
	})
	r.HandleRaw(1, func(ctx *Context) error {
		order = append(order, "handler")
		return nil
	})

	if err := r.Dispatch(&fakePeer{}, 1, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"first", "second", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMiddlewareCanShortCircuit(t *testing.T) {
	r := New(nil, nil)
	handlerRan := false
	r.Use(func(ctx *Context, next Next) error {
		return nil // does not call next: drops the message
	})
	r.HandleRaw(1, func(ctx *Context) error {
		handlerRan = true
		return nil
	})

	if err := r.Dispatch(&fakePeer{}, 1, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handlerRan {
		t.Fatal("handler should not run when middleware skips next()")
	}
}

func TestDispatchJSONDecodeFailureDropsWithoutInvokingHandler(t *testing.T) {
	r := New(nil, nil)
	handlerRan := false
	type payload struct{ Name string }
	r.HandleJSON(1, func() any { return &payload{} }, func(ctx *Context) error {
		handlerRan = true
		return nil
	})

	if err := r.Dispatch(&fakePeer{}, 1, []byte("not json")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if handlerRan {
		t.Fatal("handler should not run on decode failure")
	}
}

func TestDispatchJSONDecodeSuccessPopulatesContext(t *testing.T) {
	r := New(nil, nil)
	type payload struct{ Name string }
	var gotName string
	r.HandleJSON(1, func() any { return &payload{} }, func(ctx *Context) error {
		gotName = ctx.Decoded.(*payload).Name
		return nil
	})

	if err := r.Dispatch(&fakePeer{}, 1, []byte(`{"Name":"alice"}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotName != "alice" {
		t.Fatalf("gotName = %q, want alice", gotName)
	}
}

func TestDispatchRecoversFromHandlerPanic(t *testing.T) {
	sink := &countingSink{}
	r := New(nil, sink)
	r.HandleRaw(1, func(ctx *Context) error {
		panic("boom")
	})

	err := r.Dispatch(&fakePeer{}, 1, nil)
	if err == nil {
		t.Fatal("expected an error after recovered panic")
	}
	if sink.errs != 1 {
		t.Fatalf("sink.errs = %d, want 1", sink.errs)
	}
}

func TestDispatchCountsHandlerErrors(t *testing.T) {
	sink := &countingSink{}
	r := New(nil, sink)
	boom := errors.New("boom")
	r.HandleRaw(1, func(ctx *Context) error { return boom })

	if err := r.Dispatch(&fakePeer{}, 1, nil); err != boom {
		t.Fatalf("Dispatch err = %v, want %v", err, boom)
	}
	if sink.errs != 1 {
		t.Fatalf("sink.errs = %d, want 1", sink.errs)
	}
}

func TestGroupMiddlewareWrapsHandler(t *testing.T) {
	r := New(nil, nil)
	var order []string
	g := r.Group(func(ctx *Context, next Next) error {
		order = append(order, "group")
		return next(ctx)
	})
	g.HandleRaw(1, func(ctx *Context) error {
		order = append(order, "handler")
		return nil
	})

	if err := r.Dispatch(&fakePeer{}, 1, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(order) != 2 || order[0] != "group" || order[1] != "handler" {
		t.Fatalf("order = %v, want [group handler]", order)
	}
}
