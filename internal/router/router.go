// Package router dispatches decoded frames through an ordered middleware
// chain to a registered handler, per spec.md §4.3. Grounded on the
// teacher's highlevel route-group API (examples/highlevel/route_groups)
// for the group-builder shape, generalised from HTTP-style path routing to
// flat 16-bit msgType registration.
package router

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/coreflux/tcpgate/internal/gwlog"
)

// Format is the payload shape a handler expects its body decoded into.
type Format int

const (
	// Raw handlers receive the frame body as an opaque byte slice.
	Raw Format = iota
	// JSON handlers receive the frame body parsed as JSON into a value
	// produced by their factory.
	JSON
	// Proto handlers receive the frame body deserialised into a message
	// built by their factory. The gateway treats this identically to JSON
	// decoding (no protobuf runtime is wired) but keeps the distinct
	// enum value so callers can select a different Unmarshaler.
	Proto
)

// Context is the mutable per-dispatch state threaded through the
// middleware chain, per spec.md §4.3.
type Context struct {
	Conn    Peer
	MsgType uint16
	Body    []byte
	TraceID string

	// Decoded holds the JSON/Proto-decoded value once the router's own
	// JSON/Proto dispatch step has populated it.
	Decoded any
}

// Peer is the minimal connection surface the router needs; internal/conn's
// *Connection satisfies it structurally.
type Peer interface {
	SessionID() string
	TraceID() string
	SetTraceID(string)
}

// Handler processes a fully-decoded frame.
type Handler func(ctx *Context) error

// Next continues the middleware chain.
type Next func(ctx *Context) error

// Middleware wraps a Next continuation. Returning without calling next
// drops the message.
type Middleware func(ctx *Context, next Next) error

// Unmarshaler decodes a frame body into a fresh value, used by JSON/Proto
// handler entries. json.Unmarshal satisfies this signature directly.
type Unmarshaler func(data []byte, v any) error

// Sink receives dispatch outcome counters.
type Sink interface {
	IncErrors()
}

type handlerEntry struct {
	format  Format
	handler Handler
	factory func() any
	decode  Unmarshaler
}

// Router holds the msgType -> handler table and the ordered middleware
// chain. Per spec.md §5, the table and middleware list are built at
// startup and are read-only once serving begins; registration takes the
// mutex below for writing, and Dispatch holds its read lock only long
// enough to look up the entry and snapshot the middleware list.
type Router struct {
	mu         sync.RWMutex
	handlers   map[uint16]handlerEntry
	middleware []Middleware
	def        Handler

	log  gwlog.Logger
	sink Sink
}

// New builds an empty router.
func New(log gwlog.Logger, sink Sink) *Router {
	if log == nil {
		log = gwlog.DiscardLogger
	}
	return &Router{
		handlers: make(map[uint16]handlerEntry),
		log:      log,
		sink:     sink,
	}
}

// Use appends middleware to the chain, in registration order.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// HandleRaw registers a handler that receives the body as an opaque slice.
func (r *Router) HandleRaw(msgType uint16, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handlerEntry{format: Raw, handler: h}
}

// HandleJSON registers a handler whose body is JSON-decoded into a value
// produced by factory before the handler runs. On decode failure the
// frame is logged and dropped without invoking the handler.
func (r *Router) HandleJSON(msgType uint16, factory func() any, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handlerEntry{format: JSON, handler: h, factory: factory, decode: json.Unmarshal}
}

// HandleProto registers a handler whose body is decoded via decode into a
// value produced by factory. decode is pluggable so a real protobuf
// Unmarshaler can be substituted without changing the router.
func (r *Router) HandleProto(msgType uint16, factory func() any, decode Unmarshaler, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handlerEntry{format: Proto, handler: h, factory: factory, decode: decode}
}

// Default registers the fallback handler invoked when no entry matches
// the frame's msgType.
func (r *Router) Default(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = h
}

// Group returns a builder that prefixes every registration with a shared
// middleware sub-chain, supplementing spec.md's flat registration model
// with the route-group convenience the original exposes.
func (r *Router) Group(mws ...Middleware) *RouteGroup {
	return &RouteGroup{router: r, middleware: mws}
}

// RouteGroup batches a set of msgType registrations under a common
// middleware sub-chain, run after the router's global middleware and
// immediately before the handler.
type RouteGroup struct {
	router     *Router
	middleware []Middleware
}

// HandleRaw registers h, wrapping it so the group's middleware runs first.
func (g *RouteGroup) HandleRaw(msgType uint16, h Handler) {
	g.router.HandleRaw(msgType, g.wrap(h))
}

// HandleJSON registers h, wrapping it so the group's middleware runs first.
func (g *RouteGroup) HandleJSON(msgType uint16, factory func() any, h Handler) {
	g.router.HandleJSON(msgType, factory, g.wrap(h))
}

func (g *RouteGroup) wrap(h Handler) Handler {
	chain := h
	for i := len(g.middleware) - 1; i >= 0; i-- {
		mw := g.middleware[i]
		next := Next(chain)
		chain = func(ctx *Context) error {
			return mw(ctx, next)
		}
	}
	return chain
}

// Dispatch runs the global middleware chain and then the matched (or
// default) handler; for JSON/Proto entries the body is decoded at the end
// of the chain, just before the handler runs. Panics from
// middleware or handlers are recovered, logged, and counted as errors, per
// spec.md §4.3's "exceptions... counted as totalErrors".
func (r *Router) Dispatch(p Peer, msgType uint16, body []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in dispatch", zap.Any("recover", rec), zap.Uint16("msg_type", msgType))
			if r.sink != nil {
				r.sink.IncErrors()
			}
			err = errPanic
		}
	}()

	r.mu.RLock()
	entry, ok := r.handlers[msgType]
	mws := r.middleware
	def := r.def
	r.mu.RUnlock()

	ctx := &Context{Conn: p, MsgType: msgType, Body: body, TraceID: p.TraceID()}

	var handler Handler
	switch {
	case ok:
		handler = r.decodeThenHandle(entry)
	case def != nil:
		handler = def
	default:
		r.log.Warn("no handler for msgType, dropping", zap.Uint16("msg_type", msgType))
		return nil
	}

	chain := handler
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := Next(chain)
		chain = func(ctx *Context) error {
			return mw(ctx, next)
		}
	}

	if err := chain(ctx); err != nil {
		r.log.Error("handler error", zap.Error(err), zap.String("trace_id", ctx.TraceID))
		if r.sink != nil {
			r.sink.IncErrors()
		}
		return err
	}
	return nil
}

func (r *Router) decodeThenHandle(entry handlerEntry) Handler {
	if entry.format == Raw {
		return entry.handler
	}
	return func(ctx *Context) error {
		v := entry.factory()
		if err := entry.decode(ctx.Body, v); err != nil {
			r.log.Warn("body decode failed, dropping frame",
				zap.Uint16("msg_type", ctx.MsgType), zap.Error(err))
			return nil
		}
		ctx.Decoded = v
		return entry.handler(ctx)
	}
}

type panicError struct{}

func (panicError) Error() string { return "router: recovered panic during dispatch" }

var errPanic = panicError{}
