// Package metrics implements the gateway's metrics registry: additive
// counters and gauges backed by atomics, a fixed-bucket latency histogram,
// last-writer-wins exemplar slots, and a Prometheus text exposition
// renderer. Grounded on the teacher's control/metrics.go
// (MetricsRegistry: a mutex-guarded map[string]any with Set/GetSnapshot),
// generalized here into typed primitives because the gateway needs
// additive counters, gauges, a histogram, and exemplars rather than a
// last-write-wins map of arbitrary values. See DESIGN.md for why this
// stays hand-rolled instead of adopting github.com/prometheus/client_golang.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing unsigned 64-bit value.
type Counter struct{ v uint64 }

// Add increments the counter by delta.
func (c *Counter) Add(delta uint64) { atomic.AddUint64(&c.v, delta) }

// Inc increments the counter by one.
func (c *Counter) Inc() { atomic.AddUint64(&c.v, 1) }

// Value returns the current counter value.
func (c *Counter) Value() uint64 { return atomic.LoadUint64(&c.v) }

// Gauge is an arbitrarily increasing or decreasing signed 64-bit value.
type Gauge struct{ v int64 }

// Add adds delta (positive or negative) to the gauge.
func (g *Gauge) Add(delta int64) { atomic.AddInt64(&g.v, delta) }

// Set overwrites the gauge value.
func (g *Gauge) Set(v int64) { atomic.StoreInt64(&g.v, v) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return atomic.LoadInt64(&g.v) }

// DecrementSaturating decrements the gauge but never below zero, resolving
// spec.md's Open Question on the backpressure-active counter: an explicit
// check-and-decrement rather than an unconditional decrement mirrored by a
// compensating re-increment.
func (g *Gauge) DecrementSaturating() {
	for {
		cur := atomic.LoadInt64(&g.v)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&g.v, cur, cur-1) {
			return
		}
	}
}

// histogramBucketsMs are the upper bounds (in milliseconds) of the frame
// latency histogram exposed as server_frame_latency_ms, per spec.md §6's
// external interface (the buckets named there take precedence over the
// illustrative bucket list in §3's data model section — see DESIGN.md).
var histogramBucketsMs = []float64{1, 5, 20, 100}

// Histogram counts observations into the fixed buckets above plus a +Inf
// overflow bucket, with per-bucket atomic counters and a CAS-looped sum.
type Histogram struct {
	buckets [5]uint64 // len(histogramBucketsMs) + 1, last is +Inf
	sumBits uint64    // float64 sum, updated via CAS loop
	count   uint64
}

// Observe records one latency sample in milliseconds.
func (h *Histogram) Observe(ms float64) {
	idx := len(histogramBucketsMs)
	for i, bound := range histogramBucketsMs {
		if ms < bound {
			idx = i
			break
		}
	}
	atomic.AddUint64(&h.buckets[idx], 1)
	atomic.AddUint64(&h.count, 1)
	addFloat64(&h.sumBits, ms)
}

func addFloat64(bits *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(bits)
		newVal := float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(bits, old, float64bits(newVal)) {
			return
		}
	}
}

// Exemplar attaches a trace/session correlation to a metric sample.
// Last-writer-wins under a mutex, rendered only when non-empty.
type Exemplar struct {
	mu        sync.Mutex
	traceID   string
	sessionID string
	value     float64
	set       bool
}

// Set records the current trace/session pair as the exemplar for a metric.
func (e *Exemplar) Set(traceID, sessionID string, value float64) {
	e.mu.Lock()
	e.traceID, e.sessionID, e.value, e.set = traceID, sessionID, value, true
	e.mu.Unlock()
}

func (e *Exemplar) snapshot() (string, string, float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.traceID, e.sessionID, e.value, e.set
}

// Registry holds every named metric exposed by the gateway. Counters and
// gauges are declared explicitly (spec.md §6 names them all up front); the
// per-msg-type rejection counter is the one dynamically keyed metric,
// mirrored in a small mutex-guarded map.
type Registry struct {
	TotalFrames                  Counter
	TotalErrors                  Counter
	BytesIn                      Counter
	BytesOut                     Counter
	DroppedFrames                Counter
	BackpressureTriggeredTotal   Counter
	BackpressureDurationMs       Counter
	InflightRejectsTotal         Counter
	TokenRejectsTotal            Counter
	ConcurrentRejectsTotal       Counter
	IPRejectConnTotal            Counter
	IPRejectQPSTotal             Counter

	Connections      Gauge
	InflightFrames   Gauge
	BackpressureActive Gauge
	WorkerQueueSize  Gauge
	WorkerLiveThreads Gauge
	SendQueueMaxBytes Gauge

	FrameLatencyMs Histogram

	FramesExemplar       Exemplar
	BackpressureExemplar Exemplar

	mu             sync.Mutex
	msgRejectTotal map[uint16]*Counter
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{msgRejectTotal: make(map[uint16]*Counter)}
}

// IncFrames implements frame.Sink.
func (r *Registry) IncFrames() { r.TotalFrames.Inc() }

// IncErrors implements frame.Sink.
func (r *Registry) IncErrors() { r.TotalErrors.Inc() }

// ObserveLatencyMs implements frame.Sink.
func (r *Registry) ObserveLatencyMs(ms float64) { r.FrameLatencyMs.Observe(ms) }

// MsgRejectCounter returns (creating if necessary) the per-msgType
// rejection counter used by the message limiter.
func (r *Registry) MsgRejectCounter(msgType uint16) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.msgRejectTotal[msgType]
	if !ok {
		c = &Counter{}
		r.msgRejectTotal[msgType] = c
	}
	return c
}

// msgRejectSnapshot returns a stable, sorted snapshot for rendering.
func (r *Registry) msgRejectSnapshot() []struct {
	MsgType uint16
	Value   uint64
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]struct {
		MsgType uint16
		Value   uint64
	}, 0, len(r.msgRejectTotal))
	for k, v := range r.msgRejectTotal {
		out = append(out, struct {
			MsgType uint16
			Value   uint64
		}{k, v.Value()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MsgType < out[j].MsgType })
	return out
}

// bucketLabel renders a histogram bucket's `le` label value.
func bucketLabel(i int) string {
	if i == len(histogramBucketsMs) {
		return "+Inf"
	}
	return trimFloat(histogramBucketsMs[i])
}

func trimFloat(f float64) string {
	s := strings.TrimRight(strings.TrimRight(sprintFloat(f), "0"), ".")
	if s == "" {
		return "0"
	}
	return s
}
