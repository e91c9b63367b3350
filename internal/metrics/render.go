package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Render produces the Prometheus text exposition format for /metrics, per
// spec.md §6. Selected counters carry an optional exemplar comment line
// when their exemplar slot has been set at least once.
func (r *Registry) Render() string {
	var b strings.Builder

	writeCounter := func(name string, c *Counter) {
		fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", name, name, c.Value())
	}
	writeGauge := func(name string, g *Gauge) {
		fmt.Fprintf(&b, "# TYPE %s gauge\n%s %d\n", name, name, g.Value())
	}
	writeExemplar := func(name string, e *Exemplar) {
		traceID, sessionID, value, ok := e.snapshot()
		if !ok {
			return
		}
		fmt.Fprintf(&b, "# {trace_id=%q,session_id=%q} %v\n", traceID, sessionID, value)
	}

	writeCounter("server_total_frames", &r.TotalFrames)
	writeExemplar("server_total_frames", &r.FramesExemplar)
	writeCounter("server_total_errors", &r.TotalErrors)
	writeCounter("server_bytes_in", &r.BytesIn)
	writeCounter("server_bytes_out", &r.BytesOut)
	writeCounter("server_dropped_frames", &r.DroppedFrames)
	writeCounter("server_backpressure_triggered_total", &r.BackpressureTriggeredTotal)
	writeExemplar("server_backpressure_triggered_total", &r.BackpressureExemplar)
	writeCounter("server_backpressure_duration_ms", &r.BackpressureDurationMs)
	writeCounter("server_inflight_rejects_total", &r.InflightRejectsTotal)
	writeCounter("server_token_rejects_total", &r.TokenRejectsTotal)
	writeCounter("server_concurrent_rejects_total", &r.ConcurrentRejectsTotal)
	writeCounter("server_ip_reject_conn_total", &r.IPRejectConnTotal)
	writeCounter("server_ip_reject_qps_total", &r.IPRejectQPSTotal)

	fmt.Fprintf(&b, "# TYPE server_msg_reject_total counter\n")
	for _, entry := range r.msgRejectSnapshot() {
		fmt.Fprintf(&b, "server_msg_reject_total{msgType=\"%d\"} %d\n", entry.MsgType, entry.Value)
	}

	writeGauge("server_connections", &r.Connections)
	writeGauge("server_inflight_frames", &r.InflightFrames)
	writeGauge("server_backpressure_active", &r.BackpressureActive)
	writeGauge("server_worker_queue_size", &r.WorkerQueueSize)
	writeGauge("server_worker_live_threads", &r.WorkerLiveThreads)
	writeGauge("server_send_queue_max_bytes", &r.SendQueueMaxBytes)

	fmt.Fprintf(&b, "# TYPE server_frame_latency_ms histogram\n")
	var cumulative uint64
	for i := 0; i <= len(histogramBucketsMs); i++ {
		cumulative += fetchBucket(&r.FrameLatencyMs, i)
		fmt.Fprintf(&b, "server_frame_latency_ms_bucket{le=%q} %d\n", bucketLabel(i), cumulative)
	}
	fmt.Fprintf(&b, "server_frame_latency_ms_sum %v\n", float64frombits(atomic.LoadUint64(&r.FrameLatencyMs.sumBits)))
	fmt.Fprintf(&b, "server_frame_latency_ms_count %d\n", atomic.LoadUint64(&r.FrameLatencyMs.count))

	return b.String()
}

func fetchBucket(h *Histogram, i int) uint64 {
	return atomic.LoadUint64(&h.buckets[i])
}
