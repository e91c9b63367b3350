// Package gateway wires the gateway's subsystems (buffer pool, frame
// codec, connection manager, idle reaper, admission control, worker pool,
// router, control endpoint, metrics registry) into a single running
// server, per spec.md §4.9. Grounded on the teacher's server/server.go
// facade (a Server struct owning cfg/pool/listener with Serve/Shutdown),
// generalized from the teacher's WebSocket-upgrade accept loop to a raw
// TCP accept loop gated by the IP limiter.
package gateway

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coreflux/tcpgate/internal/conn"
	"github.com/coreflux/tcpgate/internal/control"
	"github.com/coreflux/tcpgate/internal/frame"
	"github.com/coreflux/tcpgate/internal/gwbuf"
	"github.com/coreflux/tcpgate/internal/gwconfig"
	"github.com/coreflux/tcpgate/internal/gwlog"
	"github.com/coreflux/tcpgate/internal/iplimit"
	"github.com/coreflux/tcpgate/internal/metrics"
	"github.com/coreflux/tcpgate/internal/msglimit"
	"github.com/coreflux/tcpgate/internal/overload"
	"github.com/coreflux/tcpgate/internal/router"
	"github.com/coreflux/tcpgate/internal/sockopt"
	"github.com/coreflux/tcpgate/internal/workerpool"
)

// gracePeriod is spec.md §4.9's default graceful-shutdown grace timer.
const gracePeriod = 10 * time.Second

// metricsReportInterval is how often the gauges that have no natural
// event to update on (worker queue depth, live thread count, busiest
// connection's send queue) are resampled.
const metricsReportInterval = 1 * time.Second

// Gateway is the assembled server: one data-port TCP listener plus one
// control-port HTTP responder, sharing a metrics registry.
type Gateway struct {
	cfg *gwconfig.Config
	log gwlog.Logger

	metrics *metrics.Registry
	pool    *gwbuf.Pool
	router  *router.Router
	codec   *frame.Codec

	ipLimiter  *iplimit.Limiter
	msgLimiter *msglimit.Limiter
	overload   *overload.Controller
	workers    *workerpool.Pool

	manager *conn.Manager
	reaper  *conn.IdleReaper

	control *control.Server

	ln          net.Listener
	shutdown    int32
	closed      chan struct{}
	metricsStop chan struct{}
}

// New assembles a Gateway from cfg. r is the caller-populated router
// (handlers must be registered before ListenAndServe is called, per spec.md §5's
// "router tables built at startup then read-only").
func New(cfg *gwconfig.Config, r *router.Router, log gwlog.Logger) *Gateway {
	if log == nil {
		log = gwlog.DiscardLogger
	}
	reg := metrics.NewRegistry()

	g := &Gateway{
		cfg:         cfg,
		log:         log,
		metrics:     reg,
		pool:        gwbuf.NewPool(1024),
		router:      r,
		closed:      make(chan struct{}),
		metricsStop: make(chan struct{}),
	}
	g.codec = frame.NewCodec(reg, g.dispatch)

	whitelist := make(map[string]bool, len(cfg.IPLimit.Whitelist))
	for _, ip := range cfg.IPLimit.Whitelist {
		whitelist[ip] = true
	}
	g.ipLimiter = iplimit.New(iplimit.Config{
		MaxConnPerIP: cfg.IPLimit.MaxConnPerIP,
		MaxQPSPerIP:  cfg.IPLimit.MaxQPSPerIP,
		Whitelist:    whitelist,
		StateTTL:     cfg.IPLimit.StateTTL,
	}, &ipLimitSink{reg})

	msgLimits := make(map[uint16]msglimit.Limit, len(cfg.MessageLimits))
	for k, v := range cfg.MessageLimits {
		msgType, err := parseMsgType(k)
		if err != nil {
			log.Warn("ignoring unparseable message_limits key", zap.String("key", k))
			continue
		}
		msgLimits[msgType] = msglimit.Limit{Enabled: v.Enabled, MaxQPS: v.MaxQPS, MaxConcurrent: v.MaxConcurrent}
	}
	g.msgLimiter = msglimit.New(msgLimits, &msgLimitSink{reg})

	lowPri := toMsgTypeSet(cfg.Backpressure.LowPriorityMsgTypes)
	alwaysAllow := toMsgTypeSet(cfg.Backpressure.AlwaysAllowMsgTypes)
	g.overload = overload.New(overload.Config{
		MaxInflight:           cfg.Limits.MaxInflight,
		RejectLowPriority:     cfg.Backpressure.RejectLowPriority,
		LowPriorityMsgTypes:   lowPri,
		AlwaysAllowMsgTypes:   alwaysAllow,
		BackpressureThreshold: cfg.Backpressure.Threshold,
	}, reg)

	g.workers = workerpool.New(workerpool.Config{
		MaxQueueSize:  cfg.WorkerPool.MaxQueueSize,
		MinThreads:    cfg.WorkerPool.MinThreads,
		MaxThreads:    cfg.WorkerPool.MaxThreads,
		Autoscale:     cfg.WorkerPool.Autoscale,
		HighWatermark: cfg.WorkerPool.HighWatermark,
		LowWatermark:  cfg.WorkerPool.LowWatermark,
		UpThreshold:   cfg.WorkerPool.UpThreshold,
		DownThreshold: cfg.WorkerPool.DownThreshold,
	}, log)

	g.manager = conn.NewManager()
	g.reaper = conn.NewIdleReaper(g.manager, cfg.Listen.IdleTimeout)

	g.control = control.New(cfg.Control.Addr, reg, g.isReady, log)
	return g
}

// Metrics exposes the gateway's registry, e.g. for tests.
func (g *Gateway) Metrics() *metrics.Registry { return g.metrics }

// Manager exposes the connection manager, e.g. for broadcast from
// application code.
func (g *Gateway) Manager() *conn.Manager { return g.manager }

func (g *Gateway) isReady() bool {
	return atomic.LoadInt32(&g.shutdown) == 0
}

// ListenAndServe binds the data-port listener and runs the accept loop
// until Shutdown is called. The control-plane HTTP responder is started
// on its own goroutine per spec.md §4.10 ("running on its own thread").
func (g *Gateway) ListenAndServe() error {
	lc := net.ListenConfig{Control: sockopt.ControlListener}
	ln, err := lc.Listen(context.Background(), "tcp", g.cfg.Listen.Addr)
	if err != nil {
		return err
	}
	g.ln = ln
	g.reaper.Start()
	go g.reportMetricsLoop()

	go func() {
		if err := g.control.ListenAndServe(); err != nil {
			g.log.Error("control endpoint stopped", zap.Error(err))
		}
	}()

	g.log.Info("gateway listening", zap.String("addr", g.cfg.Listen.Addr))
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-g.closed:
				return nil
			default:
				g.log.Warn("accept error", zap.Error(err))
				continue
			}
		}
		g.onAccept(nc)
	}
}

func (g *Gateway) onAccept(nc net.Conn) {
	if err := sockopt.TuneAccepted(nc); err != nil {
		g.log.Warn("socket tuning failed", zap.Error(err))
	}

	ip := remoteIP(nc)
	if !g.ipLimiter.AllowConn(ip) {
		g.writeRawErrorFrame(nc)
		nc.Close()
		return
	}

	c := conn.New(nc, conn.Options{
		MaxSendBufferBytes: g.cfg.Limits.MaxSendBufferBytes,
		OnBytes:            g.onBytes,
		OnClose:            g.onConnClose,
		Metrics:            g.metrics,
		Log:                g.log,
		Pool:               g.pool,
	})
	g.manager.Add(c)
	g.metrics.Connections.Add(1)
	c.Start()
}

func (g *Gateway) onConnClose(c *conn.Connection) {
	g.manager.Remove(c)
	g.metrics.Connections.DecrementSaturating()
	g.ipLimiter.OnConnClose(c.RemoteIP())
}

func (g *Gateway) onBytes(c *conn.Connection, buf *gwbuf.Buffer) {
	g.codec.OnBytes(c, buf)
}

// dispatch is the frame.Callback invoked by the codec once a full frame
// has been parsed. It runs admission checks before scheduling the actual
// router dispatch onto the worker pool, per spec.md §4.6's "gates consult
// the limiters and backpressure state before enqueueing work".
func (g *Gateway) dispatch(p frame.Peer, msgType uint16, body []byte) error {
	c, ok := p.(*conn.Connection)
	if !ok {
		return errUnknownPeer
	}

	if !g.ipLimiter.AllowQPS(c.RemoteIP()) {
		g.sendErrorFrame(c)
		return nil
	}
	if !g.msgLimiter.Allow(msgType) {
		g.sendErrorFrame(c)
		return nil
	}
	if g.overload.ShouldShed(c, msgType, g.metrics.BackpressureActive.Value()) {
		g.msgLimiter.OnFinish(msgType)
		g.sendErrorFrame(c)
		return nil
	}
	if !g.overload.TryEnter() {
		g.msgLimiter.OnFinish(msgType)
		g.sendErrorFrame(c)
		return nil
	}

	bodyCopy := append([]byte(nil), body...)
	err := g.workers.Submit(workerpool.Normal, func() {
		defer g.overload.Leave()
		defer g.msgLimiter.OnFinish(msgType)
		if err := g.router.Dispatch(c, msgType, bodyCopy); err != nil {
			g.log.Warn("dispatch error", zap.Error(err), zap.String("trace_id", c.TraceID()))
		}
	})
	if err != nil {
		g.overload.Leave()
		g.msgLimiter.OnFinish(msgType)
		g.sendErrorFrame(c)
	}
	return nil
}

// Shutdown implements spec.md §4.9's graceful shutdown sequence: stop
// accepting, wait up to the grace period (or until inflight drains),
// close every connection, stop the worker pool and control endpoint.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&g.shutdown, 0, 1) {
		return nil
	}
	g.control.MarkNotReady()
	close(g.closed)
	close(g.metricsStop)
	if g.ln != nil {
		g.ln.Close()
	}

	grace := time.NewTimer(gracePeriod)
	defer grace.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
waitDrain:
	for {
		select {
		case <-grace.C:
			break waitDrain
		case <-poll.C:
			if g.overload.Inflight() == 0 {
				break waitDrain
			}
		case <-ctx.Done():
			break waitDrain
		}
	}

	g.manager.CloseAll()
	g.reaper.Stop()
	g.workers.Close()

	ctlCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.control.Shutdown(ctlCtx)
}

// sendErrorFrame enqueues the configured rejection error frame onto an
// admitted connection's send path, per spec.md §4.4-§4.6 and §7's "emit an
// error frame when configured" contract for every admission rejection
// kind (IP-qps, msg-token, msg-concurrency, backpressure-shed, inflight,
// queue overflow).
func (g *Gateway) sendErrorFrame(c *conn.Connection) {
	if !g.cfg.Backpressure.SendErrorFrame {
		return
	}
	encoded, err := frame.Encode(uint16(g.cfg.Backpressure.ErrorMsgType), []byte(g.cfg.Backpressure.ErrorBody))
	if err != nil {
		g.log.Warn("failed to encode error frame", zap.Error(err))
		return
	}
	c.Send(encoded)
}

// writeRawErrorFrame writes the configured error frame directly to a
// not-yet-admitted socket. Used for the IP-connection-cap rejection, which
// happens before any Connection is constructed.
func (g *Gateway) writeRawErrorFrame(nc net.Conn) {
	if !g.cfg.Backpressure.SendErrorFrame {
		return
	}
	encoded, err := frame.Encode(uint16(g.cfg.Backpressure.ErrorMsgType), []byte(g.cfg.Backpressure.ErrorBody))
	if err != nil {
		return
	}
	nc.SetWriteDeadline(time.Now().Add(time.Second))
	nc.Write(encoded)
}

// reportMetricsLoop is the metrics-report timer spec.md §4.9 requires the
// server to own: it samples worker pool depth/live thread count and the
// busiest connection's queued bytes into the registry's gauges, since
// those are only meaningful as periodic snapshots rather than
// event-driven updates.
func (g *Gateway) reportMetricsLoop() {
	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.metricsStop:
			return
		case <-ticker.C:
			g.sampleMetrics()
		}
	}
}

func (g *Gateway) sampleMetrics() {
	g.metrics.WorkerQueueSize.Set(int64(g.workers.QueueSize()))
	g.metrics.WorkerLiveThreads.Set(int64(g.workers.LiveWorkers()))

	var maxBytes int64
	g.manager.ForEach(func(c *conn.Connection) {
		if b := int64(c.SendQueueBytes()); b > maxBytes {
			maxBytes = b
		}
	})
	g.metrics.SendQueueMaxBytes.Set(maxBytes)
}

func remoteIP(nc net.Conn) string {
	if addr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return nc.RemoteAddr().String()
}

func toMsgTypeSet(vals []int) map[uint16]bool {
	out := make(map[uint16]bool, len(vals))
	for _, v := range vals {
		out[uint16(v)] = true
	}
	return out
}

var errUnknownPeer = errors.New("gateway: dispatch called with an unrecognized peer type")

type ipLimitSink struct{ reg *metrics.Registry }

func (s *ipLimitSink) IncIPRejectConn() { s.reg.IPRejectConnTotal.Inc() }
func (s *ipLimitSink) IncIPRejectQPS()  { s.reg.IPRejectQPSTotal.Inc() }

type msgLimitSink struct{ reg *metrics.Registry }

func (s *msgLimitSink) IncTokenReject(msgType uint16) {
	s.reg.TokenRejectsTotal.Inc()
	s.reg.MsgRejectCounter(msgType).Inc()
}
func (s *msgLimitSink) IncConcurrentReject(msgType uint16) {
	s.reg.ConcurrentRejectsTotal.Inc()
	s.reg.MsgRejectCounter(msgType).Inc()
}

func parseMsgType(key string) (uint16, error) {
	n, err := strconv.ParseUint(key, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}
