// Package control implements the gateway's control-plane HTTP responder:
// GET-only /metrics, /healthz, /ready endpoints on a separate listener,
// per spec.md §4.10. Grounded on the teacher's control/debug.go (a small
// pprof-style HTTP debug server run on its own goroutine); net/http is
// used directly because no example repo in the pack pulls in an HTTP
// router library and this endpoint needs only three fixed routes.
package control

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coreflux/tcpgate/internal/gwlog"
)

// MetricsRenderer produces the Prometheus text exposition body.
type MetricsRenderer interface {
	Render() string
}

// ReadyFunc reports whether the gateway is currently ready to serve.
type ReadyFunc func() bool

// Server is the control-plane HTTP responder.
type Server struct {
	httpSrv  *http.Server
	log      gwlog.Logger
	shutdown int32
}

// New builds a control server bound to addr. metrics renders /metrics;
// ready is polled for /ready.
func New(addr string, metrics MetricsRenderer, ready ReadyFunc, log gwlog.Logger) *Server {
	if log == nil {
		log = gwlog.DiscardLogger
	}
	s := &Server{log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.wrapGet(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(metrics.Render()))
	}))
	mux.HandleFunc("/healthz", s.wrapGet(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/ready", s.wrapGet(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&s.shutdown) == 1 || (ready != nil && !ready()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/", s.wrapGet(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// Keep-alives are disabled below, so every request closes the
		// connection, per spec.md §4.10; this hook itself does nothing.
		ConnState: func(nc net.Conn, state http.ConnState) {},
	}
	s.httpSrv.SetKeepAlivesEnabled(false)
	return s
}

// wrapGet rejects non-GET methods with 405, per spec.md §4.10.
func (s *Server) wrapGet(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// ListenAndServe runs the control server until Shutdown is called. Returns
// nil on graceful shutdown, matching http.Server's convention.
func (s *Server) ListenAndServe() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// MarkNotReady flips /ready to 503 immediately, used during the drain
// phase of graceful shutdown before the listener is actually closed.
func (s *Server) MarkNotReady() {
	atomic.StoreInt32(&s.shutdown, 1)
}

// Shutdown stops accepting new control-plane connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("control endpoint shutting down", zap.String("addr", s.httpSrv.Addr))
	return s.httpSrv.Shutdown(ctx)
}
