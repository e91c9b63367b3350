package conn

import (
	"context"
	"time"
)

// idleSweepInterval is spec.md §4.8's fixed 10-second sweep period.
const idleSweepInterval = 10 * time.Second

// IdleReaper periodically evicts connections whose last-activity timestamp
// is older than a configured threshold. Grounded on the teacher's periodic
// sweep idiom (server/scheduler.go's ticker-driven maintenance loop).
type IdleReaper struct {
	mgr        *Manager
	timeout    time.Duration
	cancel     context.CancelFunc
	stoppedCh  chan struct{}
}

// NewIdleReaper builds a reaper that evicts connections idle for longer
// than timeout, checking every 10 seconds.
func NewIdleReaper(mgr *Manager, timeout time.Duration) *IdleReaper {
	return &IdleReaper{mgr: mgr, timeout: timeout}
}

// Start launches the reaper's background sweep goroutine.
func (r *IdleReaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.stoppedCh = make(chan struct{})
	go r.loop(ctx)
}

// Stop halts the sweep goroutine and waits for it to exit.
func (r *IdleReaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.stoppedCh
}

func (r *IdleReaper) loop(ctx context.Context) {
	defer close(r.stoppedCh)
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep collects expired connections under the manager's lock (via
// ForEach's snapshot) and closes them outside of any lock.
func (r *IdleReaper) sweep() {
	now := nowMillis()
	thresholdMs := r.timeout.Milliseconds()
	r.mgr.ForEach(func(c *Connection) {
		if now-c.LastActiveMs() > thresholdMs {
			c.Close()
		}
	})
}
