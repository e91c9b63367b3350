// Package conn implements the gateway's per-connection engine: the read
// loop, the coalescing write loop, per-connection send-queue backpressure,
// and the idempotent close path described in spec.md §4.2. Grounded on the
// teacher's protocol/connection.go (WSConnection: channel-driven recv/send
// loops, atomic counters, mutex-guarded handler pointer), adapted from
// WebSocket framing to the gateway's raw length-prefixed frames and from
// channel-queued frames to a byte-oriented send queue with explicit
// high/low watermarks (spec.md has no WebSocket control-frame handling to
// carry over). The send queue itself is an eapache/queue ring buffer, the
// same FIFO the worker pool (internal/workerpool) uses for its priority
// queues, rather than a hand-rolled slice.
package conn

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/coreflux/tcpgate/internal/gwbuf"
	"github.com/coreflux/tcpgate/internal/gwlog"
	"github.com/coreflux/tcpgate/internal/metrics"
	"github.com/coreflux/tcpgate/internal/session"
)

// maxCoalesce bounds how many queued send buffers are combined into a
// single scatter-gather write, per spec.md §4.2's "up to N=16 buffers".
const maxCoalesce = 16

// readChunk is the minimum writable space the read loop guarantees before
// each read, per spec.md §4.2.
const readChunk = 4096

// OnBytes is invoked from the connection's own goroutine every time new
// bytes have been appended to the read buffer; it is expected to consume
// zero or more complete frames and leave any partial frame buffered. This
// is the frame codec's OnBytes method in production wiring.
type OnBytes func(c *Connection, buf *gwbuf.Buffer)

// OnClose is invoked exactly once, after I/O teardown, with the connection
// that just closed.
type OnClose func(c *Connection)

// Connection represents one TCP peer. Per-connection state (send queue,
// pause flag, state machine) is touched from at most two goroutines (the
// read loop and the write loop) plus arbitrary callers of Send, so it is
// guarded by a single mutex; spec.md's single-strand model is approximated
// here with that mutex rather than binding the connection to one OS thread.
type Connection struct {
	netConn  net.Conn
	remoteIP string
	identity *session.Identity

	pool      *gwbuf.Pool
	poolShard int
	readBuf   *gwbuf.Buffer

	metrics *metrics.Registry
	log     gwlog.Logger

	onBytes OnBytes
	onClose OnClose

	maxSendBuf int
	high, low  int

	mu             sync.Mutex
	state          State
	sendQueue      *queue.Queue
	sendQueueBytes int
	readPaused     bool
	pausedSinceMs  int64

	closeOnce  sync.Once
	closed     chan struct{}
	writeWake  chan struct{}
	resumeWake chan struct{}
	doneRead   chan struct{}
	doneWrite  chan struct{}

	lastActiveMs int64
}

// Options configures a Connection at construction time.
type Options struct {
	MaxSendBufferBytes int // spec.md limits.maxSendBufferBytes
	OnBytes            OnBytes
	OnClose            OnClose
	Metrics            *metrics.Registry
	Log                gwlog.Logger
	Pool               *gwbuf.Pool
}

var shardCounter int64

// New wraps an accepted net.Conn. The connection is in StateAccepted until
// Start is called.
func New(nc net.Conn, opts Options) *Connection {
	maxSendBuf := opts.MaxSendBufferBytes
	if maxSendBuf <= 0 {
		maxSendBuf = 4 << 20 // 4 MiB default per spec.md §6
	}
	log := opts.Log
	if log == nil {
		log = gwlog.DiscardLogger
	}
	remoteIP := ""
	if addr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = addr.IP.String()
	} else {
		remoteIP = nc.RemoteAddr().String()
	}

	shard := int(atomic.AddInt64(&shardCounter, 1))
	var readBuf *gwbuf.Buffer
	if opts.Pool != nil {
		readBuf = opts.Pool.Get(shard)
	} else {
		readBuf = gwbuf.NewBuffer(readChunk)
	}

	c := &Connection{
		netConn:      nc,
		remoteIP:     remoteIP,
		identity:     session.New(),
		pool:         opts.Pool,
		poolShard:    shard,
		readBuf:      readBuf,
		metrics:      opts.Metrics,
		log:          log,
		onBytes:      opts.OnBytes,
		onClose:      opts.OnClose,
		maxSendBuf:   maxSendBuf,
		high:         int(float64(maxSendBuf) * 0.8),
		low:          int(float64(maxSendBuf) * 0.5),
		state:        StateAccepted,
		sendQueue:    queue.New(),
		closed:       make(chan struct{}),
		writeWake:    make(chan struct{}, 1),
		resumeWake:   make(chan struct{}, 1),
		lastActiveMs: nowMillis(),
	}
	// Pre-closed so that Close() never blocks on a loop that Start() did
	// not launch (e.g. a connection rejected by admission control).
	c.doneRead = closedChan
	c.doneWrite = closedChan
	return c
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// SessionID returns the connection's stable per-process identifier.
func (c *Connection) SessionID() string { return c.identity.SessionID() }

// TraceID returns the connection's current trace identifier.
func (c *Connection) TraceID() string { return c.identity.TraceID() }

// SetTraceID overrides the trace identifier, used by middleware.
func (c *Connection) SetTraceID(id string) { c.identity.SetTraceID(id) }

// Attachment returns the connection's request-scoped user-data slot.
func (c *Connection) Attachment() any { return c.identity.Attachment() }

// SetAttachment stores v in the connection's request-scoped user-data slot.
func (c *Connection) SetAttachment(v any) { c.identity.SetAttachment(v) }

// RemoteIP returns the peer's address cached at accept time, valid even
// after the socket has been shut down.
func (c *Connection) RemoteIP() string { return c.remoteIP }

// RemoteAddr returns the full remote network address.
func (c *Connection) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// LocalAddr returns the local network address the connection was accepted
// on.
func (c *Connection) LocalAddr() net.Addr { return c.netConn.LocalAddr() }

// LastActiveMs returns the millisecond timestamp of the connection's most
// recent successful read, used by the idle reaper.
func (c *Connection) LastActiveMs() int64 { return atomic.LoadInt64(&c.lastActiveMs) }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReadPaused reports whether the connection is currently backpressured.
func (c *Connection) IsReadPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readPaused
}

// SendQueueBytes reports the current queued-but-unwritten byte total.
func (c *Connection) SendQueueBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendQueueBytes
}

// Start launches the read and write loops. Must be called once, and only
// on a connection that has not already been closed (e.g. rejected by an
// admission check before Start).
func (c *Connection) Start() {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateReading
	c.doneRead = make(chan struct{})
	c.doneWrite = make(chan struct{})
	c.mu.Unlock()
	go c.readLoop()
	go c.writeLoop()
}

// Send enqueues raw bytes for transmission. Safe to call from any
// goroutine. Silently drops the message if the connection is closing. If
// queuing it would push sendQueueBytes over maxSendBuf (spec.md §4.2's
// per-connection overflow policy), the message is dropped, counted in
// DroppedFrames and logged as a warning.
func (c *Connection) Send(data []byte) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.sendQueueBytes+len(data) > c.maxSendBuf {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.DroppedFrames.Inc()
		}
		c.log.Warn("send buffer overflow, dropping message",
			zap.String("trace_id", c.TraceID()), zap.Int("bytes", len(data)))
		return
	}

	c.sendQueue.Add(data)
	c.sendQueueBytes += len(data)

	entering := !c.readPaused && c.sendQueueBytes > c.high
	if entering {
		c.readPaused = true
		c.pausedSinceMs = nowMillis()
	}
	c.mu.Unlock()

	if entering {
		if c.metrics != nil {
			c.metrics.BackpressureActive.Add(1)
			c.metrics.BackpressureTriggeredTotal.Inc()
			c.metrics.BackpressureExemplar.Set(c.TraceID(), c.SessionID(), float64(c.sendQueueBytes))
		}
	}

	select {
	case c.writeWake <- struct{}{}:
	default:
	}
}

// Close is idempotent: cancels the pause wait, shuts the socket down both
// ways, drops queued sends, clears the read buffer and attachment, and
// invokes OnClose exactly once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		c.mu.Unlock()

		close(c.closed)
		err = c.netConn.Close()

		<-c.doneRead
		<-c.doneWrite

		c.mu.Lock()
		wasPaused := c.readPaused
		pausedSince := c.pausedSinceMs
		c.readPaused = false
		c.sendQueue = queue.New()
		c.sendQueueBytes = 0
		c.state = StateClosed
		c.mu.Unlock()

		if wasPaused && c.metrics != nil {
			c.metrics.BackpressureActive.DecrementSaturating()
			c.metrics.BackpressureDurationMs.Add(uint64(nowMillis() - pausedSince))
		}

		if c.pool != nil {
			// Buffer never shared across connections: this is the last use
			// of readBuf on this connection's own goroutines, both of
			// which have already joined above.
			c.pool.Put(c.poolShard, c.readBuf)
		} else {
			c.readBuf.Reset()
		}
		c.identity.Clear()

		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

func (c *Connection) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosing || c.state == StateClosed
}

// readLoop is the connection's single reader goroutine.
func (c *Connection) readLoop() {
	defer close(c.doneRead)
	for {
		if c.isClosing() {
			return
		}
		if c.IsReadPaused() {
			select {
			case <-c.resumeWake:
				continue
			case <-c.closed:
				return
			}
		}

		c.readBuf.EnsureWritable(readChunk)
		n, err := c.netConn.Read(c.readBuf.Writable())
		if err != nil {
			go c.Close()
			return
		}
		c.readBuf.Advance(n)
		atomic.StoreInt64(&c.lastActiveMs, nowMillis())
		if c.metrics != nil {
			c.metrics.BytesIn.Add(uint64(n))
		}
		if c.onBytes != nil {
			c.onBytes(c, c.readBuf)
		}
	}
}

// writeLoop is the connection's single writer goroutine. It coalesces up
// to maxCoalesce queued buffers into one net.Buffers scatter-gather write.
func (c *Connection) writeLoop() {
	defer close(c.doneWrite)
	for {
		c.mu.Lock()
		for c.sendQueue.Length() == 0 {
			if c.state == StateClosing || c.state == StateClosed {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			select {
			case <-c.writeWake:
			case <-c.closed:
			}
			c.mu.Lock()
		}
		n := c.sendQueue.Length()
		if n > maxCoalesce {
			n = maxCoalesce
		}
		batch := make(net.Buffers, n)
		for i := 0; i < n; i++ {
			batch[i] = c.sendQueue.Peek().([]byte)
			c.sendQueue.Remove()
		}
		c.mu.Unlock()

		written, err := batch.WriteTo(c.netConn)
		if err != nil {
			go c.Close()
			return
		}
		if c.metrics != nil {
			c.metrics.BytesOut.Add(uint64(written))
		}

		c.mu.Lock()
		c.sendQueueBytes -= int(written)
		resume := c.readPaused && c.sendQueueBytes <= c.low
		pausedSince := c.pausedSinceMs
		if resume {
			c.readPaused = false
		}
		c.mu.Unlock()

		if resume {
			if c.metrics != nil {
				c.metrics.BackpressureActive.DecrementSaturating()
				c.metrics.BackpressureDurationMs.Add(uint64(nowMillis() - pausedSince))
			}
			select {
			case c.resumeWake <- struct{}{}:
			default:
			}
		}
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
