// Package workerpool implements the gateway's dispatch worker pool: three
// priority queues, an overflow policy that sheds low-priority work first,
// and an optional autoscaling supervisor, per spec.md §4.7. Grounded on
// the teacher's internal/concurrency.Executor/ThreadPool (worker
// goroutines pulling from queues, panic-recovering task execution,
// runtime.NumCPU default sizing), generalized from the teacher's
// round-robin lock-free queues to eapache/queue-backed priority FIFOs
// since the priority-with-overflow-shedding policy needs a single
// inspectable/prunable queue per level rather than sharded per-worker
// queues.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/coreflux/tcpgate/internal/gwlog"
)

// Priority is a task's scheduling class, per spec.md §4.7.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Task is a unit of dispatch work.
type Task func()

// ErrQueueFull is returned by Submit when the pool's overflow policy could
// not make room for the incoming task.
var ErrQueueFull = errors.New("workerpool: queue full")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("workerpool: closed")

// Config tunes queue capacity and worker counts.
type Config struct {
	MaxQueueSize int
	MinThreads   int
	MaxThreads   int
	// Autoscale enables the background supervisor. When false the pool
	// runs exactly MinThreads workers for its lifetime.
	Autoscale bool
	// HighWatermark/LowWatermark and Up/DownThreshold tune the
	// autoscaling supervisor's sampling, per spec.md §4.7.
	HighWatermark  int
	LowWatermark   int
	UpThreshold    int
	DownThreshold  int
}

// Pool is a bounded multi-level priority queue serviced by a resizable set
// of worker goroutines.
type Pool struct {
	cfg Config
	log gwlog.Logger

	mu      sync.Mutex
	queues  [3]*queue.Queue // indexed by Priority
	size    int
	closed  bool
	wake    chan struct{}

	liveWorkers int
	stopSignals chan struct{} // buffered; one send tells one idle worker to exit

	supervisorStop chan struct{}
	wg             sync.WaitGroup
}

// New builds a Pool and starts its initial MinThreads (or NumCPU, if unset)
// workers.
func New(cfg Config, log gwlog.Logger) *Pool {
	if cfg.MinThreads <= 0 {
		cfg.MinThreads = runtime.NumCPU()
	}
	if cfg.MaxThreads < cfg.MinThreads {
		cfg.MaxThreads = cfg.MinThreads
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	if log == nil {
		log = gwlog.DiscardLogger
	}

	p := &Pool{
		cfg:         cfg,
		log:         log,
		wake:        make(chan struct{}, 1),
		stopSignals: make(chan struct{}, cfg.MaxThreads),
	}
	for i := range p.queues {
		p.queues[i] = queue.New()
	}

	for i := 0; i < cfg.MinThreads; i++ {
		p.startWorker()
	}
	if cfg.Autoscale {
		p.supervisorStop = make(chan struct{})
		go p.superviseLoop()
	}
	return p
}

// Submit enqueues task at the given priority. When the total queue depth
// is at MaxQueueSize, the overflow policy from spec.md §4.7 applies:
// Low is rejected outright; Normal drops one Low task to make room; High
// drops one Low, else one Normal.
func (p *Pool) Submit(priority Priority, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	if p.size >= p.cfg.MaxQueueSize {
		if !p.makeRoomLocked(priority) {
			p.mu.Unlock()
			return ErrQueueFull
		}
	}

	p.queues[priority].Add(task)
	p.size++
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// makeRoomLocked implements the drop cascade. Caller must hold p.mu.
func (p *Pool) makeRoomLocked(incoming Priority) bool {
	switch incoming {
	case Low:
		return false
	case Normal:
		return p.dropOneLocked(Low)
	case High:
		if p.dropOneLocked(Low) {
			return true
		}
		return p.dropOneLocked(Normal)
	}
	return false
}

func (p *Pool) dropOneLocked(pr Priority) bool {
	q := p.queues[pr]
	if q.Length() == 0 {
		return false
	}
	q.Remove()
	p.size--
	return true
}

// QueueSize reports the current total queued task count across all
// priorities.
func (p *Pool) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// LiveWorkers reports the current worker goroutine count.
func (p *Pool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveWorkers
}

// Close stops the supervisor and every worker, waiting for them to exit.
// Queued tasks are discarded.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	n := p.liveWorkers
	p.mu.Unlock()

	if p.supervisorStop != nil {
		close(p.supervisorStop)
	}
	for i := 0; i < n; i++ {
		p.stopSignals <- struct{}{}
	}
	close(p.wake)
	p.wg.Wait()
}

func (p *Pool) startWorker() {
	p.liveWorkers++
	p.wg.Add(1)
	go p.runWorker()
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopSignals:
			p.mu.Lock()
			p.liveWorkers--
			p.mu.Unlock()
			return
		default:
		}

		task, ok := p.dequeue()
		if !ok {
			select {
			case <-p.stopSignals:
				p.mu.Lock()
				p.liveWorkers--
				p.mu.Unlock()
				return
			case _, chOpen := <-p.wake:
				if !chOpen {
					return
				}
				continue
			}
		}
		p.runTask(task)
	}
}

func (p *Pool) dequeue() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pr := High; pr >= Low; pr-- {
		q := p.queues[pr]
		if q.Length() > 0 {
			t := q.Peek().(Task)
			q.Remove()
			p.size--
			return t, true
		}
	}
	return nil, false
}

// runTask executes task, recovering from panics so a single bad handler
// cannot kill a worker goroutine.
func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("recovered panic in worker task")
		}
	}()
	task()
}

// superviseLoop samples queue depth every 500ms and grows or shrinks the
// worker count per spec.md §4.7's consecutive-sample thresholds.
func (p *Pool) superviseLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	upStreak, downStreak := 0, 0
	for {
		select {
		case <-p.supervisorStop:
			return
		case <-ticker.C:
			depth := p.QueueSize()

			if depth > p.cfg.HighWatermark {
				upStreak++
				downStreak = 0
			} else if depth <= p.cfg.LowWatermark {
				downStreak++
				upStreak = 0
			} else {
				upStreak, downStreak = 0, 0
			}

			p.mu.Lock()
			live := p.liveWorkers
			p.mu.Unlock()

			if upStreak >= p.cfg.UpThreshold && live < p.cfg.MaxThreads {
				p.mu.Lock()
				p.startWorker()
				p.mu.Unlock()
				upStreak = 0
			} else if downStreak >= p.cfg.DownThreshold && live > p.cfg.MinThreads {
				select {
				case p.stopSignals <- struct{}{}:
				default:
				}
				downStreak = 0
			}
		}
	}
}
