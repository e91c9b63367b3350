package gwbuf

import "sync"

const (
	// defaultBufferCap is the capacity a freshly allocated Buffer starts
	// with; connection read loops grow it on demand via EnsureWritable.
	defaultBufferCap = 4096

	// localShards controls how many independent local free lists the pool
	// keeps; goroutines are hashed onto a shard to avoid contending on a
	// single local list, without needing a true per-goroutine slot.
	localShards = 32

	// localCap bounds each shard's free list.
	localCap = 8
)

// Pool is a two-tier buffer pool: a small, low-contention set of local
// shard free lists and a mutex-protected global free list bounded by
// maxGlobal. Get/Put never block; Put drops the buffer instead of growing
// the pool past its bound. Grounded on the teacher's pool.BufferPoolManager
// (per-key mutex-guarded map of sub-pools), collapsed here to a single
// size class since the gateway pools fixed-role connection buffers rather
// than NUMA/size-classed slabs.
type Pool struct {
	shards   [localShards]localShard
	mu       sync.Mutex
	global   []*Buffer
	maxLocal int
	maxCap   int // buffers larger than this are not returned to the pool
}

type localShard struct {
	mu   sync.Mutex
	free []*Buffer
}

// NewPool builds a Pool bounded by maxGlobal buffers in its global tier.
func NewPool(maxGlobal int) *Pool {
	if maxGlobal <= 0 {
		maxGlobal = 1024
	}
	return &Pool{
		global:   make([]*Buffer, 0, maxGlobal),
		maxLocal: localCap,
		maxCap:   1 << 20, // 1 MiB: larger buffers are freed, not pooled
	}
}

// Get returns a Buffer from the pool, or allocates a fresh one.
func (p *Pool) Get(shardHint int) *Buffer {
	sh := &p.shards[shardHint%localShards]
	sh.mu.Lock()
	if n := len(sh.free); n > 0 {
		buf := sh.free[n-1]
		sh.free = sh.free[:n-1]
		sh.mu.Unlock()
		return buf
	}
	sh.mu.Unlock()

	p.mu.Lock()
	if n := len(p.global); n > 0 {
		buf := p.global[n-1]
		p.global = p.global[:n-1]
		p.mu.Unlock()
		return buf
	}
	p.mu.Unlock()

	return NewBuffer(defaultBufferCap)
}

// Put resets and returns a Buffer to the pool. A buffer in the pool holds
// no live reference from the caller: Put must be the caller's last use of
// buf.
func (p *Pool) Put(shardHint int, buf *Buffer) {
	if buf == nil || buf.Cap() > p.maxCap {
		return
	}
	buf.Reset()

	sh := &p.shards[shardHint%localShards]
	sh.mu.Lock()
	if len(sh.free) < p.maxLocal {
		sh.free = append(sh.free, buf)
		sh.mu.Unlock()
		return
	}
	sh.mu.Unlock()

	p.mu.Lock()
	if len(p.global) < cap(p.global) {
		p.global = append(p.global, buf)
	}
	p.mu.Unlock()
}
