// Package gwbuf implements a growable byte buffer with read/write cursors
// and a two-tier pooled allocator (sharded local free lists plus a bounded
// global free list), grounded on the teacher's core/buffer/bufferpool.go
// slab-pool scheme but simplified: this gateway pools whole connection
// read buffers rather than NUMA-classed slabs.
package gwbuf
