// Package bufferpool implements the buffer pool component (spec.md §4.1):
// memory accounting, LRU/dirty lists, replacement, and flush
// orchestration, for each of the four pool classes. Grounded on the
// teacher's server/innodb/buffer_pool.BufferPool (container/list-based
// flush/free lists, an RWMutex-guarded struct, atomic hit/miss counters)
// and buffer_lru.go (segmented LRU via container/list), generalized from
// one monolithic InnoDB pool into the four independently-sized pool
// classes spec.md requires, and extended with the dirty-list swap,
// coalesced flush, and ARC replacement spec.md asks for that the teacher
// never implemented.
package bufferpool

import "github.com/kazedb/bufferengine/bufcore"

// Resident is the subset of a buffer page descriptor's behavior the pool
// needs to run replacement and flush without importing bufferpage — which
// itself imports bufferpool, per the leaf-first dependency order in
// SPEC_FULL.md §2. bufferpage.Descriptor implements this interface.
type Resident interface {
	// Key identifies the page for flush ordering and filters.
	Key() bufcore.PageID
	// ByteSize is the resident memory charged against the pool's budget.
	ByteSize() int64

	// TryLatch attempts the page's short per-descriptor latch in write
	// mode, non-blocking, as eviction and flush require.
	TryLatch() bool
	// Latch blocks until the page's latch is acquired; used by
	// flush-dirty(force=true), which waits rather than skips contention.
	Latch()
	Unlatch()

	// Pinned reports refcount > 0, i.e. the page is held by at least one
	// caller; the eviction scan takes no pin of its own.
	Pinned() bool

	// Dirty/Flushable mirror the descriptor's state-machine flags.
	Dirty() bool
	Flushable() bool
	ClearFlushable()

	// Deterrentable reports whether this page's flush may be suppressed
	// by its file's deterrent count.
	Deterrentable() bool

	// Marked reports/sets the checkpoint Marked flag.
	Marked() bool
	SetMarked(bool)

	// MarkEvicted transitions the descriptor to Empty and releases its
	// claim on backing memory; called under the descriptor's latch with
	// the page confirmed unpinned and not dirty.
	MarkEvicted()

	// StampForFlush (re)computes the page's CRC and returns the bytes to
	// write, given whether the owning file opted out of the body CRC.
	StampForFlush(fileNoCRC bool) []byte

	// AfterFlush transitions Dirty -> Normal (Flushable bit preserved per
	// the caller's own bookkeeping) once a flush write has succeeded.
	AfterFlush()
}
