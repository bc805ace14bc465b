// Package bufferpage implements the buffer page descriptor component
// (spec.md §4.3): the fix/unfix protocol, per-page latch and RW lock, CRC
// verification, read-ahead, and the Empty→NoRead→Read→Normal→Dirty state
// machine. Grounded on the teacher's server/innodb/buffer_pool.BufferPage/
// BufferBlock/BufferState split (state enum plus a block holding the
// actual bytes) and buffer_lru.go's container/list-based replacement
// linkage, adapted to drive bufferpool.Pool/bufferfile.File instead of the
// teacher's single InnoDB space manager.
package bufferpage

import (
	"encoding/binary"
	"sync"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/bufferfile"
	"github.com/kazedb/bufferengine/bufferpool"
	"github.com/kazedb/bufferengine/internal/checksum"
	"github.com/kazedb/bufferengine/util"
)

// bucket is one slot of the global page hash table.
type bucket struct {
	mu    sync.Mutex
	pages map[bufcore.PageID]*Descriptor
}

// Table is the global page hash table (spec.md §2 "looks the descriptor up
// in a global hash table"), sized by Buffer_PageTableSize, plus the bounded
// freelist of destroyed-but-recyclable descriptors (Buffer_FreePageCountMax).
type Table struct {
	buckets []bucket

	crcMode checksum.Mode

	freeMu   sync.Mutex
	free     []*Descriptor
	freeMax  int
}

// NewTable builds a page table with n buckets and a freelist capped at
// freeMax, with mode controlling CRC-32 body checksum calculation.
func NewTable(n int, freeMax int, mode checksum.Mode) *Table {
	if n < 1 {
		n = 1
	}
	t := &Table{buckets: make([]bucket, n), crcMode: mode, freeMax: freeMax}
	for i := range t.buckets {
		t.buckets[i].pages = make(map[bufcore.PageID]*Descriptor)
	}
	return t
}

// bucketFor hashes id the same way bufferfile.Table hashes paths: xxhash
// over the key bytes (here, path followed by the offset's big-endian
// encoding), not Go's built-in map hash.
func (t *Table) bucketFor(id bufcore.PageID) *bucket {
	key := make([]byte, len(id.Path)+8)
	copy(key, id.Path)
	binary.BigEndian.PutUint64(key[len(id.Path):], uint64(id.Offset))
	h := util.HashCode(key)
	return &t.buckets[h%uint64(len(t.buckets))]
}

// Attach returns the descriptor for id, creating one (possibly recycled
// from the freelist) if absent. The new descriptor starts in state Empty
// with refCount 0; the caller (Fix) is responsible for incrementing it.
func (t *Table) Attach(id bufcore.PageID, pageSize int64, pool *bufferpool.Pool, file *bufferfile.File) *Descriptor {
	b := t.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.pages[id]; ok {
		return d
	}

	d := t.takeFree()
	if d == nil {
		d = &Descriptor{}
	}
	d.reset(id, pageSize, pool, file, t.crcMode)
	b.pages[id] = d
	return d
}

// Lookup returns the descriptor for id without creating one.
func (t *Table) Lookup(id bufcore.PageID) (*Descriptor, bool) {
	b := t.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.pages[id]
	return d, ok
}

// Remove deletes id from the table, and offers the descriptor back to the
// freelist if there's room (spec.md §3 "Page descriptors ... on last
// unreference either go to a freelist ... or are destroyed").
func (t *Table) Remove(id bufcore.PageID) {
	b := t.bucketFor(id)
	b.mu.Lock()
	d, ok := b.pages[id]
	if ok {
		delete(b.pages, id)
	}
	b.mu.Unlock()
	if ok {
		t.offerFree(d)
	}
}

// DiscardFilter removes every descriptor satisfying match, used when a
// file is destroyed/unmounted/truncated (spec.md §4.2/§4.1 "discard").
func (t *Table) DiscardFilter(match func(bufcore.PageID) bool) []*Descriptor {
	var removed []*Descriptor
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for id, d := range b.pages {
			if match(id) {
				delete(b.pages, id)
				removed = append(removed, d)
			}
		}
		b.mu.Unlock()
	}
	return removed
}

func (t *Table) takeFree() *Descriptor {
	t.freeMu.Lock()
	defer t.freeMu.Unlock()
	n := len(t.free)
	if n == 0 {
		return nil
	}
	d := t.free[n-1]
	t.free = t.free[:n-1]
	return d
}

func (t *Table) offerFree(d *Descriptor) {
	t.freeMu.Lock()
	defer t.freeMu.Unlock()
	if len(t.free) >= t.freeMax {
		return
	}
	t.free = append(t.free, d)
}
