package bufferpage

import (
	"sync"
	"sync/atomic"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/bufferfile"
	"github.com/kazedb/bufferengine/bufferpool"
	"github.com/kazedb/bufferengine/internal/checksum"
	"github.com/kazedb/bufferengine/internal/latch"
)

// State is the page descriptor's state-machine position (spec.md §4.3).
type State uint8

const (
	Empty State = iota
	NoRead
	Read
	Normal
	Dirty
)

func (s State) String() string {
	switch s {
	case Empty:
		return "Empty"
	case NoRead:
		return "NoRead"
	case Read:
		return "Read"
	case Normal:
		return "Normal"
	case Dirty:
		return "Dirty"
	default:
		return "Unknown"
	}
}

// Descriptor is one fixed-size page's in-memory representation: owning
// file/pool, state, latch, RW lock, backing memory, and an optional
// working copy for Discardable updates. It implements bufferpool.Resident
// so the pool can run replacement and flush without importing this
// package.
type Descriptor struct {
	latch latch.Latch   // short critical section over the fields below
	rw    sync.RWMutex   // long-held lock protecting memory contents

	id       bufcore.PageID
	pageSize int64
	pool     *bufferpool.Pool
	file     *bufferfile.File
	crcMode  checksum.Mode

	state State

	flushable     bool
	marked        bool
	deterrentable bool

	refCount int32 // pin count; protected by latch

	memory  []byte
	working []byte // non-nil while a Discardable update is pending
}

// reset reinitializes a (possibly recycled) descriptor for a new identity;
// called only from Table.Attach/takeFree, before the descriptor is
// published into the hash table.
func (d *Descriptor) reset(id bufcore.PageID, pageSize int64, pool *bufferpool.Pool, file *bufferfile.File, mode checksum.Mode) {
	d.id = id
	d.pageSize = pageSize
	d.pool = pool
	d.file = file
	d.crcMode = mode
	d.state = Empty
	d.flushable = false
	d.marked = false
	d.deterrentable = false
	d.refCount = 0
	d.memory = nil
	d.working = nil
}

// ID returns the descriptor's (path, offset) identity.
func (d *Descriptor) ID() bufcore.PageID { return d.id }

// State returns the current state-machine position.
func (d *Descriptor) State() State {
	d.latch.RLock()
	defer d.latch.RUnlock()
	return d.state
}

// RefCount returns the current pin count.
func (d *Descriptor) RefCount() int32 { return atomic.LoadInt32(&d.refCount) }

// --- bufferpool.Resident ---

func (d *Descriptor) Key() bufcore.PageID { return d.id }
func (d *Descriptor) ByteSize() int64     { return d.pageSize }

func (d *Descriptor) TryLatch() bool { return d.latch.TryLock() }
func (d *Descriptor) Latch()         { d.latch.Lock() }
func (d *Descriptor) Unlatch()       { d.latch.Unlock() }

func (d *Descriptor) Pinned() bool { return atomic.LoadInt32(&d.refCount) > 0 }
func (d *Descriptor) Dirty() bool  { return d.state == Dirty }

func (d *Descriptor) Flushable() bool   { return d.flushable }
func (d *Descriptor) ClearFlushable()   { d.flushable = false }
func (d *Descriptor) Deterrentable() bool { return d.deterrentable }
func (d *Descriptor) Marked() bool      { return d.marked }
func (d *Descriptor) SetMarked(v bool)  { d.marked = v }

// MarkEvicted transitions the descriptor to Empty and drops its claim on
// backing memory; the caller (Pool.evict/Discard) has already confirmed
// the descriptor is unpinned, not dirty, and latched.
func (d *Descriptor) MarkEvicted() {
	d.memory = nil
	d.working = nil
	d.state = Empty
}

// StampForFlush (re)computes the page's CRC per spec.md §4.3 "CRC" and
// returns the bytes ready to write.
func (d *Descriptor) StampForFlush(fileNoCRC bool) []byte {
	checksum.Stamp(d.memory, d.crcMode, fileNoCRC)
	return d.memory
}

// AfterFlush transitions Dirty -> Normal, preserving the Flushable bit per
// spec.md §4.3 "Unfix: Flush".
func (d *Descriptor) AfterFlush() {
	if d.state == Dirty {
		d.state = Normal
	}
}
