// Package bufcore holds the domain types shared by bufferfile, bufferpool
// and bufferpage. It exists so those three packages can reference the same
// identifiers (page ids, fix modes, pool classes) without importing each
// other, keeping the leaf-first dependency order: bufferfile and bufferpool
// never import bufferpage.
package bufcore

import (
	"fmt"
	"sync/atomic"
)

// PoolClass names one of the four pool instances that exist process-wide.
type PoolClass uint8

const (
	// Normal holds general table/index data pages.
	Normal PoolClass = iota
	// Temporary holds scratch pages for sorts, hash joins and the like.
	Temporary
	// ReadOnly holds pages that are never written back (immutable data).
	ReadOnly
	// LogicalLog holds write-ahead log pages.
	LogicalLog
)

func (c PoolClass) String() string {
	switch c {
	case Normal:
		return "Normal"
	case Temporary:
		return "Temporary"
	case ReadOnly:
		return "ReadOnly"
	case LogicalLog:
		return "LogicalLog"
	default:
		return fmt.Sprintf("PoolClass(%d)", uint8(c))
	}
}

// Accessibility tracks whether a buffer file's backing OS file exists yet.
type Accessibility uint8

const (
	// None means the file has neither a mounted nor a volatile backing.
	None Accessibility = iota
	// Volatile means creation was delayed (DelayTemporaryCreation) and no
	// OS file exists on disk yet.
	Volatile
	// Persisted means the OS file exists on disk.
	Persisted
)

// PageID identifies one fixed-size page within a mounted buffer file.
type PageID struct {
	Path   string
	Offset int64
}

func (id PageID) String() string {
	return fmt.Sprintf("%s@%d", id.Path, id.Offset)
}

// FixMode is the set of bit flags passed to Fix.
type FixMode uint8

const (
	// ReadOnlyMode acquires the page's RW lock in read mode.
	ReadOnlyMode FixMode = 1 << iota
	// WriteMode acquires the page's RW lock in write mode.
	WriteMode
	// AllocateMode means the page is being initialized from scratch; the
	// content is not read from disk.
	AllocateMode
	// Deterrentable marks the page as subject to deterrent suppression.
	Deterrentable
	// Discardable routes updates through a working copy that is dropped on
	// Unfix(None) unless Touch or Unfix(Dirty) is called first.
	Discardable
	// NoLock skips the page's RW lock entirely (caller supplies its own
	// exclusion, e.g. single-threaded recovery replay).
	NoLock
)

func (m FixMode) Has(bit FixMode) bool { return m&bit != 0 }

// TxnCounters is the opaque per-transaction counter handle Fix accepts
// (spec.md §1: "the transaction manager [is] only an opaque handle used for
// per-transaction read/reference counters"). The transaction manager itself
// lives outside this module; this type only exposes the two counters Fix is
// required to maintain.
type TxnCounters struct {
	pageReadCount      int64
	pageReferenceCount int64
}

// IncPageReadCount bumps the count of pages read from disk on this
// transaction's behalf (spec.md §4.3 Fix step c).
func (t *TxnCounters) IncPageReadCount() {
	if t != nil {
		atomic.AddInt64(&t.pageReadCount, 1)
	}
}

// IncPageReferenceCount bumps the count of pages referenced (fixed) on this
// transaction's behalf (spec.md §4.3 Fix step e).
func (t *TxnCounters) IncPageReferenceCount() {
	if t != nil {
		atomic.AddInt64(&t.pageReferenceCount, 1)
	}
}

// PageReadCount returns the current read count.
func (t *TxnCounters) PageReadCount() int64 {
	if t == nil {
		return 0
	}
	return atomic.LoadInt64(&t.pageReadCount)
}

// PageReferenceCount returns the current reference count.
func (t *TxnCounters) PageReferenceCount() int64 {
	if t == nil {
		return 0
	}
	return atomic.LoadInt64(&t.pageReferenceCount)
}

// UnfixMode selects what Unfix does to the page before releasing the pin.
type UnfixMode uint8

const (
	// UnfixNone performs no write-back; used for read-only or abandoned
	// Discardable updates.
	UnfixNone UnfixMode = iota
	// UnfixDirty marks the page dirty and appends it to the pool's dirty
	// list without writing it to disk.
	UnfixDirty
	// UnfixFlush synchronously writes the page back to disk.
	UnfixFlush
)
