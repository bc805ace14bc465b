package bufferpage

import (
	"sort"
	"sync/atomic"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/bufferfile"
	"github.com/kazedb/bufferengine/bufferpool"
	"github.com/kazedb/bufferengine/internal/checksum"
	"github.com/kazedb/bufferengine/logger"
)

// Engine drives the fix/unfix protocol over a page Table, given a way to
// resolve a path back to its open bufferfile.File (owned by the Manager).
type Engine struct {
	table              *Table
	retryAllocationMax int
	readAheadBlockSize int64
	resolve            bufferpool.FileResolver
}

// NewEngine builds an Engine; retryMax and readAheadBlockSize come from
// config.Registry (RetryAllocationCountMax, ReadAheadBlockSize).
func NewEngine(table *Table, retryMax int, readAheadBlockSize int64, resolve bufferpool.FileResolver) *Engine {
	return &Engine{
		table:              table,
		retryAllocationMax: retryMax,
		readAheadBlockSize: readAheadBlockSize,
		resolve:            resolve,
	}
}

// Fix implements spec.md §4.3 "Fix": attach, lock, obtain memory (retrying
// on MemoryExhausted after a non-forcing dirty-page flush), read-ahead or
// allocate, verify
// CRC, pin, and return a Memory handle. txn is optional (may be nil); when
// supplied its page_read_count and page_reference_count counters are bumped
// per steps (c) and (e).
func (e *Engine) Fix(file *bufferfile.File, pool *bufferpool.Pool, offset int64, mode bufcore.FixMode, txn *bufcore.TxnCounters) (*Memory, error) {
	id := bufcore.PageID{Path: file.Path(), Offset: offset}
	d := e.table.Attach(id, file.PageSize(), pool, file)

	if !mode.Has(bufcore.NoLock) {
		if mode.Has(bufcore.ReadOnlyMode) {
			d.rw.RLock()
		} else {
			d.rw.Lock()
		}
	}

	var lastErr error
	maxAttempts := e.retryAllocationMax
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		d.Latch()

		if d.memory == nil {
			if err := pool.Replace(d.pageSize, d, false); err != nil {
				d.Unlatch()
				if bufcore.IsMemoryExhausted(err) {
					lastErr = err
					_ = pool.FlushDirty(nil, false, e.resolve)
					continue
				}
				e.releaseRW(d, mode)
				return nil, err
			}
			d.memory = make([]byte, d.pageSize)
		}

		d.deterrentable = mode.Has(bufcore.Deterrentable)

		if d.state == Empty {
			d.state = NoRead
		}

		if mode.Has(bufcore.AllocateMode) {
			if d.state == NoRead {
				d.state = Normal
			}
		} else {
			if d.state == NoRead {
				hit, err := e.readAhead(d, pool, file)
				if err != nil {
					d.state = Empty
					d.memory = nil
					pool.Free(d.pageSize)
					d.Unlatch()
					e.releaseRW(d, mode)
					return nil, err
				}
				pool.Stats().RecordPrefetch(hit)
				txn.IncPageReadCount()
			}
			if d.state == Read {
				if !checksum.Verify(d.memory) {
					d.state = Empty
					d.memory = nil
					pool.Free(d.pageSize)
					d.Unlatch()
					e.releaseRW(d, mode)
					return nil, bufcore.BadDataPage("bufferpage.Fix", file.Path(), offset, nil)
				}
				d.state = Normal
			}
		}

		atomic.AddInt32(&d.refCount, 1)
		d.Unlatch()
		txn.IncPageReferenceCount()

		return &Memory{desc: d, mode: mode, reset: mode.Has(bufcore.AllocateMode)}, nil
	}

	e.releaseRW(d, mode)
	if lastErr == nil {
		lastErr = bufcore.NewError("bufferpage.Fix", bufcore.ErrMemoryExhausted, nil)
	}
	return nil, lastErr
}

// Unfix implements spec.md §4.3 "Unfix": write-back or dirty-mark
// depending on unfixMode, then release the RW lock and drop the pin.
func (e *Engine) Unfix(mem *Memory, unfixMode bufcore.UnfixMode) error {
	d := mem.desc
	d.Latch()

	var retErr error
	switch unfixMode {
	case bufcore.UnfixNone:
		if mem.mode.Has(bufcore.Discardable) {
			d.working = nil
		}

	case bufcore.UnfixDirty:
		d.promoteWorkingLocked(mem.mode)
		d.state = Dirty
		if !d.flushable {
			d.flushable = true
			d.pool.AddDirty(d)
		}

	case bufcore.UnfixFlush:
		bufferfile.Deterrent.RLock()
		deterred := d.file.Deterred()
		bufferfile.Deterrent.RUnlock()
		if deterred && d.deterrentable {
			retErr = bufcore.NewError("bufferpage.Unfix", bufcore.ErrFlushPrevented, nil)
			break
		}
		d.promoteWorkingLocked(mem.mode)
		buf := d.StampForFlush(d.file.NoCRC())
		if err := d.file.Write(buf, d.id.Offset); err == nil {
			err = d.file.Sync()
			if err != nil {
				retErr = err
			}
		} else {
			retErr = err
		}
		if retErr == nil {
			d.AfterFlush()
		} else {
			logger.Warnf("bufferpage: flush of %s@%d failed: %v", d.id.Path, d.id.Offset, retErr)
			d.state = Dirty
			if !d.flushable {
				d.flushable = true
				d.pool.AddDirty(d)
			}
		}
	}

	d.Unlatch()
	e.releaseRW(d, mem.mode)
	atomic.AddInt32(&d.refCount, -1)
	return retErr
}

// Touch implements spec.md §4.3 "Touch": promote a pending Discardable
// update to non-discardable, with the same dirty-list handling as
// Unfix(Dirty), without releasing the caller's pin or RW lock.
func (e *Engine) Touch(mem *Memory) {
	d := mem.desc
	d.Latch()
	d.promoteWorkingLocked(mem.mode)
	d.state = Dirty
	if !d.flushable {
		d.flushable = true
		d.pool.AddDirty(d)
	}
	d.Unlatch()
}

// promoteWorkingLocked swaps (refcount==1) or copies (otherwise) the
// working buffer into the canonical buffer, per spec.md §4.3 "Unfix:
// Dirty". Must be called with d.latch held.
func (d *Descriptor) promoteWorkingLocked(mode bufcore.FixMode) {
	if !mode.Has(bufcore.Discardable) || d.working == nil {
		return
	}
	if atomic.LoadInt32(&d.refCount) == 1 {
		d.memory, d.working = d.working, nil
	} else {
		copy(d.memory, d.working)
		d.working = nil
	}
}

func (e *Engine) releaseRW(d *Descriptor, mode bufcore.FixMode) {
	if mode.Has(bufcore.NoLock) {
		return
	}
	if mode.Has(bufcore.ReadOnlyMode) {
		d.rw.RUnlock()
	} else {
		d.rw.Unlock()
	}
}

// neighbor is one page prepared during read-ahead.
type neighbor struct {
	desc     *Descriptor
	isTarget bool
}

// readAhead implements spec.md §4.3 "Read-ahead": prepare every
// non-blockingly-latchable neighbor within the containing
// ReadAheadBlockSize-byte block, issue one scatter read over the
// contiguous span, and on failure fall back to a single-page read of the
// target, reverting every prepared neighbor. Returns whether more than
// the target page was fetched (a "prefetch hit" from the caller's
// perspective).
func (e *Engine) readAhead(target *Descriptor, pool *bufferpool.Pool, file *bufferfile.File) (bool, error) {
	pageSize := target.pageSize
	blockSize := e.readAheadBlockSize
	if blockSize < pageSize {
		blockSize = pageSize
	}
	blockStart := (target.id.Offset / blockSize) * blockSize
	blockEnd := blockStart + blockSize

	neighbors := []neighbor{{desc: target, isTarget: true}}

	for off := target.id.Offset + pageSize; off < blockEnd; off += pageSize {
		nd := e.table.Attach(bufcore.PageID{Path: target.id.Path, Offset: off}, pageSize, pool, file)
		if !nd.TryLatch() {
			break
		}
		if nd.state != Empty && nd.state != NoRead {
			nd.Unlatch()
			break
		}
		if nd.memory == nil {
			if err := pool.Replace(pageSize, nd, false); err != nil {
				nd.Unlatch()
				break
			}
			nd.memory = make([]byte, pageSize)
		}
		nd.state = NoRead
		neighbors = append(neighbors, neighbor{desc: nd})
	}
	for off := target.id.Offset - pageSize; off >= blockStart; off -= pageSize {
		nd := e.table.Attach(bufcore.PageID{Path: target.id.Path, Offset: off}, pageSize, pool, file)
		if !nd.TryLatch() {
			break
		}
		if nd.state != Empty && nd.state != NoRead {
			nd.Unlatch()
			break
		}
		if nd.memory == nil {
			if err := pool.Replace(pageSize, nd, false); err != nil {
				nd.Unlatch()
				break
			}
			nd.memory = make([]byte, pageSize)
		}
		nd.state = NoRead
		neighbors = append(neighbors, neighbor{desc: nd})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].desc.id.Offset < neighbors[j].desc.id.Offset
	})

	bufs := make([][]byte, len(neighbors))
	for i, n := range neighbors {
		bufs[i] = n.desc.memory
	}
	readErr := file.ReadVector(bufs, neighbors[0].desc.id.Offset)
	if readErr != nil {
		for _, n := range neighbors {
			if n.isTarget {
				continue
			}
			n.desc.state = Empty
			n.desc.memory = nil
			pool.Free(pageSize)
			n.desc.Unlatch()
		}
		if err := file.Read(target.memory, target.id.Offset); err != nil {
			return false, err
		}
		target.state = Read
		return false, nil
	}

	for _, n := range neighbors {
		n.desc.state = Read
		if !n.isTarget {
			n.desc.Unlatch()
		}
	}
	return len(neighbors) > 1, nil
}
