// Package manager implements BufferManager, the single entry point that
// owns every process-wide piece of buffer-pool state: the configuration
// registry, the four pool instances, the file table, and the page table
// and fix/unfix engine. Grounded on the teacher's
// server/innodb/manager.BufferPoolManager (a config struct validated and
// defaulted in a constructor, an inline stats block, a stopChan plus
// time.Ticker pair driving background threads), generalized from one
// InnoDB-shaped pool into the four-class, file/page-table-backed engine
// described by spec.md §9's "encapsulate [global mutable state] in a
// single BufferManager value created at init and destroyed at teardown".
package manager

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/bufferfile"
	"github.com/kazedb/bufferengine/bufferpage"
	"github.com/kazedb/bufferengine/bufferpool"
	"github.com/kazedb/bufferengine/config"
	"github.com/kazedb/bufferengine/internal/checksum"
	"github.com/kazedb/bufferengine/internal/stats"
	"github.com/kazedb/bufferengine/logger"
	"github.com/kazedb/bufferengine/util"
)

// BufferManager is the process-wide buffer-pool instance: one registry,
// one file table, one page table/engine, and exactly one Pool per
// bufcore.PoolClass. Every public entry point on every other package in
// this module is reached through a BufferManager rather than through
// ambient singletons (spec.md §9).
type BufferManager struct {
	registry *config.Registry

	files *bufferfile.Table
	pages *bufferpage.Table
	fixer *bufferpage.Engine

	pools [4]*bufferpool.Pool

	filePerm os.FileMode
	noCRC    bool // CalculateCheckSum == None: stamped onto every attached file

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Open loads cfgPath (a missing path is not an error — the registry falls
// back to its built-in defaults), prepares every parameter, and builds the
// file table, page table/engine, and the four pools, then starts the
// dirty-page flusher and statistics daemons.
func Open(cfgPath string) (*BufferManager, error) {
	reg := config.NewRegistry()
	if cfgPath != "" {
		if err := reg.Load(cfgPath); err != nil {
			return nil, fmt.Errorf("manager: %w", err)
		}
	}
	reg.Prepare()

	bufferfile.Configure(reg.Int("OpenFileCountMax"))

	m := &BufferManager{
		registry: reg,
		files:    bufferfile.NewTable(int(reg.Int("FileTableSize"))),
		filePerm: os.FileMode(reg.Int("FilePermission")),
		noCRC:    reg.Int("CalculateCheckSum") == 0,
		stopChan: make(chan struct{}),
	}

	crcMode := checksum.Mode(reg.Int("CalculateCheckSum"))
	m.pages = bufferpage.NewTable(int(reg.Int("PageTableSize")), int(reg.Int("FreePageCountMax")), crcMode)
	m.fixer = bufferpage.NewEngine(m.pages, int(reg.Int("RetryAllocationCountMax")), reg.Size("ReadAheadBlockSize"), m.resolveFile)

	policy := bufferpool.LRUPolicy
	if reg.Int("ReplacementPolicy") == 1 {
		policy = bufferpool.ARCPolicy
	}
	poolCfg := func(limit int64) bufferpool.Config {
		return bufferpool.Config{
			Limit:                 limit,
			Policy:                policy,
			SkipDirtyCandidateMax: int(reg.Int("SkipDirtyCandidateCountMax")),
			FlushingBodyCountMax:  int(reg.Int("FlushingBodyCountMax")),
		}
	}
	m.pools[bufcore.Normal] = bufferpool.New(bufcore.Normal, poolCfg(reg.Size("NormalPoolSize")))
	m.pools[bufcore.Temporary] = bufferpool.New(bufcore.Temporary, poolCfg(reg.Size("TemporaryPoolSize")))
	m.pools[bufcore.ReadOnly] = bufferpool.New(bufcore.ReadOnly, poolCfg(reg.Size("ReadOnlyPoolSize")))
	m.pools[bufcore.LogicalLog] = bufferpool.New(bufcore.LogicalLog, poolCfg(reg.Size("LogicalLogPoolSize")))

	m.startBackgroundThreads()
	return m, nil
}

// pool returns the process-wide Pool instance for class.
func (m *BufferManager) pool(class bufcore.PoolClass) *bufferpool.Pool {
	return m.pools[class]
}

// resolveFile looks an open file up by path for the flush path's
// bufferpool.FileResolver hook, without affecting its refcount.
func (m *BufferManager) resolveFile(path string) (*bufferfile.File, bool) {
	return m.files.Lookup(path)
}

// AttachFile attaches path to the file table under class, creating or
// mounting its backing OS file when it is not yet accessible: create
// selects Create (with overwrite) over Mount (with mountExisting), per
// spec.md §4.2's attach/create/mount semantics. Delayed temporary creation
// follows Buffer_DelayTemporaryCreation.
func (m *BufferManager) AttachFile(path string, pageSize int64, class bufcore.PoolClass, readOnly bool, create, overwrite, mountExisting bool) (*bufferfile.File, error) {
	f, err := m.files.Attach(path, pageSize, class, readOnly, m.noCRC)
	if err != nil {
		return nil, err
	}
	m.pool(class).Attach()

	if !f.IsAccessible() {
		if create {
			if err := f.Create(overwrite, m.registry.Bool("DelayTemporaryCreation"), m.filePerm); err != nil {
				_ = m.DetachFile(f)
				return nil, err
			}
		} else {
			if err := f.Mount(mountExisting); err != nil {
				_ = m.DetachFile(f)
				return nil, err
			}
		}
	}
	return f, nil
}

// DetachFile releases one reference to f, closing and discarding its
// resident pages once the refcount reaches zero.
func (m *BufferManager) DetachFile(f *bufferfile.File) error {
	m.pool(f.Class()).Detach()
	path := f.Path()
	if err := m.files.Detach(f); err != nil {
		return err
	}
	if _, stillOpen := m.files.Lookup(path); !stillOpen {
		removed := m.pages.DiscardFilter(func(id bufcore.PageID) bool { return id.Path == path })
		m.pool(f.Class()).Discard(func(r bufferpool.Resident) bool { return r.Key().Path == path })
		_ = removed
	}
	return nil
}

// Truncate discards f's content at or after offset (rounded down to a
// page-size multiple) and drops every resident descriptor and pool entry
// for that file at or past the truncated boundary, matching spec.md §4.2's
// truncate/extend invariant: mirrors DetachFile's discard pattern so a page
// already resident past the new EOF cannot be re-served stale or flushed
// past the truncated end.
func (m *BufferManager) Truncate(f *bufferfile.File, offset int64) error {
	if err := f.Truncate(offset); err != nil {
		return err
	}
	aligned := (offset / f.PageSize()) * f.PageSize()
	path := f.Path()
	m.pages.DiscardFilter(func(id bufcore.PageID) bool { return id.Path == path && id.Offset >= aligned })
	m.pool(f.Class()).Discard(func(r bufferpool.Resident) bool {
		return r.Key().Path == path && r.Key().Offset >= aligned
	})
	return nil
}

// Fix pins offset within f in mode, returning a Memory handle. txn is an
// optional per-transaction counter handle (spec.md §4.3 Fix steps c/e); pass
// nil when the caller has none.
func (m *BufferManager) Fix(f *bufferfile.File, offset int64, mode bufcore.FixMode, txn *bufcore.TxnCounters) (*bufferpage.Memory, error) {
	return m.fixer.Fix(f, m.pool(f.Class()), offset, mode, txn)
}

// Unfix releases mem's pin, performing unfixMode's write-back policy.
func (m *BufferManager) Unfix(mem *bufferpage.Memory, unfixMode bufcore.UnfixMode) error {
	return m.fixer.Unfix(mem, unfixMode)
}

// Touch promotes a pending Discardable update without releasing the pin.
func (m *BufferManager) Touch(mem *bufferpage.Memory) {
	m.fixer.Touch(mem)
}

// MarkDirty implements the checkpoint `mark-dirty` call (spec.md §5): every
// currently-dirty page of class is tagged Marked so a following
// FlushDirty(class, markedOnly=true) targets exactly this generation.
func (m *BufferManager) MarkDirty(class bufcore.PoolClass) {
	m.pool(class).MarkDirtyForCheckpoint()
}

// FlushDirty writes back class's dirty pages. When markedOnly is true only
// pages tagged by the most recent MarkDirty are targeted, matching
// checkpoint's `flush-dirty(marked-only)`. force waits for latches instead
// of skipping latch-contended candidates.
func (m *BufferManager) FlushDirty(class bufcore.PoolClass, markedOnly, force bool) error {
	var filter func(bufferpool.Resident) bool
	if markedOnly {
		filter = func(r bufferpool.Resident) bool { return r.Marked() }
	}
	return m.pool(class).FlushDirty(filter, force, m.resolveFile)
}

// Stats returns the statistics counters for class.
func (m *BufferManager) Stats(class bufcore.PoolClass) stats.Snapshot {
	return m.pool(class).Stats().Snapshot()
}

// DescriptorStats returns the process-wide open-file descriptor budget
// counters.
func (m *BufferManager) DescriptorStats() *stats.DescriptorStats {
	return bufferfile.Stats()
}

// startBackgroundThreads launches the dirty-page flusher (spec.md §5 "a
// background thread flushes dirty pages") and, if configured, the
// statistics reporter. Grounded on the teacher's flushTicker/stopChan
// pair, generalized to one goroutine per concern instead of one shared
// ticker.
func (m *BufferManager) startBackgroundThreads() {
	period := m.registry.Int("DirtyPageFlusherPeriod")
	if period > 0 {
		m.wg.Add(1)
		go m.dirtyPageFlusherLoop(time.Duration(period) * time.Millisecond)
	}

	statsPeriod := m.registry.Int("StatisticsReporterPeriod")
	if statsPeriod > 0 {
		m.wg.Add(1)
		go m.statisticsReporterLoop(time.Duration(statsPeriod) * time.Millisecond)
	}
}

func (m *BufferManager) dirtyPageFlusherLoop(period time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			for class := bufcore.Normal; class <= bufcore.LogicalLog; class++ {
				if err := m.pool(class).FlushDirty(nil, false, m.resolveFile); err != nil {
					logger.Warnf("manager: background flush of %s failed: %v", class, err)
				}
			}
		}
	}
}

func (m *BufferManager) statisticsReporterLoop(period time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			now := util.GetCurrentTimeMillis()
			for class := bufcore.Normal; class <= bufcore.LogicalLog; class++ {
				snap := m.pool(class).Stats().Snapshot()
				logger.Infof("manager: stats[%s] at %d: requests=%d hits=%d evictions=%d dirty=%d hit_ratio=%.3f",
					class, now, snap.Requests, snap.Hits, snap.Evictions, snap.DirtyPages, snap.HitRatio)
			}
		}
	}
}

// Close stops the background daemons, flushes every pool's dirty pages,
// and returns. It is safe to call more than once; every call after the
// first is a no-op.
func (m *BufferManager) Close() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
		for class := bufcore.Normal; class <= bufcore.LogicalLog; class++ {
			if ferr := m.pool(class).FlushDirty(nil, true, m.resolveFile); ferr != nil && err == nil {
				err = ferr
			}
		}
	})
	return err
}
