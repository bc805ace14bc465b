package bufferpool

import (
	"container/list"
	"sort"
	"sync"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/bufferfile"
	"github.com/kazedb/bufferengine/internal/stats"
	"github.com/kazedb/bufferengine/logger"
)

// Policy selects the replacement algorithm a Pool uses.
type Policy uint8

const (
	// LRUPolicy is the default simple-LRU replacement (spec.md §4.1 item 1).
	LRUPolicy Policy = iota
	// ARCPolicy is the feature-gated Megiddo-Modha ARC variant (item 2).
	ARCPolicy
)

// FileResolver looks up the open bufferfile.File backing a page's path,
// used by flush to issue the write without the Pool owning file
// references itself.
type FileResolver func(path string) (*bufferfile.File, bool)

// Pool is one of the four process-wide pool instances (Normal, Temporary,
// ReadOnly, LogicalLog).
type Pool struct {
	class Class
	limit int64
	stats *stats.PoolStats

	mu sync.Mutex   // pool latch: protects lru/dirty lists and accounting
	rw sync.RWMutex // pool RW lock: serializes dirty-list rotation

	currentBytes int64
	refCount     int32

	policy Policy
	lru    *lruList
	arc    *arcLists

	dirty *list.List // of Resident, append-only until flush-dirty swaps it

	skipDirtyCandidateMax int
	flushingBodyCountMax  int
}

// Class names a pool instance; re-exported from bufcore so callers of this
// package don't need a second import for the same four-value enum.
type Class = bufcore.PoolClass

const (
	Normal     = bufcore.Normal
	Temporary  = bufcore.Temporary
	ReadOnly   = bufcore.ReadOnly
	LogicalLog = bufcore.LogicalLog
)

// Config bundles the construction-time parameters sourced from
// config.Registry.
type Config struct {
	Limit                 int64
	Policy                Policy
	SkipDirtyCandidateMax  int
	FlushingBodyCountMax   int
}

// New constructs a pool instance for class. Exactly one should exist per
// class process-wide; the Manager enforces that.
func New(class Class, cfg Config) *Pool {
	p := &Pool{
		class:                 class,
		limit:                 cfg.Limit,
		stats:                 stats.New(),
		dirty:                 list.New(),
		policy:                cfg.Policy,
		skipDirtyCandidateMax: cfg.SkipDirtyCandidateMax,
		flushingBodyCountMax:  cfg.FlushingBodyCountMax,
	}
	if p.skipDirtyCandidateMax <= 0 {
		p.skipDirtyCandidateMax = 500
	}
	if p.flushingBodyCountMax <= 0 {
		p.flushingBodyCountMax = 8000
	}
	if cfg.Policy == ARCPolicy {
		p.arc = newARCLists(cfg.Limit)
	} else {
		p.lru = newLRUList()
	}
	return p
}

// Class returns the pool's class tag.
func (p *Pool) Class() Class { return p.class }

// Stats returns the pool's counter set.
func (p *Pool) Stats() *stats.PoolStats { return p.stats }

// CurrentBytes returns the pool's currently-accounted resident byte count.
func (p *Pool) CurrentBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentBytes
}

// Attach increments the pool's refcount; called once per file attached to
// this class.
func (p *Pool) Attach() {
	p.mu.Lock()
	p.refCount++
	p.mu.Unlock()
}

// Detach decrements the pool's refcount.
func (p *Pool) Detach() {
	p.mu.Lock()
	if p.refCount > 0 {
		p.refCount--
	}
	p.mu.Unlock()
}

// Allocate reserves size bytes against the pool's budget without running
// eviction. errUnwind bypasses the limit check (spec.md §5 "Cancellation":
// deferred releases during error unwind bypass the memory-limit check).
func (p *Pool) Allocate(size int64, errUnwind bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !errUnwind && p.currentBytes+size > p.limit {
		return bufcore.NewError("bufferpool.Allocate", bufcore.ErrMemoryExhausted, nil)
	}
	p.currentBytes += size
	return nil
}

// Free releases size bytes back to the pool's budget.
func (p *Pool) Free(size int64) {
	p.mu.Lock()
	p.currentBytes -= size
	if p.currentBytes < 0 {
		p.currentBytes = 0
	}
	p.mu.Unlock()
}

// Replace is the core replacement entry point: it ensures size bytes are
// available (evicting resident pages if needed) and registers forPage as
// the newly resident occupant of the freed/new budget.
func (p *Pool) Replace(size int64, forPage Resident, errUnwind bool) error {
	p.mu.Lock()
	if p.currentBytes+size <= p.limit || errUnwind {
		p.currentBytes += size
		p.touchLocked(forPage)
		p.mu.Unlock()
		p.stats.RecordAccess(false)
		return nil
	}
	p.mu.Unlock()

	freed, err := p.evict(size)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if freed < size && p.currentBytes+size > p.limit {
		return bufcore.NewError("bufferpool.Replace", bufcore.ErrMemoryExhausted, nil)
	}
	p.currentBytes += size
	p.touchLocked(forPage)
	p.stats.RecordAccess(false)
	return nil
}

// Touch moves forPage to the MRU position of its replacement list, e.g. on
// a cache hit, without affecting the byte budget.
func (p *Pool) Touch(forPage Resident) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLocked(forPage)
	p.stats.RecordAccess(true)
}

func (p *Pool) touchLocked(r Resident) {
	if p.arc != nil {
		p.arc.access(r)
		return
	}
	p.lru.touch(r)
}

// evict scans the replacement list from the LRU end, skipping pinned,
// latched-elsewhere, or (bounded) dirty candidates, until it has freed at
// least `size` bytes or run out of candidates (spec.md §4.1 "Eviction
// inside replace").
func (p *Pool) evict(size int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var freed int64
	skipBudget := p.skipDirtyCandidateMax
	var candidates []Resident
	if p.arc != nil {
		candidates = p.arc.evictionOrder()
	} else {
		candidates = p.lru.evictionOrder()
	}

	for _, r := range candidates {
		if freed >= size {
			break
		}
		if r.Pinned() {
			continue
		}
		if !r.TryLatch() {
			continue
		}
		if r.Dirty() {
			r.Unlatch()
			skipBudget--
			if skipBudget <= 0 {
				break
			}
			continue
		}
		bytes := r.ByteSize()
		r.MarkEvicted()
		r.Unlatch()

		if p.arc != nil {
			p.arc.remove(r)
		} else {
			p.lru.remove(r)
		}
		p.currentBytes -= bytes
		if p.currentBytes < 0 {
			p.currentBytes = 0
		}
		freed += bytes
		p.stats.RecordEviction()
	}
	return freed, nil
}

// AddDirty appends r to the dirty list unless it is already a member. The
// caller sets r's Flushable flag itself before calling (spec.md §3
// invariant: Flushable implies dirty-list membership, exactly once).
func (p *Pool) AddDirty(r Resident) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.dirty.Front(); e != nil; e = e.Next() {
		if e.Value.(Resident) == r {
			return
		}
	}
	p.dirty.PushBack(r)
}

// MarkDirtyForCheckpoint tags every currently-dirty page Marked, so a
// subsequent flush-dirty(markedOnly) targets only pages dirty as of this
// call (spec.md §4.1 "mark-dirty").
func (p *Pool) MarkDirtyForCheckpoint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.dirty.Front(); e != nil; e = e.Next() {
		r := e.Value.(Resident)
		r.SetMarked(true)
	}
}

// Discard drops every descriptor matching filter from both the
// replacement list and the dirty list, without writing anything back
// (used on file destroy/unmount/truncate).
func (p *Pool) Discard(filter func(Resident) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var toEvict []Resident
	if p.arc != nil {
		toEvict = p.arc.evictionOrder()
	} else {
		toEvict = p.lru.evictionOrder()
	}
	for _, r := range toEvict {
		if !filter(r) {
			continue
		}
		if !r.TryLatch() {
			continue
		}
		bytes := r.ByteSize()
		r.MarkEvicted()
		r.Unlatch()
		if p.arc != nil {
			p.arc.remove(r)
		} else {
			p.lru.remove(r)
		}
		p.currentBytes -= bytes
		if p.currentBytes < 0 {
			p.currentBytes = 0
		}
	}

	for e := p.dirty.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(Resident)
		if filter(r) {
			p.dirty.Remove(e)
		}
		e = next
	}
}

// Shrink evicts resident pages until CurrentBytes() <= upper, or no more
// candidates can be safely evicted.
func (p *Pool) Shrink(upper int64) {
	cur := p.CurrentBytes()
	if cur <= upper {
		return
	}
	_, _ = p.evict(cur - upper)
}

// flushCandidate is one dirty page queued for a coalesced write.
type flushCandidate struct {
	resident Resident
	id       bufcore.PageID
}

// FlushDirty writes back dirty pages matching filter. Under the pool's RW
// lock (writer) the dirty list is atomically swapped with an empty one;
// the swapped-out list is then processed without blocking further
// dirtying. Pages failing the filter or losing a latch race are returned
// to the live list, as are pages just written: they keep their Flushable
// flag until a later pass finds them clean and clears it (spec.md §4.1
// "Dirty list", "Flush ordering").
func (p *Pool) FlushDirty(filter func(Resident) bool, force bool, resolve FileResolver) error {
	p.rw.Lock()
	swapped := p.dirty
	p.mu.Lock()
	p.dirty = list.New()
	p.mu.Unlock()
	p.rw.Unlock()

	var candidates []flushCandidate
	var requeue []Resident

	for e := swapped.Front(); e != nil; e = e.Next() {
		r := e.Value.(Resident)
		if !r.Flushable() {
			continue
		}
		if filter != nil && !filter(r) {
			requeue = append(requeue, r)
			continue
		}
		if force {
			r.Latch()
		} else if !r.TryLatch() {
			requeue = append(requeue, r)
			continue
		}
		if !r.Dirty() {
			r.ClearFlushable()
			r.Unlatch()
			continue
		}
		candidates = append(candidates, flushCandidate{resident: r, id: r.Key()})
		r.Unlatch()
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].id.Path != candidates[j].id.Path {
			return candidates[i].id.Path < candidates[j].id.Path
		}
		return candidates[i].id.Offset < candidates[j].id.Offset
	})

	var flushErr error
	i := 0
	for i < len(candidates) {
		file, ok := resolve(candidates[i].id.Path)
		if !ok {
			requeue = append(requeue, candidates[i].resident)
			i++
			continue
		}
		bufferfile.Deterrent.RLock()
		deterred := file.Deterred()
		bufferfile.Deterrent.RUnlock()

		if deterred && candidates[i].resident.Deterrentable() {
			requeue = append(requeue, candidates[i].resident)
			i++
			continue
		}

		run := []flushCandidate{candidates[i]}
		j := i + 1
		for j < len(candidates) && len(run) < p.flushingBodyCountMax &&
			candidates[j].id.Path == candidates[i].id.Path &&
			candidates[j].id.Offset == run[len(run)-1].id.Offset+file.PageSize() {
			run = append(run, candidates[j])
			j++
		}

		if err := p.writeRun(run, file); err != nil {
			logger.Warnf("bufferpool: flush of %s failed, requeuing: %v", candidates[i].id.Path, err)
			flushErr = err
			_ = file.Close()
			for _, c := range run {
				requeue = append(requeue, c.resident)
			}
		} else {
			_ = file.Sync()
			for _, c := range run {
				c.resident.AfterFlush()
				requeue = append(requeue, c.resident)
			}
			p.stats.RecordFlush(true)
		}
		i = j
	}

	if len(requeue) > 0 {
		p.mu.Lock()
		for _, r := range requeue {
			p.dirty.PushBack(r)
		}
		p.mu.Unlock()
	}
	return flushErr
}

func (p *Pool) writeRun(run []flushCandidate, file *bufferfile.File) error {
	bufs := make([][]byte, 0, len(run))
	for _, c := range run {
		bufs = append(bufs, c.resident.StampForFlush(file.NoCRC()))
	}
	return file.WriteVector(bufs, run[0].id.Offset)
}
