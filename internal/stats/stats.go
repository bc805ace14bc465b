// Package stats holds the process-wide and per-pool counters exposed
// through the statistics daemon (Buffer_StatisticsReporterPeriod).
// Grounded on the teacher's buffer_pool.BufferPoolStats, but counters are
// go.uber.org/atomic values instead of raw int64 + sync/atomic calls, and
// the set is narrowed/renamed to what spec.md §4.1 and §8 actually ask for
// (hit/miss/read/write/eviction/flush/prefetch).
package stats

import (
	"time"

	"go.uber.org/atomic"
)

// PoolStats accumulates counters for one pool instance.
type PoolStats struct {
	Requests  atomic.Int64
	Hits      atomic.Int64
	Misses    atomic.Int64
	Reads     atomic.Int64
	Writes    atomic.Int64
	Evictions atomic.Int64

	FlushRequests  atomic.Int64
	FlushSuccesses atomic.Int64
	FlushFailures  atomic.Int64

	PrefetchRequests atomic.Int64
	PrefetchHits     atomic.Int64

	ResidentPages atomic.Int64
	DirtyPages    atomic.Int64

	lastResetNano atomic.Int64
}

// New returns a zeroed PoolStats with its reset clock started.
func New() *PoolStats {
	s := &PoolStats{}
	s.lastResetNano.Store(time.Now().UnixNano())
	return s
}

// RecordAccess records a Fix call's resident-set outcome.
func (s *PoolStats) RecordAccess(hit bool) {
	s.Requests.Inc()
	if hit {
		s.Hits.Inc()
	} else {
		s.Misses.Inc()
	}
}

// RecordIO records a completed page read or write.
func (s *PoolStats) RecordIO(isRead bool) {
	if isRead {
		s.Reads.Inc()
	} else {
		s.Writes.Inc()
	}
}

// RecordEviction records one replacement-driven page eviction.
func (s *PoolStats) RecordEviction() {
	s.Evictions.Inc()
}

// RecordFlush records the outcome of one dirty-page flush attempt.
func (s *PoolStats) RecordFlush(success bool) {
	s.FlushRequests.Inc()
	if success {
		s.FlushSuccesses.Inc()
	} else {
		s.FlushFailures.Inc()
	}
}

// RecordPrefetch records one read-ahead block fetch; hit reports whether
// the fetch brought in pages beyond the target page.
func (s *PoolStats) RecordPrefetch(hit bool) {
	s.PrefetchRequests.Inc()
	if hit {
		s.PrefetchHits.Inc()
	}
}

// SetOccupancy overwrites the current resident/dirty page gauges.
func (s *PoolStats) SetOccupancy(resident, dirty int64) {
	s.ResidentPages.Store(resident)
	s.DirtyPages.Store(dirty)
}

// HitRatio returns Hits/Requests, or 0 when there have been no requests.
func (s *PoolStats) HitRatio() float64 {
	req := s.Requests.Load()
	if req == 0 {
		return 0
	}
	return float64(s.Hits.Load()) / float64(req)
}

// Snapshot is an immutable copy suitable for logging or a status endpoint.
type Snapshot struct {
	Requests, Hits, Misses       int64
	Reads, Writes, Evictions     int64
	FlushRequests, FlushOK, FlushFail int64
	PrefetchRequests, PrefetchHits    int64
	ResidentPages, DirtyPages         int64
	HitRatio                          float64
	Since                             time.Time
}

// Snapshot copies the current counter values.
func (s *PoolStats) Snapshot() Snapshot {
	return Snapshot{
		Requests:         s.Requests.Load(),
		Hits:             s.Hits.Load(),
		Misses:           s.Misses.Load(),
		Reads:            s.Reads.Load(),
		Writes:           s.Writes.Load(),
		Evictions:        s.Evictions.Load(),
		FlushRequests:    s.FlushRequests.Load(),
		FlushOK:          s.FlushSuccesses.Load(),
		FlushFail:        s.FlushFailures.Load(),
		PrefetchRequests: s.PrefetchRequests.Load(),
		PrefetchHits:     s.PrefetchHits.Load(),
		ResidentPages:    s.ResidentPages.Load(),
		DirtyPages:       s.DirtyPages.Load(),
		HitRatio:         s.HitRatio(),
		Since:            time.Unix(0, s.lastResetNano.Load()),
	}
}

// Reset zeroes every counter and restarts the reporting window.
func (s *PoolStats) Reset() {
	s.Requests.Store(0)
	s.Hits.Store(0)
	s.Misses.Store(0)
	s.Reads.Store(0)
	s.Writes.Store(0)
	s.Evictions.Store(0)
	s.FlushRequests.Store(0)
	s.FlushSuccesses.Store(0)
	s.FlushFailures.Store(0)
	s.PrefetchRequests.Store(0)
	s.PrefetchHits.Store(0)
	s.lastResetNano.Store(time.Now().UnixNano())
}

// DescriptorStats tracks the process-wide open file descriptor budget
// (spec.md §4.2 "descriptor budget").
type DescriptorStats struct {
	Reserved  atomic.Int64
	Returned  atomic.Int64
	InUse     atomic.Int64
	Rejections atomic.Int64
}

// NewDescriptorStats returns a zeroed DescriptorStats.
func NewDescriptorStats() *DescriptorStats { return &DescriptorStats{} }

// RecordReserve records a successful descriptor reservation.
func (d *DescriptorStats) RecordReserve() {
	d.Reserved.Inc()
	d.InUse.Inc()
}

// RecordReturn records a descriptor being returned to the budget.
func (d *DescriptorStats) RecordReturn() {
	d.Returned.Inc()
	d.InUse.Dec()
}

// RecordRejection records a reservation attempt that hit the budget cap.
func (d *DescriptorStats) RecordRejection() {
	d.Rejections.Inc()
}
