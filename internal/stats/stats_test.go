package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHitRatio(t *testing.T) {
	s := New()
	assert.Zero(t, s.HitRatio(), "no requests yet")

	s.RecordAccess(true)
	s.RecordAccess(true)
	s.RecordAccess(false)

	assert.InDelta(t, 2.0/3.0, s.HitRatio(), 1e-9)
	snap := s.Snapshot()
	assert.EqualValues(t, 3, snap.Requests)
	assert.EqualValues(t, 2, snap.Hits)
	assert.EqualValues(t, 1, snap.Misses)
}

func TestRecordFlushAndPrefetch(t *testing.T) {
	s := New()
	s.RecordFlush(true)
	s.RecordFlush(false)
	s.RecordPrefetch(true)
	s.RecordPrefetch(false)

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.FlushRequests)
	assert.EqualValues(t, 1, snap.FlushOK)
	assert.EqualValues(t, 1, snap.FlushFail)
	assert.EqualValues(t, 2, snap.PrefetchRequests)
	assert.EqualValues(t, 1, snap.PrefetchHits)
}

func TestResetZeroesCounters(t *testing.T) {
	s := New()
	s.RecordAccess(true)
	s.RecordEviction()
	s.SetOccupancy(10, 2)

	before := s.Snapshot().Since
	s.Reset()
	after := s.Snapshot()

	assert.Zero(t, after.Requests)
	assert.Zero(t, after.Evictions)
	assert.False(t, after.Since.Before(before), "reset must advance the reporting window clock")
}

func TestDescriptorStats(t *testing.T) {
	d := NewDescriptorStats()
	d.RecordReserve()
	d.RecordReserve()
	d.RecordReturn()
	d.RecordRejection()

	assert.EqualValues(t, 2, d.Reserved.Load())
	assert.EqualValues(t, 1, d.Returned.Load())
	assert.EqualValues(t, 1, d.InUse.Load())
	assert.EqualValues(t, 1, d.Rejections.Load())
}
