package bufferpool

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/bufferfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResident is a minimal Resident used to exercise Pool's replacement
// and flush logic without pulling in bufferpage (which itself imports this
// package).
type fakeResident struct {
	mu sync.Mutex

	id       bufcore.PageID
	size     int64
	pinned   bool
	dirty    bool
	flushable bool
	marked   bool
	deterrentable bool
	evicted  bool
	flushedContent []byte
	stampErr error
}

func newFakeResident(path string, offset, size int64) *fakeResident {
	return &fakeResident{id: bufcore.PageID{Path: path, Offset: offset}, size: size}
}

func (r *fakeResident) Key() bufcore.PageID { return r.id }
func (r *fakeResident) ByteSize() int64     { return r.size }
func (r *fakeResident) TryLatch() bool      { r.mu.Lock(); return true }
func (r *fakeResident) Latch()              { r.mu.Lock() }
func (r *fakeResident) Unlatch()            { r.mu.Unlock() }
func (r *fakeResident) Pinned() bool        { return r.pinned }
func (r *fakeResident) Dirty() bool         { return r.dirty }
func (r *fakeResident) Flushable() bool     { return r.flushable }
func (r *fakeResident) ClearFlushable()     { r.flushable = false }
func (r *fakeResident) Deterrentable() bool { return r.deterrentable }
func (r *fakeResident) Marked() bool        { return r.marked }
func (r *fakeResident) SetMarked(v bool)    { r.marked = v }
func (r *fakeResident) MarkEvicted()        { r.evicted = true; r.dirty = false }
func (r *fakeResident) StampForFlush(fileNoCRC bool) []byte {
	r.flushedContent = make([]byte, r.size)
	return r.flushedContent
}
func (r *fakeResident) AfterFlush() { r.dirty = false }

func TestAllocateRejectsOverLimit(t *testing.T) {
	p := New(Normal, Config{Limit: 100})
	require.NoError(t, p.Allocate(60, false))
	err := p.Allocate(60, false)
	require.Error(t, err)
	assert.True(t, bufcore.IsMemoryExhausted(err))
	assert.EqualValues(t, 60, p.CurrentBytes())
}

func TestAllocateErrUnwindBypassesLimit(t *testing.T) {
	p := New(Normal, Config{Limit: 100})
	require.NoError(t, p.Allocate(60, false))
	require.NoError(t, p.Allocate(60, true))
	assert.EqualValues(t, 120, p.CurrentBytes())
}

func TestReplaceEvictsLRUWhenFull(t *testing.T) {
	p := New(Normal, Config{Limit: 3 * 4096})

	residents := make([]*fakeResident, 4)
	for i := range residents {
		residents[i] = newFakeResident("f", int64(i)*4096, 4096)
	}

	for _, r := range residents[:3] {
		require.NoError(t, p.Replace(4096, r, false))
	}
	assert.EqualValues(t, 3*4096, p.CurrentBytes())

	// A 4th page must evict the LRU-most (residents[0]).
	require.NoError(t, p.Replace(4096, residents[3], false))
	assert.EqualValues(t, 3*4096, p.CurrentBytes())
	assert.True(t, residents[0].evicted)
	assert.False(t, residents[1].evicted)
	assert.False(t, residents[2].evicted)
	assert.False(t, residents[3].evicted)
}

func TestReplaceSkipsPinnedCandidates(t *testing.T) {
	p := New(Normal, Config{Limit: 2 * 4096})

	a := newFakeResident("f", 0, 4096)
	b := newFakeResident("f", 4096, 4096)
	c := newFakeResident("f", 8192, 4096)
	a.pinned = true

	require.NoError(t, p.Replace(4096, a, false))
	require.NoError(t, p.Replace(4096, b, false))
	require.NoError(t, p.Replace(4096, c, false))

	assert.False(t, a.evicted, "pinned residents must never be evicted")
	assert.True(t, b.evicted)
}

func TestReplaceFailsWhenNothingEvictable(t *testing.T) {
	p := New(Normal, Config{Limit: 4096})
	a := newFakeResident("f", 0, 4096)
	a.pinned = true
	require.NoError(t, p.Replace(4096, a, false))

	b := newFakeResident("f", 4096, 4096)
	err := p.Replace(4096, b, false)
	require.Error(t, err)
	assert.True(t, bufcore.IsMemoryExhausted(err))
}

// newResolverFile attaches and creates a real bufferfile.File under a temp
// directory, returning a FileResolver that resolves exactly that one path
// — the flush path needs a concrete *bufferfile.File to issue WriteVector
// against, and bufferfile.File has no exported constructor outside its own
// package, so a real attached file is used rather than a hand-rolled fake.
func newResolverFile(t *testing.T, path string, pageSize int64) FileResolver {
	t.Helper()
	tbl := bufferfile.NewTable(1)
	f, err := tbl.Attach(path, pageSize, Normal, false, false)
	require.NoError(t, err)
	require.NoError(t, f.Create(true, false, 0o600))
	t.Cleanup(func() { _ = tbl.Detach(f) })
	return func(p string) (*bufferfile.File, bool) {
		if p == path {
			return f, true
		}
		return nil, false
	}
}

func TestAddDirtyIsIdempotentAndFlushDirtyWritesBack(t *testing.T) {
	p := New(Normal, Config{Limit: 10 * 4096, FlushingBodyCountMax: 8})

	path := filepath.Join(t.TempDir(), "f.buf")
	resolve := newResolverFile(t, path, 4096)

	r := newFakeResident(path, 0, 4096)
	r.dirty = true
	r.flushable = true // caller sets the flag before informing the pool, per engine.go's pattern
	p.AddDirty(r)
	p.AddDirty(r) // second call must be a no-op: already Flushable
	assert.True(t, r.Flushable())

	require.NoError(t, p.FlushDirty(nil, false, resolve))

	assert.False(t, r.Dirty())
	assert.NotNil(t, r.flushedContent)
}

func TestFlushDirtyMarkedOnlyFilter(t *testing.T) {
	p := New(Normal, Config{Limit: 10 * 4096, FlushingBodyCountMax: 8})

	path := filepath.Join(t.TempDir(), "f.buf")
	resolve := newResolverFile(t, path, 4096)

	marked := newFakeResident(path, 0, 4096)
	marked.dirty = true
	marked.flushable = true
	unmarked := newFakeResident(path, 4096, 4096)
	unmarked.dirty = true
	unmarked.flushable = true
	p.AddDirty(marked)
	p.AddDirty(unmarked)
	marked.marked = true

	filter := func(r Resident) bool { return r.Marked() }
	require.NoError(t, p.FlushDirty(filter, false, resolve))

	assert.False(t, marked.Dirty(), "marked page must be flushed")
	assert.True(t, unmarked.Dirty(), "unmarked page must remain dirty, requeued")
}

func TestMarkDirtyForCheckpointTagsCurrentDirtySet(t *testing.T) {
	p := New(Normal, Config{Limit: 10 * 4096})
	r := newFakeResident("f", 0, 4096)
	r.dirty = true
	r.flushable = true
	p.AddDirty(r)

	p.MarkDirtyForCheckpoint()
	assert.True(t, r.Marked())
}

func TestDiscardRemovesFromBothLists(t *testing.T) {
	p := New(Normal, Config{Limit: 10 * 4096})
	r := newFakeResident("f", 0, 4096)
	require.NoError(t, p.Replace(4096, r, false))
	r.dirty = true
	r.flushable = true
	p.AddDirty(r)

	p.Discard(func(res Resident) bool { return res.Key().Path == "f" })
	assert.True(t, r.evicted)
	assert.Zero(t, p.CurrentBytes())
}
