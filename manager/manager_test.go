package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/bufferpage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a minimal [buffer]-sectioned ini file with body as its
// content, used to override specific parameters away from their defaults.
func writeConfig(path, body string) error {
	return os.WriteFile(path, []byte("[buffer]\n"+body), 0o644)
}

// newTestManager opens a BufferManager with no config file (defaults apply)
// and registers Close as cleanup. The statistics reporter is off by default;
// the dirty-page flusher runs on its default period until Close.
func newTestManager(t *testing.T) *BufferManager {
	t.Helper()
	m, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// TestBasicFixUnfixRoundTrip exercises spec.md §8 scenario S1: allocate,
// write, flush, then a clean read-only fix must see the same bytes, with
// CRC verifying.
func TestBasicFixUnfixRoundTrip(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "s1.buf")

	f, err := m.AttachFile(path, 4096, bufcore.Normal, false, true, true, false)
	require.NoError(t, err)
	defer m.DetachFile(f)

	mem, err := m.Fix(f, 0, bufcore.WriteMode|bufcore.AllocateMode, nil)
	require.NoError(t, err)
	content := mem.Begin()
	for i, b := range []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		content[8+i] = b
	}
	require.NoError(t, m.Unfix(mem, bufcore.UnfixFlush))

	// Drop the resident descriptor so the read-only fix reads the page back
	// from disk and verifies its CRC.
	removed := m.pages.DiscardFilter(func(id bufcore.PageID) bool { return id.Path == path && id.Offset == 0 })
	require.Len(t, removed, 1)

	mem2, err := m.Fix(f, 0, bufcore.ReadOnlyMode, nil)
	require.NoError(t, err)
	got := mem2.Begin()
	for i, want := range []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		assert.Equal(t, want, got[8+i])
	}
	require.NoError(t, m.Unfix(mem2, bufcore.UnfixNone))
}

// TestEvictionRetainsMostRecentlyAccessed exercises S2: a 4-page pool fixing
// and unfixing 8 pages in turn retains exactly the 4 most recent. The
// Normal pool is sized to exactly 4 pages via a config file, since
// BufferManager otherwise applies NormalPoolSize's 1 GiB default.
func TestEvictionRetainsMostRecentlyAccessed(t *testing.T) {
	const pageSize = 4096
	cfgPath := filepath.Join(t.TempDir(), "buffer.ini")
	require.NoError(t, writeConfig(cfgPath, "NormalPoolSize = 16384\n"))

	m, err := Open(cfgPath)
	require.NoError(t, err)
	defer m.Close()

	path := filepath.Join(t.TempDir(), "s2.buf")
	f, err := m.AttachFile(path, pageSize, bufcore.Normal, false, true, true, false)
	require.NoError(t, err)
	require.NoError(t, f.Extend(8*pageSize))
	defer m.DetachFile(f)

	for i := int64(0); i < 8; i++ {
		mem, err := m.Fix(f, i*pageSize, bufcore.WriteMode|bufcore.AllocateMode, nil)
		require.NoError(t, err)
		require.NoError(t, m.Unfix(mem, bufcore.UnfixNone))
	}

	assert.LessOrEqual(t, m.pool(bufcore.Normal).CurrentBytes(), int64(4*pageSize))

	for i := int64(4); i < 8; i++ {
		d, ok := m.pages.Lookup(bufcore.PageID{Path: path, Offset: i * pageSize})
		require.True(t, ok, "page %d is among the 4 most recently accessed and must remain resident", i)
		assert.Equal(t, bufferpage.Normal, d.State())
	}
	for i := int64(0); i < 4; i++ {
		d, ok := m.pages.Lookup(bufcore.PageID{Path: path, Offset: i * pageSize})
		if ok {
			assert.Equal(t, bufferpage.Empty, d.State(), "page %d was least-recently accessed and must have been evicted", i)
		}
	}
}

func TestDirtyFlushOnCheckpointMarkedOnly(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "s3.buf")
	const pageSize = 4096

	f, err := m.AttachFile(path, pageSize, bufcore.Normal, false, true, true, false)
	require.NoError(t, err)
	require.NoError(t, f.Extend(5*pageSize))
	defer m.DetachFile(f)

	for i := int64(0); i < 4; i++ {
		mem, err := m.Fix(f, i*pageSize, bufcore.WriteMode|bufcore.AllocateMode, nil)
		require.NoError(t, err)
		mem.Begin()[0] = byte(i + 1)
		m.Touch(mem)
		require.NoError(t, m.Unfix(mem, bufcore.UnfixNone))
	}

	m.MarkDirty(bufcore.Normal)

	mem4, err := m.Fix(f, 4*pageSize, bufcore.WriteMode|bufcore.AllocateMode, nil)
	require.NoError(t, err)
	mem4.Begin()[0] = 0xFF
	m.Touch(mem4)
	require.NoError(t, m.Unfix(mem4, bufcore.UnfixNone))

	require.NoError(t, m.FlushDirty(bufcore.Normal, true, false))

	// Pages 0..3 must now be on disk.
	for i := int64(0); i < 4; i++ {
		buf := make([]byte, pageSize)
		require.NoError(t, f.Read(buf, i*pageSize))
		assert.Equal(t, byte(i+1), buf[8])
	}

	// Page 4 was fixed after mark-dirty, so it must still be dirty/unflushed.
	diskPage4 := make([]byte, pageSize)
	require.NoError(t, f.Read(diskPage4, 4*pageSize))
	assert.Zero(t, diskPage4[8], "page fixed after mark-dirty must not have been flushed by flush-dirty(marked-only)")
}

func TestReadAheadReducesOSReadsAcrossABlock(t *testing.T) {
	m, err := Open("")
	require.NoError(t, err)
	defer m.Close()

	path := filepath.Join(t.TempDir(), "s4.buf")
	const pageSize = 4096
	f, err := m.AttachFile(path, pageSize, bufcore.Normal, false, true, true, false)
	require.NoError(t, err)
	require.NoError(t, f.Extend(16*pageSize))

	for i := int64(0); i < 16; i++ {
		mem, err := m.Fix(f, i*pageSize, bufcore.WriteMode|bufcore.AllocateMode, nil)
		require.NoError(t, err)
		mem.Begin()[0] = byte(i)
		require.NoError(t, m.Unfix(mem, bufcore.UnfixFlush))
	}

	removed := m.pages.DiscardFilter(func(id bufcore.PageID) bool { return id.Path == path })
	require.Len(t, removed, 16)

	mem, err := m.Fix(f, 0, bufcore.ReadOnlyMode, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0), mem.Begin()[0])
	require.NoError(t, m.Unfix(mem, bufcore.UnfixNone))

	snap := m.Stats(bufcore.Normal)
	assert.EqualValues(t, 1, snap.PrefetchRequests, "one block fix should issue exactly one prefetch request")
	assert.EqualValues(t, 1, snap.PrefetchHits)
}

func TestCRCCorruptionSurfacesAsBadDataPage(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "s5.buf")
	const pageSize = 4096

	f, err := m.AttachFile(path, pageSize, bufcore.Normal, false, true, true, false)
	require.NoError(t, err)
	require.NoError(t, f.Extend(6*pageSize))
	defer m.DetachFile(f)

	mem, err := m.Fix(f, 5*pageSize, bufcore.WriteMode|bufcore.AllocateMode, nil)
	require.NoError(t, err)
	mem.Begin()[0] = 0x7A
	require.NoError(t, m.Unfix(mem, bufcore.UnfixFlush))

	removed := m.pages.DiscardFilter(func(id bufcore.PageID) bool { return id.Offset == 5*pageSize })
	require.Len(t, removed, 1)

	buf := make([]byte, pageSize)
	require.NoError(t, f.Read(buf, 5*pageSize))
	buf[8] ^= 0xFF
	require.NoError(t, f.Write(buf, 5*pageSize))

	_, err = m.Fix(f, 5*pageSize, bufcore.ReadOnlyMode, nil)
	require.Error(t, err)
	assert.True(t, bufcore.IsBadDataPage(err))
}

// TestDescriptorBudgetClosesLRUFileOnAttach exercises S6: with a small
// OpenFileCountMax, attaching more files than the budget allows and fixing
// a page in each must not let TooManyOpenFiles escape.
func TestDescriptorBudgetClosesLRUFileOnAttach(t *testing.T) {
	const pageSize = 4096
	const openFileCountMax = 8
	cfgPath := filepath.Join(t.TempDir(), "buffer.ini")
	require.NoError(t, writeConfig(cfgPath, "OpenFileCountMax = 8\n"))

	m, err := Open(cfgPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	dir := t.TempDir()

	var files []struct {
		path string
	}
	var detach []func() error
	for i := 0; i < 16; i++ {
		path := filepath.Join(dir, string(rune('a'+i))+".buf")
		f, err := m.AttachFile(path, pageSize, bufcore.Normal, false, true, true, false)
		require.NoError(t, err)
		detach = append(detach, func() error { return m.DetachFile(f) })

		mem, err := m.Fix(f, 0, bufcore.WriteMode|bufcore.AllocateMode, nil)
		require.NoError(t, err)
		require.NoError(t, m.Unfix(mem, bufcore.UnfixFlush))

		assert.LessOrEqual(t, m.DescriptorStats().InUse.Load(), int64(openFileCountMax),
			"open buffer files must never exceed OpenFileCountMax")
		files = append(files, struct{ path string }{path})
	}
	assert.Len(t, files, 16)

	for _, d := range detach {
		require.NoError(t, d())
	}
}

func TestDetachFileDiscardsResidentPagesAtZeroRefcount(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "detach.buf")
	const pageSize = 4096

	f, err := m.AttachFile(path, pageSize, bufcore.Normal, false, true, true, false)
	require.NoError(t, err)

	mem, err := m.Fix(f, 0, bufcore.WriteMode|bufcore.AllocateMode, nil)
	require.NoError(t, err)
	require.NoError(t, m.Unfix(mem, bufcore.UnfixFlush))

	require.NoError(t, m.DetachFile(f))

	_, ok := m.pages.Lookup(bufcore.PageID{Path: path, Offset: 0})
	assert.False(t, ok, "resident pages must be discarded once the last file reference is detached")
}

func TestTruncateDiscardsDescriptorsPastTheNewEnd(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "truncate.buf")
	const pageSize = 4096

	f, err := m.AttachFile(path, pageSize, bufcore.Normal, false, true, true, false)
	require.NoError(t, err)
	require.NoError(t, f.Extend(4*pageSize))
	defer m.DetachFile(f)

	for i := int64(0); i < 4; i++ {
		mem, err := m.Fix(f, i*pageSize, bufcore.WriteMode|bufcore.AllocateMode, nil)
		require.NoError(t, err)
		require.NoError(t, m.Unfix(mem, bufcore.UnfixFlush))
	}

	require.NoError(t, m.Truncate(f, 2*pageSize))

	for i := int64(0); i < 2; i++ {
		_, ok := m.pages.Lookup(bufcore.PageID{Path: path, Offset: i * pageSize})
		assert.True(t, ok, "page %d is before the truncation point and must remain resident", i)
	}
	for i := int64(2); i < 4; i++ {
		_, ok := m.pages.Lookup(bufcore.PageID{Path: path, Offset: i * pageSize})
		assert.False(t, ok, "page %d is at or past the truncation point and must be discarded", i)
	}
}

func TestRenameIsIdempotentThroughManager(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "rename.buf")

	f, err := m.AttachFile(path, 4096, bufcore.Normal, false, true, true, false)
	require.NoError(t, err)
	defer m.DetachFile(f)

	require.NoError(t, f.Rename(path))
	assert.Equal(t, path, f.Path())
}

func TestFixBumpsSuppliedTxnCounters(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "txn.buf")
	const pageSize = 4096

	f, err := m.AttachFile(path, pageSize, bufcore.Normal, false, true, true, false)
	require.NoError(t, err)
	require.NoError(t, f.Extend(pageSize))
	defer m.DetachFile(f)

	txn := &bufcore.TxnCounters{}

	mem, err := m.Fix(f, 0, bufcore.WriteMode|bufcore.AllocateMode, txn)
	require.NoError(t, err)
	require.NoError(t, m.Unfix(mem, bufcore.UnfixFlush))
	assert.EqualValues(t, 1, txn.PageReferenceCount())
	assert.EqualValues(t, 0, txn.PageReadCount(), "allocate mode never reads from disk")

	m.pages.Remove(bufcore.PageID{Path: path, Offset: 0})

	mem2, err := m.Fix(f, 0, bufcore.ReadOnlyMode, txn)
	require.NoError(t, err)
	require.NoError(t, m.Unfix(mem2, bufcore.UnfixNone))
	assert.EqualValues(t, 2, txn.PageReferenceCount())
	assert.EqualValues(t, 1, txn.PageReadCount(), "a genuine disk read must bump page_read_count")
}

func TestCloseIsIdempotent(t *testing.T) {
	m, err := Open("")
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
