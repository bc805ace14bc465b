package bufferfile

import (
	"path/filepath"
	"testing"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachReturnsSameDescriptorAndRefcounts(t *testing.T) {
	tbl := NewTable(4)
	path := filepath.Join(t.TempDir(), "a.buf")

	f1, err := tbl.Attach(path, 4096, bufcore.Normal, false, false)
	require.NoError(t, err)
	f2, err := tbl.Attach(path, 4096, bufcore.Normal, false, false)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	assert.EqualValues(t, 2, f1.refCount)

	require.NoError(t, tbl.Detach(f1))
	_, ok := tbl.Lookup(path)
	assert.True(t, ok, "one reference remains")

	require.NoError(t, tbl.Detach(f2))
	_, ok = tbl.Lookup(path)
	assert.False(t, ok, "table entry removed at zero refcount")
}

func TestAttachClassMismatchFails(t *testing.T) {
	tbl := NewTable(4)
	path := filepath.Join(t.TempDir(), "a.buf")

	_, err := tbl.Attach(path, 4096, bufcore.Normal, false, false)
	require.NoError(t, err)
	_, err = tbl.Attach(path, 4096, bufcore.Temporary, false, false)
	require.Error(t, err)
	assert.True(t, bufcore.IsUnexpected(err))
}

func TestTableRenameUpdatesBucketAndRejectsCollision(t *testing.T) {
	tbl := NewTable(4)
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.buf")
	pathB := filepath.Join(dir, "b.buf")

	fa, err := tbl.Attach(pathA, 4096, bufcore.Normal, false, false)
	require.NoError(t, err)
	require.NoError(t, fa.Create(true, false, 0o600))

	fb, err := tbl.Attach(pathB, 4096, bufcore.Normal, false, false)
	require.NoError(t, err)
	require.NoError(t, fb.Create(true, false, 0o600))

	err = tbl.Rename(fa, pathB)
	require.Error(t, err, "renaming onto a live descriptor's path must fail")
	assert.True(t, bufcore.IsUnexpected(err))

	pathC := filepath.Join(dir, "c.buf")
	require.NoError(t, tbl.Rename(fa, pathC))
	assert.Equal(t, pathC, fa.Path())
	_, ok := tbl.Lookup(pathA)
	assert.False(t, ok)
	got, ok := tbl.Lookup(pathC)
	assert.True(t, ok)
	assert.Same(t, fa, got)
}
