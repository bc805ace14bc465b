package bufferfile

import (
	"sync"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/util"
)

// bucket is one slot of the global file table, each with its own latch so
// unrelated paths never contend (spec.md §5 "hash-bucket latch — shortest").
type bucket struct {
	mu    sync.Mutex
	files map[string]*File
}

// Table is the global buffer file table: paths hash into buckets (§4.2
// "Attach"), each bucket holding the live descriptors whose path hashed
// there. Sized by Buffer_FileTableSize.
type Table struct {
	buckets []bucket
	// renameMu serializes Rename, which must touch two buckets at once;
	// renames are rare enough that a single global lock beats address-
	// ordered two-bucket locking in simplicity.
	renameMu sync.Mutex
}

// NewTable builds a file table with n buckets (n should come from
// config.Registry.Int("FileTableSize")).
func NewTable(n int) *Table {
	if n < 1 {
		n = 1
	}
	t := &Table{buckets: make([]bucket, n)}
	for i := range t.buckets {
		t.buckets[i].files = make(map[string]*File)
	}
	return t
}

func (t *Table) bucketFor(path string) *bucket {
	h := util.HashCode([]byte(path))
	return &t.buckets[h%uint64(len(t.buckets))]
}

// Attach returns the live descriptor for path, incrementing its refcount,
// or constructs a new one. The pool class of an existing descriptor must
// match class; a mismatch is a programming error (ErrUnexpected).
func (t *Table) Attach(path string, pageSize int64, class bufcore.PoolClass, readOnly, noCRC bool) (*File, error) {
	b := t.bucketFor(path)
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.files[path]; ok {
		if f.class != class {
			return nil, bufcore.NewError("bufferfile.Attach", bufcore.ErrUnexpected, nil)
		}
		f.refCount++
		return f, nil
	}
	f := newFile(path, pageSize, class, readOnly, noCRC)
	f.refCount = 1
	b.files[path] = f
	return f, nil
}

// Detach decrements f's refcount; at zero the descriptor is removed from
// the table and its OS file, if open, is closed.
func (t *Table) Detach(f *File) error {
	b := t.bucketFor(f.path)
	b.mu.Lock()
	defer b.mu.Unlock()

	f.refCount--
	if f.refCount > 0 {
		return nil
	}
	delete(b.files, f.path)
	return f.Close()
}

// Lookup returns the live descriptor for path without affecting refcount,
// or (nil, false).
func (t *Table) Lookup(path string) (*File, bool) {
	b := t.bucketFor(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[path]
	return f, ok
}

// Rename moves f from its current bucket to newPath's bucket, failing if
// the destination bucket already holds a different live descriptor for
// newPath (spec.md §4.2 "Rename").
func (t *Table) Rename(f *File, newPath string) error {
	if newPath == f.Path() {
		return nil
	}

	t.renameMu.Lock()
	defer t.renameMu.Unlock()

	oldBucket := t.bucketFor(f.path)
	newBucket := t.bucketFor(newPath)
	oldBucket.mu.Lock()
	if newBucket != oldBucket {
		newBucket.mu.Lock()
	}
	defer func() {
		if newBucket != oldBucket {
			newBucket.mu.Unlock()
		}
		oldBucket.mu.Unlock()
	}()

	if existing, ok := newBucket.files[newPath]; ok && existing != f {
		return bufcore.NewError("bufferfile.Rename", bufcore.ErrUnexpected, nil)
	}
	oldPath := f.path
	if err := f.Rename(newPath); err != nil {
		return err
	}
	delete(oldBucket.files, oldPath)
	newBucket.files[newPath] = f
	return nil
}
