package bufferfile

import (
	"os"
	"path/filepath"

	"github.com/kazedb/bufferengine/bufcore"
)

// Read issues a single OS read of len(buf) bytes at offset. A short read
// is reported as BadDataPage (content is trusted to equal page size or
// not at all, never partially).
func (f *File) Read(buf []byte, offset int64) error {
	f.latch.Lock()
	if err := f.openLocked(0o600); err != nil {
		f.latch.Unlock()
		return err
	}
	fd := f.fd
	f.latch.Unlock()

	if fd == nil {
		// Volatile file never written: reads past end are logically
		// zero-filled, matching extend()'s cached-growth semantics.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	n, err := fd.ReadAt(buf, offset)
	if err != nil || n != len(buf) {
		f.latch.Lock()
		_ = f.closeLocked()
		f.latch.Unlock()
		if err != nil {
			return bufcore.BadDataPage("bufferfile.Read", f.path, offset, err)
		}
		return bufcore.BadDataPage("bufferfile.Read", f.path, offset, nil)
	}
	return nil
}

// ReadVector reads n contiguous page-aligned buffers as one scatter read
// starting at offset, used by read-ahead (spec.md §4.3). All buffers must
// be the same size (pageSize) and contiguous in file order.
func (f *File) ReadVector(bufs [][]byte, offset int64) error {
	if len(bufs) == 0 {
		return nil
	}
	if len(bufs) == 1 {
		return f.Read(bufs[0], offset)
	}
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	flat := make([]byte, total)
	if err := f.Read(flat, offset); err != nil {
		return err
	}
	pos := 0
	for _, b := range bufs {
		copy(b, flat[pos:pos+len(b)])
		pos += len(b)
	}
	return nil
}

// Write issues a single OS write of buf at offset and sets the
// written-since-open flag consumed by Sync. Materializes a Volatile file
// on its first write.
func (f *File) Write(buf []byte, offset int64) error {
	f.latch.Lock()
	defer f.latch.Unlock()

	if f.accessibility == bufcore.Volatile {
		if err := f.materializeLocked(); err != nil {
			return err
		}
	}
	if err := f.openLocked(0o600); err != nil {
		return err
	}

	n, err := f.fd.WriteAt(buf, offset)
	if err != nil {
		_ = f.closeLocked()
		return bufcore.NewError("bufferfile.Write", bufcore.ErrUnexpected, err)
	}
	if n != len(buf) {
		_ = f.closeLocked()
		return bufcore.NewError("bufferfile.Write", bufcore.ErrUnexpected, nil)
	}
	f.written = true
	end := offset + int64(len(buf))
	if end > f.cachedSize {
		f.cachedSize = end
	}
	return nil
}

// WriteVector writes n contiguous buffers belonging to the same file as
// one scatter write, used by flush-dirty coalescing (spec.md §4.1).
func (f *File) WriteVector(bufs [][]byte, offset int64) error {
	if len(bufs) == 0 {
		return nil
	}
	if len(bufs) == 1 {
		return f.Write(bufs[0], offset)
	}
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	flat := make([]byte, 0, total)
	for _, b := range bufs {
		flat = append(flat, b...)
	}
	return f.Write(flat, offset)
}

// materializeLocked creates the OS file for a Volatile file on its first
// write; must be called with latch held.
func (f *File) materializeLocked() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return bufcore.NewError("bufferfile.materialize", bufcore.ErrUnexpected, err)
	}
	fd, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return bufcore.NewError("bufferfile.materialize", bufcore.ErrUnexpected, err)
	}
	if f.cachedSize > 0 {
		if err := fd.Truncate(f.cachedSize); err != nil {
			fd.Close()
			return bufcore.NewError("bufferfile.materialize", bufcore.ErrUnexpected, err)
		}
	}
	f.fd = fd
	f.accessibility = bufcore.Persisted
	budgetTrack(f)
	return nil
}

// Flush writes a single page at offset (used as a narrow alias of Write by
// callers that think in terms of "flush this page").
func (f *File) Flush(buf []byte, offset int64) error {
	return f.Write(buf, offset)
}

// Sync fsyncs the file if the written flag is set, then clears it. On
// platforms where buffer files are opened unbuffered this would be a
// no-op; this implementation always opens buffered and always syncs
// (documented decision, see DESIGN.md open question on Windows/POSIX sync
// semantics).
func (f *File) Sync() error {
	f.latch.Lock()
	defer f.latch.Unlock()
	if f.fd == nil || !f.written {
		return nil
	}
	if err := f.fd.Sync(); err != nil {
		return bufcore.NewError("bufferfile.Sync", bufcore.ErrUnexpected, err)
	}
	f.written = false
	return nil
}

// Truncate discards content at or after offset, rounded down to a
// page-size multiple.
func (f *File) Truncate(offset int64) error {
	f.latch.Lock()
	defer f.latch.Unlock()

	aligned := (offset / f.pageSize) * f.pageSize
	if f.accessibility == bufcore.Volatile {
		f.cachedSize = aligned
		return nil
	}
	if err := f.openLocked(0o600); err != nil {
		return err
	}
	if err := f.fd.Truncate(aligned); err != nil {
		return bufcore.NewError("bufferfile.Truncate", bufcore.ErrUnexpected, err)
	}
	f.cachedSize = aligned
	return nil
}

// Extend grows the file to offset, rounded up to a page-size multiple, by
// writing zero-filled pages so every intermediate offset reads
// successfully. On a Volatile file this only grows the cached size.
func (f *File) Extend(offset int64) error {
	f.latch.Lock()
	aligned := ((offset + f.pageSize - 1) / f.pageSize) * f.pageSize
	if f.accessibility == bufcore.Volatile {
		if aligned > f.cachedSize {
			f.cachedSize = aligned
		}
		f.latch.Unlock()
		return nil
	}
	current := f.cachedSize
	f.latch.Unlock()

	if aligned <= current {
		return nil
	}
	zero := make([]byte, f.pageSize)
	for off := current; off < aligned; off += f.pageSize {
		if err := f.Write(zero, off); err != nil {
			return err
		}
	}
	return nil
}
