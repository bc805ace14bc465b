package bufferpage

import (
	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/internal/checksum"
)

// Memory is the handle returned by Fix: a view onto one page's usable
// content, carrying the fix mode and whether the page was freshly
// allocated (spec.md §6 "API to engine code": begin()/size()/category()).
type Memory struct {
	desc  *Descriptor
	mode  bufcore.FixMode
	reset bool
}

// Begin returns the page's usable content region — the byte range between
// the 8-byte header and the 4-byte footer. For a Discardable fix, the
// first call lazily creates a working copy and every subsequent Begin on
// this handle returns that copy; Unfix(None) discards it, Unfix(Dirty) or
// Touch promotes it into the canonical buffer.
func (m *Memory) Begin() []byte {
	d := m.desc
	buf := d.memory
	if m.mode.Has(bufcore.Discardable) {
		if d.working == nil {
			d.working = make([]byte, len(d.memory))
			copy(d.working, d.memory)
		}
		buf = d.working
	}
	ps := int(d.pageSize)
	return buf[checksum.HeaderSize : ps-checksum.FooterSize]
}

// Size returns the usable content size: page_size - 12.
func (m *Memory) Size() int64 {
	return m.desc.pageSize - int64(checksum.HeaderSize) - int64(checksum.FooterSize)
}

// Category returns the pool class this page's memory is accounted
// against.
func (m *Memory) Category() bufcore.PoolClass {
	return m.desc.pool.Class()
}

// Reset reports whether this fix used Allocate mode (content is
// uninitialized rather than read from disk).
func (m *Memory) Reset() bool { return m.reset }

// PageID returns the (path, offset) identity of the fixed page.
func (m *Memory) PageID() bufcore.PageID { return m.desc.id }
