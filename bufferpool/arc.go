package bufferpool

import (
	"container/list"

	"github.com/kazedb/bufferengine/bufcore"
)

// arcLists implements the Megiddo-Modha ARC replacement variant (spec.md
// §4.1 item 2): T1/T2 resident lists and B1/B2 ghost (metadata-only)
// lists, balanced by the adaptive parameter p. Feature-gated behind
// Policy; the shipped default is LRUPolicy (see DESIGN.md).
type arcLists struct {
	limit int64 // c: total byte budget, same value as Pool.limit
	p     int64 // target byte size of T1

	t1, t2 *list.List // of Resident, front = MRU
	b1, b2 *list.List // of ghostEntry, front = MRU

	t1Index map[bufcore.PageID]*list.Element
	t2Index map[bufcore.PageID]*list.Element
	b1Index map[bufcore.PageID]*list.Element
	b2Index map[bufcore.PageID]*list.Element

	t1Bytes, t2Bytes, b1Bytes, b2Bytes int64
}

type ghostEntry struct {
	id   bufcore.PageID
	size int64
}

func newARCLists(limit int64) *arcLists {
	return &arcLists{
		limit:   limit,
		t1:      list.New(),
		t2:      list.New(),
		b1:      list.New(),
		b2:      list.New(),
		t1Index: make(map[bufcore.PageID]*list.Element),
		t2Index: make(map[bufcore.PageID]*list.Element),
		b1Index: make(map[bufcore.PageID]*list.Element),
		b2Index: make(map[bufcore.PageID]*list.Element),
	}
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// access records a reference to r: a fresh page enters T1 MRU; a T1/T2 hit
// promotes/refreshes into T2 MRU; a ghost hit in B1/B2 adjusts p and
// promotes into T2 MRU, matching the formula in spec.md §4.1.
func (a *arcLists) access(r Resident) {
	id := r.Key()
	size := r.ByteSize()

	if e, ok := a.t1Index[id]; ok {
		a.t1.Remove(e)
		delete(a.t1Index, id)
		a.t1Bytes -= size
		a.t2Index[id] = a.t2.PushFront(r)
		a.t2Bytes += size
		return
	}
	if e, ok := a.t2Index[id]; ok {
		a.t2.MoveToFront(e)
		return
	}
	if e, ok := a.b1Index[id]; ok {
		b1n, b2n := int64(a.b1.Len()), int64(a.b2.Len())
		delta := maxI64(b2n/maxI64(b1n, 1), 1) * size
		a.p = clamp(a.p+delta, 0, a.limit)
		a.b1.Remove(e)
		delete(a.b1Index, id)
		a.b1Bytes -= size
		a.t2Index[id] = a.t2.PushFront(r)
		a.t2Bytes += size
		return
	}
	if e, ok := a.b2Index[id]; ok {
		b1n, b2n := int64(a.b1.Len()), int64(a.b2.Len())
		delta := maxI64(b1n/maxI64(b2n, 1), 1) * size
		a.p = clamp(a.p-delta, 0, a.limit)
		a.b2.Remove(e)
		delete(a.b2Index, id)
		a.b2Bytes -= size
		a.t2Index[id] = a.t2.PushFront(r)
		a.t2Bytes += size
		return
	}

	a.t1Index[id] = a.t1.PushFront(r)
	a.t1Bytes += size
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// evictionOrder picks candidates from T1 if its size exceeds p (or T1 is
// empty), otherwise from T2, LRU end first — the standard ARC REPLACE
// rule — then falls back to the other list so eviction always has
// somewhere to look.
func (a *arcLists) evictionOrder() []Resident {
	var primary, secondary *list.List
	if a.t1Bytes > a.p || a.t1.Len() == 0 {
		primary, secondary = a.t1, a.t2
	} else {
		primary, secondary = a.t2, a.t1
	}

	out := make([]Resident, 0, a.t1.Len()+a.t2.Len())
	for e := primary.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(Resident))
	}
	for e := secondary.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(Resident))
	}
	return out
}

// remove drops r from whichever of T1/T2 holds it and records a ghost
// entry in the matching B list, then trims ghost lists per spec.md §4.1:
// "When |T1|+|B1| > limit, trim B1; when the total exceeds 2*limit, trim
// B2." Every list's "size" here is its total resident/ghost byte count
// rather than its entry count, consistent with p and Pool.limit both being
// byte-valued (see DESIGN.md's ARC p-units decision) — comparing entry
// counts against a byte-valued limit would make the trim all but never
// fire at realistic page sizes, leaking ghost entries forever.
func (a *arcLists) remove(r Resident) {
	id := r.Key()
	size := r.ByteSize()

	if e, ok := a.t1Index[id]; ok {
		a.t1.Remove(e)
		delete(a.t1Index, id)
		a.t1Bytes -= size
		a.b1Index[id] = a.b1.PushFront(ghostEntry{id: id, size: size})
		a.b1Bytes += size
	} else if e, ok := a.t2Index[id]; ok {
		a.t2.Remove(e)
		delete(a.t2Index, id)
		a.t2Bytes -= size
		a.b2Index[id] = a.b2.PushFront(ghostEntry{id: id, size: size})
		a.b2Bytes += size
	}

	for a.t1Bytes+a.b1Bytes > a.limit && a.b1.Len() > 0 {
		a.trimGhostBack(a.b1, a.b1Index, &a.b1Bytes)
	}
	for a.t1Bytes+a.t2Bytes+a.b1Bytes+a.b2Bytes > 2*a.limit && a.b2.Len() > 0 {
		a.trimGhostBack(a.b2, a.b2Index, &a.b2Bytes)
	}
}

func (a *arcLists) trimGhostBack(l *list.List, idx map[bufcore.PageID]*list.Element, bytes *int64) {
	e := l.Back()
	if e == nil {
		return
	}
	g := e.Value.(ghostEntry)
	l.Remove(e)
	delete(idx, g.id)
	*bytes -= g.size
}
