package bufferpool

import "container/list"

// lruList is the Simple LRU replacement list (spec.md §4.1 item 1): a
// single list ordered by recency, front = MRU.
type lruList struct {
	l     *list.List
	elems map[Resident]*list.Element
}

func newLRUList() *lruList {
	return &lruList{l: list.New(), elems: make(map[Resident]*list.Element)}
}

// touch moves r to MRU, inserting it if not already present.
func (ll *lruList) touch(r Resident) {
	if e, ok := ll.elems[r]; ok {
		ll.l.MoveToFront(e)
		return
	}
	ll.elems[r] = ll.l.PushFront(r)
}

// remove drops r from the list entirely.
func (ll *lruList) remove(r Resident) {
	if e, ok := ll.elems[r]; ok {
		ll.l.Remove(e)
		delete(ll.elems, r)
	}
}

// evictionOrder returns residents from LRU end to MRU end, the scan order
// spec.md §4.1 "Eviction inside replace" specifies.
func (ll *lruList) evictionOrder() []Resident {
	out := make([]Resident, 0, ll.l.Len())
	for e := ll.l.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(Resident))
	}
	return out
}

// Len reports the list's current membership count.
func (ll *lruList) Len() int { return ll.l.Len() }
