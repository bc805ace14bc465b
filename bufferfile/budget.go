package bufferfile

import (
	"container/list"
	"os"
	"sync"

	"github.com/kazedb/bufferengine/bufcore"
	"github.com/kazedb/bufferengine/internal/stats"
	"github.com/shirou/gopsutil/process"
)

func processPID() int { return os.Getpid() }

// budgetElement is a File's membership in the global descriptor LRU; front
// of the list is most-recently-opened.
type budgetElement struct {
	elem *list.Element
}

// descriptorBudget is the process-wide open-file-descriptor budget of
// spec.md §4.2/§5: an LRU of currently-open buffer files plus a counter of
// descriptors consumed by non-buffer code, together bounded by
// OpenFileCountMax (or OPEN_MAX - Reserved when unset).
type descriptorBudget struct {
	mu       sync.Mutex
	lru      *list.List // of *File, front = most recently opened
	max      int64
	reserved int64 // descriptors held by non-buffer code via reserveDescriptor
	stats    *stats.DescriptorStats
}

var globalBudget = &descriptorBudget{
	lru:   list.New(),
	max:   defaultOpenFileCountMax(),
	stats: stats.NewDescriptorStats(),
}

// Stats exposes the descriptor budget counters for the statistics daemon.
func Stats() *stats.DescriptorStats { return globalBudget.stats }

// Configure sets the budget's ceiling; called once at manager init from
// Buffer_OpenFileCountMax (falling back to the runtime default if the
// configured value is 0, i.e. unset).
func Configure(openFileCountMax int64) {
	globalBudget.mu.Lock()
	defer globalBudget.mu.Unlock()
	if openFileCountMax > 0 {
		globalBudget.max = openFileCountMax
	}
}

// defaultOpenFileCountMax reads the process's RLIMIT_NOFILE soft limit
// (OPEN_MAX) via gopsutil and returns a budget of OPEN_MAX - 100, falling
// back to a fixed constant when the limit can't be read or is not above
// 100 (mirrors spec.md §6's "OPEN_MAX - 100" default).
func defaultOpenFileCountMax() int64 {
	const fallback = 512
	const reserved = 100

	p, err := process.NewProcess(int32(processPID()))
	if err != nil {
		return fallback
	}
	rlimits, err := p.Rlimit()
	if err != nil {
		return fallback
	}
	for _, rl := range rlimits {
		if rl.Resource == process.RLIMIT_NOFILE {
			if rl.Soft > reserved {
				return int64(rl.Soft) - reserved
			}
		}
	}
	return fallback
}

// budgetTrack registers f as open and makes it MRU in the budget LRU. It
// is called with f.latch already held by the caller.
func budgetTrack(f *File) {
	globalBudget.mu.Lock()
	defer globalBudget.mu.Unlock()
	if f.budgetElem != nil {
		globalBudget.lru.MoveToFront(f.budgetElem.elem)
		return
	}
	f.budgetElem = &budgetElement{elem: globalBudget.lru.PushFront(f)}
	globalBudget.stats.RecordReserve()
}

// budgetUntrack removes f from the budget LRU; called with f.latch held.
func budgetUntrack(f *File) {
	globalBudget.mu.Lock()
	defer globalBudget.mu.Unlock()
	if f.budgetElem == nil {
		return
	}
	globalBudget.lru.Remove(f.budgetElem.elem)
	f.budgetElem = nil
	globalBudget.stats.RecordReturn()
}

// makeRoom closes the LRU-most open files (skipping ones whose latch is
// currently held by another goroutine) until the open count is below the
// budget, leaving room for one more open.
func (b *descriptorBudget) makeRoom() error {
	b.mu.Lock()
	openCount := int64(b.lru.Len())
	limit := b.max - b.reserved
	b.mu.Unlock()

	if openCount < limit {
		return nil
	}

	for attempts := 0; attempts < b.lru.Len()+1 && openCount >= limit; attempts++ {
		b.mu.Lock()
		victimElem := b.lru.Back()
		b.mu.Unlock()
		if victimElem == nil {
			break
		}
		victim, _ := victimElem.Value.(*File)
		if victim == nil {
			break
		}
		if !victim.latch.TryLock() {
			// Can't safely close while another goroutine holds the
			// file latch; move on and try the next-LRU candidate by
			// temporarily rotating it to front so the scan advances.
			b.mu.Lock()
			b.lru.MoveToFront(victimElem)
			b.mu.Unlock()
			continue
		}
		_ = victim.closeLocked()
		victim.latch.Unlock()

		b.mu.Lock()
		openCount = int64(b.lru.Len())
		b.mu.Unlock()
	}
	if openCount >= limit {
		return bufcore.ErrTooManyOpenFiles
	}
	return nil
}

// forceClose closes the LRU-most file other than f (used after an
// OS-level TooManyOpenFiles error to guarantee retry progress).
func (b *descriptorBudget) forceClose(f *File) {
	b.mu.Lock()
	var victimElem *list.Element
	for e := b.lru.Back(); e != nil; e = e.Prev() {
		if v, _ := e.Value.(*File); v != nil && v != f {
			victimElem = e
			break
		}
	}
	b.mu.Unlock()
	if victimElem == nil {
		return
	}
	victim := victimElem.Value.(*File)
	victim.latch.Lock()
	_ = victim.closeLocked()
	victim.latch.Unlock()
}

// ReserveDescriptor accounts for one file descriptor consumed by
// non-buffer code (spec.md §4.2/§5 reserveDescriptor). It returns false if
// the budget is exhausted.
func ReserveDescriptor() bool {
	globalBudget.mu.Lock()
	defer globalBudget.mu.Unlock()
	if globalBudget.reserved >= globalBudget.max {
		globalBudget.stats.RecordRejection()
		return false
	}
	globalBudget.reserved++
	return true
}

// ReturnDescriptor releases one descriptor reserved via ReserveDescriptor.
func ReturnDescriptor() {
	globalBudget.mu.Lock()
	defer globalBudget.mu.Unlock()
	if globalBudget.reserved > 0 {
		globalBudget.reserved--
	}
}
