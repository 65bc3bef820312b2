// Package handle implements the dense small-integer handle table used
// throughout the discovery core to give ownership-less references between
// subsystems (spec §4.1). It is a FIFO free-list over a growable array:
// allocated slots hold a caller value, Alloc pops the oldest-freed slot
// from the head of the free list, and Free appends to the tail, so a
// freed handle is not reissued until every other then-held handle has
// itself cycled through free-and-reissue first (spec §8's handle
// bijection, grounded on tinq-core's handle_alloc/handle_free: alloc pops
// elem[0].next, free appends via elem[0].prev as the tail pointer).
package handle

import (
	"sync"

	"github.com/qeodomain/ddscored/internal/ddserr"
)

// Handle is a 1-based dense small integer. 0 is never a valid handle.
type Handle uint32

const (
	// DefaultCap is the initial capacity, per spec §6 defaults.
	DefaultCap = 32
	// GrowBy is how many additional slots are added on exhaustion.
	GrowBy = 32
	// MaxCap is the hard ceiling (spec §4.1: "cap ~65534").
	MaxCap = 65534
)

type slot struct {
	used  bool
	value any
	next  int // index of next free slot, or -1
}

// Table is a handle table. The zero value is not usable; use New.
type Table struct {
	mu      sync.Mutex
	slots   []slot
	freeHd  int // index of first (oldest-freed) free slot, -1 if none
	freeTl  int // index of last (most-recently-freed) free slot, -1 if none
	ceiling int
}

// New creates a table with DefaultCap initial slots and the given ceiling
// (0 means MaxCap).
func New(ceiling int) *Table {
	if ceiling <= 0 || ceiling > MaxCap {
		ceiling = MaxCap
	}
	t := &Table{ceiling: ceiling, freeHd: -1, freeTl: -1}
	t.growLocked(DefaultCap)
	return t
}

// growLocked appends by new slots and chains them onto the tail of the
// free list, so a freshly grown slot is treated exactly like a freshly
// freed one for reuse-order purposes.
func (t *Table) growLocked(by int) error {
	start := len(t.slots)
	if start+by > t.ceiling {
		by = t.ceiling - start
	}
	if by <= 0 {
		return ddserr.New("handle.grow", ddserr.OutOfResources)
	}
	t.slots = append(t.slots, make([]slot, by)...)
	for i := start; i < len(t.slots); i++ {
		t.slots[i].next = i + 1
	}
	t.slots[len(t.slots)-1].next = -1
	if t.freeTl >= 0 {
		t.slots[t.freeTl].next = start
	} else {
		t.freeHd = start
	}
	t.freeTl = len(t.slots) - 1
	return nil
}

// Extend grows the table by GrowBy slots (or fewer, bounded by ceiling).
func (t *Table) Extend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.growLocked(GrowBy)
}

// Alloc reserves a new handle for value, growing the table once if
// exhausted, and returns OutOfResources if the ceiling is reached.
func (t *Table) Alloc(value any) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freeHd < 0 {
		if err := t.growLocked(GrowBy); err != nil {
			return 0, err
		}
	}
	idx := t.freeHd
	t.freeHd = t.slots[idx].next
	if t.freeHd < 0 {
		t.freeTl = -1
	}
	t.slots[idx] = slot{used: true, value: value}
	return Handle(idx + 1), nil
}

// Lookup returns the value stored at h, or BadParameter if h is out of
// range or currently free.
func (t *Table) Lookup(h Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := int(h) - 1
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].used {
		return nil, ddserr.New("handle.lookup", ddserr.BadParameter)
	}
	return t.slots[idx].value, nil
}

// Free releases h back to the free list, appending it at the tail so it
// is the last of the currently-free slots to be reissued (spec §8's FIFO
// reuse order). Freeing an already-free or out-of-range handle is
// AlreadyDeleted, treated as benign on teardown paths per spec §7.
func (t *Table) Free(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := int(h) - 1
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].used {
		return ddserr.New("handle.free", ddserr.AlreadyDeleted)
	}
	t.slots[idx] = slot{used: false, next: -1}
	if t.freeTl >= 0 {
		t.slots[t.freeTl].next = idx
	} else {
		t.freeHd = idx
	}
	t.freeTl = idx
	return nil
}

// Reset frees every handle and shrinks back to DefaultCap slots.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = nil
	t.freeHd = -1
	t.freeTl = -1
	t.growLocked(DefaultCap)
}

// Len reports the number of currently allocated handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s.used {
			n++
		}
	}
	return n
}
