// Package lru implements the page metadata table and the clock
// (second-chance) victim-selection engine over it (spec §4.3).
//
// Grounded on biscuit's mem.Physmem_t free-list (biscuit/src/mem/mem.go):
// a fixed arena of per-frame records threaded by index rather than
// pointer, where list membership — not a separate allocated flag —
// encodes state. This package generalizes that singly-linked,
// one-directional free list into the doubly-linked circular list the
// clock algorithm needs, and cross-checks the per-frame bookkeeping
// shape (last-touched metadata keyed by frame/page number) against
// other_examples' wechicken456-Go-Page-Replacement LRU node table.
package lru

import (
	"sync"

	"swapvm/mem"
)

// Backref is the back-reference an LRU record carries from a
// user-resident frame to the exactly one (page table, vaddr) pair
// mapping it (spec §3, Page Metadata Record).
type Backref struct {
	Owner uintptr // opaque identifier for the owning address space
	Vaddr uintptr
}

// PTEView lets the clock algorithm consult and clear a page table
// entry's hardware-maintained access bit without the lru package
// depending on the vm package's concrete PTE representation (which
// would create an import cycle, since vm depends on lru for
// OnMap/OnUnmapRange bookkeeping).
type PTEView interface {
	// Lookup returns whether a present, user-owned PTE exists for
	// (owner, vaddr) mapping exactly frame f, and if so whether its
	// access bit is currently set.
	Lookup(owner uintptr, vaddr uintptr, f mem.Frame) (present bool, accessed bool)
	// ClearAccessed clears the access bit for (owner, vaddr).
	ClearAccessed(owner uintptr, vaddr uintptr)
}

const unlinked = mem.NoFrame

type record struct {
	prev, next mem.Frame
	linked     bool
	ref        Backref
}

// Clock is the circular doubly-linked list of in-use user frames,
// plus the second-chance victim-selection algorithm over it. The
// zero value is not usable; construct one with New.
type Clock struct {
	mu   sync.Mutex
	recs []record
	head mem.Frame
	pte  PTEView
}

// New creates a clock engine sized for nframes frames. pte is
// consulted during victim selection to read and clear access bits.
func New(nframes int, pte PTEView) *Clock {
	c := &Clock{
		recs: make([]record, nframes),
		head: unlinked,
		pte:  pte,
	}
	for i := range c.recs {
		c.recs[i].prev = unlinked
		c.recs[i].next = unlinked
	}
	return c
}

// Insert stamps the back-reference for frame f and splices it into
// the circular list just behind the clock hand (spec §4.3: "just
// behind head in clock semantics"). It must not be called for an
// already-linked record.
func (c *Clock) Insert(f mem.Frame, owner uintptr, vaddr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &c.recs[f]
	if r.linked {
		panic("lru: Insert of an already-linked frame")
	}
	r.ref = Backref{Owner: owner, Vaddr: vaddr}
	r.linked = true
	if c.head == unlinked {
		c.head = f
		r.next = f
		r.prev = f
		return
	}
	tail := c.recs[c.head].prev
	r.prev = tail
	r.next = c.head
	c.recs[tail].next = f
	c.recs[c.head].prev = f
}

// Unlink excises frame f's record from the list. It is idempotent —
// unlinking an already-unlinked record is a no-op — because an unmap
// may race with a swap-out that has already selected the same frame
// as its victim (spec §4.3).
func (c *Clock) Unlink(f mem.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlinkLocked(f)
}

func (c *Clock) unlinkLocked(f mem.Frame) {
	r := &c.recs[f]
	if !r.linked {
		return
	}
	if r.next == f {
		// sole element
		c.head = unlinked
	} else {
		c.recs[r.prev].next = r.next
		c.recs[r.next].prev = r.prev
		if c.head == f {
			c.head = r.next
		}
	}
	r.linked = false
	r.prev, r.next = unlinked, unlinked
}

// Backref returns the current back-reference stored for f. The frame
// must be linked.
func (c *Clock) Backref(f mem.Frame) Backref {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &c.recs[f]
	if !r.linked {
		panic("lru: Backref of an unlinked frame")
	}
	return r.ref
}

// Linked reports whether f currently appears in the LRU list.
func (c *Clock) Linked(f mem.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recs[f].linked
}

// Len reports the number of frames currently in the list.
func (c *Clock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lenLocked()
}

func (c *Clock) lenLocked() int {
	if c.head == unlinked {
		return 0
	}
	n := 1
	for f := c.recs[c.head].next; f != c.head; f = c.recs[f].next {
		n++
	}
	return n
}

// pickVictimLocked runs the second-chance clock scan described in
// spec §4.3: starting at the head, skip stale/non-user/absent
// candidates, clear the access bit and advance on a second-chance
// hit, and stop at the first candidate whose access bit is clear. The
// caller must hold c.mu (the LRU lock of spec §5's lock order).
//
// The scan is bounded at two full revolutions; exceeding that is a
// fatal invariant violation (spec §4.3 — "no evictable page"), because
// on a pathological cycle where every PTE starts with A=1, the second
// pass is guaranteed to find one with A=0 (the first pass cleared
// them all).
func (c *Clock) pickVictimLocked() (mem.Frame, bool) {
	if c.head == unlinked {
		return 0, false
	}
	limit := 2 * c.lenLocked()
	f := c.head
	for i := 0; i < limit; i++ {
		r := &c.recs[f]
		present, accessed := c.pte.Lookup(r.ref.Owner, r.ref.Vaddr, f)
		if !present {
			// stale metadata: the mapping behind this frame is gone.
			// defensive guard per spec §4.3 step 1.
			f = r.next
			continue
		}
		if accessed {
			c.pte.ClearAccessed(r.ref.Owner, r.ref.Vaddr)
			f = r.next
			continue
		}
		c.head = f
		return f, true
	}
	panic("lru: clock scan exceeded two revolutions with no evictable page")
}

// ReclaimVictim performs spec §4.4 steps 1, 2 and 4 atomically under a
// single acquisition of the LRU lock: pick a victim via the clock
// algorithm and, if one is found, excise it from the list before
// releasing the lock, so no other caller can select the same frame. No
// swap slot is reserved here; the caller does that after this returns.
// It returns the victim's backref alongside the frame since Backref
// panics once the record is unlinked.
func (c *Clock) ReclaimVictim() (f mem.Frame, ref Backref, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok = c.pickVictimLocked()
	if !ok {
		return 0, Backref{}, false
	}
	ref = c.recs[f].ref
	c.unlinkLocked(f)
	return f, ref, true
}
