// Package mem implements the frame pool: the free-list of physical
// frames carved from [kernel_end, PHYSTOP) that every other layer of
// the paging subsystem allocates from.
//
// Grounded on biscuit's mem.Physmem_t (biscuit/src/mem/mem.go), which
// threads a free-list through a flat []Physpg_t array under a single
// sync.Mutex. This package keeps that shape — an index-linked free
// list over a fixed arena, per-frame state implied by list membership
// rather than a separate allocated flag — and drops what the spec
// puts out of scope: per-CPU free lists and COW reference counting.
// Every frame here has exactly one owner at a time.
package mem

import (
	"fmt"
	"sync"
)

// Pa_t is a physical address, identifying a frame by pa/PGSIZE.
type Pa_t uintptr

// Frame identifies a physical frame by its index into the pool.
type Frame uint32

// NoFrame is the sentinel for "not a frame" (analogous to biscuit's
// ^uint32(0) free-list terminator).
const NoFrame Frame = ^Frame(0)

// Reclaimer is consulted when the free-list is empty. In the running
// kernel this is the swap engine's ReclaimOne; tests can substitute a
// stub that always reports failure to exercise the OOM path without
// wiring up a full swap engine.
type Reclaimer interface {
	ReclaimOne() (Frame, bool)
}

type framerec struct {
	nexti Frame
	inuse bool
}

// Pool is the physical frame allocator. The zero value is not usable;
// construct one with NewPool.
type Pool struct {
	mu        sync.Mutex
	frames    []framerec
	freehead  Frame
	freelen   int
	reclaimer Reclaimer
	// poison is the fill byte written into a frame on free, to make
	// use-after-free of a swapped-out page detectable.
	poison byte
	// backing holds the actual bytes for each frame so the pool is
	// self-contained and testable without a real physical address
	// space. Frame n's bytes are backing[n*PGSIZE : (n+1)*PGSIZE].
	backing []byte
	pgsize  int
}

// NewPool creates a frame pool of nframes frames, each pgsize bytes,
// all initially free.
func NewPool(nframes, pgsize int) *Pool {
	p := &Pool{
		frames:  make([]framerec, nframes),
		backing: make([]byte, nframes*pgsize),
		poison:  0xfe,
		pgsize:  pgsize,
	}
	for i := range p.frames {
		if i == len(p.frames)-1 {
			p.frames[i].nexti = NoFrame
		} else {
			p.frames[i].nexti = Frame(i + 1)
		}
	}
	p.freehead = 0
	p.freelen = nframes
	return p
}

// SetReclaimer installs the victim-selection/swap-out collaborator
// consulted when the pool is exhausted. Must be called before the
// pool can service an AllocFrame on an empty free-list.
func (p *Pool) SetReclaimer(r Reclaimer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reclaimer = r
}

// Bytes returns the backing storage for a frame for direct read/write,
// analogous to dereferencing a *mem.Pg_t in biscuit.
func (p *Pool) Bytes(f Frame) []byte {
	off := int(f) * p.pgsize
	return p.backing[off : off+p.pgsize]
}

// NumFree reports the number of frames currently on the free-list.
func (p *Pool) NumFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelen
}

// AllocFrame detaches the free-list head. On an empty free-list it
// delegates to the installed Reclaimer's ReclaimOne (spec §4.1); it
// reports failure only when both the free-list is empty and
// reclamation fails. The returned frame is zero-filled; it is not
// placed on the LRU — that is the caller's responsibility once a user
// mapping is established (spec §4.5 "Map").
//
// ReclaimOne's own contract (see swap.Engine.ReclaimOne) is to select a
// victim and FreeFrame it back onto this free-list, not to hand a
// frame directly to its caller — a reclaimed frame is only ever
// obtained by detaching it here, the same as any other free frame.
// AllocFrame therefore treats ReclaimOne's bool as "the free-list is no
// longer empty" and re-detaches to find out which frame that is; it
// never trusts the Frame value ReclaimOne returns. If a concurrent
// caller detached that frame first, AllocFrame reclaims again. Popping the frame
// ReclaimOne's own value directly instead would hand the same frame
// out twice: once here, and again the next time the free-list (which
// still carries it) is detached.
func (p *Pool) AllocFrame() (Frame, bool) {
	f, ok := p.detachHead()
	for !ok {
		r := p.reclaimer
		if r == nil {
			return 0, false
		}
		if _, ok = r.ReclaimOne(); !ok {
			return 0, false
		}
		f, ok = p.detachHead()
	}
	b := p.Bytes(f)
	for i := range b {
		b[i] = 0
	}
	p.mu.Lock()
	p.frames[f].inuse = true
	p.mu.Unlock()
	return f, true
}

func (p *Pool) detachHead() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freehead == NoFrame {
		return 0, false
	}
	f := p.freehead
	p.freehead = p.frames[f].nexti
	p.freelen--
	if p.freelen < 0 {
		panic("mem: negative free count")
	}
	p.frames[f].inuse = true
	return f, true
}

// FreeFrame returns a frame to the free-list. The frame must already
// be unlinked from the LRU by the caller (spec §4.1); FreeFrame fills
// it with a poison pattern before the free-list lock is taken, so the
// poison write happens outside the lock exactly as spec §4.1
// prescribes.
func (p *Pool) FreeFrame(f Frame) {
	b := p.Bytes(f)
	for i := range b {
		b[i] = p.poison
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.frames[f].inuse {
		panic(fmt.Sprintf("mem: double free of frame %d", f))
	}
	p.frames[f].inuse = false
	p.frames[f].nexti = p.freehead
	p.freehead = f
	p.freelen++
}

// IsFree reports whether f is currently on the free-list. Exposed for
// invariant-checking tests (spec §8 property 5).
func (p *Pool) IsFree(f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.frames[f].inuse
}
