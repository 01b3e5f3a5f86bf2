// Package swap implements the swap engine (spec §4.4): victim
// selection, disk I/O, and PTE rewriting for swap-out, and the
// inverse for swap-in. It is the only component that touches the
// frame pool, the LRU clock, and the swap bitmap in the same
// operation, so it is also where the lock-then-I/O discipline of spec
// §4.4/§5 is enforced: no lock is ever held across a disk transfer.
//
// Grounded on biscuit/src/vm/as.go's Sys_pgfault/Tlbshoot, which
// already follows "mutate under lock, drop the lock before anything
// that can block" for the COW fault path; this package applies the
// same discipline to eviction and to swap-in, and on
// biscuit/src/fs/blk.go's synchronous Read/Write for the disk
// transfer itself.
package swap

import (
	"sync"

	"swapvm/defs"
	"swapvm/lru"
	"swapvm/mem"
	"swapvm/swapdev"
	"swapvm/swapstat"
)

// PTEEditor is the address-space-side collaborator the swap engine
// needs to locate and mutate a single page table entry. vm.AddrSpace
// implements this interface; the swap package never imports vm (vm
// imports swap instead) to avoid a dependency cycle, since vm also
// needs to call into swap (Pgfault dispatching to SwapIn).
type PTEEditor interface {
	// LookupForClock reports whether vaddr currently maps frame f with
	// V=1, and the state of its access bit. Used only by the clock
	// scan; must not block or take a lock the engine already holds.
	LookupForClock(vaddr uintptr, f mem.Frame) (present, accessed bool)
	// ClearAccessed clears the access bit for vaddr.
	ClearAccessed(vaddr uintptr)
	// LookupSwapped returns the slot encoded by the PTE at vaddr,
	// verifying V=0, S=1 (spec §4.4 swap-in step 1).
	LookupSwapped(vaddr uintptr) (swapdev.Slot, bool)
	// BeginEvict marks the still-resident PTE at vaddr, which must map
	// frame f, as being evicted, so a concurrent unmap/exit blocks on
	// it instead of freeing f out from under the write in progress
	// (spec §5's lock-coverage guarantee). It must be called, and must
	// succeed, before any I/O or pool mutation touches f; it reports
	// false if vaddr no longer maps f, meaning the PTE changed out from
	// under the clock's victim selection and f must not be touched.
	BeginEvict(vaddr uintptr, f mem.Frame) bool
	// AbortEvict clears the marker set by a successful BeginEvict
	// without changing the PTE's V/S encoding, for when the engine
	// gives up on a victim after claiming it but before the swap-out
	// completes.
	AbortEvict(vaddr uintptr)
	// MarkSwappedOut atomically rewrites the PTE at vaddr from
	// resident to swapped: clears V, sets S, installs slot in the PPN
	// field, preserving the low permission bits in place (spec §4.4
	// step 7). It returns the frame that was mapped there, for the
	// caller's sanity check that it matches the selected victim.
	MarkSwappedOut(vaddr uintptr, slot swapdev.Slot) (frame mem.Frame, ok bool)
	// MarkSwappedIn atomically rewrites the PTE at vaddr from swapped
	// to resident with frame f. The permission bits already held in
	// the PTE since swap-out are left untouched; only V/S/PPN and the
	// access bit change (spec §4.4 swap-in step 6).
	MarkSwappedIn(vaddr uintptr, f mem.Frame)
	// TLBShoot flushes cached translations for vaddr in this address
	// space (spec §4.4 steps 7 and 8).
	TLBShoot(vaddr uintptr)
}

// Registry maps an opaque address-space id to its PTEEditor, letting
// the engine reach whichever process owns the frame the clock
// algorithm picked as victim. Grounded on the same "opaque id, looked
// up on demand" shape as biscuit's Cpumap indirection in
// biscuit/src/vm/as.go (Tlbshoot resolves CPU ids to APIC ids through
// a registered callback rather than holding a direct reference).
type Registry struct {
	mu  sync.Mutex
	tab map[defs.Pid_t]PTEEditor
}

// NewRegistry creates an empty address-space registry.
func NewRegistry() *Registry {
	return &Registry{tab: make(map[defs.Pid_t]PTEEditor)}
}

// Register associates pid with editor. Address spaces must register
// themselves before any of their frames can be inserted into the LRU.
func (r *Registry) Register(pid defs.Pid_t, editor PTEEditor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tab[pid] = editor
}

// Unregister removes pid, called from OnExit once its address space
// is fully torn down.
func (r *Registry) Unregister(pid defs.Pid_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tab, pid)
}

func (r *Registry) get(pid defs.Pid_t) (PTEEditor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tab[pid]
	return e, ok
}

// clockView adapts the Registry to lru.PTEView, so lru.Clock never
// needs to know about defs.Pid_t or the swap package at all.
type clockView struct {
	reg *Registry
}

func (cv *clockView) Lookup(owner uintptr, vaddr uintptr, f mem.Frame) (bool, bool) {
	e, ok := cv.reg.get(defs.Pid_t(owner))
	if !ok {
		return false, false
	}
	return e.LookupForClock(vaddr, f)
}

func (cv *clockView) ClearAccessed(owner uintptr, vaddr uintptr) {
	if e, ok := cv.reg.get(defs.Pid_t(owner)); ok {
		e.ClearAccessed(vaddr)
	}
}

// Engine is the swap engine: it owns the LRU clock, the frame pool
// reclaim path, and the swap device, and orchestrates both directions
// of the state machine in spec §4.4.
type Engine struct {
	Pool  *mem.Pool
	Area  *swapdev.Area
	Stats *swapstat.Stats
	Reg   *Registry
	clock *lru.Clock
}

// NewEngine wires a frame pool, an nframes-sized LRU clock, a swap
// area, and a stats surface into a swap engine, and installs the
// engine as the pool's reclaimer (spec §4.1: alloc_frame delegates to
// reclaim_one on an empty free-list).
func NewEngine(pool *mem.Pool, nframes int, area *swapdev.Area, stats *swapstat.Stats) *Engine {
	reg := NewRegistry()
	e := &Engine{
		Pool:  pool,
		Area:  area,
		Stats: stats,
		Reg:   reg,
	}
	e.clock = lru.New(nframes, &clockView{reg: reg})
	pool.SetReclaimer(e)
	return e
}

// LRUInsert splices frame f, owned by pid at vaddr, into the clock
// list, making it evictable (spec §4.5 "Map").
func (e *Engine) LRUInsert(pid defs.Pid_t, vaddr uintptr, f mem.Frame) {
	e.clock.Insert(f, uintptr(pid), vaddr)
}

// LRUUnlink excises frame f from the clock list (spec §4.5 "Unmap").
// Idempotent: unlinking an already-unlinked frame is a no-op.
func (e *Engine) LRUUnlink(f mem.Frame) {
	e.clock.Unlink(f)
}

// ReclaimOne implements mem.Reclaimer: it is spec §4.4's swap-out
// protocol in full, called by Pool.AllocFrame when the free-list is
// empty.
func (e *Engine) ReclaimOne() (mem.Frame, bool) {
	// Steps 1, 2 and 4: acquire the LRU lock, run pick_victim, and — if
	// one is found — excise it from the list before the lock is
	// released, all inside ReclaimVictim. After this call the victim
	// frame is privately owned by us; no other caller can select it.
	f, ref, ok := e.clock.ReclaimVictim()
	if !ok {
		return 0, false
	}
	pid := defs.Pid_t(ref.Owner)
	vaddr := ref.Vaddr

	editor, ok := e.Reg.get(pid)
	if !ok {
		panic("swap: victim references an unregistered address space")
	}

	// Claim the PTE before anything else touches f: once excised from
	// the LRU list, f is privately owned by this call, but its PTE
	// still reads resident until MarkSwappedOut runs below. Without
	// BeginEvict a concurrent unmap/exit on vaddr would see an
	// ordinary resident page and free f while we are still writing it
	// out (spec §5's page-table lock must cover this whole window). If
	// BeginEvict reports false, vaddr's PTE already changed — meaning
	// whoever changed it has already taken ownership of f — so we must
	// not touch f at all, not even to put it back on the LRU.
	if !editor.BeginEvict(vaddr, f) {
		return 0, false
	}

	// Step 3: reserve a swap slot. This runs after the victim was
	// excised, with the LRU lock already released. If the bitmap is
	// full, the victim goes back on the list at the tail, not at its
	// old position; no PTE or disk state has changed.
	slot, ok := e.Area.Bitmap.ReserveSlot()
	if !ok {
		editor.AbortEvict(vaddr)
		e.clock.Insert(f, uintptr(pid), vaddr)
		return 0, false
	}

	// Step 6: write the frame to the swap device. No spinlock is held
	// across this blocking I/O.
	page := e.Pool.Bytes(f)
	if err := e.Area.WriteSlot(slot, page); err != nil {
		// Disk I/O failure: revert. Release the slot, leave the PTE
		// alone, and re-insert the victim at the LRU tail (spec §4.4's
		// safer reversion policy — see SPEC_FULL.md's note on the
		// source's divergent, leakier original behavior).
		e.Area.Bitmap.ReleaseSlot(slot)
		editor.AbortEvict(vaddr)
		e.clock.Insert(f, uintptr(pid), vaddr)
		return 0, false
	}
	e.Stats.Writes.Inc()

	// Step 7: atomically rewrite the PTE and shoot down the TLB.
	gotFrame, ok := editor.MarkSwappedOut(vaddr, slot)
	if !ok || gotFrame != f {
		panic("swap: victim PTE no longer mapped the selected frame")
	}
	editor.TLBShoot(vaddr)

	// Step 8: the frame is now ours to return to the pool.
	e.Pool.FreeFrame(f)
	return f, true
}

// SwapIn implements spec §4.4's swap-in protocol: it resolves a fault
// on a PTE marked swapped, reading its contents back from disk and
// reinstating a resident mapping. It is invoked from vm.AddrSpace's
// fault handler hook (spec §4.6) and returns defs.ENOMEM if no frame
// could be obtained — the fault handler is responsible for turning
// that into a process kill, not this function.
func (e *Engine) SwapIn(pid defs.Pid_t, vaddr uintptr, editor PTEEditor) defs.Err_t {
	slot, ok := editor.LookupSwapped(vaddr)
	if !ok {
		panic("swap: SwapIn called on a PTE that is not swapped")
	}

	// alloc_frame may itself recurse into ReclaimOne above.
	f, ok := e.Pool.AllocFrame()
	if !ok {
		return defs.ENOMEM
	}

	page := e.Pool.Bytes(f)
	if err := e.Area.ReadSlot(slot, page); err != nil {
		// A swap-in read failure is fatal for a live process (spec
		// §7): the caller kills it. Give the frame back first so it
		// isn't leaked.
		e.Pool.FreeFrame(f)
		return defs.ENOMEM
	}
	e.Stats.Reads.Inc()

	e.Area.Bitmap.ReleaseSlot(slot)

	editor.MarkSwappedIn(vaddr, f)
	e.LRUInsert(pid, vaddr, f)
	editor.TLBShoot(vaddr)
	return 0
}
