// Package vm implements the address-space-side hooks of spec §4.5 and
// the fault handler of spec §4.6: the glue that turns the frame pool,
// the LRU clock, and the swap engine into a demand-paged address
// space. It is the sole implementation of swap.PTEEditor and
// swapstat.UserCopier in this module.
//
// Grounded on biscuit's vm.Vm_t (biscuit/src/vm/as.go): Lock_pmap /
// Unlock_pmap bracket every page-table mutation, Page_insert installs
// a resident PTE and owns the corresponding Physmem_t.Refup bookkeeping,
// and Sys_pgfault dispatches on the PTE's encoding before falling
// through to COW/lazy-allocation. This package keeps that "lock,
// mutate, unlock before anything that can block" discipline but
// replaces biscuit's literal multi-level x86 page table (built from
// unsafe-cast *Pg_t arrays walked by Pmap_walk) with a plain
// map[uintptr]*pte guarded by the address space's own mutex — a
// software model that is exercised the same way by every caller and
// is actually testable without a real MMU. See DESIGN.md.
package vm

import (
	"sync"

	"swapvm/config"
	"swapvm/defs"
	"swapvm/mem"
	"swapvm/swap"
	"swapvm/swapdev"
)

// AddrSpace is one process's user address space: the page table
// (modeled as a map from page-aligned vaddr to pte) plus the
// collaborators it needs to satisfy a fault. The zero value is not
// usable; construct one with New.
type AddrSpace struct {
	mu     sync.Mutex
	cond   *sync.Cond // broadcasts whenever a pte's evicting flag clears
	pid    defs.Pid_t
	table  map[uintptr]*pte
	pool   *mem.Pool
	area   *swapdev.Area
	engine *swap.Engine
	shoots int // TLB shootdown count, exposed for tests
}

// New creates an address space for pid and registers it with engine so
// the clock algorithm and the swap engine can reach it by pid. Callers
// must call OnExit before dropping the last reference, or the registry
// leaks an entry.
func New(pid defs.Pid_t, pool *mem.Pool, area *swapdev.Area, engine *swap.Engine) *AddrSpace {
	as := &AddrSpace{
		pid:    pid,
		table:  make(map[uintptr]*pte),
		pool:   pool,
		area:   area,
		engine: engine,
	}
	as.cond = sync.NewCond(&as.mu)
	engine.Reg.Register(pid, as)
	return as
}

func page(vaddr uintptr) uintptr {
	return vaddr &^ uintptr(config.PGSIZE-1)
}

// Resident reports whether vaddr currently has a V=1 mapping. Exposed
// for invariant-checking callers (spec §8 properties 1 and 2) that
// need to observe a PTE's encoding without a full copy-in/copy-out.
func (as *AddrSpace) Resident(vaddr uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	p, ok := as.table[page(vaddr)]
	return ok && p.IsResident()
}

// Swapped reports whether vaddr currently has a V=0,S=1 mapping.
func (as *AddrSpace) Swapped(vaddr uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	p, ok := as.table[page(vaddr)]
	return ok && p.IsSwapped()
}

// OnMap installs a new resident PTE for vaddr backed by frame f and
// inserts it into the LRU clock (spec §4.5 "Map"). vaddr must not
// already have a PTE.
func (as *AddrSpace) OnMap(vaddr uintptr, f mem.Frame, writable bool) {
	va := page(vaddr)
	as.mu.Lock()
	if _, exists := as.table[va]; exists {
		as.mu.Unlock()
		panic("vm: OnMap of an already-mapped vaddr")
	}
	p := &pte{present: true, frame: f}
	if writable {
		p.perm |= PermWrite
	}
	as.table[va] = p
	as.mu.Unlock()
	as.engine.LRUInsert(as.pid, va, f)
}

// OnUnmapRange tears down every PTE in [start, end) (start/end are
// page-aligned by the caller), releasing resident frames back to the
// pool and swapped slots back to the bitmap (spec §4.5 "Unmap"). Used
// directly for munmap-style teardown; OnExit uses unmapAll instead.
func (as *AddrSpace) OnUnmapRange(start, end uintptr) {
	for va := page(start); va < end; va += uintptr(config.PGSIZE) {
		as.unmapOne(va)
	}
}

// unmapAll tears down every currently-mapped page, regardless of
// address range. Used by OnExit and by OnForkCopy's failure path,
// where walking a [0, 2^64) range page by page would never finish;
// both only ever need "every page this address space currently
// holds," which the table already enumerates directly.
func (as *AddrSpace) unmapAll() {
	as.mu.Lock()
	vas := make([]uintptr, 0, len(as.table))
	for va := range as.table {
		vas = append(vas, va)
	}
	as.mu.Unlock()
	for _, va := range vas {
		as.unmapOne(va)
	}
}

// unmapOne tears down the PTE at va, if any. If the swap engine has
// claimed va's frame for an in-flight eviction (pte.evicting), it waits
// for that eviction to finish or abort before touching the entry —
// spec §5's page-table lock must cover the engine's full
// selection-to-rewrite window, and the only way to honor that with a
// per-address-space mutex rather than a per-page one is to block the
// racing unmap here instead of letting it free a frame the engine
// still privately owns.
func (as *AddrSpace) unmapOne(va uintptr) {
	as.mu.Lock()
	p, ok := as.table[va]
	for ok && p.evicting {
		as.cond.Wait()
		p, ok = as.table[va]
	}
	if ok {
		delete(as.table, va)
	}
	as.mu.Unlock()
	if !ok {
		return
	}
	switch {
	case p.IsResident():
		as.engine.LRUUnlink(p.frame)
		as.pool.FreeFrame(p.frame)
	case p.IsSwapped():
		as.area.Bitmap.ReleaseSlot(p.slot)
	}
}

// OnForkCopy duplicates every mapped page of as into child (spec §4.5
// "Fork"). A resident page is copied byte-for-byte into a freshly
// allocated child frame. A swapped page is materialized directly into
// a freshly allocated child frame by reading the parent's slot — the
// parent keeps its own slot reserved, since nothing else references it
// (the minimal-correctness reading of spec §4.5: a stricter design
// could instead give the child its own swapped-but-not-yet-read copy,
// but that needs copy-on-write bookkeeping spec §4.5 says is out of
// scope here). On a mid-copy failure, everything installed into child
// so far is torn down before returning the error.
func (as *AddrSpace) OnForkCopy(child *AddrSpace) defs.Err_t {
	as.mu.Lock()
	vas := make([]uintptr, 0, len(as.table))
	for va := range as.table {
		vas = append(vas, va)
	}
	as.mu.Unlock()

	for _, va := range vas {
		if err := as.forkOnePage(child, va); err != 0 {
			child.unmapAll()
			return err
		}
	}
	return 0
}

func (as *AddrSpace) forkOnePage(child *AddrSpace, va uintptr) defs.Err_t {
	as.mu.Lock()
	p, ok := as.table[va]
	as.mu.Unlock()
	if !ok {
		return 0
	}

	switch {
	case p.IsResident():
		cf, ok := as.pool.AllocFrame()
		if !ok {
			return defs.ENOMEM
		}
		// AllocFrame may have evicted this very page to free cf; if so,
		// copy from its slot rather than from the reused frame.
		as.mu.Lock()
		resident, src, slot := p.IsResident(), p.frame, p.slot
		as.mu.Unlock()
		if resident {
			copy(as.pool.Bytes(cf), as.pool.Bytes(src))
		} else {
			if err := as.area.ReadSlot(slot, as.pool.Bytes(cf)); err != nil {
				as.pool.FreeFrame(cf)
				return defs.ENOMEM
			}
			as.engine.Stats.Reads.Inc()
		}
		child.OnMap(va, cf, p.perm&PermWrite != 0)
		return 0
	case p.IsSwapped():
		cf, ok := as.pool.AllocFrame()
		if !ok {
			return defs.ENOMEM
		}
		if err := as.area.ReadSlot(p.slot, as.pool.Bytes(cf)); err != nil {
			as.pool.FreeFrame(cf)
			return defs.ENOMEM
		}
		as.engine.Stats.Reads.Inc()
		child.OnMap(va, cf, p.perm&PermWrite != 0)
		return 0
	default:
		return 0
	}
}

// Touch simulates a hardware memory reference to vaddr, setting the
// access bit of a resident PTE. Real hardware sets this bit on every
// load/store through the page; nothing in this software model walks
// a page table on every memory access, so callers that want to drive
// a particular reference pattern through the clock algorithm (tests,
// a scheduler's working-set estimator) call this explicitly instead.
// A swapped or unmapped vaddr is a no-op.
func (as *AddrSpace) Touch(vaddr uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if p, ok := as.table[page(vaddr)]; ok && p.IsResident() {
		p.accessed = true
	}
}

// OnExit tears down every mapping in as and unregisters it, releasing
// all frames and swap slots it owned (spec §4.5 "Exit" — the ≥80%
// reclamation property of spec §8 depends on this running to
// completion for every exiting process).
func (as *AddrSpace) OnExit() {
	as.unmapAll()
	as.engine.Reg.Unregister(as.pid)
}

// Pgfault dispatches a fault on vaddr (spec §4.6). The only case this
// package resolves on its own is V=0,S=1: everything else (no PTE at
// all, or a present PTE faulting for a reason outside this subsystem's
// scope, e.g. COW) is reported as defs.EFAULT for the caller to handle
// or kill the process, since lazy allocation and copy-on-write are out
// of scope (spec §1 Non-goals).
func (as *AddrSpace) Pgfault(vaddr uintptr) defs.Err_t {
	va := page(vaddr)
	as.mu.Lock()
	p, ok := as.table[va]
	swapped := ok && p.IsSwapped()
	as.mu.Unlock()
	if !ok {
		return defs.EFAULT
	}
	if !swapped {
		return defs.EFAULT
	}
	return as.engine.SwapIn(as.pid, va, as)
}

// --- swap.PTEEditor ---

func (as *AddrSpace) LookupForClock(vaddr uintptr, f mem.Frame) (bool, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	p, ok := as.table[vaddr]
	if !ok || !p.IsResident() || p.frame != f {
		return false, false
	}
	return true, p.accessed
}

func (as *AddrSpace) ClearAccessed(vaddr uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if p, ok := as.table[vaddr]; ok {
		p.accessed = false
	}
}

func (as *AddrSpace) LookupSwapped(vaddr uintptr) (swapdev.Slot, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	p, ok := as.table[vaddr]
	if !ok || !p.IsSwapped() {
		return swapdev.NoSlot, false
	}
	return p.slot, true
}

// BeginEvict marks the resident PTE at vaddr, which must currently map
// frame f, as being evicted: unmapOne will block on it rather than
// freeing f until the eviction finishes (MarkSwappedOut) or aborts
// (AbortEvict). It reports false if vaddr no longer maps f — the
// caller must then abandon the eviction untouched, since whoever
// changed the PTE already took ownership of the frame.
func (as *AddrSpace) BeginEvict(vaddr uintptr, f mem.Frame) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	p, ok := as.table[vaddr]
	if !ok || !p.IsResident() || p.frame != f {
		return false
	}
	p.evicting = true
	return true
}

// AbortEvict clears the in-transit marker set by a prior successful
// BeginEvict without changing the PTE's V/S encoding, and wakes any
// unmapOne blocked waiting for it. Used when the engine gives up on a
// victim after BeginEvict succeeded but before the swap-out could
// complete (bitmap exhaustion, a disk write failure).
func (as *AddrSpace) AbortEvict(vaddr uintptr) {
	as.mu.Lock()
	if p, ok := as.table[vaddr]; ok {
		p.evicting = false
	}
	as.mu.Unlock()
	as.cond.Broadcast()
}

func (as *AddrSpace) MarkSwappedOut(vaddr uintptr, slot swapdev.Slot) (mem.Frame, bool) {
	as.mu.Lock()
	p, ok := as.table[vaddr]
	if !ok || !p.IsResident() {
		as.mu.Unlock()
		return 0, false
	}
	f := p.frame
	p.present = false
	p.swapped = true
	p.slot = slot
	p.accessed = false
	p.evicting = false
	p.checkInvariant()
	as.mu.Unlock()
	as.cond.Broadcast()
	return f, true
}

func (as *AddrSpace) MarkSwappedIn(vaddr uintptr, f mem.Frame) {
	as.mu.Lock()
	defer as.mu.Unlock()
	p, ok := as.table[vaddr]
	if !ok {
		panic("vm: MarkSwappedIn of an unmapped vaddr")
	}
	p.present = true
	p.swapped = false
	p.frame = f
	p.accessed = true
	p.checkInvariant()
}

func (as *AddrSpace) TLBShoot(vaddr uintptr) {
	as.mu.Lock()
	as.shoots++
	as.mu.Unlock()
}

// --- swapstat.UserCopier ---

// K2user copies src into this address space starting at user address
// uva, faulting in swapped pages as it goes (spec §6's Swapstat relies
// on this for its copy-out). It returns defs.EINVAL for a negative uva
// (a malformed argument, never a valid address) and defs.EFAULT on an
// unmapped or read-only destination page.
func (as *AddrSpace) K2user(src []byte, uva int) defs.Err_t {
	if uva < 0 {
		return defs.EINVAL
	}
	cnt := 0
	for cnt < len(src) {
		dst, err := as.userSlice(uintptr(uva+cnt), true)
		if err != 0 {
			return err
		}
		n := copy(dst, src[cnt:])
		cnt += n
	}
	return 0
}

// User2k is the inverse of K2user: it copies out of this address
// space's user memory starting at uva into dst. Like K2user, a
// negative uva is rejected with defs.EINVAL before any lookup is
// attempted.
func (as *AddrSpace) User2k(dst []byte, uva int) defs.Err_t {
	if uva < 0 {
		return defs.EINVAL
	}
	cnt := 0
	for cnt < len(dst) {
		src, err := as.userSlice(uintptr(uva+cnt), false)
		if err != 0 {
			return err
		}
		n := copy(dst[cnt:], src)
		cnt += n
	}
	return 0
}

// userSlice resolves a user virtual address to a byte slice of the
// backing frame from that address to the end of its page, faulting in
// a swapped page first if necessary. Grounded on biscuit's
// Userdmap8_inner (biscuit/src/vm/as.go), which performs the same
// "walk the page table, fault in on demand, hand back a slice into
// the resident frame" resolution for kernel-to-user copies.
func (as *AddrSpace) userSlice(va uintptr, write bool) ([]byte, defs.Err_t) {
	voff := va & uintptr(config.PGSIZE-1)
	pg := page(va)

	as.mu.Lock()
	p, ok := as.table[pg]
	as.mu.Unlock()
	if !ok {
		return nil, defs.EFAULT
	}
	if p.IsSwapped() {
		if err := as.engine.SwapIn(as.pid, pg, as); err != 0 {
			return nil, err
		}
	} else if !p.IsResident() {
		return nil, defs.EFAULT
	}

	as.mu.Lock()
	p = as.table[pg]
	if write && p.perm&PermWrite == 0 {
		as.mu.Unlock()
		return nil, defs.EFAULT
	}
	f := p.frame
	as.mu.Unlock()

	return as.pool.Bytes(f)[voff:], 0
}
