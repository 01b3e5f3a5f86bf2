package swap

import (
	"path/filepath"
	"testing"

	"swapvm/config"
	"swapvm/defs"
	"swapvm/mem"
	"swapvm/swapdev"
	"swapvm/swapstat"
)

// fakeEditor is a single-PTE PTEEditor stand-in, letting the engine's
// swap-out/swap-in protocol be exercised without a real address space.
type fakeEditor struct {
	present  bool
	swapped  bool
	frame    mem.Frame
	slot     swapdev.Slot
	accessed bool
	evicting bool
	shoots   int
}

func (e *fakeEditor) LookupForClock(vaddr uintptr, f mem.Frame) (bool, bool) {
	if !e.present || e.frame != f {
		return false, false
	}
	return true, e.accessed
}

func (e *fakeEditor) ClearAccessed(vaddr uintptr) { e.accessed = false }

func (e *fakeEditor) LookupSwapped(vaddr uintptr) (swapdev.Slot, bool) {
	if !e.swapped {
		return swapdev.NoSlot, false
	}
	return e.slot, true
}

func (e *fakeEditor) BeginEvict(vaddr uintptr, f mem.Frame) bool {
	if !e.present || e.frame != f {
		return false
	}
	e.evicting = true
	return true
}

func (e *fakeEditor) AbortEvict(vaddr uintptr) { e.evicting = false }

func (e *fakeEditor) MarkSwappedOut(vaddr uintptr, slot swapdev.Slot) (mem.Frame, bool) {
	if !e.present {
		return 0, false
	}
	f := e.frame
	e.present, e.swapped, e.slot = false, true, slot
	e.evicting = false
	return f, true
}

func (e *fakeEditor) MarkSwappedIn(vaddr uintptr, f mem.Frame) {
	e.present, e.swapped, e.frame = true, false, f
}

func (e *fakeEditor) TLBShoot(vaddr uintptr) { e.shoots++ }

func newTestEngine(t *testing.T, nframes int) (*Engine, *mem.Pool) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swap.img")
	disk, err := swapdev.NewFileDisk(path, config.SlotCount(config.SWAPMAX)*config.SlotBlocks)
	if err != nil {
		t.Fatalf("NewFileDisk: %v", err)
	}
	t.Cleanup(func() { disk.Close() })

	area := swapdev.NewArea(disk, config.SWAPMAX)
	pool := mem.NewPool(nframes, config.PGSIZE)
	engine := NewEngine(pool, nframes, area, &swapstat.Stats{})
	return engine, pool
}

func TestReclaimOneSwapsOutAndReturnsFrame(t *testing.T) {
	engine, pool := newTestEngine(t, 4)

	f, _ := pool.AllocFrame()
	b := pool.Bytes(f)
	for i := range b {
		b[i] = 0x5a
	}

	const pid defs.Pid_t = 1
	ed := &fakeEditor{present: true, frame: f}
	engine.Reg.Register(pid, ed)
	engine.LRUInsert(pid, 0x4000, f)

	victim, ok := engine.ReclaimOne()
	if !ok {
		t.Fatal("expected ReclaimOne to find a victim")
	}
	if victim != f {
		t.Fatalf("expected reclaimed frame %d, got %d", f, victim)
	}
	if !ed.swapped || ed.present {
		t.Fatal("expected the PTE to end up swapped, not resident")
	}
	if ed.shoots != 1 {
		t.Fatalf("expected exactly one TLB shootdown, got %d", ed.shoots)
	}
	if engine.Stats.Writes.Load() != 1 {
		t.Fatalf("expected swap_writes to be 1, got %d", engine.Stats.Writes.Load())
	}
	if !pool.IsFree(f) {
		t.Fatal("expected the evicted frame to be back on the free-list")
	}
}

func TestReclaimOneReturnsFalseOnEmptyClock(t *testing.T) {
	engine, _ := newTestEngine(t, 2)
	if _, ok := engine.ReclaimOne(); ok {
		t.Fatal("expected ReclaimOne to report no victim on an empty clock")
	}
}

func TestSwapInRestoresContentsAndReleasesSlot(t *testing.T) {
	engine, pool := newTestEngine(t, 4)

	f, _ := pool.AllocFrame()
	b := pool.Bytes(f)
	for i := range b {
		b[i] = byte(i)
	}

	const pid defs.Pid_t = 7
	ed := &fakeEditor{present: true, frame: f}
	engine.Reg.Register(pid, ed)
	engine.LRUInsert(pid, 0x8000, f)

	if _, ok := engine.ReclaimOne(); !ok {
		t.Fatal("setup: expected ReclaimOne to succeed")
	}
	slot := ed.slot
	if !engine.Area.Bitmap.IsReserved(slot) {
		t.Fatal("setup: expected the slot to be reserved after swap-out")
	}

	if err := engine.SwapIn(pid, 0x8000, ed); err != 0 {
		t.Fatalf("SwapIn returned errno %d", err)
	}
	if !ed.present || ed.swapped {
		t.Fatal("expected the PTE to be resident after SwapIn")
	}
	if engine.Area.Bitmap.IsReserved(slot) {
		t.Fatal("expected the slot to be released after SwapIn")
	}
	if engine.Stats.Reads.Load() != 1 {
		t.Fatalf("expected swap_reads to be 1, got %d", engine.Stats.Reads.Load())
	}

	got := pool.Bytes(ed.frame)
	for i, v := range got {
		if v != byte(i) {
			t.Fatalf("byte %d of restored page is %#x, want %#x", i, v, byte(i))
		}
	}
	if !engine.clock.Linked(ed.frame) {
		t.Fatal("expected the restored frame to be reinserted into the LRU clock")
	}
}

func TestSwapInPanicsWhenPTEIsNotSwapped(t *testing.T) {
	engine, pool := newTestEngine(t, 2)
	f, _ := pool.AllocFrame()
	ed := &fakeEditor{present: true, frame: f}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected SwapIn to panic on a PTE that isn't swapped")
		}
	}()
	engine.SwapIn(1, 0x1000, ed)
}
