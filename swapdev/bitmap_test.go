package swapdev

import "testing"

func TestReserveSlotFirstFit(t *testing.T) {
	b := NewBitmap(4)
	for i := 0; i < 4; i++ {
		s, ok := b.ReserveSlot()
		if !ok {
			t.Fatalf("ReserveSlot failed on iteration %d of 4", i)
		}
		if int(s) != i {
			t.Fatalf("expected first-fit slot %d, got %d", i, s)
		}
	}
	if _, ok := b.ReserveSlot(); ok {
		t.Fatal("expected ReserveSlot to fail once the bitmap is full")
	}
}

func TestReleaseSlotReopensIt(t *testing.T) {
	b := NewBitmap(2)
	s0, _ := b.ReserveSlot()
	b.ReserveSlot()
	b.ReleaseSlot(s0)

	s2, ok := b.ReserveSlot()
	if !ok {
		t.Fatal("expected a slot to be available after release")
	}
	if s2 != s0 {
		t.Fatalf("expected the released slot %d to be reused, got %d", s0, s2)
	}
}

func TestIsReserved(t *testing.T) {
	b := NewBitmap(3)
	s, _ := b.ReserveSlot()
	if !b.IsReserved(s) {
		t.Fatalf("slot %d should be reserved", s)
	}
	b.ReleaseSlot(s)
	if b.IsReserved(s) {
		t.Fatalf("slot %d should not be reserved after release", s)
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	b := NewBitmap(1)
	s, _ := b.ReserveSlot()
	b.ReleaseSlot(s)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected ReleaseSlot to panic on a double release")
		}
	}()
	b.ReleaseSlot(s)
}

func TestReserveSlotCrossesWordBoundary(t *testing.T) {
	b := NewBitmap(70)
	for i := 0; i < 70; i++ {
		if _, ok := b.ReserveSlot(); !ok {
			t.Fatalf("ReserveSlot failed at slot %d of 70 (word-boundary case)", i)
		}
	}
	if _, ok := b.ReserveSlot(); ok {
		t.Fatal("expected ReserveSlot to fail once all 70 slots are taken")
	}
}
