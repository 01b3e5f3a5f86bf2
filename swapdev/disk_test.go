package swapdev

import (
	"bytes"
	"path/filepath"
	"testing"

	"swapvm/config"
)

func TestFileDiskReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.img")
	d, err := NewFileDisk(path, 8)
	if err != nil {
		t.Fatalf("NewFileDisk: %v", err)
	}
	defer d.Close()

	want := bytes.Repeat([]byte{0x42}, config.BLOCKSIZE*2)
	if err := d.WriteBlocks(3, want); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}

	got := make([]byte, len(want))
	if err := d.ReadBlocks(3, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back bytes differ from what was written")
	}
}

func TestAreaSlotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.img")
	d, err := NewFileDisk(path, config.SlotCount(config.SWAPMAX)*config.SlotBlocks)
	if err != nil {
		t.Fatalf("NewFileDisk: %v", err)
	}
	defer d.Close()

	a := NewArea(d, config.SWAPMAX)
	slot, ok := a.Bitmap.ReserveSlot()
	if !ok {
		t.Fatal("ReserveSlot failed on a fresh area")
	}

	page := bytes.Repeat([]byte{0x7}, config.PGSIZE)
	if err := a.WriteSlot(slot, page); err != nil {
		t.Fatalf("WriteSlot: %v", err)
	}

	back := make([]byte, config.PGSIZE)
	if err := a.ReadSlot(slot, back); err != nil {
		t.Fatalf("ReadSlot: %v", err)
	}
	if !bytes.Equal(back, page) {
		t.Fatal("slot contents differ after a write/read round trip")
	}
}

func TestWriteSlotPanicsOnWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.img")
	d, _ := NewFileDisk(path, config.SlotBlocks)
	defer d.Close()
	a := NewArea(d, config.PGSIZE)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected WriteSlot to panic on a mis-sized buffer")
		}
	}()
	a.WriteSlot(0, make([]byte, config.PGSIZE-1))
}
