package swapdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"swapvm/config"
	"swapvm/util"
)

// BlockDevice is the external collaborator spec §1 calls "block
// device": a synchronous sector read/write abstraction. It is
// intentionally narrower than biscuit's fs.Disk_i (which also
// supports async writes and a Stats() dump) because the swap engine
// never issues an async write — spec §4.4 requires bumping
// swap_writes only after the transfer completes.
type BlockDevice interface {
	ReadBlocks(first int, buf []byte) error
	WriteBlocks(first int, buf []byte) error
}

// FileDisk is a BlockDevice backed by a regular file, standing in for
// the real block driver the spec treats as an external collaborator
// out of scope (spec §1). Reads/writes go through
// golang.org/x/sys/unix.Pread/Pwrite so a single *os.File can be
// shared by concurrent slot transfers without a seek/read race
// (matching the "no lock held across disk I/O" discipline in spec
// §4.4/§5 — FileDisk itself takes no lock at all).
type FileDisk struct {
	f *os.File
}

// NewFileDisk creates (or truncates) a backing file sized to hold
// nblocks blocks of BLOCKSIZE bytes each.
func NewFileDisk(path string, nblocks int) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(nblocks) * int64(config.BLOCKSIZE)); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f}, nil
}

// Close releases the backing file.
func (d *FileDisk) Close() error {
	return d.f.Close()
}

func (d *FileDisk) ReadBlocks(first int, buf []byte) error {
	off := int64(first) * int64(config.BLOCKSIZE)
	n, err := unix.Pread(int(d.f.Fd()), buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("swapdev: short read at block %d: got %d want %d", first, n, len(buf))
	}
	return nil
}

func (d *FileDisk) WriteBlocks(first int, buf []byte) error {
	off := int64(first) * int64(config.BLOCKSIZE)
	n, err := unix.Pwrite(int(d.f.Fd()), buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("swapdev: short write at block %d: got %d want %d", first, n, len(buf))
	}
	return nil
}

// Area binds a Bitmap to a BlockDevice and exposes page-granularity
// slot I/O on top of block-granularity device access, implementing
// the slot-to-block layout from spec §6: slot i occupies blocks
// [i*K, (i+1)*K).
type Area struct {
	Bitmap *Bitmap
	Disk   BlockDevice
}

// NewArea constructs a swap area of the given byte size backed by
// disk. The bitmap's slot count is always derived from
// config.SlotCount(swapmax) — one slot per page — never from the
// erroneous SWAPMAX/4 or SWAPMAX/8 constants the original source
// carried (see config.SWAPMAX's doc comment).
func NewArea(disk BlockDevice, swapmax int) *Area {
	return &Area{
		Bitmap: NewBitmap(config.SlotCount(swapmax)),
		Disk:   disk,
	}
}

// ReadSlot reads the page-sized contents of slot s into page, which
// must be exactly config.PGSIZE bytes.
func (a *Area) ReadSlot(s Slot, page []byte) error {
	if len(page) != config.PGSIZE {
		panic("swapdev: page buffer has wrong size")
	}
	first, _ := util.SlotBlockRange(int(s), config.SlotBlocks)
	return a.Disk.ReadBlocks(first, page)
}

// WriteSlot writes the page-sized contents of page to slot s.
func (a *Area) WriteSlot(s Slot, page []byte) error {
	if len(page) != config.PGSIZE {
		panic("swapdev: page buffer has wrong size")
	}
	first, _ := util.SlotBlockRange(int(s), config.SlotBlocks)
	return a.Disk.WriteBlocks(first, page)
}
