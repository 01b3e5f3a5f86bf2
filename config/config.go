// Package config holds the compile-time constants that size the
// paging subsystem. There is no runtime-reloadable configuration in a
// kernel image, so — as in biscuit's mem.PGSHIFT/PGSIZE block — these
// are plain constants, not a parsed config file.
package config

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size in bytes of a physical frame and a swap slot.
const PGSIZE int = 1 << PGSHIFT

// BLOCKSIZE is the size in bytes of a single disk block on the swap
// device.
const BLOCKSIZE int = 512

// SlotBlocks is K, the number of contiguous disk blocks that make up
// one swap slot.
const SlotBlocks int = PGSIZE / BLOCKSIZE

// PHYSTOP is the default physical memory ceiling. Nothing in this
// module reads it: mem.NewPool is sized by an explicit frame count,
// and tests pass small counts.
const PHYSTOP = 128 << 20

// SWAPMAX is the default size in bytes of the swap area.
//
// DESIGN NOTE: the original source this spec was distilled from
// contains two divergent encodings of the slot count, SWAPMAX/4 and
// SWAPMAX/8. Both treat part of the PPN-sized field as if it were the
// slot index's natural unit instead of deriving the slot count from
// the page size. SlotCount below derives it from first principles —
// one slot is one page — and ignores both source constants.
const SWAPMAX = 64 << 20

// SlotCount returns the number of fixed-size slots a swap area of the
// given byte size is divided into. One slot always equals one page;
// this is the only correct derivation (see the DESIGN NOTE on
// SWAPMAX above).
func SlotCount(swapmax int) int {
	return swapmax / PGSIZE
}
