package vm

import "swapvm/mem"
import "swapvm/swapdev"

// Perm holds the permission bits carried by a page table entry,
// independent of its V/S encoding. Only the bits a user mapping can
// legitimately request are modeled; every PTE in this package belongs
// to a user address space, so PTE_U is implicit rather than stored.
type Perm uint

// PermWrite marks a mapping writable. A read-only mapping is the zero
// Perm value.
const PermWrite Perm = 1 << 0

// pte is the tri-state page table entry from spec §3: a PTE holds
// exactly one of Resident, Swapped, or Unmapped. Per the DESIGN NOTES
// ("implementations should expose pattern-matching accessors rather
// than ad-hoc bit tests"), callers never read present/swapped
// directly — they call IsResident/IsSwapped/IsUnmapped.
type pte struct {
	present  bool // V bit
	swapped  bool // S bit
	frame    mem.Frame
	slot     swapdev.Slot
	perm     Perm
	accessed bool // A bit, hardware-set on reference to a resident PTE
	// evicting marks a still-resident PTE whose frame the swap engine
	// has privately claimed off the LRU list and is in the middle of
	// writing out. It is not part of the V/S encoding: a PTE with
	// evicting set is still IsResident. unmapOne must wait for it to
	// clear rather than freeing the frame out from under the engine.
	evicting bool
}

// IsResident reports the V=1,S=0 encoding: ppn is a physical frame.
func (p *pte) IsResident() bool { return p.present && !p.swapped }

// IsSwapped reports the V=0,S=1 encoding: ppn is a swap slot index.
func (p *pte) IsSwapped() bool { return !p.present && p.swapped }

// IsUnmapped reports the V=0,S=0 encoding: no reservation at all.
func (p *pte) IsUnmapped() bool { return !p.present && !p.swapped }

func (p *pte) checkInvariant() {
	if p.present && p.swapped {
		panic("vm: illegal PTE encoding V=1,S=1")
	}
}
