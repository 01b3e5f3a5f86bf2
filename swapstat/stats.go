// Package swapstat implements the statistics surface (spec §4.7,
// §6): two monotonically increasing, process-global counters of swap
// reads and writes, and the swapstat syscall body that copies them
// out to user memory.
//
// Grounded on biscuit's stats.Counter_t (biscuit/src/stats/stats.go):
// an atomic int64 wrapper with an Inc method. That type is gated
// behind a `Stats` build flag because it instruments arbitrary debug
// counters throughout the kernel; swap_reads/swap_writes are always
// on (spec §3's "Counters" are not optional instrumentation, they are
// part of the subsystem's externally observable behavior), so this
// package drops the flag and the reflection-based Stats2String dump
// in favor of two named fields and the fixed Swapstat copy-out method.
package swapstat

import (
	"encoding/binary"
	"sync/atomic"

	"swapvm/defs"
)

// Counter is a monotonically increasing 64-bit counter, incremented
// after a successful disk transfer (spec §3). It never decrements and
// wraps at 64 bits, which is practically non-wrapping.
type Counter struct {
	v int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() {
	atomic.AddInt64(&c.v, 1)
}

// Load returns the counter's current value.
func (c *Counter) Load() uint64 {
	return uint64(atomic.LoadInt64(&c.v))
}

// Stats holds the subsystem's two counters.
type Stats struct {
	Reads  Counter
	Writes Counter
}

// UserCopier abstracts copying kernel bytes out to a user address, so
// this package does not need to depend on vm's address-space type
// (which itself depends on swap, which depends on this package —
// depending on vm here would be circular). vm.AddrSpace.K2user
// satisfies this interface.
type UserCopier interface {
	K2user(src []byte, uva int) defs.Err_t
}

// Swapstat implements the swapstat(out_reads, out_writes) system call
// (spec §6): it writes two 64-bit little-endian counters to the user
// addresses outReads/outWrites via cp, returning an error code if
// either address is invalid. A copy-out failure does not affect the
// counters (spec §7).
func (s *Stats) Swapstat(cp UserCopier, outReads, outWrites int) defs.Err_t {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.Reads.Load())
	if err := cp.K2user(buf[:], outReads); err != 0 {
		return err
	}
	binary.LittleEndian.PutUint64(buf[:], s.Writes.Load())
	if err := cp.K2user(buf[:], outWrites); err != 0 {
		return err
	}
	return 0
}
