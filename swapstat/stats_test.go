package swapstat

import (
	"encoding/binary"
	"testing"

	"swapvm/defs"
)

type fakeUser struct {
	mem map[int][]byte
	// failAt makes K2user fail for this uva, simulating a bad user
	// address.
	failAt int
}

func (f *fakeUser) K2user(src []byte, uva int) defs.Err_t {
	if uva == f.failAt {
		return defs.EFAULT
	}
	if f.mem == nil {
		f.mem = map[int][]byte{}
	}
	buf := make([]byte, len(src))
	copy(buf, src)
	f.mem[uva] = buf
	return 0
}

func TestSwapstatCopiesBothCounters(t *testing.T) {
	s := &Stats{}
	s.Reads.Inc()
	s.Reads.Inc()
	s.Writes.Inc()

	cp := &fakeUser{failAt: -1}
	if err := s.Swapstat(cp, 100, 200); err != 0 {
		t.Fatalf("Swapstat returned errno %d", err)
	}

	if got := binary.LittleEndian.Uint64(cp.mem[100]); got != 2 {
		t.Fatalf("expected 2 reads copied out, got %d", got)
	}
	if got := binary.LittleEndian.Uint64(cp.mem[200]); got != 1 {
		t.Fatalf("expected 1 write copied out, got %d", got)
	}
}

func TestSwapstatPropagatesBadAddress(t *testing.T) {
	s := &Stats{}
	cp := &fakeUser{failAt: 200}
	if err := s.Swapstat(cp, 100, 200); err != defs.EFAULT {
		t.Fatalf("expected EFAULT when the second address is bad, got %d", err)
	}
}

func TestCounterLoad(t *testing.T) {
	var c Counter
	if c.Load() != 0 {
		t.Fatal("expected a fresh counter to read zero")
	}
	c.Inc()
	c.Inc()
	c.Inc()
	if c.Load() != 3 {
		t.Fatalf("expected counter to read 3 after three increments, got %d", c.Load())
	}
}
