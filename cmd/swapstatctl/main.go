// Command swapstatctl drives a small demand-paging workload against
// an in-process instance of the swap subsystem and prints its
// swapstat counters.
//
// It exists to exercise the subsystem end-to-end outside of a test
// binary — map more pages than there are frames, touch them in a
// pattern that forces eviction and fault-back-in, then read the
// counters through the same Swapstat syscall body a kernel would call
// — and is not itself part of the paging subsystem.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"swapvm/config"
	"swapvm/defs"
	"swapvm/mem"
	"swapvm/swap"
	"swapvm/swapdev"
	"swapvm/swapstat"
	"swapvm/vm"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-frames N] [-pages N] [-diskfile path]\n", os.Args[0])
	os.Exit(2)
}

func main() {
	nframes := flag.Int("frames", 64, "number of physical frames in the pool")
	npages := flag.Int("pages", 256, "number of user pages to map")
	diskfile := flag.String("diskfile", "", "path to the swap backing file (default: a temp file)")
	flag.Usage = usage
	flag.Parse()

	if *npages <= *nframes {
		log.Fatalf("swapstatctl: -pages (%d) must exceed -frames (%d) to force any eviction", *npages, *nframes)
	}

	path := *diskfile
	if path == "" {
		f, err := os.CreateTemp("", "swapstatctl-*.img")
		if err != nil {
			log.Fatalf("swapstatctl: %v", err)
		}
		path = f.Name()
		f.Close()
		defer os.Remove(path)
	}

	slots := *npages // one slot per page is enough headroom for this workload
	disk, err := swapdev.NewFileDisk(path, slots*config.SlotBlocks)
	if err != nil {
		log.Fatalf("swapstatctl: opening backing file: %v", err)
	}
	defer disk.Close()

	area := swapdev.NewArea(disk, slots*config.PGSIZE)
	pool := mem.NewPool(*nframes, config.PGSIZE)
	stats := &swapstat.Stats{}
	engine := swap.NewEngine(pool, *nframes, area, stats)

	const pid defs.Pid_t = 1
	as := vm.New(pid, pool, area, engine)

	if err := runWorkload(as, pool, *npages); err != nil {
		log.Fatalf("swapstatctl: %v", err)
	}

	as.OnExit()
	report(stats)
}

// runWorkload maps npages pages one at a time, writing a frame's
// worth of predictable bytes to each as it is allocated. Allocating
// more pages than there are frames forces the pool's reclaimer — the
// swap engine — to evict and, as earlier pages are revisited, fault
// them back in.
func runWorkload(as *vm.AddrSpace, pool *mem.Pool, npages int) error {
	for i := 0; i < npages; i++ {
		f, ok := pool.AllocFrame()
		if !ok {
			return fmt.Errorf("out of memory mapping page %d of %d", i, npages)
		}
		vaddr := uintptr(i) * uintptr(config.PGSIZE)
		b := pool.Bytes(f)
		for j := range b {
			b[j] = byte(i)
		}
		as.OnMap(vaddr, f, true)
	}

	// Revisit the first half of the range, which is now overwhelmingly
	// likely to have been swapped out by the allocations above.
	for i := 0; i < npages/2; i++ {
		vaddr := uintptr(i) * uintptr(config.PGSIZE)
		err := as.Pgfault(vaddr)
		if err == 0 || err == defs.EFAULT {
			// EFAULT means the page was never swapped (still resident,
			// or the clock hadn't gotten to it yet) — not an error for
			// this workload, just a miss.
			continue
		}
		return fmt.Errorf("faulting in page %d: errno %d", i, err)
	}
	return nil
}

func report(stats *swapstat.Stats) {
	var reads, writes int
	// Route the read through the real syscall body rather than the raw
	// counters, so this command also exercises Swapstat's copy-out path.
	buf := make([]byte, 16)
	if err := stats.Swapstat(userBuf{buf}, 0, 8); err != 0 {
		log.Fatalf("swapstatctl: swapstat: errno %d", err)
	}
	reads = int(le64(buf[0:8]))
	writes = int(le64(buf[8:16]))

	p := message.NewPrinter(language.English)
	p.Printf("swap reads:  %d\n", reads)
	p.Printf("swap writes: %d\n", writes)
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// userBuf satisfies swapstat.UserCopier over a single flat byte slice,
// standing in for a real address space when this command only needs
// to read the two counters back out, not exercise the paging state
// machine a second time.
type userBuf struct {
	b []byte
}

func (u userBuf) K2user(src []byte, uva int) defs.Err_t {
	if uva < 0 || uva+len(src) > len(u.b) {
		return defs.EFAULT
	}
	copy(u.b[uva:], src)
	return 0
}
