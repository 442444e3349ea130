// Package fastpage implements the PMM's fast-page pool: a single global
// lock-free LIFO stack of PAGE_SIZE pages, the constant-time hot path
// pmm_alloc/pmm_free use whenever a request is exactly one page. High and
// low memory each get their own Pool instance sharing this same code.
package fastpage

import (
	"sync/atomic"
	"unsafe"

	"ember/kernel/mem"
)

// node is the in-band LIFO link: the first pointer-sized word of every
// free page stores the address of the next free page, the same layout
// PFreelist uses for its own free chain.
type node struct {
	next atomic.Pointer[node]
}

// Pool is a lock-free LIFO stack of PAGE_SIZE pages.
type Pool struct {
	head  atomic.Pointer[node]
	count int64
}

// Push returns one page to the pool. It never blocks and never fails.
func Push(p *Pool, addr mem.Linear) {
	n := (*node)(unsafe.Pointer(uintptr(addr)))
	for {
		head := p.head.Load()
		n.next.Store(head)
		if p.head.CompareAndSwap(head, n) {
			atomic.AddInt64(&p.count, 1)
			return
		}
	}
}

// pop removes and returns the page on top of the stack without attempting
// a refill.
func pop(p *Pool) (mem.Linear, bool) {
	for {
		head := p.head.Load()
		if head == nil {
			return 0, false
		}
		next := head.next.Load()
		if p.head.CompareAndSwap(head, next) {
			atomic.AddInt64(&p.count, -1)
			return mem.Linear(uintptr(unsafe.Pointer(head))), true
		}
	}
}

// RefillFunc supplies a fresh batch of backing memory to Seed into a pool
// that has run dry. See Alloc's refill policy.
type RefillFunc func() (base, ceil mem.Linear, ok bool)

// Alloc pops a page off the pool, refilling it once via refill if it was
// empty: whatever [base, ceil) range refill returns is handed to Seed and
// the top page is popped. The PMM's refill function returns a single page
// drawn from its page-exponent PFreelist per call, not a multi-page batch.
func Alloc(p *Pool, refill RefillFunc) (mem.Linear, bool) {
	if addr, ok := pop(p); ok {
		return addr, true
	}
	if refill == nil {
		return 0, false
	}
	base, ceil, ok := refill()
	if !ok {
		return 0, false
	}
	if Seed(p, base, ceil) == 0 {
		return 0, false
	}
	return pop(p)
}

// Free pushes addr back onto the pool and reports PAGE_SIZE, matching
// pmm_fast_page_free's contract.
func Free(p *Pool, addr mem.Linear) mem.Size {
	Push(p, addr)
	return mem.PageSize
}

// Seed links every PAGE_SIZE-aligned page in [base, ceil) into the pool as
// a chain built directly in ascending address order, then attaches that
// chain atomically in front of whatever the pool currently holds. It
// returns the number of pages seeded.
func Seed(p *Pool, base, ceil mem.Linear) int {
	var head, tail *node
	count := 0
	for addr := base; addr+mem.Linear(mem.PageSize) <= ceil; addr += mem.Linear(mem.PageSize) {
		n := (*node)(unsafe.Pointer(uintptr(addr)))
		n.next.Store(nil)
		if head == nil {
			head = n
		} else {
			tail.next.Store(n)
		}
		tail = n
		count++
	}
	if head == nil {
		return 0
	}

	for {
		cur := p.head.Load()
		tail.next.Store(cur)
		if p.head.CompareAndSwap(cur, head) {
			atomic.AddInt64(&p.count, int64(count))
			return count
		}
	}
}

// Count reports how many pages are currently on the pool. Used for
// boot-time diagnostics only.
func (p *Pool) Count() int64 { return atomic.LoadInt64(&p.count) }

// RefillPages is a 16-page batch size. Alloc does not read it: the number
// of pages a refill adds is whatever range the RefillFunc returns.
const RefillPages = 16
