// Package slab implements PSlab: eight power-of-two PFreelists covering
// sub-page object sizes, each grown on demand by drawing whole pages from
// the PMM. It is the allocator the kernel's general-purpose heap is meant
// to sit on top of for any request at or below half a page.
package slab

import (
	"math/bits"

	"ember/kernel/mem"
	"ember/kernel/mem/pmm/freelist"
)

// NumLists is the number of per-exponent freelists a Slab manages.
const NumLists = 8

// PageSource requests pages worth of fresh linear address space from the
// PMM to back a new freelist range. It returns the half-open range
// [base, ceil) on success.
type PageSource func(pages int) (base, ceil mem.Linear, ok bool)

// Slab holds NumLists freelists, one per object-size exponent starting at
// lowestExp and doubling up to lowestExp+NumLists-1.
type Slab struct {
	lowestExp uint8
	lists     [NumLists]freelist.List
	source    PageSource
}

// New constructs a Slab. lowestExp must be at least log2(pointer size)
// since freed objects store their own linkage in-band; source is used to
// grow any of the eight lists with fresh pages.
func New(lowestExp uint8, source PageSource) *Slab {
	return &Slab{lowestExp: lowestExp, source: source}
}

// LowestExp returns the smallest object-size exponent this Slab serves.
func (s *Slab) LowestExp() uint8 { return s.lowestExp }

// Init extends every one of the eight lists once via Expand and returns
// how many were successfully extended (8 on full success).
func Init(s *Slab, pagesPerList int) int {
	return Expand(s, pagesPerList)
}

// Expand requests pagesPerList*PAGE_SIZE bytes from the PMM for every list
// in turn and initializes a fresh freelist.Range over it. It stops at the
// first list it cannot grow and returns how many were grown.
func Expand(s *Slab, pagesPerList int) int {
	for i := 0; i < NumLists; i++ {
		base, ceil, ok := s.source(pagesPerList)
		if !ok {
			return i
		}

		objSize := mem.Size(1) << (s.lowestExp + uint8(i))
		if err := freelist.Init(&s.lists[i], base, ceil, objSize); err != nil {
			return i
		}
	}
	return NumLists
}

// Alloc serves size by rounding it up to the next power of two and
// popping from the matching list. If that list is empty it calls
// Expand(s, 1), which grows every list (in order) by one page, and retries
// once if the expansion reached the matching list. It returns the zero
// address and false if size exceeds the largest list's object size or
// the expansion stopped before the matching list.
func Alloc(s *Slab, size mem.Size) (mem.Linear, bool) {
	largest := s.lowestExp + NumLists - 1
	if size > mem.Size(1)<<largest {
		return 0, false
	}

	i := indexFor(s.lowestExp, size)

	if addr, ok := freelist.Alloc(&s.lists[i]); ok {
		return addr, true
	}

	grown := Expand(s, 1)
	if int(i) >= grown {
		return 0, false
	}
	return freelist.Alloc(&s.lists[i])
}

// Free probes every list's address range for ownership of addr, frees it
// into the owning list and returns the object size released. It returns
// (0, false) if no list owns addr, signaling the caller to fall back to a
// different subsystem (e.g. pmm_free).
func Free(s *Slab, addr mem.Linear) (mem.Size, bool) {
	for i := 0; i < NumLists; i++ {
		if freelist.Free(&s.lists[i], addr) {
			return mem.Size(1) << (s.lowestExp + uint8(i)), true
		}
	}
	return 0, false
}

// Stats reports, per list, the number of ranges and free objects. Used
// for boot-time diagnostics only.
func (s *Slab) Stats() (ranges [NumLists]int, free [NumLists]int64) {
	for i := 0; i < NumLists; i++ {
		ranges[i], free[i] = s.lists[i].Stats()
	}
	return ranges, free
}

func indexFor(lowestExp uint8, size mem.Size) uint8 {
	exp := uint8(bits.Len64(uint64(size) - 1))
	if size == 0 {
		exp = 0
	}
	if exp < lowestExp {
		exp = lowestExp
	}
	return exp - lowestExp
}
