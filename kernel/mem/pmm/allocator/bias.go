package allocator

import "ember/kernel/mem"

// Bias describes one row of a bias table: how much of a memory-map entry
// of a given class (high/low) to hand to the freelist/buddy pool for
// exponent Exp. A ratioed bias (RatioNum > 0) takes a fixed proportion of
// whatever is left, in table order, guaranteeing a minimum service level
// for that exponent; a greedy bias (RatioNum == 0) absorbs as much of the
// remainder as fits, keeping the residual routed to the fast-page pool
// bounded.
type Bias struct {
	Exp         uint8
	MinBlocks   uint64
	RatioNum    uint64
	RatioDen    uint64
	MinBuddyExp uint8
}

// blockSize returns 2^Exp.
func (b Bias) blockSize() mem.Size { return mem.Size(1) << b.Exp }

// DefaultHighBiases is the bias table applied to memory-map entries at or
// above the low-memory limit.
var DefaultHighBiases = []Bias{
	// Ratioed: reserve a quarter of every high entry as page-granularity
	// freelist capacity, the allocator's O(1) common case.
	{Exp: mem.PageSizeLowestExponent, MinBlocks: 64, RatioNum: 1, RatioDen: 4, MinBuddyExp: mem.PageSizeLowestExponent},
	// Ratioed: reserve a quarter of what's left as 2 MiB chunks, backing
	// buddy regions splittable all the way down to page size so every
	// exponent between a page and 2 MiB has somewhere to be served from.
	{Exp: 21, MinBlocks: 2, RatioNum: 1, RatioDen: 4, MinBuddyExp: mem.PageSizeLowestExponent},
	// Greedy: whatever large leftover remains becomes 1 GiB buddy-backing
	// freelist capacity, also splittable down to page size.
	{Exp: 30, MinBlocks: 0, RatioNum: 0, RatioDen: 0, MinBuddyExp: mem.PageSizeLowestExponent},
	// Greedy: absorb any remaining small leftover as more pages rather
	// than letting it fall through to Pass C.
	{Exp: mem.PageSizeLowestExponent, MinBlocks: 0, RatioNum: 0, RatioDen: 0, MinBuddyExp: mem.PageSizeLowestExponent},
}

// DefaultLowBiases is the bias table applied to memory-map entries below
// the low-memory limit. Low memory is scarce and typically only needed
// at page granularity by legacy DMA-incapable devices.
var DefaultLowBiases = []Bias{
	{Exp: mem.PageSizeLowestExponent, MinBlocks: 16, RatioNum: 1, RatioDen: 2, MinBuddyExp: mem.PageSizeLowestExponent},
	{Exp: mem.PageSizeLowestExponent, MinBlocks: 0, RatioNum: 0, RatioDen: 0, MinBuddyExp: mem.PageSizeLowestExponent},
}

func alignDown(size, align mem.Size) mem.Size {
	if align == 0 {
		return size
	}
	return size &^ (align - 1)
}
