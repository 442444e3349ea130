// Package allocator wires PWatermark, VWatermark, PFreelist, PBuddy, PSlab
// and the fast-page pool together into the physical memory manager: the
// single entry point every other kernel subsystem calls to turn a
// firmware memory map into linear-address memory.
package allocator

import (
	"math/bits"

	"ember/kernel"
	"ember/kernel/kfmt"
	"ember/kernel/mem"
	"ember/kernel/mem/memmap"
	"ember/kernel/mem/pmm/buddy"
	"ember/kernel/mem/pmm/fastpage"
	"ember/kernel/mem/pmm/freelist"
	"ember/kernel/mem/pmm/slab"
	"ember/kernel/mem/pmm/watermark"
)

// numExponents bounds the freelists/buddies arrays: one slot per possible
// address-width exponent. 64 covers every exponent a 64-bit address space
// can express.
const numExponents = 64

var (
	errBootstrap = &kernel.Error{Module: "pmm", Message: "no available memory-map entry large enough to bootstrap the watermark"}
	errNoPools   = &kernel.Error{Module: "pmm", Message: "create_freelists produced zero ranges: memory map is unusable"}
)

// class groups every per-memory-class (high vs low) structure the PMM
// carries: one set of per-exponent freelists, one set of lazily created
// buddy allocators, a fast-page pool, and the bias table driving how
// create_freelists partitions incoming memory-map entries.
type class struct {
	freelists [numExponents]freelist.List
	buddies   [numExponents]*buddy.Buddy
	fast      fastpage.Pool
	bias      []Bias
}

// PMM is the top-level physical memory manager described by init_pmm.
type PMM struct {
	high class
	low  class

	metaWatermark watermark.VWatermark
	bootstrapMeta watermark.Meta

	slab *slab.Slab
}

// New constructs a PMM with the default bias tables. Callers that need a
// different partitioning policy can build one directly and assign Bias
// tables before calling Init.
func New() *PMM {
	p := &PMM{}
	p.high.bias = DefaultHighBiases
	p.low.bias = DefaultLowBiases
	return p
}

// Init performs the boot-time sequence: it places a PWatermark bootstrap
// allocation over the first available entry large enough to carry it,
// uses that allocation to seed the PMM's own VWatermark (which serves
// every metadata table this package needs from then on, in particular
// PBuddy node_metas arrays), then partitions the remaining entries into
// freelists, buddy-backing ranges and fast pages via create_freelists.
func Init(p *PMM, entries []memmap.Entry) *kernel.Error {
	const bootstrapSize = mem.Size(64) * mem.Kb

	width := ArchWidth()
	p.high.bias = clampBiases(p.high.bias, width)
	p.low.bias = clampBiases(p.low.bias, width)

	bootstrapIdx := -1
	for i := range entries {
		e := &entries[i]
		if e.Type == memmap.Available && e.Base >= mem.LowMemLimit && mem.Size(e.Len) >= bootstrapSize {
			bootstrapIdx = i
			break
		}
	}
	if bootstrapIdx < 0 {
		return errBootstrap
	}

	entry := &entries[bootstrapIdx]

	var pw watermark.PWatermark
	if err := watermark.PInit(&pw, entry.Base, entry.End()); err != nil {
		return errBootstrap
	}
	physBase, ok := watermark.PAlloc(&pw, bootstrapSize, mem.PageSize)
	if !ok {
		return errBootstrap
	}

	linearBase := physBase.ToLinear()
	linearCeil := linearBase + mem.Linear(bootstrapSize)
	if err := watermark.VInit(&p.metaWatermark, &p.bootstrapMeta, linearBase, linearCeil); err != nil {
		return errBootstrap
	}

	// physBase may sit past entry.Base by an alignment gap (PWatermark
	// aligned the allocation up to PAGE_SIZE); account for that gap, not
	// just bootstrapSize, when shrinking the entry.
	newBase := physBase + mem.Phys(bootstrapSize)
	consumed := mem.Size(newBase - entry.Base)
	entry.Base = newBase
	if consumed >= entry.Len {
		entry.Len = 0
		entry.Type = memmap.Reserved
	} else {
		entry.Len -= consumed
	}

	createFreelists(p, entries)

	highRanges, _ := statsAcross(&p.high)
	lowRanges, _ := statsAcross(&p.low)
	if highRanges+lowRanges == 0 {
		kfmt.Printf("[pmm] create_freelists produced zero ranges\n")
		return errNoPools
	}

	// lowestExp 4 gives PSlab eight lists from 16 bytes up to 2048 bytes
	// (lowestExp+NumLists-1 == 11 == log2(PAGE_SIZE/2)), exactly matching
	// GeneralAlloc's half-page cutoff below with no gap in between.
	const slabLowestExp = 4
	pagesPerSlabList := 1
	p.slab = slab.New(slabLowestExp, func(pages int) (mem.Linear, mem.Linear, bool) {
		addr, ok := Alloc(p, mem.Size(pages)*mem.PageSize)
		if !ok {
			return 0, 0, false
		}
		return addr, addr + mem.Linear(mem.Size(pages)*mem.PageSize), true
	})
	slab.Init(p.slab, pagesPerSlabList)

	return nil
}

func statsAcross(c *class) (ranges int, free int64) {
	for i := range c.freelists {
		r, f := c.freelists[i].Stats()
		ranges += r
		free += f
	}
	return ranges, free
}

// createFreelists implements the three-pass bias application described
// for create_freelists: ratioed biases first, then greedy biases, then
// whatever is left becomes fast pages. Bases and lengths are not assumed
// page-aligned, so every entry's bounds are rounded to PAGE_SIZE before any
// bias is applied, guaranteeing every Range/Region header this package
// places starts on a page boundary.
func createFreelists(p *PMM, entries []memmap.Entry) {
	memmap.VisitAvailable(entries, func(e *memmap.Entry) bool {
		c := &p.high
		if e.Base < mem.LowMemLimit {
			c = &p.low
		}

		base := e.Base.AlignUp(mem.PageSize)
		ceil := e.End().AlignDown(mem.PageSize)
		if ceil <= base {
			return true
		}

		applyBiases(c, base, mem.Size(ceil-base))
		return true
	})
}

func applyBiases(c *class, base mem.Phys, length mem.Size) {
	for _, b := range c.bias {
		if b.RatioNum == 0 {
			continue
		}
		blockSize := b.blockSize()
		if length < mem.Size(b.MinBlocks)*blockSize {
			continue
		}
		rangeLen := alignDown(length*mem.Size(b.RatioNum)/mem.Size(b.RatioDen), blockSize)
		if rangeLen < blockSize {
			continue
		}
		linearBase := base.ToLinear()
		freelist.Init(&c.freelists[b.Exp], linearBase, linearBase+mem.Linear(rangeLen), blockSize)
		base += mem.Phys(rangeLen)
		length -= rangeLen
	}

	for _, b := range c.bias {
		if b.RatioNum != 0 {
			continue
		}
		blockSize := b.blockSize()
		rangeLen := alignDown(length, blockSize)
		if rangeLen < blockSize {
			continue
		}
		linearBase := base.ToLinear()
		freelist.Init(&c.freelists[b.Exp], linearBase, linearBase+mem.Linear(rangeLen), blockSize)
		base += mem.Phys(rangeLen)
		length -= rangeLen
	}

	if length >= mem.PageSize {
		linearBase := base.ToLinear()
		fastpage.Seed(&c.fast, linearBase, linearBase+mem.Linear(length))
	}
}

func exponentFor(size mem.Size) uint8 {
	if size <= 1 {
		return 0
	}
	return uint8(bits.Len64(uint64(size) - 1))
}

func nextPow2(size mem.Size) mem.Size {
	return mem.Size(1) << exponentFor(size)
}

// Alloc serves size out of high memory, matching pmm_alloc.
func Alloc(p *PMM, size mem.Size) (mem.Linear, bool) {
	return allocFrom(p, &p.high, size)
}

// LowAlloc serves size out of low memory (< 1 MiB), matching
// pmm_low_alloc.
func LowAlloc(p *PMM, size mem.Size) (mem.Linear, bool) {
	return allocFrom(p, &p.low, size)
}

func allocFrom(p *PMM, c *class, size mem.Size) (mem.Linear, bool) {
	e := exponentFor(size)

	if e == mem.PageSizeLowestExponent {
		return fastpage.Alloc(&c.fast, fastPageRefill(p, c))
	}

	if e < numExponents && c.freelists[e].HasCapacity() {
		if addr, ok := freelist.Alloc(&c.freelists[e]); ok {
			return addr, true
		}
	}

	bias, ok := smallestBiasFor(c.bias, e)
	if !ok {
		return 0, false
	}

	if c.buddies[bias.Exp] == nil {
		if !growBuddy(p, c, bias) {
			return 0, false
		}
	}

	// HasCapacity only promises some free block exists somewhere in the
	// buddy, not one as large as 2^e: ordinary fragmentation can leave the
	// buddy non-empty yet unable to serve this request. Alloc is the only
	// reliable test, so on failure grow a fresh region and retry once,
	// matching init_region's "the PMM is responsible for calling
	// init_region again" contract.
	if addr, ok := buddy.Alloc(c.buddies[bias.Exp], e); ok {
		return addr, true
	}

	if !growBuddy(p, c, bias) {
		return 0, false
	}

	return buddy.Alloc(c.buddies[bias.Exp], e)
}

// smallestBiasFor returns the bias table row with the smallest Exp that is
// still >= e.
func smallestBiasFor(table []Bias, e uint8) (Bias, bool) {
	best := Bias{}
	found := false
	for _, b := range table {
		if b.Exp < e {
			continue
		}
		if !found || b.Exp < best.Exp {
			best = b
			found = true
		}
	}
	return best, found
}

// growBuddy carves a fresh 2^bias.Exp block from the matching freelist and
// turns it into a new buddy region; it fails if that freelist is empty.
// The buddy's region-header freelist is refilled from the fast-page pool.
func growBuddy(p *PMM, c *class, bias Bias) bool {
	blockBase, ok := freelist.Alloc(&c.freelists[bias.Exp])
	if !ok {
		return false
	}

	if c.buddies[bias.Exp] == nil {
		metas := &freelist.List{}
		metasRefill := func() (mem.Linear, mem.Linear, bool) {
			base, ok := fastpage.Alloc(&c.fast, fastPageRefill(p, c))
			if !ok {
				return 0, 0, false
			}
			return base, base + mem.Linear(mem.PageSize), true
		}
		c.buddies[bias.Exp] = buddy.New(bias.Exp, bias.MinBuddyExp, metas, metasRefill)
	}

	nodeMetaAlloc := func(size mem.Size) (mem.Linear, bool) {
		return watermark.VAlloc(&p.metaWatermark, size)
	}

	if err := buddy.InitRegion(c.buddies[bias.Exp], blockBase, nodeMetaAlloc); err != nil {
		kfmt.Printf("[pmm] failed to init buddy region at %x: %s\n", blockBase, err.Message)
		return false
	}
	return true
}

// fastPageRefill resolves the open refill-policy question (option (b):
// carve fresh pages from pmm_alloc's own pools rather than looping
// forever). Each PFreelist object at PAGE_SIZE granularity is exactly one
// contiguous page, so it is safe to hand straight to Seed; a PFreelist
// never guarantees that successive Alloc calls return physically
// contiguous objects, so this deliberately refills one page at a time
// rather than assuming a larger contiguous batch.
func fastPageRefill(p *PMM, c *class) fastpage.RefillFunc {
	return func() (mem.Linear, mem.Linear, bool) {
		base, ok := freelist.Alloc(&c.freelists[mem.PageSizeLowestExponent])
		if !ok {
			return 0, 0, false
		}
		return base, base + mem.Linear(mem.PageSize), true
	}
}

// Free releases addr back to high memory, matching pmm_free. It returns
// the number of bytes released. An address that no buddy or freelist owns
// is treated as a fast page: it is pushed onto the fast-page pool and
// Free reports (PAGE_SIZE, true), so Free never reports false.
func Free(p *PMM, addr mem.Linear) (mem.Size, bool) {
	return freeFrom(&p.high, addr)
}

// LowFree releases addr back to low memory, matching pmm_low_free.
func LowFree(p *PMM, addr mem.Linear) (mem.Size, bool) {
	return freeFrom(&p.low, addr)
}

func freeFrom(c *class, addr mem.Linear) (mem.Size, bool) {
	for _, b := range c.bias {
		if c.buddies[b.Exp] == nil {
			continue
		}
		if size, ok := buddy.Free(c.buddies[b.Exp], addr); ok {
			return size, true
		}
	}
	for _, b := range c.bias {
		if freelist.Free(&c.freelists[b.Exp], addr) {
			return b.blockSize(), true
		}
	}

	fastpage.Push(&c.fast, addr)
	return mem.PageSize, true
}

// FastPageAlloc pops one page directly off the high fast-page pool,
// matching pmm_fast_page_alloc.
func FastPageAlloc(p *PMM) (mem.Linear, bool) {
	return fastpage.Alloc(&p.high.fast, fastPageRefill(p, &p.high))
}

// FastPageFree pushes a page back onto the high fast-page pool, matching
// pmm_fast_page_free.
func FastPageFree(p *PMM, addr mem.Linear) mem.Size {
	return fastpage.Free(&p.high.fast, addr)
}

// GeneralAlloc implements the kernel-allocator contract from the external
// interfaces section: requests larger than half a page go straight to
// Alloc; everything else is served by the slab allocator PSlab backs.
func GeneralAlloc(p *PMM, size mem.Size) (mem.Linear, bool) {
	if size > mem.PageSize/2 {
		return Alloc(p, size)
	}
	return slab.Alloc(p.slab, size)
}

// GeneralFree implements the matching free-side contract: pslab_free is
// tried first, and only on a miss does the address fall back to pmm_free.
func GeneralFree(p *PMM, addr mem.Linear) (mem.Size, bool) {
	if size, ok := slab.Free(p.slab, addr); ok {
		return size, true
	}
	return Free(p, addr)
}

// Stats reports high/low free-block and free-page counts for boot-time
// diagnostics.
func (p *PMM) Stats() (highFreelistRanges int, highFreePages int64, lowFreelistRanges int, lowFreePages int64) {
	highFreelistRanges, _ = statsAcross(&p.high)
	lowFreelistRanges, _ = statsAcross(&p.low)
	return highFreelistRanges, p.high.fast.Count(), lowFreelistRanges, p.low.fast.Count()
}
