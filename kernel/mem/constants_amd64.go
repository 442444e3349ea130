// +build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift). Every
	// freelist and buddy object size must be at least this large since
	// free objects store their own linkage in-band.
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when we
	// need to convert a physical address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes: the smallest unit
	// served by the fast-page pool and the unit PFreelistRanges that back
	// PAGE_SIZE-exponent requests are measured in.
	PageSize = Size(1 << PageShift)

	// PageSizeLowestExponent is log2(PageSize). pmm_alloc/pmm_free route
	// requests of exactly this exponent to the fast-page pool instead of
	// a PFreelist or PBuddy.
	PageSizeLowestExponent = PageShift

	// HHDMBase is the fixed linear offset of the higher-half direct map:
	// every physical address P is reachable at linear address P+HHDMBase
	// once init_pmm has run. Chosen to match the canonical higher-half
	// region of a 4-level x86-64 page table layout.
	HHDMBase = Linear(0xFFFF800000000000)

	// LowMemLimit is the boundary between "low" memory (needed by legacy
	// DMA-incapable devices and real-mode trampolines) and "high" memory.
	// Allocations below this boundary are served by pmm_low_alloc.
	LowMemLimit = Phys(0x100000)
)
