package allocator

import (
	"runtime"
	"testing"
	"unsafe"

	"ember/kernel/mem"
	"ember/kernel/mem/memmap"
	"ember/kernel/mem/pmm/buddy"
)

// physBacking returns the mem.Phys value that, once run through
// mem.Phys.ToLinear, resolves back to the real address of buf[0]. The real
// kernel's HHDM maps every physical address P to linear P+HHDMBase; a
// hosted test has no such mapping available, so it runs that same affine
// relationship backwards: choosing Base = linearAddr-HHDMBase makes
// ToLinear() land exactly on the backing Go buffer. This is the same
// modular-arithmetic round trip ToPhys relies on, just driven from the
// other direction.
func physBacking(buf []byte) mem.Phys {
	addr := mem.Linear(uintptr(unsafe.Pointer(&buf[0])))
	return mem.Phys(addr - mem.HHDMBase)
}

func newEntries(buf []byte) []memmap.Entry {
	return []memmap.Entry{
		{Base: physBacking(buf), Len: mem.Size(len(buf)), Type: memmap.Available},
	}
}

func TestInitBootstrapsAndPartitions(t *testing.T) {
	buf := make([]byte, 16*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	highRanges, _, lowRanges, lowFreePages := p.Stats()
	if highRanges == 0 {
		t.Fatal("expected at least one high freelist range after Init")
	}
	if lowRanges != 0 || lowFreePages != 0 {
		t.Fatalf("expected no low-memory pools with no low entries, got ranges=%d pages=%d", lowRanges, lowFreePages)
	}
}

func TestInitFailsWithNoAvailableMemory(t *testing.T) {
	p := New()
	entries := []memmap.Entry{
		{Base: mem.LowMemLimit, Len: mem.Size(4096), Type: memmap.Reserved},
	}
	if err := Init(p, entries); err == nil {
		t.Fatal("expected Init to fail with no available entry large enough to bootstrap")
	}
}

func TestAllocPageGoesThroughFastPagePool(t *testing.T) {
	buf := make([]byte, 16*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	addr, ok := Alloc(p, mem.PageSize)
	if !ok {
		t.Fatal("expected a page-sized alloc to succeed")
	}

	size, ok := Free(p, addr)
	if !ok || size != mem.PageSize {
		t.Fatalf("expected Free to release PAGE_SIZE, got %d ok=%v", size, ok)
	}
}

func TestAllocFreelistExactMatch(t *testing.T) {
	// 32 MiB rather than 16: the exp-21 bias row's range header consumes
	// one whole 2 MiB object, so its quarter share must reach 4 MiB to
	// leave one allocatable 2 MiB object.
	buf := make([]byte, 32*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	// 2 MiB matches the exp-21 bias row's own freelist object size exactly.
	const size2M = mem.Size(2 * 1024 * 1024)
	addr, ok := Alloc(p, size2M)
	if !ok {
		t.Fatal("expected a 2 MiB alloc to succeed from the exp-21 freelist")
	}

	size, ok := Free(p, addr)
	if !ok || size != size2M {
		t.Fatalf("expected Free to release 2 MiB, got %d ok=%v", size, ok)
	}
}

func TestAllocGrowsBuddyForUnmatchedExponent(t *testing.T) {
	// 32 MiB so the exp-21 bias freelist holds one 2 MiB object after its
	// own range header (see TestAllocFreelistExactMatch).
	buf := make([]byte, 32*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	// 8 KiB (exponent 13) has no dedicated freelist; it must be served by
	// a buddy region grown on demand out of the exp-21 bias's freelist.
	const size8K = mem.Size(8 * 1024)
	a, ok := Alloc(p, size8K)
	if !ok {
		t.Fatal("expected an 8 KiB alloc to succeed via a grown buddy region")
	}
	b, ok := Alloc(p, size8K)
	if !ok {
		t.Fatal("expected a second 8 KiB alloc to succeed from the same buddy region")
	}
	if a == b {
		t.Fatal("expected two distinct 8 KiB allocations")
	}

	if size, ok := Free(p, a); !ok || size != size8K {
		t.Fatalf("expected Free to release 8 KiB, got %d ok=%v", size, ok)
	}
	if size, ok := Free(p, b); !ok || size != size8K {
		t.Fatalf("expected Free to release 8 KiB, got %d ok=%v", size, ok)
	}
}

func TestGeneralAllocRoutesSmallRequestsToSlab(t *testing.T) {
	buf := make([]byte, 16*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	addr, ok := GeneralAlloc(p, 64)
	if !ok {
		t.Fatal("expected a 64 byte GeneralAlloc to succeed via PSlab")
	}

	size, ok := GeneralFree(p, addr)
	if !ok || size != 64 {
		t.Fatalf("expected GeneralFree to report the matching slab object size 64, got %d ok=%v", size, ok)
	}
}

func TestGeneralAllocRoutesLargeRequestsToPMM(t *testing.T) {
	buf := make([]byte, 16*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	addr, ok := GeneralAlloc(p, mem.PageSize)
	if !ok {
		t.Fatal("expected a page-sized GeneralAlloc to bypass PSlab and go straight to pmm_alloc")
	}
	size, ok := GeneralFree(p, addr)
	if !ok || size != mem.PageSize {
		t.Fatalf("expected GeneralFree to release PAGE_SIZE, got %d ok=%v", size, ok)
	}
}

func TestGeneralAllocRoundsUpToNextSlabList(t *testing.T) {
	buf := make([]byte, 16*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	// 1025 is not itself a power of two, so it rounds up to the 2048-byte
	// list, the largest PSlab carries (lowestExp 4 + NumLists-1 == 11).
	addr, ok := GeneralAlloc(p, 1025)
	if !ok {
		t.Fatal("expected GeneralAlloc(1025) to succeed via the 2048-byte slab list")
	}
	if size, ok := GeneralFree(p, addr); !ok || size != 2048 {
		t.Fatalf("expected GeneralFree to report 2048, got %d ok=%v", size, ok)
	}
}

func TestFastPageAllocAndFreeRoundTrip(t *testing.T) {
	buf := make([]byte, 16*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	a, ok := FastPageAlloc(p)
	if !ok {
		t.Fatal("expected FastPageAlloc to succeed")
	}
	b, ok := FastPageAlloc(p)
	if !ok {
		t.Fatal("expected a second FastPageAlloc to succeed")
	}
	if a == b {
		t.Fatal("expected two distinct fast pages")
	}

	if size := FastPageFree(p, a); size != mem.PageSize {
		t.Fatalf("expected FastPageFree to report PAGE_SIZE, got %d", size)
	}
	if size := FastPageFree(p, b); size != mem.PageSize {
		t.Fatalf("expected FastPageFree to report PAGE_SIZE, got %d", size)
	}
}

func TestLowAllocFailsWithNoLowMemory(t *testing.T) {
	buf := make([]byte, 16*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	if _, ok := LowAlloc(p, mem.PageSize); ok {
		t.Fatal("expected LowAlloc to fail with no low memory-map entries")
	}
}

func TestFreeOfPageAddressRoundTrips(t *testing.T) {
	buf := make([]byte, 16*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	// A page-sized address always belongs to the page-exponent freelist
	// by address range, even after a round trip through the fast-page
	// pool, so Free finds it there before ever falling back to pushing
	// onto the fast-page pool directly.
	addr, ok := Alloc(p, mem.PageSize)
	if !ok {
		t.Fatal("expected a page-sized alloc to succeed")
	}
	if size, ok := Free(p, addr); !ok || size != mem.PageSize {
		t.Fatalf("expected Free to succeed and report PAGE_SIZE, got %d ok=%v", size, ok)
	}

	// The address is reusable immediately afterward regardless of which
	// pool reclaimed it.
	addr2, ok := Alloc(p, mem.PageSize)
	if !ok {
		t.Fatal("expected a second page-sized alloc to succeed after the free")
	}
	if size, ok := Free(p, addr2); !ok || size != mem.PageSize {
		t.Fatalf("expected Free to succeed and report PAGE_SIZE, got %d ok=%v", size, ok)
	}
}

func TestAllocRetriesGrowBuddyOnFragmentation(t *testing.T) {
	// A larger backing buffer than the other tests: the exp-21 bias row
	// needs at least two 2 MiB blocks of spare freelist capacity so a
	// second growBuddy has somewhere to carve a fresh region from.
	buf := make([]byte, 64*1024*1024)
	defer runtime.KeepAlive(buf)

	p := New()
	if err := Init(p, newEntries(buf)); err != nil {
		t.Fatalf("Init failed: %s", err.Message)
	}

	const size8K = mem.Size(8 * 1024)
	a, ok := Alloc(p, size8K)
	if !ok {
		t.Fatal("expected the first 8 KiB alloc to grow the first buddy region")
	}

	b := p.high.buddies[21]
	if b == nil {
		t.Fatal("expected bias exponent 21 to have a grown buddy")
	}

	// Drive the region down to page-sized (exp 12) leaves until it is
	// fully exhausted, then free every other leaf. Sequential
	// smallest-granularity allocation against a fresh region splits
	// depth-first, so consecutive leaves (2i, 2i+1) are always buddies of
	// each other; freeing only the odd ones leaves every surviving free
	// block paired with a still-allocated buddy, so none can ever merge
	// back into an 8 KiB block.
	var leaves []mem.Linear
	for {
		addr, ok := buddy.Alloc(b, mem.PageSizeLowestExponent)
		if !ok {
			break
		}
		leaves = append(leaves, addr)
	}
	if len(leaves) < 4 {
		t.Fatalf("expected the region to yield several page-sized leaves, got %d", len(leaves))
	}
	for i, addr := range leaves {
		if i%2 == 0 {
			continue
		}
		if _, ok := buddy.Free(b, addr); !ok {
			t.Fatalf("expected free of leaf %d to succeed", i)
		}
	}

	// HasCapacity now reports true (free page-sized blocks exist) but no
	// contiguous 8 KiB block can form in this region: allocFrom must grow
	// a second region rather than giving up on the first failed
	// buddy.Alloc.
	c, ok := Alloc(p, size8K)
	if !ok {
		t.Fatal("expected the fragmented region to be bypassed by growing a second region")
	}
	if c == a {
		t.Fatal("expected the retried allocation to land in a freshly grown region")
	}

	regions, _ := b.Stats()
	if regions < 2 {
		t.Fatalf("expected at least 2 regions after the retry, got %d", regions)
	}
}

func TestCreateFreelistsAlignsMisalignedEntry(t *testing.T) {
	// bootstrapBuf backs the entry Init consumes for its own bootstrap
	// allocation; PWatermark.Alloc page-aligns whatever it returns, so
	// that entry can never exercise createFreelists's own alignment step.
	// A second, separate entry over miscBuf is left deliberately misaligned
	// by a sub-page amount on both ends, simulating a firmware memory map
	// that never promised PAGE_SIZE-aligned bases/lengths, and is never
	// touched by the bootstrap path at all.
	bootstrapBuf := make([]byte, 1*1024*1024)
	miscBuf := make([]byte, 4*1024*1024)
	defer runtime.KeepAlive(bootstrapBuf)
	defer runtime.KeepAlive(miscBuf)

	const misalign = mem.Size(64)
	entries := []memmap.Entry{
		{Base: physBacking(bootstrapBuf), Len: mem.Size(len(bootstrapBuf)), Type: memmap.Available},
		{
			Base: physBacking(miscBuf) + mem.Phys(misalign),
			Len:  mem.Size(len(miscBuf)) - 2*misalign,
			Type: memmap.Available,
		},
	}

	p := New()
	if err := Init(p, entries); err != nil {
		t.Fatalf("Init failed with a misaligned entry: %s", err.Message)
	}

	highRanges, _, _, _ := p.Stats()
	if highRanges == 0 {
		t.Fatal("expected a misaligned entry to still produce usable high freelist ranges")
	}

	addr, ok := Alloc(p, mem.PageSize)
	if !ok {
		t.Fatal("expected a page-sized alloc to succeed against a misaligned memory map entry")
	}
	if addr%mem.Linear(mem.PageSize) != 0 {
		t.Fatalf("expected the allocated address to be PAGE_SIZE aligned, got %x", addr)
	}
	if _, ok := Free(p, addr); !ok {
		t.Fatal("expected Free to succeed")
	}
}
