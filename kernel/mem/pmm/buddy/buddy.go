// Package buddy implements PBuddy: a binary buddy allocator over one or
// more power-of-two regions, with block headers placed in-band (carrying
// corruption-detecting canaries) and per-block exponent bookkeeping kept
// out-of-band in a densely indexed node_metas array. It is the allocator
// the PMM falls back to for any request a fixed-object-size PFreelist
// cannot satisfy in O(1).
//
// The original source's pbuddy.c stubs both alloc and free (they return
// NULL/0 unconditionally); this package implements the algorithm directly
// from its written description rather than porting that stub.
package buddy

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"ember/kernel"
	"ember/kernel/kfmt"
	"ember/kernel/mem"
	"ember/kernel/mem/pmm/freelist"
	ksync "ember/kernel/sync"
)

// Canary constants stamped into every free block's header. A mismatch on
// check means either corruption or that the block is not actually free;
// either way the operation that found it refuses to proceed.
const (
	canaryLow  uint64 = 0xB0DD1E5CAFEC0DE
	canaryHigh uint64 = 0xC0FFEEDEADBEEF0
)

// maxLevels bounds the number of free-list levels a single region can
// have (exp - min_exp + 1). 64 covers every exponent a 64-bit address
// space can express, with room to spare.
const maxLevels = 64

var (
	errBadParam    = &kernel.Error{Module: "buddy", Message: "nil buddy, inverted exponents or zero size"}
	errOOMMetadata = &kernel.Error{Module: "buddy", Message: "out of memory for node_metas or region header"}
	errCorrupt     = &kernel.Error{Module: "buddy", Message: "canary mismatch: buddy block corrupted"}
	errDoubleFree  = &kernel.Error{Module: "buddy", Message: "address already free"}
)

// node is the in-band free-block header: ensure_canaries/check_canaries in
// the spec become methods on this type. It is placed directly at the start
// of every free block by casting a raw address, the same trick
// kernel.Memset uses via reflect.SliceHeader elsewhere in this package
// tree.
type node struct {
	canaryLow  uint64
	next       atomic.Pointer[node]
	canaryHigh uint64
}

func (n *node) ensureCanaries() {
	atomic.StoreUint64(&n.canaryHigh, canaryHigh)
	atomic.StoreUint64(&n.canaryLow, canaryLow)
}

func (n *node) checkCanaries() bool {
	return atomic.LoadUint64(&n.canaryLow) == canaryLow && atomic.LoadUint64(&n.canaryHigh) == canaryHigh
}

// clearCanaries zeroes both canary words with release-store semantics: the
// block is about to be reachable by other CPUs as an allocated object
// through node_metas, and nobody may observe stale canary bytes that would
// make a corrupted/allocated block look free.
func (n *node) clearCanaries() {
	atomic.StoreUint64(&n.canaryHigh, 0)
	atomic.StoreUint64(&n.canaryLow, 0)
}

func nodeAt(addr mem.Linear) *node {
	return (*node)(unsafe.Pointer(uintptr(addr)))
}

// nodeMeta is the out-of-band per-smallest-block-slot record: the current
// exponent of the block starting at this slot, or stale if the slot is
// interior to a larger, unsplit block.
type nodeMeta struct {
	exp uint8
}

// MetaAllocFunc supplies the backing storage for one region's node_metas
// array. The PMM serves every region's array from its VWatermark.
type MetaAllocFunc func(size mem.Size) (mem.Linear, bool)

// PageSupplier hands a single fresh PAGE_SIZE-ish range to refill a
// Buddy's region-header freelist (buddy.metas) when it runs dry. This is
// the one path, per the spec, where PBuddy is allowed to draw from the
// fast-page pool during its own initialization.
type PageSupplier func() (base, ceil mem.Linear, ok bool)

// Region manages one contiguous power-of-two area, subdivided into blocks
// from 2^min_exp up to 2^exp.
type Region struct {
	base   mem.Linear
	exp    uint8
	minExp uint8

	nodeMetas []nodeMeta
	free      [maxLevels]atomic.Pointer[node]
	freeCount int64

	next *Region
	lock ksync.Spinlock
}

// Base returns the region's starting address.
func (r *Region) Base() mem.Linear { return r.base }

// End returns the region's exclusive end address.
func (r *Region) End() mem.Linear { return r.base + mem.Linear(uint64(1)<<r.exp) }

func (r *Region) contains(addr mem.Linear) bool {
	return addr >= r.base && addr < r.End()
}

func (r *Region) ptr2idx(addr mem.Linear) int {
	return int((addr - r.base) >> r.minExp)
}

// buddyOf returns the buddy of the 2^k block at addr. The XOR is taken on
// the offset from the region base, so a region need not start on a
// 2^exp-aligned address.
func (r *Region) buddyOf(addr mem.Linear, k uint8) mem.Linear {
	return r.base + ((addr - r.base) ^ mem.Linear(uint64(1)<<k))
}

// Buddy is the top-level allocator: a linked list of Regions sharing one
// exp/min_exp pair, plus the dedicated metadata freelist region headers
// are carved from.
type Buddy struct {
	head   *Region
	metas  *freelist.List
	exp    uint8
	minExp uint8
	refill PageSupplier

	orderLock ksync.Spinlock
}

// New constructs an empty Buddy. metas is the dedicated PFreelist region
// headers are allocated from; refill supplies a fresh page to grow metas
// when it is exhausted.
func New(exp, minExp uint8, metas *freelist.List, refill PageSupplier) *Buddy {
	return &Buddy{exp: exp, minExp: minExp, metas: metas, refill: refill}
}

// Exp and MinExp report the exponent bounds shared by every region.
func (b *Buddy) Exp() uint8    { return b.exp }
func (b *Buddy) MinExp() uint8 { return b.minExp }

// RegionSize reports sizeof(Region), the object size a Buddy's dedicated
// metas freelist must be initialized with to host region headers.
func RegionSize() mem.Size { return mem.Size(unsafe.Sizeof(Region{})) }

// InitRegion carves a new Region covering [base, base+2^exp) and links it
// into buddy. allocMeta supplies the backing store for the node_metas
// array; the region header itself comes from buddy.metas, refilling it
// from buddy.refill first if it has no capacity.
func InitRegion(buddy *Buddy, base mem.Linear, allocMeta MetaAllocFunc) *kernel.Error {
	if buddy == nil || allocMeta == nil || buddy.exp <= buddy.minExp {
		return errBadParam
	}

	levels := buddy.exp - buddy.minExp
	if levels >= maxLevels {
		return errBadParam
	}
	entries := uint64(1) << levels

	metaBytes := mem.Size(entries) * mem.Size(unsafe.Sizeof(nodeMeta{}))
	metaAddr, ok := allocMeta(metaBytes)
	if !ok {
		return errOOMMetadata
	}

	if !buddy.metas.HasCapacity() {
		if buddy.refill == nil {
			return errOOMMetadata
		}
		pageBase, pageCeil, ok := buddy.refill()
		if !ok {
			return errOOMMetadata
		}
		if err := freelist.Init(buddy.metas, pageBase, pageCeil, RegionSize()); err != nil {
			return errOOMMetadata
		}
	}
	regionAddr, ok := freelist.Alloc(buddy.metas)
	if !ok {
		return errOOMMetadata
	}

	kernel.Memset(uintptr(regionAddr), 0, uintptr(unsafe.Sizeof(Region{})))
	region := (*Region)(unsafe.Pointer(uintptr(regionAddr)))
	region.base = base
	region.exp = buddy.exp
	region.minExp = buddy.minExp
	region.nodeMetas = sliceOverlay(metaAddr, int(entries))

	region.nodeMetas[0].exp = buddy.exp
	first := nodeAt(base)
	first.ensureCanaries()
	first.next.Store(nil)
	region.free[levels].Store(first)
	region.freeCount = 1

	buddy.orderLock.Acquire()
	region.next = buddy.head
	buddy.head = region
	buddy.orderLock.Release()

	return nil
}

// sliceOverlay builds a []nodeMeta whose backing array is the raw memory
// at addr, the same reflect.SliceHeader overlay kernel.Memset uses to
// treat an arbitrary address range as a typed Go slice.
func sliceOverlay(addr mem.Linear, n int) []nodeMeta {
	var out []nodeMeta
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&out))
	hdr.Data = uintptr(addr)
	hdr.Len = n
	hdr.Cap = n
	return out
}

// Alloc finds a region with capacity for a 2^expReq block, splitting a
// larger free block down if no exact-size block is free, and returns the
// allocated address. It acquires order_lock for the whole operation, as
// the spec requires.
func Alloc(buddy *Buddy, expReq uint8) (mem.Linear, bool) {
	if buddy == nil {
		return 0, false
	}

	buddy.orderLock.Acquire()
	defer buddy.orderLock.Release()

	var prev *Region
	for r := buddy.head; r != nil; prev, r = r, r.next {
		if addr, ok := regionAlloc(r, expReq); ok {
			if prev != nil {
				prev.next = r.next
				r.next = buddy.head
				buddy.head = r
			}
			return addr, true
		}
	}
	return 0, false
}

func regionAlloc(r *Region, expReq uint8) (mem.Linear, bool) {
	if expReq < r.minExp || expReq > r.exp {
		return 0, false
	}
	levelReq := expReq - r.minExp

	if addr, ok := popLevel(r, levelReq); ok {
		return addr, true
	}

	r.lock.Acquire()
	defer r.lock.Release()

	k := levelReq + 1
	for ; k <= r.exp-r.minExp; k++ {
		if r.free[k].Load() != nil {
			break
		}
	}
	if k > r.exp-r.minExp {
		return 0, false
	}

	block := r.free[k].Load()
	r.free[k].Store(block.next.Load())
	atomic.AddInt64(&r.freeCount, -1)

	curAddr := mem.Linear(uintptr(unsafe.Pointer(block)))
	for k > levelReq {
		splitExp := r.minExp + k - 1
		buddyAddr := r.buddyOf(curAddr, splitExp)

		r.nodeMetas[r.ptr2idx(curAddr)].exp = splitExp
		r.nodeMetas[r.ptr2idx(buddyAddr)].exp = splitExp

		buddyNode := nodeAt(buddyAddr)
		buddyNode.ensureCanaries()
		buddyNode.next.Store(r.free[k-1].Load())
		r.free[k-1].Store(buddyNode)
		atomic.AddInt64(&r.freeCount, 1)

		k--
	}

	final := nodeAt(curAddr)
	final.clearCanaries()
	return curAddr, true
}

func popLevel(r *Region, level uint8) (mem.Linear, bool) {
	for {
		head := r.free[level].Load()
		if head == nil {
			return 0, false
		}
		if !head.checkCanaries() {
			kfmt.Printf("[buddy] %s at %x\n", errCorrupt.Message, uintptr(unsafe.Pointer(head)))
			return 0, false
		}
		next := head.next.Load()
		if r.free[level].CompareAndSwap(head, next) {
			atomic.AddInt64(&r.freeCount, -1)
			head.clearCanaries()
			return mem.Linear(uintptr(unsafe.Pointer(head))), true
		}
	}
}

// Free locates the region owning addr and releases the block, merging it
// with its buddy upward as long as the buddy is also free. It returns the
// size of the block the caller released (2^k for the block's exponent
// before any merge), or (0, false) if addr is not owned by this Buddy.
func Free(buddy *Buddy, addr mem.Linear) (mem.Size, bool) {
	if buddy == nil {
		return 0, false
	}

	buddy.orderLock.Acquire()
	defer buddy.orderLock.Release()

	var prev *Region
	for r := buddy.head; r != nil; prev, r = r, r.next {
		if !r.contains(addr) {
			continue
		}
		size, err := regionFree(r, addr)
		if err != nil {
			return 0, false
		}
		if prev != nil {
			prev.next = r.next
			r.next = buddy.head
			buddy.head = r
		}
		return size, true
	}
	return 0, false
}

func regionFree(r *Region, addr mem.Linear) (mem.Size, *kernel.Error) {
	r.lock.Acquire()
	defer r.lock.Release()

	if nodeAt(addr).checkCanaries() {
		return 0, errDoubleFree
	}

	idx := r.ptr2idx(addr)
	k := r.nodeMetas[idx].exp
	freedExp := k
	curAddr := addr

	for k < r.exp {
		buddyAddr := r.buddyOf(curAddr, k)
		buddyIdx := r.ptr2idx(buddyAddr)
		if r.nodeMetas[buddyIdx].exp != k {
			break
		}

		buddyNode := nodeAt(buddyAddr)
		if !buddyNode.checkCanaries() {
			break
		}
		if !unlinkFromLevel(r, k-r.minExp, buddyNode) {
			break
		}
		buddyNode.clearCanaries()
		atomic.AddInt64(&r.freeCount, -1)

		if buddyAddr < curAddr {
			curAddr = buddyAddr
		}
		k++
		r.nodeMetas[r.ptr2idx(curAddr)].exp = k
	}

	final := nodeAt(curAddr)
	final.ensureCanaries()
	final.next.Store(r.free[k-r.minExp].Load())
	r.free[k-r.minExp].Store(final)
	atomic.AddInt64(&r.freeCount, 1)

	return mem.Size(uint64(1) << freedExp), nil
}

// unlinkFromLevel removes target from free[level] if present. The caller
// must already hold r.lock.
func unlinkFromLevel(r *Region, level uint8, target *node) bool {
	head := r.free[level].Load()
	if head == nil {
		return false
	}
	if head == target {
		r.free[level].Store(target.next.Load())
		return true
	}
	for cur := head; cur != nil; cur = cur.next.Load() {
		next := cur.next.Load()
		if next == target {
			cur.next.Store(target.next.Load())
			return true
		}
	}
	return false
}

// HasCapacity reports whether any region has at least one free block of
// any size.
func (b *Buddy) HasCapacity() bool {
	b.orderLock.Acquire()
	defer b.orderLock.Release()
	for r := b.head; r != nil; r = r.next {
		if atomic.LoadInt64(&r.freeCount) > 0 {
			return true
		}
	}
	return false
}

// Stats reports the number of regions and the total free block count
// (of any size) across the whole allocator, for boot-time diagnostics.
func (b *Buddy) Stats() (regions int, freeBlocks int64) {
	b.orderLock.Acquire()
	defer b.orderLock.Release()
	for r := b.head; r != nil; r = r.next {
		regions++
		freeBlocks += atomic.LoadInt64(&r.freeCount)
	}
	return regions, freeBlocks
}
