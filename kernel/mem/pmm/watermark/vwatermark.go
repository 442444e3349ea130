package watermark

import (
	"ember/kernel"
	"ember/kernel/mem"
	ksync "ember/kernel/sync"
)

// node describes one sub-range carved out of a Meta's backing memory,
// either currently handed out (on Meta.allocated) or free and available
// for reuse (on Meta.free). Nodes themselves come off the Go heap: the
// spec calls for them to come "from the kernel general allocator
// (external)", and this is the one allocator in the tree explicitly
// permitted to do that, since it never sits on the PMM's hot path.
type node struct {
	base, ceil mem.Linear
	next       *node
}

func (n *node) size() mem.Size { return mem.Size(n.ceil - n.base) }

// Meta is one backing region a VWatermark bump-allocates and then
// sub-allocates out of via its free/allocated node lists. Multiple Metas
// can be chained onto one VWatermark as it grows.
type Meta struct {
	base, ceil mem.Linear
	off        mem.Size

	allocated     *node
	allocatedLock ksync.Spinlock

	free     *node
	freeLock ksync.Spinlock

	next *Meta
}

// VWatermark is a freeing bump allocator over one or more linear-address
// Metas. Unlike PWatermark it supports Free, by maintaining an
// allocated/free node list per meta and merging adjacent free nodes.
type VWatermark struct {
	head      *Meta
	orderLock ksync.Spinlock
}

// VInit wires meta to cover [base, ceil) and links it onto vw's meta list.
func VInit(vw *VWatermark, meta *Meta, base, ceil mem.Linear) *kernel.Error {
	if vw == nil || meta == nil || base >= ceil {
		return errBadParam
	}

	*meta = Meta{base: base, ceil: ceil}

	vw.orderLock.Acquire()
	meta.next = vw.head
	vw.head = meta
	vw.orderLock.Release()

	return nil
}

// VAlloc serves size out of the first meta that can satisfy it: first a
// first-fit scan over that meta's free list, falling back to bumping the
// meta's own watermark if nothing free fits.
func VAlloc(vw *VWatermark, size mem.Size) (mem.Linear, bool) {
	if vw == nil || size == 0 {
		return 0, false
	}

	vw.orderLock.Acquire()
	defer vw.orderLock.Release()

	for m := vw.head; m != nil; m = m.next {
		if addr, ok := allocFromMeta(m, size); ok {
			return addr, true
		}
	}
	return 0, false
}

func allocFromMeta(m *Meta, size mem.Size) (mem.Linear, bool) {
	if addr, ok := allocFromFreeList(m, size); ok {
		return addr, true
	}
	return allocFromBump(m, size)
}

// allocFromFreeList first-fits size over m.free, splitting the matching
// node if it is larger than needed or consuming it whole if it matches
// exactly.
func allocFromFreeList(m *Meta, size mem.Size) (mem.Linear, bool) {
	m.freeLock.Acquire()

	var prev, cur *node
	for cur = m.free; cur != nil; prev, cur = cur, cur.next {
		if cur.size() >= size {
			break
		}
	}
	if cur == nil {
		m.freeLock.Release()
		return 0, false
	}

	addr := cur.base
	if cur.size() == size {
		if prev == nil {
			m.free = cur.next
		} else {
			prev.next = cur.next
		}
	} else {
		cur.base += mem.Linear(size)
	}
	m.freeLock.Release()

	allocated := &node{base: addr, ceil: addr + mem.Linear(size)}
	m.allocatedLock.Acquire()
	allocated.next = m.allocated
	m.allocated = allocated
	m.allocatedLock.Release()

	return addr, true
}

// allocFromBump extends m's watermark by size when no free node could
// satisfy the request.
func allocFromBump(m *Meta, size mem.Size) (mem.Linear, bool) {
	if mem.Size(m.ceil-m.base)-m.off < size {
		return 0, false
	}

	addr := m.base + mem.Linear(m.off)
	m.off += size

	allocated := &node{base: addr, ceil: addr + mem.Linear(size)}
	m.allocatedLock.Acquire()
	allocated.next = m.allocated
	m.allocated = allocated
	m.allocatedLock.Release()

	return addr, true
}

// Free removes addr's node from its meta's allocated list, links it into
// the free list in ascending-base order, and performs a single linear
// pass merging any now-adjacent free nodes. It returns the number of
// bytes released, or (0, false) if addr is not currently allocated in any
// meta this VWatermark owns.
func Free(vw *VWatermark, addr mem.Linear) (mem.Size, bool) {
	if vw == nil {
		return 0, false
	}

	vw.orderLock.Acquire()
	defer vw.orderLock.Release()

	for m := vw.head; m != nil; m = m.next {
		if freed, ok := freeFromMeta(m, addr); ok {
			return freed, true
		}
	}
	return 0, false
}

func freeFromMeta(m *Meta, addr mem.Linear) (mem.Size, bool) {
	m.allocatedLock.Acquire()
	var prev, cur *node
	for cur = m.allocated; cur != nil; prev, cur = cur, cur.next {
		if cur.base == addr {
			break
		}
	}
	if cur == nil {
		m.allocatedLock.Release()
		return 0, false
	}
	if prev == nil {
		m.allocated = cur.next
	} else {
		prev.next = cur.next
	}
	m.allocatedLock.Release()

	size := cur.size()
	cur.next = nil

	m.freeLock.Acquire()
	insertSortedFree(m, cur)
	mergeFreeList(m)
	m.freeLock.Release()

	return size, true
}

// insertSortedFree inserts n into m.free keeping the list in ascending
// base-address order, a precondition for mergeFreeList's single pass to
// find every pair of now-adjacent nodes.
func insertSortedFree(m *Meta, n *node) {
	if m.free == nil || n.base < m.free.base {
		n.next = m.free
		m.free = n
		return
	}
	cur := m.free
	for cur.next != nil && cur.next.base < n.base {
		cur = cur.next
	}
	n.next = cur.next
	cur.next = n
}

// mergeFreeList walks the (sorted) free list once, coalescing any node
// whose ceil equals the next node's base.
func mergeFreeList(m *Meta) {
	cur := m.free
	for cur != nil && cur.next != nil {
		if cur.ceil == cur.next.base {
			cur.ceil = cur.next.ceil
			cur.next = cur.next.next
			continue
		}
		cur = cur.next
	}
}
