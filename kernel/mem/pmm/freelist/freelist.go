// Package freelist implements PFreelist: a single-linked freelist of
// fixed-size objects inside one or more contiguous linear-address ranges.
// It is the elementary page pool that every other allocator in this
// repository either sits on top of (PBuddy, PSlab) or is built from the
// same primitive (the fast-page pool).
package freelist

import (
	"sync/atomic"
	"unsafe"

	"ember/kernel"
	"ember/kernel/mem"
	ksync "ember/kernel/sync"
)

var (
	errBadParam = &kernel.Error{Module: "freelist", Message: "nil list, zero object size or inverted bounds"}
	errTooSmall = &kernel.Error{Module: "freelist", Message: "range too small to hold a range header and one object"}
)

// node is the in-band representation of a free object: the first
// pointer-sized word of every free object stores the address of the next
// free object in the chain.
type node struct {
	next atomic.Pointer[node]
}

// Range is one contiguous region partitioned into equally-sized objects.
// A Range is placed in-band at the start of the memory it describes: the
// first few objects of the region are consumed by the Range header itself,
// the rest form the free chain. This mirrors how PFreelistNode chains are
// built directly out of the memory they track (see init_pfreelist in
// original_source/src/c/algo/pfreelist.c) rather than requiring a
// separate allocator to host the bookkeeping struct — there is no
// allocator available yet the first time this code runs.
type Range struct {
	base, ceil mem.Linear
	objectSize mem.Size
	head       atomic.Pointer[node]
	freeCount  int64
	next       *Range
}

// Base returns the first address managed for objects (after the header).
func (r *Range) Base() mem.Linear { return r.base }

// Ceil returns the exclusive end address of the range.
func (r *Range) Ceil() mem.Linear { return r.ceil }

// FreeCount returns the number of currently free objects in this range.
func (r *Range) FreeCount() int64 { return atomic.LoadInt64(&r.freeCount) }

// contains reports whether addr falls within this range's object area.
func (r *Range) contains(addr mem.Linear) bool {
	return addr >= r.base && addr < r.ceil
}

// List is the head of a linked list of Ranges plus an ordering lock. All
// ranges within one List share the same object size; the most-recently
// useful range (the last one Alloc served from) is kept at head. Free
// does not reorder ranges.
type List struct {
	head       *Range
	objectSize mem.Size
	orderLock  ksync.Spinlock
}

// Init constructs a new Range in place over [base, ceil) and pushes it onto
// list's head under the ordering lock. Every range linked into the same
// List must share one object_size; Init enforces this after the first
// range has been created.
func Init(list *List, base, ceil mem.Linear, objectSize mem.Size) *kernel.Error {
	if list == nil || objectSize == 0 || base >= ceil {
		return errBadParam
	}
	if list.head != nil && list.objectSize != objectSize {
		return errBadParam
	}

	headerObjects := ceilDiv(uintptr(unsafe.Sizeof(Range{})), uintptr(objectSize))
	headerBytes := mem.Size(headerObjects) * objectSize
	if mem.Size(ceil-base) < headerBytes+objectSize {
		return errTooSmall
	}

	kernel.Memset(uintptr(base), 0, uintptr(unsafe.Sizeof(Range{})))
	r := (*Range)(unsafe.Pointer(uintptr(base)))
	r.objectSize = objectSize
	r.base = base + mem.Linear(headerBytes)
	r.ceil = ceil

	var head, prev *node
	var count int64
	for addr := r.base; addr+mem.Linear(objectSize) <= r.ceil; addr += mem.Linear(objectSize) {
		n := (*node)(unsafe.Pointer(uintptr(addr)))
		n.next.Store(nil)
		if prev == nil {
			head = n
		} else {
			prev.next.Store(n)
		}
		prev = n
		count++
	}
	r.head.Store(head)
	r.freeCount = count

	list.orderLock.Acquire()
	r.next = list.head
	list.head = r
	list.objectSize = objectSize
	list.orderLock.Release()

	return nil
}

// Alloc walks the list under the ordering lock, selects the first range
// with free_count > 0, promotes it to head if it wasn't already there, and
// pops its head object with an atomic compare-and-swap. It returns the
// zero address and false if every range is exhausted.
func Alloc(list *List) (mem.Linear, bool) {
	if list == nil {
		return 0, false
	}

	list.orderLock.Acquire()
	var prev, cur *Range
	for cur = list.head; cur != nil; prev, cur = cur, cur.next {
		if atomic.LoadInt64(&cur.freeCount) > 0 {
			break
		}
	}
	if cur == nil {
		list.orderLock.Release()
		return 0, false
	}
	if prev != nil {
		prev.next = cur.next
		cur.next = list.head
		list.head = cur
	}
	list.orderLock.Release()

	for {
		head := cur.head.Load()
		if head == nil {
			return 0, false
		}
		next := head.next.Load()
		if cur.head.CompareAndSwap(head, next) {
			atomic.AddInt64(&cur.freeCount, -1)
			return mem.Linear(uintptr(unsafe.Pointer(head))), true
		}
	}
}

// Free finds the range owning addr by an address-in-range scan under the
// ordering lock, then pushes the freed object at that range's head with an
// atomic compare-and-swap and increments free_count. It returns false if
// addr does not belong to any range in this list, in which case no state
// is mutated — the caller is expected to try a different allocator.
func Free(list *List, addr mem.Linear) bool {
	if list == nil || addr == 0 {
		return false
	}

	list.orderLock.Acquire()
	var owner *Range
	for r := list.head; r != nil; r = r.next {
		if r.contains(addr) {
			owner = r
			break
		}
	}
	list.orderLock.Release()

	if owner == nil {
		return false
	}

	n := (*node)(unsafe.Pointer(uintptr(addr)))
	for {
		head := owner.head.Load()
		n.next.Store(head)
		if owner.head.CompareAndSwap(head, n) {
			atomic.AddInt64(&owner.freeCount, 1)
			return true
		}
	}
}

// ObjectSize returns the object size shared by every range in list, or 0
// if the list has no ranges yet.
func (l *List) ObjectSize() mem.Size { return l.objectSize }

// Stats reports the number of ranges and the total free object count
// across the whole list. Used for boot-time diagnostics only.
func (l *List) Stats() (ranges int, free int64) {
	l.orderLock.Acquire()
	defer l.orderLock.Release()
	for r := l.head; r != nil; r = r.next {
		ranges++
		free += atomic.LoadInt64(&r.freeCount)
	}
	return ranges, free
}

// HasCapacity reports whether any range in the list currently has at least
// one free object, without mutating head order.
func (l *List) HasCapacity() bool {
	l.orderLock.Acquire()
	defer l.orderLock.Release()
	for r := l.head; r != nil; r = r.next {
		if atomic.LoadInt64(&r.freeCount) > 0 {
			return true
		}
	}
	return false
}

func ceilDiv(a, b uintptr) uintptr {
	return (a + b - 1) / b
}
