// Package watermark implements PWatermark and VWatermark: the two bump
// allocators that break the chicken-and-egg bootstrap problem every other
// allocator in this tree has (their own metadata has to live somewhere,
// and nothing else can serve that memory yet). PWatermark is a one-shot,
// non-freeing physical bump allocator used only to place VWatermark's own
// first meta; VWatermark itself supports free and is the one allocator in
// this repository allowed to source small bookkeeping nodes off the
// general kernel heap, since it runs before anything else is available
// and is explicitly kept out of the PMM's hot allocation path.
package watermark

import (
	"ember/kernel"
	"ember/kernel/mem"
	ksync "ember/kernel/sync"
)

var errBadParam = &kernel.Error{Module: "watermark", Message: "nil watermark, zero size or inverted bounds"}

// PWatermark is a non-freeing bump allocator over a fixed physical range.
// It exists to place the handful of bootstrap structures (starting with
// VWatermark's own first meta) that nothing else can yet allocate.
type PWatermark struct {
	base, ceil mem.Phys
	off        mem.Size
	lock       ksync.Spinlock
}

// PInit sets up pw to serve allocations out of [base, ceil).
func PInit(pw *PWatermark, base, ceil mem.Phys) *kernel.Error {
	if pw == nil || base >= ceil {
		return errBadParam
	}
	pw.base = base
	pw.ceil = ceil
	pw.off = 0
	return nil
}

// PAlloc bumps the watermark forward by size, aligned up to align (which
// must be a power of two), and returns the physical address of the
// reserved region. There is no corresponding free: PWatermark exists
// only to bootstrap the allocators that do support it.
func PAlloc(pw *PWatermark, size mem.Size, align mem.Size) (mem.Phys, bool) {
	if pw == nil || size == 0 {
		return 0, false
	}

	pw.lock.Acquire()
	defer pw.lock.Release()

	cur := pw.base + mem.Phys(pw.off)
	aligned := cur.AlignUp(align)
	newOff := mem.Size(aligned-pw.base) + size

	if pw.base+mem.Phys(newOff) > pw.ceil {
		return 0, false
	}

	pw.off = newOff
	return aligned, true
}

// Remaining reports how many bytes are still available.
func (pw *PWatermark) Remaining() mem.Size {
	return mem.Size(pw.ceil - pw.base - mem.Phys(pw.off))
}
