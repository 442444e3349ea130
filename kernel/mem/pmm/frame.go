// Package pmm contains the types shared by the physical memory manager's
// sub-allocators: the physical frame index and the physical/linear address
// plumbing layered on top of package mem.
package pmm

import (
	"math"

	"ember/kernel/mem"
)

// Frame describes a physical memory page index. None of the allocators in
// this tree use it; the fast-page pool addresses pages by mem.Linear.
type Frame uintptr

// InvalidFrame is returned by frame-oriented allocators when they fail to
// reserve the requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this frame.
func (f Frame) Address() mem.Phys {
	return mem.Phys(f << mem.PageShift)
}

// FrameFromAddress returns the frame that contains the given physical
// address.
func FrameFromAddress(addr mem.Phys) Frame {
	return Frame(addr >> mem.PageShift)
}
