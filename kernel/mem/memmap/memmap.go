// Package memmap describes the firmware-supplied physical memory map that
// init_pmm consumes to build its free pools. The boot trampoline that
// collects this information from the bootloader (multiboot2, a DTB, ...) is
// outside this repository's scope; this package only defines the shape the
// PMM consumes and a couple of small visitor helpers in the style used
// throughout this codebase for early, allocation-free iteration.
package memmap

import "ember/kernel/mem"

// EntryType classifies a memory map Entry.
type EntryType uint32

const (
	// Available indicates a region that is free for the PMM to manage.
	Available EntryType = iota + 1

	// Reserved indicates a region that must never be handed out.
	Reserved

	// AcpiReclaimable indicates a region holding ACPI tables that can be
	// reclaimed by the OS once it has parsed them.
	AcpiReclaimable

	// Nvs indicates memory that must be preserved across a sleep state.
	Nvs
)

// String implements fmt.Stringer for EntryType.
func (t EntryType) String() string {
	switch t {
	case Available:
		return "available"
	case Reserved:
		return "reserved"
	case AcpiReclaimable:
		return "ACPI (reclaimable)"
	case Nvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// Entry describes one contiguous physical memory region as reported by the
// bootloader. Entries are not assumed sorted, and Base/Len are not assumed
// page-aligned.
type Entry struct {
	// Base is the physical address where this region starts.
	Base mem.Phys

	// Len is the length of this region, in bytes.
	Len mem.Size

	// Type classifies the region. Only Available entries are ever
	// carved into free pools; every other type is skipped.
	Type EntryType
}

// End returns the exclusive end address of the entry.
func (e Entry) End() mem.Phys {
	return e.Base + mem.Phys(e.Len)
}

// Visitor is invoked once per entry by VisitAvailable. Returning false stops
// the scan early.
type Visitor func(entry *Entry) bool

// VisitAvailable invokes visit once for every Available entry in entries, in
// slice order, stopping early if visit returns false. Entries are not
// assumed sorted; callers that need a particular ordering must sort first.
func VisitAvailable(entries []Entry, visit Visitor) {
	for i := range entries {
		if entries[i].Type != Available {
			continue
		}
		if !visit(&entries[i]) {
			return
		}
	}
}
