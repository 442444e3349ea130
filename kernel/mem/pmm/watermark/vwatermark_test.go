package watermark

import (
	"testing"

	"ember/kernel/mem"
)

func TestVWatermarkBumpAllocation(t *testing.T) {
	var vw VWatermark
	var meta Meta
	if err := VInit(&vw, &meta, 0x1000, 0x2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, ok := VAlloc(&vw, 64)
	if !ok {
		t.Fatal("expected first allocation to succeed")
	}
	if first != 0x1000 {
		t.Fatalf("expected first allocation at base, got %x", first)
	}

	second, ok := VAlloc(&vw, 64)
	if !ok {
		t.Fatal("expected second allocation to succeed")
	}
	if second != first+64 {
		t.Fatalf("expected contiguous bump allocation, got %x after %x", second, first)
	}
}

func TestVWatermarkFreeAndReuseExactFit(t *testing.T) {
	var vw VWatermark
	var meta Meta
	if err := VInit(&vw, &meta, 0x1000, 0x10000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	addr, ok := VAlloc(&vw, 256)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}

	freed, ok := Free(&vw, addr)
	if !ok {
		t.Fatal("expected free to succeed")
	}
	if freed != 256 {
		t.Fatalf("expected 256 bytes freed, got %d", freed)
	}

	again, ok := VAlloc(&vw, 256)
	if !ok {
		t.Fatal("expected reallocation to succeed")
	}
	if again != addr {
		t.Fatalf("expected the exact-fit free node to be reused, got %x want %x", again, addr)
	}
}

func TestVWatermarkMergesAdjacentFreeNodes(t *testing.T) {
	var vw VWatermark
	var meta Meta
	if err := VInit(&vw, &meta, 0x1000, 0x10000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, _ := VAlloc(&vw, 64)
	b, _ := VAlloc(&vw, 64)
	c, _ := VAlloc(&vw, 64)

	Free(&vw, a)
	Free(&vw, c)
	Free(&vw, b)

	// a, b, c are contiguous and all now free: a single allocation of
	// their combined size must succeed as one merged block starting at a.
	merged, ok := VAlloc(&vw, 192)
	if !ok {
		t.Fatal("expected the three adjacent free nodes to have merged into one 192-byte node")
	}
	if merged != a {
		t.Fatalf("expected merged block to start at %x, got %x", a, merged)
	}
}

func TestVWatermarkFreeUnknownAddressFails(t *testing.T) {
	var vw VWatermark
	var meta Meta
	if err := VInit(&vw, &meta, 0x1000, 0x2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := Free(&vw, 0xdeadbeef); ok {
		t.Fatal("expected free of an address never allocated to fail")
	}
}

func TestVWatermarkMultipleMetas(t *testing.T) {
	var vw VWatermark
	var large, small Meta

	// VInit pushes each new meta to the head of vw's list, so the meta
	// initialized last is visited first by VAlloc/Free. Init the large
	// backing meta first so it ends up as the fallback once the small
	// one (initialized second, so visited first) is exhausted.
	if err := VInit(&vw, &large, mem.Linear(0x100000), mem.Linear(0x101000)); err != nil {
		t.Fatalf("unexpected error initializing the large meta: %v", err)
	}
	if err := VInit(&vw, &small, 0x1000, 0x1040); err != nil {
		t.Fatalf("unexpected error initializing the small meta: %v", err)
	}

	// Exhaust the small meta's only 64-byte slot.
	if _, ok := VAlloc(&vw, 64); !ok {
		t.Fatal("expected the small meta's only slot to be allocated")
	}

	// The next allocation must spill over into the large meta.
	addr, ok := VAlloc(&vw, 64)
	if !ok {
		t.Fatal("expected allocation to succeed via the large meta")
	}
	if addr < 0x100000 {
		t.Fatalf("expected spillover allocation to land in the large meta, got %x", addr)
	}
}
