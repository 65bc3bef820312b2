package handle

import (
	"testing"

	"github.com/qeodomain/ddscored/internal/ddserr"
)

func TestAllocLookupFree(t *testing.T) {
	tbl := New(0)
	h, err := tbl.Alloc("hello")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	v, err := tbl.Lookup(h)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if v != "hello" {
		t.Fatalf("Lookup = %v, want hello", v)
	}
	if err := tbl.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := tbl.Lookup(h); !ddserr.Is(err, ddserr.BadParameter) {
		t.Fatalf("Lookup after Free = %v, want BadParameter", err)
	}
}

func TestBijectionUntilReuse(t *testing.T) {
	// Handle bijection invariant (spec §8.1): a freed handle is not
	// reissued until every other currently-held handle has cycled.
	tbl := New(0)
	var held []Handle
	for i := 0; i < DefaultCap; i++ {
		h, err := tbl.Alloc(i)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		held = append(held, h)
	}
	// free the first handle, then allocate a fresh batch: none should
	// collide with any handle still held.
	first := held[0]
	if err := tbl.Free(first); err != nil {
		t.Fatal(err)
	}
	held = held[1:]
	h, err := tbl.Alloc("new")
	if err != nil {
		t.Fatal(err)
	}
	for _, other := range held {
		if other == h {
			t.Fatalf("reissued handle %d while %d still held", h, other)
		}
	}
}

func TestFreeIsFIFONotLIFO(t *testing.T) {
	// With more than one free slot outstanding, Alloc must reissue in
	// the order the slots were freed, not reverse order: a LIFO free
	// list would hand back second out first.
	tbl := New(0)
	var held []Handle
	for i := 0; i < DefaultCap; i++ {
		h, err := tbl.Alloc(i)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		held = append(held, h)
	}

	first, second := held[0], held[1]
	if err := tbl.Free(first); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Free(second); err != nil {
		t.Fatal(err)
	}

	h1, err := tbl.Alloc("reuse-1")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != first {
		t.Fatalf("first reissue = %d, want the first-freed handle %d (FIFO)", h1, first)
	}
	h2, err := tbl.Alloc("reuse-2")
	if err != nil {
		t.Fatal(err)
	}
	if h2 != second {
		t.Fatalf("second reissue = %d, want the second-freed handle %d (FIFO)", h2, second)
	}
}

func TestFreeAlreadyDeleted(t *testing.T) {
	tbl := New(0)
	h, _ := tbl.Alloc(1)
	if err := tbl.Free(h); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Free(h); !ddserr.Is(err, ddserr.AlreadyDeleted) {
		t.Fatalf("double Free = %v, want AlreadyDeleted", err)
	}
}

func TestAllocGrows(t *testing.T) {
	tbl := New(0)
	for i := 0; i < DefaultCap+5; i++ {
		if _, err := tbl.Alloc(i); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if tbl.Len() != DefaultCap+5 {
		t.Fatalf("Len = %d, want %d", tbl.Len(), DefaultCap+5)
	}
}

func TestAllocOutOfResources(t *testing.T) {
	tbl := New(4)
	for i := 0; i < 4; i++ {
		if _, err := tbl.Alloc(i); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, err := tbl.Alloc("overflow"); !ddserr.Is(err, ddserr.OutOfResources) {
		t.Fatalf("Alloc past ceiling = %v, want OutOfResources", err)
	}
}
