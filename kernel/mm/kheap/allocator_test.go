package kheap

import (
	"io"
	"math/rand"
	"sort"
	"testing"

	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/mm"
	"github.com/keitagame/romanticos/kernel/mm/pmm"
	"github.com/keitagame/romanticos/kernel/mm/vmm"
)

const testMemSize = 4 << 20

func newTestHeap(t *testing.T) (*vmm.AddressSpace, *Allocator) {
	t.Helper()

	m := cpu.New(testMemSize, io.Discard)
	frames := pmm.NewBitmapAllocator(mm.Frame(testMemSize >> mm.PageShift))

	kspace, err := vmm.NewKernelSpace(m, frames)
	if err != nil {
		t.Fatal(err)
	}

	alloc, err := New(kspace, frames, vmm.HeapStart, vmm.HeapSize)
	if err != nil {
		t.Fatal(err)
	}

	return kspace, alloc
}

func TestAllocateAlignment(t *testing.T) {
	space, alloc := newTestHeap(t)

	specs := []struct {
		size  uintptr
		align uintptr
	}{
		{1, 1},
		{16, 8},
		{24, 16},
		{100, 64},
		{3, 256},
		{512, 4096},
	}

	for specIndex, spec := range specs {
		ptr, err := alloc.Allocate(spec.size, spec.align)
		if err != nil {
			t.Fatalf("[spec %d] Allocate returned error: %v", specIndex, err)
		}

		if ptr%spec.align != 0 {
			t.Fatalf("[spec %d] expected pointer 0x%x to be aligned to %d", specIndex, ptr, spec.align)
		}

		if ptr < vmm.HeapStart || ptr+spec.size > vmm.HeapStart+vmm.HeapSize {
			t.Fatalf("[spec %d] pointer 0x%x outside the heap region", specIndex, ptr)
		}

		// The block must be usable memory reachable through the
		// kernel address space.
		data := make([]byte, spec.size)
		for i := range data {
			data[i] = byte(specIndex + i)
		}
		if werr := space.WriteBytes(ptr, data); werr != nil {
			t.Fatalf("[spec %d] WriteBytes returned error: %v", specIndex, werr)
		}

		got := make([]byte, spec.size)
		if rerr := space.ReadBytes(ptr, got); rerr != nil {
			t.Fatalf("[spec %d] ReadBytes returned error: %v", specIndex, rerr)
		}
		for i := range got {
			if got[i] != data[i] {
				t.Fatalf("[spec %d] expected byte %d to be 0x%x; got 0x%x", specIndex, i, data[i], got[i])
			}
		}
	}
}

func TestAllocateBadAlignment(t *testing.T) {
	_, alloc := newTestHeap(t)

	for specIndex, align := range []uintptr{0, 3, 24, 100} {
		if _, err := alloc.Allocate(8, align); err != errInvalidAlign {
			t.Fatalf("[spec %d] expected to get errInvalidAlign; got %v", specIndex, err)
		}
	}
}

func TestExhaustionAndCoalescing(t *testing.T) {
	_, alloc := newTestHeap(t)

	// Drain the heap in fixed-size blocks.
	var ptrs []uintptr
	for {
		ptr, err := alloc.Allocate(1024, 8)
		if err == ErrOutOfMemory {
			break
		}
		if err != nil {
			t.Fatalf("Allocate returned error: %v", err)
		}
		ptrs = append(ptrs, ptr)
	}

	if exp := int(vmm.HeapSize / 1024); len(ptrs) != exp {
		t.Fatalf("expected to fit %d blocks of 1024 bytes; got %d", exp, len(ptrs))
	}

	// Free in an interleaved order so every merge direction is exercised,
	// then verify the region coalesced back into one block.
	for i := 0; i < len(ptrs); i += 2 {
		alloc.Deallocate(ptrs[i], 1024, 8)
	}
	for i := 1; i < len(ptrs); i += 2 {
		alloc.Deallocate(ptrs[i], 1024, 8)
	}

	if used, _ := alloc.Stats(); used != 0 {
		t.Fatalf("expected empty heap after freeing all blocks; %d bytes still used", used)
	}

	ptr, err := alloc.Allocate(vmm.HeapSize, 8)
	if err != nil {
		t.Fatalf("expected a full-region allocation after coalescing; got %v", err)
	}
	if ptr != vmm.HeapStart {
		t.Fatalf("expected full-region allocation at 0x%x; got 0x%x", vmm.HeapStart, ptr)
	}
}

func TestDeallocatePanics(t *testing.T) {
	specs := []struct {
		descr string
		run   func(alloc *Allocator, ptr uintptr)
	}{
		{"double free", func(alloc *Allocator, ptr uintptr) {
			alloc.Deallocate(ptr, 64, 8)
			alloc.Deallocate(ptr, 64, 8)
		}},
		{"free of foreign pointer", func(alloc *Allocator, ptr uintptr) {
			alloc.Deallocate(vmm.HeapStart+vmm.HeapSize+mm.PageSize, 64, 8)
		}},
		{"free overlapping a free block", func(alloc *Allocator, ptr uintptr) {
			alloc.Deallocate(ptr, 64, 8)
			alloc.Deallocate(ptr+16, 16, 8)
		}},
	}

	for specIndex, spec := range specs {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Fatalf("[spec %d] expected %s to panic", specIndex, spec.descr)
				}
			}()

			_, alloc := newTestHeap(t)
			ptr, err := alloc.Allocate(64, 8)
			if err != nil {
				t.Fatal(err)
			}

			spec.run(alloc, ptr)
		}()
	}
}

func TestReentrantUsePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a reentrant call to panic")
		}
	}()

	_, alloc := newTestHeap(t)
	alloc.busy = true
	alloc.Allocate(16, 8)
}

func TestAllocationPatternStress(t *testing.T) {
	_, alloc := newTestHeap(t)

	type block struct {
		ptr  uintptr
		size uintptr
	}

	rng := rand.New(rand.NewSource(42))
	var live []block

	for round := 0; round < 500; round++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(live))
			alloc.Deallocate(live[idx].ptr, live[idx].size, 8)
			live = append(live[:idx], live[idx+1:]...)
			continue
		}

		size := uintptr(rng.Intn(512) + 1)
		ptr, err := alloc.Allocate(size, 8)
		if err == ErrOutOfMemory {
			continue
		}
		if err != nil {
			t.Fatalf("[round %d] Allocate returned error: %v", round, err)
		}
		live = append(live, block{ptr, size})
	}

	// No two live blocks may overlap.
	sorted := make([]block, len(live))
	copy(sorted, live)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ptr < sorted[j].ptr })

	for i := 1; i < len(sorted); i++ {
		prevEnd := sorted[i-1].ptr + sorted[i-1].size
		if prevEnd > sorted[i].ptr {
			t.Fatalf("blocks overlap: [0x%x, 0x%x) and [0x%x, ...)",
				sorted[i-1].ptr, prevEnd, sorted[i].ptr)
		}
	}

	for _, b := range live {
		alloc.Deallocate(b.ptr, b.size, 8)
	}

	if used, _ := alloc.Stats(); used != 0 {
		t.Fatalf("expected empty heap after freeing every block; %d bytes still used", used)
	}
}
