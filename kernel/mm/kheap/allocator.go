// Package kheap implements the kernel heap: a first-fit free-list allocator
// over a fixed virtual region that is eagerly mapped at boot. Free blocks
// form a list sorted by address whose headers live inside the managed region
// itself, so the allocator consumes no memory beyond the region it manages.
package kheap

import (
	"encoding/binary"

	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/kfmt"
	"github.com/keitagame/romanticos/kernel/mm"
	"github.com/keitagame/romanticos/kernel/mm/pmm"
	"github.com/keitagame/romanticos/kernel/mm/vmm"
)

var (
	// ErrOutOfMemory is returned by Allocate when no free block can
	// satisfy the request.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "heap space exhausted"}

	errInvalidAlign = &kernel.Error{Module: "kheap", Message: "alignment must be a power of two"}
	errReentrantUse = &kernel.Error{Module: "kheap", Message: "reentrant heap call"}
	errBadFree      = &kernel.Error{Module: "kheap", Message: "freed block does not belong to the heap"}
	errDoubleFree   = &kernel.Error{Module: "kheap", Message: "freed block overlaps a free block"}
)

// Free block headers are two words: the block size and the address of the
// next free block (0 terminates the list). Every block the allocator hands
// out or tracks is at least headerSize bytes long and 8-byte aligned so a
// freed block can always host a header.
const (
	wordSize   = 8
	headerSize = 2 * wordSize
)

// Allocator manages the kernel heap region.
type Allocator struct {
	space *vmm.AddressSpace

	start uintptr
	size  uintptr

	// head is the virtual address of the first free block; 0 when the
	// heap is fully allocated.
	head uintptr

	// used tracks the bytes currently handed out, including padding.
	used uintptr

	// busy guards against reentrant use. The heap serves a single kernel
	// context; a nested call means a handler interrupted an allocation
	// and indicates a kernel bug.
	busy bool
}

// New maps the region [start, start+size) into the supplied kernel address
// space with one freshly allocated frame per page and returns an Allocator
// managing it as a single free block. The region must be page-aligned.
func New(space *vmm.AddressSpace, frames *pmm.BitmapAllocator, start, size uintptr) (*Allocator, *kernel.Error) {
	firstPage := mm.PageFromAddress(start)
	for page := firstPage; page < firstPage+mm.Page(size>>mm.PageShift); page++ {
		frame, err := frames.AllocFrame()
		if err != nil {
			return nil, err
		}

		if err = space.Map(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return nil, err
		}
	}

	alloc := &Allocator{
		space: space,
		start: start,
		size:  size,
		head:  start,
	}

	alloc.writeHeader(start, size, 0)
	return alloc, nil
}

// Allocate reserves a block of at least size bytes aligned to align and
// returns its virtual address. align must be a power of two. The search is
// first-fit over the address-sorted free list; block splits keep any
// non-empty remainder large enough to host a free block header.
func (a *Allocator) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	a.enter()
	defer a.leave()

	if align == 0 || align&(align-1) != 0 {
		return 0, errInvalidAlign
	}
	if align < wordSize {
		align = wordSize
	}
	size = normalize(size)

	var prev uintptr
	for cur := a.head; cur != 0; {
		blockSize, next := a.readHeader(cur)

		allocStart := alignUp(cur, align)
		if allocStart != cur && allocStart-cur < headerSize {
			// The front padding must be able to host a header of
			// its own; skip forward to the next aligned address
			// that leaves room for one.
			allocStart = alignUp(cur+headerSize, align)
		}

		allocEnd := allocStart + size
		blockEnd := cur + blockSize

		// The block must fit the request and any remainder behind it
		// must be large enough to stay on the free list.
		if allocEnd > blockEnd || (blockEnd-allocEnd > 0 && blockEnd-allocEnd < headerSize) {
			prev, cur = cur, next
			continue
		}

		replacement := next
		if blockEnd > allocEnd {
			a.writeHeader(allocEnd, blockEnd-allocEnd, next)
			replacement = allocEnd
		}
		if allocStart > cur {
			a.writeHeader(cur, allocStart-cur, replacement)
			replacement = cur
		}

		if prev == 0 {
			a.head = replacement
		} else {
			a.writeNext(prev, replacement)
		}

		a.used += size
		return allocStart, nil
	}

	return 0, ErrOutOfMemory
}

// Deallocate returns the block at ptr to the free list, merging it with any
// directly adjacent free blocks. ptr, size and align must match the values
// of the Allocate call that produced the block. Freeing a pointer outside
// the heap or a block that overlaps the free list is fatal.
func (a *Allocator) Deallocate(ptr, size, align uintptr) {
	a.enter()
	defer a.leave()

	size = normalize(size)
	if ptr < a.start || ptr+size > a.start+a.size || ptr&(wordSize-1) != 0 {
		kfmt.Panic(errBadFree)
	}

	// Locate the free blocks surrounding ptr; the list is address sorted.
	var prev uintptr
	next := a.head
	for next != 0 && next < ptr {
		_, nextNext := a.readHeader(next)
		prev, next = next, nextNext
	}

	blockStart, blockEnd := ptr, ptr+size

	if prev != 0 {
		prevSize, _ := a.readHeader(prev)
		if prev+prevSize > blockStart {
			kfmt.Panic(errDoubleFree)
		}
		if prev+prevSize == blockStart {
			// Merge backwards by growing the previous block.
			blockStart = prev
			size += prevSize
		}
	}

	if next != 0 {
		if next < blockEnd {
			kfmt.Panic(errDoubleFree)
		}
		if next == blockEnd {
			nextSize, nextNext := a.readHeader(next)
			size += nextSize
			next = nextNext
		}
	}

	a.writeHeader(blockStart, size, next)
	if prev != 0 && blockStart != prev {
		a.writeNext(prev, blockStart)
	}
	if prev == 0 {
		a.head = blockStart
	}

	a.used -= blockEnd - ptr
}

// Stats returns the number of bytes currently allocated and the total size
// of the managed region.
func (a *Allocator) Stats() (used, total uintptr) {
	return a.used, a.size
}

// PrintStats outputs heap utilization information.
func (a *Allocator) PrintStats() {
	kfmt.Printf("[kheap] heap: %d/%d bytes in use\n", a.used, a.size)
}

func (a *Allocator) enter() {
	if a.busy {
		kfmt.Panic(errReentrantUse)
	}
	a.busy = true
}

func (a *Allocator) leave() {
	a.busy = false
}

// normalize rounds a requested size up so any block can rejoin the free
// list: at least headerSize bytes and a multiple of the word size.
func normalize(size uintptr) uintptr {
	if size < headerSize {
		size = headerSize
	}
	return (size + wordSize - 1) &^ uintptr(wordSize-1)
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

func (a *Allocator) readHeader(addr uintptr) (size, next uintptr) {
	return a.readWord(addr), a.readWord(addr + wordSize)
}

func (a *Allocator) writeHeader(addr, size, next uintptr) {
	a.writeWord(addr, size)
	a.writeWord(addr+wordSize, next)
}

func (a *Allocator) writeNext(addr, next uintptr) {
	a.writeWord(addr+wordSize, next)
}

// readWord and writeWord access header words through the heap's address
// space. Headers are word aligned so they never straddle a page boundary.
// A translation failure inside the heap region means the boot mapping is
// broken and is fatal.
func (a *Allocator) readWord(addr uintptr) uintptr {
	var buf [wordSize]byte
	if err := a.space.ReadBytes(addr, buf[:]); err != nil {
		kfmt.Panic(err)
	}
	return uintptr(binary.LittleEndian.Uint64(buf[:]))
}

func (a *Allocator) writeWord(addr, val uintptr) {
	var buf [wordSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(val))
	if err := a.space.WriteBytes(addr, buf[:]); err != nil {
		kfmt.Panic(err)
	}
}
