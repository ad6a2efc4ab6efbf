package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

// Virtual memory layout. The lower half hosts process images, stacks and the
// mmap arena; the kernel half hosts the per-process kernel stacks. The heap
// region keeps its historical lower-half address but belongs to the kernel
// template and is shared into every address space.
const (
	// KernelSpaceStart marks the lowest canonical address of the kernel
	// half. User pointers must fall strictly below it.
	KernelSpaceStart = uintptr(0xffff800000000000)

	// KernelStackBase is the bottom of the region holding per-process
	// kernel stacks.
	KernelStackBase = uintptr(0xffff880000000000)

	// HeapStart and HeapSize delimit the kernel heap region, mapped
	// eagerly at boot.
	HeapStart = uintptr(0x444444440000)
	HeapSize  = uintptr(100 * 1024)

	// UserSpaceStart is the lowest address a process may map.
	UserSpaceStart = uintptr(0x400000000000)

	// UserStackTop is the top of the demand-allocated user stack; it is
	// the same virtual address in every process.
	UserStackTop  = uintptr(0x480000000000)
	UserStackSize = uintptr(16 * 1024)

	// MMapBase is the start of the arena handed out to anonymous memory
	// mappings; MMapLimit bounds it.
	MMapBase  = uintptr(0x500000000000)
	MMapLimit = uintptr(0x500010000000)
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)
