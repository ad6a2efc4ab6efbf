package vmm

import (
	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/kfmt"
	"github.com/keitagame/romanticos/kernel/mm"
	"github.com/keitagame/romanticos/kernel/mm/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned when trying to map a virtual page that
	// already has a present mapping. Callers must unmap the page first.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrInvalidUserAccess is returned when a syscall-supplied pointer
	// does not resolve to user-accessible memory in the selected space.
	ErrInvalidUserAccess = &kernel.Error{Module: "vmm", Message: "address is not accessible from user mode"}

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
	errMMapArenaExhausted          = &kernel.Error{Module: "vmm", Message: "anonymous mapping arena exhausted"}
	errReleaseKernelSpace          = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be released"}
	errReleasedSpaceUse            = &kernel.Error{Module: "vmm", Message: "address space used after release"}
)

// AddressSpace owns one tree of page tables rooted at a physical frame. The
// kernel address space is built once at boot and acts as the template every
// process space is derived from: its populated top level entries are copied
// by reference into new spaces, so heap and kernel stack mappings added
// underneath them stay visible everywhere.
type AddressSpace struct {
	m      *cpu.Machine
	frames *pmm.BitmapAllocator

	root mm.Frame

	// kernel points back to the template space; it is nil for the kernel
	// space itself.
	kernel *AddressSpace

	// zeroFrame is a shared zero-cleared frame used to back on-demand
	// regions until their first write. It is allocated once by
	// NewKernelSpace and must never be mapped writable.
	zeroFrame mm.Frame

	// mmapNext tracks the next free page in the anonymous mapping arena.
	mmapNext mm.Page
}

// NewKernelSpace allocates the kernel address space template. It reserves
// the shared zeroed frame used for on-demand mappings and pre-creates the
// top level tables for the regions that must be visible in every address
// space, so that entries copied at process creation never go stale.
func NewKernelSpace(m *cpu.Machine, frames *pmm.BitmapAllocator) (*AddressSpace, *kernel.Error) {
	rootFrame, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	m.ZeroPhys(rootFrame.Address(), mm.PageSize)

	zeroFrame, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	m.ZeroPhys(zeroFrame.Address(), mm.PageSize)

	space := &AddressSpace{
		m:         m,
		frames:    frames,
		root:      rootFrame,
		zeroFrame: zeroFrame,
	}

	for _, regionAddr := range []uintptr{HeapStart, KernelStackBase} {
		if err = space.prepareSharedRoot(regionAddr); err != nil {
			return nil, err
		}
	}

	return space, nil
}

// NewAddressSpace derives a process address space from the kernel template.
// Every populated top level entry of the template is copied into the new
// root so the derived space shares the kernel regions by reference.
func NewAddressSpace(kernelSpace *AddressSpace) (*AddressSpace, *kernel.Error) {
	rootFrame, err := kernelSpace.frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	kernelSpace.m.ZeroPhys(rootFrame.Address(), mm.PageSize)

	for index := uintptr(0); index < mm.PageSize; index += 8 {
		entry := kernelSpace.m.ReadPhys64(kernelSpace.root.Address() + index)
		if pageTableEntry(entry).HasFlags(FlagPresent) {
			kernelSpace.m.WritePhys64(rootFrame.Address()+index, entry)
		}
	}

	return &AddressSpace{
		m:         kernelSpace.m,
		frames:    kernelSpace.frames,
		root:      rootFrame,
		kernel:    kernelSpace,
		zeroFrame: kernelSpace.zeroFrame,
		mmapNext:  mm.PageFromAddress(MMapBase),
	}, nil
}

// Root returns the physical frame holding the top level page table.
func (s *AddressSpace) Root() mm.Frame {
	return s.root
}

// Activate installs this address space's root into the MMU. Only the
// scheduler's context switch path and early boot call Activate.
func (s *AddressSpace) Activate() {
	if !s.root.Valid() {
		kfmt.Panic(errReleasedSpaceUse)
	}
	s.m.SwitchPDT(s.root.Address())
}

// IsActive returns true if this address space is the one the MMU currently
// translates through.
func (s *AddressSpace) IsActive() bool {
	return s.root.Valid() && s.m.ActivePDT() == s.root.Address()
}

// prepareSharedRoot makes sure the top level entry covering regionAddr has a
// next-level table so the entry can be shared by reference before any
// mappings are installed beneath it.
func (s *AddressSpace) prepareSharedRoot(regionAddr uintptr) *kernel.Error {
	entryIndex := (regionAddr >> uintptr(pageLevelShifts[0])) & ((1 << pageLevelBits[0]) - 1)
	entryAddr := s.root.Address() + (entryIndex << mm.PointerShift)

	pte := pageTableEntry(s.m.ReadPhys64(entryAddr))
	if pte.HasFlags(FlagPresent) {
		return nil
	}

	tableFrame, err := s.frames.AllocFrame()
	if err != nil {
		return err
	}
	s.m.ZeroPhys(tableFrame.Address(), mm.PageSize)

	pte = 0
	pte.SetFrame(tableFrame)
	pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	s.m.WritePhys64(entryAddr, uint64(pte))

	return nil
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls
// the supplied walkFn with the page table entry that corresponds to each
// page table level. Entries mutated by walkFn are written back to the table
// before the walk descends.
func (s *AddressSpace) walk(virtAddr uintptr, walkFn pageTableWalker) {
	if !s.root.Valid() {
		kfmt.Panic(errReleasedSpaceUse)
	}

	var (
		level      uint8
		tableFrame = s.root
	)

	for level = 0; level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> uintptr(pageLevelShifts[level])) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableFrame.Address() + (entryIndex << mm.PointerShift)

		pte := pageTableEntry(s.m.ReadPhys64(entryAddr))
		orig := pte

		ok := walkFn(level, &pte)
		if pte != orig {
			s.m.WritePhys64(entryAddr, uint64(pte))
		}
		if !ok {
			return
		}

		tableFrame = pte.Frame()
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame in this address space. Calls to Map will use the frame allocator to
// initialize missing page tables at each paging level. Mapping a page that
// is already mapped returns ErrAlreadyMapped; attempts to map the reserved
// zeroed frame with a RW flag are rejected.
func (s *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if frame == s.zeroFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	s.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place, flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			s.m.FlushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = s.frames.AllocFrame()
			if err != nil {
				return false
			}

			s.m.ZeroPhys(newTableFrame.Address(), mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed by a call to Map and returns
// the frame it pointed to. Ownership of the returned frame passes back to
// the caller; for on-demand pages still backed by the shared zeroed frame
// the caller must not free it.
func (s *AddressSpace) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
	)

	s.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to mark the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				err = ErrInvalidMapping
				return false
			}

			frame = pte.Frame()
			pte.ClearFlags(FlagPresent)
			s.m.FlushTLBEntry(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return frame, err
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (s *AddressSpace) pteForAddress(virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry pageTableEntry
	)

	s.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = 0
			err = ErrInvalidMapping
			return false
		}

		entry = *pte
		return true
	})

	return entry, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (s *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := s.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	physAddr := pte.Frame().Address() + PageOffset(virtAddr)
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

// ReserveRegion installs on-demand mappings for pageCount pages starting at
// startPage. Each page is backed by the shared zeroed frame and marked
// copy-on-write; physical memory is only consumed when a page receives its
// first write. The RW flag is stripped from the supplied flags since the
// shared frame must stay read-only.
func (s *AddressSpace) ReserveRegion(startPage mm.Page, pageCount int, flags PageTableEntryFlag) *kernel.Error {
	mapFlags := (flags &^ FlagRW) | FlagPresent | FlagCopyOnWrite

	for page := startPage; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if err := s.Map(page, s.zeroFrame, mapFlags); err != nil {
			return err
		}
	}

	return nil
}

// MMapRegion reserves the next free block of the anonymous mapping arena
// and installs user-accessible on-demand mappings for it. It returns the
// page the region starts at. Requests that exceed the space left in the
// arena fail without touching it; the arena spans [MMapBase, MMapLimit) so
// the remaining page count never overflows.
func (s *AddressSpace) MMapRegion(pageCount int, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	arenaLeft := int((MMapLimit - s.mmapNext.Address()) >> mm.PageShift)
	if pageCount <= 0 || pageCount > arenaLeft {
		return 0, errMMapArenaExhausted
	}

	startPage := s.mmapNext
	if err := s.ReserveRegion(startPage, pageCount, flags); err != nil {
		s.ReleaseRegion(startPage, pageCount)
		return 0, err
	}

	s.mmapNext += mm.Page(pageCount)
	return startPage, nil
}

// ReleaseRegion unmaps pageCount pages starting at startPage and returns
// any private frames backing them to the allocator. Pages still backed by
// the shared zeroed frame release no physical memory. Pages of the region
// that were never mapped are skipped.
func (s *AddressSpace) ReleaseRegion(startPage mm.Page, pageCount int) {
	for page := startPage; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := s.Unmap(page)
		if err != nil {
			continue
		}
		if frame != s.zeroFrame {
			s.frames.FreeFrame(frame)
		}
	}
}

// CopyFromUser copies len(buf) bytes from the user-accessible virtual
// address src in this space into buf. The source range must be mapped with
// the user flag on every page or ErrInvalidUserAccess is returned.
func (s *AddressSpace) CopyFromUser(src uintptr, buf []byte) *kernel.Error {
	for copied := 0; copied < len(buf); {
		pte, err := s.pteForAddress(src + uintptr(copied))
		if err != nil || !pte.HasFlags(FlagUserAccessible) {
			return ErrInvalidUserAccess
		}

		chunk := int(mm.PageSize - PageOffset(src+uintptr(copied)))
		if remain := len(buf) - copied; chunk > remain {
			chunk = remain
		}

		physAddr := pte.Frame().Address() + PageOffset(src+uintptr(copied))
		s.m.ReadPhys(physAddr, buf[copied:copied+chunk])
		copied += chunk
	}

	return nil
}

// CopyToUser copies data to the user-accessible virtual address dst in this
// space. Destination pages still backed by the shared zeroed frame are given
// private writable frames first, exactly as a faulting user store would.
func (s *AddressSpace) CopyToUser(dst uintptr, data []byte) *kernel.Error {
	for copied := 0; copied < len(data); {
		addr := dst + uintptr(copied)

		pte, err := s.pteForAddress(addr)
		if err != nil || !pte.HasFlags(FlagUserAccessible) {
			return ErrInvalidUserAccess
		}

		if !pte.HasFlags(FlagRW) {
			if !pte.HasFlags(FlagCopyOnWrite) {
				return ErrInvalidUserAccess
			}
			if err = s.backOnDemandPage(mm.PageFromAddress(addr)); err != nil {
				return err
			}
			if pte, err = s.pteForAddress(addr); err != nil {
				return ErrInvalidUserAccess
			}
		}

		chunk := int(mm.PageSize - PageOffset(addr))
		if remain := len(data) - copied; chunk > remain {
			chunk = remain
		}

		physAddr := pte.Frame().Address() + PageOffset(addr)
		s.m.WritePhys(physAddr, data[copied:copied+chunk])
		copied += chunk
	}

	return nil
}

// ReadBytes copies size bytes starting at the kernel virtual address src in
// this space into buf. It is used for access to kernel regions like the heap
// whose pages are always mapped writable.
func (s *AddressSpace) ReadBytes(src uintptr, buf []byte) *kernel.Error {
	for copied := 0; copied < len(buf); {
		physAddr, err := s.Translate(src + uintptr(copied))
		if err != nil {
			return err
		}

		chunk := int(mm.PageSize - PageOffset(src+uintptr(copied)))
		if remain := len(buf) - copied; chunk > remain {
			chunk = remain
		}

		s.m.ReadPhys(physAddr, buf[copied:copied+chunk])
		copied += chunk
	}

	return nil
}

// WriteBytes copies data to the kernel virtual address dst in this space.
func (s *AddressSpace) WriteBytes(dst uintptr, data []byte) *kernel.Error {
	for copied := 0; copied < len(data); {
		physAddr, err := s.Translate(dst + uintptr(copied))
		if err != nil {
			return err
		}

		chunk := int(mm.PageSize - PageOffset(dst+uintptr(copied)))
		if remain := len(data) - copied; chunk > remain {
			chunk = remain
		}

		s.m.WritePhys(physAddr, data[copied:copied+chunk])
		copied += chunk
	}

	return nil
}

// Release walks the address space and returns every exclusively owned frame
// to the allocator: private leaf frames, the page table frames beneath
// non-shared top level entries and finally the root itself. Entries shared
// with the kernel template are left untouched. The space must not be used
// after Release returns.
func (s *AddressSpace) Release() {
	if s.kernel == nil {
		kfmt.Panic(errReleaseKernelSpace)
	}
	if !s.root.Valid() {
		kfmt.Panic(errReleasedSpaceUse)
	}

	for index := uintptr(0); index < mm.PageSize; index += 8 {
		entry := pageTableEntry(s.m.ReadPhys64(s.root.Address() + index))
		if !entry.HasFlags(FlagPresent) {
			continue
		}

		// Skip entries copied from the kernel template; the tables
		// they reference are shared, not owned.
		kernelEntry := s.m.ReadPhys64(s.kernel.root.Address() + index)
		if uint64(entry) == kernelEntry {
			continue
		}

		s.releaseTable(entry.Frame(), 1)
		s.frames.FreeFrame(entry.Frame())
	}

	s.frames.FreeFrame(s.root)
	s.root = mm.InvalidFrame
}

// releaseTable frees all frames referenced by the page table stored in
// tableFrame. level is the depth of the table itself: tables at
// pageLevels-1 contain leaf entries.
func (s *AddressSpace) releaseTable(tableFrame mm.Frame, level int) {
	for index := uintptr(0); index < mm.PageSize; index += 8 {
		entry := pageTableEntry(s.m.ReadPhys64(tableFrame.Address() + index))
		if !entry.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 {
			if frame := entry.Frame(); frame != s.zeroFrame {
				s.frames.FreeFrame(frame)
			}
			continue
		}

		s.releaseTable(entry.Frame(), level+1)
		s.frames.FreeFrame(entry.Frame())
	}
}
