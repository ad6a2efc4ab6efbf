package proc

import (
	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/fs"
	"github.com/keitagame/romanticos/kernel/mm"
	"github.com/keitagame/romanticos/kernel/mm/pmm"
	"github.com/keitagame/romanticos/kernel/mm/vmm"
)

var (
	// ErrNoSuchProcess is returned when a PID does not resolve to a live
	// table entry.
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}

	// ErrNotTerminated is returned when reaping a process that has not
	// exited yet.
	ErrNotTerminated = &kernel.Error{Module: "proc", Message: "process has not terminated"}

	// ErrTooManyDescriptors is returned when a descriptor table is full.
	ErrTooManyDescriptors = &kernel.Error{Module: "proc", Message: "descriptor table is full"}
)

// Kernel stacks are 8 KiB mapped into the shared kernel half; slots are
// strided by an extra unmapped guard page so a stack overflow faults instead
// of silently corrupting the neighbouring stack.
const (
	kernelStackSize  = 2 * mm.PageSize
	kernelStackGuard = mm.PageSize
)

// Table owns every process record. It allocates the resources a process
// starts with and returns them when the process is torn down.
type Table struct {
	frames *pmm.BitmapAllocator
	kspace *vmm.AddressSpace
	vfs    fs.FileSystem

	procs   []*Process
	nextPID PID
}

// NewTable returns an empty process table drawing resources from the given
// allocator and kernel address space. vfs receives Close calls for file
// descriptors of terminating processes; it may be nil when no filesystem is
// mounted.
func NewTable(frames *pmm.BitmapAllocator, kspace *vmm.AddressSpace, vfs fs.FileSystem) *Table {
	return &Table{
		frames:  frames,
		kspace:  kspace,
		vfs:     vfs,
		nextPID: 1,
	}
}

// Create allocates a process: a fresh address space derived from the kernel
// template, a demand-reserved user stack, a mapped kernel stack slot, a
// context resuming at entry and a descriptor table with stdio pre-wired.
// The process starts Ready; enqueueing it is the scheduler's job.
func (t *Table) Create(entry uintptr, priority uint8) (*Process, *kernel.Error) {
	space, err := vmm.NewAddressSpace(t.kspace)
	if err != nil {
		return nil, err
	}

	stackFirst := mm.PageFromAddress(vmm.UserStackTop - vmm.UserStackSize)
	if err = space.ReserveRegion(stackFirst, int(vmm.UserStackSize>>mm.PageShift), vmm.FlagUserAccessible|vmm.FlagNoExecute); err != nil {
		space.Release()
		return nil, err
	}

	pid := t.nextPID
	t.nextPID++

	kstackFirst, err := t.mapKernelStack(pid)
	if err != nil {
		space.Release()
		return nil, err
	}

	p := &Process{
		PID:         pid,
		State:       StateReady,
		Priority:    priority,
		Space:       space,
		kernelStack: kstackFirst,
	}

	p.Context.RIP = uint64(entry)
	p.Context.RSP = uint64(vmm.UserStackTop)
	p.Context.RFlags = cpu.DefaultRFlags

	p.Descriptors[0] = Descriptor{Kind: DescKeyboard}
	p.Descriptors[1] = Descriptor{Kind: DescConsole}
	p.Descriptors[2] = Descriptor{Kind: DescConsole}

	t.procs = append(t.procs, p)
	return p, nil
}

// mapKernelStack maps the PID's kernel stack slot into the shared kernel
// half and returns its first page. A failure partway through hands every
// frame the slot already received back to the allocator.
func (t *Table) mapKernelStack(pid PID) (mm.Page, *kernel.Error) {
	slotBase := vmm.KernelStackBase + uintptr(pid-1)*(kernelStackSize+kernelStackGuard)
	first := mm.PageFromAddress(slotBase)

	for page := first; page < first+mm.Page(kernelStackSize>>mm.PageShift); page++ {
		frame, err := t.frames.AllocFrame()
		if err != nil {
			t.unmapKernelStack(first, page)
			return 0, err
		}

		if err = t.kspace.Map(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			t.frames.FreeFrame(frame)
			t.unmapKernelStack(first, page)
			return 0, err
		}
	}

	return first, nil
}

// unmapKernelStack removes the stack pages in [first, limit) from the shared
// kernel half and returns their frames. Pages of the slot that never got
// mapped are skipped.
func (t *Table) unmapKernelStack(first, limit mm.Page) {
	for page := first; page < limit; page++ {
		frame, err := t.kspace.Unmap(page)
		if err == nil {
			t.frames.FreeFrame(frame)
		}
	}
}

// Lookup returns the table entry for pid, or nil if the record is gone.
func (t *Table) Lookup(pid PID) *Process {
	for _, p := range t.procs {
		if p.PID == pid {
			return p
		}
	}
	return nil
}

// Processes returns the live table entries in creation order.
func (t *Table) Processes() []*Process {
	return t.procs
}

// Teardown releases everything the process owns: its address space with all
// exclusively owned frames, its kernel stack slot and its open file
// descriptors. The record transitions to Terminated with the given exit
// code and stays queryable until Reap removes it.
func (t *Table) Teardown(p *Process, exitCode int32) {
	for fd := range p.Descriptors {
		desc := &p.Descriptors[fd]
		if desc.Kind == DescFile && t.vfs != nil {
			t.vfs.Close(desc.Handle)
		}
		*desc = Descriptor{}
	}

	t.unmapKernelStack(p.kernelStack, p.kernelStack+mm.Page(kernelStackSize>>mm.PageShift))

	if p.Space != nil {
		p.Space.Release()
		p.Space = nil
	}

	p.State = StateTerminated
	p.Reason = BlockNone
	p.ExitCode = exitCode
}

// Reap removes a terminated process record and returns its exit code.
func (t *Table) Reap(pid PID) (int32, *kernel.Error) {
	for i, p := range t.procs {
		if p.PID != pid {
			continue
		}
		if p.State != StateTerminated {
			return 0, ErrNotTerminated
		}

		t.procs = append(t.procs[:i], t.procs[i+1:]...)
		return p.ExitCode, nil
	}

	return 0, ErrNoSuchProcess
}

// LiveCount returns the number of entries that have not terminated yet.
func (t *Table) LiveCount() int {
	var count int
	for _, p := range t.procs {
		if p.State != StateTerminated {
			count++
		}
	}
	return count
}

// RunningCount returns the number of Running entries. The scheduler uses it
// to assert the single-Running invariant after every transition.
func (t *Table) RunningCount() int {
	var count int
	for _, p := range t.procs {
		if p.State == StateRunning {
			count++
		}
	}
	return count
}
