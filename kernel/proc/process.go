// Package proc maintains the process table: per-process state, saved
// execution contexts, descriptor tables and the resources each process owns
// (its address space and kernel stack). Scheduling decisions live in the
// sched package; proc only stores and tears down state.
package proc

import (
	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/fs"
	"github.com/keitagame/romanticos/kernel/mm"
	"github.com/keitagame/romanticos/kernel/mm/vmm"
)

// PID identifies a process. PIDs are assigned monotonically starting at 1
// and are never reused while the kernel runs.
type PID uint32

// State tracks where a process is in its lifecycle. Terminated is
// absorbing; the record lingers with its exit code until reaped.
type State uint8

const (
	// StateReady marks a process that can be picked by the scheduler.
	StateReady State = iota

	// StateRunning marks the process currently executing. At most one
	// process is Running at any time.
	StateRunning

	// StateBlocked marks a process waiting for an event (e.g. a timer
	// wakeup). Blocked processes are not schedulable.
	StateBlocked

	// StateTerminated marks a process whose resources have been released.
	StateTerminated
)

// String implements fmt.Stringer for log output.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// BlockReason records why a process is Blocked.
type BlockReason uint8

const (
	// BlockNone is set while a process is not blocked.
	BlockNone BlockReason = iota

	// BlockSleep marks a process waiting for the tick stored in WakeTick.
	BlockSleep
)

// DescKind selects how a file descriptor is serviced.
type DescKind uint8

const (
	// DescFree marks an unused descriptor slot.
	DescFree DescKind = iota

	// DescKeyboard reads drain the keyboard buffer.
	DescKeyboard

	// DescConsole writes go to the machine console.
	DescConsole

	// DescFile operations delegate to the mounted filesystem.
	DescFile
)

// Descriptor binds a process file descriptor to its backing object.
type Descriptor struct {
	Kind   DescKind
	Handle fs.Handle
}

// maxDescriptors bounds the per-process descriptor table.
const maxDescriptors = 16

// Process is one process table entry.
type Process struct {
	PID      PID
	State    State
	Priority uint8

	// Context holds the register snapshot that resumes the process. For
	// a freshly created process it points RIP at the entry address and
	// RSP at the top of the demand-allocated user stack.
	Context cpu.Registers

	// Space is the process address space; nil after termination.
	Space *vmm.AddressSpace

	// kernelStack is the first page of the mapped kernel stack slot.
	kernelStack mm.Page

	// Descriptors maps small integers to kernel objects. Slots 0-2 are
	// pre-wired to the keyboard buffer and the console.
	Descriptors [maxDescriptors]Descriptor

	// VRuntime accrues executed ticks for the fair scheduling policy.
	VRuntime uint64

	// Reason and WakeTick qualify the Blocked state.
	Reason   BlockReason
	WakeTick uint64

	// ExitCode is valid once the process is Terminated.
	ExitCode int32
}

// KernelStackTop returns the highest address of the process kernel stack.
func (p *Process) KernelStackTop() uintptr {
	return p.kernelStack.Address() + kernelStackSize
}

// AllocDescriptor claims the lowest free descriptor slot.
func (p *Process) AllocDescriptor(kind DescKind, h fs.Handle) (int, *kernel.Error) {
	for fd := range p.Descriptors {
		if p.Descriptors[fd].Kind == DescFree {
			p.Descriptors[fd] = Descriptor{Kind: kind, Handle: h}
			return fd, nil
		}
	}
	return 0, ErrTooManyDescriptors
}

// Descriptor returns the descriptor bound to fd, or nil when fd is out of
// range or free.
func (p *Process) Descriptor(fd int) *Descriptor {
	if fd < 0 || fd >= maxDescriptors || p.Descriptors[fd].Kind == DescFree {
		return nil
	}
	return &p.Descriptors[fd]
}

// ReleaseDescriptor frees the slot for fd. Releasing a free slot is a no-op.
func (p *Process) ReleaseDescriptor(fd int) {
	if fd >= 0 && fd < maxDescriptors {
		p.Descriptors[fd] = Descriptor{}
	}
}
