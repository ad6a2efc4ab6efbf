// Package kmain wires the kernel subsystems together. Boot turns a bare
// Machine into a running kernel following the original bring-up order
// (memory, heap, processes, filesystem, drivers, syscalls) and hands back a
// Kernel value that owns every subsystem; nothing in the tree relies on
// ambient globals besides the kfmt output sink.
package kmain

import (
	"bytes"

	"github.com/keitagame/romanticos/device"
	"github.com/keitagame/romanticos/device/kbd"
	"github.com/keitagame/romanticos/device/pit"
	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/fs/memfs"
	"github.com/keitagame/romanticos/kernel/gate"
	"github.com/keitagame/romanticos/kernel/kfmt"
	"github.com/keitagame/romanticos/kernel/mm"
	"github.com/keitagame/romanticos/kernel/mm/kheap"
	"github.com/keitagame/romanticos/kernel/mm/pmm"
	"github.com/keitagame/romanticos/kernel/mm/vmm"
	"github.com/keitagame/romanticos/kernel/proc"
	"github.com/keitagame/romanticos/kernel/sched"
	"github.com/keitagame/romanticos/kernel/syscall"
)

var errHeapSelfCheck = &kernel.Error{Module: "kmain", Message: "heap self check failed"}

// Config selects the boot parameters. The zero value is not bootable; start
// from DefaultConfig and override fields as needed.
type Config struct {
	// MemoryMiB sizes the Machine RAM. It is consumed by the caller when
	// constructing the Machine, before Boot runs.
	MemoryMiB uint32

	// Scheduler names the scheduling policy: "rr", "priority" or "fair".
	Scheduler string

	// TimeSlice is the preemption budget in timer ticks; 0 disables
	// preemption.
	TimeSlice uint32

	// TickHz is the PIT frequency.
	TickHz uint32

	// Processes lists the processes spawned at boot, in PID order.
	Processes []ProcessConfig
}

// ProcessConfig describes one boot-time process.
type ProcessConfig struct {
	Priority uint8
}

// DefaultConfig returns the parameters the kernel boots with when the caller
// supplies no overrides: 16 MiB of RAM, round-robin scheduling with a 10
// tick slice, a 100 Hz timer and a single init process.
func DefaultConfig() Config {
	return Config{
		MemoryMiB: 16,
		Scheduler: "rr",
		TimeSlice: 10,
		TickHz:    100,
		Processes: []ProcessConfig{{Priority: 10}},
	}
}

// Kernel bundles the subsystems brought up by Boot.
type Kernel struct {
	m         *cpu.Machine
	gate      *gate.Gate
	frames    *pmm.BitmapAllocator
	kspace    *vmm.AddressSpace
	heap      *kheap.Allocator
	vfs       *memfs.FileSystem
	table     *proc.Table
	scheduler *sched.Scheduler
	timer     *pit.Device
	keyboard  *kbd.Device
	sys       *syscall.Dispatcher
}

// Boot builds and starts the kernel on m. All boot errors are fatal: no
// recovery path exists before the scheduler runs, so the caller is expected
// to report the error and give up the Machine.
func Boot(m *cpu.Machine, cfg Config) (*Kernel, *kernel.Error) {
	kfmt.SetOutputSink(m.Console())
	kfmt.Printf("\nromanticos starting: %d MiB RAM, %s policy, %d Hz tick\n",
		uint64(m.MemSize()>>20), cfg.Scheduler, cfg.TickHz)

	k := &Kernel{m: m}
	k.gate = gate.New(m)

	k.frames = pmm.NewBitmapAllocator(mm.Frame(m.MemSize() >> mm.PageShift))
	total, reserved := k.frames.Stats()
	kfmt.Printf("[kmain] physical memory: %d frames, %d reserved\n", total, reserved)

	var err *kernel.Error
	if k.kspace, err = vmm.NewKernelSpace(m, k.frames); err != nil {
		return nil, err
	}
	k.kspace.Activate()

	if k.heap, err = kheap.New(k.kspace, k.frames, vmm.HeapStart, vmm.HeapSize); err != nil {
		return nil, err
	}
	if err = k.heapSelfCheck(); err != nil {
		return nil, err
	}
	kfmt.Printf("[kmain] kernel heap: %d KiB at 0x%x\n", uint64(vmm.HeapSize>>10), vmm.HeapStart)

	k.vfs = memfs.New()
	k.table = proc.NewTable(k.frames, k.kspace, k.vfs)

	policy, err := sched.NewPolicy(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	k.scheduler = sched.New(k.table, k.kspace, policy, cfg.TimeSlice)
	kfmt.Printf("[kmain] scheduler: %s policy, %d tick slice\n", cfg.Scheduler, cfg.TimeSlice)

	k.gate.HandleInterrupt(gate.PageFaultException, k.onPageFault)

	k.keyboard = kbd.NewDevice(m, k.gate)
	k.timer = pit.NewDevice(m, k.gate, k.scheduler, cfg.TickHz)
	if err = bringUp([]device.Driver{k.keyboard, k.timer}); err != nil {
		return nil, err
	}

	k.sys = syscall.New(m, k.gate, k.scheduler, k.vfs, k.timer, k.keyboard)

	for i, pc := range cfg.Processes {
		// Entry addresses are synthetic: the Machine never fetches
		// instructions, the address only seeds the context RIP.
		entry := vmm.UserSpaceStart + uintptr(i+1)<<mm.PageShift

		p, serr := k.scheduler.Spawn(entry, pc.Priority)
		if serr != nil {
			return nil, serr
		}
		kfmt.Printf("[kmain] spawned pid %d (priority %d)\n", uint64(p.PID), pc.Priority)
	}

	first := k.scheduler.Schedule(&m.Regs)
	m.EnableInterrupts()
	kfmt.Printf("[kmain] dispatching pid %d\n", uint64(first))

	return k, nil
}

// heapSelfCheck exercises one allocate/free cycle and verifies the heap
// returns to its pristine state.
func (k *Kernel) heapSelfCheck() *kernel.Error {
	const size, align = 64, 16

	ptr, err := k.heap.Allocate(size, align)
	if err != nil {
		return err
	}
	k.heap.Deallocate(ptr, size, align)

	if used, _ := k.heap.Stats(); used != 0 {
		return errHeapSelfCheck
	}
	return nil
}

// bringUp initializes each driver in turn, logging through a prefixed
// writer so every line is tagged with the driver name and version. A driver
// that fails to initialize aborts the boot.
func bringUp(drivers []device.Driver) *kernel.Error {
	var (
		strBuf bytes.Buffer
		w      = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}
	)

	for _, drv := range drivers {
		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			return err
		}
		kfmt.Fprintf(&w, "initialized\n")
	}
	return nil
}

// onPageFault applies the kernel fault policy: demand-paging faults are
// repaired and the access restarted, any other user-mode fault terminates
// the faulting process, and a kernel-mode fault is a kernel bug.
func (k *Kernel) onPageFault(frame *cpu.Registers) {
	faultAddr := uintptr(k.m.ReadCR2())

	p := k.scheduler.Current()
	if p != nil && p.Space.HandleFault(faultAddr, frame.Info) {
		return
	}

	if p != nil && vmm.FaultFromUserMode(frame.Info) {
		kfmt.Printf("[kmain] pid %d: unrecoverable page fault at 0x%x, terminating\n",
			uint64(p.PID), faultAddr)
		k.scheduler.TerminateCurrent(frame, int32(-syscall.EFAULT))
		return
	}

	vmm.ReportFault(faultAddr, frame.Info, frame)
}

// Step halts the Machine until the next interrupt has been serviced.
func (k *Kernel) Step() {
	k.m.Halt()
}

// Run halts the Machine until every process has exited. Callers must
// arrange for the processes to terminate; a Ready process that never issues
// an exit keeps Run halting forever, exactly like the hardware would.
func (k *Kernel) Run() {
	for k.table.LiveCount() > 0 {
		k.m.Halt()
	}
}

// Machine exposes the underlying Machine.
func (k *Kernel) Machine() *cpu.Machine { return k.m }

// Scheduler exposes the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.scheduler }

// Table exposes the process table.
func (k *Kernel) Table() *proc.Table { return k.table }

// FileSystem exposes the mounted filesystem.
func (k *Kernel) FileSystem() *memfs.FileSystem { return k.vfs }

// Heap exposes the kernel heap.
func (k *Kernel) Heap() *kheap.Allocator { return k.heap }

// Frames exposes the physical frame allocator.
func (k *Kernel) Frames() *pmm.BitmapAllocator { return k.frames }

// Timer exposes the PIT driver.
func (k *Kernel) Timer() *pit.Device { return k.timer }

// Keyboard exposes the keyboard driver.
func (k *Kernel) Keyboard() *kbd.Device { return k.keyboard }

// Syscalls exposes the syscall dispatcher.
func (k *Kernel) Syscalls() *syscall.Dispatcher { return k.sys }
