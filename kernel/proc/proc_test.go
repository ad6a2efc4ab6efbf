package proc

import (
	"io"
	"testing"

	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/fs/memfs"
	"github.com/keitagame/romanticos/kernel/mm"
	"github.com/keitagame/romanticos/kernel/mm/pmm"
	"github.com/keitagame/romanticos/kernel/mm/vmm"
)

const testMemSize = 8 << 20

func newTestTable(t *testing.T) (*pmm.BitmapAllocator, *vmm.AddressSpace, *memfs.FileSystem, *Table) {
	t.Helper()

	m := cpu.New(testMemSize, io.Discard)
	frames := pmm.NewBitmapAllocator(mm.Frame(testMemSize >> mm.PageShift))

	kspace, err := vmm.NewKernelSpace(m, frames)
	if err != nil {
		t.Fatal(err)
	}

	vfs := memfs.New()
	return frames, kspace, vfs, NewTable(frames, kspace, vfs)
}

func reservedFrames(frames *pmm.BitmapAllocator) uint32 {
	_, reserved := frames.Stats()
	return reserved
}

func freeFrames(frames *pmm.BitmapAllocator) uint32 {
	total, reserved := frames.Stats()
	return total - reserved
}

func TestCreateInitializesProcess(t *testing.T) {
	_, _, _, table := newTestTable(t)

	const entry = uintptr(0x400000001000)
	p, err := table.Create(entry, 10)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if p.PID != 1 {
		t.Fatalf("expected first process to get PID 1; got %d", p.PID)
	}
	if p.State != StateReady {
		t.Fatalf("expected a fresh process to be ready; got %s", p.State)
	}
	if got := p.Context.RIP; got != uint64(entry) {
		t.Fatalf("expected RIP 0x%x; got 0x%x", entry, got)
	}
	if got := p.Context.RSP; got != uint64(vmm.UserStackTop) {
		t.Fatalf("expected RSP at the user stack top; got 0x%x", got)
	}
	if got := p.Context.RFlags; got != cpu.DefaultRFlags {
		t.Fatalf("expected RFlags 0x%x; got 0x%x", cpu.DefaultRFlags, got)
	}

	specs := []struct {
		fd  int
		exp DescKind
	}{
		{0, DescKeyboard},
		{1, DescConsole},
		{2, DescConsole},
	}
	for specIndex, spec := range specs {
		desc := p.Descriptor(spec.fd)
		if desc == nil || desc.Kind != spec.exp {
			t.Fatalf("[spec %d] expected fd %d to be pre-wired", specIndex, spec.fd)
		}
	}
}

func TestPIDsAreMonotonic(t *testing.T) {
	_, _, _, table := newTestTable(t)

	for want := PID(1); want <= 3; want++ {
		p, err := table.Create(0x1000, 10)
		if err != nil {
			t.Fatal(err)
		}
		if p.PID != want {
			t.Fatalf("expected PID %d; got %d", want, p.PID)
		}
	}

	second := table.Lookup(2)
	table.Teardown(second, 0)
	if _, err := table.Reap(2); err != nil {
		t.Fatal(err)
	}

	// Reaping PID 2 must not make its PID available again.
	p, err := table.Create(0x1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if p.PID != 4 {
		t.Fatalf("expected PID 4 after reaping PID 2; got %d", p.PID)
	}
}

func TestKernelStackMapping(t *testing.T) {
	_, kspace, _, table := newTestTable(t)

	p, err := table.Create(0x1000, 10)
	if err != nil {
		t.Fatal(err)
	}

	base := p.KernelStackTop() - 2*mm.PageSize
	for off := uintptr(0); off < 2*mm.PageSize; off += mm.PageSize {
		if _, terr := kspace.Translate(base + off); terr != nil {
			t.Fatalf("expected kernel stack page at 0x%x to be mapped; got %v", base+off, terr)
		}
	}

	// The stack slot is part of the shared kernel template, so it must be
	// visible through the process's own space as well.
	if _, terr := p.Space.Translate(base); terr != nil {
		t.Fatalf("expected the kernel stack to be visible in the process space; got %v", terr)
	}

	// The guard page that separates stack slots stays unmapped.
	if _, terr := kspace.Translate(p.KernelStackTop()); terr != vmm.ErrInvalidMapping {
		t.Fatalf("expected the guard page to be unmapped; got %v", terr)
	}

	// Slots of consecutive PIDs do not overlap.
	q, err := table.Create(0x1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if q.KernelStackTop() <= p.KernelStackTop() {
		t.Fatalf("expected PID %d stack above PID %d stack", q.PID, p.PID)
	}
}

func TestTeardownReleasesResources(t *testing.T) {
	frames, _, _, table := newTestTable(t)

	// Warm up the shared kernel-stack page tables so the baseline below
	// covers only per-process resources.
	warm, err := table.Create(0x1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	table.Teardown(warm, 0)
	if _, err = table.Reap(warm.PID); err != nil {
		t.Fatal(err)
	}

	baseline := reservedFrames(frames)

	a, err := table.Create(0x1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	b, err := table.Create(0x1000, 10)
	if err != nil {
		t.Fatal(err)
	}

	// Touch both user stacks so each owns a private frame.
	if err = a.Space.CopyToUser(vmm.UserStackTop-8, make([]byte, 8)); err != nil {
		t.Fatal(err)
	}
	if err = b.Space.CopyToUser(vmm.UserStackTop-8, make([]byte, 8)); err != nil {
		t.Fatal(err)
	}

	table.Teardown(a, 3)

	if a.State != StateTerminated || a.ExitCode != 3 {
		t.Fatalf("expected a terminated record with exit code 3; got %s/%d", a.State, a.ExitCode)
	}
	if a.Space != nil {
		t.Fatal("expected the torn down process to drop its address space")
	}

	// b's frames must be untouched by a's teardown.
	if _, err = b.Space.Translate(vmm.UserStackTop - 8); err != nil {
		t.Fatalf("expected b's backed stack page to survive; got %v", err)
	}

	table.Teardown(b, 0)

	if got := reservedFrames(frames); got != baseline {
		t.Fatalf("expected all per-process frames back after teardown; %d frames leaked", got-baseline)
	}
}

func TestFailedCreateReleasesResources(t *testing.T) {
	// Once the shared kernel-stack tables exist a fresh process needs six
	// frames: the space root, three tables for the user stack chain and
	// two kernel stack pages. Walking the free pool down from five makes
	// Create fail at each of those allocations in turn; none of them may
	// leave frames behind.
	for leftover := uint32(0); leftover < 6; leftover++ {
		frames, _, _, table := newTestTable(t)

		warm, err := table.Create(0x1000, 10)
		if err != nil {
			t.Fatalf("[leftover %d] warm-up create: %v", leftover, err)
		}
		table.Teardown(warm, 0)
		if _, err = table.Reap(warm.PID); err != nil {
			t.Fatalf("[leftover %d] warm-up reap: %v", leftover, err)
		}

		for freeFrames(frames) > leftover {
			if _, err := frames.AllocFrame(); err != nil {
				t.Fatalf("[leftover %d] draining the free pool: %v", leftover, err)
			}
		}
		baseline := reservedFrames(frames)

		if _, err := table.Create(0x1000, 10); err != pmm.ErrOutOfMemory {
			t.Fatalf("[leftover %d] expected create to run out of memory; got %v", leftover, err)
		}

		if got := reservedFrames(frames); got != baseline {
			t.Fatalf("[leftover %d] failed create leaked %d frames", leftover, got-baseline)
		}
		if got := table.LiveCount(); got != 0 {
			t.Fatalf("[leftover %d] expected no live processes; got %d", leftover, got)
		}
	}
}

func TestTeardownClosesFileDescriptors(t *testing.T) {
	_, _, vfs, table := newTestTable(t)

	p, err := table.Create(0x1000, 10)
	if err != nil {
		t.Fatal(err)
	}

	h, ferr := vfs.Open("/hello.txt", 0)
	if ferr != nil {
		t.Fatal(ferr)
	}

	fd, derr := p.AllocDescriptor(DescFile, h)
	if derr != nil {
		t.Fatal(derr)
	}
	if fd != 3 {
		t.Fatalf("expected the first free descriptor to be 3; got %d", fd)
	}

	table.Teardown(p, 0)

	if _, ferr = vfs.Read(h, make([]byte, 1)); ferr == nil {
		t.Fatal("expected the filesystem handle to be closed by teardown")
	}
	if p.Descriptor(fd) != nil {
		t.Fatal("expected the descriptor slot to be released")
	}
}

func TestReapSemantics(t *testing.T) {
	_, _, _, table := newTestTable(t)

	p, err := table.Create(0x1000, 10)
	if err != nil {
		t.Fatal(err)
	}

	if _, rerr := table.Reap(p.PID); rerr != ErrNotTerminated {
		t.Fatalf("expected to get ErrNotTerminated reaping a live process; got %v", rerr)
	}
	if got := table.LiveCount(); got != 1 {
		t.Fatalf("expected 1 live process; got %d", got)
	}

	table.Teardown(p, 42)

	if got := table.LiveCount(); got != 0 {
		t.Fatalf("expected the terminated record not to count as live; got %d", got)
	}

	code, rerr := table.Reap(p.PID)
	if rerr != nil {
		t.Fatalf("Reap returned error: %v", rerr)
	}
	if code != 42 {
		t.Fatalf("expected exit code 42; got %d", code)
	}

	if table.Lookup(p.PID) != nil {
		t.Fatal("expected the reaped record to be gone")
	}
	if _, rerr = table.Reap(p.PID); rerr != ErrNoSuchProcess {
		t.Fatalf("expected to get ErrNoSuchProcess; got %v", rerr)
	}
}

func TestDescriptorSlotReuse(t *testing.T) {
	_, _, _, table := newTestTable(t)

	p, err := table.Create(0x1000, 10)
	if err != nil {
		t.Fatal(err)
	}

	fd1, _ := p.AllocDescriptor(DescFile, 7)
	fd2, _ := p.AllocDescriptor(DescFile, 8)
	if fd1 != 3 || fd2 != 4 {
		t.Fatalf("expected descriptors 3 and 4; got %d and %d", fd1, fd2)
	}

	p.ReleaseDescriptor(fd1)
	fd3, _ := p.AllocDescriptor(DescFile, 9)
	if fd3 != fd1 {
		t.Fatalf("expected released slot %d to be reused; got %d", fd1, fd3)
	}

	for {
		if _, derr := p.AllocDescriptor(DescFile, 0); derr != nil {
			if derr != ErrTooManyDescriptors {
				t.Fatalf("expected to get ErrTooManyDescriptors; got %v", derr)
			}
			break
		}
	}
}