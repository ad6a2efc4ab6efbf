// Package syscall implements the system call dispatcher. It claims the
// syscall trap vector and routes numbered requests from user contexts to the
// kernel services backing them, enforcing the ABI: number in RAX, arguments
// in RDI, RSI, RDX, R10, R8, R9, result in RAX with negated errno values
// signalling failure.
package syscall

import (
	"io"

	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/fs"
	"github.com/keitagame/romanticos/kernel/gate"
	"github.com/keitagame/romanticos/kernel/kfmt"
	"github.com/keitagame/romanticos/kernel/mm"
	"github.com/keitagame/romanticos/kernel/mm/vmm"
	"github.com/keitagame/romanticos/kernel/proc"
	"github.com/keitagame/romanticos/kernel/sched"
)

// maxPath bounds the length of user-supplied path strings.
const maxPath = 256

var errNoProcess = &kernel.Error{Module: "syscall", Message: "syscall entry with no running process"}

// Clock provides the monotonic tick counter sleep deadlines are staged
// against. The PIT device implements it.
type Clock interface {
	Ticks() uint64
}

// KeyReader drains decoded keyboard bytes. The keyboard device implements
// it; reads never block.
type KeyReader interface {
	ReadBytes(p []byte) int
}

// Dispatcher routes syscall traps to their handlers.
type Dispatcher struct {
	m     *cpu.Machine
	s     *sched.Scheduler
	vfs   fs.FileSystem
	clock Clock
	keys  KeyReader

	// scratch stages data between user memory and collaborators; transfers
	// larger than the buffer complete partially, as permitted by the ABI.
	scratch [4096]byte

	total   uint64
	unknown uint64
	byNum   [maxSyscall]uint64
}

// New returns a dispatcher wired to the syscall trap vector.
func New(m *cpu.Machine, g *gate.Gate, s *sched.Scheduler, vfs fs.FileSystem, clock Clock, keys KeyReader) *Dispatcher {
	d := &Dispatcher{
		m:     m,
		s:     s,
		vfs:   vfs,
		clock: clock,
		keys:  keys,
	}
	g.HandleInterrupt(gate.SyscallInterrupt, d.OnSyscall)
	return d
}

// OnSyscall services one syscall trap. The result is written to the frame's
// RAX unless the handler switched contexts, in which case the frame already
// holds the next process and the result was staged into the caller's saved
// context.
func (d *Dispatcher) OnSyscall(frame *cpu.Registers) {
	num := frame.Info
	args := [6]uint64{frame.RDI, frame.RSI, frame.RDX, frame.R10, frame.R8, frame.R9}

	d.total++
	if num < maxSyscall {
		d.byNum[num]++
	}

	result, switched := d.invoke(num, args, frame)
	if !switched {
		frame.RAX = uint64(result)
	}
}

// invoke routes a syscall to its handler. The second return value reports
// whether the handler installed a different context into the frame.
func (d *Dispatcher) invoke(num uint64, args [6]uint64, frame *cpu.Registers) (int64, bool) {
	switch num {
	case SysRead:
		return d.sysRead(args), false
	case SysWrite:
		return d.sysWrite(args), false
	case SysOpen:
		return d.sysOpen(args), false
	case SysClose:
		return d.sysClose(args), false
	case SysMmap:
		return d.sysMmap(args), false
	case SysMunmap:
		return d.sysMunmap(args), false
	case SysSleep:
		return d.sysSleep(args, frame)
	case SysGetPID:
		return int64(d.current().PID), false
	case SysFork, SysExecve:
		return -ENOSYS, false
	case SysExit:
		d.s.TerminateCurrent(frame, int32(args[0]))
		return 0, true
	default:
		d.unknown++
		return -ENOSYS, false
	}
}

// current returns the process issuing the syscall. A syscall trap with no
// running process means the machine driver raised it from kernel context.
func (d *Dispatcher) current() *proc.Process {
	p := d.s.Current()
	if p == nil {
		kfmt.Panic(errNoProcess)
	}
	return p
}

func (d *Dispatcher) sysRead(args [6]uint64) int64 {
	p := d.current()

	desc := p.Descriptor(int(args[0]))
	if desc == nil {
		return -EBADF
	}

	count := int(args[2])
	if count < 0 {
		return -EINVAL
	}
	if count > len(d.scratch) {
		count = len(d.scratch)
	}
	if count == 0 {
		return 0
	}

	var n int
	switch desc.Kind {
	case proc.DescKeyboard:
		n = d.keys.ReadBytes(d.scratch[:count])
	case proc.DescFile:
		var err *kernel.Error
		if n, err = d.vfs.Read(desc.Handle, d.scratch[:count]); err != nil {
			return -errnoFor(err)
		}
	default:
		return -EBADF
	}

	if n == 0 {
		return 0
	}
	if err := p.Space.CopyToUser(uintptr(args[1]), d.scratch[:n]); err != nil {
		return -EFAULT
	}
	return int64(n)
}

func (d *Dispatcher) sysWrite(args [6]uint64) int64 {
	p := d.current()

	desc := p.Descriptor(int(args[0]))
	if desc == nil {
		return -EBADF
	}

	count := int(args[2])
	if count < 0 {
		return -EINVAL
	}
	if count > len(d.scratch) {
		count = len(d.scratch)
	}
	if count == 0 {
		return 0
	}

	if err := p.Space.CopyFromUser(uintptr(args[1]), d.scratch[:count]); err != nil {
		return -EFAULT
	}

	switch desc.Kind {
	case proc.DescConsole:
		return int64(d.m.ConsoleWrite(d.scratch[:count]))
	case proc.DescFile:
		n, err := d.vfs.Write(desc.Handle, d.scratch[:count])
		if err != nil {
			return -errnoFor(err)
		}
		return int64(n)
	default:
		return -EBADF
	}
}

func (d *Dispatcher) sysOpen(args [6]uint64) int64 {
	p := d.current()

	path, errno := d.readUserString(p.Space, uintptr(args[0]))
	if errno != 0 {
		return errno
	}

	h, err := d.vfs.Open(path, int32(args[1]))
	if err != nil {
		return -errnoFor(err)
	}

	fd, aerr := p.AllocDescriptor(proc.DescFile, h)
	if aerr != nil {
		d.vfs.Close(h)
		return -EMFILE
	}
	return int64(fd)
}

func (d *Dispatcher) sysClose(args [6]uint64) int64 {
	p := d.current()

	fd := int(args[0])
	desc := p.Descriptor(fd)
	if desc == nil {
		return -EBADF
	}

	if desc.Kind == proc.DescFile {
		if err := d.vfs.Close(desc.Handle); err != nil {
			return -errnoFor(err)
		}
	}
	p.ReleaseDescriptor(fd)
	return 0
}

func (d *Dispatcher) sysMmap(args [6]uint64) int64 {
	p := d.current()

	// Cap the length before rounding it up to pages; anything larger than
	// the whole arena cannot be served and would wrap the rounding.
	length := uintptr(args[1])
	if length == 0 {
		return -EINVAL
	}
	if length > vmm.MMapLimit-vmm.MMapBase {
		return -ENOMEM
	}

	pages := int((length + mm.PageSize - 1) >> mm.PageShift)
	page, err := p.Space.MMapRegion(pages, vmm.FlagUserAccessible|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return -ENOMEM
	}
	return int64(page.Address())
}

func (d *Dispatcher) sysMunmap(args [6]uint64) int64 {
	p := d.current()

	addr, length := uintptr(args[0]), uintptr(args[1])
	if length == 0 || addr&(mm.PageSize-1) != 0 {
		return -EINVAL
	}

	// The range must start inside the arena and end inside it without
	// wrapping around the top of the address space.
	end := addr + length
	if addr < vmm.MMapBase || addr >= vmm.MMapLimit || end < addr || end > vmm.MMapLimit {
		return -EINVAL
	}

	p.Space.ReleaseRegion(mm.PageFromAddress(addr), int((length+mm.PageSize-1)>>mm.PageShift))
	return 0
}

// sysSleep blocks the caller until the timer reaches its wake deadline. The
// zero result is staged into the saved context; the frame carries the next
// scheduled process when this returns.
func (d *Dispatcher) sysSleep(args [6]uint64, frame *cpu.Registers) (int64, bool) {
	ticks := args[0]
	if ticks == 0 {
		return 0, false
	}

	p := d.current()
	d.s.BlockCurrent(frame, proc.BlockSleep, d.clock.Ticks()+ticks)
	p.Context.RAX = 0
	return 0, true
}

// readUserString copies a NUL-terminated string of at most maxPath bytes
// from user memory.
func (d *Dispatcher) readUserString(space *vmm.AddressSpace, ptr uintptr) (string, int64) {
	var (
		b    [1]byte
		path []byte
	)

	for i := 0; i < maxPath; i++ {
		if err := space.CopyFromUser(ptr+uintptr(i), b[:]); err != nil {
			return "", -EFAULT
		}
		if b[0] == 0 {
			return string(path), 0
		}
		path = append(path, b[0])
	}
	return "", -EINVAL
}

// errnoFor maps a collaborator error to its errno value.
func errnoFor(err *kernel.Error) int64 {
	switch err {
	case nil:
		return 0
	case fs.ErrNotFound:
		return ENOENT
	case fs.ErrNotDirectory:
		return ENOTDIR
	case fs.ErrIsDirectory:
		return EISDIR
	case fs.ErrExists:
		return EEXIST
	case fs.ErrPermission:
		return EACCES
	case fs.ErrFileTooLarge:
		return EFBIG
	case fs.ErrBadHandle:
		return EBADF
	case fs.ErrTooManyOpenFiles:
		return ENFILE
	case fs.ErrNoSpace:
		return ENOSPC
	case vmm.ErrInvalidUserAccess:
		return EFAULT
	default:
		return EINVAL
	}
}

// DumpStats prints the syscall counters to w.
func (d *Dispatcher) DumpStats(w io.Writer) {
	kfmt.Fprintf(w, "syscalls: %d total, %d unknown\n", d.total, d.unknown)
	for num, count := range d.byNum {
		if count == 0 {
			continue
		}
		kfmt.Fprintf(w, "  %s(%d): %d\n", name(uint64(num)), num, count)
	}
}
