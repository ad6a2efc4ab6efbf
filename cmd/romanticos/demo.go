package main

import (
	"github.com/keitagame/romanticos/kernel/kfmt"
	"github.com/keitagame/romanticos/kernel/kmain"
	"github.com/keitagame/romanticos/kernel/mm"
	"github.com/keitagame/romanticos/kernel/mm/vmm"
	"github.com/keitagame/romanticos/kernel/proc"
	"github.com/keitagame/romanticos/kernel/syscall"
)

// Demo processes stage their buffers inside the reserved user stack region,
// below any address the stack pointer reaches. Paths, outgoing data and read
// results each get their own slot so a step never overwrites its own input.
const (
	pathBuf = vmm.UserStackTop - 0x2000
	dataBuf = vmm.UserStackTop - 0x1c00
	readBuf = vmm.UserStackTop - 0x1800
)

// demo drives the boot-time processes through scripted workloads. The
// Machine never fetches instructions, so each process advances by one step
// whenever the scheduler has it on the CPU, issuing the syscalls its program
// would have made.
type demo struct {
	k     *kmain.Kernel
	steps map[proc.PID]int
	last  proc.PID
}

func runDemo(k *kmain.Kernel) {
	d := &demo{k: k, steps: make(map[proc.PID]int)}

	for k.Table().LiveCount() > 0 {
		p := k.Scheduler().Current()
		if p == nil {
			// Everyone is blocked; halt until the timer wakes a sleeper.
			k.Step()
			continue
		}

		if p.PID != d.last {
			kfmt.Printf("[demo] pid %d on cpu\n", uint64(p.PID))
			d.last = p.PID
		}

		d.steps[p.PID]++
		switch p.PID {
		case 1:
			d.initStep(d.steps[p.PID])
		case 2:
			d.pagerStep(d.steps[p.PID])
		case 3:
			d.echoStep(d.steps[p.PID])
		default:
			d.workerStep(p.PID, d.steps[p.PID])
		}
	}

	d.shutdown()
}

// initStep writes to the console and the filesystem, sleeps through the
// other workers and verifies its file after waking up.
func (d *demo) initStep(step int) {
	m := d.k.Machine()

	switch step {
	case 1:
		pid := m.Syscall(syscall.SysGetPID, [6]uint64{})
		kfmt.Printf("[demo] init: getpid -> %d\n", pid)
		d.writeConsole("init: hello from userspace\n")
	case 2:
		fd := d.open("/hello.txt")
		n := d.write(fd, "written by init\n")
		m.Syscall(syscall.SysClose, [6]uint64{uint64(fd)})
		kfmt.Printf("[demo] init: wrote %d bytes to /hello.txt\n", n)
	case 3:
		kfmt.Printf("[demo] init: sleeping 5 ticks\n")
		m.Syscall(syscall.SysSleep, [6]uint64{5})
	case 4:
		fd := d.open("/hello.txt")
		got := d.read(fd, 64)
		m.Syscall(syscall.SysClose, [6]uint64{uint64(fd)})
		kfmt.Printf("[demo] init: read back: %s", got)
	default:
		kfmt.Printf("[demo] init: exiting\n")
		m.Syscall(syscall.SysExit, [6]uint64{0})
	}
}

// pagerStep maps anonymous memory and touches it so the demand paging path
// shows up: the first store to each page faults, gets backed and restarts.
func (d *demo) pagerStep(step int) {
	m := d.k.Machine()

	switch step {
	case 1:
		base := m.Syscall(syscall.SysMmap, [6]uint64{0, uint64(2 * mm.PageSize)})
		kfmt.Printf("[demo] pager: mmap 2 pages at 0x%x\n", uint64(base))

		m.WriteUser(uintptr(base), 0x41)
		m.WriteUser(uintptr(base)+mm.PageSize, 0x42)
		kfmt.Printf("[demo] pager: backed both pages on first write\n")
	case 2:
		ret := m.Syscall(syscall.SysMunmap, [6]uint64{uint64(vmm.MMapBase), uint64(2 * mm.PageSize)})
		kfmt.Printf("[demo] pager: munmap -> %d\n", ret)
	case 3:
		kfmt.Printf("[demo] pager: sleeping 3 ticks\n")
		m.Syscall(syscall.SysSleep, [6]uint64{3})
	default:
		kfmt.Printf("[demo] pager: exiting\n")
		m.Syscall(syscall.SysExit, [6]uint64{0})
	}
}

// echoStep reads typed input back out of the keyboard buffer, then spins on
// the CPU long enough for the timer to preempt it.
func (d *demo) echoStep(step int) {
	m := d.k.Machine()

	switch step {
	case 1:
		m.PressKey(0x23) // h
		m.PressKey(0x17) // i
		m.PressKey(0x1c) // enter

		got := d.read(0, 16)
		kfmt.Printf("[demo] echo: read %d bytes from the keyboard\n", len(got))
		d.writeConsole("echo: " + got)
	case 2, 3, 4, 5:
		// Hold the CPU across a timer tick; the 4 tick slice runs out
		// on the last of these and the scheduler preempts us.
		d.k.Step()
	default:
		kfmt.Printf("[demo] echo: exiting\n")
		m.Syscall(syscall.SysExit, [6]uint64{3})
	}
}

// workerStep is the script for any extra configured process: report in and
// exit cleanly.
func (d *demo) workerStep(pid proc.PID, step int) {
	m := d.k.Machine()

	switch step {
	case 1:
		kfmt.Printf("[demo] worker %d: reporting in\n", uint64(pid))
		d.writeConsole("worker: hello\n")
	default:
		m.Syscall(syscall.SysExit, [6]uint64{0})
	}
}

// shutdown reaps the exit codes and prints the end-of-run accounting.
func (d *demo) shutdown() {
	var pids []proc.PID
	for _, p := range d.k.Table().Processes() {
		pids = append(pids, p.PID)
	}
	for _, pid := range pids {
		code, err := d.k.Table().Reap(pid)
		if err != nil {
			kfmt.Printf("[demo] reap pid %d: %s\n", uint64(pid), err.Error())
			continue
		}
		kfmt.Printf("[demo] reaped pid %d (exit code %d)\n", uint64(pid), code)
	}

	kfmt.Printf("\n")
	d.k.Syscalls().DumpStats(kfmt.GetOutputSink())
	d.k.Frames().PrintStats()
	d.k.Heap().PrintStats()
	kfmt.Printf("[demo] uptime: %d ms (%d ticks)\n",
		d.k.Timer().UptimeMillis(), d.k.Timer().Ticks())
}

// stage copies data into the current process's memory at addr.
func (d *demo) stage(addr uintptr, data []byte) {
	if err := d.k.Scheduler().Current().Space.CopyToUser(addr, data); err != nil {
		kfmt.Panic(err)
	}
}

// open issues an open syscall for path and returns the descriptor.
func (d *demo) open(path string) int64 {
	d.stage(pathBuf, append([]byte(path), 0))
	return d.k.Machine().Syscall(syscall.SysOpen, [6]uint64{uint64(pathBuf), 0})
}

// write sends s through a write syscall on fd.
func (d *demo) write(fd int64, s string) int64 {
	d.stage(dataBuf, []byte(s))
	return d.k.Machine().Syscall(syscall.SysWrite, [6]uint64{uint64(fd), uint64(dataBuf), uint64(len(s))})
}

// writeConsole sends s to the console descriptor.
func (d *demo) writeConsole(s string) {
	d.write(1, s)
}

// read issues a read syscall on fd and returns the bytes that arrived.
func (d *demo) read(fd int64, count int) string {
	n := d.k.Machine().Syscall(syscall.SysRead, [6]uint64{uint64(fd), uint64(readBuf), uint64(count)})
	if n <= 0 {
		return ""
	}

	buf := make([]byte, n)
	if err := d.k.Scheduler().Current().Space.CopyFromUser(readBuf, buf); err != nil {
		kfmt.Panic(err)
	}
	return string(buf)
}
