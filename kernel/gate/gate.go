// Package gate routes machine traps to their handlers. It owns the single
// dispatch path the machine invokes for exceptions, IRQs and syscall entries
// and the registry that maps interrupt numbers to handlers.
package gate

import (
	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/kfmt"
)

var errUnhandledTrap = &kernel.Error{Module: "gate", Message: "unhandled exception"}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// Breakpoint occurs when the CPU executes an INT3 instruction. The
	// handler may resume execution after the breakpoint.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while FPU/MMX/SSE support is disabled.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when stack base/limit checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page table entry on the translation
	// path is not present or when a privilege and/or RW protection check
	// fails. The faulting address is loaded into CR2.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs when an unmasked FP exception is
	// pending while invoking an FP instruction.
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1.
	SIMDFloatingPointException = InterruptNumber(19)
)

// Remapped PIC lines occupy the vectors directly above the exception range;
// the syscall gate lives at the conventional software interrupt slot.
const (
	TimerInterrupt    = InterruptNumber(32)
	KeyboardInterrupt = InterruptNumber(33)
	SyscallInterrupt  = InterruptNumber(0x80)
)

// exceptionRange is the top of the CPU-defined exception vector space.
const exceptionRange = 32

// Handler is invoked with interrupts masked whenever its registered
// interrupt number occurs. Mutations to the frame are restored into the
// interrupted context when the trap returns; installing a different context
// into the frame performs a context switch.
type Handler func(*cpu.Registers)

// Gate dispatches machine traps to registered handlers.
type Gate struct {
	handlers [256]Handler

	// spurious counts delivered IRQ vectors that no driver claimed.
	spurious uint64
}

// New returns a Gate wired as the machine's trap handler. All slots start
// empty and must be claimed via HandleInterrupt before the corresponding
// vector fires.
func New(m *cpu.Machine) *Gate {
	g := &Gate{}
	m.SetTrapHandler(g.Dispatch)
	return g
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs.
func (g *Gate) HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	g.handlers[intNumber] = handler
}

// Spurious returns the number of IRQ deliveries that found no handler.
func (g *Gate) Spurious() uint64 {
	return g.spurious
}

// Dispatch routes an incoming trap to the registered handler. An exception
// or syscall entry without a handler is fatal: the faulting context is
// dumped and the kernel halts. An IRQ without a handler is counted and
// dropped, matching a masked PIC line.
func (g *Gate) Dispatch(vector uint8, frame *cpu.Registers) {
	if handler := g.handlers[vector]; handler != nil {
		handler(frame)
		return
	}

	if vector >= exceptionRange && vector != uint8(SyscallInterrupt) {
		g.spurious++
		return
	}

	kfmt.Printf("\n%s (vector: %d, info: %x)\n", exceptionName(InterruptNumber(vector)), vector, frame.Info)
	kfmt.Printf("Registers:\n")
	frame.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(errUnhandledTrap)
}

// exceptionName maps an exception vector to a printable mnemonic.
func exceptionName(intNumber InterruptNumber) string {
	switch intNumber {
	case DivideByZero:
		return "divide by zero"
	case NMI:
		return "non-maskable interrupt"
	case Breakpoint:
		return "breakpoint"
	case Overflow:
		return "overflow"
	case BoundRangeExceeded:
		return "bound range exceeded"
	case InvalidOpcode:
		return "invalid opcode"
	case DeviceNotAvailable:
		return "device not available"
	case DoubleFault:
		return "double fault"
	case InvalidTSS:
		return "invalid TSS"
	case SegmentNotPresent:
		return "segment not present"
	case StackSegmentFault:
		return "stack segment fault"
	case GPFException:
		return "general protection fault"
	case PageFaultException:
		return "page fault"
	case FloatingPointException:
		return "floating point exception"
	case AlignmentCheck:
		return "alignment check"
	case MachineCheck:
		return "machine check"
	case SIMDFloatingPointException:
		return "SIMD floating point exception"
	case SyscallInterrupt:
		return "syscall"
	default:
		return "unknown exception"
	}
}
