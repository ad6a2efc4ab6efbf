package cpu

import (
	"io"

	"github.com/keitagame/romanticos/kernel/kfmt"
)

// RFlags bits used by the kernel. Bit 1 is reserved and always reads as set.
const (
	FlagReserved = uint64(1 << 1)
	FlagIF       = uint64(1 << 9)

	// DefaultRFlags is the flags value installed into freshly created
	// contexts: interrupts enabled, reserved bit set.
	DefaultRFlags = FlagReserved | FlagIF
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs. The machine copies its live register file into
// a Registers frame before invoking the trap handler and copies the frame
// back when the handler returns; trap handlers mutate the frame to change the
// interrupted context or to switch to another one.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ line for HW interrupts.
	Info uint64

	// The return frame restored when the trap handler returns.
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}
