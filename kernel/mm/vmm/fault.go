package vmm

import (
	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/kfmt"
	"github.com/keitagame/romanticos/kernel/mm"
)

// Page fault error code bits pushed by the CPU.
const (
	pfPresent uint64 = 1 << iota
	pfWrite
	pfUser
)

var errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page fault could not be resolved"}

// FaultFromUserMode reports whether the error code describes a user-mode
// access. Kernel-mode faults are never recoverable.
func FaultFromUserMode(errorCode uint64) bool {
	return errorCode&pfUser != 0
}

// HandleFault attempts to repair the page fault described by faultAddr and
// errorCode against this address space. The only recoverable fault is a
// write to a present page that carries the copy-on-write flag: such pages
// still share the reserved zeroed frame and receive a private writable frame
// on their first store. HandleFault returns true if the faulting access can
// be restarted.
func (s *AddressSpace) HandleFault(faultAddr uintptr, errorCode uint64) bool {
	if errorCode&(pfPresent|pfWrite) != pfPresent|pfWrite {
		return false
	}

	pte, err := s.pteForAddress(faultAddr)
	if err != nil || !pte.HasFlags(FlagCopyOnWrite) {
		return false
	}

	return s.backOnDemandPage(mm.PageFromAddress(faultAddr)) == nil
}

// backOnDemandPage replaces the shared zeroed frame behind page with a
// private writable frame, preserving the contents the page presented before
// the write. The copy-on-write flag is cleared so subsequent stores hit the
// private frame directly.
func (s *AddressSpace) backOnDemandPage(page mm.Page) *kernel.Error {
	var (
		err       *kernel.Error
		origFrame mm.Frame
	)

	s.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 {
			return true
		}

		origFrame = pte.Frame()

		var newFrame mm.Frame
		if newFrame, err = s.frames.AllocFrame(); err != nil {
			return false
		}

		// Preserve the page contents. The source is normally the
		// reserved zeroed frame but a copy keeps the path correct for
		// any read-only CoW source.
		var buf [64]byte
		for off := uintptr(0); off < mm.PageSize; off += uintptr(len(buf)) {
			s.m.ReadPhys(origFrame.Address()+off, buf[:])
			s.m.WritePhys(newFrame.Address()+off, buf[:])
		}

		pte.ClearFlags(FlagCopyOnWrite)
		pte.SetFrame(newFrame)
		pte.SetFlags(FlagPresent | FlagRW)
		s.m.FlushTLBEntry(page.Address())
		return true
	})

	if err != nil {
		return err
	}

	if origFrame != s.zeroFrame {
		s.frames.FreeFrame(origFrame)
	}

	return nil
}

// ReportFault prints a description of an unresolvable page fault together
// with a dump of the interrupted register state and then panics. It never
// returns.
func ReportFault(faultAddr uintptr, errorCode uint64, regs *cpu.Registers) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddr)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == pfPresent:
		kfmt.Printf("read from protected page")
	case errorCode == pfWrite:
		kfmt.Printf("write to non-present page")
	case errorCode&(pfPresent|pfWrite) == pfPresent|pfWrite:
		kfmt.Printf("write to protected page")
	default:
		kfmt.Printf("unknown/reserved")
	}
	if errorCode&pfUser != 0 {
		kfmt.Printf(" (user mode)")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	kfmt.Panic(errUnrecoverableFault)
}
