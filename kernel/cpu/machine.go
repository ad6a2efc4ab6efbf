package cpu

import (
	"encoding/binary"
	"io"
)

const (
	pageSize = 4096

	// pageLevels is the number of page table levels walked during address
	// translation.
	pageLevels = 4

	// ptePhysPageMask is the bit mask for extracting the physical frame
	// address from a page table entry.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	pteFlagPresent  = uint64(1 << 0)
	pteFlagWritable = uint64(1 << 1)
	pteFlagUser     = uint64(1 << 2)

	// Page fault error code bits pushed by the machine when raising a
	// page fault.
	pfErrPresent = uint64(1 << 0)
	pfErrWrite   = uint64(1 << 1)
	pfErrUser    = uint64(1 << 2)

	// IRQ lines are delivered through vectors irqBase + line.
	irqBase = 32

	vecPageFault = 14
	vecSyscall   = 0x80
)

// TrapHandler is invoked by the machine with interrupts masked whenever an
// exception, IRQ or syscall entry occurs. The frame holds the interrupted
// context; mutations to it are restored into the live register file when the
// handler returns.
type TrapHandler func(vector uint8, frame *Registers)

// Machine models a single-core x86_64 CPU together with its physical memory,
// the PIT/PIC pair and a serial console. It is the only place in the kernel
// that touches raw memory or device state; everything above it operates
// through the contracts exposed here.
//
// The machine does not fetch or execute instructions. User-mode execution is
// driven externally through Syscall, ReadUser, WriteUser and Tick which
// reproduce the architectural side effects (trap entry, page fault raising
// with restart semantics, timer interrupts) those instructions would have.
type Machine struct {
	ram []byte

	// Regs is the live register file. Trap delivery snapshots it into a
	// Registers frame and restores the frame on return.
	Regs Registers

	cr2 uint64
	cr3 uintptr

	intsEnabled bool
	inTrap      bool
	trapHandler TrapHandler

	// pendingIRQ latches raised IRQ lines while interrupts are masked.
	pendingIRQ uint16

	pitCommand  uint8
	pitDivisor  uint16
	pitLowByte  uint8
	pitAwaitHi  bool
	eoiCount    uint64
	kbdScancode []uint8

	console io.Writer
}

// New returns a machine with memSize bytes of zeroed physical memory and the
// supplied console sink. memSize must be a non-zero multiple of the page
// size. Passing a nil console discards console output.
func New(memSize uintptr, console io.Writer) *Machine {
	if memSize == 0 || memSize%pageSize != 0 {
		panic("cpu: memory size must be a non-zero multiple of the page size")
	}

	if console == nil {
		console = io.Discard
	}

	return &Machine{
		ram:     make([]byte, memSize),
		console: console,
	}
}

// MemSize returns the amount of physical memory installed on the machine.
func (m *Machine) MemSize() uintptr {
	return uintptr(len(m.ram))
}

// ReadPhys copies len(p) bytes starting at physical address addr into p.
func (m *Machine) ReadPhys(addr uintptr, p []byte) {
	m.checkPhys(addr, uintptr(len(p)))
	copy(p, m.ram[addr:addr+uintptr(len(p))])
}

// WritePhys copies len(p) bytes from p into physical memory at addr.
func (m *Machine) WritePhys(addr uintptr, p []byte) {
	m.checkPhys(addr, uintptr(len(p)))
	copy(m.ram[addr:], p)
}

// ReadPhys64 reads a little-endian uint64 from physical address addr. The
// address must be 8-byte aligned.
func (m *Machine) ReadPhys64(addr uintptr) uint64 {
	m.checkPhys(addr, 8)
	if addr%8 != 0 {
		panic("cpu: unaligned 64-bit physical read")
	}
	return binary.LittleEndian.Uint64(m.ram[addr:])
}

// WritePhys64 writes a little-endian uint64 to physical address addr. The
// address must be 8-byte aligned.
func (m *Machine) WritePhys64(addr uintptr, v uint64) {
	m.checkPhys(addr, 8)
	if addr%8 != 0 {
		panic("cpu: unaligned 64-bit physical write")
	}
	binary.LittleEndian.PutUint64(m.ram[addr:], v)
}

// ZeroPhys clears size bytes of physical memory starting at addr.
func (m *Machine) ZeroPhys(addr, size uintptr) {
	m.checkPhys(addr, size)
	for i := addr; i < addr+size; i++ {
		m.ram[i] = 0
	}
}

func (m *Machine) checkPhys(addr, size uintptr) {
	if addr+size < addr || addr+size > uintptr(len(m.ram)) {
		panic("cpu: physical access outside installed memory")
	}
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	m.cr3 = pdtPhysAddr
}

// ActivePDT returns the physical address of the currently active page table.
func (m *Machine) ActivePDT() uintptr {
	return m.cr3
}

// ReadCR2 returns the value stored in the CR2 register. The machine loads
// CR2 with the faulting virtual address before raising a page fault.
func (m *Machine) ReadCR2() uint64 {
	return m.cr2
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address. The
// machine performs no translation caching so this only models the
// architectural requirement that changed entries must be flushed.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
}

// EnableInterrupts enables interrupt handling and delivers any IRQ lines
// that were latched while interrupts were masked.
func (m *Machine) EnableInterrupts() {
	m.intsEnabled = true
	m.deliverPending()
}

// DisableInterrupts disables interrupt handling. Raised IRQ lines are
// latched and delivered once interrupts are enabled again.
func (m *Machine) DisableInterrupts() {
	m.intsEnabled = false
}

// InterruptsEnabled returns true if the machine currently accepts IRQs.
func (m *Machine) InterruptsEnabled() bool {
	return m.intsEnabled
}

// SetTrapHandler installs the function the machine invokes to deliver
// exceptions, IRQs and syscall entries.
func (m *Machine) SetTrapHandler(fn TrapHandler) {
	m.trapHandler = fn
}

// RaiseIRQ asserts the given IRQ line. The interrupt is delivered
// immediately when interrupts are enabled and no trap is being serviced;
// otherwise it is latched until the machine unmasks.
func (m *Machine) RaiseIRQ(line uint8) {
	if line > 15 {
		panic("cpu: IRQ line out of range")
	}
	m.pendingIRQ |= 1 << line
	m.deliverPending()
}

// Halt stops instruction execution until the next interrupt arrives. With no
// latched IRQ the halt ends at the next timer pulse, so the PIT must have
// been programmed; halting with interrupts disabled would never wake up and
// is treated as a machine check.
func (m *Machine) Halt() {
	if !m.intsEnabled {
		panic("cpu: halted with interrupts disabled")
	}
	if m.pendingIRQ != 0 {
		m.deliverPending()
		return
	}
	if m.pitDivisor == 0 {
		panic("cpu: halted with no programmed timer")
	}
	m.Tick()
}

// Tick emits one PIT output pulse, raising IRQ line 0.
func (m *Machine) Tick() {
	m.RaiseIRQ(0)
}

// Syscall reproduces the effect of a user process executing int 0x80 with
// the given syscall number and arguments loaded into the architectural
// registers. It returns the RAX value of the context that is live once the
// trap handler returns; when the handler switched contexts this is the RAX
// of the newly scheduled process.
func (m *Machine) Syscall(num uint64, args [6]uint64) int64 {
	if m.inTrap {
		panic("cpu: syscall issued from trap context")
	}

	m.Regs.RAX = num
	m.Regs.RDI = args[0]
	m.Regs.RSI = args[1]
	m.Regs.RDX = args[2]
	m.Regs.R10 = args[3]
	m.Regs.R8 = args[4]
	m.Regs.R9 = args[5]

	m.deliver(vecSyscall, num)
	return int64(m.Regs.RAX)
}

// ReadUser reproduces a user-mode load from vaddr through the active page
// tables. A translation failure raises a page fault and retries the access
// once, mirroring the architectural restart semantics. The second return
// value is false when the faulting context was switched out instead of
// resumed.
func (m *Machine) ReadUser(vaddr uintptr) (byte, bool) {
	phys, ok := m.userAccess(vaddr, false)
	if !ok {
		return 0, false
	}

	var b [1]byte
	m.ReadPhys(phys, b[:])
	return b[0], true
}

// WriteUser reproduces a user-mode store of val to vaddr through the active
// page tables. Fault and restart behavior match ReadUser.
func (m *Machine) WriteUser(vaddr uintptr, val byte) bool {
	phys, ok := m.userAccess(vaddr, true)
	if !ok {
		return false
	}

	m.WritePhys(phys, []byte{val})
	return true
}

// userAccess translates a user-mode access, raising and retrying across at
// most one page fault.
func (m *Machine) userAccess(vaddr uintptr, write bool) (uintptr, bool) {
	if m.inTrap {
		panic("cpu: user access issued from trap context")
	}

	phys, errCode, ok := m.translate(vaddr, write, true)
	if ok {
		return phys, true
	}

	prevRoot := m.cr3
	m.cr2 = uint64(vaddr)
	m.deliver(vecPageFault, errCode)

	if m.cr3 != prevRoot {
		// The handler scheduled another context; the faulting access
		// is not restarted.
		return 0, false
	}

	phys, _, ok = m.translate(vaddr, write, true)
	if !ok {
		panic("cpu: page fault handler resumed without repairing the mapping")
	}
	return phys, true
}

// translate walks the active page tables for vaddr and returns the physical
// address it maps to. On failure it returns a page fault error code built
// from the access type.
func (m *Machine) translate(vaddr uintptr, write, user bool) (uintptr, uint64, bool) {
	var errCode uint64
	if write {
		errCode |= pfErrWrite
	}
	if user {
		errCode |= pfErrUser
	}

	table := m.cr3
	for level := 0; level < pageLevels; level++ {
		shift := uint(39 - level*9)
		idx := (uint64(vaddr) >> shift) & 0x1ff

		entry := m.ReadPhys64(table + uintptr(idx*8))
		if entry&pteFlagPresent == 0 {
			return 0, errCode, false
		}
		if user && entry&pteFlagUser == 0 {
			return 0, errCode | pfErrPresent, false
		}

		if level == pageLevels-1 {
			if write && entry&pteFlagWritable == 0 {
				return 0, errCode | pfErrPresent, false
			}
			phys := uintptr(entry&ptePhysPageMask) | (vaddr & (pageSize - 1))
			return phys, 0, true
		}

		table = uintptr(entry & ptePhysPageMask)
	}

	panic("cpu: unreachable")
}

// deliver enters a trap: it masks interrupts, snapshots the live register
// file into a frame, invokes the trap handler and performs the iretq side
// effects on return (frame restored, interrupt flag reloaded from the frame
// RFlags, latched IRQs delivered).
func (m *Machine) deliver(vector uint8, info uint64) {
	if m.trapHandler == nil {
		panic("cpu: trap raised with no handler installed")
	}
	if m.inTrap {
		panic("cpu: nested trap delivery")
	}

	m.inTrap = true
	m.intsEnabled = false

	frame := m.Regs
	frame.Info = info
	m.trapHandler(vector, &frame)
	m.Regs = frame

	m.inTrap = false
	m.intsEnabled = frame.RFlags&FlagIF != 0
	m.deliverPending()
}

// deliverPending delivers latched IRQ lines in priority order while
// interrupts remain enabled.
func (m *Machine) deliverPending() {
	for m.intsEnabled && !m.inTrap && m.pendingIRQ != 0 {
		var line uint8
		for ; line < 16; line++ {
			if m.pendingIRQ&(1<<line) != 0 {
				break
			}
		}
		m.pendingIRQ &^= 1 << line
		m.deliver(irqBase+line, uint64(line))
	}
}

// ConsoleWrite sends p to the machine console.
func (m *Machine) ConsoleWrite(p []byte) int {
	n, _ := m.console.Write(p)
	return n
}

// Console returns the console sink so boot code can point the kernel log at
// it.
func (m *Machine) Console() io.Writer {
	return m.console
}
