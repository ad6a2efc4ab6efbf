// Package kbd drives the PS/2 keyboard controller. Scancodes arriving on
// IRQ line 1 are decoded (set 1, US layout) into bytes buffered for
// consumption by descriptor 0 reads.
package kbd

import (
	"io"

	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/gate"
	"github.com/keitagame/romanticos/kernel/kfmt"
)

const (
	portData   = 0x60
	portPICCmd = 0x20

	picEOI = 0x20

	bufferSize = 256

	scBreakBit   = 0x80
	scLeftShift  = 0x2a
	scRightShift = 0x36
	scExtended   = 0xe0
)

// Scancode set 1 make codes indexed straight into the layout tables. Slots
// holding NUL are modifiers or keys without a byte representation.
const (
	keymapLower = "\x00\x1b1234567890-=\x08\tqwertyuiop[]\n\x00asdfghjkl;'`\x00\\zxcvbnm,./\x00*\x00 "
	keymapUpper = "\x00\x1b!@#$%^&*()_+\x08\tQWERTYUIOP{}\n\x00ASDFGHJKL:\"~\x00|ZXCVBNM<>?\x00*\x00 "
)

// Device is the PS/2 keyboard driver.
type Device struct {
	m *cpu.Machine
	g *gate.Gate

	buf   [bufferSize]byte
	head  int
	count int

	shift    bool
	extended bool

	// dropped counts bytes discarded because the buffer was full.
	dropped uint64
}

// NewDevice returns a keyboard driver. The device buffers nothing until
// DriverInit claims the keyboard vector.
func NewDevice(m *cpu.Machine, g *gate.Gate) *Device {
	return &Device{m: m, g: g}
}

// DriverName returns the name of the driver.
func (d *Device) DriverName() string {
	return "i8042"
}

// DriverVersion returns the driver version.
func (d *Device) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit claims the keyboard interrupt vector.
func (d *Device) DriverInit(w io.Writer) *kernel.Error {
	d.g.HandleInterrupt(gate.KeyboardInterrupt, d.onKey)
	kfmt.Fprintf(w, "scancode set 1, US layout\n")
	return nil
}

// HasData returns true when at least one decoded byte is buffered.
func (d *Device) HasData() bool {
	return d.count > 0
}

// Dropped returns the number of decoded bytes discarded on buffer overflow.
func (d *Device) Dropped() uint64 {
	return d.dropped
}

// ReadBytes drains up to len(p) buffered bytes into p and returns how many
// were copied. It never blocks; an empty buffer reads zero bytes.
func (d *Device) ReadBytes(p []byte) int {
	var n int
	for n < len(p) && d.count > 0 {
		p[n] = d.buf[d.head]
		d.head = (d.head + 1) % bufferSize
		d.count--
		n++
	}
	return n
}

// onKey services one keyboard interrupt: fetch the scancode from the
// controller, decode it and acknowledge the PIC.
func (d *Device) onKey(frame *cpu.Registers) {
	sc := d.m.PortReadByte(portData)
	d.decode(sc)
	d.m.PortWriteByte(portPICCmd, picEOI)
}

// decode tracks modifier state and turns make codes into buffered bytes.
// Extended (0xE0-prefixed) keys have no byte representation and are
// swallowed.
func (d *Device) decode(sc uint8) {
	if sc == scExtended {
		d.extended = true
		return
	}
	if d.extended {
		d.extended = false
		return
	}

	code := sc &^ uint8(scBreakBit)
	if code == scLeftShift || code == scRightShift {
		d.shift = sc&scBreakBit == 0
		return
	}
	if sc&scBreakBit != 0 {
		return
	}
	if int(code) >= len(keymapLower) {
		return
	}

	keymap := keymapLower
	if d.shift {
		keymap = keymapUpper
	}

	ch := keymap[code]
	if ch == 0 {
		return
	}
	d.push(ch)
}

func (d *Device) push(ch byte) {
	if d.count == bufferSize {
		d.dropped++
		return
	}
	d.buf[(d.head+d.count)%bufferSize] = ch
	d.count++
}
