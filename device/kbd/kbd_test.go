package kbd

import (
	"io"
	"testing"

	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/gate"
)

func newTestDevice(t *testing.T) (*cpu.Machine, *Device) {
	t.Helper()

	m := cpu.New(1<<20, io.Discard)
	g := gate.New(m)

	d := NewDevice(m, g)
	if err := d.DriverInit(io.Discard); err != nil {
		t.Fatal(err)
	}

	m.Regs.RFlags = cpu.DefaultRFlags
	m.EnableInterrupts()
	return m, d
}

func drain(d *Device) string {
	var buf [bufferSize]byte
	n := d.ReadBytes(buf[:])
	return string(buf[:n])
}

func TestScancodeDecoding(t *testing.T) {
	specs := []struct {
		scancodes []uint8
		exp       string
	}{
		// make codes for h, i
		{[]uint8{0x23, 0x17}, "hi"},
		// break codes produce nothing
		{[]uint8{0x23, 0xa3}, "h"},
		// shift make, h, shift break, h
		{[]uint8{0x2a, 0x23, 0xaa, 0x23}, "Hh"},
		// right shift applies to digits
		{[]uint8{0x36, 0x02, 0xb6, 0x02}, "!1"},
		// enter, space, backspace
		{[]uint8{0x1c, 0x39, 0x0e}, "\n \x08"},
		// extended keys are swallowed without eating the next code
		{[]uint8{0xe0, 0x48, 0x1e}, "a"},
		// bare modifiers produce nothing
		{[]uint8{0x1d, 0x38}, ""},
		// out of table range
		{[]uint8{0x7f}, ""},
	}

	for specIndex, spec := range specs {
		m, d := newTestDevice(t)

		for _, sc := range spec.scancodes {
			m.PressKey(sc)
		}

		if got := drain(d); got != spec.exp {
			t.Errorf("[spec %d] expected to decode %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestReadBytesDrainsIncrementally(t *testing.T) {
	m, d := newTestDevice(t)

	for _, sc := range []uint8{0x1e, 0x30, 0x2e} {
		m.PressKey(sc)
	}

	var buf [2]byte
	if n := d.ReadBytes(buf[:]); n != 2 || string(buf[:n]) != "ab" {
		t.Fatalf("expected to read %q; got %q", "ab", string(buf[:n]))
	}
	if !d.HasData() {
		t.Fatal("expected one byte left in the buffer")
	}
	if n := d.ReadBytes(buf[:]); n != 1 || buf[0] != 'c' {
		t.Fatalf("expected to read the trailing c; got %q", string(buf[:n]))
	}
	if d.HasData() {
		t.Fatal("expected an empty buffer after the final read")
	}
	if n := d.ReadBytes(buf[:]); n != 0 {
		t.Fatalf("expected an empty read to return 0; got %d", n)
	}
}

func TestBufferOverflowDropsBytes(t *testing.T) {
	m, d := newTestDevice(t)

	// the a key; one make per press
	for i := 0; i < bufferSize+3; i++ {
		m.PressKey(0x1e)
	}

	if got := d.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped bytes on overflow; got %d", got)
	}

	var buf [bufferSize + 3]byte
	if n := d.ReadBytes(buf[:]); n != bufferSize {
		t.Fatalf("expected a full buffer of %d bytes; got %d", bufferSize, n)
	}
}

func TestKeyEventsAcknowledgeThePIC(t *testing.T) {
	m, d := newTestDevice(t)

	m.PressKey(0x23)
	m.PressKey(0xa3)

	if got := m.EOICount(); got != 2 {
		t.Fatalf("expected one EOI per key event; got %d", got)
	}
	if got := drain(d); got != "h" {
		t.Fatalf("expected only the make code to buffer a byte; got %q", got)
	}
}
