// Package pit drives the 8254 programmable interval timer. Channel 0 is
// programmed as the system tick source: every pulse advances the monotonic
// tick counter, wakes expired sleepers and feeds the scheduler preemption
// hook.
package pit

import (
	"io"

	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/gate"
	"github.com/keitagame/romanticos/kernel/kfmt"
	"github.com/keitagame/romanticos/kernel/sched"
)

const (
	portCommand = 0x43
	portChan0   = 0x40
	portPICCmd  = 0x20

	// cmdSquareWave selects channel 0, lobyte/hibyte access and mode 3.
	cmdSquareWave = 0x36

	picEOI = 0x20

	// baseHz is the fixed input clock of the 8254.
	baseHz = 1193182
)

var (
	errZeroFrequency    = &kernel.Error{Module: "pit", Message: "tick frequency must not be zero"}
	errDivisorOverflow  = &kernel.Error{Module: "pit", Message: "tick frequency below the divisor range"}
	errMissingScheduler = &kernel.Error{Module: "pit", Message: "no scheduler attached"}
)

// Device is the PIT channel 0 driver.
type Device struct {
	m *cpu.Machine
	g *gate.Gate
	s *sched.Scheduler

	hz      uint32
	divisor uint16
	ticks   uint64
}

// NewDevice returns a PIT driver that fires hz times per emulated second.
// The device is inert until DriverInit programs the divisor and claims the
// timer vector.
func NewDevice(m *cpu.Machine, g *gate.Gate, s *sched.Scheduler, hz uint32) *Device {
	return &Device{m: m, g: g, s: s, hz: hz}
}

// DriverName returns the name of the driver.
func (d *Device) DriverName() string {
	return "pit8254"
}

// DriverVersion returns the driver version.
func (d *Device) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit programs channel 0 with the divisor for the configured tick
// frequency and claims the timer interrupt vector.
func (d *Device) DriverInit(w io.Writer) *kernel.Error {
	if d.hz == 0 {
		return errZeroFrequency
	}
	if d.s == nil {
		return errMissingScheduler
	}

	divisor := uint32(baseHz) / d.hz
	if divisor == 0 || divisor > 0xffff {
		return errDivisorOverflow
	}
	d.divisor = uint16(divisor)

	d.m.PortWriteByte(portCommand, cmdSquareWave)
	d.m.PortWriteByte(portChan0, uint8(divisor))
	d.m.PortWriteByte(portChan0, uint8(divisor>>8))

	d.g.HandleInterrupt(gate.TimerInterrupt, d.onTick)

	kfmt.Fprintf(w, "ticking at %d Hz (divisor %d)\n", d.hz, d.divisor)
	return nil
}

// Ticks returns the number of timer pulses seen since boot.
func (d *Device) Ticks() uint64 {
	return d.ticks
}

// UptimeMillis returns the milliseconds elapsed since the timer was
// programmed, derived from the tick counter.
func (d *Device) UptimeMillis() uint64 {
	return d.ticks * 1000 / uint64(d.hz)
}

// onTick services one timer interrupt: advance the clock, wake sleepers
// whose deadline passed, let the scheduler charge the running process and
// acknowledge the PIC.
func (d *Device) onTick(frame *cpu.Registers) {
	d.ticks++

	d.s.WakeSleepers(d.ticks)
	d.s.OnTick(frame)

	d.m.PortWriteByte(portPICCmd, picEOI)
}
