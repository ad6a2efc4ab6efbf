package cpu

// Emulated I/O port map. The PIT channel 0 countdown drives IRQ line 0, the
// keyboard controller feeds scancodes to IRQ line 1 and the primary PIC
// accepts end-of-interrupt writes.
const (
	portPICCommand = 0x20
	portPITChan0   = 0x40
	portPITCommand = 0x43
	portKbdData    = 0x60

	picEOI = 0x20
)

// PortWriteByte writes a uint8 value to the requested port. Writes to ports
// that are not backed by an emulated device are dropped, matching a write to
// an unpopulated bus address.
func (m *Machine) PortWriteByte(port uint16, val uint8) {
	switch port {
	case portPITCommand:
		m.pitCommand = val
		m.pitAwaitHi = false
	case portPITChan0:
		// lobyte/hibyte access mode: the divisor latches once both
		// halves have been written.
		if !m.pitAwaitHi {
			m.pitLowByte = val
			m.pitAwaitHi = true
		} else {
			m.pitDivisor = uint16(val)<<8 | uint16(m.pitLowByte)
			m.pitAwaitHi = false
		}
	case portPICCommand:
		if val == picEOI {
			m.eoiCount++
		}
	}
}

// PortReadByte reads a uint8 value from the requested port. Reads from ports
// that are not backed by an emulated device float high.
func (m *Machine) PortReadByte(port uint16) uint8 {
	switch port {
	case portKbdData:
		if len(m.kbdScancode) == 0 {
			return 0
		}
		sc := m.kbdScancode[0]
		m.kbdScancode = m.kbdScancode[1:]
		return sc
	default:
		return 0xff
	}
}

// PressKey queues a keyboard scancode and asserts IRQ line 1, mirroring a
// key event arriving at the keyboard controller.
func (m *Machine) PressKey(scancode uint8) {
	m.kbdScancode = append(m.kbdScancode, scancode)
	m.RaiseIRQ(1)
}

// PITDivisor returns the currently latched PIT channel 0 divisor.
func (m *Machine) PITDivisor() uint16 {
	return m.pitDivisor
}

// EOICount returns the number of end-of-interrupt commands the PIC has
// accepted.
func (m *Machine) EOICount() uint64 {
	return m.eoiCount
}
