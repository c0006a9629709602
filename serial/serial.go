// Package serial emulates an 8250-compatible UART wired to COM1,
// bridging the guest's console to the host's standard input/output.
package serial

import (
	"fmt"
	"io"
)

// Base and Size describe the 8-byte PIO window this device claims.
const (
	Base = 0x3F8
	Size = 8
)

// fifoDepth is the 16-byte software RX FIFO spec.md calls for.
const fifoDepth = 16

// IER bits.
const (
	ierRXAvail = 1 << 0
	ierTHRE    = 1 << 1
)

// LSR bits.
const (
	lsrDR   = 1 << 0 // data ready
	lsrTHRE = 1 << 5 // transmit holding register empty
	lsrTEMT = 1 << 6 // transmitter empty
)

// LCR bit selecting the divisor-latch-access view of ports 0 and 1.
const lcrDLAB = 1 << 7

// IIR cause codes, high nibble set to indicate "FIFOs enabled" the way
// a 16550 always reports once FCR has been touched, matching what
// Linux's 8250 driver probes for.
const (
	iirNoInterrupt = 0xC1
	iirTHREmpty    = 0xC2
	iirRXAvailable = 0xC4
)

// IRQInjector raises the serial IRQ line on the shared irqchip. The VM
// orchestrator implements this and is handed to New.
type IRQInjector interface {
	InjectSerialIRQ() error
}

// Serial is one 8250 UART instance, claiming the COM1 port range.
type Serial struct {
	ier byte
	lcr byte
	fcr byte
	mcr byte

	rx    [fifoDepth]byte
	rxLen int

	irq IRQInjector
	out io.Writer
}

// New returns a Serial that writes transmitted bytes to out and
// raises IRQs (when enabled) through irq.
func New(irq IRQInjector, out io.Writer) *Serial {
	return &Serial{irq: irq, out: out}
}

func (s *Serial) dlab() bool {
	return s.lcr&lcrDLAB != 0
}

func (s *Serial) popRX() (byte, bool) {
	if s.rxLen == 0 {
		return 0, false
	}

	b := s.rx[0]
	copy(s.rx[:], s.rx[1:s.rxLen])
	s.rxLen--

	return b, true
}

// PushInput enqueues one byte from the host console into the RX
// FIFO, dropping it if the FIFO is full, and raises IRQ4 if RX
// interrupts are currently enabled.
func (s *Serial) PushInput(b byte) error {
	if s.rxLen < fifoDepth {
		s.rx[s.rxLen] = b
		s.rxLen++
	}

	if s.ier&ierRXAvail != 0 {
		return s.irq.InjectSerialIRQ()
	}

	return nil
}

func (s *Serial) iir() byte {
	switch {
	case s.rxLen > 0 && s.ier&ierRXAvail != 0:
		return iirRXAvailable
	case s.ier&ierTHRE != 0:
		return iirTHREmpty
	default:
		return iirNoInterrupt
	}
}

// In handles a PIO read from one of ports Base..Base+Size-1.
func (s *Serial) In(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch reg := port - Base; {
	case reg == 0 && s.dlab():
		data[0] = 0x0C // divisor latch low: 9600 baud
	case reg == 0:
		if b, ok := s.popRX(); ok {
			data[0] = b
		} else {
			data[0] = 0
		}
	case reg == 1 && s.dlab():
		data[0] = 0x00 // divisor latch high
	case reg == 1:
		data[0] = s.ier
	case reg == 2:
		data[0] = s.iir()
	case reg == 3:
		data[0] = s.lcr
	case reg == 4:
		data[0] = s.mcr
	case reg == 5:
		data[0] = lsrTHRE | lsrTEMT
		if s.rxLen > 0 {
			data[0] |= lsrDR
		}
	case reg == 6:
		data[0] = 0 // MSR: no modem signals asserted
	default:
		data[0] = 0
	}

	return nil
}

// Out handles a PIO write to one of ports Base..Base+Size-1.
func (s *Serial) Out(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch reg := port - Base; {
	case reg == 0 && s.dlab():
		// divisor latch low: accepted, baud emulation out of scope.
	case reg == 0:
		fmt.Fprintf(s.out, "%c", data[0])
	case reg == 1 && s.dlab():
		// divisor latch high: accepted, discarded.
	case reg == 1:
		s.ier = data[0]
	case reg == 2:
		s.fcr = data[0]
	case reg == 3:
		s.lcr = data[0]
	case reg == 4:
		s.mcr = data[0]
	default:
		// scratch/factory-test registers: accepted, discarded.
	}

	return nil
}
