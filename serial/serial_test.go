package serial_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pedrortxdev/AxVM/serial"
)

type fakeIRQ struct {
	injected int
	err      error
}

func (f *fakeIRQ) InjectSerialIRQ() error {
	f.injected++

	return f.err
}

func TestHelloWritesExactBytesNoIRQ(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	irq := &fakeIRQ{}
	s := serial.New(irq, &out)

	for _, b := range []byte("HELLO\n") {
		if err := s.Out(serial.Base, []byte{b}); err != nil {
			t.Fatal(err)
		}
	}

	if out.String() != "HELLO\n" {
		t.Fatalf("stdout = %q, want %q", out.String(), "HELLO\n")
	}

	if irq.injected != 0 {
		t.Fatalf("injected %d IRQs, want 0", irq.injected)
	}
}

func TestPushInputRoundTrip(t *testing.T) {
	t.Parallel()

	irq := &fakeIRQ{}
	s := serial.New(irq, &bytes.Buffer{})

	if err := s.PushInput('x'); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)
	if err := s.In(serial.Base, buf); err != nil {
		t.Fatal(err)
	}

	if buf[0] != 'x' {
		t.Fatalf("RBR = %q, want 'x'", buf[0])
	}

	// FIFO now empty: LSR.DR must be clear.
	lsr := make([]byte, 1)
	if err := s.In(serial.Base+5, lsr); err != nil {
		t.Fatal(err)
	}

	if lsr[0]&0x1 != 0 {
		t.Fatal("LSR.DR set after FIFO drained")
	}
}

func TestPushInputInjectsIRQOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	irq := &fakeIRQ{}
	s := serial.New(irq, &bytes.Buffer{})

	if err := s.PushInput('a'); err != nil {
		t.Fatal(err)
	}

	if irq.injected != 0 {
		t.Fatalf("injected %d IRQs before IER enabled, want 0", irq.injected)
	}

	if err := s.Out(serial.Base+1, []byte{0x01}); err != nil { // enable RX IRQ
		t.Fatal(err)
	}

	if err := s.PushInput('b'); err != nil {
		t.Fatal(err)
	}

	if irq.injected != 1 {
		t.Fatalf("injected %d IRQs after IER enabled, want 1", irq.injected)
	}
}

func TestLSRAlwaysReportsTHREmpty(t *testing.T) {
	t.Parallel()

	s := serial.New(&fakeIRQ{}, &bytes.Buffer{})

	lsr := make([]byte, 1)
	if err := s.In(serial.Base+5, lsr); err != nil {
		t.Fatal(err)
	}

	if lsr[0]&0x20 == 0 || lsr[0]&0x40 == 0 {
		t.Fatalf("LSR = %#x, want THRE and TEMT set", lsr[0])
	}
}

func TestPushInputDropsWhenFIFOFull(t *testing.T) {
	t.Parallel()

	s := serial.New(&fakeIRQ{}, &bytes.Buffer{})

	for i := 0; i < 32; i++ {
		if err := s.PushInput(byte(i)); err != nil {
			t.Fatal(err)
		}
	}

	buf := make([]byte, 1)

	first, err := firstByte(s, buf)
	if err != nil {
		t.Fatal(err)
	}

	if first != 0 {
		t.Fatalf("first queued byte = %d, want 0 (FIFO should keep the oldest 16)", first)
	}
}

func firstByte(s *serial.Serial, buf []byte) (byte, error) {
	err := s.In(serial.Base, buf)

	return buf[0], err
}

func TestIRQErrorPropagates(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("irqchip busy")
	irq := &fakeIRQ{err: wantErr}
	s := serial.New(irq, &bytes.Buffer{})

	if err := s.Out(serial.Base+1, []byte{0x01}); err != nil {
		t.Fatal(err)
	}

	if err := s.PushInput('z'); !errors.Is(err, wantErr) {
		t.Fatalf("PushInput error = %v, want %v", err, wantErr)
	}
}
