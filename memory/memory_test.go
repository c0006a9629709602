package memory_test

import (
	"bytes"
	"testing"

	"github.com/pedrortxdev/AxVM/memory"
	"github.com/pedrortxdev/AxVM/vmerr"
)

func TestNewTooSmall(t *testing.T) {
	t.Parallel()

	if _, err := memory.New(1<<20, nil); err == nil {
		t.Fatal("expected error for undersized request")
	}
}

func TestNewRoundsUpAndRegisters(t *testing.T) {
	t.Parallel()

	g, err := memory.New(memory.MinSize+1, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	if g.Size()%(2<<20) != 0 {
		t.Fatalf("size %d not 2MiB aligned", g.Size())
	}

	if g.Registered() {
		t.Fatal("expected fresh memory to be unregistered")
	}

	g.MarkRegistered()

	if !g.Registered() {
		t.Fatal("expected MarkRegistered to stick")
	}
}

func TestMarkRegisteredTwicePanics(t *testing.T) {
	t.Parallel()

	g, err := memory.New(memory.MinSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	g.MarkRegistered()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double registration")
		}
	}()

	g.MarkRegistered()
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	g, err := memory.New(memory.MinSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	want := bytes.Repeat([]byte{0xAB}, 512)
	if err := g.Write(0x1000, want); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 512)
	if err := g.Read(0x1000, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(want, got) {
		t.Fatalf("round trip mismatch")
	}
}

func TestOutOfBounds(t *testing.T) {
	t.Parallel()

	m := vmerr.NewMetrics()

	g, err := memory.New(memory.MinSize, m)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	buf := make([]byte, 16)
	if err := g.Read(uint64(g.Size()-8), buf); err == nil {
		t.Fatal("expected out-of-bounds error")
	}

	if m.Count(vmerr.MemoryOutOfBounds) != 1 {
		t.Fatalf("expected 1 MemoryOutOfBounds, got %d", m.Count(vmerr.MemoryOutOfBounds))
	}
}

func TestSliceExactBoundary(t *testing.T) {
	t.Parallel()

	g, err := memory.New(memory.MinSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	s, err := g.Slice(uint64(g.Size()-16), 16)
	if err != nil {
		t.Fatal(err)
	}

	if len(s) != 16 {
		t.Fatalf("got len %d", len(s))
	}
}
