package acpi_test

import (
	"testing"

	"github.com/pedrortxdev/AxVM/acpi"
)

func sumMod256(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}

	return sum
}

func TestRSDPChecksumZero(t *testing.T) {
	t.Parallel()

	rsdp := acpi.NewRSDP("AXVM  ", 0x100000)

	raw, err := rsdp.ToBytes()
	if err != nil {
		t.Fatal(err)
	}

	if sumMod256(raw) != 0 {
		t.Fatalf("RSDP checksum invariant violated, sum=%d", sumMod256(raw))
	}
}

func TestRSDTChecksumZero(t *testing.T) {
	t.Parallel()

	rsdt := acpi.NewRSDT("AXVM  ", "AXVMTBL ")
	rsdt.AddEntry(0x100100)

	raw, err := rsdt.ToBytes()
	if err != nil {
		t.Fatal(err)
	}

	if sumMod256(raw) != 0 {
		t.Fatalf("RSDT checksum invariant violated, sum=%d", sumMod256(raw))
	}
}

func TestMADTChecksumZero(t *testing.T) {
	t.Parallel()

	madt := acpi.NewMADT("AXVM  ", "AXVMTBL ")
	for i := 0; i < 4; i++ {
		madt.AddCPU(uint8(i))
	}

	raw, err := madt.ToBytes()
	if err != nil {
		t.Fatal(err)
	}

	if sumMod256(raw) != 0 {
		t.Fatalf("MADT checksum invariant violated, sum=%d", sumMod256(raw))
	}
}

func TestMADTCPUCount(t *testing.T) {
	t.Parallel()

	madt := acpi.NewMADT("AXVM  ", "AXVMTBL ")
	for i := 0; i < 4; i++ {
		madt.AddCPU(uint8(i))
	}

	if len(madt.CPUs) != 4 {
		t.Fatalf("len(CPUs) = %d, want 4", len(madt.CPUs))
	}

	seen := map[uint8]bool{}

	for _, cpu := range madt.CPUs {
		if cpu.Flags != 1 {
			t.Fatalf("CPU %d flags = %d, want 1", cpu.APICId, cpu.Flags)
		}

		seen[cpu.APICId] = true
	}

	for i := uint8(0); i < 4; i++ {
		if !seen[i] {
			t.Fatalf("missing apic_id %d", i)
		}
	}
}

func TestSignatureToBytesCopiesAllFourChars(t *testing.T) {
	t.Parallel()

	got := acpi.SigAPIC.ToBytes()
	want := [4]byte{'A', 'P', 'I', 'C'}

	if got != want {
		t.Fatalf("ToBytes() = %v, want %v", got, want)
	}
}

func TestBuildLaysOutRSDPThenRSDTThenMADT(t *testing.T) {
	t.Parallel()

	mem := make([]byte, acpi.Addr+0x10000)

	n, err := acpi.Build(mem, 2)
	if err != nil {
		t.Fatal(err)
	}

	if n == 0 {
		t.Fatal("Build wrote nothing")
	}

	sig := string(mem[acpi.Addr : acpi.Addr+8])
	if sig != "RSD PTR " {
		t.Fatalf("signature at Addr = %q, want RSD PTR", sig)
	}
}
