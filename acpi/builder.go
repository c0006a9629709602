package acpi

// OEMID and OEMTableID are the fixed ASCII identifiers AxVM stamps
// into every table it builds.
const (
	OEMID      = "AXVM  "
	OEMTableID = "AXVMTBL "
)

// Build lays out the RSDP, RSDT, and MADT for a VM with the given
// vCPU count into mem starting at Addr, in that order, each table
// immediately following the previous one's bytes. It returns the
// number of bytes written.
func Build(mem []byte, vcpus int) (int, error) {
	madt := NewMADT(OEMID, OEMTableID)
	for i := 0; i < vcpus; i++ {
		madt.AddCPU(uint8(i))
	}

	madtBytes, err := madt.ToBytes()
	if err != nil {
		return 0, err
	}

	rsdp := NewRSDP(OEMID, 0) // patched below once the RSDT address is known
	rsdpBytes, err := rsdp.ToBytes()
	if err != nil {
		return 0, err
	}

	rsdtAddr := Addr + uint32(len(rsdpBytes))
	madtAddr := rsdtAddr + 36 // RSDT header+entries length, filled below

	rsdt := NewRSDT(OEMID, OEMTableID)
	rsdt.AddEntry(madtAddr)

	rsdtBytes, err := rsdt.ToBytes()
	if err != nil {
		return 0, err
	}

	// AddEntry grew the RSDT past the 36-byte header-only guess above
	// (to 40 bytes for one entry), so the MADT address is recomputed
	// from the real RSDT length.
	madtAddr = rsdtAddr + uint32(len(rsdtBytes))
	rsdt.Entries[0] = madtAddr

	rsdtBytes, err = rsdt.ToBytes()
	if err != nil {
		return 0, err
	}

	rsdp = NewRSDP(OEMID, rsdtAddr)

	rsdpBytes, err = rsdp.ToBytes()
	if err != nil {
		return 0, err
	}

	off := 0
	off += copy(mem[Addr+off:], rsdpBytes)
	off += copy(mem[Addr+off:], rsdtBytes)
	off += copy(mem[Addr+off:], madtBytes)

	return off, nil
}
