// Package acpi builds the handful of ACPi tables AxVM exposes to the
// guest kernel at the canonical BIOS window: an RSDP, an RSDT, and a
// MADT enumerating one Processor Local APIC per running vCPU.
package acpi

// Signature is a 4-character ACPI table signature ("RSDT", "APIC", ...).
type Signature string

// ToBytes renders the signature as the fixed 4-byte array every ACPI
// table header embeds.
func (s Signature) ToBytes() [4]byte {
	var ret [4]byte

	for i := 0; i < 4; i++ {
		ret[i] = s[i]
	}

	return ret
}

const (
	SigRSDT Signature = "RSDT"
	SigAPIC Signature = "APIC" // MADT
	SigFACP Signature = "FACP" // FADT
)

// Header is the common 36-byte ACPI table header shared by RSDT, MADT,
// FADT, and every other table except the RSDP (which predates it).
type Header struct {
	Signature  [4]byte
	Length     uint32
	Rev        uint8
	Checksum   uint8
	OEMId      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

const creatorID = "AxVM"

func convertOEMID(oemID string) [6]byte {
	var id [6]byte

	copy(id[:], oemID)

	return id
}

func convertOEMTableID(oemTableID string) [8]byte {
	var id [8]byte

	copy(id[:], oemTableID)

	return id
}

func newHeader(sig Signature, length uint32, rev uint8, oemID, oemTableID string) Header {
	var cid [4]byte
	copy(cid[:], creatorID)

	return Header{
		Signature:  sig.ToBytes(),
		Length:     length,
		Rev:        rev,
		OEMId:      convertOEMID(oemID),
		OEMTableID: convertOEMTableID(oemTableID),
		CreatorID:  cid,
		CreatorRev: 1,
	}
}

// checksum8 computes the ACPI table checksum byte: the value that,
// added to the sum of every other byte in the table, makes the total
// sum zero mod 256 (two's complement of the running sum).
func checksum8(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}

	return uint8(-int8(sum))
}
