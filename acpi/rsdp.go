package acpi

import (
	"bytes"
	"encoding/binary"
)

// Addr is the fixed guest-physical address of the whole ACPI block:
// the RSDP, with the RSDT and MADT immediately following it.
const Addr = 0xE0000

const rsdpSignature = "RSD PTR "

// RSDP is the ACPI 1.0-compatible Root System Description Pointer:
// 20 bytes, found by the guest kernel by scanning the BIOS window for
// its 8-byte signature.
type RSDP struct {
	Signature   [8]byte
	Checksum    uint8
	OEMId       [6]byte
	Revision    uint8
	RSDTAddress uint32
}

// NewRSDP builds an RSDP pointing at rsdtAddr, with revision 0 (the
// legacy, XSDT-free form spec.md calls for).
func NewRSDP(oemID string, rsdtAddr uint32) RSDP {
	var sig [8]byte
	copy(sig[:], rsdpSignature)

	return RSDP{
		Signature:   sig,
		OEMId:       convertOEMID(oemID),
		Revision:    0,
		RSDTAddress: rsdtAddr,
	}
}

// ToBytes renders the RSDP with its checksum already filled in.
func (r RSDP) ToBytes() ([]byte, error) {
	r.Checksum = 0

	raw, err := r.rawBytes()
	if err != nil {
		return nil, err
	}

	r.Checksum = checksum8(raw)

	return r.rawBytes()
}

func (r RSDP) rawBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
