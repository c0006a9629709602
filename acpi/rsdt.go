package acpi

import (
	"bytes"
	"encoding/binary"
)

// RSDT is the Root System Description Table: a header followed by a
// list of 32-bit physical addresses of the other tables. AxVM's RSDT
// carries exactly one entry, pointing at the MADT.
type RSDT struct {
	Header
	Entries []uint32
}

// NewRSDT builds an empty RSDT; use AddEntry to point it at the MADT.
func NewRSDT(oemID, oemTableID string) RSDT {
	return RSDT{Header: newHeader(SigRSDT, 36, 1, oemID, oemTableID)}
}

// AddEntry appends the guest-physical address of another ACPI table.
func (r *RSDT) AddEntry(addr uint32) {
	r.Entries = append(r.Entries, addr)
	r.Header.Length = 36 + uint32(len(r.Entries))*4
}

// ToBytes renders the RSDT with Header.Checksum filled in so the sum
// of all its bytes is zero.
func (r RSDT) ToBytes() ([]byte, error) {
	r.Header.Checksum = 0

	raw, err := r.rawBytes()
	if err != nil {
		return nil, err
	}

	r.Header.Checksum = checksum8(raw)

	return r.rawBytes()
}

func (r RSDT) rawBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, r.Header); err != nil {
		return nil, err
	}

	for _, addr := range r.Entries {
		if err := binary.Write(&buf, binary.LittleEndian, addr); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
