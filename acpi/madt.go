package acpi

import (
	"bytes"
	"encoding/binary"
)

// LocalAPICAddress is the memory-mapped local APIC base every MADT
// this package builds advertises, matching the architectural default
// guest kernels expect absent an override.
const LocalAPICAddress = 0xFEE00000

// MADT flags bit: set when the machine also has a legacy dual-8259
// PIC that software must disable before using the APIC.
const pcatCompat = 1 << 0

const localAPICEnabled = 1 << 0

// LocalAPIC is a Processor Local APIC MADT entry: one per vCPU.
type LocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICId      uint8
	Flags       uint32
}

// NewLocalAPIC builds an enabled Processor Local APIC entry for the
// vCPU identified by id (used as both ACPI processor id and APIC id,
// matching spec's apic_id=acpi_id convention).
func NewLocalAPIC(id uint8) LocalAPIC {
	return LocalAPIC{
		Type:        0,
		Length:      8,
		ProcessorID: id,
		APICId:      id,
		Flags:       localAPICEnabled,
	}
}

// MADT is the Multiple APIC Description Table: a header, the local
// APIC base address and flags, followed by one LocalAPIC entry per
// vCPU AxVM actually runs (see spec's SMP Open Question — AP startup
// via SIPI is not implemented, so only running vCPUs are advertised).
type MADT struct {
	Header
	LocalAPICAddress uint32
	Flags            uint32
	CPUs             []LocalAPIC
}

// NewMADT builds an MADT with no CPU entries; call AddCPU per vCPU.
func NewMADT(oemID, oemTableID string) MADT {
	h := newHeader(SigAPIC, 44, 3, oemID, oemTableID)

	return MADT{
		Header:           h,
		LocalAPICAddress: LocalAPICAddress,
		Flags:            pcatCompat,
	}
}

// AddCPU appends a Processor Local APIC entry for vCPU id.
func (m *MADT) AddCPU(id uint8) {
	m.CPUs = append(m.CPUs, NewLocalAPIC(id))
	m.Header.Length = 44 + uint32(len(m.CPUs))*8
}

// ToBytes renders the MADT with Header.Checksum filled in.
func (m MADT) ToBytes() ([]byte, error) {
	m.Header.Checksum = 0

	raw, err := m.rawBytes()
	if err != nil {
		return nil, err
	}

	m.Header.Checksum = checksum8(raw)

	return m.rawBytes()
}

func (m MADT) rawBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, m.Header); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.LocalAPICAddress); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.Flags); err != nil {
		return nil, err
	}

	for _, cpu := range m.CPUs {
		if err := binary.Write(&buf, binary.LittleEndian, cpu); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
