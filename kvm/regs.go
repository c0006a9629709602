package kvm

import "unsafe"

// numInterrupts is the size of the legacy interrupt bitmap carried in
// Sregs for compatibility with older host facility versions; AxVM never
// injects through it (it uses an in-kernel irqchip and IRQLine instead)
// but the field must round-trip through Get/SetSregs unchanged.
const numInterrupts = 256

// Regs holds the general-purpose and flags registers of a vCPU.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs reads the general-purpose registers of vcpuFd.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetRegs, uintptr(unsafe.Sizeof(Regs{}))), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs writes the general-purpose registers of vcpuFd.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetRegs, uintptr(unsafe.Sizeof(Regs{}))), uintptr(unsafe.Pointer(regs)))

	return err
}

// Segment is an x86 segment descriptor as the host facility represents it.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDTR/IDTR-style table pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs holds the segment and control registers of a vCPU.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetSregs reads the segment/control registers of vcpuFd.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetSregs, uintptr(unsafe.Sizeof(Sregs{}))), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs writes the segment/control registers of vcpuFd.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetSregs, uintptr(unsafe.Sizeof(Sregs{}))), uintptr(unsafe.Pointer(sregs)))

	return err
}

// RunData is the layout of the kernel/userspace shared run page mapped
// once per vCPU. ExitReason and the Data union are read after every
// Run call; RequestInterruptWindow is written before it.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the PIO exit fields packed into Data[0:2]: direction (0=in,
// 1=out), operand size in bytes, port number, repeat count, and the
// byte offset into the run page where the data itself lives.
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]

	return direction, size, port, count, dataOffset
}

// MMIO decodes the MMIO exit fields: physical address in Data[0], up
// to 8 bytes of data in Data[1], and length (low 32 bits) and is-write
// (the next byte) sharing Data[2].
func (r *RunData) MMIO() (phys uint64, data [8]byte, length uint32, isWrite bool) {
	phys = r.Data[0]

	var raw [8]byte
	for i := 0; i < 8; i++ {
		raw[i] = byte(r.Data[1] >> (8 * i))
	}

	length = uint32(r.Data[2])
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return phys, raw, length, isWrite
}

// SetMMIOData packs an MMIO read's result back into Data[1], the same
// field MMIO decodes it from, so the kernel returns it to the guest.
func (r *RunData) SetMMIOData(data [8]byte) {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(data[i]) << (8 * i)
	}

	r.Data[1] = v
}
