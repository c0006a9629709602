package kvm

import "unsafe"

// maxCPUIDEntries bounds the fixed-size entry array to what the host
// facility documents as the practical maximum leaf count.
const maxCPUIDEntries = 100

// CPUIDEntry2 is one CPUID leaf/subleaf result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID is a fixed-capacity array of CPUID leaves, shaped to match the
// host facility's variable-length-array-in-a-fixed-ioctl-buffer ABI.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// GetSupportedCPUID fills cpuid with every leaf the host processor and
// kernel facility together support; the vCPU should generally be given
// exactly this set, possibly with a few leaves filtered or masked.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(kvmFd, IIOWR(nrGetSupportedCPUID, uintptr(unsafe.Sizeof(*cpuid))), uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 installs cpuid as the leaves a vCPU reports to the guest.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetCPUID2, uintptr(unsafe.Sizeof(*cpuid))), uintptr(unsafe.Pointer(cpuid)))

	return err
}
