package kvm

import "unsafe"

// UserspaceMemoryRegion describes one slot of guest physical address
// space backed by a userspace mapping. AxVM uses a single slot (0) for
// the whole of guest RAM.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks the region for dirty-page tracking.
// AxVM never enables this — live migration is out of scope — but the
// bit is kept so the struct matches the host ABI exactly.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks the region read-only from the guest's view.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion registers or updates a memory slot on vmFd.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd,
		IIOW(nrSetUserMemoryRegion, uintptr(unsafe.Sizeof(UserspaceMemoryRegion{}))),
		uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr sets the guest TSS address. Required before the first
// Run on Intel hosts so the CPU has somewhere to go during the
// real-mode-to-protected-mode transition KVM itself performs.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(nrSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the address of the identity-mapped page KVM
// uses internally for the same real-mode transition.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIOW(nrSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}
