// Package kvm wraps the ioctl surface of a kernel hardware-virtualization
// facility exposed through /dev/kvm-style character devices: VM and vCPU
// creation, register access, memory-region registration, the run loop,
// and IRQ injection. It encodes no policy of its own — callers in vcpu
// and vmm decide when and why to call these.
package kvm

import (
	"golang.org/x/sys/unix"
)

// Linux ioctl direction/size encoding (include/uapi/asm-generic/ioctl.h).
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOCType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmIOCType<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IIO encodes a no-argument ioctl number.
func IIO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// IIOW encodes a write-argument (driver reads from userspace) ioctl number.
func IIOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IIOR encodes a read-argument (driver writes to userspace) ioctl number.
func IIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// IIOWR encodes a read/write ioctl number.
func IIOWR(nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

const (
	nrGetAPIVersion       = 0x00
	nrCreateVM            = 0x01
	nrGetVCPUMMapSize     = 0x04
	nrGetSupportedCPUID   = 0x05
	nrGetMSRIndexList     = 0x02
	nrCreateVCPU          = 0x41
	nrGetDirtyLog         = 0x42
	nrSetMemoryRegion     = 0x40
	nrSetUserMemoryRegion = 0x46
	nrSetTSSAddr          = 0x47
	nrSetIdentityMapAddr  = 0x48
	nrCreateIRQChip       = 0x60
	nrIRQLine             = 0x61
	nrGetIRQChip          = 0x62
	nrSetIRQChip          = 0x63
	nrCreatePIT2          = 0x77
	nrGetPIT2             = 0x9F
	nrSetPIT2             = 0xA0
	nrRun                 = 0x80
	nrGetRegs             = 0x81
	nrSetRegs             = 0x82
	nrGetSregs            = 0x83
	nrSetSregs            = 0x84
	nrGetMSRs             = 0x88
	nrSetMSRs             = 0x89
	nrSetCPUID2           = 0x90
	nrGetMPState          = 0x98
	nrSetMPState          = 0x99
	nrGetVCPUEvents       = 0x9F
	nrSetVCPUEvents       = 0xA0
	nrGetDebugRegs        = 0xA1
	nrSetDebugRegs        = 0xA2
	nrSetGuestDebug       = 0x9B
	nrGetXCRS             = 0xA6
	nrSetXCRS             = 0xA7
	nrGetClock            = 0x7C
	nrSetClock            = 0x7B
)

func ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// Ioctl issues a raw KVM ioctl on fd. Exported so sibling files in this
// package (and tests) can build typed wrappers without duplicating the
// errno-to-error conversion.
func Ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	return ioctl(fd, op, arg)
}

// GetAPIVersion returns the KVM API version, used as a host-capability probe.
func GetAPIVersion(kvmFd uintptr) (int, error) {
	r, err := ioctl(kvmFd, IIO(nrGetAPIVersion), 0)

	return int(r), err
}

// CreateVM creates a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, IIO(nrCreateVM), 0)
}

// CreateVCPU creates vCPU number cpu within vmFd and returns its fd.
func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return ioctl(vmFd, IIO(nrCreateVCPU), uintptr(cpu))
}

// GetVCPUMMapSize returns the size of the shared kvm_run mmap region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, IIO(nrGetVCPUMMapSize), 0)
}

// Run enters the guest on vcpuFd until the next exit.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, IIO(nrRun), 0)

	return err
}
