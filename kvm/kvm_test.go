//nolint:dupl,paralleltest
package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/pedrortxdev/AxVM/kvm"
)

func TestIoctlEncoding(t *testing.T) {
	t.Parallel()

	// _IO(0xAE, 0x01) must land in the 0xAE ('K'VM) type band with a
	// zero size/direction field, matching the host ABI's own macros.
	const want = 0xAE01

	if got := kvm.IIO(0x01); got != want {
		t.Fatalf("IIO(0x01) = %#x, want %#x", got, want)
	}
}

func TestRunDataIODecode(t *testing.T) {
	t.Parallel()

	run := &kvm.RunData{}
	// direction=out(1), size=1 byte, port=0x3F8, count=1, offset=some byte.
	run.Data[0] = uint64(kvm.EXITIOOUT) | 1<<8 | 0x3F8<<16 | 1<<32
	run.Data[1] = 0x40

	direction, size, port, count, offset := run.IO()
	if direction != kvm.EXITIOOUT {
		t.Fatalf("direction = %d, want OUT", direction)
	}

	if size != 1 || port != 0x3F8 || count != 1 || offset != 0x40 {
		t.Fatalf("decoded (%d,%d,%d,%d), want (1,0x3f8,1,0x40)", size, port, count, offset)
	}
}

func TestRunDataMMIODecode(t *testing.T) {
	t.Parallel()

	run := &kvm.RunData{}
	run.Data[0] = 0xD0000100
	run.Data[1] = 0xAB
	run.Data[2] = 4 | 1<<32

	phys, data, length, isWrite := run.MMIO()
	if phys != 0xD0000100 || length != 4 || !isWrite {
		t.Fatalf("unexpected decode: phys=%#x length=%d write=%v", phys, length, isWrite)
	}

	if data[0] != 0xAB {
		t.Fatalf("data[0] = %#x, want 0xAB", data[0])
	}
}

func TestExitTypeString(t *testing.T) {
	t.Parallel()

	cases := map[kvm.ExitType]string{
		kvm.EXITHLT:            "HLT",
		kvm.EXITMMIO:           "MMIO",
		kvm.EXITIO:             "IO",
		kvm.EXITSHUTDOWN:       "SHUTDOWN",
		kvm.EXITINTERNALERROR:  "INTERNAL_ERROR",
		kvm.ExitType(0xFFFFFF): "EXIT(?)",
	}

	for in, want := range cases {
		if got := in.String(); got != want {
			t.Errorf("ExitType(%d).String() = %q, want %q", in, got, want)
		}
	}
}

func requireRootKVM(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("skipping: requires root")
	}

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}

	return f
}

func TestCreateVMAndVCPU(t *testing.T) {
	devKVM := requireRootKVM(t)
	defer devKVM.Close()

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetTSSAddr(vmFd, 0xffffd000); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, 0xffffc000); err != nil {
		t.Fatal(err)
	}

	if _, err := kvm.CreateVCPU(vmFd, 0); err != nil {
		t.Fatal(err)
	}
}

func TestGetSetRegsRoundTrip(t *testing.T) {
	devKVM := requireRootKVM(t)
	defer devKVM.Close()

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	regs.RIP = 0x1000

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		t.Fatal(err)
	}

	got, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if got.RIP != 0x1000 {
		t.Fatalf("RIP = %#x, want 0x1000", got.RIP)
	}
}

func TestUserspaceMemoryRegionSize(t *testing.T) {
	t.Parallel()

	// The host ABI expects this exact 32-byte layout; a size drift here
	// means every SetUserMemoryRegion call silently misreads neighbors.
	const want = 4 + 4 + 8 + 8 + 8

	if got := unsafe.Sizeof(kvm.UserspaceMemoryRegion{}); got != want {
		t.Fatalf("sizeof(UserspaceMemoryRegion) = %d, want %d", got, want)
	}
}
