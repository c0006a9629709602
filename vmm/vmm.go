// Package vmm assembles one running VM: guest memory, the in-kernel
// irqchip and PIT, the kernel/cmdline/zero-page/ACPI loader, the 8250
// serial console, VirtIO-MMIO devices, and one goroutine per vCPU.
package vmm

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pedrortxdev/AxVM/acpi"
	"github.com/pedrortxdev/AxVM/bootparam"
	"github.com/pedrortxdev/AxVM/kvm"
	"github.com/pedrortxdev/AxVM/memory"
	"github.com/pedrortxdev/AxVM/paging"
	"github.com/pedrortxdev/AxVM/serial"
	"github.com/pedrortxdev/AxVM/vcpu"
	"github.com/pedrortxdev/AxVM/virtio"
	"github.com/pedrortxdev/AxVM/vmerr"
	"golang.org/x/sys/unix"
)

// Guest-physical address layout. Low memory up to the BIOS hole and
// the protected-mode kernel image follow the boot protocol's own
// conventions (bootparam, acpi); the rest are AxVM's own fixed choices.
const (
	zeroPageAddr   = 0x10000
	kernelLoadAddr = 0x100000

	// entryOffset is the 64-bit boot-protocol entry point: kernel_start
	// + 0x200, used when the loader (not the kernel's own real-mode
	// trampoline) already established long-mode paging and segments.
	entryOffset = 0x200

	// mmioBase is where the first VirtIO-MMIO device window starts;
	// devices are enumerated left to right in DeviceSize-byte strides.
	mmioBase = 0x00A0_0000
)

// identityMapAddr and tssAddr sit just below 4 GiB, the conventional
// placement (shared with crosvm, cloud-hypervisor, kvmtool) that never
// collides with guest RAM for any realistic VM size.
const (
	identityMapAddr = 0xFFFB_C000
	tssAddr         = 0xFFFB_D000
)

// IRQ lines on the in-kernel irqchip. 0-3 are reserved by the
// architecture (timer, keyboard, cascade); AxVM starts its own
// assignments at 4, matching COM1's traditional line.
const (
	serialIRQLine     = 4
	firstDeviceIRQLine = 5
)

// Config describes the VM to build. Disk and Net are optional; a nil
// value omits that device entirely.
type Config struct {
	KVMPath    string
	MemSize    int
	VCPUCount  int
	KernelPath string
	Cmdline    string

	Disk virtio.BackingFile
	Net  io.ReadWriter
	MAC  [6]byte

	// Console receives bytes the guest transmits over COM1; nil means
	// os.Stdout.
	Console io.Writer
}

// irqRouter pulses one line on the shared in-kernel irqchip per
// injection request, the level-triggered equivalent of an edge IRQ:
// raise then immediately lower, letting the IOAPIC/PIC latch the edge.
// It also wakes any vCPU parked on HLT, since the kernel's own
// interrupt-window tracking only resumes a vCPU already inside
// KVM_RUN — a thread parked in vcpu.WakeGroup.wait between HLT exits
// needs the same nudge to go re-enter KVM_RUN and pick the interrupt
// up.
type irqRouter struct {
	vmFd uintptr
	wake *vcpu.WakeGroup
}

func (r *irqRouter) raise(line uint32) error {
	if err := kvm.IRQLine(r.vmFd, line, 1); err != nil {
		return err
	}

	if err := kvm.IRQLine(r.vmFd, line, 0); err != nil {
		return err
	}

	r.wake.Wake()

	return nil
}

type serialIRQ struct {
	router *irqRouter
}

func (s serialIRQ) InjectSerialIRQ() error {
	return s.router.raise(serialIRQLine)
}

type deviceIRQ struct {
	router *irqRouter
	line   uint32
}

func (d deviceIRQ) InjectIRQ() error {
	return d.router.raise(d.line)
}

// VM is one running (or ready-to-run) virtual machine.
type VM struct {
	kvmFile *os.File
	vmFd    uintptr

	mem     *memory.GuestMemory
	metrics *vmerr.Metrics
	wake    *vcpu.WakeGroup
	shutdown *atomic.Bool

	vcpus  []*vcpu.Vcpu
	serial *serial.Serial

	closers []io.Closer

	wg sync.WaitGroup
}

// sigusr1Once ensures AxVM only installs its vCPU-cancellation signal
// handler once per process, regardless of how many VMs it builds.
var sigusr1Once sync.Once

// ensureCancelSignalHandled registers a no-op SIGUSR1 listener. Go's
// signal package installs its handler without SA_RESTART, so once
// this has run, a Tgkill(..., SIGUSR1) aimed at a thread blocked in
// kvm.Run interrupts the ioctl with EINTR instead of the process
// dying or the syscall transparently restarting.
func ensureCancelSignalHandled() {
	sigusr1Once.Do(func() {
		signal.Notify(make(chan os.Signal, 1), unix.SIGUSR1)
	})
}

// New builds a VM per cfg: opens the host virtualization device,
// creates the VM and its vCPUs, lays out guest memory, and wires every
// device. The VM does not start running until Run is called.
func New(cfg Config) (*VM, error) {
	ensureCancelSignalHandled()

	metrics := vmerr.NewMetrics()

	if cfg.VCPUCount < 1 {
		return nil, metrics.New(vmerr.ConfigInvalid, "vCPU count must be at least 1", nil)
	}

	kvmFile, err := os.OpenFile(cfg.KVMPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vmm: open %q: %w", cfg.KVMPath, err)
	}

	kvmFd := kvmFile.Fd()

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		kvmFile.Close()

		return nil, metrics.New(vmerr.HostCapabilityMissing, "CreateVM", err)
	}

	vm := &VM{
		kvmFile:  kvmFile,
		vmFd:     vmFd,
		metrics:  metrics,
		wake:     vcpu.NewWakeGroup(),
		shutdown: &atomic.Bool{},
	}

	if err := vm.setupVM(cfg, kvmFd); err != nil {
		vm.Close()

		return nil, err
	}

	return vm, nil
}

func (vm *VM) setupVM(cfg Config, kvmFd uintptr) error {
	if err := kvm.SetTSSAddr(vm.vmFd, tssAddr); err != nil {
		return vm.metrics.New(vmerr.HostCapabilityMissing, "SetTSSAddr", err)
	}

	if err := kvm.SetIdentityMapAddr(vm.vmFd, identityMapAddr); err != nil {
		return vm.metrics.New(vmerr.HostCapabilityMissing, "SetIdentityMapAddr", err)
	}

	if err := kvm.CreateIRQChip(vm.vmFd); err != nil {
		return vm.metrics.New(vmerr.HostCapabilityMissing, "CreateIRQChip", err)
	}

	if err := kvm.CreatePIT2(vm.vmFd); err != nil {
		return vm.metrics.New(vmerr.HostCapabilityMissing, "CreatePIT2", err)
	}

	mem, err := memory.New(cfg.MemSize, vm.metrics)
	if err != nil {
		return err
	}

	vm.mem = mem

	if lockErr, hugeErr := mem.LockAndHint(); lockErr != nil || hugeErr != nil {
		fmt.Fprintf(os.Stderr, "vmm: guest memory best-effort tuning: mlock=%v madvise=%v\n", lockErr, hugeErr)
	}

	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(mem.Size()),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem.Bytes()[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vm.vmFd, region); err != nil {
		return vm.metrics.New(vmerr.HostCapabilityMissing, "SetUserMemoryRegion", err)
	}

	mem.MarkRegistered()

	router := &irqRouter{vmFd: vm.vmFd, wake: vm.wake}

	vm.serial = serial.New(serialIRQ{router: router}, consoleOut(cfg.Console))

	pio := map[uint64]vcpu.PIOHandler{}
	for port := uint64(serial.Base); port < serial.Base+serial.Size; port++ {
		pio[port] = vm.serial
	}

	mmioRegions, cmdlineTokens, err := vm.buildDevices(cfg, router)
	if err != nil {
		return err
	}

	if len(cmdlineTokens) > 0 {
		cfg.Cmdline = cfg.Cmdline + " " + strings.Join(cmdlineTokens, " ")
	}

	entry, err := vm.loadKernel(cfg)
	if err != nil {
		return err
	}

	if _, err := acpi.Build(mem.Bytes(), cfg.VCPUCount); err != nil {
		return vm.metrics.New(vmerr.LoaderBadImage, "building ACPI tables", err)
	}

	paging.Write(mem.Bytes(), uint64(mem.Size()))

	if err := vm.createVCPUs(cfg, kvmFd, pio, mmioRegions, entry); err != nil {
		return err
	}

	return nil
}

// buildDevices instantiates the block and/or network VirtIO-MMIO
// devices cfg asked for, enumerating their windows and IRQ lines left
// to right starting at mmioBase/firstDeviceIRQLine. It also renders
// one virtio_mmio.device=<size>@<base>:<irq> cmdline token per device,
// in the same order, so the guest driver is told the exact window/IRQ
// its deviceIRQ was wired to.
func (vm *VM) buildDevices(cfg Config, router *irqRouter) ([]vcpu.MMIORegion, []string, error) {
	var regions []vcpu.MMIORegion

	var tokens []string

	line := uint32(firstDeviceIRQLine)
	base := uint64(mmioBase)

	addRegion := func(dev *virtio.Device) {
		regions = append(regions, vcpu.MMIORegion{Low: base, High: base + virtio.DeviceSize, Handler: dev})
		tokens = append(tokens, fmt.Sprintf("virtio_mmio.device=0x%x@0x%x:%d", virtio.DeviceSize, base, line))
		base += virtio.DeviceSize
		line++
	}

	if cfg.Disk != nil {
		blk, err := virtio.NewBlk(cfg.Disk, vm.metrics)
		if err != nil {
			return nil, nil, vm.metrics.New(vmerr.ConfigInvalid, "opening block backend", err)
		}

		dev := virtio.NewDevice(blk, vm.mem, vm.metrics, deviceIRQ{router: router, line: line})
		addRegion(dev)

		if c, ok := cfg.Disk.(io.Closer); ok {
			vm.closers = append(vm.closers, c)
		}
	}

	if cfg.Net != nil {
		net := virtio.NewNet(cfg.Net, cfg.MAC, vm.metrics)
		dev := virtio.NewDevice(net, vm.mem, vm.metrics, deviceIRQ{router: router, line: line})
		net.Attach(dev)
		addRegion(dev)

		if c, ok := cfg.Net.(io.Closer); ok {
			vm.closers = append(vm.closers, c)
		}
	}

	return regions, tokens, nil
}

// loadKernel parses the bzImage, writes the cmdline/zero-page/kernel
// image into guest RAM, and returns the 64-bit entry point.
func (vm *VM) loadKernel(cfg Config) (uint64, error) {
	kernFile, err := os.Open(cfg.KernelPath)
	if err != nil {
		return 0, vm.metrics.New(vmerr.LoaderBadImage, "opening kernel image", err)
	}
	defer kernFile.Close()

	bp, err := bootparam.New(kernFile)
	if err != nil {
		return 0, vm.metrics.New(vmerr.LoaderBadImage, "parsing bzImage header", err)
	}

	bp.SetCmdline(cfg.Cmdline)
	bp.AddStandardE820Map(uint64(vm.mem.Size()))

	cmdAddr, cmdData := bp.Cmdline()
	if err := vm.mem.Write(uint64(cmdAddr), cmdData); err != nil {
		return 0, err
	}

	zeroPage, err := bp.Bytes()
	if err != nil {
		return 0, vm.metrics.New(vmerr.LoaderBadImage, "rendering zero page", err)
	}

	if err := vm.mem.Write(zeroPageAddr, zeroPage); err != nil {
		return 0, err
	}

	fi, err := kernFile.Stat()
	if err != nil {
		return 0, err
	}

	setupSize := int64(bp.SetupSize())
	kernSize := fi.Size() - setupSize
	if kernSize <= 0 {
		return 0, vm.metrics.New(vmerr.LoaderBadImage, "kernel image has no protected-mode payload", nil)
	}

	kernBuf := make([]byte, kernSize)
	if _, err := kernFile.ReadAt(kernBuf, setupSize); err != nil {
		return 0, vm.metrics.New(vmerr.LoaderBadImage, "reading protected-mode kernel", err)
	}

	if err := vm.mem.Write(kernelLoadAddr, kernBuf); err != nil {
		return 0, err
	}

	return kernelLoadAddr + entryOffset, nil
}

func (vm *VM) createVCPUs(
	cfg Config, kvmFd uintptr,
	pio map[uint64]vcpu.PIOHandler, mmio []vcpu.MMIORegion, entry uint64,
) error {
	mmapSize, err := kvm.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return vm.metrics.New(vmerr.HostCapabilityMissing, "GetVCPUMMapSize", err)
	}

	for i := 0; i < cfg.VCPUCount; i++ {
		fd, err := kvm.CreateVCPU(vm.vmFd, i)
		if err != nil {
			return vm.metrics.New(vmerr.HostCapabilityMissing, fmt.Sprintf("CreateVCPU(%d)", i), err)
		}

		if err := vm.initCPUID(kvmFd, fd); err != nil {
			return err
		}

		page, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("vmm: mmap vcpu %d run page: %w", i, err)
		}

		run := (*kvm.RunData)(unsafe.Pointer(&page[0]))

		if err := vm.initRegs(fd, entry); err != nil {
			return err
		}

		vm.vcpus = append(vm.vcpus, vcpu.New(i, fd, page, run, pio, mmio, vm.wake, vm.shutdown, vm.metrics))
	}

	return nil
}

// initCPUID passes through every CPUID leaf the host supports
// unmodified; AxVM advertises no paravirtualization signature and
// does not mask any feature bits.
func (vm *VM) initCPUID(kvmFd, vcpuFd uintptr) error {
	cpuid := &kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(kvmFd, cpuid); err != nil {
		return vm.metrics.New(vmerr.HostCapabilityMissing, "GetSupportedCPUID", err)
	}

	if err := kvm.SetCPUID2(vcpuFd, cpuid); err != nil {
		return vm.metrics.New(vmerr.HostCapabilityMissing, "SetCPUID2", err)
	}

	return nil
}

// initRegs sets the general-purpose and control/segment registers a
// vCPU needs before its first Run: RIP at the kernel's 64-bit entry
// point, RSI pointing at the zero page, and long mode already active.
func (vm *VM) initRegs(vcpuFd uintptr, entry uint64) error {
	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = entry
	regs.RSI = zeroPageAddr

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		return err
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		return err
	}

	paging.ApplySregs(sregs)

	return kvm.SetSregs(vcpuFd, sregs)
}

// Serial returns the COM1 UART, so the caller can pump host console
// input into it.
func (vm *VM) Serial() *serial.Serial {
	return vm.serial
}

// Metrics returns the per-VM error counters, for a shutdown summary.
func (vm *VM) Metrics() *vmerr.Metrics {
	return vm.metrics
}

// Run starts one goroutine per vCPU and blocks until every one of
// them has exited, either because Shutdown was called, the guest shut
// down, or a fatal error occurred. It returns the
// first non-nil error, if any.
func (vm *VM) Run() error {
	errCh := make(chan error, len(vm.vcpus))

	for _, v := range vm.vcpus {
		vm.wg.Add(1)

		go func(v *vcpu.Vcpu) {
			defer vm.wg.Done()

			err := v.Run()
			if err != nil {
				vm.Shutdown()
			}

			errCh <- err
		}(v)
	}

	vm.wg.Wait()
	close(errCh)

	var first error

	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}

	return first
}

// Shutdown asks every vCPU thread to stop: it sets the shared
// shutdown flag, wakes anything parked on HLT, and sends a
// cancellation signal to threads that are instead deep in guest
// execution. Run returns once every vCPU goroutine has observed this.
func (vm *VM) Shutdown() {
	vm.shutdown.Store(true)
	vm.wake.Wake()

	for _, v := range vm.vcpus {
		_ = v.Cancel()
	}
}

// Close releases every host resource the VM holds: device backends,
// guest memory, and the VM/KVM file descriptors. Call it after Run
// returns.
func (vm *VM) Close() error {
	for _, c := range vm.closers {
		c.Close()
	}

	if vm.mem != nil {
		vm.mem.Close()
	}

	if vm.vmFd != 0 {
		_ = unix.Close(int(vm.vmFd))
	}

	if vm.kvmFile != nil {
		vm.kvmFile.Close()
	}

	return nil
}

func consoleOut(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}

	return w
}
