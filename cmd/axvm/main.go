// Command axvm boots a Linux kernel image under AxVM: it parses the
// CLI surface, wires up the optional block/network backends, builds
// the VM, and pumps host console bytes into the guest's serial port
// until shutdown.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"

	"github.com/pedrortxdev/AxVM/blkdev"
	"github.com/pedrortxdev/AxVM/config"
	"github.com/pedrortxdev/AxVM/kvm"
	"github.com/pedrortxdev/AxVM/tapdev"
	"github.com/pedrortxdev/AxVM/term"
	"github.com/pedrortxdev/AxVM/vmerr"
	"github.com/pedrortxdev/AxVM/vmm"
)

func main() {
	bootArgs, probeArgs, err := config.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	switch {
	case probeArgs != nil:
		err = runProbe(probeArgs)
	case bootArgs != nil:
		err = runBoot(bootArgs)
	}

	if err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a vmerr.Error's severity to a distinct nonzero exit
// status, per spec.md §6 ("one code per severity class"); anything
// else (a host-facility error from outside the core, e.g. os.Open
// failing) gets the generic fatal code 1.
func exitCode(err error) int {
	var vmErr *vmerr.Error
	if !errors.As(err, &vmErr) {
		return 1
	}

	switch vmErr.Kind.Severity() {
	case vmerr.SeverityFatalStartup:
		return 2
	case vmerr.SeverityFatalVM:
		return 3
	default:
		return 1
	}
}

// runProbe opens the host virtualization device and reports the CPUID
// leaves it offers, a quick sanity check that AxVM can run at all on
// this host before attempting a full boot.
func runProbe(args *config.ProbeArgs) error {
	kvmFile, err := os.OpenFile(args.KVMPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("probe: open %q: %w", args.KVMPath, err)
	}
	defer kvmFile.Close()

	kvmFd := kvmFile.Fd()

	version, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		return fmt.Errorf("probe: GetAPIVersion: %w", err)
	}

	fmt.Printf("KVM API version: %d\n", version)

	cpuid := &kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(kvmFd, cpuid); err != nil {
		return fmt.Errorf("probe: GetSupportedCPUID: %w", err)
	}

	for i := uint32(0); i < cpuid.Nent; i++ {
		e := cpuid.Entries[i]
		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx)
	}

	return nil
}

// defaultGuestMAC is a locally-administered unicast address (U/L bit
// set, multicast bit clear), AxVM's fixed choice since it has no
// persistent MAC allocation mechanism of its own.
var defaultGuestMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

func runBoot(args *config.BootArgs) error {
	if args.ProfileDir != "" {
		stop := profile.Start(profile.CPUProfile, profile.ProfilePath(args.ProfileDir), profile.NoShutdownHook)
		defer stop.Stop()
	}

	cfg := vmm.Config{
		KVMPath:    args.KVMPath,
		MemSize:    args.MemSize,
		VCPUCount:  args.NCPUs,
		KernelPath: args.Kernel,
		Cmdline:    args.Cmdline,
	}

	var closers []func() error

	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	if args.Disk != "" {
		disk, err := blkdev.Open(args.Disk)
		if err != nil {
			return err
		}

		cfg.Disk = disk
		closers = append(closers, disk.Close)
	}

	if args.TapIfName != "" {
		tap, err := tapdev.Open(args.TapIfName)
		if err != nil {
			return err
		}

		cfg.Net = tap
		cfg.MAC = defaultGuestMAC
		closers = append(closers, tap.Close)
	}

	vm, err := vmm.New(cfg)
	if err != nil {
		return err
	}
	defer vm.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		vm.Shutdown()
	}()

	pumpConsoleInput(vm)

	runErr := vm.Run()

	if snap := vm.Metrics().Snapshot(); len(snap) > 0 {
		log.Printf("error counts at shutdown: %v", snap)
	}

	return runErr
}

// pumpConsoleInput forwards host stdin bytes to the guest's serial
// port one byte at a time for the lifetime of the process. If stdin
// isn't a terminal, input is silently disabled rather than blocking
// boot; the guest still gets a working console for output. Ctrl-A x
// (byte 0x01 followed by 'x') triggers an immediate shutdown, the
// same escape sequence QEMU's -nographic mode uses.
func pumpConsoleInput(vm *vmm.VM) {
	if !term.IsTerminal() {
		return
	}

	restore, err := term.SetRawMode()
	if err != nil {
		log.Printf("console: SetRawMode: %v", err)

		return
	}

	go func() {
		defer restore()

		in := bufio.NewReader(os.Stdin)

		var prev byte

		for {
			b, err := in.ReadByte()
			if err != nil {
				return
			}

			if prev == 0x01 && b == 'x' {
				vm.Shutdown()

				return
			}

			if err := vm.Serial().PushInput(b); err != nil {
				log.Printf("console: PushInput: %v", err)
			}

			prev = b
		}
	}()
}
