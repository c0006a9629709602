// Package config parses AxVM's command-line surface: the "boot" and
// "probe" subcommands, and the memory-size string format the boot
// subcommand's "-m" flag accepts. It holds no VM policy of its own —
// vmm.Config is what the rest of the program actually consumes.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSubcommand is returned when argv[1] is neither "boot" nor
// "probe".
var ErrInvalidSubcommand = errors.New("config: expected 'boot' or 'probe' subcommand")

// BootArgs is everything the "boot" subcommand accepts.
type BootArgs struct {
	KVMPath    string
	Kernel     string
	Disk       string
	TapIfName  string
	Cmdline    string
	MemSize    int
	NCPUs      int
	ProfileDir string
}

// ProbeArgs is everything the "probe" subcommand accepts: the path of
// the KVM device to probe (-D).
type ProbeArgs struct {
	KVMPath string
}

// defaultCmdline matches the kernel command line a minimal virtio-mmio
// guest needs: a serial console as the primary tty, and the boot-time
// checks that only make sense with real hardware (apic calibration,
// watchdogs, ACPI power management) turned off since AxVM doesn't
// implement them.
const defaultCmdline = "console=ttyS0 earlyprintk=serial noapic noacpi notsc " +
	"nowatchdog nmi_watchdog=0 mitigations=off " +
	"pci=off reboot=k panic=1"

func parseBootArgs(args []string) (*BootArgs, error) {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)
	c := &BootArgs{}

	fs.StringVar(&c.KVMPath, "D", "/dev/kvm", "path to the host virtualization device")
	fs.StringVar(&c.Kernel, "k", "./bzImage", "kernel image path")
	fs.StringVar(&c.Disk, "d", "", "path of a disk image file (for /dev/vda); empty disables the block device")
	fs.StringVar(&c.TapIfName, "t", "", "name of a host TAP interface; empty disables the network device")
	fs.IntVar(&c.NCPUs, "c", 1, "number of vCPUs")
	fs.StringVar(&c.ProfileDir, "profile", "", "write a CPU profile to this directory for the life of the boot; empty disables profiling")

	params := fs.String("p", defaultCmdline, "kernel command-line parameters")
	msize := fs.String("m", "1G", "memory size: a number with optional g/m/k suffix")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c.Cmdline = *params

	var err error

	if c.MemSize, err = ParseSize(*msize, "g"); err != nil {
		return nil, err
	}

	return c, nil
}

func parseProbeArgs(args []string) (*ProbeArgs, error) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	c := &ProbeArgs{}

	fs.StringVar(&c.KVMPath, "D", "/dev/kvm", "path to the host virtualization device")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseArgs dispatches argv[1] to the boot or probe subcommand parser.
// Exactly one of the two returned pointers is non-nil on success.
func ParseArgs(args []string) (*BootArgs, *ProbeArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrInvalidSubcommand
	}

	switch args[1] {
	case "boot":
		c, err := parseBootArgs(args[2:])

		return c, nil, err
	case "probe":
		c, err := parseProbeArgs(args[2:])

		return nil, c, err
	default:
		return nil, nil, ErrInvalidSubcommand
	}
}

// ParseSize parses a size string shaped like num[gGmMkK]. The
// multiplier suffix is optional; when absent, unit is used instead.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	default:
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}
}
