package config_test

import (
	"errors"
	"strconv"
	"testing"

	"github.com/pedrortxdev/AxVM/config"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		s    string
		unit string
		want int
		err  error
	}{
		{name: "badsuffix", s: "1T", want: -1, err: strconv.ErrSyntax},
		{name: "1G", s: "1G", want: 1 << 30},
		{name: "1g", s: "1g", want: 1 << 30},
		{name: "1M", s: "1M", want: 1 << 20},
		{name: "1K", s: "1K", want: 1 << 10},
		{name: "bare number with unit k", s: "1", unit: "k", want: 1 << 10},
		{name: "bare number with no unit", s: "1", unit: "", want: 1},
		{name: "8192m", s: "8192m", want: 8192 << 20},
		{name: "garbage", s: "123;456", want: -1, err: strconv.ErrSyntax},
		{name: "garbage with suffix", s: "123;456m", want: -1, err: strconv.ErrSyntax},
		{name: "too big", s: "0xffffffffffffffffffff", want: -1, err: strconv.ErrRange},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := config.ParseSize(tt.s, tt.unit)
			if got != tt.want || !errors.Is(err, tt.err) {
				t.Errorf("ParseSize(%q, %q) = (%d, %v), want (%d, %v)", tt.s, tt.unit, got, err, tt.want, tt.err)
			}
		})
	}
}

func TestParseArgsBoot(t *testing.T) {
	t.Parallel()

	boot, probe, err := config.ParseArgs([]string{
		"axvm", "boot",
		"-D", "/dev/kvm",
		"-k", "kernel_path",
		"-m", "256M",
		"-c", "2",
		"-t", "tap0",
		"-d", "/dev/null",
	})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if probe != nil {
		t.Fatalf("ParseArgs(boot): probe args should be nil")
	}

	if boot.Kernel != "kernel_path" || boot.NCPUs != 2 || boot.MemSize != 256<<20 ||
		boot.TapIfName != "tap0" || boot.Disk != "/dev/null" {
		t.Errorf("ParseArgs(boot): unexpected result %+v", boot)
	}
}

func TestParseArgsProbe(t *testing.T) {
	t.Parallel()

	boot, probe, err := config.ParseArgs([]string{"axvm", "probe", "-D", "/dev/kvm"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if boot != nil {
		t.Fatalf("ParseArgs(probe): boot args should be nil")
	}

	if probe.KVMPath != "/dev/kvm" {
		t.Errorf("ParseArgs(probe): unexpected result %+v", probe)
	}
}

func TestParseArgsInvalid(t *testing.T) {
	t.Parallel()

	if _, _, err := config.ParseArgs([]string{"axvm"}); !errors.Is(err, config.ErrInvalidSubcommand) {
		t.Errorf("ParseArgs(no subcommand): got %v, want ErrInvalidSubcommand", err)
	}

	if _, _, err := config.ParseArgs([]string{"axvm", "frobnicate"}); !errors.Is(err, config.ErrInvalidSubcommand) {
		t.Errorf("ParseArgs(bad subcommand): got %v, want ErrInvalidSubcommand", err)
	}
}
