// Package vmerr defines the error taxonomy used across AxVM and a small
// set of atomic counters for tracking how often each kind occurs.
package vmerr

import (
	"fmt"
	"sync/atomic"
)

// Kind classifies an error by the taxonomy in the core design: what
// caused it and what the rest of the system should do in response.
type Kind int

const (
	// ConfigInvalid means a CLI/config value is out of range. Fatal at startup.
	ConfigInvalid Kind = iota
	// HostCapabilityMissing means the host virtualization facility lacks
	// something we require (e.g. in-kernel irqchip). Fatal at startup.
	HostCapabilityMissing
	// MemoryOutOfBounds means an access fell outside guest RAM. Fatal per-vCPU.
	MemoryOutOfBounds
	// VirtqueueMalformed means a descriptor chain violated virtqueue
	// invariants (cycle, bad flags, length overrun). Recoverable per-request.
	VirtqueueMalformed
	// BlockIoError means the backing file returned an I/O error. Recoverable per-request.
	BlockIoError
	// VcpuFault means KVM reported INTERNAL_ERROR or FAIL_ENTRY. Fatal.
	VcpuFault
	// UnhandledExit means we got an exit reason we don't dispatch. Fatal.
	UnhandledExit
	// LoaderBadImage means the kernel image failed to parse. Fatal at startup.
	LoaderBadImage

	numKinds
)

// Severity says whether an error should stop the whole VM or just the
// request/device that produced it.
type Severity int

const (
	// SeverityFatalStartup means refuse to start; nothing has run yet.
	SeverityFatalStartup Severity = iota
	// SeverityFatalVM means the VM must shut down.
	SeverityFatalVM
	// SeverityRecoverable means only the originating request is affected.
	SeverityRecoverable
)

var severityByKind = [numKinds]Severity{
	ConfigInvalid:         SeverityFatalStartup,
	HostCapabilityMissing: SeverityFatalStartup,
	LoaderBadImage:        SeverityFatalStartup,
	MemoryOutOfBounds:     SeverityFatalVM,
	VcpuFault:             SeverityFatalVM,
	UnhandledExit:         SeverityFatalVM,
	VirtqueueMalformed:    SeverityRecoverable,
	BlockIoError:          SeverityRecoverable,
}

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case HostCapabilityMissing:
		return "HostCapabilityMissing"
	case MemoryOutOfBounds:
		return "MemoryOutOfBounds"
	case VirtqueueMalformed:
		return "VirtqueueMalformed"
	case BlockIoError:
		return "BlockIoError"
	case VcpuFault:
		return "VcpuFault"
	case UnhandledExit:
		return "UnhandledExit"
	case LoaderBadImage:
		return "LoaderBadImage"
	default:
		return "Unknown"
	}
}

// Severity reports the severity associated with this kind.
func (k Kind) Severity() Severity {
	return severityByKind[k]
}

// Error wraps an underlying cause with a Kind, so callers can
// errors.As/Is their way to a dispatch decision without string matching.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Metrics counts errors by kind for a single VM instance. One VM, one
// Metrics: the orchestrator owns it and passes it to every device it
// builds, keeping the counters per-VM rather than global.
type Metrics struct {
	n [numKinds]atomic.Int64
}

// NewMetrics returns a zeroed Metrics ready to attach to a VM.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// New builds an *Error of the given kind and bumps the matching counter.
// m may be nil, in which case the error is still built but not counted
// (useful for startup errors raised before a Metrics exists).
func (m *Metrics) New(k Kind, detail string, cause error) *Error {
	if m != nil {
		m.n[int(k)].Add(1)
	}

	return &Error{Kind: k, Detail: detail, Cause: cause}
}

// Count returns the number of errors of kind k observed by this Metrics.
func (m *Metrics) Count(k Kind) int64 {
	if m == nil {
		return 0
	}

	return m.n[int(k)].Load()
}

// Snapshot returns a map of kind -> count for all non-zero kinds, handy
// for a shutdown summary log line.
func (m *Metrics) Snapshot() map[Kind]int64 {
	out := map[Kind]int64{}

	if m == nil {
		return out
	}

	for i := Kind(0); i < numKinds; i++ {
		if v := m.n[int(i)].Load(); v != 0 {
			out[i] = v
		}
	}

	return out
}
