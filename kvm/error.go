package kvm

import "errors"

// ErrUnexpectedExitReason names an exit reason with no dispatch case.
// The vcpu package does not return it; it reports such exits as a
// vmerr.UnhandledExit error.
var ErrUnexpectedExitReason = errors.New("kvm: unexpected exit reason")

// ExitType is the reason a Run call returned control to userspace.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITINTERNALERROR ExitType = 17
)

// PIO direction values, as packed by RunData.IO.
const (
	EXITIOIN  = 0
	EXITIOOUT = 1
)

func (e ExitType) String() string {
	switch e {
	case EXITUNKNOWN:
		return "UNKNOWN"
	case EXITEXCEPTION:
		return "EXCEPTION"
	case EXITIO:
		return "IO"
	case EXITHYPERCALL:
		return "HYPERCALL"
	case EXITDEBUG:
		return "DEBUG"
	case EXITHLT:
		return "HLT"
	case EXITMMIO:
		return "MMIO"
	case EXITIRQWINDOWOPEN:
		return "IRQ_WINDOW_OPEN"
	case EXITSHUTDOWN:
		return "SHUTDOWN"
	case EXITFAILENTRY:
		return "FAIL_ENTRY"
	case EXITINTR:
		return "INTR"
	case EXITSETTPR:
		return "SET_TPR"
	case EXITTPRACCESS:
		return "TPR_ACCESS"
	case EXITINTERNALERROR:
		return "INTERNAL_ERROR"
	default:
		return "EXIT(?)"
	}
}
