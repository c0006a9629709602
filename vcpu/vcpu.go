// Package vcpu runs one guest virtual CPU on a dedicated OS thread:
// enter the host run ioctl, dispatch the exit reason to a PIO or MMIO
// handler, and loop until shutdown.
package vcpu

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pedrortxdev/AxVM/kvm"
	"github.com/pedrortxdev/AxVM/vmerr"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

// PIOHandler services a port-IO exit. AxVM's device backends (serial,
// the future PCI-era devices) implement this directly.
type PIOHandler interface {
	In(port uint64, data []byte) error
	Out(port uint64, data []byte) error
}

// MMIOHandler services an MMIO exit. virtio.Device implements this.
type MMIOHandler interface {
	ReadMMIO(offset int, data []byte)
	WriteMMIO(offset int, data []byte) error
}

// MMIORegion maps a guest-physical range [Low, High) to the device
// that owns it.
type MMIORegion struct {
	Low, High uint64
	Handler   MMIOHandler
}

// WakeGroup lets the orchestrator wake every vCPU thread parked on
// HLT at once, either because an interrupt was injected or because
// shutdown was requested. It hands each waiter a generation count
// instead of a bare condition variable: a Wake that lands between a
// vCPU noticing HLT and calling wait still bumps the count first, so
// the waiter's stale value never matches and it returns immediately
// rather than blocking on a wake that already happened.
type WakeGroup struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count uint64
}

// NewWakeGroup returns a ready-to-use WakeGroup.
func NewWakeGroup() *WakeGroup {
	w := &WakeGroup{}
	w.cond = sync.NewCond(&w.mu)

	return w
}

// Wake bumps the generation count and broadcasts to every thread
// currently parked in wait.
func (w *WakeGroup) Wake() {
	w.mu.Lock()
	w.count++
	w.cond.Broadcast()
	w.mu.Unlock()
}

// wait blocks until the generation count advances past seen, then
// returns the new count. Pass the value the previous call returned
// (zero on a vCPU's first HLT) so a Wake racing ahead of this call is
// never missed, and so one Wake still releases every vCPU waiting on
// it rather than just the first to reacquire the lock.
func (w *WakeGroup) wait(seen uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.count == seen {
		w.cond.Wait()
	}

	return w.count
}

// Vcpu is one guest vCPU: its host fd, the shared run page, and the
// dispatch tables built once by the orchestrator before any thread
// starts.
type Vcpu struct {
	ID   int
	fd   uintptr
	page []byte
	run  *kvm.RunData

	pio  map[uint64]PIOHandler
	mmio []MMIORegion

	wake     *WakeGroup
	shutdown *atomic.Bool
	metrics  *vmerr.Metrics

	// wakeGen is this vCPU's own view of wake's generation count;
	// only the Run goroutine touches it, so it needs no synchronization
	// of its own.
	wakeGen uint64

	// tid is the Linux thread id Run's goroutine is pinned to, once it
	// has started; Cancel signals it to unstick a vCPU that is deep in
	// guest execution rather than parked on HLT.
	tid atomic.Int32
}

// New builds a Vcpu. page is the raw mmap'd kvm_run region backing
// run; PIO data bytes live inline in page at the offset RunData.IO
// reports, so both are needed.
func New(
	id int, fd uintptr, page []byte, run *kvm.RunData,
	pio map[uint64]PIOHandler, mmio []MMIORegion,
	wake *WakeGroup, shutdown *atomic.Bool, metrics *vmerr.Metrics,
) *Vcpu {
	return &Vcpu{
		ID: id, fd: fd, page: page, run: run,
		pio: pio, mmio: mmio,
		wake: wake, shutdown: shutdown, metrics: metrics,
	}
}

// Run pins the calling goroutine to its OS thread — vCPU ioctls must
// be issued from the thread that created the vCPU — and loops until
// shutdown or a fatal error.
//
// AxVM always creates an in-kernel irqchip (kvm.CreateIRQChip,
// kvm.CreatePIT2) and injects device interrupts through the
// level-triggered kvm.IRQLine ioctl on the VM fd. The kernel's own
// irqchip tracks interrupt-window timing and delivery-shadow state for
// that path, so — unlike a userspace-irqchip design — this loop never
// needs to poll RunData.IfFlag/ReadyForInterruptInjection or arm
// RequestInterruptWindow itself; it only has to park on HLT and resume
// when woken.
func (v *Vcpu) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.tid.Store(int32(unix.Gettid()))

	for !v.shutdown.Load() {
		if err := kvm.Run(v.fd); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue // cancellation signal; shutdown re-checked above.
			}

			return err
		}

		cont, err := v.handleExit()
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}

	return nil
}

// Cancel sends SIGUSR1 to the OS thread this vCPU is running on, if
// it has started, interrupting a blocking kvm.Run with EINTR so the
// loop can observe shutdown. The orchestrator's signal.Notify on
// SIGUSR1 (see vmm.New) keeps the default disposition from killing the
// process; Go's runtime does not set SA_RESTART for notified signals,
// so the ioctl returns EINTR rather than resuming.
func (v *Vcpu) Cancel() error {
	tid := v.tid.Load()
	if tid == 0 {
		return nil // never started.
	}

	return unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1)
}

func (v *Vcpu) handleExit() (bool, error) {
	switch exit := kvm.ExitType(v.run.ExitReason); exit {
	case kvm.EXITHLT:
		v.wakeGen = v.wake.wait(v.wakeGen)

		return !v.shutdown.Load(), nil

	case kvm.EXITIO:
		return true, v.handleIO()

	case kvm.EXITMMIO:
		return true, v.handleMMIO()

	case kvm.EXITINTR:
		return true, nil // spurious wake from the cancellation signal.

	case kvm.EXITSHUTDOWN:
		v.shutdown.Store(true)

		return false, nil

	case kvm.EXITINTERNALERROR, kvm.EXITFAILENTRY:
		return false, v.metrics.New(vmerr.VcpuFault,
			fmt.Sprintf("vcpu %d: %s\n%s", v.ID, exit, v.dumpRegs()), nil)

	default:
		return false, v.metrics.New(vmerr.UnhandledExit,
			fmt.Sprintf("vcpu %d: %s", v.ID, exit), nil)
	}
}

func (v *Vcpu) handleIO() error {
	direction, size, port, count, dataOffset := v.run.IO()

	handler, ok := v.pio[port]
	if !ok {
		return nil // unclaimed port: no-op, like an unpopulated PC bus slot.
	}

	for i := uint64(0); i < count; i++ {
		off := dataOffset + i*size
		data := v.page[off : off+size]

		var err error
		if direction == kvm.EXITIOIN {
			err = handler.In(port, data)
		} else {
			err = handler.Out(port, data)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (v *Vcpu) handleMMIO() error {
	phys, raw, length, isWrite := v.run.MMIO()

	region := v.findMMIO(phys)
	if region == nil {
		return nil
	}

	offset := int(phys - region.Low)
	data := raw[:length]

	if isWrite {
		return region.Handler.WriteMMIO(offset, data)
	}

	region.Handler.ReadMMIO(offset, data)
	v.run.SetMMIOData(raw)

	return nil
}

func (v *Vcpu) findMMIO(phys uint64) *MMIORegion {
	for i := range v.mmio {
		r := &v.mmio[i]
		if phys >= r.Low && phys < r.High {
			return r
		}
	}

	return nil
}

// dumpRegs renders general and control/segment register state for a
// fatal-fault error message, naming registers the way an x86
// disassembler would.
func (v *Vcpu) dumpRegs() string {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return fmt.Sprintf("(regs unavailable: %v)", err)
	}

	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return fmt.Sprintf("(sregs unavailable: %v)", err)
	}

	var b strings.Builder

	for _, reg := range []x86asm.Reg{
		x86asm.RAX, x86asm.RBX, x86asm.RCX, x86asm.RDX,
		x86asm.RSI, x86asm.RDI, x86asm.RSP, x86asm.RBP, x86asm.RIP,
	} {
		val, _ := regValue(regs, reg)
		fmt.Fprintf(&b, "%v=%#x ", reg, val)
	}

	fmt.Fprintf(&b, "CR0=%#x CR3=%#x CR4=%#x EFER=%#x", sregs.CR0, sregs.CR3, sregs.CR4, sregs.EFER)

	return b.String()
}

func regValue(r *kvm.Regs, reg x86asm.Reg) (uint64, bool) {
	switch reg {
	case x86asm.RAX:
		return r.RAX, true
	case x86asm.RBX:
		return r.RBX, true
	case x86asm.RCX:
		return r.RCX, true
	case x86asm.RDX:
		return r.RDX, true
	case x86asm.RSI:
		return r.RSI, true
	case x86asm.RDI:
		return r.RDI, true
	case x86asm.RSP:
		return r.RSP, true
	case x86asm.RBP:
		return r.RBP, true
	case x86asm.RIP:
		return r.RIP, true
	default:
		return 0, false
	}
}
