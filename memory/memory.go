// Package memory implements the guest's contiguous physical address
// space: a single anonymous host mapping, bounds-checked on every
// access, registered with the host virtualization facility under slot 0.
package memory

import (
	"fmt"

	"github.com/pedrortxdev/AxVM/vmerr"
	"golang.org/x/sys/unix"
)

const (
	// alignment is the huge-page granularity guest RAM is rounded up to.
	alignment = 2 << 20

	// MinSize is the smallest guest RAM size AxVM will build.
	MinSize = 1 << 25
)

// GuestMemory is a single host-backed mapping standing in for guest
// physical RAM. All guest-visible addresses below Size() are valid;
// anything else is MemoryOutOfBounds.
type GuestMemory struct {
	bytes      []byte
	registered bool
	metrics    *vmerr.Metrics
}

// New allocates size bytes (rounded up to a 2 MiB boundary) of
// anonymous, shared memory for use as guest RAM. New neither locks nor
// hints the allocation; LockAndHint does both, best-effort, and the
// caller logs its failures rather than treating them as fatal. metrics may be nil
// if the caller does not want out-of-bounds accesses counted.
func New(size int, metrics *vmerr.Metrics) (*GuestMemory, error) {
	if size < MinSize {
		return nil, metrics.New(vmerr.ConfigInvalid,
			fmt.Sprintf("requested guest memory %d below minimum %d", size, MinSize), nil)
	}

	size = alignUp(size, alignment)

	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	return &GuestMemory{bytes: b, metrics: metrics}, nil
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// Size returns the number of guest-addressable bytes.
func (g *GuestMemory) Size() int {
	return len(g.bytes)
}

// Bytes returns the raw backing slice. Callers that need a host
// pointer for an ioctl (kernel memory-region registration) use this;
// everyone else should prefer Slice/Read/Write so bounds are checked.
func (g *GuestMemory) Bytes() []byte {
	return g.bytes
}

func (g *GuestMemory) checkBounds(gpa uint64, length int) error {
	if length < 0 || gpa > uint64(len(g.bytes)) || uint64(length) > uint64(len(g.bytes))-gpa {
		return g.metrics.New(vmerr.MemoryOutOfBounds,
			fmt.Sprintf("gpa=%#x len=%d size=%d", gpa, length, len(g.bytes)), nil)
	}

	return nil
}

// Slice returns a bounds-checked, read/write view of [gpa, gpa+len)
// into guest RAM. The returned slice aliases the underlying mapping;
// callers must not retain it past the scope of the current MMIO/queue
// operation (see vmm orchestrator ownership notes).
func (g *GuestMemory) Slice(gpa uint64, length int) ([]byte, error) {
	if err := g.checkBounds(gpa, length); err != nil {
		return nil, err
	}

	return g.bytes[gpa : gpa+uint64(length)], nil
}

// Read copies len(dst) bytes starting at gpa into dst.
func (g *GuestMemory) Read(gpa uint64, dst []byte) error {
	src, err := g.Slice(gpa, len(dst))
	if err != nil {
		return err
	}

	copy(dst, src)

	return nil
}

// Write copies src into guest RAM starting at gpa.
func (g *GuestMemory) Write(gpa uint64, src []byte) error {
	dst, err := g.Slice(gpa, len(src))
	if err != nil {
		return err
	}

	copy(dst, src)

	return nil
}

// MarkRegistered records that this region has been handed to the
// kernel virtualization facility under slot 0. Calling it twice is a
// programmer error, not a runtime one — it panics, mirroring the
// teacher's treatment of "should never happen" invariants.
func (g *GuestMemory) MarkRegistered() {
	if g.registered {
		panic("memory: guest memory already registered with host facility")
	}

	g.registered = true
}

// Registered reports whether MarkRegistered has been called.
func (g *GuestMemory) Registered() bool {
	return g.registered
}

// LockAndHint best-effort locks the mapping into RAM and advises the
// kernel to back it with huge pages. Failure of either is not fatal;
// the caller logs and continues.
func (g *GuestMemory) LockAndHint() (lockErr, hugeErr error) {
	if len(g.bytes) == 0 {
		return nil, nil
	}

	lockErr = unix.Mlock(g.bytes)
	hugeErr = unix.Madvise(g.bytes, unix.MADV_HUGEPAGE)

	return lockErr, hugeErr
}

// Close unmaps the guest memory. Safe to call once, at VM teardown.
func (g *GuestMemory) Close() error {
	if len(g.bytes) == 0 {
		return nil
	}

	b := g.bytes
	g.bytes = nil

	return unix.Munmap(b)
}
