// Package tapdev opens a host TAP network interface as an
// io.ReadWriteCloser of raw Ethernet frames, for the virtio-net backend
// to bridge against.
package tapdev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ifNameSize = 0x10

// ifReq mirrors struct ifreq as TUNSETIFF expects it: a 16-byte
// interface name followed by the flags field, padded to the kernel's
// fixed-size union.
type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// Tap is one open TAP device, read/written one Ethernet frame at a time.
type Tap struct {
	f *os.File
}

// Open creates (or attaches to) the TAP interface named name and
// returns it ready for blocking frame-at-a-time Read/Write. The
// backend's own reader goroutine supplies the blocking.
func Open(name string) (*Tap, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tapdev: open /dev/net/tun: %w", err)
	}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.TUNSETIFF,
		uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		f.Close()

		return nil, fmt.Errorf("tapdev: TUNSETIFF %q: %w", name, errno)
	}

	return &Tap{f: f}, nil
}

// Read reads one Ethernet frame, blocking until one arrives.
func (t *Tap) Read(p []byte) (int, error) {
	return t.f.Read(p)
}

// Write sends one Ethernet frame.
func (t *Tap) Write(p []byte) (int, error) {
	return t.f.Write(p)
}

// Close releases the underlying file descriptor, unblocking any
// in-flight Read with an error.
func (t *Tap) Close() error {
	return t.f.Close()
}
