package virtio_test

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pedrortxdev/AxVM/memory"
	"github.com/pedrortxdev/AxVM/virtio"
	"github.com/pedrortxdev/AxVM/vmerr"
)

// fakePacket is an in-memory stand-in for a host TAP descriptor: Read
// blocks on an inbound-frame channel, Write captures outbound frames.
type fakePacket struct {
	in chan []byte

	mu  sync.Mutex
	out [][]byte
}

func newFakePacket() *fakePacket {
	return &fakePacket{in: make(chan []byte)}
}

func (f *fakePacket) Read(p []byte) (int, error) {
	frame, ok := <-f.in
	if !ok {
		return 0, io.EOF
	}

	return copy(p, frame), nil
}

func (f *fakePacket) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.out = append(f.out, append([]byte(nil), p...))

	return len(p), nil
}

func (f *fakePacket) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([][]byte(nil), f.out...)
}

type fakeIRQInjector struct {
	injected chan struct{}
}

func newFakeIRQInjector() *fakeIRQInjector {
	return &fakeIRQInjector{injected: make(chan struct{}, 16)}
}

func (f *fakeIRQInjector) InjectIRQ() error {
	f.injected <- struct{}{}

	return nil
}

func writeDescChain(t *testing.T, mem *memory.GuestMemory, descBase uint64, descs []virtio.Desc) {
	t.Helper()

	for i, d := range descs {
		off := descBase + uint64(i)*16

		raw, err := mem.Slice(off, 16)
		if err != nil {
			t.Fatal(err)
		}

		binary.LittleEndian.PutUint64(raw[0:8], d.Addr)
		binary.LittleEndian.PutUint32(raw[8:12], d.Len)
		binary.LittleEndian.PutUint16(raw[12:14], d.Flags)
		binary.LittleEndian.PutUint16(raw[14:16], d.Next)
	}
}

func setAvailRing(t *testing.T, mem *memory.GuestMemory, availBase uint64, headID uint16) {
	t.Helper()

	avail, err := mem.Slice(availBase, 6)
	if err != nil {
		t.Fatal(err)
	}

	binary.LittleEndian.PutUint16(avail[2:4], 1) // idx = 1
	binary.LittleEndian.PutUint16(avail[4:6], headID)
}

func TestNetTXWritesFrameSkippingHeader(t *testing.T) {
	t.Parallel()

	mem := newTestMem(t)
	packet := newFakePacket()

	net := virtio.NewNet(packet, [6]byte{0x02, 0, 0, 0, 0, 1}, vmerr.NewMetrics())

	const (
		descBase  = 0x20000
		availBase = 0x21000
		headerAddr = 0x22000
		dataAddr   = 0x23000
	)

	header := make([]byte, 12)
	if err := mem.Write(headerAddr, header); err != nil {
		t.Fatal(err)
	}

	if err := mem.Write(dataAddr, []byte("ETHERFRAME")); err != nil {
		t.Fatal(err)
	}

	writeDescChain(t, mem, descBase, []virtio.Desc{
		{Addr: headerAddr, Len: 12, Flags: virtio.DescNext, Next: 1},
		{Addr: dataAddr, Len: 10},
	})
	setAvailRing(t, mem, availBase, 0)

	q := &virtio.Queue{Size: 8, DescGPA: descBase, AvailGPA: availBase, UsedGPA: 0x24000, Ready: true}

	injected, err := net.HandleNotify(1, q, mem, vmerr.NewMetrics())
	if err != nil {
		t.Fatal(err)
	}

	if !injected {
		t.Fatal("expected TX drain to report work done")
	}

	writes := packet.writes()
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}

	if string(writes[0]) != "ETHERFRAME" {
		t.Fatalf("wrote %q, want %q (header must be skipped)", writes[0], "ETHERFRAME")
	}
}

func TestNetRXDeliversFrameWithHeader(t *testing.T) {
	t.Parallel()

	mem := newTestMem(t)
	packet := newFakePacket()
	irq := newFakeIRQInjector()

	net := virtio.NewNet(packet, [6]byte{}, vmerr.NewMetrics())
	dev := virtio.NewDevice(net, mem, vmerr.NewMetrics(), irq)

	const (
		descBase  = 0x30000
		availBase = 0x31000
		usedBase  = 0x32000
		dataAddr  = 0x33000
	)

	writeDescChain(t, mem, descBase, []virtio.Desc{
		{Addr: dataAddr, Len: 1500},
	})
	setAvailRing(t, mem, availBase, 0)

	rxQ := dev.Queue(0)
	rxQ.Size = 8
	rxQ.DescGPA = descBase
	rxQ.AvailGPA = availBase
	rxQ.UsedGPA = usedBase
	rxQ.Ready = true

	net.Attach(dev)

	packet.in <- []byte("HELLOFRAME")

	select {
	case <-irq.injected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RX completion IRQ")
	}

	got, err := mem.Slice(dataAddr, 12+10)
	if err != nil {
		t.Fatal(err)
	}

	if string(got[12:]) != "HELLOFRAME" {
		t.Fatalf("rx payload = %q, want %q", got[12:], "HELLOFRAME")
	}

	if got[10] != 1 {
		t.Fatalf("num_buffers byte = %d, want 1", got[10])
	}

	close(packet.in)
}

func TestNetRXDropsOversizedFrame(t *testing.T) {
	t.Parallel()

	mem := newTestMem(t)
	packet := newFakePacket()
	irq := newFakeIRQInjector()

	net := virtio.NewNet(packet, [6]byte{}, vmerr.NewMetrics())
	dev := virtio.NewDevice(net, mem, vmerr.NewMetrics(), irq)

	const (
		descBase  = 0x40000
		availBase = 0x41000
		usedBase  = 0x42000
		dataAddr  = 0x43000
	)

	// Chain only has room for 16 bytes total: a 12-byte header plus at
	// most 4 bytes of frame.
	writeDescChain(t, mem, descBase, []virtio.Desc{
		{Addr: dataAddr, Len: 16},
	})
	setAvailRing(t, mem, availBase, 0)

	rxQ := dev.Queue(0)
	rxQ.Size = 8
	rxQ.DescGPA = descBase
	rxQ.AvailGPA = availBase
	rxQ.UsedGPA = usedBase
	rxQ.Ready = true

	net.Attach(dev)

	packet.in <- make([]byte, 9000) // far larger than capacity.

	deadline := time.Now().Add(2 * time.Second)
	for net.DroppedFrames() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if net.DroppedFrames() != 1 {
		t.Fatalf("DroppedFrames = %d, want 1", net.DroppedFrames())
	}

	select {
	case <-irq.injected:
		t.Fatal("dropped frame should not inject a completion IRQ")
	default:
	}

	close(packet.in)
}

func TestNetConfigSpace(t *testing.T) {
	t.Parallel()

	mac := [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	net := virtio.NewNet(newFakePacket(), mac, vmerr.NewMetrics())

	config := make([]byte, 8)
	net.ConfigRead(0, config)

	if [6]byte(config[0:6]) != mac {
		t.Fatalf("config mac = %x, want %x", config[0:6], mac)
	}

	status := binary.LittleEndian.Uint16(config[6:8])
	if status&0x1 == 0 {
		t.Fatalf("status = %#x, want LINK_UP set", status)
	}
}

func TestNetDeviceIDAndQueues(t *testing.T) {
	t.Parallel()

	net := virtio.NewNet(newFakePacket(), [6]byte{}, vmerr.NewMetrics())

	if net.DeviceID() != virtio.NetDeviceID {
		t.Fatalf("DeviceID = %d, want %d", net.DeviceID(), virtio.NetDeviceID)
	}

	if net.NumQueues() != 2 {
		t.Fatalf("NumQueues = %d, want 2", net.NumQueues())
	}
}
