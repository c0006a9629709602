package virtio

import (
	"io"
	"sync/atomic"

	"github.com/pedrortxdev/AxVM/memory"
	"github.com/pedrortxdev/AxVM/vmerr"
)

// NetDeviceID is the VirtIO device-id value for a network device.
const NetDeviceID = 1

const (
	rxQueueIdx = 0
	txQueueIdx = 1
)

// netHeaderSize is the virtio-net per-packet header: flags(1) +
// gso_type(1) + hdr_len(2) + gso_size(2) + csum_start(2) +
// csum_offset(2) + num_buffers(2).
const netHeaderSize = 12

const numBuffersOffset = 10

// Net feature bits, beyond the VERSION_1 bit every device offers.
const (
	netFMAC    = 1 << 5
	netFStatus = 1 << 16
)

// netStatusLinkUp is the bit set in the config-space status field
// whenever the backend reports the link as up (always, for a tap-like
// packet source with no real carrier detection).
const netStatusLinkUp = 1 << 0

const maxFrameSize = 65536

// Net is the virtio-net backend: a receive queue and a transmit
// queue, bridging guest Ethernet frames to a host packet device (a
// TAP file descriptor in production, anything satisfying io.ReadWriter
// in tests).
type Net struct {
	packet  io.ReadWriter
	mac     [6]byte
	metrics *vmerr.Metrics

	dev *Device

	rxReady chan struct{}
	rxDrops atomic.Int64
}

// NewNet builds a Net backend reading/writing Ethernet frames through
// packet, reporting mac in its config space. The RX reader goroutine
// does not start until Attach is called.
func NewNet(packet io.ReadWriter, mac [6]byte, metrics *vmerr.Metrics) *Net {
	return &Net{packet: packet, mac: mac, metrics: metrics, rxReady: make(chan struct{}, 1)}
}

// Attach wires this backend to the transport device that owns its
// queues and starts the background frame reader. The orchestrator
// calls this once, after constructing the Device that wraps n.
func (n *Net) Attach(dev *Device) {
	n.dev = dev

	go n.rxLoop()
}

// DroppedFrames reports how many inbound frames were discarded for
// exceeding the guest's currently posted RX buffer capacity.
func (n *Net) DroppedFrames() int64 {
	return n.rxDrops.Load()
}

// DeviceID implements Backend.
func (*Net) DeviceID() uint32 { return NetDeviceID }

// NumQueues implements Backend: receive (0) and transmit (1).
func (*Net) NumQueues() int { return 2 }

// OfferedFeatures implements Backend.
func (*Net) OfferedFeatures() uint64 { return netFMAC | netFStatus }

// ConfigRead implements Backend: mac (6 bytes) then status (u16 LE).
func (n *Net) ConfigRead(offset int, data []byte) {
	config := make([]byte, 8)
	copy(config[0:6], n.mac[:])
	config[6] = netStatusLinkUp
	config[7] = 0

	if offset < 0 || offset >= len(config) {
		return
	}

	copy(data, config[offset:])
}

// ConfigWrite implements Backend: net config space is read-only.
func (*Net) ConfigWrite(int, []byte) {}

// HandleNotify implements Backend. The TX queue is drained
// synchronously here; the RX queue only gets a wakeup signal, since
// RX completions are produced by the background reader as frames
// arrive, not by guest kicks.
func (n *Net) HandleNotify(qIdx int, q *Queue, mem *memory.GuestMemory, metrics *vmerr.Metrics) (bool, error) {
	switch qIdx {
	case txQueueIdx:
		return n.drainTX(q, mem, metrics)
	case rxQueueIdx:
		select {
		case n.rxReady <- struct{}{}:
		default:
		}

		return false, nil
	default:
		return false, nil
	}
}

func (n *Net) drainTX(q *Queue, mem *memory.GuestMemory, metrics *vmerr.Metrics) (bool, error) {
	injected := false

	for {
		chain, err := q.NextChain(mem, metrics)
		if err != nil {
			return injected, err
		}

		if chain == nil {
			break
		}

		if len(chain.Descs) == 0 {
			if err := q.DropChain(mem, chain.HeadID); err != nil {
				return injected, err
			}

			continue
		}

		frame, err := readChain(mem, chain.Descs)
		if err != nil {
			return injected, err
		}

		if len(frame) > netHeaderSize {
			if _, err := n.packet.Write(frame[netHeaderSize:]); err != nil {
				return injected, err
			}
		}

		if err := q.PublishUsed(mem, chain, netHeaderSize); err != nil {
			return injected, err
		}

		injected = true
	}

	return injected, nil
}

// rxLoop reads frames from the host packet device and delivers each
// to one RX chain, blocking for buffers when the guest has none
// posted. It runs for the lifetime of the device; the orchestrator
// tears it down by closing the underlying packet descriptor, which
// unblocks the pending Read with an error.
func (n *Net) rxLoop() {
	mem := n.dev.Mem()
	rxQueue := n.dev.Queue(rxQueueIdx)

	buf := make([]byte, maxFrameSize)

	for {
		frameLen, err := n.packet.Read(buf)
		if err != nil {
			return
		}

		frame := append([]byte(nil), buf[:frameLen]...)

		n.deliver(mem, rxQueue, frame)
	}
}

// deliver hands one received frame to the next posted RX chain. The
// chain-consume/write/publish sequence runs under Device.LockQueues,
// the same mutex WriteMMIO holds across a queue register write, since
// this runs on the RX reader's own goroutine rather than the MMIO
// dispatch path; only the blocking wait for buffers in nextRXChain
// happens unlocked.
func (n *Net) deliver(mem *memory.GuestMemory, rxQueue *Queue, frame []byte) {
	chain := n.nextRXChain(mem, rxQueue)
	if chain == nil {
		return // NextChain failed; this frame is discarded.
	}

	n.dev.LockQueues()
	notify, err := n.fillChain(mem, rxQueue, chain, frame)
	n.dev.UnlockQueues()

	if err != nil {
		return
	}

	if notify {
		_ = n.dev.NotifyAsync()
	}
}

// fillChain writes frame into chain and publishes the used entry (or
// drops the chain if it's too small to hold frame). Callers must hold
// Device.LockQueues.
func (n *Net) fillChain(mem *memory.GuestMemory, rxQueue *Queue, chain *Chain, frame []byte) (bool, error) {
	capacity := 0
	for _, d := range chain.Descs {
		capacity += int(d.Len)
	}

	if netHeaderSize+len(frame) > capacity {
		n.rxDrops.Add(1)

		return false, rxQueue.DropChain(mem, chain.HeadID)
	}

	blob := make([]byte, netHeaderSize+len(frame))
	blob[numBuffersOffset] = 1 // num_buffers = 1, rest of header zero.
	copy(blob[netHeaderSize:], frame)

	if err := writeChain(mem, chain.Descs, blob); err != nil {
		return false, err
	}

	if err := rxQueue.PublishUsed(mem, chain, uint32(len(blob))); err != nil {
		return false, err
	}

	return true, nil
}

// nextRXChain returns the next posted RX chain, blocking on rxReady
// until the guest kicks the RX queue with new buffers. Returns nil
// whenever NextChain returns an error. Each
// NextChain poll runs under Device.LockQueues; the lock is released
// before the blocking receive on rxReady so a concurrent MMIO access
// is never held up by an idle RX reader.
func (n *Net) nextRXChain(mem *memory.GuestMemory, rxQueue *Queue) *Chain {
	for {
		n.dev.LockQueues()
		chain, err := rxQueue.NextChain(mem, n.metrics)
		n.dev.UnlockQueues()

		if err != nil {
			return nil
		}

		if chain != nil {
			return chain
		}

		<-n.rxReady
	}
}

func readChain(mem *memory.GuestMemory, descs []Desc) ([]byte, error) {
	var buf []byte

	for _, d := range descs {
		raw, err := mem.Slice(d.Addr, int(d.Len))
		if err != nil {
			return nil, err
		}

		buf = append(buf, raw...)
	}

	return buf, nil
}

func writeChain(mem *memory.GuestMemory, descs []Desc, blob []byte) error {
	off := 0

	for _, d := range descs {
		n := int(d.Len)
		if off+n > len(blob) {
			n = len(blob) - off
		}

		if n <= 0 {
			break
		}

		if err := mem.Write(d.Addr, blob[off:off+n]); err != nil {
			return err
		}

		off += n
	}

	return nil
}
