package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/pedrortxdev/AxVM/memory"
	"github.com/pedrortxdev/AxVM/vmerr"
)

// MMIO register offsets within a device's 0x200-byte window.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00C
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0A0
	regQueueDeviceHigh   = 0x0A4
	regConfig            = 0x100
)

// DeviceSize is the guest-physical footprint of one VirtIO-MMIO device.
const DeviceSize = 0x200

const (
	magicValue   = 0x74726976 // "virt"
	versionModern = 2
	vendorID     = 0x554D4158 // "XAMU", AxVM's vendor id
	queueNumMax  = 256
)

// FeatureVersion1 is bit 32 of the 64-bit feature bitmap, offered by
// every device this transport exposes.
const FeatureVersion1 = 1 << 32

// Device status bits (the monotonic state machine in spec.md §3).
const (
	StatusAcknowledge     = 1 << 0
	StatusDriver          = 1 << 1
	StatusFailed          = 1 << 7
	StatusFeaturesOK      = 1 << 3
	StatusDriverOK        = 1 << 2
	StatusDeviceNeedsReset = 1 << 6
)

// InterruptStatus bits.
const (
	interruptUsedRing    = 1 << 0
	interruptConfigChange = 1 << 1
)

// IRQInjector raises a device's interrupt line on the shared irqchip.
type IRQInjector interface {
	InjectIRQ() error
}

// Backend is implemented by each VirtIO device model (block, net):
// the device-identity and feature-negotiation facts the transport
// needs, plus the queue-processing and config-space callbacks.
type Backend interface {
	DeviceID() uint32
	NumQueues() int
	OfferedFeatures() uint64
	ConfigRead(offset int, data []byte)
	ConfigWrite(offset int, data []byte)
	HandleNotify(qIdx int, q *Queue, mem *memory.GuestMemory, metrics *vmerr.Metrics) (injectIRQ bool, err error)
}

// Device is one VirtIO-MMIO transport instance: register file, queue
// set, and feature/status negotiation state, wrapping a Backend.
type Device struct {
	Backend Backend

	mem     *memory.GuestMemory
	metrics *vmerr.Metrics
	irq     IRQInjector

	// mu guards every field below, held across a single MMIO access and
	// across one pass of queue draining, per the concurrency model.
	mu sync.Mutex

	queues []Queue

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel int

	status byte

	interruptStatus byte
}

// NewDevice wires backend to mem/metrics/irq and allocates its queues.
func NewDevice(backend Backend, mem *memory.GuestMemory, metrics *vmerr.Metrics, irq IRQInjector) *Device {
	return &Device{
		Backend: backend,
		mem:     mem,
		metrics: metrics,
		irq:     irq,
		queues:  make([]Queue, backend.NumQueues()),
	}
}

func (d *Device) currentQueue() *Queue {
	if d.queueSel < 0 || d.queueSel >= len(d.queues) {
		return nil
	}

	return &d.queues[d.queueSel]
}

// featuresOK reports whether FEATURES_OK has been latched by a prior
// WriteMMIO status write and not since cleared.
func (d *Device) featuresOK() bool {
	return d.status&StatusFeaturesOK != 0
}

func (d *Device) resetState() {
	d.deviceFeaturesSel = 0
	d.driverFeaturesSel = 0
	d.driverFeatures = 0
	d.queueSel = 0
	d.status = 0
	d.interruptStatus = 0

	for i := range d.queues {
		d.queues[i].Reset()
	}
}

// Mem returns the guest memory this device was wired to. Asynchronous
// backend workers (the net RX reader) use it outside the MMIO path.
func (d *Device) Mem() *memory.GuestMemory {
	return d.mem
}

// Queue returns a stable pointer to queue i, for backend workers that
// need to poll a queue outside of a QueueNotify-driven call. Callers
// touching the returned Queue's state from a goroutine other than the
// MMIO dispatch thread must hold LockQueues/UnlockQueues around the
// access, the same exclusion WriteMMIO gets.
func (d *Device) Queue(i int) *Queue {
	return &d.queues[i]
}

// LockQueues acquires the mutex that guards register and queue state,
// so an asynchronous backend worker (the net device's RX reader) can
// walk and publish to a queue with the same exclusion a guest-driven
// MMIO access gets. Callers must call UnlockQueues when done and must
// never block while holding it.
func (d *Device) LockQueues() {
	d.mu.Lock()
}

// UnlockQueues releases the lock taken by LockQueues.
func (d *Device) UnlockQueues() {
	d.mu.Unlock()
}

// NotifyAsync raises the used-ring interrupt outside the QueueNotify
// path, for backends that complete work on their own worker thread
// (the net device's RX reader) rather than synchronously inside
// HandleNotify.
func (d *Device) NotifyAsync() error {
	d.mu.Lock()
	d.interruptStatus |= interruptUsedRing
	d.mu.Unlock()

	return d.irq.InjectIRQ()
}

// ReadMMIO services a guest read of length len(data) at offset within
// this device's window.
func (d *Device) ReadMMIO(offset int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regMagicValue:
		binary.LittleEndian.PutUint32(data, magicValue)
	case regVersion:
		binary.LittleEndian.PutUint32(data, versionModern)
	case regDeviceID:
		binary.LittleEndian.PutUint32(data, d.Backend.DeviceID())
	case regVendorID:
		binary.LittleEndian.PutUint32(data, vendorID)
	case regDeviceFeatures:
		features := d.Backend.OfferedFeatures() | FeatureVersion1
		if d.deviceFeaturesSel == 0 {
			binary.LittleEndian.PutUint32(data, uint32(features))
		} else {
			binary.LittleEndian.PutUint32(data, uint32(features>>32))
		}
	case regQueueNumMax:
		binary.LittleEndian.PutUint32(data, queueNumMax)
	case regQueueReady:
		if q := d.currentQueue(); q != nil && q.Ready {
			binary.LittleEndian.PutUint32(data, 1)
		} else {
			binary.LittleEndian.PutUint32(data, 0)
		}
	case regInterruptStatus:
		data[0] = d.interruptStatus
	case regStatus:
		// FEATURES_OK is not latched across a rejected negotiation: a
		// driver that set bits outside the offered set reads back 0.
		binary.LittleEndian.PutUint32(data, uint32(d.status))
	default:
		if offset >= regConfig {
			d.Backend.ConfigRead(offset-regConfig, data)
		}
	}
}

// WriteMMIO services a guest write of data at offset.
func (d *Device) WriteMMIO(offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regDeviceFeaturesSel:
		if d.status&StatusDriverOK != 0 {
			return nil
		}

		d.deviceFeaturesSel = binary.LittleEndian.Uint32(data)
	case regDriverFeatures:
		if d.status&StatusDriverOK != 0 {
			return nil // ignored after DRIVER_OK, per spec.
		}

		v := uint64(binary.LittleEndian.Uint32(data))
		if d.driverFeaturesSel == 0 {
			d.driverFeatures = d.driverFeatures&^0xFFFFFFFF | v
		} else {
			d.driverFeatures = d.driverFeatures&0xFFFFFFFF | v<<32
		}
	case regDriverFeaturesSel:
		if d.status&StatusDriverOK != 0 {
			return nil
		}

		d.driverFeaturesSel = binary.LittleEndian.Uint32(data)
	case regQueueSel:
		d.queueSel = int(binary.LittleEndian.Uint32(data))
	case regQueueNum:
		if q := d.currentQueue(); q != nil {
			q.Size = int(binary.LittleEndian.Uint32(data))
		}
	case regQueueReady:
		if q := d.currentQueue(); q != nil {
			q.Ready = binary.LittleEndian.Uint32(data) != 0
		}
	case regQueueNotify:
		return d.handleNotify(int(binary.LittleEndian.Uint32(data)))
	case regInterruptACK:
		d.interruptStatus &^= data[0]
	case regStatus:
		return d.writeStatus(byte(binary.LittleEndian.Uint32(data)))
	case regQueueDescLow:
		if q := d.currentQueue(); q != nil {
			d.setQueueAddrLow(&q.DescGPA, data)
		}
	case regQueueDescHigh:
		if q := d.currentQueue(); q != nil {
			d.setQueueAddrHigh(&q.DescGPA, data)
		}
	case regQueueDriverLow:
		if q := d.currentQueue(); q != nil {
			d.setQueueAddrLow(&q.AvailGPA, data)
		}
	case regQueueDriverHigh:
		if q := d.currentQueue(); q != nil {
			d.setQueueAddrHigh(&q.AvailGPA, data)
		}
	case regQueueDeviceLow:
		if q := d.currentQueue(); q != nil {
			d.setQueueAddrLow(&q.UsedGPA, data)
		}
	case regQueueDeviceHigh:
		if q := d.currentQueue(); q != nil {
			d.setQueueAddrHigh(&q.UsedGPA, data)
		}
	default:
		if offset >= regConfig {
			d.Backend.ConfigWrite(offset-regConfig, data)
		}
	}

	return nil
}

func (d *Device) setQueueAddrLow(field *uint64, data []byte) {
	*field = *field&0xFFFFFFFF00000000 | uint64(binary.LittleEndian.Uint32(data))
}

func (d *Device) setQueueAddrHigh(field *uint64, data []byte) {
	*field = *field&0xFFFFFFFF | uint64(binary.LittleEndian.Uint32(data))<<32
}

func (d *Device) writeStatus(v byte) error {
	if v == 0 {
		d.resetState()

		return nil
	}

	if v&StatusFailed != 0 {
		d.resetState()
		d.status = StatusFailed

		return nil
	}

	if v&StatusFeaturesOK != 0 && d.status&StatusFeaturesOK == 0 {
		offered := d.Backend.OfferedFeatures() | FeatureVersion1
		if d.driverFeatures&^offered != 0 {
			// Driver asked for bits we never offered: reject by not
			// latching FEATURES_OK. A subsequent status read observes 0.
			d.status = 0

			return nil
		}
	}

	d.status = v

	return nil
}

func (d *Device) handleNotify(qIdx int) error {
	if qIdx < 0 || qIdx >= len(d.queues) {
		return nil
	}

	if d.status&StatusDriverOK == 0 {
		return nil
	}

	q := &d.queues[qIdx]
	if !q.Ready {
		return nil
	}

	injectIRQ, err := d.Backend.HandleNotify(qIdx, q, d.mem, d.metrics)
	if err != nil {
		return err
	}

	if injectIRQ {
		d.interruptStatus |= interruptUsedRing

		return d.irq.InjectIRQ()
	}

	return nil
}
