// Package virtio implements the VirtIO-MMIO transport, the shared
// virtqueue mechanics, and the block and net device backends.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/pedrortxdev/AxVM/memory"
	"github.com/pedrortxdev/AxVM/vmerr"
)

// Descriptor flags.
const (
	DescNext     = 1 << 0
	DescWrite    = 1 << 1
	DescIndirect = 1 << 2
)

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// Desc is one descriptor-table entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is the device-owned state of one virtqueue: the three
// guest-physical regions the driver configured, plus the cursors the
// device side maintains between kicks.
type Queue struct {
	Size int

	DescGPA  uint64
	AvailGPA uint64
	UsedGPA  uint64

	Ready bool

	lastAvailIdx uint16
	usedIdx      uint16
}

// Reset clears a queue back to its power-on state (called on device
// status reset).
func (q *Queue) Reset() {
	*q = Queue{}
}

func (q *Queue) readDesc(mem *memory.GuestMemory, metrics *vmerr.Metrics, id uint16) (Desc, error) {
	if int(id) >= q.Size {
		return Desc{}, metrics.New(vmerr.VirtqueueMalformed,
			fmt.Sprintf("descriptor id %d out of range [0,%d)", id, q.Size), nil)
	}

	raw, err := mem.Slice(q.DescGPA+uint64(id)*descSize, descSize)
	if err != nil {
		return Desc{}, err
	}

	return Desc{
		Addr:  binary.LittleEndian.Uint64(raw[0:8]),
		Len:   binary.LittleEndian.Uint32(raw[8:12]),
		Flags: binary.LittleEndian.Uint16(raw[12:14]),
		Next:  binary.LittleEndian.Uint16(raw[14:16]),
	}, nil
}

// availRingHeaderSize is flags(2)+idx(2).
const availRingHeaderSize = 4

// availIdx reads avail.idx with a plain load. No explicit memory fence
// orders this read before the ring-entry reads that follow it.
func (q *Queue) availIdx(mem *memory.GuestMemory) (uint16, error) {
	raw, err := mem.Slice(q.AvailGPA+2, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(raw), nil
}

func (q *Queue) availRingEntry(mem *memory.GuestMemory, pos uint16) (uint16, error) {
	off := q.AvailGPA + availRingHeaderSize + uint64(int(pos)%q.Size)*2

	raw, err := mem.Slice(off, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(raw), nil
}

// usedElemSize is id(4)+len(4).
const usedElemSize = 8

// publishUsed writes one used-ring element and then bumps used.idx.
// Both are plain stores in program order; no explicit memory fence
// orders the element bytes before the idx update.
func (q *Queue) publishUsed(mem *memory.GuestMemory, id uint32, length uint32) error {
	off := q.UsedGPA + availRingHeaderSize + uint64(int(q.usedIdx)%q.Size)*usedElemSize

	elem, err := mem.Slice(off, usedElemSize)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(elem[0:4], id)
	binary.LittleEndian.PutUint32(elem[4:8], length)

	q.usedIdx++

	idxField, err := mem.Slice(q.UsedGPA+2, 2)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(idxField, q.usedIdx)

	return nil
}

// HasAvailWork reports whether the driver has queued entries this
// device hasn't consumed yet.
func (q *Queue) HasAvailWork(mem *memory.GuestMemory) (bool, error) {
	idx, err := q.availIdx(mem)
	if err != nil {
		return false, err
	}

	return idx != q.lastAvailIdx, nil
}

// Chain is one fully-walked descriptor chain: the head id (used to
// publish the used entry) and the descriptors in chain order.
type Chain struct {
	HeadID uint16
	Descs  []Desc
}

// NextChain consumes the next available-ring entry and walks its
// descriptor chain. Chains longer than Size are rejected as
// VirtqueueMalformed (the only way a well-formed NEXT-linked chain can
// exceed the queue's own descriptor count is a cycle).
func (q *Queue) NextChain(mem *memory.GuestMemory, metrics *vmerr.Metrics) (*Chain, error) {
	has, err := q.HasAvailWork(mem)
	if err != nil {
		return nil, err
	}

	if !has {
		return nil, nil
	}

	headID, err := q.availRingEntry(mem, q.lastAvailIdx)
	if err != nil {
		return nil, err
	}

	q.lastAvailIdx++

	chain := &Chain{HeadID: headID}

	id := headID
	for i := 0; i <= q.Size; i++ {
		if i == q.Size {
			return nil, metrics.New(vmerr.VirtqueueMalformed,
				fmt.Sprintf("descriptor chain head=%d exceeds queue size %d (cycle?)", headID, q.Size), nil)
		}

		desc, err := q.readDesc(mem, metrics, id)
		if err != nil {
			return nil, err
		}

		chain.Descs = append(chain.Descs, desc)

		if desc.Flags&DescNext == 0 {
			break
		}

		id = desc.Next
	}

	return chain, nil
}

// PublishUsed records that chain was fully handled, having written
// length bytes into the guest (or read length bytes for a TX-style
// chain — the caller decides what "length" means for its direction).
func (q *Queue) PublishUsed(mem *memory.GuestMemory, chain *Chain, length uint32) error {
	return q.publishUsed(mem, uint32(chain.HeadID), length)
}

// DropChain publishes a zero-length used entry for a malformed chain,
// per spec: drop the chain, publish used.len=0, let the caller log it.
func (q *Queue) DropChain(mem *memory.GuestMemory, headID uint16) error {
	return q.publishUsed(mem, uint32(headID), 0)
}
