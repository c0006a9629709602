package virtio

import (
	"encoding/binary"
	"io"

	"github.com/pedrortxdev/AxVM/memory"
	"github.com/pedrortxdev/AxVM/vmerr"
)

// BlkDeviceID is the VirtIO device-id value for a block device.
const BlkDeviceID = 2

// Block request types, carried in the header descriptor.
const (
	blkTypeIn    = 0 // read
	blkTypeOut   = 1 // write
	blkTypeFlush = 4
)

// Block status-byte values.
const (
	BlkStatusOK          = 0
	BlkStatusIOErr       = 1
	BlkStatusUnsupported = 2
)

const sectorSize = 512

// Block feature bits, beyond the VERSION_1 bit every device offers.
const (
	blkFSegMax   = 1 << 2
	blkFBlkSize  = 1 << 6
	blkFFlush    = 1 << 9
	blkFConfigWCE = 1 << 11
)

// BackingFile is the minimal surface Blk needs from its backing
// storage: positioned reads/writes and an fsync-equivalent.
type BackingFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
}

// Blk is the virtio-blk backend: a single request queue served
// against a backing file treated as a flat array of 512-byte sectors.
type Blk struct {
	file     BackingFile
	capacity uint64 // in 512-byte sectors

	metrics *vmerr.Metrics
}

// NewBlk builds a Blk backend over file, whose capacity is derived
// from the file's current size.
func NewBlk(file BackingFile, metrics *vmerr.Metrics) (*Blk, error) {
	size, err := file.Size()
	if err != nil {
		return nil, err
	}

	return &Blk{file: file, capacity: uint64(size) / sectorSize, metrics: metrics}, nil
}

// DeviceID implements Backend.
func (*Blk) DeviceID() uint32 { return BlkDeviceID }

// NumQueues implements Backend: virtio-blk has exactly one request queue.
func (*Blk) NumQueues() int { return 1 }

// OfferedFeatures implements Backend.
func (*Blk) OfferedFeatures() uint64 {
	return blkFSegMax | blkFBlkSize | blkFFlush | blkFConfigWCE
}

// ConfigRead implements Backend: capacity (u64 LE) then blk_size (u32 LE).
func (b *Blk) ConfigRead(offset int, data []byte) {
	config := make([]byte, 16)
	binary.LittleEndian.PutUint64(config[0:8], b.capacity)
	binary.LittleEndian.PutUint32(config[8:12], sectorSize)

	if offset < 0 || offset >= len(config) {
		return
	}

	copy(data, config[offset:])
}

// ConfigWrite implements Backend: block config space is read-only.
func (*Blk) ConfigWrite(int, []byte) {}

type blkRequestHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

const blkHeaderSize = 16

// HandleNotify implements Backend: drains every available chain on
// the single request queue.
func (b *Blk) HandleNotify(_ int, q *Queue, mem *memory.GuestMemory, metrics *vmerr.Metrics) (bool, error) {
	injected := false

	for {
		chain, err := q.NextChain(mem, metrics)
		if err != nil {
			return injected, err
		}

		if chain == nil {
			break
		}

		if err := b.serve(q, mem, chain); err != nil {
			return injected, err
		}

		injected = true
	}

	return injected, nil
}

func (b *Blk) serve(q *Queue, mem *memory.GuestMemory, chain *Chain) error {
	if len(chain.Descs) < 2 {
		return q.DropChain(mem, chain.HeadID)
	}

	header := chain.Descs[0]
	if header.Len < blkHeaderSize {
		return q.DropChain(mem, chain.HeadID)
	}

	raw, err := mem.Slice(header.Addr, blkHeaderSize)
	if err != nil {
		return err
	}

	req := blkRequestHeader{
		Type:     binary.LittleEndian.Uint32(raw[0:4]),
		Reserved: binary.LittleEndian.Uint32(raw[4:8]),
		Sector:   binary.LittleEndian.Uint64(raw[8:16]),
	}

	data := chain.Descs[1 : len(chain.Descs)-1]
	statusDesc := chain.Descs[len(chain.Descs)-1]

	var status byte
	var written uint32

	switch req.Type {
	case blkTypeIn:
		status, written = b.serveRead(mem, req.Sector, data)
	case blkTypeOut:
		status, written = b.serveWrite(mem, req.Sector, data)
	case blkTypeFlush:
		if err := b.file.Sync(); err != nil {
			status = BlkStatusIOErr
		} else {
			status = BlkStatusOK
		}
	default:
		status = BlkStatusUnsupported
	}

	if err := mem.Write(statusDesc.Addr, []byte{status}); err != nil {
		return err
	}

	return q.PublishUsed(mem, chain, written+1)
}

func (b *Blk) serveRead(mem *memory.GuestMemory, sector uint64, data []Desc) (byte, uint32) {
	offset := sector * sectorSize

	var total uint32

	for _, d := range data {
		buf := make([]byte, d.Len)
		if _, err := b.file.ReadAt(buf, int64(offset)); err != nil {
			return BlkStatusIOErr, total
		}

		if err := mem.Write(d.Addr, buf); err != nil {
			return BlkStatusIOErr, total
		}

		offset += uint64(d.Len)
		total += d.Len
	}

	return BlkStatusOK, total
}

func (b *Blk) serveWrite(mem *memory.GuestMemory, sector uint64, data []Desc) (byte, uint32) {
	offset := sector * sectorSize

	for _, d := range data {
		buf, err := mem.Slice(d.Addr, int(d.Len))
		if err != nil {
			return BlkStatusIOErr, 0
		}

		if _, err := b.file.WriteAt(buf, int64(offset)); err != nil {
			return BlkStatusIOErr, 0
		}

		offset += uint64(d.Len)
	}

	return BlkStatusOK, 0
}
