// VirtIO-blk driver
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package blockdev

import (
	"encoding/binary"
	"errors"

	"github.com/f-secure-foundry/morpheus/dma"
	"github.com/f-secure-foundry/morpheus/kvm/virtio"
	"github.com/f-secure-foundry/morpheus/pci"
)

// VirtIO-blk device configuration layout offsets
// (Virtual I/O Device (VIRTIO) Version 1.2, §5.2.4).
const (
	blkCfgCapacity     = 0x00 // 8 bytes, in 512-byte sectors
	blkCfgSizeMax      = 0x08
	blkCfgSegMax       = 0x0c
	blkCfgBlkSize      = 0x14
	blkCfgCfgSize      = 60
)

// VirtIO-blk feature bits.
const (
	featVersion1 = 1 << 32
	featBlkSize  = 1 << 6
	featFlush    = 1 << 9
	featRO       = 1 << 5
)

// VirtIO-blk request types.
const (
	reqTypeIn    = 0 // read
	reqTypeOut   = 1 // write
	reqTypeFlush = 4
)

// A VirtIO-blk request is logically a 3-descriptor chain (header, data,
// status), per the VirtIO spec's split-ring convention; this driver
// flattens that chain into a single queue slot per request rather than
// pushing three chained descriptors (see submit), so each slot must be
// sized for the largest request this device will ever be asked to
// serve, not just the teacher's original single-sector network-packet
// assumption.
const (
	blkHeaderSize = 16 // type, reserved, sector (VIRTIO 1.2 §5.2.6)
	blkStatusSize = 1
)

// VirtIO-blk status codes.
const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

const queueSize = 64

// pending tracks a request awaiting completion. Requests are kept in
// submission order and PollCompletion pairs each queue Pop with the
// oldest pending entry.
type pending struct {
	id          uint64
	sectorCount uint32
	headerAddr  uint
	statusAddr  uint
	bufferPhys  uint
	isRead      bool
}

// VirtIOBlk drives a VirtIO-blk device over the PCI transport.
type VirtIOBlk struct {
	io *virtio.PCI
	vq *virtio.VirtualQueue

	info Info

	inflight []pending
}

// NewVirtIOBlk probes and initializes the VirtIO-blk device at d.
func NewVirtIOBlk(d *pci.Device) (*VirtIOBlk, error) {
	d.EnableBusMaster()

	io := &virtio.PCI{Device: d}
	if err := io.Init(featVersion1 | featBlkSize | featFlush | featRO); err != nil {
		return nil, err
	}

	blk := &VirtIOBlk{io: io}

	cfg := io.Config(blkCfgCfgSize)
	capacitySectors := binary.LittleEndian.Uint64(cfg[blkCfgCapacity:])

	sectorSize := uint32(512)
	if io.NegotiatedFeatures()&featBlkSize != 0 {
		sectorSize = binary.LittleEndian.Uint32(cfg[blkCfgBlkSize:])
	}

	maxSegSize := binary.LittleEndian.Uint32(cfg[blkCfgSizeMax:])
	maxSectorsPerRequest := uint32(256)
	if maxSegSize != 0 {
		maxSectorsPerRequest = maxSegSize / sectorSize
	}

	blk.info = Info{
		TotalSectors:        capacitySectors * 512 / uint64(sectorSize),
		SectorSize:          sectorSize,
		MaxSectorsPerRequest: maxSectorsPerRequest,
		ReadOnly:            io.NegotiatedFeatures()&featRO != 0,
	}

	blk.vq = &virtio.VirtualQueue{}
	blk.vq.Init(queueSize, virtioBlkSlotSize(sectorSize, maxSectorsPerRequest), 0)
	io.SetQueue(0, blk.vq)
	io.SetReady()

	return blk, nil
}

// virtioBlkSlotSize is the queue slot size for a device whose negotiated
// block size and segment cap are sectorSize/maxSectorsPerRequest: large
// enough to hold the flattened header+data+status buffer of the biggest
// request this device will ever be asked to serve.
func virtioBlkSlotSize(sectorSize uint32, maxSectorsPerRequest uint32) int {
	return blkHeaderSize + int(maxSectorsPerRequest)*int(sectorSize) + blkStatusSize
}

func (b *VirtIOBlk) Info() Info { return b.info }

func (b *VirtIOBlk) CanSubmit() bool {
	return len(b.inflight) < queueSize
}

func (b *VirtIOBlk) submit(req Request, reqType uint32) error {
	if !b.CanSubmit() {
		return ErrQueueFull
	}

	if err := validateRequest(req, b.info, reqType == reqTypeOut); err != nil {
		return err
	}

	hdrAddr, hdr := dma.Reserve(blkHeaderSize, 8)
	binary.LittleEndian.PutUint32(hdr[0:], reqType)
	binary.LittleEndian.PutUint32(hdr[4:], 0)
	binary.LittleEndian.PutUint64(hdr[8:], req.Sector*uint64(b.info.SectorSize/512))

	statusAddr, _ := dma.Reserve(blkStatusSize, 1)

	dataLen := int(req.SectorCount) * int(b.info.SectorSize)
	buf := make([]byte, blkHeaderSize+dataLen+blkStatusSize)
	copy(buf, hdr)

	if reqType == reqTypeOut {
		dma.Read(req.BufferPhys, 0, buf[blkHeaderSize:blkHeaderSize+dataLen])
	}

	b.vq.Push(buf)

	b.inflight = append(b.inflight, pending{
		id:          req.ID,
		sectorCount: req.SectorCount,
		headerAddr:  hdrAddr,
		statusAddr:  statusAddr,
		bufferPhys:  req.BufferPhys,
		isRead:      reqType == reqTypeIn,
	})

	return nil
}

func (b *VirtIOBlk) SubmitRead(req Request) error {
	return b.submit(req, reqTypeIn)
}

func (b *VirtIOBlk) SubmitWrite(req Request) error {
	return b.submit(req, reqTypeOut)
}

func (b *VirtIOBlk) PollCompletion() (Completion, bool) {
	buf := b.vq.Pop()
	if buf == nil || len(b.inflight) == 0 {
		return Completion{}, false
	}

	p := b.inflight[0]
	b.inflight = b.inflight[1:]

	status := uint8(statusUnsupp)
	if len(buf) > 0 {
		status = buf[len(buf)-1]
	}

	if p.isRead && status == statusOK {
		dataLen := int(p.sectorCount) * int(b.info.SectorSize)
		if len(buf) >= blkHeaderSize+dataLen {
			dma.Write(p.bufferPhys, 0, buf[blkHeaderSize:blkHeaderSize+dataLen])
		}
	}

	dma.Release(p.headerAddr)
	dma.Release(p.statusAddr)

	cmpStatus := 0
	if status != statusOK {
		cmpStatus = int(status)
	}

	return Completion{
		ID:               p.id,
		Status:           cmpStatus,
		BytesTransferred: p.sectorCount * b.info.SectorSize,
	}, true
}

func (b *VirtIOBlk) Notify() {
	b.io.QueueNotify(0)
}

func (b *VirtIOBlk) Flush() error {
	if b.io.NegotiatedFeatures()&featFlush == 0 {
		return errors.New("blockdev: device does not support VIRTIO_BLK_F_FLUSH")
	}

	return b.submit(Request{}, reqTypeFlush)
}

var _ Driver = (*VirtIOBlk)(nil)
