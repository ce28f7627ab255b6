// Package metadata defines the two leaf value types the mapping tree and
// the device-details tree carry, and the in-memory snapshot that ties a
// superblock, its two B+trees and its two space maps together into one
// coherent view — the shape the checker, dumper and repair passes all
// build on top of (spec §3's data model, "two persistent B+trees... two
// disk-resident space maps... and a superblock").
//
// Grounded on the teacher's lib/btrfs/btrfsitem package (one Go type per
// on-disk item payload, each with its own fixed byte layout) generalized
// down to this format's two payload shapes.
package metadata

import (
	"encoding/binary"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/btree"
)

// KindMappingNode / KindDeviceDetailsNode distinguish which of the two
// B+trees a node block belongs to, so the walker's kind check
// (btree.Walk's "gotKind != kind") catches a node read under the wrong
// tree's root.
const (
	KindTopLevelMappingNode uint32 = 4
	KindMappingNode         uint32 = 5
	KindDeviceDetailsNode   uint32 = 6
)

// Mapping is one leaf value of the per-device mapping tree: which data
// block a logical block maps to, and the transaction time it was
// written, packed into a fixed 16-byte value (spec §4.9's single_map
// event carries exactly these fields: origin, data, time).
type Mapping struct {
	DataBlock uint64
	Time      uint32
	_         uint32 // reserved, zeroed
}

const MappingValueSize = 16

func DecodeMapping(b []byte) (Mapping, error) {
	return Mapping{
		DataBlock: binary.LittleEndian.Uint64(b[0:8]),
		Time:      binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

func EncodeMapping(m Mapping) []byte {
	b := make([]byte, MappingValueSize)
	binary.LittleEndian.PutUint64(b[0:8], m.DataBlock)
	binary.LittleEndian.PutUint32(b[8:12], m.Time)
	return b
}

var MappingDecoder = btree.Decoder[Mapping]{Size: MappingValueSize, Decode: DecodeMapping}

// DeviceDetail is one leaf value of the device-details tree, keyed by
// device id: the bookkeeping the checker cross-references mapped blocks
// against (spec §4.9's
// device_begin event: dev_id, mapped_blocks, transaction, creation_time,
// snap_time).
// DeviceDetail does not carry its own mapping-tree root: that root lives
// as the value of the same device id's entry in the top-level mapping
// tree (a tree of trees — spec §3's "top-level mapping" root), keeping
// the two trees genuinely independent the way the superblock's two root
// fields (DataMappingRoot, DeviceDetailsRoot) imply.
type DeviceDetail struct {
	MappedBlocks    uint64
	TransactionID   uint64
	CreationTime    uint32
	SnapshottedTime uint32
}

const DeviceDetailValueSize = 24

func DecodeDeviceDetail(b []byte) (DeviceDetail, error) {
	return DeviceDetail{
		MappedBlocks:    binary.LittleEndian.Uint64(b[0:8]),
		TransactionID:   binary.LittleEndian.Uint64(b[8:16]),
		CreationTime:    binary.LittleEndian.Uint32(b[16:20]),
		SnapshottedTime: binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

func EncodeDeviceDetail(d DeviceDetail) []byte {
	b := make([]byte, DeviceDetailValueSize)
	binary.LittleEndian.PutUint64(b[0:8], d.MappedBlocks)
	binary.LittleEndian.PutUint64(b[8:16], d.TransactionID)
	binary.LittleEndian.PutUint32(b[16:20], d.CreationTime)
	binary.LittleEndian.PutUint32(b[20:24], d.SnapshottedTime)
	return b
}

// DeviceMappingRootDecoder decodes the top-level mapping tree's values:
// each is simply the block number of that device's own mapping subtree
// root.
var DeviceMappingRootDecoder = btree.Decoder[uint64]{
	Size: 8,
	Decode: func(b []byte) (uint64, error) { return binary.LittleEndian.Uint64(b), nil },
}

var DeviceDetailDecoder = btree.Decoder[DeviceDetail]{Size: DeviceDetailValueSize, Decode: DecodeDeviceDetail}
