// Package node implements the B+tree node codec (spec §4.3): the fixed
// header every node shares, and the flat key/value body that follows it.
// A node's shape is generic over its value type — internal nodes always
// store a 8-byte child block number as the value, leaf nodes store
// whatever fixed-size V the tree was opened with (spec §9's "Generic
// B+tree value type": a (size_bytes, decoder) pair).
//
// Grounded on the teacher's lib/btrfs/types_node.go: the same
// Size/ChecksumType/Head/Body split, the same hand-rolled
// UnmarshalBinary/MarshalBinary escape hatch around binstruct for the
// variable-length body that the reflective struct-tag codec can't
// express on its own, and the same pattern of validating NumItems against
// the space actually available before trusting it.
package node

import (
	"encoding/binary"
	"fmt"

	"github.com/jthornber/thin-provisioning-tools-go/lib/binstruct"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// Flags distinguishes internal nodes (values are child block numbers)
// from leaf nodes (values are caller-defined payloads).
type Flags uint32

const (
	FlagInternal Flags = 1
	FlagLeaf     Flags = 2
)

func (f Flags) IsLeaf() bool     { return f == FlagLeaf }
func (f Flags) IsInternal() bool { return f == FlagInternal }

// Header is the fixed part of every node, immediately following the
// generic block header (checksum + kind, pdata.ChecksumOffset/KindOffset).
// All fields are little-endian, matching every other on-disk structure in
// this package. Tag offsets count from the end of that block header.
type Header struct {
	BlockNr       uint64 `bin:"off=0x0,  siz=0x8"`
	NrEntries     uint32 `bin:"off=0x8,  siz=0x4"`
	MaxEntries    uint32 `bin:"off=0xc,  siz=0x4"`
	ValueSize     uint32 `bin:"off=0x10, siz=0x4"`
	Flags         Flags  `bin:"off=0x14, siz=0x4"`
	Generation    uint64 `bin:"off=0x18, siz=0x8"` // transaction id the node was written under; used by repair to break ties between overlapping candidate roots
	binstruct.End `bin:"off=0x20"`
}

const keySize = 8

// Node is a decoded B+tree node. Keys are always sorted ascending and
// Values holds one raw, ValueSize-byte slice per key — the caller decodes
// Values[i] with whatever codec matches the tree's value type; this
// package never looks inside a value.
type Node struct {
	Size  uint32 // total on-disk size of the containing block, e.g. pdata.BlockSize
	Head  Header
	Keys  []uint64
	Values [][]byte
}

func bodyOffset() int {
	return pdata.ChecksumSize + pdata.KindSize + binstruct.StaticSize(Header{})
}

// MaxItems returns how many entries fit in a node of n bytes carrying
// values of the given size, mirroring the teacher's Node.MaxItems.
func MaxItems(blockSize int, valueSize int) int {
	avail := blockSize - bodyOffset()
	per := keySize + valueSize
	if per <= 0 || avail <= 0 {
		return 0
	}
	return avail / per
}

// Unmarshal decodes buf (a full pdata.BlockSize block, checksum already
// validated by the caller via pdata.Validate) into a Node, given the
// expected value size. It validates NrEntries <= MaxEntries and that the
// key/value arrays implied by NrEntries fit inside buf before trusting
// any of it, so a corrupt header can't drive a read out of bounds.
func Unmarshal(buf []byte, valueSize int) (*Node, error) {
	blockNr := uint64(0)
	n := &Node{Size: uint32(len(buf))}

	if _, err := binstruct.Unmarshal(buf[pdata.ChecksumSize+pdata.KindSize:], &n.Head); err != nil {
		return nil, thinerr.NewBlock(thinerr.CodeBadNodeHeader, blockNr, err)
	}
	blockNr = n.Head.BlockNr

	if n.Head.ValueSize != uint32(valueSize) {
		return nil, thinerr.NewBlock(thinerr.CodeBadNodeHeader, blockNr,
			fmt.Errorf("value size mismatch: header says %d, caller expects %d", n.Head.ValueSize, valueSize))
	}
	if n.Head.NrEntries > n.Head.MaxEntries {
		return nil, thinerr.NewBlock(thinerr.CodeBadNodeHeader, blockNr,
			fmt.Errorf("nr_entries %d exceeds max_entries %d", n.Head.NrEntries, n.Head.MaxEntries))
	}
	if !n.Head.Flags.IsLeaf() && !n.Head.Flags.IsInternal() {
		return nil, thinerr.NewBlock(thinerr.CodeBadNodeHeader, blockNr,
			fmt.Errorf("unrecognized node flags %#x", uint32(n.Head.Flags)))
	}

	off := bodyOffset()
	nrEntries := int(n.Head.NrEntries)
	keysEnd := off + nrEntries*keySize
	valuesEnd := keysEnd + nrEntries*valueSize
	if valuesEnd > len(buf) {
		return nil, thinerr.NewBlock(thinerr.CodeBadNodeHeader, blockNr,
			fmt.Errorf("nr_entries %d with value_size %d overruns block", nrEntries, valueSize))
	}

	n.Keys = make([]uint64, nrEntries)
	for i := 0; i < nrEntries; i++ {
		n.Keys[i] = binary.LittleEndian.Uint64(buf[off+i*keySize : off+(i+1)*keySize])
	}
	var prev uint64
	for i, k := range n.Keys {
		if i > 0 && k <= prev {
			return nil, thinerr.NewBlock(thinerr.CodeKeyRangeViolated, blockNr,
				fmt.Errorf("keys not strictly increasing at index %d: %d <= %d", i, k, prev))
		}
		prev = k
	}

	n.Values = make([][]byte, nrEntries)
	valuesOff := keysEnd
	for i := 0; i < nrEntries; i++ {
		v := make([]byte, valueSize)
		copy(v, buf[valuesOff+i*valueSize:valuesOff+(i+1)*valueSize])
		n.Values[i] = v
	}

	return n, nil
}

// ValidateChildren checks that every value in an internal node, read as a
// little-endian uint64 block number, is within [0, nrBlocks). Leaf nodes
// have nothing to validate here — their values are opaque payloads.
func (n *Node) ValidateChildren(nrBlocks uint64) error {
	if !n.Head.Flags.IsInternal() {
		return nil
	}
	for i, v := range n.Values {
		if len(v) != 8 {
			return thinerr.NewBlock(thinerr.CodeBadNodeHeader, n.Head.BlockNr,
				fmt.Errorf("child pointer %d has wrong size %d", i, len(v)))
		}
		child := binary.LittleEndian.Uint64(v)
		if child >= nrBlocks {
			return thinerr.NewBlock(thinerr.CodeBadNodeHeader, n.Head.BlockNr,
				fmt.Errorf("child pointer %d: block %d out of range (nr_blocks=%d)", i, child, nrBlocks))
		}
	}
	return nil
}

// Child returns the block number stored at Values[i] for an internal node.
func (n *Node) Child(i int) uint64 {
	return binary.LittleEndian.Uint64(n.Values[i])
}

// Marshal encodes a node into a freshly allocated pdata.BlockSize buffer,
// writes the checksum and kind discriminator, and returns it ready to
// hand to an ioengine.Block. kind is the caller's block-kind discriminant
// (distinct metadata and data space-map index/bitmap kinds reuse this
// same node codec for their internal indices, so the kind tag is theirs
// to choose, not fixed here).
func Marshal(n *Node, kind uint32) ([]byte, error) {
	if len(n.Keys) != len(n.Values) {
		return nil, fmt.Errorf("node: %d keys but %d values", len(n.Keys), len(n.Values))
	}
	size := n.Size
	if size == 0 {
		size = pdata.BlockSize
	}
	buf := make([]byte, size)

	n.Head.NrEntries = uint32(len(n.Keys))
	hdrBytes, err := binstruct.Marshal(n.Head)
	if err != nil {
		return nil, err
	}
	copy(buf[pdata.ChecksumSize+pdata.KindSize:], hdrBytes)

	off := bodyOffset()
	valueSize := int(n.Head.ValueSize)
	for i, k := range n.Keys {
		binary.LittleEndian.PutUint64(buf[off+i*keySize:off+(i+1)*keySize], k)
	}
	valuesOff := off + len(n.Keys)*keySize
	for i, v := range n.Values {
		if len(v) != valueSize {
			return nil, fmt.Errorf("value %d has size %d, expected %d", i, len(v), valueSize)
		}
		copy(buf[valuesOff+i*valueSize:valuesOff+(i+1)*valueSize], v)
	}

	pdata.WriteKind(buf, kind)
	pdata.WriteChecksum(buf)
	return buf, nil
}
