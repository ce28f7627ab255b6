// Package btreebuild implements the write side that pdata/btree's Walk
// and Lookup don't: bulk-loading a B+tree bottom-up from a stream of
// already-sorted (key, value) leaf pairs, the shape both the restorer's
// mapping/device-details/top-level trees and a from-scratch space map's
// overflow tree need (spec §4.10's node-packer description: "each packer
// buffers values until the current node is full, then seals the node,
// records its (first-key → block-nr) entry in the parent packer, and
// continues").
//
// Grounded on the teacher's lib/btrfs/io2_lowerbound.go /
// RebuildNodes's incremental node construction while walking a stream of
// recovered items, generalized here from one fixed item shape to any
// fixed-size value via the same (size, encode) pair pdata/btree.Decoder
// uses for decoding.
package btreebuild

import (
	"encoding/binary"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/node"
)

// Allocator hands out fresh block numbers for nodes as they're sealed.
type Allocator interface {
	Alloc() (uint64, error)
}

type level struct {
	kind      uint32
	valueSize int
	maxItems  int
	internal  bool

	keys   []uint64
	values [][]byte
}

// Builder bulk-loads one B+tree. LeafKind tags the sealed leaf blocks;
// InnerKind tags every internal level above it (pdata/btree.Walk's kind
// check only ever compares against the tree's single declared kind at
// Walk-call time, so every level of a given tree shares one kind the way
// the teacher's single Node type does for its own internal/leaf split).
type Builder struct {
	eng       ioengine.Engine
	alloc     Allocator
	leafKind  uint32
	innerKind uint32
	valueSize int
	levels    []*level
}

func New(eng ioengine.Engine, alloc Allocator, leafKind, innerKind uint32, valueSize int) *Builder {
	return &Builder{eng: eng, alloc: alloc, leafKind: leafKind, innerKind: innerKind, valueSize: valueSize}
}

func (b *Builder) levelAt(i int) *level {
	for len(b.levels) <= i {
		kind := b.innerKind
		valueSize := 8
		internal := true
		if len(b.levels) == 0 {
			kind = b.leafKind
			valueSize = b.valueSize
			internal = false
		}
		b.levels = append(b.levels, &level{
			kind:      kind,
			valueSize: valueSize,
			maxItems:  node.MaxItems(pdata.BlockSize, valueSize),
			internal:  internal,
		})
	}
	return b.levels[i]
}

// Append adds one leaf (key, value) pair. Keys must arrive in strictly
// increasing order; value must already be encoded to the tree's value
// size.
func (b *Builder) Append(key uint64, value []byte) error {
	return b.appendAt(0, key, value)
}

func (b *Builder) appendAt(i int, key uint64, value []byte) error {
	lv := b.levelAt(i)
	lv.keys = append(lv.keys, key)
	lv.values = append(lv.values, value)
	if len(lv.keys) < lv.maxItems {
		return nil
	}
	return b.seal(i)
}

func (b *Builder) seal(i int) error {
	lv := b.levels[i]
	if len(lv.keys) == 0 {
		return nil
	}
	blockNr, err := b.alloc.Alloc()
	if err != nil {
		return err
	}
	flags := node.FlagLeaf
	if lv.internal {
		flags = node.FlagInternal
	}
	n := &node.Node{
		Size: pdata.BlockSize,
		Head: node.Header{
			BlockNr:    blockNr,
			MaxEntries: uint32(lv.maxItems),
			ValueSize:  uint32(lv.valueSize),
			Flags:      flags,
		},
		Keys:   lv.keys,
		Values: lv.values,
	}
	buf, err := node.Marshal(n, lv.kind)
	if err != nil {
		return err
	}
	wb := &ioengine.Block{Nr: blockNr}
	copy(wb.Data[:], buf)
	if err := b.eng.WriteBlock(wb); err != nil {
		return err
	}

	firstKey := lv.keys[0]
	lv.keys = nil
	lv.values = nil

	childVal := make([]byte, 8)
	binary.LittleEndian.PutUint64(childVal, blockNr)
	return b.appendAt(i+1, firstKey, childVal)
}

// Finish seals every level's remaining partial node bottom-up and
// returns the tree's root block number. Called on an empty Builder (no
// Append calls at all) it seals a single empty leaf, so every tree a
// Builder produces is well-formed even when it carries no entries.
func (b *Builder) Finish() (uint64, error) {
	if len(b.levels) == 0 {
		if err := b.appendAt(0, 0, make([]byte, b.valueSize)); err != nil {
			return 0, err
		}
		b.levels[0].keys = nil
		b.levels[0].values = nil
	}
	for i := 0; ; i++ {
		lv := b.levels[i]
		if i > 0 && i == len(b.levels)-1 && len(lv.keys) == 1 {
			return binary.LittleEndian.Uint64(lv.values[0]), nil
		}
		if err := b.seal(i); err != nil {
			return 0, err
		}
	}
}
