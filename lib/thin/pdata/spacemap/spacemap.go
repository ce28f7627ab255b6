// Package spacemap implements the reference-counted allocator (spec
// §4.5): one SpaceMap tracks how many things point at each block of
// either the metadata device or the data device. A count of zero means
// free, one means exclusively owned, and two-or-more means shared (the
// data space map's refcounts track copy-on-write sharing between thin
// devices; the metadata space map's track sharing between B+tree nodes
// reused across transactions).
//
// The on-disk representation (disk.go, bitmap.go, index.go) packs counts
// 0-2 into two bits per block in bitmap pages listed by a chain of index
// blocks, and spills counts of 3 or more into a side B+tree keyed by
// block number.
// The in-memory representation (core.go) used while building a fresh
// space map from scratch keeps counts in a flat slice and needs no
// overflow structure at all, since nothing about it is serialized a
// block at a time.
//
// The overflow tree is read straight off disk with pdata/btree.Lookup;
// no lib/containers type backs it.
package spacemap

import "fmt"

// SpaceMap is the capability every caller depends on, whether it's
// reading reference counts off disk or accumulating them while building
// a fresh metadata device from an XML dump.
type SpaceMap interface {
	GetNrBlocks() uint64
	GetNrAllocated() uint64
	GetCount(block uint64) (uint32, error)
	SetCount(block uint64, count uint32) error
	IncCount(block uint64) error
	DecCount(block uint64) error

	// FindFree returns the lowest-numbered block with a zero count at
	// or after begin, or ok=false if the map is exhausted.
	FindFree(begin uint64) (block uint64, ok bool)
}

// ErrOutOfRange is returned by GetCount/SetCount/IncCount/DecCount for a
// block number at or beyond GetNrBlocks.
type ErrOutOfRange struct {
	Block    uint64
	NrBlocks uint64
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("block %d out of range (nr_blocks=%d)", e.Block, e.NrBlocks)
}

// ErrCountUnderflow is returned by DecCount on a block whose count is
// already zero.
type ErrCountUnderflow struct {
	Block uint64
}

func (e *ErrCountUnderflow) Error() string {
	return fmt.Sprintf("block %d: reference count underflow", e.Block)
}
