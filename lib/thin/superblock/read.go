package superblock

import (
	"fmt"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// Overrides are caller-supplied corrections applied after a superblock is
// read or rebuilt (spec §4.6/§6). Apply replaces a recovered transaction
// id or data block size with its override and returns a Conflict for each
// field whose recovered value differed, for the caller to log as a
// warning. NrDataBlocks has no superblock field, so it is only compared.
type Overrides struct {
	TransactionID  *uint64
	DataBlockSize  *uint32
	NrDataBlocks   *uint64
}

// Conflict describes one overridden field, for a caller to log.
type Conflict struct {
	Field    string
	Original uint64
	Override uint64
}

// Apply overwrites sb's fields with any non-nil override, returning one
// Conflict per field whose recovered value differed from the override.
func (o Overrides) Apply(sb *Superblock, nrDataBlocksFromSpaceMap uint64) []Conflict {
	var conflicts []Conflict
	if o.TransactionID != nil {
		if sb.TransactionID != *o.TransactionID {
			conflicts = append(conflicts, Conflict{"transaction_id", sb.TransactionID, *o.TransactionID})
		}
		sb.TransactionID = *o.TransactionID
	}
	if o.DataBlockSize != nil {
		if sb.DataBlockSize != *o.DataBlockSize {
			conflicts = append(conflicts, Conflict{"data_block_size", uint64(sb.DataBlockSize), uint64(*o.DataBlockSize)})
		}
		sb.DataBlockSize = *o.DataBlockSize
	}
	if o.NrDataBlocks != nil {
		if nrDataBlocksFromSpaceMap != *o.NrDataBlocks {
			conflicts = append(conflicts, Conflict{"nr_data_blocks", nrDataBlocksFromSpaceMap, *o.NrDataBlocks})
		}
	}
	return conflicts
}

// Read loads and validates the superblock at Location.
func Read(eng ioengine.Engine) (*Superblock, error) {
	blk, err := eng.ReadBlock(Location)
	if err != nil {
		return nil, thinerr.New(thinerr.CodeBadSuperblock, err)
	}
	return Unmarshal(blk.Data[:])
}

// ReadSnapshot loads and validates a metadata snapshot superblock at the
// block number recorded in the primary's MetadataSnapshot field. It does
// not compare the snapshot's roots with the primary's.
func ReadSnapshot(eng ioengine.Engine, primary *Superblock) (*Superblock, error) {
	if !primary.HasMetadataSnapshot() {
		return nil, fmt.Errorf("superblock has no metadata snapshot")
	}
	blk, err := eng.ReadBlock(primary.MetadataSnapshot)
	if err != nil {
		return nil, thinerr.New(thinerr.CodeBadSuperblock, err)
	}
	return Unmarshal(blk.Data[:])
}

// RebuildFunc reconstructs a superblock from a damaged metadata device.
// It is supplied by the caller (the repair package) rather than imported
// directly, so this package never depends on repair — repair depends on
// superblock, not the other way around.
type RebuildFunc func(eng ioengine.Engine, overrides Overrides) (*Superblock, []Conflict, error)

// ReadOrRebuild attempts Read first; on any error it calls rebuild to
// reconstruct a synthetic superblock (spec §4.6/§4.7), then applies
// overrides to whichever superblock resulted.
func ReadOrRebuild(eng ioengine.Engine, overrides Overrides, rebuild RebuildFunc) (*Superblock, []Conflict, error) {
	sb, err := Read(eng)
	if err == nil {
		conflicts := overrides.Apply(sb, 0)
		return sb, conflicts, nil
	}
	if rebuild == nil {
		return nil, nil, err
	}
	return rebuild(eng, overrides)
}
