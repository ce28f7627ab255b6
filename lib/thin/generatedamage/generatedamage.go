// Package generatedamage implements C12 (spec §6/§8): synthetic fault
// injection into an otherwise-valid metadata device, for exercising the
// checker and repair passes against known-bad input rather than only
// against hand-crafted test fixtures.
//
// Grounded on orig `src/commands/thin_generate_damage.rs`'s single
// damage kind: `CreateMetadataLeaks{nr_blocks, expected_rc, actual_rc}`,
// an all-or-nothing flag group requiring --expected/--actual/--nr-blocks
// together. It targets the metadata space map specifically (the CLI's
// own help text: "Specify the number of metadata blocks"), not the data
// space map — this reads as a metadata-accounting fault, not a
// data-block one.
package generatedamage

import (
	"fmt"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/spacemap"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/superblock"
)

// DamageOp is one synthetic fault kind. CreateMetadataLeaks is the only
// one the kept original source exercises; the interface leaves room for
// more without disturbing existing callers.
type DamageOp interface {
	apply(eng ioengine.Engine, sb *superblock.Superblock) (int, error)
}

// CreateMetadataLeaks rewrites up to NrBlocks entries of the metadata
// space map that currently read as Expected, forcing their stored
// refcount to Actual — Expected < Actual fabricates a leak (a block
// marked more-referenced than it really is, the non-fatal case spec §8
// scenario 5 exercises with expected=0/actual=1); Expected > Actual
// fabricates a dropped reference (a block marked less-referenced than
// it really is, the fatal case with expected=1/actual=0).
type CreateMetadataLeaks struct {
	NrBlocks int
	Expected uint32
	Actual   uint32
}

var _ DamageOp = CreateMetadataLeaks{}

func (op CreateMetadataLeaks) apply(eng ioengine.Engine, sb *superblock.Superblock) (int, error) {
	root := spacemap.UnpackRoot(sb.MetadataSpaceMapRoot)
	disk, err := spacemap.OpenFromRoot(eng, root)
	if err != nil {
		return 0, fmt.Errorf("opening metadata space map: %w", err)
	}

	damaged := 0
	for block := uint64(0); block < disk.GetNrBlocks() && damaged < op.NrBlocks; block++ {
		count, err := disk.GetCount(block)
		if err != nil {
			continue
		}
		if count != op.Expected {
			continue
		}
		if err := disk.SetCount(block, op.Actual); err != nil {
			return damaged, err
		}
		damaged++
	}
	if damaged < op.NrBlocks {
		return damaged, fmt.Errorf("found only %d metadata blocks with reference count %d, wanted %d", damaged, op.Expected, op.NrBlocks)
	}
	return damaged, nil
}

// Run reads the superblock off eng (which must be open read-write, the
// Rust tool's --output device) and applies op against it, flushing on
// success. A failed op leaves whatever partial damage it already wrote —
// generate_damage, like the original, has no transactional rollback.
func Run(eng ioengine.Engine, op DamageOp) (int, error) {
	sb, err := superblock.Read(eng)
	if err != nil {
		return 0, err
	}
	n, err := op.apply(eng, sb)
	if err != nil {
		return n, err
	}
	return n, eng.Flush()
}
