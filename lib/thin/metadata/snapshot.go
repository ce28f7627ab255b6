package metadata

import (
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/spacemap"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/superblock"
)

// Snapshot is the coherent, read-only view the checker, dumper and
// repair passes all operate on: one superblock plus the two space maps
// it roots. Mapping-tree/device-details-tree access goes through
// btree.Walk/btree.Lookup directly against Engine using the roots
// recorded in Superblock, rather than being duplicated here — Snapshot
// only bundles what every consumer otherwise has to thread around by
// hand (spec's "dump into an in-memory model" data flow for check/repair).
type Snapshot struct {
	Engine     ioengine.Engine
	Superblock *superblock.Superblock
	MetadataSM spacemap.SpaceMap
	DataSM     spacemap.SpaceMap
}

// OpenSnapshot reconstructs both of sb's on-disk space maps and bundles
// them with sb and eng. A freshly-formatted superblock (no blocks ever
// allocated, so its packed root still reads all-zero) resolves to an
// empty spacemap.Core rather than an error — the same "nothing to
// validate against" case a from-scratch device represents for the
// checker (spec §4.8 P2).
func OpenSnapshot(eng ioengine.Engine, sb *superblock.Superblock) (*Snapshot, error) {
	metadataSM, err := openSpaceMap(eng, sb.MetadataSpaceMapRoot, eng.GetNrBlocks())
	if err != nil {
		return nil, err
	}
	dataSM, err := openSpaceMap(eng, sb.DataSpaceMapRoot, 0)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Engine: eng, Superblock: sb, MetadataSM: metadataSM, DataSM: dataSM}, nil
}

func openSpaceMap(eng ioengine.Engine, packed [128]byte, emptyNrBlocks uint64) (spacemap.SpaceMap, error) {
	root := spacemap.UnpackRoot(packed)
	if root.NrBlocks == 0 && root.IndexHead == 0 && root.NrIndexEntries == 0 {
		return spacemap.NewCore(emptyNrBlocks), nil
	}
	return spacemap.OpenFromRoot(eng, root)
}
