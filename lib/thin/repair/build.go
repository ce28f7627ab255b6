package repair

import (
	"fmt"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/metadata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/btree"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/spacemap"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/superblock"
)

// Report collects what the rebuild pass found and decided, for the
// caller to log. The `repair` CLI gets it from RebuildWithReport; the
// checker's --auto-repair path calls Rebuild, which keeps only the
// conflicts.
type Report struct {
	ScannedMappingNodes       int
	ScannedDeviceDetailsNodes int
	MappingRoots              []CandidateRoot
	TopLevelRoot              uint64
	DeviceDetailsRoot         uint64
	Conflicts                 []superblock.Conflict
	MetadataBlocksInUse       uint64
	DataBlocksInUse           uint64
}

// Rebuild implements superblock.RebuildFunc: it scans the whole metadata
// device, classifies orphaned nodes, selects the best surviving root per
// tree, requires exactly one surviving top-level root and one
// device-details root (more than one is an error; no new root is built
// over several candidates), counts reference counts from scratch into
// fresh space maps, serializes those space maps into free space on the
// metadata device, and emits a synthetic superblock carrying their roots
// (spec §4.7 step 5: "emit a synthetic superblock containing the new
// roots"). It writes the serialized space maps' own bitmap/overflow/
// index blocks to eng as a side effect of finalizing them, but never
// writes the superblock itself — the caller (check's --auto-repair path,
// or a repair CLI) decides whether and when to commit that.
func Rebuild(eng ioengine.Engine, overrides superblock.Overrides) (*superblock.Superblock, []superblock.Conflict, error) {
	sb, rep, err := RebuildWithReport(eng, overrides)
	if err != nil {
		return nil, nil, err
	}
	return sb, rep.Conflicts, nil
}

// RebuildWithReport is Rebuild plus the bookkeeping a caller wants to
// log (what survived the scan, which roots were chosen, space-map
// totals) without having to re-derive it from the returned superblock
// alone.
func RebuildWithReport(eng ioengine.Engine, overrides superblock.Overrides) (*superblock.Superblock, Report, error) {
	scanned := Scan(eng)

	topRoots := selectRoots(classify(scanned.TopLevelNodes))
	ddRoots := selectRoots(classify(scanned.DeviceDetailsNodes))
	mappingRoots := selectRoots(classify(scanned.MappingNodes))

	topRoot, err := pickSingleRoot(topRoots, "top-level mapping tree")
	if err != nil {
		return nil, Report{}, err
	}
	ddRoot, err := pickSingleRoot(ddRoots, "device-details tree")
	if err != nil {
		return nil, Report{}, err
	}

	metadataSM, dataSM := countReferences(eng, scanned, topRoot, ddRoot, overrides.NrDataBlocks)

	alloc := newFreeAllocator(metadataSM)
	dataRoot, err := spacemap.Finalize(eng, alloc, dataSM)
	if err != nil {
		return nil, Report{}, fmt.Errorf("serializing rebuilt data space map: %w", err)
	}
	// Finalized last, same ordering restore.go uses and for the same
	// reason: by now every block dataSM's own serialization needed has
	// already been counted into metadataSM, so this pass's own writes
	// are the only thing left unaccounted for when it starts.
	metadataRoot, err := spacemap.Finalize(eng, alloc, metadataSM)
	if err != nil {
		return nil, Report{}, fmt.Errorf("serializing rebuilt metadata space map: %w", err)
	}

	sb := &superblock.Superblock{
		Magic:                superblock.Magic,
		Version:              superblock.Version,
		MetadataSpaceMapRoot: spacemap.PackRoot(metadataRoot),
		DataSpaceMapRoot:     spacemap.PackRoot(dataRoot),
		DataMappingRoot:      topRoot,
		DeviceDetailsRoot:    ddRoot,
	}
	sb.SetNeedsCheck(true) // a rebuilt image is always re-checked before it's trusted

	conflicts := overrides.Apply(sb, dataSM.GetNrAllocated())

	rep := Report{
		ScannedMappingNodes:       len(scanned.MappingNodes),
		ScannedDeviceDetailsNodes: len(scanned.DeviceDetailsNodes),
		MappingRoots:              mappingRoots,
		TopLevelRoot:              topRoot,
		DeviceDetailsRoot:         ddRoot,
		Conflicts:                 conflicts,
		MetadataBlocksInUse:       metadataSM.GetNrAllocated(),
		DataBlocksInUse:           dataSM.GetNrAllocated(),
	}
	return sb, rep, nil
}

// pickSingleRoot requires exactly one surviving candidate; more than one
// with disjoint key ranges means the scan found what looks like two
// independent, un-reconcilable trees, which this pass can't safely pick
// between on its own (spec's UnrecoverableShape).
func pickSingleRoot(roots []CandidateRoot, what string) (uint64, error) {
	if len(roots) == 0 {
		return 0, fmt.Errorf("no surviving %s root found", what)
	}
	if len(roots) > 1 {
		return 0, fmt.Errorf("found %d disjoint candidate roots for %s; cannot reconcile automatically", len(roots), what)
	}
	return roots[0].BlockNr, nil
}

// countReferences rebuilds both space maps from scratch: every node block
// the scan found, whether or not topRoot/ddRoot reach it, bumps the
// metadata space map, and every data block a mapping reachable from
// topRoot points at bumps the data space map. This is
// the "accumulated counts feed the new space maps" step of spec §4.7.
func countReferences(eng ioengine.Engine, scanned ScanResult, topRoot, ddRoot uint64, nrDataBlocksOverride *uint64) (spacemap.SpaceMap, spacemap.SpaceMap) {
	metadataSM := spacemap.NewCore(eng.GetNrBlocks())

	for nr := range scanned.TopLevelNodes {
		_ = metadataSM.IncCount(nr)
	}
	for nr := range scanned.DeviceDetailsNodes {
		_ = metadataSM.IncCount(nr)
	}
	for nr := range scanned.MappingNodes {
		_ = metadataSM.IncCount(nr)
	}

	walkMappings := func(eng ioengine.Engine, visit func(metadata.Mapping)) {
		var shared map[uint64]struct{}
		_ = btree.Walk(eng, metadata.KindTopLevelMappingNode, metadata.DeviceMappingRootDecoder, topRoot,
			btree.Visitor[uint64]{
				Leaf: func(_ btree.Path, _ uint64, devRoot uint64) error {
					return btree.Walk(eng, metadata.KindMappingNode, metadata.MappingDecoder, devRoot,
						btree.Visitor[metadata.Mapping]{
							Leaf: func(_ btree.Path, _ uint64, m metadata.Mapping) error {
								visit(m)
								return nil
							},
						}, &shared)
				},
			}, nil)
	}

	// nr_data_blocks is about the data device, not the metadata device
	// this scan ran over, so it has to come from either the caller's
	// override or the highest data block number any surviving mapping
	// still references.
	nrDataBlocks := uint64(0)
	if nrDataBlocksOverride != nil {
		nrDataBlocks = *nrDataBlocksOverride
	} else {
		walkMappings(eng, func(m metadata.Mapping) {
			if m.DataBlock+1 > nrDataBlocks {
				nrDataBlocks = m.DataBlock + 1
			}
		})
	}

	dataSM := spacemap.NewCore(nrDataBlocks)
	walkMappings(eng, func(m metadata.Mapping) {
		_ = dataSM.IncCount(m.DataBlock)
	})

	return metadataSM, dataSM
}
