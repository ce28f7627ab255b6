// Package repair implements C7 (spec §4.7): reconstructing a metadata
// device's tree roots from a raw block scan when the superblock or its
// index roots are too damaged to trust.
//
// Grounded on the teacher's lib/btrfsprogs/btrfsinspect/rebuildnodes:
// scan.go's block-by-block read-and-classify pass, s2_classify.go's
// classifyNodes (walk every candidate marking a visited set, treat
// whatever is left unvisited as orphaned, keep the highest-fidelity
// reconstruction when two candidates' spans conflict), and
// s3_reinit.go/s4_reattach.go's spine-rebuild-then-reattach shape.
// Orig: src/thin/repair.rs's build_metadata/optimise_metadata pipeline.
package repair

import (
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/metadata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/node"
)

// NodeInfo is what the scan pass records about one block that parses as
// a structurally valid node (right checksum, right kind, internally
// consistent header) — nothing more is trusted about it yet.
type NodeInfo struct {
	BlockNr    uint64
	Level      uint8
	Generation uint64
	ValueSize  uint32
	NrEntries  uint32
	Keys       []uint64 // every key of the node; LowKey/HighKey read the first and last
	Children   []uint64 // child block numbers, for internal nodes
}

func (n NodeInfo) IsLeaf() bool { return n.Level == 0 }

func (n NodeInfo) LowKey() uint64 {
	if len(n.Keys) == 0 {
		return 0
	}
	return n.Keys[0]
}

func (n NodeInfo) HighKey() uint64 {
	if len(n.Keys) == 0 {
		return 0
	}
	return n.Keys[len(n.Keys)-1]
}

// ScanResult partitions every structurally valid node block found by its
// kind tag into the three trees that share this format's node codec.
type ScanResult struct {
	TopLevelNodes      map[uint64]NodeInfo // top-level mapping tree: dev_id -> per-device mapping root
	MappingNodes       map[uint64]NodeInfo // per-device mapping trees: logical block -> Mapping
	DeviceDetailsNodes map[uint64]NodeInfo // device-details tree: dev_id -> DeviceDetail
}

// Scan reads every block of eng and keeps the ones that parse as a
// structurally valid node of one of the three tree kinds. A block that
// fails checksum, carries any other kind, or fails header validation
// (including a value size wrong for its kind) is silently skipped — it's
// either free space, a
// superblock, a space-map block, or genuinely unreadable, none of which
// this pass can do anything about anyway.
func Scan(eng ioengine.Engine) ScanResult {
	res := ScanResult{
		TopLevelNodes:      make(map[uint64]NodeInfo),
		MappingNodes:       make(map[uint64]NodeInfo),
		DeviceDetailsNodes: make(map[uint64]NodeInfo),
	}
	nrBlocks := eng.GetNrBlocks()
	for nr := uint64(0); nr < nrBlocks; nr++ {
		blk, err := eng.ReadBlock(nr)
		if err != nil {
			continue
		}
		if err := pdata.Validate(blk.Data[:], nr); err != nil {
			continue
		}
		kind := pdata.ReadKind(blk.Data[:])
		var valueSize int
		switch kind {
		case metadata.KindTopLevelMappingNode:
			valueSize = 8
		case metadata.KindMappingNode:
			valueSize = metadata.MappingValueSize
		case metadata.KindDeviceDetailsNode:
			valueSize = metadata.DeviceDetailValueSize
		default:
			continue
		}
		n, err := node.Unmarshal(blk.Data[:], valueSize)
		if err != nil {
			continue
		}
		if n.Head.BlockNr != nr {
			continue
		}
		info := NodeInfo{
			BlockNr:    nr,
			Level:      level(n),
			Generation: n.Head.Generation,
			ValueSize:  n.Head.ValueSize,
			NrEntries:  n.Head.NrEntries,
			Keys:       n.Keys,
		}
		if !n.Head.Flags.IsLeaf() {
			info.Children = make([]uint64, len(n.Keys))
			for i := range n.Keys {
				info.Children[i] = n.Child(i)
			}
		}
		switch kind {
		case metadata.KindTopLevelMappingNode:
			res.TopLevelNodes[nr] = info
		case metadata.KindMappingNode:
			res.MappingNodes[nr] = info
		case metadata.KindDeviceDetailsNode:
			res.DeviceDetailsNodes[nr] = info
		}
	}
	return res
}

func level(n *node.Node) uint8 {
	if n.Head.Flags.IsLeaf() {
		return 0
	}
	return 1 // internal; exact depth is irrelevant to classification, only reachability is
}
