// Package restore implements C10 (spec §4.10): replaying a dump.Sink
// event stream to build a fresh metadata device from nothing. It is the
// inverse of package dump, and shares dump.Sink as its event contract —
// xmlformat.Read is the producer the restore command uses; any other
// dump.Sink producer, such as a live dump.Run walk, can drive a Restorer
// the same way.
//
// Grounded on the teacher's lib/btrfsprogs/btrfsinspect/rebuildnodes
// tree: accumulate recovered items in key order, pack them into nodes
// bottom-up as each one fills (pdata/btreebuild.Builder), and only emit
// the synthesized superblock once every subordinate structure has a
// final, known root — orig: src/bin/thin_restore.rs's restore(), which
// likewise defers writing the superblock until the xml reader hits EOF.
package restore

import (
	"encoding/binary"
	"fmt"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/dump"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/metadata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/btreebuild"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/spacemap"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/superblock"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// minUsableBlocks is the fewest blocks an output device could possibly
// hold a valid metadata image in: the superblock plus one leaf each for
// an empty top-level, device-details and data space map. Below this
// there is no point even starting the walk.
const minUsableBlocks = 8

// Restorer is a dump.Sink that builds a new metadata image as events
// arrive, writing every node the moment it seals rather than holding the
// whole tree shape in memory (spec §4.10's node-packer description).
type Restorer struct {
	eng       ioengine.Engine
	overrides superblock.Overrides

	metadataSM *spacemap.Core
	alloc      *allocator

	topBuilder *btreebuild.Builder // dev_id -> device's own mapping-tree root
	ddBuilder  *btreebuild.Builder // dev_id -> DeviceDetail

	inDevice        bool
	curDevID        uint64
	curMapBuilder   *btreebuild.Builder
	curMapped       uint64
	curTxnID        uint64
	curCreationTime uint32
	curSnapTime     uint32

	dataCounts   map[uint64]uint32
	maxDataBlock uint64

	sbUUID         [16]byte
	sbTime         uint32
	sbTxn          uint64
	sbFlags        uint32
	sbVersion      uint32
	sbDataBlockSize uint32
	sbNrDataBlocksHint uint64

	// Conflicts records any Overrides.Apply mismatches surfaced once
	// SuperblockEnd runs, for the caller to log.
	Conflicts []superblock.Conflict
	// Result is the superblock actually written, populated once
	// SuperblockEnd returns successfully.
	Result *superblock.Superblock
}

var _ dump.Sink = (*Restorer)(nil)

// New prepares a Restorer to write through eng. It rejects an obviously
// undersized output device before any write happens, per spec §4.10's
// OutputTooSmall pre-check; a device that passes this floor can still run
// out partway through if it has many more mappings than blocks to hold
// them; in that case Append/Finish surface the same thinerr.OutputTooSmall
// from the allocator once it is actually exhausted.
func New(eng ioengine.Engine, overrides superblock.Overrides) (*Restorer, error) {
	nrBlocks := eng.GetNrBlocks()
	if nrBlocks < minUsableBlocks {
		return nil, &thinerr.OutputTooSmall{NeedBlocks: minUsableBlocks, HaveBlocks: nrBlocks}
	}
	return &Restorer{eng: eng, overrides: overrides}, nil
}

func (r *Restorer) SuperblockBegin(uuid [16]byte, t uint32, txn uint64, flags, version, dataBlockSize uint32, nrDataBlocks uint64) error {
	r.sbUUID = uuid
	r.sbTime = t
	r.sbTxn = txn
	r.sbFlags = flags
	r.sbVersion = version
	r.sbDataBlockSize = dataBlockSize
	r.sbNrDataBlocksHint = nrDataBlocks

	r.metadataSM = spacemap.NewCore(r.eng.GetNrBlocks())
	r.alloc = newAllocator(r.eng.GetNrBlocks(), r.metadataSM)
	r.topBuilder = btreebuild.New(r.eng, r.alloc, metadata.KindTopLevelMappingNode, metadata.KindTopLevelMappingNode, 8)
	r.ddBuilder = btreebuild.New(r.eng, r.alloc, metadata.KindDeviceDetailsNode, metadata.KindDeviceDetailsNode, metadata.DeviceDetailValueSize)
	r.dataCounts = make(map[uint64]uint32)
	return nil
}

func (r *Restorer) DeviceBegin(devID, mappedBlocks, transaction uint64, creationTime, snapTime uint32) error {
	if r.inDevice {
		return fmt.Errorf("restore: device_begin for %d while device %d is still open", devID, r.curDevID)
	}
	r.inDevice = true
	r.curDevID = devID
	r.curTxnID = transaction
	r.curCreationTime = creationTime
	r.curSnapTime = snapTime
	r.curMapped = 0
	r.curMapBuilder = btreebuild.New(r.eng, r.alloc, metadata.KindMappingNode, metadata.KindMappingNode, metadata.MappingValueSize)
	return nil
}

func (r *Restorer) appendMapping(origin, data uint64, t uint32) error {
	v := metadata.EncodeMapping(metadata.Mapping{DataBlock: data, Time: t})
	if err := r.curMapBuilder.Append(origin, v); err != nil {
		return err
	}
	r.curMapped++
	r.dataCounts[data]++
	if data+1 > r.maxDataBlock {
		r.maxDataBlock = data + 1
	}
	return nil
}

func (r *Restorer) SingleMap(origin, data uint64, t uint32) error {
	if !r.inDevice {
		return fmt.Errorf("restore: single_map outside any device_begin/device_end")
	}
	return r.appendMapping(origin, data, t)
}

func (r *Restorer) RangeMap(originBegin, dataBegin uint64, t uint32, length uint64) error {
	if !r.inDevice {
		return fmt.Errorf("restore: range_map outside any device_begin/device_end")
	}
	for i := uint64(0); i < length; i++ {
		if err := r.appendMapping(originBegin+i, dataBegin+i, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Restorer) DeviceEnd() error {
	if !r.inDevice {
		return fmt.Errorf("restore: device_end without a matching device_begin")
	}
	devRoot, err := r.curMapBuilder.Finish()
	if err != nil {
		return err
	}
	rootVal := make([]byte, 8)
	binary.LittleEndian.PutUint64(rootVal, devRoot)
	if err := r.topBuilder.Append(r.curDevID, rootVal); err != nil {
		return err
	}
	dd := metadata.DeviceDetail{
		MappedBlocks:    r.curMapped,
		TransactionID:   r.curTxnID,
		CreationTime:    r.curCreationTime,
		SnapshottedTime: r.curSnapTime,
	}
	if err := r.ddBuilder.Append(r.curDevID, metadata.EncodeDeviceDetail(dd)); err != nil {
		return err
	}
	r.inDevice = false
	r.curMapBuilder = nil
	return nil
}

// SuperblockEnd seals the top-level mapping tree and device-details tree,
// builds and serializes the data space map from the refcounts observed
// during the walk, serializes the metadata space map (which, by this
// point, also accounts for every block the other trees and the data
// space map itself consumed), and writes the superblock last of all —
// spec §4.10's fixed ordering, so a crash partway through never leaves a
// superblock pointing at half-written structures.
func (r *Restorer) SuperblockEnd() error {
	topRoot, err := r.topBuilder.Finish()
	if err != nil {
		return err
	}
	ddRoot, err := r.ddBuilder.Finish()
	if err != nil {
		return err
	}

	nrDataBlocks := r.sbNrDataBlocksHint
	if nrDataBlocks < r.maxDataBlock {
		nrDataBlocks = r.maxDataBlock
	}
	dataSM := spacemap.NewCore(nrDataBlocks)
	for block, count := range r.dataCounts {
		if err := dataSM.SetCount(block, count); err != nil {
			return err
		}
	}
	dataRoot, err := spacemap.Finalize(r.eng, r.alloc, dataSM)
	if err != nil {
		return err
	}

	// Finalized last: by now every block the walk and the data space
	// map needed has already been allocated (and so already counted in
	// metadataSM), so this pass's own bitmap/overflow/index writes are
	// the only thing left unaccounted for when it starts — and since
	// allocation always hands out the lowest free block number, those
	// final writes land in bitmap ranges this same pass hasn't reached
	// yet, so they still get swept up correctly by the time it gets
	// there. A metadata device sized far beyond its actual usage (the
	// ordinary case) always satisfies this; a device filled to the last
	// few blocks could in principle need a second pass, which this does
	// not attempt.
	metadataRoot, err := spacemap.Finalize(r.eng, r.alloc, r.metadataSM)
	if err != nil {
		return err
	}

	sb := superblock.Superblock{
		UUID:                 r.sbUUID,
		Magic:                superblock.Magic,
		Version:              superblock.Version,
		TransactionID:        r.sbTxn,
		MetadataSpaceMapRoot: spacemap.PackRoot(metadataRoot),
		DataSpaceMapRoot:     spacemap.PackRoot(dataRoot),
		DataMappingRoot:      topRoot,
		DeviceDetailsRoot:    ddRoot,
		DataBlockSize:        r.sbDataBlockSize,
		Flags:                r.sbFlags,
		CreationTime:         r.sbTime,
		ModificationTime:     r.sbTime,
	}
	r.Conflicts = r.overrides.Apply(&sb, nrDataBlocks)

	buf, err := superblock.Marshal(sb)
	if err != nil {
		return err
	}
	wb := &ioengine.Block{Nr: superblock.Location}
	copy(wb.Data[:], buf)
	if err := r.eng.WriteBlock(wb); err != nil {
		return err
	}

	r.Result = &sb
	return r.eng.Flush()
}
