package spacemap

import (
	"encoding/binary"
	"sort"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/btreebuild"
)

// Finalize serializes a Core built from scratch (the restorer's working
// representation, spec §4.10) into the on-disk bitmap-plus-overflow-tree
// form Disk reads, via alloc for every block it needs to write (bitmaps,
// overflow-tree nodes, index chain). It returns the Root a superblock
// stores to find everything again.
func Finalize(eng ioengine.Engine, alloc btreebuild.Allocator, core *Core) (Root, error) {
	nrBlocks := core.GetNrBlocks()
	perBitmap := BitmapEntriesPerBlock(pdata.BlockSize)
	nrBitmaps := int((nrBlocks + uint64(perBitmap) - 1) / uint64(perBitmap))

	overflow := btreebuild.New(eng, alloc, KindOverflow, KindOverflow, 4)
	var overflowKeys []uint64
	for block := uint64(0); block < nrBlocks; block++ {
		c, _ := core.GetCount(block)
		if c >= entryOverflow {
			overflowKeys = append(overflowKeys, block)
		}
	}
	sort.Slice(overflowKeys, func(i, j int) bool { return overflowKeys[i] < overflowKeys[j] })
	for _, block := range overflowKeys {
		c, _ := core.GetCount(block)
		v := make([]byte, 4)
		binary.LittleEndian.PutUint32(v, c)
		if err := overflow.Append(block, v); err != nil {
			return Root{}, err
		}
	}
	overflowRoot, err := overflow.Finish()
	if err != nil {
		return Root{}, err
	}

	entries := make([]IndexEntry, nrBitmaps)
	for i := 0; i < nrBitmaps; i++ {
		lo := uint64(i) * uint64(perBitmap)
		hi := lo + uint64(perBitmap)
		if hi > nrBlocks {
			hi = nrBlocks
		}
		n := int(hi - lo)
		bm := NewBitmap(0, n)
		nrFree := 0
		for j := 0; j < n; j++ {
			c, _ := core.GetCount(lo + uint64(j))
			entry := uint8(c)
			if c >= entryOverflow {
				entry = entryOverflow
			}
			bm.Set(j, entry)
			if c == 0 {
				nrFree++
			}
		}
		bitmapNr, err := alloc.Alloc()
		if err != nil {
			return Root{}, err
		}
		bm.BlockNr = bitmapNr
		wb := &ioengine.Block{Nr: bitmapNr}
		copy(wb.Data[:], bm.Marshal(pdata.BlockSize))
		if err := eng.WriteBlock(wb); err != nil {
			return Root{}, err
		}
		entries[i] = IndexEntry{BitmapBlock: bitmapNr, NrFree: uint32(nrFree)}
	}

	indexHead, err := WriteIndex(eng, alloc.Alloc, entries)
	if err != nil {
		return Root{}, err
	}

	return Root{
		NrBlocks:       nrBlocks,
		NrAllocated:    core.GetNrAllocated(),
		IndexHead:      indexHead,
		NrIndexEntries: uint64(len(entries)),
		OverflowRoot:   overflowRoot,
	}, nil
}
