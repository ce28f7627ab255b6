package spacemap

import (
	"encoding/binary"
	"fmt"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata"
)

// KindIndex is the block-kind discriminator for a space map's index
// chain: the flat []IndexEntry a Disk needs, too large in general to fit
// in the superblock's own root bytes, so it is spilled to its own blocks
// and only the chain's head block number is stored in the root.
const KindIndex uint32 = 7

const indexHeaderSize = pdata.ChecksumSize + pdata.KindSize + 8 // + next-block pointer
const indexEntrySize = 16                                      // 8 (bitmap block) + 4 (nr_free) + 4 (pad)

func indexEntriesPerBlock(blockSize int) int {
	return (blockSize - indexHeaderSize) / indexEntrySize
}

// WriteIndex serializes entries as a chain of KindIndex blocks, each
// block's first 8 bytes after the generic header a forward pointer to
// the next block (0 and empty means end of chain), allocating each block
// through alloc. It returns the head block number.
func WriteIndex(eng ioengine.Engine, alloc func() (uint64, error), entries []IndexEntry) (uint64, error) {
	perBlock := indexEntriesPerBlock(pdata.BlockSize)
	if len(entries) == 0 {
		nr, err := alloc()
		if err != nil {
			return 0, err
		}
		buf := make([]byte, pdata.BlockSize)
		pdata.WriteKind(buf, KindIndex)
		pdata.WriteChecksum(buf)
		wb := &ioengine.Block{Nr: nr}
		copy(wb.Data[:], buf)
		return nr, eng.WriteBlock(wb)
	}

	nrBlocks := (len(entries) + perBlock - 1) / perBlock
	blockNrs := make([]uint64, nrBlocks)
	for i := range blockNrs {
		nr, err := alloc()
		if err != nil {
			return 0, err
		}
		blockNrs[i] = nr
	}

	for i := 0; i < nrBlocks; i++ {
		lo := i * perBlock
		hi := lo + perBlock
		if hi > len(entries) {
			hi = len(entries)
		}
		buf := make([]byte, pdata.BlockSize)
		var next uint64
		if i+1 < nrBlocks {
			next = blockNrs[i+1]
		}
		binary.LittleEndian.PutUint64(buf[pdata.ChecksumSize+pdata.KindSize:indexHeaderSize], next)
		off := indexHeaderSize
		for _, e := range entries[lo:hi] {
			binary.LittleEndian.PutUint64(buf[off:off+8], e.BitmapBlock)
			binary.LittleEndian.PutUint32(buf[off+8:off+12], e.NrFree)
			off += indexEntrySize
		}
		pdata.WriteKind(buf, KindIndex)
		pdata.WriteChecksum(buf)
		wb := &ioengine.Block{Nr: blockNrs[i]}
		copy(wb.Data[:], buf)
		if err := eng.WriteBlock(wb); err != nil {
			return 0, err
		}
	}
	return blockNrs[0], nil
}

// ReadIndex walks the chain starting at head, reading exactly nrEntries
// entries total (the last block may carry fewer than a full block's
// worth).
func ReadIndex(eng ioengine.Engine, head uint64, nrEntries int) ([]IndexEntry, error) {
	perBlock := indexEntriesPerBlock(pdata.BlockSize)
	entries := make([]IndexEntry, 0, nrEntries)
	nr := head
	for len(entries) < nrEntries {
		blk, err := eng.ReadBlock(nr)
		if err != nil {
			return nil, err
		}
		if err := pdata.Validate(blk.Data[:], nr); err != nil {
			return nil, err
		}
		if gotKind := pdata.ReadKind(blk.Data[:]); gotKind != KindIndex {
			return nil, fmt.Errorf("block %d: kind %d, expected index kind %d", nr, gotKind, KindIndex)
		}
		remaining := nrEntries - len(entries)
		n := perBlock
		if remaining < n {
			n = remaining
		}
		off := indexHeaderSize
		for i := 0; i < n; i++ {
			entries = append(entries, IndexEntry{
				BitmapBlock: binary.LittleEndian.Uint64(blk.Data[off : off+8]),
				NrFree:      binary.LittleEndian.Uint32(blk.Data[off+8 : off+12]),
			})
			off += indexEntrySize
		}
		nr = binary.LittleEndian.Uint64(blk.Data[pdata.ChecksumSize+pdata.KindSize : indexHeaderSize])
	}
	return entries, nil
}

// Root is the fixed-size summary a superblock stores for each of its two
// space maps (spec §4.6's 128-byte metadata_space_map_root /
// data_space_map_root fields): everything a reader needs to reconstruct
// a Disk without having to know the index chain's length ahead of time.
type Root struct {
	NrBlocks     uint64
	NrAllocated  uint64
	IndexHead    uint64
	NrIndexEntries uint64
	OverflowRoot uint64
}

// PackRoot encodes r into the fixed 128-byte field; the unused tail is
// left zeroed, matching the teacher's practice of sizing root fields
// generously and never filling them completely.
func PackRoot(r Root) [128]byte {
	var buf [128]byte
	binary.LittleEndian.PutUint64(buf[0:8], r.NrBlocks)
	binary.LittleEndian.PutUint64(buf[8:16], r.NrAllocated)
	binary.LittleEndian.PutUint64(buf[16:24], r.IndexHead)
	binary.LittleEndian.PutUint64(buf[24:32], r.NrIndexEntries)
	binary.LittleEndian.PutUint64(buf[32:40], r.OverflowRoot)
	return buf
}

// UnpackRoot is PackRoot's inverse.
func UnpackRoot(buf [128]byte) Root {
	return Root{
		NrBlocks:       binary.LittleEndian.Uint64(buf[0:8]),
		NrAllocated:    binary.LittleEndian.Uint64(buf[8:16]),
		IndexHead:      binary.LittleEndian.Uint64(buf[16:24]),
		NrIndexEntries: binary.LittleEndian.Uint64(buf[24:32]),
		OverflowRoot:   binary.LittleEndian.Uint64(buf[32:40]),
	}
}

// OpenFromRoot reconstructs a Disk from a previously-packed Root, reading
// back its index chain.
func OpenFromRoot(eng ioengine.Engine, r Root) (*Disk, error) {
	entries, err := ReadIndex(eng, r.IndexHead, int(r.NrIndexEntries))
	if err != nil {
		return nil, err
	}
	return OpenDisk(eng, entries, r.OverflowRoot, r.NrBlocks, pdata.BlockSize), nil
}
