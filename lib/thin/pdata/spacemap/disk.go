package spacemap

import (
	"encoding/binary"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/btree"
)

// KindOverflow is the block-kind discriminator for nodes belonging to an
// overflow B+tree (keyed by block number, valued by the uint32 refcount
// for any block whose 2-bit bitmap entry reads entryOverflow).
const KindOverflow uint32 = 3

// IndexEntry names which bitmap block holds a given run's entries and how
// many of them are currently free, the same "skip whole bitmaps with
// nr_free==0" shortcut the original format uses to speed up allocation
// scans.
type IndexEntry struct {
	BitmapBlock uint64
	NrFree      uint32
}

// Disk is the on-disk SpaceMap: a flat index (entries), each pointing at
// one bitmap block covering BitmapEntriesPerBlock consecutive block
// numbers, plus a side B+tree for the handful of blocks whose refcount
// has grown past what two bits can hold. For both the metadata and the
// data space map the index is stored in a chain of index blocks whose
// head is recorded in the packed Root held in the superblock's
// space-map-root bytes (index.go). Either way, by the
// time a Disk exists the index is just a slice in memory — self-hosting
// is purely a serialization concern handled by the superblock/restore
// layers that construct one.
type Disk struct {
	eng          ioengine.Engine
	entries      []IndexEntry
	perBitmap    int
	overflowRoot uint64
	nrBlocks     uint64

	bitmapCache map[uint64]*Bitmap
}

var _ SpaceMap = (*Disk)(nil)

var overflowDecoder = btree.Decoder[uint32]{
	Size: 4,
	Decode: func(b []byte) (uint32, error) {
		return binary.LittleEndian.Uint32(b), nil
	},
}

// OpenDisk constructs a Disk reader/writer over an already-parsed index
// and overflow tree root. blockSize is normally pdata.BlockSize; it is
// accepted explicitly so tests can exercise undersized blocks.
func OpenDisk(eng ioengine.Engine, entries []IndexEntry, overflowRoot uint64, nrBlocks uint64, blockSize int) *Disk {
	return &Disk{
		eng:          eng,
		entries:      entries,
		perBitmap:    BitmapEntriesPerBlock(blockSize),
		overflowRoot: overflowRoot,
		nrBlocks:     nrBlocks,
		bitmapCache:  make(map[uint64]*Bitmap),
	}
}

func (d *Disk) GetNrBlocks() uint64 { return d.nrBlocks }

func (d *Disk) GetNrAllocated() uint64 {
	var n uint64
	for _, e := range d.entries {
		n += uint64(d.perBitmap) - uint64(e.NrFree)
	}
	return n
}

func (d *Disk) bitmapFor(block uint64) (*Bitmap, int, error) {
	idx := int(block / uint64(d.perBitmap))
	off := int(block % uint64(d.perBitmap))
	if idx >= len(d.entries) {
		return nil, 0, &ErrOutOfRange{Block: block, NrBlocks: d.nrBlocks}
	}
	if b, ok := d.bitmapCache[block/uint64(d.perBitmap)]; ok {
		return b, off, nil
	}
	blk, err := d.eng.ReadBlock(d.entries[idx].BitmapBlock)
	if err != nil {
		return nil, 0, err
	}
	if err := pdata.Validate(blk.Data[:], d.entries[idx].BitmapBlock); err != nil {
		return nil, 0, err
	}
	b, err := UnmarshalBitmap(blk.Data[:])
	if err != nil {
		return nil, 0, err
	}
	d.bitmapCache[uint64(idx)] = b
	return b, off, nil
}

func (d *Disk) GetCount(block uint64) (uint32, error) {
	if block >= d.nrBlocks {
		return 0, &ErrOutOfRange{Block: block, NrBlocks: d.nrBlocks}
	}
	b, off, err := d.bitmapFor(block)
	if err != nil {
		return 0, err
	}
	entry := b.Get(off)
	if entry != entryOverflow {
		return uint32(entry), nil
	}
	v, ok := btree.Lookup(d.eng, KindOverflow, overflowDecoder, d.overflowRoot, block)
	if !ok {
		return 0, nil
	}
	return v, nil
}

// SetCount is only meaningful against a writable engine; it updates the
// bitmap entry in place (flushing the containing bitmap block). A count
// of 3 or more only sets the entry to the overflow marker: Disk never
// writes the overflow B+tree, so GetCount then returns whatever that
// tree already holds for the block (0 if it has no entry). Building a
// fresh space map goes through Core instead, serialized once via
// Finalize.
func (d *Disk) SetCount(block uint64, count uint32) error {
	if block >= d.nrBlocks {
		return &ErrOutOfRange{Block: block, NrBlocks: d.nrBlocks}
	}
	b, off, err := d.bitmapFor(block)
	if err != nil {
		return err
	}
	was := b.Get(off)
	entry := uint8(count)
	if count >= entryOverflow {
		entry = entryOverflow
	}
	b.Set(off, entry)

	idx := block / uint64(d.perBitmap)
	if was == 0 && count > 0 {
		d.entries[idx].NrFree--
	} else if was != 0 && count == 0 {
		d.entries[idx].NrFree++
	}

	buf := b.Marshal(pdata.BlockSize)
	wb := &ioengine.Block{Nr: d.entries[idx].BitmapBlock}
	copy(wb.Data[:], buf)
	return d.eng.WriteBlock(wb)
}

func (d *Disk) IncCount(block uint64) error {
	c, err := d.GetCount(block)
	if err != nil {
		return err
	}
	return d.SetCount(block, c+1)
}

func (d *Disk) DecCount(block uint64) error {
	c, err := d.GetCount(block)
	if err != nil {
		return err
	}
	if c == 0 {
		return &ErrCountUnderflow{Block: block}
	}
	return d.SetCount(block, c-1)
}

func (d *Disk) FindFree(begin uint64) (uint64, bool) {
	for block := begin; block < d.nrBlocks; block++ {
		idx := block / uint64(d.perBitmap)
		if d.entries[idx].NrFree == 0 {
			block = (idx+1)*uint64(d.perBitmap) - 1
			continue
		}
		if c, err := d.GetCount(block); err == nil && c == 0 {
			return block, true
		}
	}
	return 0, false
}
