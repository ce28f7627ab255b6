package spacemap

import (
	"encoding/binary"
	"fmt"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// KindBitmap is the block-kind discriminator (pdata.WriteKind/ReadKind)
// for a bitmap block.
const KindBitmap uint32 = 2

// bitmapHeaderSize is the fixed header preceding the packed entries: the
// generic checksum+kind header, then this bitmap's own block number (so
// a bitmap read from the wrong offset is caught the same way a node's
// self-reported BlockNr catches a misdirected node read).
const bitmapHeaderSize = pdata.ChecksumSize + pdata.KindSize + 8

// entryOverflow marks "count is 3 or more; look it up in the overflow
// tree" rather than being a literal count, matching the on-disk two bit
// alphabet {0, 1, 2, overflow}.
const entryOverflow = 3

// BitmapEntriesPerBlock is how many 2-bit ref-count entries pack into one
// pdata.BlockSize bitmap block.
func BitmapEntriesPerBlock(blockSize int) int {
	return (blockSize - bitmapHeaderSize) * 4
}

// Bitmap is a decoded bitmap block: one 2-bit entry per tracked block,
// covering a contiguous run starting at some index the caller (the index
// tree, disk.go) already knows from context.
type Bitmap struct {
	BlockNr uint64
	entries []byte // 2 bits each, packed 4/byte, same layout as the wire format
	n       int
}

// NewBitmap returns an all-zero bitmap able to hold n entries.
func NewBitmap(blockNr uint64, n int) *Bitmap {
	return &Bitmap{BlockNr: blockNr, entries: make([]byte, (n+3)/4), n: n}
}

func (b *Bitmap) Len() int { return b.n }

func (b *Bitmap) Get(i int) uint8 {
	shift := uint((i % 4) * 2)
	return (b.entries[i/4] >> shift) & 0x3
}

func (b *Bitmap) Set(i int, v uint8) {
	shift := uint((i % 4) * 2)
	b.entries[i/4] = (b.entries[i/4] &^ (0x3 << shift)) | ((v & 0x3) << shift)
}

// UnmarshalBitmap decodes a pdata.BlockSize buffer (checksum already
// validated by the caller) into a Bitmap.
func UnmarshalBitmap(buf []byte) (*Bitmap, error) {
	if len(buf) < bitmapHeaderSize {
		return nil, fmt.Errorf("bitmap block too small: %d bytes", len(buf))
	}
	if gotKind := pdata.ReadKind(buf); gotKind != KindBitmap {
		return nil, thinerr.New(thinerr.CodeBadNodeHeader, fmt.Errorf("block has kind %d, expected bitmap kind %d", gotKind, KindBitmap))
	}
	blockNr := binary.LittleEndian.Uint64(buf[pdata.ChecksumSize+pdata.KindSize : bitmapHeaderSize])
	n := (len(buf) - bitmapHeaderSize) * 4
	b := &Bitmap{BlockNr: blockNr, entries: make([]byte, len(buf)-bitmapHeaderSize), n: n}
	copy(b.entries, buf[bitmapHeaderSize:])
	return b, nil
}

// Marshal encodes the bitmap into a pdata.BlockSize buffer, computing and
// storing both the kind discriminator and the checksum.
func (b *Bitmap) Marshal(blockSize int) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint64(buf[pdata.ChecksumSize+pdata.KindSize:bitmapHeaderSize], b.BlockNr)
	copy(buf[bitmapHeaderSize:], b.entries)
	pdata.WriteKind(buf, KindBitmap)
	pdata.WriteChecksum(buf)
	return buf
}
