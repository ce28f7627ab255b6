// Package superblock implements C6 (spec §4.6): locating, validating and
// rebuilding block 0 of a metadata device, and the metadata-snapshot
// variant the kernel leaves behind for live-pool inspection.
//
// Grounded on the teacher's lib/btrfs/types_superblock.go: a single
// struct-tagged binstruct layout, CalculateChecksum/ValidateChecksum with
// the checksum field excluded from its own hash, and an Equal that
// ignores MetadataSnapshot when comparing two superblocks.
package superblock

import (
	"fmt"
	"reflect"

	"github.com/jthornber/thin-provisioning-tools-go/lib/binstruct"
	"github.com/jthornber/thin-provisioning-tools-go/lib/fmtutil"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// Location is the fixed block number of the primary superblock.
const Location uint64 = 0

// Magic is the fixed value of the Magic field for a valid superblock.
const Magic uint64 = 0x5468696e53425430 // "ThinSBT0"

// KindSuperblock is the block-kind discriminator.
const KindSuperblock uint32 = 1

const Version uint32 = 2

// Superblock is the fixed-layout first block of a metadata device. Field
// order and offsets mirror the teacher's Superblock — a single
// binstruct-tagged struct whose layout ends at 0x154; Marshal places it
// in a zero-filled pdata.BlockSize buffer so the checksum computation
// always spans a full, reproducible block.
type Superblock struct {
	// Checksum and Kind occupy bytes [0,8) and are handled by
	// lib/thin/pdata, not by binstruct tags here, so every block kind
	// shares exactly one checksum/kind convention.

	UUID               [16]byte `bin:"off=0x8,  siz=0x10"`
	Magic              uint64   `bin:"off=0x18, siz=0x8"`
	Version            uint32  `bin:"off=0x20, siz=0x4"`
	TransactionID      uint64  `bin:"off=0x24, siz=0x8"`
	MetadataSnapshot   uint64  `bin:"off=0x2c, siz=0x8"` // 0 means none
	MetadataSpaceMapRoot [128]byte `bin:"off=0x34, siz=0x80"`
	DataSpaceMapRoot     [128]byte `bin:"off=0xb4, siz=0x80"`
	DataMappingRoot      uint64    `bin:"off=0x134, siz=0x8"` // top-level per-device mapping tree
	DeviceDetailsRoot    uint64    `bin:"off=0x13c, siz=0x8"`
	DataBlockSize        uint32    `bin:"off=0x144, siz=0x4"` // 512-byte sectors
	Flags                uint32    `bin:"off=0x148, siz=0x4"`
	CreationTime         uint32    `bin:"off=0x14c, siz=0x4"`
	ModificationTime     uint32    `bin:"off=0x150, siz=0x4"`

	binstruct.End `bin:"off=0x154"`
}

const (
	FlagNeedsCheck uint32 = 1 << 0
)

func (sb Superblock) NeedsCheck() bool { return sb.Flags&FlagNeedsCheck != 0 }

func (sb *Superblock) SetNeedsCheck(v bool) {
	if v {
		sb.Flags |= FlagNeedsCheck
	} else {
		sb.Flags &^= FlagNeedsCheck
	}
}

func (sb Superblock) HasMetadataSnapshot() bool { return sb.MetadataSnapshot != 0 }

// flagNames indexes Flags bit position to name, for FlagsString.
var flagNames = []string{"NEEDS_CHECK"}

// FlagsString renders sb.Flags the way a log line or `check -v` report
// wants it: named bits, not a bare integer.
func (sb Superblock) FlagsString() string {
	return fmtutil.BitfieldString(sb.Flags, flagNames, fmtutil.HexLower)
}

// Equal compares two superblocks for equivalent content, ignoring the
// fields that legitimately differ between a primary superblock and a
// metadata snapshot taken from it (the snapshot is itself stored at a
// different block).
func (a Superblock) Equal(b Superblock) bool {
	a.MetadataSnapshot = 0
	b.MetadataSnapshot = 0
	return reflect.DeepEqual(a, b)
}

// Marshal encodes sb into a fresh pdata.BlockSize buffer with the
// checksum and kind fields written.
func Marshal(sb Superblock) ([]byte, error) {
	buf := make([]byte, pdata.BlockSize)
	body, err := binstruct.Marshal(sb)
	if err != nil {
		return nil, err
	}
	copy(buf[pdata.ChecksumSize+pdata.KindSize:], body[pdata.ChecksumSize+pdata.KindSize:])
	pdata.WriteKind(buf, KindSuperblock)
	pdata.WriteChecksum(buf)
	return buf, nil
}

// Unmarshal decodes and validates a pdata.BlockSize buffer as a
// superblock: checksum, kind discriminator, magic, and version.
func Unmarshal(buf []byte) (*Superblock, error) {
	if len(buf) != pdata.BlockSize {
		return nil, thinerr.New(thinerr.CodeBadSuperblock, fmt.Errorf("buffer is %d bytes, expected %d", len(buf), pdata.BlockSize))
	}
	if err := pdata.Validate(buf, Location); err != nil {
		return nil, thinerr.New(thinerr.CodeBadChecksum, err)
	}
	if gotKind := pdata.ReadKind(buf); gotKind != KindSuperblock {
		return nil, thinerr.New(thinerr.CodeBadSuperblock, fmt.Errorf("block has kind %d, expected superblock kind %d", gotKind, KindSuperblock))
	}
	var sb Superblock
	if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
		return nil, thinerr.New(thinerr.CodeBadSuperblock, err)
	}
	if sb.Magic != Magic {
		return nil, thinerr.New(thinerr.CodeBadMagic, fmt.Errorf("magic %#x, expected %#x", sb.Magic, Magic))
	}
	if sb.Version > Version {
		return nil, thinerr.New(thinerr.CodeBadVersion, fmt.Errorf("superblock version %d newer than supported %d", sb.Version, Version))
	}
	return &sb, nil
}
