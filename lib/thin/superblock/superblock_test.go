package superblock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validSuperblock() Superblock {
	return Superblock{
		Magic:         Magic,
		Version:       Version,
		TransactionID: 7,
		DataBlockSize: 128,
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()
	want := validSuperblock()
	want.SetNeedsCheck(true)

	buf, err := Marshal(want)
	require.NoError(t, err)
	require.Len(t, buf, 4096)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.True(t, got.NeedsCheck())
	require.True(t, want.Equal(*got))
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	t.Parallel()
	sb := validSuperblock()
	sb.Magic = 0
	buf, err := Marshal(sb)
	require.NoError(t, err)

	_, err = Unmarshal(buf)
	require.Error(t, err)
}

func TestUnmarshalRejectsCorruptChecksum(t *testing.T) {
	t.Parallel()
	buf, err := Marshal(validSuperblock())
	require.NoError(t, err)
	buf[2000] ^= 0xff

	_, err = Unmarshal(buf)
	require.Error(t, err)
}

func TestNeedsCheckFlag(t *testing.T) {
	t.Parallel()
	sb := validSuperblock()
	require.False(t, sb.NeedsCheck())
	sb.SetNeedsCheck(true)
	require.True(t, sb.NeedsCheck())
	sb.SetNeedsCheck(false)
	require.False(t, sb.NeedsCheck())
}

func TestFlagsString(t *testing.T) {
	t.Parallel()
	sb := validSuperblock()
	require.Equal(t, "0x0(none)", sb.FlagsString())
	sb.SetNeedsCheck(true)
	require.Equal(t, "0x1(NEEDS_CHECK)", sb.FlagsString())
}

func TestOverridesApplyReportsConflicts(t *testing.T) {
	t.Parallel()
	sb := validSuperblock()

	txnID := uint64(99)
	blockSize := uint32(256)
	conflicts := Overrides{TransactionID: &txnID, DataBlockSize: &blockSize}.Apply(&sb, 0)

	require.Len(t, conflicts, 2)
	require.Equal(t, uint64(99), sb.TransactionID)
	require.Equal(t, uint32(256), sb.DataBlockSize)
}

func TestOverridesApplyNoConflictWhenMatching(t *testing.T) {
	t.Parallel()
	sb := validSuperblock()
	txnID := sb.TransactionID
	conflicts := Overrides{TransactionID: &txnID}.Apply(&sb, 0)
	require.Empty(t, conflicts)
}
