package check

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/superblock"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

func TestValidateRejectsAutoRepairWithSuperBlockOnly(t *testing.T) {
	t.Parallel()
	err := Options{AutoRepair: true, SuperBlockOnly: true}.Validate()
	require.Error(t, err)
}

func TestValidateRejectsClearNeedsCheckWithMetadataSnapshot(t *testing.T) {
	t.Parallel()
	err := Options{ClearNeedsCheckFlag: true, UseMetadataSnapshot: true}.Validate()
	require.Error(t, err)
}

func TestValidateRejectsAutoRepairWithSkipMappings(t *testing.T) {
	t.Parallel()
	err := Options{AutoRepair: true, SkipMappings: true}.Validate()
	require.Error(t, err)
}

func TestValidateAllowsPlainAutoRepair(t *testing.T) {
	t.Parallel()
	require.NoError(t, Options{AutoRepair: true}.Validate())
}

func TestValidateAllowsUnrelatedCombination(t *testing.T) {
	t.Parallel()
	require.NoError(t, Options{SuperBlockOnly: true, IgnoreNonFatalErrors: true}.Validate())
}

func TestHasFatal(t *testing.T) {
	t.Parallel()
	clean := Result{Findings: []Finding{{Fatality: thinerr.NonFatal}}}
	require.False(t, clean.HasFatal())

	dirty := Result{Findings: []Finding{{Fatality: thinerr.NonFatal}, {Fatality: thinerr.Fatal}}}
	require.True(t, dirty.HasFatal())
}

// memEngine is a fixed-size in-memory ioengine.Engine backing a minimal
// device built directly in superblock_test.go-style, without going through
// spacemap.Finalize: every root left at its zero value resolves to "empty",
// letting Run exercise all four phases on a device with nothing on it.
type memEngine struct {
	blocks map[uint64]*ioengine.Block
	nr     uint64
}

var _ ioengine.Engine = (*memEngine)(nil)

func newMemEngine(nrBlocks uint64) *memEngine {
	return &memEngine{blocks: make(map[uint64]*ioengine.Block), nr: nrBlocks}
}

func (m *memEngine) ReadBlock(nr uint64) (*ioengine.Block, error) {
	if b, ok := m.blocks[nr]; ok {
		cp := *b
		return &cp, nil
	}
	return &ioengine.Block{Nr: nr}, nil
}

func (m *memEngine) WriteBlock(b *ioengine.Block) error {
	cp := *b
	m.blocks[b.Nr] = &cp
	return nil
}

func (m *memEngine) GetNrBlocks() uint64 { return m.nr }
func (m *memEngine) GetBatchSize() int   { return 1 }
func (m *memEngine) Flush() error        { return nil }
func (m *memEngine) Close() error        { return nil }

func buildEmptyDevice(t *testing.T, needsCheck bool) *memEngine {
	t.Helper()
	eng := newMemEngine(64)
	sb := superblock.Superblock{
		Magic:         superblock.Magic,
		Version:       superblock.Version,
		TransactionID: 1,
		DataBlockSize: 128,
	}
	sb.SetNeedsCheck(needsCheck)
	buf, err := superblock.Marshal(sb)
	require.NoError(t, err)
	blk := &ioengine.Block{Nr: superblock.Location}
	copy(blk.Data[:], buf)
	require.NoError(t, eng.WriteBlock(blk))
	return eng
}

func TestRunCleanEmptyDeviceHasNoFindings(t *testing.T) {
	t.Parallel()
	eng := buildEmptyDevice(t, false)

	result, err := Run(eng, Options{})
	require.NoError(t, err)
	require.Empty(t, result.Findings)
	require.False(t, result.HasFatal())
	require.Equal(t, 4, result.Phase)
	require.False(t, result.NeedsCheckWasSet)
}

func TestRunSuperBlockOnlyStopsAtPhase1(t *testing.T) {
	t.Parallel()
	eng := buildEmptyDevice(t, false)

	result, err := Run(eng, Options{SuperBlockOnly: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Phase)
}

func TestRunClearNeedsCheckFlagRewritesSuperblock(t *testing.T) {
	t.Parallel()
	eng := buildEmptyDevice(t, true)

	result, err := Run(eng, Options{ClearNeedsCheckFlag: true})
	require.NoError(t, err)
	require.True(t, result.NeedsCheckWasSet)
	require.True(t, result.NeedsCheckCleared)

	sb, err := superblock.Read(eng)
	require.NoError(t, err)
	require.False(t, sb.NeedsCheck())
}

func TestRunBadSuperblockIsFatalAtPhase1(t *testing.T) {
	t.Parallel()
	eng := newMemEngine(64) // never written: block 0 reads back all zero, bad magic

	result, err := Run(eng, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Phase)
	require.True(t, result.HasFatal())
}
