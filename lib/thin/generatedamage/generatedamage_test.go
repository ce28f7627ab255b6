package generatedamage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/spacemap"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/superblock"
)

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

type sequentialAlloc struct{ next uint64 }

func (a *sequentialAlloc) Alloc() (uint64, error) {
	nr := a.next
	a.next++
	return nr, nil
}

// buildDevice writes a valid superblock at block 0 whose
// MetadataSpaceMapRoot points at a finalized space map of nrBlocks
// entries, all initially holding refcount 1 (as if every block in range
// were exclusively owned by some live node).
func buildDevice(t *testing.T, nrBlocks uint64) *memEngine {
	t.Helper()
	eng := newMemEngine(nrBlocks + 200)

	core := spacemap.NewCore(nrBlocks)
	for b := uint64(0); b < nrBlocks; b++ {
		require.NoError(t, core.SetCount(b, 1))
	}
	root, err := spacemap.Finalize(eng, &sequentialAlloc{next: nrBlocks}, core)
	require.NoError(t, err)

	sb := superblock.Superblock{
		Magic:                superblock.Magic,
		Version:              superblock.Version,
		MetadataSpaceMapRoot: spacemap.PackRoot(root),
	}
	buf, err := superblock.Marshal(sb)
	require.NoError(t, err)
	blk := &ioengine.Block{Nr: superblock.Location}
	copy(blk.Data[:], buf)
	require.NoError(t, eng.WriteBlock(blk))
	return eng
}

func TestCreateMetadataLeaksDamagesRequestedCount(t *testing.T) {
	t.Parallel()
	const nrBlocks = 64
	eng := buildDevice(t, nrBlocks)

	n, err := Run(eng, CreateMetadataLeaks{NrBlocks: 5, Expected: 1, Actual: 2})
	require.NoError(t, err)
	require.Equal(t, 5, n)

	sb, err := superblock.Read(eng)
	require.NoError(t, err)
	root := spacemap.UnpackRoot(sb.MetadataSpaceMapRoot)
	disk, err := spacemap.OpenFromRoot(eng, root)
	require.NoError(t, err)

	damaged := 0
	for b := uint64(0); b < nrBlocks; b++ {
		c, err := disk.GetCount(b)
		require.NoError(t, err)
		if c == 2 {
			damaged++
		} else {
			require.Equal(t, uint32(1), c)
		}
	}
	require.Equal(t, 5, damaged)
}

func TestCreateMetadataLeaksErrorsWhenNotEnoughMatchingBlocks(t *testing.T) {
	t.Parallel()
	const nrBlocks = 8
	eng := buildDevice(t, nrBlocks)

	_, err := Run(eng, CreateMetadataLeaks{NrBlocks: nrBlocks + 1, Expected: 1, Actual: 2})
	require.Error(t, err)
}
