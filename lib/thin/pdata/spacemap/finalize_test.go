package spacemap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
)

// memEngine is a fixed-size in-memory ioengine.Engine, standing in for a
// real device across every pdata/spacemap/generatedamage/repair test that
// needs Finalize/OpenFromRoot's on-disk round trip without touching disk.
type memEngine struct {
	blocks map[uint64]*ioengine.Block
	nr     uint64
	next   uint64
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

// sequentialAlloc hands out ascending block numbers, the shape
// restore.allocator uses for a device being built from scratch.
type sequentialAlloc struct{ next uint64 }

func (a *sequentialAlloc) Alloc() (uint64, error) {
	nr := a.next
	a.next++
	return nr, nil
}

func TestFinalizeOpenFromRootRoundTrip(t *testing.T) {
	t.Parallel()

	const nrBlocks = 5000
	core := NewCore(nrBlocks)
	require.NoError(t, core.SetCount(0, 1))
	require.NoError(t, core.SetCount(10, 2))
	require.NoError(t, core.SetCount(4999, 7)) // forces an overflow-tree entry
	require.NoError(t, core.SetCount(2500, 3)) // also overflow (entryOverflow boundary)

	eng := newMemEngine(nrBlocks + 200) // head-room for bitmaps/overflow/index nodes
	alloc := &sequentialAlloc{next: nrBlocks}

	root, err := Finalize(eng, alloc, core)
	require.NoError(t, err)
	require.Equal(t, uint64(nrBlocks), root.NrBlocks)
	require.Equal(t, core.GetNrAllocated(), root.NrAllocated)

	packed := PackRoot(root)
	unpacked := UnpackRoot(packed)
	require.Equal(t, root, unpacked)

	disk, err := OpenFromRoot(eng, unpacked)
	require.NoError(t, err)
	require.Equal(t, uint64(nrBlocks), disk.GetNrBlocks())

	for _, tc := range []struct {
		block uint64
		want  uint32
	}{
		{0, 1},
		{1, 0},
		{10, 2},
		{2500, 3},
		{4999, 7},
	} {
		got, err := disk.GetCount(tc.block)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "block %d", tc.block)
	}
}
