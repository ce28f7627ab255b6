package dump

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/metadata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/btreebuild"
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

// recordingSink captures every call Run makes, in order, so a test can
// assert on device ordering and run-coalescing without a real XML layer.
type recordingSink struct {
	nrDataBlocks uint64
	deviceOrder  []uint64
	singleMaps   []uint64
	rangeMaps    []rangeCall
}

type rangeCall struct {
	originBegin, dataBegin, length uint64
}

func (s *recordingSink) SuperblockBegin(_ [16]byte, _ uint32, _ uint64, _ uint32, _ uint32, _ uint32, nrDataBlocks uint64) error {
	s.nrDataBlocks = nrDataBlocks
	return nil
}
func (s *recordingSink) DeviceBegin(devID uint64, _ uint64, _ uint64, _ uint32, _ uint32) error {
	s.deviceOrder = append(s.deviceOrder, devID)
	return nil
}
func (s *recordingSink) SingleMap(origin, _ uint64, _ uint32) error {
	s.singleMaps = append(s.singleMaps, origin)
	return nil
}
func (s *recordingSink) RangeMap(originBegin, dataBegin uint64, _ uint32, length uint64) error {
	s.rangeMaps = append(s.rangeMaps, rangeCall{originBegin, dataBegin, length})
	return nil
}
func (s *recordingSink) DeviceEnd() error    { return nil }
func (s *recordingSink) SuperblockEnd() error { return nil }

// buildDevice assembles a device-details tree, a top-level mapping tree
// and each device's own mapping subtree, plus a finalized data space map
// sized dataBlocks — the three structures Run walks.
func buildDevice(t *testing.T, dataBlocks uint64) (*memEngine, *superblock.Superblock) {
	t.Helper()
	eng := newMemEngine(dataBlocks + 1000)
	alloc := &sequentialAlloc{next: 100}

	// device 7's mapping subtree: a single contiguous run [0,3) -> [10,13).
	devTree7 := btreebuild.New(eng, alloc, metadata.KindMappingNode, metadata.KindMappingNode, metadata.MappingValueSize)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, devTree7.Append(i, metadata.EncodeMapping(metadata.Mapping{DataBlock: 10 + i, Time: 1})))
	}
	root7, err := devTree7.Finish()
	require.NoError(t, err)

	// device 3 has no entry in the top-level mapping tree at all (a
	// freshly created, never-written thin device), exercising Run's
	// "no root in roots map" branch.
	topTree := btreebuild.New(eng, alloc, metadata.KindTopLevelMappingNode, metadata.KindTopLevelMappingNode, 8)
	require.NoError(t, topTree.Append(7, encodeUint64(root7)))
	topRoot, err := topTree.Finish()
	require.NoError(t, err)

	detailTree := btreebuild.New(eng, alloc, metadata.KindDeviceDetailsNode, metadata.KindDeviceDetailsNode, metadata.DeviceDetailValueSize)
	require.NoError(t, detailTree.Append(3, metadata.EncodeDeviceDetail(metadata.DeviceDetail{MappedBlocks: 0, TransactionID: 1})))
	require.NoError(t, detailTree.Append(7, metadata.EncodeDeviceDetail(metadata.DeviceDetail{MappedBlocks: 3, TransactionID: 1})))
	detailRoot, err := detailTree.Finish()
	require.NoError(t, err)

	dataCore := spacemap.NewCore(dataBlocks)
	for b := uint64(10); b < 13; b++ {
		require.NoError(t, dataCore.SetCount(b, 1))
	}
	dataRoot, err := spacemap.Finalize(eng, alloc, dataCore)
	require.NoError(t, err)

	sb := &superblock.Superblock{
		Magic:            superblock.Magic,
		Version:          superblock.Version,
		DataMappingRoot:  topRoot,
		DeviceDetailsRoot: detailRoot,
		DataSpaceMapRoot: spacemap.PackRoot(dataRoot),
	}
	return eng, sb
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestRunOrdersDevicesByIDAndCoalescesRuns(t *testing.T) {
	t.Parallel()
	eng, sb := buildDevice(t, 64)

	sink := &recordingSink{}
	require.NoError(t, Run(eng, sb, sink))

	require.Equal(t, []uint64{3, 7}, sink.deviceOrder, "devices must be emitted in ascending id order")
	require.Equal(t, uint64(64), sink.nrDataBlocks)
	require.Empty(t, sink.singleMaps)
	require.Equal(t, []rangeCall{{0, 10, 3}}, sink.rangeMaps)
}

func TestRunZeroRootsYieldZeroNrDataBlocks(t *testing.T) {
	t.Parallel()
	eng := newMemEngine(64)
	sb := &superblock.Superblock{Magic: superblock.Magic, Version: superblock.Version}

	sink := &recordingSink{}
	require.NoError(t, Run(eng, sb, sink))
	require.Zero(t, sink.nrDataBlocks)
	require.Empty(t, sink.deviceOrder)
}
