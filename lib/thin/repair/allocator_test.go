package repair

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/spacemap"
)

func TestFreeAllocatorSkipsLiveBlocks(t *testing.T) {
	t.Parallel()
	sm := spacemap.NewCore(10)
	for _, b := range []uint64{0, 1, 2, 5} {
		require.NoError(t, sm.SetCount(b, 1))
	}

	alloc := newFreeAllocator(sm)

	got := make([]uint64, 0, 4)
	for i := 0; i < 4; i++ {
		nr, err := alloc.Alloc()
		require.NoError(t, err)
		got = append(got, nr)
	}
	require.Equal(t, []uint64{3, 4, 6, 7}, got)

	for _, nr := range got {
		c, err := sm.GetCount(nr)
		require.NoError(t, err)
		require.Equal(t, uint32(1), c, "Alloc must bump the refcount so the next Alloc doesn't reuse it")
	}
}

func TestFreeAllocatorErrorsWhenExhausted(t *testing.T) {
	t.Parallel()
	sm := spacemap.NewCore(2)
	require.NoError(t, sm.SetCount(0, 1))
	require.NoError(t, sm.SetCount(1, 1))

	alloc := newFreeAllocator(sm)
	_, err := alloc.Alloc()
	require.Error(t, err)
}
