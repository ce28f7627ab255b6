package repair

import (
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/btreebuild"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/spacemap"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// freeAllocator hands out free metadata-device block numbers found by
// scanning metadataSM's in-progress counts rather than a fresh
// sequential range: unlike the restorer (which always writes into a
// device it's rebuilding from scratch), a rebuild's metadata device
// already has live nodes scattered across its whole address range, so
// the only safe place to put the newly-serialized space maps (both
// metadataSM's own and dataSM's, which are serialized onto the metadata
// device too) is wherever metadataSM itself still reads as free.
type freeAllocator struct {
	sm   spacemap.SpaceMap
	next uint64
}

var _ btreebuild.Allocator = (*freeAllocator)(nil)

func newFreeAllocator(metadataSM spacemap.SpaceMap) *freeAllocator {
	return &freeAllocator{sm: metadataSM}
}

func (a *freeAllocator) Alloc() (uint64, error) {
	nr, ok := a.sm.FindFree(a.next)
	if !ok {
		return 0, &thinerr.OutputTooSmall{NeedBlocks: a.sm.GetNrBlocks() + 1, HaveBlocks: a.sm.GetNrBlocks()}
	}
	a.next = nr + 1
	if err := a.sm.IncCount(nr); err != nil {
		return 0, err
	}
	return nr, nil
}
