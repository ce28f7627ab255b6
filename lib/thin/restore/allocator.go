package restore

import (
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/btreebuild"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/spacemap"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// allocator hands out metadata-device block numbers in increasing order
// starting from 1 (block 0 is reserved for the superblock), rejecting
// requests once the backing device is full, and mirrors every handout
// into the metadata space map being built — spec §4.10: "every block the
// restorer allocates for a new node bumps the in-progress metadata space
// map's count".
type allocator struct {
	next uint64
	max  uint64
	sm   *spacemap.Core
}

var _ btreebuild.Allocator = (*allocator)(nil)

func newAllocator(max uint64, sm *spacemap.Core) *allocator {
	return &allocator{next: 1, max: max, sm: sm}
}

func (a *allocator) Alloc() (uint64, error) {
	if a.next >= a.max {
		return 0, &thinerr.OutputTooSmall{NeedBlocks: a.next + 1, HaveBlocks: a.max}
	}
	nr := a.next
	a.next++
	if err := a.sm.IncCount(nr); err != nil {
		return 0, err
	}
	return nr, nil
}
