package cli

import (
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/repair"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/superblock"
)

// rebuildFunc adapts repair.Rebuild to superblock.RebuildFunc, shared by
// every subcommand that accepts a --repair/-r fallback (dump, and
// check's ReadOrRebuild equivalent) without each re-closing over repair
// directly.
func rebuildFunc(eng ioengine.Engine, overrides superblock.Overrides) (*superblock.Superblock, []superblock.Conflict, error) {
	return repair.Rebuild(eng, overrides)
}
