package cli

import (
	"github.com/spf13/cobra"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/repair"
)

// newRepairCommand rebuilds a damaged device's superblock and space maps
// in place: the scan, the rebuilt space maps' own bitmap/overflow/index
// writes, and the final superblock write all land on the one device
// passed in, since build.go's scan works directly off still-live nodes
// already on that device rather than replaying them through a fresh
// restore pass onto a second device (spec §4.7's simpler "patch what's
// there" reading, not the full dump-then-restore round trip DESIGN.md
// records as a deliberate simplification).
func newRepairCommand() *cobra.Command {
	var device string
	var ov overridesFlags

	cmd := &cobra.Command{
		Use:   "repair DEVICE",
		Short: "Rebuild a damaged metadata device's superblock and space maps (spec §4.7)",
		Args:  cobra.ExactArgs(1),
	}
	flags := cmd.Flags()
	ov.register(flags)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		device = args[0]
		eng, err := openOutput(device)
		if err != nil {
			return err
		}
		defer eng.Close()

		sb, rep2, err := repair.RebuildWithReport(eng, ov.finalize(cmd))
		if err != nil {
			return err
		}

		rep := newReport(cmd.Context(), false)
		for _, c := range rep2.Conflicts {
			rep.Warn("%s: recovered=%d override=%d", c.Field, c.Original, c.Override)
		}
		rep.Info("recovered top-level root %d, device-details root %d (%d metadata blocks, %d data blocks in use)",
			rep2.TopLevelRoot, rep2.DeviceDetailsRoot, rep2.MetadataBlocksInUse, rep2.DataBlocksInUse)

		return writeSuperblockTo(eng, *sb)
	}
	return cmd
}
