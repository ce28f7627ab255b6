package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/check"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

func newCheckCommand() *cobra.Command {
	var (
		quiet                bool
		superBlockOnly       bool
		skipMappings         bool
		ignoreNonFatalErrors bool
		autoRepair           bool
		clearNeedsCheckFlag  bool
		metadataSnapshot     bool
		overrideMappingRoot  uint64
	)
	var ov overridesFlags

	cmd := &cobra.Command{
		Use:   "check INPUT",
		Short: "Validate thin-provisioning metadata (spec §4.8)",
		Args:  cobra.ExactArgs(1),
	}
	flags := cmd.Flags()
	flags.BoolVar(&quiet, "quiet", false, "suppress progress output")
	flags.BoolVar(&superBlockOnly, "super-block-only", false, "stop after reading the superblock")
	flags.BoolVar(&skipMappings, "skip-mappings", false, "stop after space-map validation")
	flags.BoolVar(&ignoreNonFatalErrors, "ignore-non-fatal-errors", false, "downgrade metadata leaks and orphaned nodes to warnings")
	flags.BoolVar(&autoRepair, "auto-repair", false, "run the rebuild path if all errors found are non-fatal")
	flags.BoolVar(&clearNeedsCheckFlag, "clear-needs-check-flag", false, "clear needs_check if no fatal errors were found")
	flags.BoolVarP(&metadataSnapshot, "metadata-snapshot", "m", false, "check the metadata snapshot instead of the live superblock")
	flags.Uint64Var(&overrideMappingRoot, "override-mapping-root", 0, "use this block as the top-level mapping root instead of the superblock's")
	ov.register(flags)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		opts := check.Options{
			SuperBlockOnly:       superBlockOnly,
			SkipMappings:         skipMappings,
			IgnoreNonFatalErrors: ignoreNonFatalErrors,
			AutoRepair:           autoRepair,
			ClearNeedsCheckFlag:  clearNeedsCheckFlag,
			UseMetadataSnapshot:  metadataSnapshot,
			Overrides:            ov.finalize(cmd),
		}
		if cmd.Flags().Changed("override-mapping-root") {
			opts.OverrideMappingRoot = &overrideMappingRoot
		}
		if err := opts.Validate(); err != nil {
			return err
		}

		var eng ioengine.Engine
		var err error
		if autoRepair || clearNeedsCheckFlag {
			eng, err = openOutput(args[0])
		} else {
			eng, err = openInput(args[0])
		}
		if err != nil {
			return err
		}
		defer eng.Close()
		eng = ioengine.NewCached(eng, 64)

		rep := newReport(cmd.Context(), quiet)
		result, err := check.Run(eng, opts)
		if err != nil {
			return err
		}
		for _, f := range result.Findings {
			if f.Fatality == thinerr.Fatal {
				rep.Warn("%s: %s", f.Code, f.Detail)
			} else {
				rep.Info("%s: %s", f.Code, f.Detail)
			}
		}
		if result.Repaired {
			rep.Info("auto-repair: rewrote superblock")
		}
		if result.NeedsCheckCleared {
			rep.Info("cleared needs_check flag")
		}
		if result.HasFatal() {
			return fmt.Errorf("check found %d fatal error(s)", countFatal(result.Findings))
		}
		return nil
	}
	return cmd
}

func countFatal(findings []check.Finding) int {
	n := 0
	for _, f := range findings {
		if f.Fatality == thinerr.Fatal {
			n++
		}
	}
	return n
}
