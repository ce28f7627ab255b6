// Package cli wires the library packages (check, dump, restore, repair,
// generatedamage) into cobra commands shared by the unified cmd/thinp
// binary and each single-purpose cmd/thin_* wrapper.
//
// Grounded on the teacher's cmd/btrfs-rec/main.go: a logLevelFlag
// implementing pflag.Value over logrus.Level, a dlog.WithLogger(ctx,
// dlog.WrapLogrus(logger)) context built once per invocation, and a
// dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
// running the actual work so Ctrl-C during a long restore/repair
// unwinds cleanly instead of leaving a half-written device.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/jthornber/thin-provisioning-tools-go/lib/profile"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/report"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/superblock"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

// NewRootCommand builds the unified "thinp" cobra tree: one persistent
// --verbosity flag plus the check/dump/restore/repair/generate_damage
// subcommands, mirroring the teacher's single argparser with an
// inspect/repair split — here the split is by metadata operation
// instead of by read-only-vs-mutating, since every one of these
// subcommands (other than dump/check without --auto-repair) can write.
func NewRootCommand() *cobra.Command {
	logLvl := logLevelFlag{Level: logrus.InfoLevel}
	var profileCPU string

	root := &cobra.Command{
		Use:   "thinp SUBCOMMAND",
		Short: "Inspect, dump, restore and repair thin-provisioning metadata",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	root.SetHelpTemplate(cliutil.HelpTemplate)
	root.PersistentFlags().Var(&logLvl, "verbosity", "set the verbosity (panic, fatal, error, warn, info, debug, trace)")
	root.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "write a CPU profile to this file")

	root.AddCommand(
		wrapSubcommand(newCheckCommand(), &logLvl, &profileCPU),
		wrapSubcommand(newDumpCommand(), &logLvl, &profileCPU),
		wrapSubcommand(newRestoreCommand(), &logLvl, &profileCPU),
		wrapSubcommand(newRepairCommand(), &logLvl, &profileCPU),
		wrapSubcommand(newGenerateDamageCommand(), &logLvl, &profileCPU),
	)
	return root
}

// standaloneRoot promotes one subcommand to be its own root, for the
// single-purpose thin_check/thin_dump/thin_restore/thin_repair/
// thin_generate_damage binaries: same --verbosity flag and dlog/dgroup
// wrapping as the unified thinp tree gives each of its subcommands, just
// without the "thinp SUBCOMMAND" dispatch layer in front of it.
func standaloneRoot(cmd *cobra.Command) *cobra.Command {
	logLvl := logLevelFlag{Level: logrus.InfoLevel}
	var profileCPU string
	cmd.PersistentFlags().Var(&logLvl, "verbosity", "set the verbosity (panic, fatal, error, warn, info, debug, trace)")
	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "write a CPU profile to this file")
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return wrapSubcommand(cmd, &logLvl, &profileCPU)
}

// NewCheckCommand returns the standalone thin_check root command.
func NewCheckCommand() *cobra.Command { return standaloneRoot(newCheckCommand()) }

// NewDumpCommand returns the standalone thin_dump root command.
func NewDumpCommand() *cobra.Command { return standaloneRoot(newDumpCommand()) }

// NewRestoreCommand returns the standalone thin_restore root command.
func NewRestoreCommand() *cobra.Command { return standaloneRoot(newRestoreCommand()) }

// NewRepairCommand returns the standalone thin_repair root command.
func NewRepairCommand() *cobra.Command { return standaloneRoot(newRepairCommand()) }

// NewGenerateDamageCommand returns the standalone thin_generate_damage
// root command.
func NewGenerateDamageCommand() *cobra.Command { return standaloneRoot(newGenerateDamageCommand()) }

// wrapSubcommand installs the dlog/dgroup plumbing around cmd.RunE the
// way the teacher's main() does for every inspect/repair subcommand, so
// each operation's own RunE only has to deal with its own flags. When
// --profile-cpu names a file, a CPU profile is captured for the
// subcommand's entire run and flushed before returning, regardless of
// whether it succeeded.
func wrapSubcommand(cmd *cobra.Command, logLvl *logLevelFlag, profileCPU *string) *cobra.Command {
	inner := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		logger := logrus.New()
		logger.SetLevel(logLvl.Level)
		ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

		if *profileCPU != "" {
			f, ferr := os.Create(*profileCPU)
			if ferr != nil {
				return ferr
			}
			defer f.Close()
			stop, perr := profile.CPU(f)
			if perr != nil {
				return perr
			}
			defer stop() //nolint:errcheck // best-effort profile flush on exit
		}

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
		grp.Go(cmd.Name(), func(ctx context.Context) error {
			cmd.SetContext(ctx)
			return inner(cmd, args)
		})
		return grp.Wait()
	}
	return cmd
}

// newReport picks Quiet, ProgressBar or Simple, the same three-way
// split the teacher's --verbosity-driven logrus setup stands in for:
// --quiet always wins; otherwise an interactive terminal gets the
// ticking progress bar and anything else (piped output, CI logs) gets
// one line per event.
func newReport(ctx context.Context, quiet bool) report.Report {
	if quiet {
		return report.NewQuiet()
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return report.NewProgressBar(ctx)
	}
	return report.NewSimple(ctx)
}

// overridesFlags holds the --transaction-id/--data-block-size/
// --nr-data-blocks trio shared by check/dump/restore/repair, each
// optional and each feeding superblock.Overrides.
type overridesFlags struct {
	transactionID uint64
	dataBlockSize uint32
	nrDataBlocks  uint64

	transactionIDSet bool
	dataBlockSizeSet bool
	nrDataBlocksSet  bool
}

func (f *overridesFlags) register(flags *pflag.FlagSet) {
	flags.Uint64Var(&f.transactionID, "transaction-id", 0, "override the expected transaction id")
	flags.Uint32Var(&f.dataBlockSize, "data-block-size", 0, "override the expected data block size (512-byte sectors)")
	flags.Uint64Var(&f.nrDataBlocks, "nr-data-blocks", 0, "override the expected size of the data device, in blocks")
}

func (f *overridesFlags) finalize(cmd *cobra.Command) superblock.Overrides {
	var o superblock.Overrides
	if cmd.Flags().Changed("transaction-id") {
		v := f.transactionID
		o.TransactionID = &v
	}
	if cmd.Flags().Changed("data-block-size") {
		v := f.dataBlockSize
		o.DataBlockSize = &v
	}
	if cmd.Flags().Changed("nr-data-blocks") {
		v := f.nrDataBlocks
		o.NrDataBlocks = &v
	}
	return o
}

// openInput opens path read-only, failing with the stable
// FILE_NOT_FOUND-shaped message the checker/dump/restore CLI contracts
// rely on (spec §7: "Couldn't find input file") before any engine
// construction is attempted.
func openInput(path string) (*ioengine.Sync, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("Couldn't find input file '%s'.", path) //nolint:stylecheck // stable user-facing message
	}
	return ioengine.Open(path, false)
}

// openOutput opens path read-write. Every one of these tools' output
// devices is pre-existing and pre-sized by the caller (restore.New
// enforces a minimum size, spec §4.10) rather than created here, so this
// only ever opens, never creates — failing with a stable
// MISSING_OUTPUT_ARG-shaped message when path is empty.
func openOutput(path string) (*ioengine.Sync, error) {
	if path == "" {
		return nil, fmt.Errorf("No output file provided.") //nolint:stylecheck // stable user-facing message
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("Couldn't find output file '%s'.", path) //nolint:stylecheck // stable user-facing message
	}
	return ioengine.Open(path, true)
}

// writeSuperblockTo marshals sb and writes it to block 0, flushing
// afterwards so a crash right after return never leaves the write
// sitting only in a cache. Shared by repair (and any other subcommand
// that rewrites the superblock in place rather than through check's
// own result-tracking writeSuperblock).
func writeSuperblockTo(eng ioengine.Engine, sb superblock.Superblock) error {
	buf, err := superblock.Marshal(sb)
	if err != nil {
		return err
	}
	blk := &ioengine.Block{Nr: superblock.Location}
	copy(blk.Data[:], buf)
	if err := eng.WriteBlock(blk); err != nil {
		return err
	}
	return eng.Flush()
}
