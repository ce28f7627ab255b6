package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/restore"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/xmlformat"
)

func newRestoreCommand() *cobra.Command {
	var (
		input  string
		output string
		quiet  bool
	)
	var ov overridesFlags

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Rebuild a metadata device from a dumped event stream (spec §4.10)",
	}
	flags := cmd.Flags()
	flags.StringVarP(&input, "input", "i", "", "the xml-format dump to replay (required)")
	flags.StringVarP(&output, "output", "o", "", "the metadata device to write (required)")
	flags.BoolVar(&quiet, "quiet", false, "suppress progress output")
	ov.register(flags)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if input == "" {
			return thinerr.New(thinerr.CodeMissingInput, fmt.Errorf("no input file provided"))
		}
		if output == "" {
			return thinerr.New(thinerr.CodeMissingOutput, fmt.Errorf("no output file provided"))
		}

		in, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("Couldn't find input file '%s'.", input) //nolint:stylecheck // stable user-facing message
		}
		defer in.Close()

		eng, err := openOutput(output)
		if err != nil {
			return err
		}
		defer eng.Close()
		var engine ioengine.Engine = eng

		r, err := restore.New(engine, ov.finalize(cmd))
		if err != nil {
			return err
		}

		rep := newReport(cmd.Context(), quiet)
		if err := xmlformat.Read(in, r); err != nil {
			return err
		}
		for _, c := range r.Conflicts {
			rep.Warn("%s: recovered=%d override=%d", c.Field, c.Original, c.Override)
		}
		rep.Info("wrote superblock, transaction %d", r.Result.TransactionID)
		return nil
	}
	return cmd
}
