package main

import (
	"context"
	"os"

	"github.com/jthornber/thin-provisioning-tools-go/lib/textui"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/cli"
)

func main() {
	root := cli.NewDumpCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", root.CommandPath(), err)
		os.Exit(1)
	}
}
