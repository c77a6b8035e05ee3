package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/ui"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(a.stdout, "%s %s (%s) %s/%s %s\n",
				defaults.ToolName, ui.Version, ui.Commit, runtime.GOOS, runtime.GOARCH, runtime.Version())
			return nil
		},
	}
}
