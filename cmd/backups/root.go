package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Chapsvision-dev/backups/internal/logx"
	"github.com/Chapsvision-dev/backups/internal/version"
)

// newRootCmd returns the root cobra command.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:           "backups [-v] CONFIGFILE",
		Short:         "Back up folders and databases to remote storage and report the outcome",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logx.InitWriter(stderr, verbose)
			return runBackups(cmd.Context(), args[0])
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newVersionCmd(stdout))
	return cmd
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(stdout, "backups %s\n", version.Info())
			return err
		},
	}
}
