// Package cmd implements the command-line entry point: a single
// cobra.Command tree with viper-bound persistent flags and a
// printer-based error path.
package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/netshepherd/dataplane/printer"
	"github.com/netshepherd/dataplane/util"
	"github.com/netshepherd/dataplane/version"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:           "dataplane",
	Short:         "Connection-tracking and packet-report data plane.",
	Long:          "Tracks TCP/UDP flows per host and emits sampled packet-level reports.",
	Version:       version.CLIDisplayString(),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the command tree. On error it prints the failing
// command's usage followed by a single error line, and translates a
// util.ExitError into the process exit code.
func Execute() {
	if cmd, err := rootCmd.ExecuteC(); err != nil {
		cmd.Println(cmd.UsageString())

		exitCode := 1
		var exitErr util.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode
		}
		printer.Stderr.Errorf("%s\n", err)
		os.Exit(exitCode)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "print verbose diagnostic output")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(runCmd)
}
