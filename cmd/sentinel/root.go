package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelhq/sentinel/internal/ui"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	ProjectDir string
	Verbose    bool
}

// rootFlagKeys binds persistent flags to config keys.
var rootFlagKeys = map[string]string{
	"identity.name": "identity",
	"log.level":     "log-level",
	"log.file":      "log-file",
}

// NewRootCommand creates the root command for the sentinel CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Change-velocity sentinel with a shared git-backed log",
		Long: `sentinel snapshots a source tree, records how many characters were
added since the last run and how fast, and publishes those observations
to a shared git repository where every contributor owns one file.

detect and sync are built to run from hooks: they never fail the caller
and never write to stdout. Diagnostics go to the configured log file, or
to stderr with --verbose.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Configure(cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default .sentinel.toml or .sentinel.yaml in the project dir)")
	cmd.PersistentFlags().StringVarP(&opts.ProjectDir, "project-dir", "C", "", "project directory (default: working directory)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "mirror diagnostics to stderr")
	cmd.PersistentFlags().String("identity", "", "attribute observations to this identity")
	cmd.PersistentFlags().String("log-level", "", "diagnostic level (debug|info|warn|error)")
	cmd.PersistentFlags().String("log-file", "", "rotating diagnostic log file")

	cmd.AddCommand(NewDetectCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))

	return cmd
}

// warn reports a setup failure of a hook command. It is only visible with
// --verbose; hook commands stay silent otherwise.
func (o *RootOptions) warn(cmd *cobra.Command, op string, err error) {
	if !o.Verbose || err == nil {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "sentinel %s: %v\n", op, err)
}
