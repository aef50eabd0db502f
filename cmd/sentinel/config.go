package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/sentinelhq/sentinel/internal/config"
	"github.com/sentinelhq/sentinel/internal/ui"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the sentinel configuration",
	}

	cmd.AddCommand(NewConfigInitCommand(rootOpts))
	cmd.AddCommand(NewConfigShowCommand(rootOpts))

	return cmd
}

// ConfigInitOptions holds flags for config init.
type ConfigInitOptions struct {
	*RootOptions
	Path        string
	URL         string
	Force       bool
	Interactive bool
}

// NewConfigInitCommand creates the config init command.
func NewConfigInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConfigInitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a .sentinel.toml with the defaults",
		Long: `Write a TOML config file holding every setting at its default.

Example:
  sentinel config init --url git@example.com:team/sentinel-log.git
  sentinel config init --interactive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Path, "path", "", "file to write (default <project>/.sentinel.toml)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "shared log repository URL")
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().BoolVarP(&opts.Interactive, "interactive", "i", false, "prompt for the main settings")

	return cmd
}

func runConfigInit(cmd *cobra.Command, opts *ConfigInitOptions) error {
	path := opts.Path
	if path == "" {
		dir, err := opts.projectDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, config.FileName+".toml")
	}

	f := config.DefaultFile()
	f.Remote.URL = opts.URL

	if opts.Interactive {
		if err := promptConfig(&f); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Fprintln(cmd.OutOrStdout(), ui.RenderMuted("Aborted, nothing written."))
				return nil
			}
			return err
		}
	}

	if err := config.Write(path, f, opts.Force); err != nil {
		if errors.Is(err, config.ErrExists) {
			return fmt.Errorf("%w (use --force to overwrite)", err)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass(ui.IconPass), path)
	return nil
}

func promptConfig(f *config.File) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Shared log repository").
				Description("Git URL every contributor pushes observations to").
				Value(&f.Remote.URL),
			huh.NewInput().
				Title("Local working copy").
				Value(&f.Remote.Dir),
			huh.NewInput().
				Title("Monitored tree").
				Value(&f.Root),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Identity").
				Description("Leave empty to use git user.name, then $USER").
				Value(&f.Identity.Name),
			huh.NewConfirm().
				Title("One partition per agent?").
				Description("Use when several agents share one identity").
				Value(&f.Identity.InstanceScoped),
		),
	)
	return form.Run()
}

// NewConfigShowCommand creates the config show command.
func NewConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.loadConfig(cmd, nil)
			if err != nil {
				return err
			}

			out, err := cfg.YAML()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if cfg.Source != "" {
				fmt.Fprintf(w, "# source: %s\n", cfg.Source)
			}
			_, err = w.Write(out)
			return err
		},
	}
}
