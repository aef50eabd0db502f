package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sentinelhq/sentinel/internal/config"
	"github.com/sentinelhq/sentinel/internal/diag"
	"github.com/sentinelhq/sentinel/internal/history"
	"github.com/sentinelhq/sentinel/internal/identity"
	"github.com/sentinelhq/sentinel/internal/metrics"
)

// projectDir returns the absolute project directory.
func (o *RootOptions) projectDir() (string, error) {
	dir := o.ProjectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project dir: %w", err)
	}
	return abs, nil
}

// loadConfig loads the layered config with the given command flags bound
// on top. keys maps config keys to flag names.
func (o *RootOptions) loadConfig(cmd *cobra.Command, keys map[string]string) (*config.Config, string, error) {
	dir, err := o.projectDir()
	if err != nil {
		return nil, "", err
	}

	flags := make(map[string]*pflag.Flag)
	bind := func(keys map[string]string) {
		for key, name := range keys {
			if f := cmd.Flags().Lookup(name); f != nil {
				flags[key] = f
			} else if f := cmd.InheritedFlags().Lookup(name); f != nil {
				flags[key] = f
			}
		}
	}
	bind(rootFlagKeys)
	bind(keys)

	cfg, err := config.Load(config.Options{
		ProjectDir: dir,
		File:       o.ConfigFile,
		Flags:      flags,
	})
	if err != nil {
		return nil, "", err
	}
	return cfg, dir, nil
}

// env is the runtime a hook command works in.
type env struct {
	cfg        *config.Config
	projectDir string
	log        *diag.Logger
	metrics    *metrics.Metrics

	// journal is nil when the history database could not be opened
	journal *history.DB
}

func openEnv(ctx context.Context, cmd *cobra.Command, opts *RootOptions, keys map[string]string) (*env, error) {
	cfg, dir, err := opts.loadConfig(cmd, keys)
	if err != nil {
		return nil, err
	}

	log, err := diag.New(diag.Options{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stderr:     opts.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up diagnostics: %w", err)
	}

	e := &env{
		cfg:        cfg,
		projectDir: dir,
		log:        log,
		metrics:    metrics.New(),
	}

	if cfg.HistoryDB != "" {
		db, err := history.OpenContext(ctx, cfg.HistoryDB)
		if err != nil {
			log.WarnContext(ctx, "history journal unavailable", "path", cfg.HistoryDB, "error", err)
		} else {
			e.journal = db
		}
	}

	log.DebugContext(ctx, "config loaded", "source", cfg.Source, "project", dir)
	return e, nil
}

// identity resolves who the observations belong to.
func (e *env) identity(ctx context.Context) string {
	return identity.Resolver{Override: e.cfg.Identity.Name, Dir: e.projectDir}.Resolve(ctx)
}

// exportMetrics refreshes the metrics textfile when one is configured.
func (e *env) exportMetrics(ctx context.Context) {
	if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
		e.log.WarnContext(ctx, "metrics export failed", "path", e.cfg.Metrics.Textfile, "error", err)
	}
}

func (e *env) close(ctx context.Context) {
	e.exportMetrics(ctx)
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			e.log.WarnContext(ctx, "history journal close failed", "error", err)
		}
	}
	_ = e.log.Close()
}
