package git

import (
	"context"
	"fmt"

	"github.com/sentinelhq/sentinel/internal/vcs"
)

// HasChanges returns true if there are uncommitted changes
// If paths are specified, only checks those paths
func (g *Git) HasChanges(paths ...string) (bool, error) {
	args := []string{"status", "--porcelain", "--"}
	args = append(args, paths...)

	output, err := g.local(args...)
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}

	return vcs.TrimOutput(output) != "", nil
}

// Add stages files for commit
func (g *Git) Add(paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	args := append([]string{"add", "--"}, paths...)
	if _, err := g.local(args...); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}

	return nil
}

// Commit creates a commit with the specified options
func (g *Git) Commit(ctx context.Context, opts vcs.CommitOptions) error {
	if opts.Message == "" {
		return fmt.Errorf("commit message is required")
	}

	if err := g.Add(opts.Paths); err != nil {
		return err
	}

	args := []string{"commit", "--quiet", "-m", opts.Message}

	if opts.NoGPGSign {
		args = append(args, "--no-gpg-sign")
	}

	if opts.NoVerify {
		args = append(args, "--no-verify")
	}

	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}

	// Add paths with -- to ensure they're treated as paths
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}

	if _, err := g.run(ctx, g.timeout, args...); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}

	return nil
}
