package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentinelhq/sentinel/internal/vcs"
)

// CurrentRef returns the current branch name, including an unborn branch
// in a freshly cloned empty repository.
// Returns empty string if in detached HEAD state
func (g *Git) CurrentRef() (string, error) {
	output, err := g.local("symbolic-ref", "--short", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "not a symbolic ref") {
			return "", nil // Detached HEAD
		}
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}

	return vcs.TrimOutput(output), nil
}

// RemoteRefExists returns true if the remote-tracking ref remote/name exists
func (g *Git) RemoteRefExists(remote, name string) bool {
	if remote == "" {
		remote = vcs.DefaultRemote
	}
	_, err := g.local("show-ref", "--verify", "--quiet", "refs/remotes/"+remote+"/"+name)
	return err == nil
}

// HasCommits returns true once HEAD points to a commit
func (g *Git) HasCommits() bool {
	_, err := g.local("rev-parse", "--verify", "--quiet", "HEAD^{commit}")
	return err == nil
}

// ResetHard moves the current branch to ref and discards local changes.
// Untracked files are left in place.
func (g *Git) ResetHard(ctx context.Context, ref string) error {
	if ref == "" {
		ref = "HEAD"
	}
	if _, err := g.run(ctx, g.timeout, "reset", "--quiet", "--hard", ref); err != nil {
		return fmt.Errorf("git reset --hard %s failed: %w", ref, err)
	}
	return nil
}
