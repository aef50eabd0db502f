package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentinelhq/sentinel/internal/vcs"
)

// detect populates working copy information. path must be the root of the
// working copy itself, not a directory somewhere below it.
func (g *Git) detect(path string) error {
	res, err := vcs.Detect(path)
	if err != nil {
		return err
	}

	g.repoRoot = normalizeRepoRoot(res.RepoRoot)
	g.vcsDir = filepath.Join(g.repoRoot, ".git")

	// Confirm git agrees this is a working copy root
	output, err := g.local("rev-parse", "--show-toplevel")
	if err != nil {
		return vcs.ErrNotInVCS
	}
	if normalizeRepoRoot(vcs.TrimOutput(output)) != g.repoRoot {
		return fmt.Errorf("%w: %s is not a working copy root", vcs.ErrNotInVCS, path)
	}

	return nil
}

// normalizeRepoRoot normalizes the repository root path
// Resolves symlinks and canonicalizes case on case-insensitive filesystems
func normalizeRepoRoot(path string) string {
	path = filepath.FromSlash(path)

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}

	return path
}

// IsInRebaseOrMerge returns true if currently in a rebase or merge operation
func (g *Git) IsInRebaseOrMerge() bool {
	// rebase-merge (interactive or merge backend), rebase-apply (am backend)
	for _, name := range []string{"rebase-merge", "rebase-apply", "MERGE_HEAD"} {
		if _, err := os.Stat(filepath.Join(g.vcsDir, name)); err == nil {
			return true
		}
	}
	return false
}

// isUnmerged reports whether a porcelain status code marks a conflict
func isUnmerged(status string) bool {
	switch status {
	case "DD", "AU", "UD", "UA", "DU", "AA", "UU":
		return true
	}
	return false
}

// GetConflictedFiles returns the list of files with conflicts
func (g *Git) GetConflictedFiles() ([]string, error) {
	output, err := g.local("status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}

	var conflicts []string
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 4 {
			continue
		}
		if isUnmerged(line[:2]) {
			conflicts = append(conflicts, strings.Trim(strings.TrimSpace(line[3:]), `"`))
		}
	}

	return conflicts, nil
}
