package vcs

import (
	"os"
	"os/exec"
	"path/filepath"
)

// DetectionResult contains information about a detected working copy
type DetectionResult struct {
	// Type is the detected VCS type
	Type Type

	// RepoRoot is the working copy root directory path
	RepoRoot string

	// VCSDir is the VCS metadata directory path (.git)
	VCSDir string
}

// Detect reports whether path itself is the root of a working copy.
//
// Unlike repository discovery for a user's project, parent directories are
// not searched: the shared log working copy lives at a configured location
// that may well sit inside some unrelated repository (a dotfiles repo in
// $HOME, for instance).
//
// Returns ErrNotInVCS if path is not a working copy root.
func Detect(path string) (*DetectionResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	gitPath := filepath.Join(absPath, ".git")
	info, err := os.Stat(gitPath)
	if err != nil || !info.IsDir() {
		return nil, ErrNotInVCS
	}

	return &DetectionResult{
		Type:     TypeGit,
		RepoRoot: absPath,
		VCSDir:   gitPath,
	}, nil
}

// IsGitAvailable checks if the git command is available on the system
func IsGitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}
