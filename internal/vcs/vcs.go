// Package vcs abstracts the version control operations sentinel needs to
// treat a shared repository as a multi-writer, append-only log.
//
// Every agent keeps a local working copy of the shared log repository. A
// sync appends to one file in that working copy, commits it, and reconciles
// with the remote through fetch, rebase and push. The interface below is
// the minimum surface for that loop; backends register themselves with
// Register and are obtained through Open and Clone.
//
// # Usage
//
//	import _ "github.com/sentinelhq/sentinel/internal/vcs/git" // registers TypeGit
//
//	if err := vcs.Clone(ctx, vcs.TypeGit, url, dir, vcs.Options{}); err != nil {
//	    return err
//	}
//	v, err := vcs.Open(vcs.TypeGit, dir, vcs.Options{})
package vcs

import (
	"context"
	"time"
)

// Type represents the VCS backend type
type Type string

const (
	// TypeGit is the git backend
	TypeGit Type = "git"
)

// String returns the string representation of the VCS type
func (t Type) String() string {
	return string(t)
}

// VCS defines the operations on a local working copy of the shared log.
type VCS interface {
	// ===================
	// Identity
	// ===================

	// Name returns the VCS type
	Name() Type

	// Version returns the VCS binary version string
	Version() (string, error)

	// RepoRoot returns the working copy root directory path
	RepoRoot() (string, error)

	// ===================
	// Reference Operations
	// ===================

	// CurrentRef returns the current branch name. For a freshly cloned
	// empty repository this is the unborn default branch.
	// Returns empty string in detached HEAD state.
	CurrentRef() (string, error)

	// RemoteRefExists returns true if the remote-tracking ref remote/name exists
	RemoteRefExists(remote, name string) bool

	// HasCommits returns true once HEAD points to a commit
	HasCommits() bool

	// ===================
	// Status Operations
	// ===================

	// HasChanges returns true if there are uncommitted changes.
	// If paths are specified, only checks those paths.
	HasChanges(paths ...string) (bool, error)

	// IsInRebaseOrMerge returns true if currently in a rebase or merge operation
	IsInRebaseOrMerge() bool

	// GetConflictedFiles returns the list of files with conflicts
	GetConflictedFiles() ([]string, error)

	// ===================
	// Commit Operations
	// ===================

	// Add stages files for commit
	Add(paths []string) error

	// Commit creates a commit with the specified options
	Commit(ctx context.Context, opts CommitOptions) error

	// ===================
	// Remote Operations
	// ===================

	// Fetch fetches from the specified remote and reference.
	// If remote is empty, uses the default remote.
	Fetch(ctx context.Context, remote, ref string) error

	// Rebase replays local commits on top of upstream.
	// Returns ErrConflicts if the replay stopped on a conflict; the
	// working copy is then left mid-rebase for inspection.
	Rebase(ctx context.Context, upstream string) error

	// AbortRebase abandons an in-progress rebase
	AbortRebase(ctx context.Context) error

	// ResetHard moves the current branch to ref and discards local changes
	ResetHard(ctx context.Context, ref string) error

	// Push pushes changes to the remote.
	Push(ctx context.Context, opts PushOptions) error

	// ===================
	// Raw Command Execution
	// ===================

	// Exec executes a raw VCS command (escape hatch).
	Exec(ctx context.Context, args ...string) ([]byte, error)
}

// ===================
// Supporting Types
// ===================

// Options configures how a backend runs its commands.
type Options struct {
	// AuthorName and AuthorEmail are used for both author and committer
	AuthorName  string
	AuthorEmail string

	// Timeout bounds local (non-network) commands. Network commands are
	// bounded by the caller's context.
	Timeout time.Duration

	// Env is appended to the command environment
	Env []string
}

// CommitOptions configures a commit operation
type CommitOptions struct {
	// Message is the commit message (required)
	Message string

	// Paths specifies files to commit. Empty = all staged changes.
	Paths []string

	// NoGPGSign disables GPG signing
	NoGPGSign bool

	// NoVerify skips pre-commit hooks
	NoVerify bool

	// AllowEmpty allows creating an empty commit
	AllowEmpty bool
}

// PushOptions configures a push operation
type PushOptions struct {
	// Remote is the remote name. Empty uses default.
	Remote string

	// Ref is the reference to push. Empty uses current branch.
	Ref string

	// SetUpstream configures the upstream tracking reference
	SetUpstream bool
}

// ===================
// Constants
// ===================

// DefaultRemote is the remote name used when none is configured
const DefaultRemote = "origin"

// DefaultCommandTimeout bounds local commands when Options.Timeout is unset
const DefaultCommandTimeout = 30 * time.Second
