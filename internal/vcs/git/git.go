// Package git provides a Git implementation of the VCS interface.
//
// This package wraps git commands to give sentinel a working copy of the
// shared log repository: cloning it, committing appended records, and
// reconciling with the remote through fetch, rebase and push.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/sentinelhq/sentinel/internal/vcs"
)

// MinVersion is the oldest git release sentinel accepts.
const MinVersion = "2.20.0"

// Git implements the VCS interface for git repositories.
type Git struct {
	// repoRoot is the working copy root directory path
	repoRoot string

	// vcsDir is the .git directory path
	vcsDir string

	timeout time.Duration
	env     []string
}

// New creates a new Git VCS instance for the working copy rooted at path.
func New(path string, opts vcs.Options) (*Git, error) {
	if err := checkBinary(); err != nil {
		return nil, err
	}

	g := &Git{
		timeout: opts.Timeout,
		env:     commandEnv(opts),
	}
	if g.timeout <= 0 {
		g.timeout = vcs.DefaultCommandTimeout
	}

	if err := g.detect(path); err != nil {
		return nil, err
	}

	return g, nil
}

// commandEnv builds the environment every git invocation runs with.
// Prompts are disabled so an unattended sync never blocks on credentials,
// and LC_ALL pins the messages the error classification matches against.
func commandEnv(opts vcs.Options) []string {
	env := []string{
		"GIT_TERMINAL_PROMPT=0",
		"LC_ALL=C",
	}
	if opts.AuthorName != "" {
		env = append(env,
			"GIT_AUTHOR_NAME="+opts.AuthorName,
			"GIT_COMMITTER_NAME="+opts.AuthorName,
		)
	}
	if opts.AuthorEmail != "" {
		env = append(env,
			"GIT_AUTHOR_EMAIL="+opts.AuthorEmail,
			"GIT_COMMITTER_EMAIL="+opts.AuthorEmail,
		)
	}
	return append(env, opts.Env...)
}

// Name returns the VCS type (git)
func (g *Git) Name() vcs.Type {
	return vcs.TypeGit
}

// Version returns the git version string
func (g *Git) Version() (string, error) {
	return binaryVersion()
}

// RepoRoot returns the working copy root directory path
func (g *Git) RepoRoot() (string, error) {
	if g.repoRoot == "" {
		return "", vcs.ErrNotInVCS
	}
	return g.repoRoot, nil
}

// Exec executes a raw git command
func (g *Git) Exec(ctx context.Context, args ...string) ([]byte, error) {
	return g.run(ctx, g.timeout, args...)
}

// run executes git in the working copy. A zero timeout leaves the deadline
// to ctx, which is how network commands are bounded.
func (g *Git) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	return vcs.ExecContext(ctx, timeout, g.repoRoot, g.env, "git", args...)
}

// local runs a short local command under the configured timeout.
func (g *Git) local(args ...string) ([]byte, error) {
	return g.run(context.Background(), g.timeout, args...)
}

// ===================
// Binary checks
// ===================

var (
	binaryOnce sync.Once
	binaryErr  error
)

// checkBinary verifies once per process that a usable git is installed.
func checkBinary() error {
	binaryOnce.Do(func() {
		if _, err := exec.LookPath("git"); err != nil {
			binaryErr = fmt.Errorf("%w: git not found in PATH", vcs.ErrVCSNotAvailable)
			return
		}
		v, err := binaryVersion()
		if err != nil {
			binaryErr = fmt.Errorf("%w: %v", vcs.ErrVCSNotAvailable, err)
			return
		}
		binaryErr = CheckVersion(v)
	})
	return binaryErr
}

func binaryVersion() (string, error) {
	output, err := vcs.ExecContext(context.Background(), vcs.DefaultCommandTimeout, "", nil, "git", "--version")
	if err != nil {
		return "", fmt.Errorf("failed to get git version: %w", err)
	}

	// Output format: "git version 2.39.0"
	return strings.TrimPrefix(vcs.TrimOutput(output), "git version "), nil
}

var versionCore = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?`)

// CanonicalVersion maps a git version string such as "2.39.3 (Apple Git-146)"
// or "2.45.1.windows.1" to semver form ("v2.39.3"). It returns "" when the
// string carries no recognizable version.
func CanonicalVersion(v string) string {
	m := versionCore.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return ""
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	return semver.Canonical(fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch))
}

// CheckVersion returns an error matching vcs.ErrVCSNotAvailable when v is
// older than MinVersion or unparseable.
func CheckVersion(v string) error {
	canon := CanonicalVersion(v)
	if canon == "" {
		return fmt.Errorf("%w: unrecognized git version %q", vcs.ErrVCSNotAvailable, v)
	}
	if semver.Compare(canon, "v"+MinVersion) < 0 {
		return fmt.Errorf("%w: git %s is older than %s", vcs.ErrVCSNotAvailable, v, MinVersion)
	}
	return nil
}
