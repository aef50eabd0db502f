package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sentinelhq/sentinel/internal/vcs"
)

// unreachableMarkers are fragments of git output that mean the remote could
// not be contacted at all, as opposed to refusing an update.
var unreachableMarkers = []string{
	"could not read from remote",
	"unable to access",
	"does not appear to be a git repository",
	"could not resolve host",
	"connection refused",
	"connection timed out",
	"authentication failed",
	"terminal prompts disabled",
}

// classifyNetwork maps a failed network command to the vcs sentinel errors.
func classifyNetwork(op string, err error) error {
	switch {
	case errors.Is(err, vcs.ErrTimeout):
		return fmt.Errorf("git %s: %w", op, err)
	case vcs.OutputContains(err, unreachableMarkers...):
		return fmt.Errorf("git %s: %w: %v", op, vcs.ErrRemoteUnavailable, err)
	}
	return fmt.Errorf("git %s failed: %w", op, err)
}

// Clone materializes a working copy of url at dir.
//
// The clone is made in a temporary sibling directory and renamed into
// place, so an interrupted or failed clone never leaves a partial working
// copy at dir. The deadline is taken from ctx.
func Clone(ctx context.Context, url, dir string, opts vcs.Options) error {
	if err := checkBinary(); err != nil {
		return err
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("%w: %v", vcs.ErrCloneFailed, err)
	}

	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".clone-*")
	if err != nil {
		return fmt.Errorf("%w: %v", vcs.ErrCloneFailed, err)
	}

	_, err = vcs.ExecContext(ctx, 0, parent, commandEnv(opts), "git", "clone", "--quiet", url, tmp)
	if err == nil {
		err = os.Rename(tmp, dir)
	}
	if err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("%w: %s: %v", vcs.ErrCloneFailed, url, err)
	}

	return nil
}

// Fetch fetches from the specified remote and reference
// If remote is empty, uses the default remote (origin).
//
// A ref that does not exist on the remote yet is not an error: an empty
// shared log has no branches until the first push.
func (g *Git) Fetch(ctx context.Context, remote, ref string) error {
	if remote == "" {
		remote = vcs.DefaultRemote
	}

	args := []string{"fetch", "--quiet", remote}
	if ref != "" {
		args = append(args, ref)
	}

	if _, err := g.run(ctx, 0, args...); err != nil {
		if ref != "" && vcs.OutputContains(err, "couldn't find remote ref") {
			return nil
		}
		if errors.Is(err, vcs.ErrTimeout) {
			return fmt.Errorf("git fetch: %w", err)
		}
		// Any other fetch failure leaves us without a view of the remote
		return fmt.Errorf("git fetch: %w: %v", vcs.ErrRemoteUnavailable, err)
	}

	return nil
}

// Rebase replays local commits on top of upstream.
// On a conflict the working copy is left mid-rebase and ErrConflicts is
// returned so the caller can inspect GetConflictedFiles before aborting.
func (g *Git) Rebase(ctx context.Context, upstream string) error {
	if upstream == "" {
		return fmt.Errorf("rebase upstream is required")
	}

	if _, err := g.run(ctx, g.timeout, "rebase", "--no-autosquash", upstream); err != nil {
		if g.IsInRebaseOrMerge() || vcs.OutputContains(err, "CONFLICT", "could not apply") {
			return fmt.Errorf("git rebase %s: %w", upstream, vcs.ErrConflicts)
		}
		return fmt.Errorf("git rebase failed: %w", err)
	}

	return nil
}

// AbortRebase abandons an in-progress rebase. It is a no-op when no
// rebase is in progress.
func (g *Git) AbortRebase(ctx context.Context) error {
	if !g.IsInRebaseOrMerge() {
		return nil
	}

	if _, err := g.run(ctx, g.timeout, "rebase", "--abort"); err != nil {
		// A stopped merge leaves MERGE_HEAD rather than rebase state
		if _, mErr := g.run(ctx, g.timeout, "merge", "--abort"); mErr != nil {
			return fmt.Errorf("git rebase --abort failed: %w", err)
		}
	}

	return nil
}

// Push pushes the current HEAD to the remote branch opts.Ref.
func (g *Git) Push(ctx context.Context, opts vcs.PushOptions) error {
	remote := opts.Remote
	if remote == "" {
		remote = vcs.DefaultRemote
	}

	// Determine ref
	ref := opts.Ref
	if ref == "" {
		var err error
		ref, err = g.CurrentRef()
		if err != nil {
			return err
		}
		if ref == "" {
			return vcs.ErrDetached
		}
	}

	args := []string{"push"}

	if opts.SetUpstream {
		args = append(args, "-u")
	}

	args = append(args, remote, "HEAD:refs/heads/"+ref)

	if _, err := g.run(ctx, 0, args...); err != nil {
		if vcs.OutputContains(err, "[rejected]", "[remote rejected]", "non-fast-forward", "fetch first") {
			return fmt.Errorf("git push %s %s: %w", remote, ref, vcs.ErrPushRejected)
		}
		return classifyNetwork("push", err)
	}

	return nil
}
