package relay

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sentinelhq/sentinel/internal/vcs"
)

// EnsureRemote makes sure a local working copy of the shared log exists,
// cloning it from the configured URL if needed. Unreachable is returned,
// with the reason, when the working copy is missing and cannot be made;
// a failed clone leaves nothing behind.
func (e *Engine) EnsureRemote(ctx context.Context) (Readiness, error) {
	release, err := e.lock()
	if err != nil {
		return Unreachable, err
	}
	defer release()

	return e.ensureRemote(ctx)
}

func (e *Engine) ensureRemote(ctx context.Context) (Readiness, error) {
	dir := e.cfg.Dir
	if dir == "" {
		return Unreachable, fmt.Errorf("%w: no local directory configured", vcs.ErrNoRemote)
	}

	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		if _, derr := vcs.Detect(dir); derr != nil {
			return Unreachable, fmt.Errorf("%s exists but is not a working copy: %w", dir, derr)
		}
		return Ready, nil
	case err == nil:
		return Unreachable, fmt.Errorf("%s exists but is not a directory", dir)
	case !errors.Is(err, os.ErrNotExist):
		return Unreachable, fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	if e.cfg.URL == "" {
		return Unreachable, fmt.Errorf("%w: remote url is empty", vcs.ErrNoRemote)
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CloneTimeout)
	defer cancel()

	e.logger.InfoContext(ctx, "cloning shared log", "url", e.cfg.URL, "dir", dir)
	if err := vcs.Clone(cctx, vcs.TypeGit, e.cfg.URL, dir, e.vcsOptions()); err != nil {
		return Unreachable, err
	}
	return Ready, nil
}

// open returns the VCS for the working copy.
func (e *Engine) open() (vcs.VCS, error) {
	return vcs.Open(vcs.TypeGit, e.cfg.Dir, e.vcsOptions())
}
