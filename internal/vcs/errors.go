package vcs

import "errors"

// Common errors returned by VCS operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, vcs.ErrPushRejected) {
//	    // Remote moved on; fetch, rebase and try again
//	}
var (
	// ErrNotInVCS is returned when a directory is not a working copy.
	ErrNotInVCS = errors.New("not in a VCS repository")

	// ErrVCSNotAvailable is returned when the required VCS binary
	// is not installed, not in PATH, or too old.
	ErrVCSNotAvailable = errors.New("VCS binary not available")

	// ErrUnknownBackend is returned when no backend is registered for a type.
	ErrUnknownBackend = errors.New("unknown VCS backend")

	// ErrNoRemote is returned when an operation requires a remote
	// but none is configured.
	ErrNoRemote = errors.New("no remote configured")

	// ErrConflicts is returned when an operation cannot complete
	// due to unresolved conflicts.
	ErrConflicts = errors.New("unresolved conflicts")

	// ErrDetached is returned when an operation requires being on
	// a branch but HEAD is detached.
	ErrDetached = errors.New("not on a branch")

	// ErrPushRejected is returned when a push is rejected by the remote,
	// typically due to non-fast-forward updates.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrRemoteUnavailable is returned when the remote cannot be reached
	// (network, DNS, authentication).
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrCloneFailed is returned when a working copy could not be
	// materialized from the remote.
	ErrCloneFailed = errors.New("clone failed")

	// ErrTimeout is returned when a VCS operation exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")
)

// IsRetryable returns true if the error is likely to succeed on retry
// after reconciling with the remote again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Push rejections succeed after a fetch and rebase
	if errors.Is(err, ErrPushRejected) {
		return true
	}

	// Conflicts can be resolved by replaying on the new upstream
	if errors.Is(err, ErrConflicts) {
		return true
	}

	return false
}

// IsUnavailable returns true if the error means the remote could not be
// reached at all. Such failures defer work to a later run rather than
// being retried in a tight loop.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrRemoteUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCloneFailed) ||
		errors.Is(err, ErrNoRemote)
}

// IsFatal returns true if the error indicates a non-recoverable state
// that requires manual intervention or re-initialization.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	// Not a working copy means we can't do anything
	if errors.Is(err, ErrNotInVCS) {
		return true
	}

	// Binary not available means we can't execute commands
	if errors.Is(err, ErrVCSNotAvailable) {
		return true
	}

	return errors.Is(err, ErrUnknownBackend)
}
