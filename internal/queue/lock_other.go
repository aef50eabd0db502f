//go:build !unix && !windows

package queue

import "os"

// No advisory locking on this platform; detection and sync are sequential
// within a process, so only cross-process races remain.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
