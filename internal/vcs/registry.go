package vcs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Constructor opens an existing working copy rooted at repoRoot.
type Constructor func(repoRoot string, opts Options) (VCS, error)

// Cloner materializes a new working copy of url at dir.
// On failure it must leave nothing behind at dir.
type Cloner func(ctx context.Context, url, dir string, opts Options) error

// Backend bundles the entry points of one VCS implementation.
// Implementations register themselves using Register().
type Backend struct {
	Open  Constructor
	Clone Cloner
}

// registry maps VCS types to their backends
var (
	registry      = make(map[Type]Backend)
	registryMutex sync.RWMutex
)

// Register registers a VCS backend.
// This is called from init() functions in implementation packages.
//
// Example:
//
//	func init() {
//	    vcs.Register(vcs.TypeGit, vcs.Backend{Open: open, Clone: Clone})
//	}
func Register(t Type, b Backend) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if b.Open == nil || b.Clone == nil {
		panic(fmt.Sprintf("vcs: Register backend is incomplete for type %s", t))
	}

	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("vcs: Register called twice for type %s", t))
	}

	registry[t] = b
}

// lookup retrieves the backend for a VCS type.
func lookup(t Type) (Backend, bool) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// IsRegistered returns true if a backend is registered for the given type.
func IsRegistered(t Type) bool {
	_, ok := lookup(t)
	return ok
}

// RegisteredTypes returns all registered VCS types, sorted.
func RegisteredTypes() []Type {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Open returns a VCS for the working copy at repoRoot.
func Open(t Type, repoRoot string, opts Options) (VCS, error) {
	b, ok := lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %v)", ErrUnknownBackend, t, RegisteredTypes())
	}

	v, err := b.Open(repoRoot, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s working copy: %w", t, err)
	}
	return v, nil
}

// Clone materializes a working copy of url at dir using backend t.
func Clone(ctx context.Context, t Type, url, dir string, opts Options) error {
	b, ok := lookup(t)
	if !ok {
		return fmt.Errorf("%w: %s (available: %v)", ErrUnknownBackend, t, RegisteredTypes())
	}
	return b.Clone(ctx, url, dir, opts)
}
