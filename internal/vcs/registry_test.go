package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// mockVCS is a mock VCS implementation for testing
type mockVCS struct {
	name     Type
	repoRoot string
	opts     Options
}

func (m *mockVCS) Name() Type                                           { return m.name }
func (m *mockVCS) Version() (string, error)                             { return "mock-1.0.0", nil }
func (m *mockVCS) RepoRoot() (string, error)                            { return m.repoRoot, nil }
func (m *mockVCS) CurrentRef() (string, error)                          { return "main", nil }
func (m *mockVCS) RemoteRefExists(remote, name string) bool             { return name == "main" }
func (m *mockVCS) HasCommits() bool                                     { return true }
func (m *mockVCS) HasChanges(paths ...string) (bool, error)             { return false, nil }
func (m *mockVCS) IsInRebaseOrMerge() bool                              { return false }
func (m *mockVCS) GetConflictedFiles() ([]string, error)                { return nil, nil }
func (m *mockVCS) Add(paths []string) error                             { return nil }
func (m *mockVCS) Commit(ctx context.Context, opts CommitOptions) error { return nil }
func (m *mockVCS) Fetch(ctx context.Context, remote, ref string) error  { return nil }
func (m *mockVCS) Rebase(ctx context.Context, upstream string) error    { return nil }
func (m *mockVCS) AbortRebase(ctx context.Context) error                { return nil }
func (m *mockVCS) ResetHard(ctx context.Context, ref string) error      { return nil }
func (m *mockVCS) Push(ctx context.Context, opts PushOptions) error     { return nil }
func (m *mockVCS) Exec(ctx context.Context, args ...string) ([]byte, error) {
	return nil, nil
}

// newMockBackend creates a backend whose Clone records the target directory
func newMockBackend(name Type, cloned *string) Backend {
	return Backend{
		Open: func(repoRoot string, opts Options) (VCS, error) {
			return &mockVCS{name: name, repoRoot: repoRoot, opts: opts}, nil
		},
		Clone: func(ctx context.Context, url, dir string, opts Options) error {
			if cloned != nil {
				*cloned = dir
			}
			return nil
		},
	}
}

// testTypeCounter generates unique test type names
var testTypeCounter int64

func uniqueTestType(prefix string) Type {
	n := atomic.AddInt64(&testTypeCounter, 1)
	return Type(fmt.Sprintf("%s-%d", prefix, n))
}

func TestRegisterAndOpen(t *testing.T) {
	typeName := uniqueTestType("register-test")
	Register(typeName, newMockBackend(typeName, nil))

	if !IsRegistered(typeName) {
		t.Error("Expected type to be registered")
	}

	v, err := Open(typeName, "/test/repo", Options{AuthorName: "alice"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if v.Name() != typeName {
		t.Errorf("Expected VCS name '%s', got '%s'", typeName, v.Name())
	}
	if got := v.(*mockVCS).opts.AuthorName; got != "alice" {
		t.Errorf("Options not passed through, got author %q", got)
	}
}

func TestCloneDispatch(t *testing.T) {
	typeName := uniqueTestType("clone-test")
	var cloned string
	Register(typeName, newMockBackend(typeName, &cloned))

	if err := Clone(context.Background(), typeName, "file:///remote", "/tmp/target", Options{}); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if cloned != "/tmp/target" {
		t.Errorf("Expected clone into /tmp/target, got %q", cloned)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	unknownType := uniqueTestType("open-unknown")

	_, err := Open(unknownType, "/test/repo", Options{})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Expected ErrUnknownBackend, got %v", err)
	}
	if !IsFatal(err) {
		t.Error("Unknown backend should be fatal")
	}

	err = Clone(context.Background(), unknownType, "u", "d", Options{})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Expected ErrUnknownBackend from Clone, got %v", err)
	}
}

func TestRegisterPanicsOnIncomplete(t *testing.T) {
	typeName := uniqueTestType("nil-test")

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when registering incomplete backend")
		}
	}()

	Register(typeName, Backend{})
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	typeName := uniqueTestType("dup-test")

	Register(typeName, newMockBackend(typeName, nil))

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when registering duplicate type")
		}
	}()

	Register(typeName, newMockBackend(typeName, nil))
}

func TestRegisteredTypes(t *testing.T) {
	before := len(RegisteredTypes())

	typeName := uniqueTestType("types-test")
	Register(typeName, newMockBackend(typeName, nil))

	types := RegisteredTypes()
	if len(types) != before+1 {
		t.Errorf("Expected %d types after registration, got %d", before+1, len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] > types[i] {
			t.Errorf("RegisteredTypes not sorted: %v", types)
		}
	}
}

// TestConcurrentRegistration verifies thread-safety of registration
func TestConcurrentRegistration(t *testing.T) {
	done := make(chan bool)
	basePrefix := uniqueTestType("concurrent")

	for i := 0; i < 10; i++ {
		go func(n int) {
			defer func() { done <- true }()

			typeName := Type(fmt.Sprintf("%s-%d", basePrefix, n))
			Register(typeName, newMockBackend(typeName, nil))

			_ = IsRegistered(typeName)
			_ = RegisteredTypes()
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestDetect(t *testing.T) {
	root := t.TempDir()

	if _, err := Detect(root); !errors.Is(err, ErrNotInVCS) {
		t.Errorf("Expected ErrNotInVCS for plain directory, got %v", err)
	}

	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := Detect(root)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if res.Type != TypeGit {
		t.Errorf("Expected git, got %s", res.Type)
	}
	if res.VCSDir != filepath.Join(res.RepoRoot, ".git") {
		t.Errorf("Unexpected VCSDir %s", res.VCSDir)
	}

	// Subdirectories of a working copy are not working copies themselves.
	sub := filepath.Join(root, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Detect(sub); !errors.Is(err, ErrNotInVCS) {
		t.Errorf("Expected ErrNotInVCS for nested dir, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		retryable   bool
		unavailable bool
		fatal       bool
	}{
		{name: "nil", err: nil},
		{name: "rejected", err: fmt.Errorf("push: %w", ErrPushRejected), retryable: true},
		{name: "conflicts", err: ErrConflicts, retryable: true},
		{name: "remote down", err: fmt.Errorf("fetch: %w", ErrRemoteUnavailable), unavailable: true},
		{name: "timeout", err: ErrTimeout, unavailable: true},
		{name: "clone", err: ErrCloneFailed, unavailable: true},
		{name: "not in vcs", err: ErrNotInVCS, fatal: true},
		{name: "no binary", err: ErrVCSNotAvailable, fatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if got := IsUnavailable(tt.err); got != tt.unavailable {
				t.Errorf("IsUnavailable = %v, want %v", got, tt.unavailable)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal = %v, want %v", got, tt.fatal)
			}
		})
	}
}
