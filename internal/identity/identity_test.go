package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func gitReturns(name string, err error) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return name, err }
}

func TestResolveChain(t *testing.T) {
	noGit := gitReturns("", errors.New("no git"))

	tests := []struct {
		name string
		r    Resolver
		want string
	}{
		{
			name: "override wins",
			r:    Resolver{Override: "ci-bot", GitName: gitReturns("Alice", nil), Getenv: env(map[string]string{"USER": "alice"})},
			want: "ci-bot",
		},
		{
			name: "git user name",
			r:    Resolver{GitName: gitReturns("Alice Doe\n", nil), Getenv: env(map[string]string{"USER": "alice"})},
			want: "Alice Doe",
		},
		{
			name: "blank git name falls through",
			r:    Resolver{GitName: gitReturns("  ", nil), Getenv: env(map[string]string{"USER": "alice"})},
			want: "alice",
		},
		{
			name: "USER",
			r:    Resolver{GitName: noGit, Getenv: env(map[string]string{"USER": "alice", "USERNAME": "ALICE"})},
			want: "alice",
		},
		{
			name: "USERNAME",
			r:    Resolver{GitName: noGit, Getenv: env(map[string]string{"USERNAME": "ALICE"})},
			want: "ALICE",
		},
		{
			name: "unknown",
			r:    Resolver{GitName: noGit, Getenv: env(nil)},
			want: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Resolve(context.Background()))
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: "alice", want: "alice"},
		{in: "a.b-c_d@host", want: "a.b-c_d@host"},
		{in: "José", want: "José"},
		{in: "李雷", want: "李雷"},
		{in: "Alice Doe", want: "Alice_Doe-b27a79f5"},
		{in: "../etc/passwd", want: "_etc_passwd-7fef78f5"},
		{in: ".hidden", want: "hidden-16924190"},
		{in: "...", want: "unknown-ab5df625"},
		{in: "", want: Unknown},
		{in: `c:\users\bob`, want: "c__users_bob-68659474"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitizeKeepsIdentitiesApart(t *testing.T) {
	names := []string{
		"李雷", "王芳",
		"Jane Doe", "Jane_Doe", "Jane?Doe",
		"José", "Jos?", "Jos_",
		"alice", ".alice", "unknown",
	}

	seen := make(map[string]string, len(names))
	for _, name := range names {
		file := PartitionFile(name, "")
		if prev, ok := seen[file]; ok {
			t.Errorf("%q and %q both map to %s", prev, name, file)
		}
		seen[file] = name
	}
}

func TestPartitionFile(t *testing.T) {
	assert.Equal(t, "alice.jsonl", PartitionFile("alice", ""))
	assert.Equal(t, "Alice_Doe-b27a79f5+0190f1e2.jsonl", PartitionFile("Alice Doe", "0190f1e2"))
	assert.Equal(t, PartitionFile("bob", "x"), PartitionFile("bob", "x"), "deterministic")
	assert.NotEqual(t, PartitionFile("bob", "x"), PartitionFile("bob", "y"))
}

func TestInstanceIDPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	first, err := InstanceID(dir)
	require.NoError(t, err)

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	second, err := InstanceID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestInstanceIDReplacesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, instanceFile), []byte("not-a-uuid"), 0o644))

	id, err := InstanceID(dir)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
}
