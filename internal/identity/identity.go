// Package identity resolves who observations are attributed to and where
// each identity's records live in the shared log.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/sentinelhq/sentinel/internal/vcs"
)

// Unknown is returned when no other source yields a name.
const Unknown = "unknown"

// gitLookupTimeout bounds the `git config user.name` lookup.
const gitLookupTimeout = 2 * time.Second

// Resolver resolves the operator identity. The zero value consults git and
// the process environment.
type Resolver struct {
	// Override, when non-empty, wins over every other source
	Override string

	// Dir is where `git config user.name` runs; empty means the current directory
	Dir string

	// GitName and Getenv replace the real lookups in tests
	GitName func(ctx context.Context, dir string) (string, error)
	Getenv  func(key string) string
}

// Resolve returns a non-empty identity. It never fails: the chain is
// override, git user.name, $USER, $USERNAME, then Unknown.
func (r Resolver) Resolve(ctx context.Context) string {
	if name := strings.TrimSpace(r.Override); name != "" {
		return name
	}

	gitName := r.GitName
	if gitName == nil {
		gitName = gitUserName
	}
	if name, err := gitName(ctx, r.Dir); err == nil {
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}

	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, key := range []string{"USER", "USERNAME"} {
		if name := strings.TrimSpace(getenv(key)); name != "" {
			return name
		}
	}

	return Unknown
}

func gitUserName(ctx context.Context, dir string) (string, error) {
	if !vcs.IsGitAvailable() {
		return "", vcs.ErrVCSNotAvailable
	}
	out, err := vcs.ExecContext(ctx, gitLookupTimeout, dir, nil, "git", "config", "user.name")
	if err != nil {
		return "", err
	}
	return vcs.TrimOutput(out), nil
}

// Sanitize maps an identity to a string that is safe as a file name on
// every platform. Letters, digits and [._@-] are kept; anything else
// becomes '_' and leading dots are stripped so the result is never hidden.
// When the name had to change, a short digest of the original is appended
// so distinct identities never share a file name.
func Sanitize(name string) string {
	if name == "" {
		return Unknown
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.', r == '_', r == '@', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		out = Unknown
	}
	if out != name {
		out += "-" + digest(name)
	}
	return out
}

// digest is the first 8 hex digits of the SHA-256 of s.
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

// PartitionFile is the name of the remote log file holding identity's
// records. A non-empty instance scopes it to one agent.
func PartitionFile(identity, instance string) string {
	name := Sanitize(identity)
	if instance != "" {
		name += "+" + Sanitize(instance)
	}
	return name + ".jsonl"
}

// instanceFile is where InstanceID persists the generated id.
const instanceFile = ".sentinel_instance"

// InstanceID returns this agent's persistent instance id, generating a
// UUIDv7 and storing it under dir on first use.
func InstanceID(dir string) (string, error) {
	path := filepath.Join(dir, instanceFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id, perr := uuid.ParseBytes([]byte(strings.TrimSpace(string(data)))); perr == nil {
			return id.String(), nil
		}
		// Corrupt file: fall through and mint a new id
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read instance id: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate instance id: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create instance dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to persist instance id: %w", err)
	}
	return id.String(), nil
}
