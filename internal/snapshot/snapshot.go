// Package snapshot persists the last observed state of a monitored tree.
//
// A Snapshot records, per relative file path, the text length and a SHA-256
// digest of the file content, together with the time of observation. Full
// content is never retained: the change-detection engine only needs lengths,
// and the digest keeps path+content equality decidable in bounded memory.
//
// Snapshots are always replaced whole (temp file + rename), never patched.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// ErrMalformed is returned by Decode when persisted state cannot be parsed.
// Load treats it as "no prior snapshot".
var ErrMalformed = errors.New("malformed snapshot")

// FileState is what a Snapshot remembers about one file.
type FileState struct {
	// Length is the text length in characters
	Length int `json:"length"`

	// Digest is the hex-encoded SHA-256 of the raw file bytes
	Digest string `json:"sha256"`
}

// Snapshot is the observed state of a tree at one instant.
type Snapshot struct {
	// ObservedAt is seconds since the Unix epoch
	ObservedAt float64

	// Files maps slash-separated relative paths to their state
	Files map[string]FileState

	// Found is false when Load found no usable persisted state
	Found bool
}

// New returns an empty snapshot observed at t.
func New(t time.Time) *Snapshot {
	return &Snapshot{
		ObservedAt: Seconds(t),
		Files:      make(map[string]FileState),
	}
}

// Seconds converts t to fractional seconds since the epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts fractional epoch seconds back to a time.Time.
func Time(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
}

// Len returns the number of files in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Files)
}

// Length returns the recorded length of path, or 0 if absent.
func (s *Snapshot) Length(path string) int {
	if s == nil {
		return 0
	}
	return s.Files[path].Length
}

// Equal reports whether two snapshots hold the same paths with the same content.
// ObservedAt is ignored.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s.Len() != other.Len() {
		return false
	}
	for path, st := range s.Files {
		o, ok := other.Files[path]
		if !ok || o != st {
			return false
		}
	}
	return true
}

// persisted is the on-disk shape. Content is only read, for state files
// written by earlier versions that stored full file text.
type persisted struct {
	Timestamp float64              `json:"timestamp"`
	Files     map[string]FileState `json:"files,omitempty"`
	Content   map[string]string    `json:"content,omitempty"`
}

// Encode serializes the snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	files := s.Files
	if files == nil {
		files = map[string]FileState{}
	}
	data, err := json.Marshal(persisted{Timestamp: s.ObservedAt, Files: files})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses persisted snapshot data. Both the current {timestamp, files}
// format and the legacy {timestamp, content} format are accepted.
func Decode(data []byte) (*Snapshot, error) {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s := &Snapshot{
		ObservedAt: p.Timestamp,
		Files:      make(map[string]FileState, len(p.Files)+len(p.Content)),
		Found:      true,
	}
	for path, st := range p.Files {
		if st.Length < 0 {
			return nil, fmt.Errorf("%w: negative length for %s", ErrMalformed, path)
		}
		s.Files[path] = st
	}
	for path, text := range p.Content {
		if _, ok := s.Files[path]; ok {
			continue
		}
		s.Files[path] = stateOf([]byte(text))
	}
	return s, nil
}

// Store loads and saves the snapshot for one monitored tree.
type Store struct {
	path string
}

// NewStore returns a Store persisting to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location.
func (st *Store) Path() string {
	return st.path
}

// Load reads the persisted snapshot. A missing file returns an empty,
// not-found snapshot and no error. Malformed content returns an empty
// snapshot together with an error wrapping ErrMalformed so callers can log it.
func (st *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Snapshot{Files: map[string]FileState{}}, nil
		}
		return &Snapshot{Files: map[string]FileState{}}, fmt.Errorf("failed to read snapshot %s: %w", st.path, err)
	}

	s, err := Decode(data)
	if err != nil {
		return &Snapshot{Files: map[string]FileState{}}, fmt.Errorf("snapshot %s: %w", st.path, err)
	}
	return s, nil
}

// Save atomically replaces the persisted snapshot with s.
func (st *Store) Save(s *Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	return writeFileAtomic(st.path, data)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace snapshot %s: %w", path, err)
	}
	return nil
}
