// Package queue implements the local append log: a durable JSONL file of
// observations waiting to be relayed to the shared remote log.
//
// Detection runs append to it; the sync engine reads a batch and, only after
// the batch has been confirmed on the remote, consumes exactly the lines it
// read. Records appended while a sync is in flight are preserved.
//
// All access is serialized through an advisory lock on a sidecar file, held
// only for the duration of a single local file operation.
package queue

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sentinelhq/sentinel/internal/observation"
)

// Log is the local append log stored at a single path.
type Log struct {
	path string
}

// Batch is a point-in-time read of the log.
type Batch struct {
	// Records are the decodable observations, in write order
	Records []observation.Observation

	// Lines is how many non-empty lines the batch covers; pass it to Consume
	Lines int

	// Malformed is how many of those lines could not be decoded
	Malformed int
}

// Empty reports whether the batch holds nothing to publish.
func (b Batch) Empty() bool {
	return len(b.Records) == 0
}

// Open returns the log at path. The file is created lazily on first Append.
func Open(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) lockPath() string {
	return l.path + ".lock"
}

// withLock runs fn while holding the exclusive log lock.
func (l *Log) withLock(fn func() error) error {
	release, err := AcquireLock(l.lockPath())
	if err != nil {
		return fmt.Errorf("failed to lock queue: %w", err)
	}
	defer release()

	return fn()
}

// AcquireLock blocks until it holds an exclusive advisory lock on path,
// creating the file if needed. The returned func releases it.
func AcquireLock(path string) (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lf, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := lockFile(lf); err != nil {
		lf.Close()
		return nil, err
	}

	return func() {
		_ = unlockFile(lf)
		_ = lf.Close()
	}, nil
}

// Append durably adds one observation to the end of the log.
func (l *Log) Append(o observation.Observation) error {
	line, err := observation.Encode(o)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	return l.withLock(func() error {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open queue %s: %w", l.path, err)
		}

		if _, err := f.Write(line); err != nil {
			f.Close()
			return fmt.Errorf("failed to append to queue: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync queue: %w", err)
		}
		return f.Close()
	})
}

// Read returns everything currently in the log. A missing file is an empty batch.
func (l *Log) Read() (Batch, error) {
	var batch Batch
	err := l.withLock(func() error {
		var err error
		batch, err = l.readUnlocked()
		return err
	})
	return batch, err
}

func (l *Log) readUnlocked() (Batch, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Batch{}, nil
		}
		return Batch{}, fmt.Errorf("failed to open queue %s: %w", l.path, err)
	}
	defer f.Close()

	scanned, err := observation.DecodeAll(f)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		Records:   scanned.Records,
		Lines:     scanned.Lines,
		Malformed: scanned.Malformed,
	}, nil
}

// Len returns the number of decodable observations waiting in the log.
func (l *Log) Len() (int, error) {
	batch, err := l.Read()
	if err != nil {
		return 0, err
	}
	return len(batch.Records), nil
}

// Consume removes the first n non-empty lines. Lines appended after the
// batch was read survive. When nothing remains the file is removed.
func (l *Log) Consume(n int) error {
	if n <= 0 {
		return nil
	}

	return l.withLock(func() error {
		data, err := os.ReadFile(l.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to read queue %s: %w", l.path, err)
		}

		rest := dropLines(data, n)
		if len(bytes.TrimSpace(rest)) == 0 {
			if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove drained queue: %w", err)
			}
			return nil
		}
		return replaceFile(l.path, rest)
	})
}

// dropLines returns data without its first n non-empty lines.
func dropLines(data []byte, n int) []byte {
	var out bytes.Buffer
	dropped := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if dropped < n {
			dropped++
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp queue: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace queue: %w", err)
	}
	return nil
}
