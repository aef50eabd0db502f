package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// ReadTree walks root and records every regular file, or symlink to one,
// that decodes as UTF-8 text. Unreadable files, unreadable subdirectories and binary files are
// skipped. A missing root yields an empty snapshot.
//
// Files are read one at a time and only their length and digest are kept.
func ReadTree(root string, now time.Time) (*Snapshot, error) {
	s := New(now)

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to stat tree root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tree root %s is not a directory", root)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Skip what we cannot enter or stat
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !isFile(path, d) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if !utf8.Valid(data) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		s.Files[filepath.ToSlash(rel)] = stateOf(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree %s: %w", root, err)
	}

	return s, nil
}

// isFile reports whether d is a regular file or a symlink to one.
// Symlinked directories are not descended into.
func isFile(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink == 0 {
		return d.Type().IsRegular()
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// TextLength returns the number of characters a text-mode reader would see:
// Unicode code points, with each CRLF pair counted once.
func TextLength(data []byte) int {
	return utf8.RuneCount(data) - bytes.Count(data, []byte("\r\n"))
}

func stateOf(data []byte) FileState {
	sum := sha256.Sum256(data)
	return FileState{
		Length: TextLength(data),
		Digest: hex.EncodeToString(sum[:]),
	}
}
