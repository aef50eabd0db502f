package relay

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/sentinelhq/sentinel/internal/observation"
)

// appendDeduped appends every record in recs whose key is not already in
// the partition file at path. It returns how many records were written.
func appendDeduped(path string, recs []observation.Observation) (int, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("failed to read partition %s: %w", path, err)
	}

	scanned, err := observation.DecodeAll(bytes.NewReader(existing))
	if err != nil {
		return 0, fmt.Errorf("failed to scan partition %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(scanned.Records)+len(recs))
	for _, o := range scanned.Records {
		seen[o.Key()] = struct{}{}
	}

	var buf bytes.Buffer
	// Never glue a record onto an unterminated last line
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}

	written := 0
	for _, o := range recs {
		key := o.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		line, err := observation.Encode(o)
		if err != nil {
			return 0, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
		written++
	}

	if written == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open partition %s: %w", path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to append to partition: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to sync partition: %w", err)
	}
	return written, f.Close()
}
