// Package observation defines the immutable record emitted by every
// change-detection run and relayed verbatim into the shared remote log.
//
// Records are stored one JSON object per line (JSONL). The same codec is
// used for the local append log and for the per-identity remote partition
// files, so partitions can be concatenated safely.
package observation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// TimestampLayout is the wire layout for Observation.Timestamp:
// ISO-8601 UTC with microsecond precision and a literal Z.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// ErrInvalid is returned by Validate for records that violate the model.
var ErrInvalid = errors.New("invalid observation")

// Observation is one change-detection measurement.
//
// It is created once per detection run and never mutated afterwards.
type Observation struct {
	// Timestamp is when the observation was taken (UTC)
	Timestamp time.Time

	// Identity is the operator the observation is attributed to
	Identity string

	// CharsAdded is the net number of characters added since the prior snapshot
	CharsAdded int

	// TimeDelta is the elapsed seconds since the prior snapshot, floored at 1
	TimeDelta float64

	// Velocity is CharsAdded / TimeDelta
	Velocity float64

	// IsSuspicious is true when Velocity exceeded the detection threshold
	IsSuspicious bool
}

// wireObservation is the JSON shape of an Observation.
type wireObservation struct {
	Timestamp    string  `json:"timestamp"`
	User         string  `json:"user"`
	CharsAdded   int     `json:"chars_added"`
	TimeDelta    float64 `json:"time_delta"`
	Velocity     float64 `json:"velocity"`
	IsSuspicious bool    `json:"is_suspicious"`
}

// MarshalJSON implements json.Marshaler.
func (o Observation) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireObservation{
		Timestamp:    o.Timestamp.UTC().Format(TimestampLayout),
		User:         o.Identity,
		CharsAdded:   o.CharsAdded,
		TimeDelta:    o.TimeDelta,
		Velocity:     o.Velocity,
		IsSuspicious: o.IsSuspicious,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var w wireObservation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", w.Timestamp, err)
	}

	*o = Observation{
		Timestamp:    ts,
		Identity:     w.User,
		CharsAdded:   w.CharsAdded,
		TimeDelta:    w.TimeDelta,
		Velocity:     w.Velocity,
		IsSuspicious: w.IsSuspicious,
	}
	return nil
}

// parseTimestamp accepts the canonical layout and falls back to RFC 3339,
// so records written by other tools with fewer fractional digits still load.
func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(TimestampLayout, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// Validate checks the record invariants.
func (o Observation) Validate() error {
	if o.Identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalid)
	}
	if o.CharsAdded < 0 {
		return fmt.Errorf("%w: chars_added must be non-negative, got %d", ErrInvalid, o.CharsAdded)
	}
	if o.TimeDelta < 1 {
		return fmt.Errorf("%w: time_delta must be >= 1, got %v", ErrInvalid, o.TimeDelta)
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalid)
	}
	return nil
}

// Key identifies a record for de-duplication across retried syncs.
// Two records with the same timestamp, identity and chars_added are the same
// observation delivered twice.
func (o Observation) Key() string {
	return o.Timestamp.UTC().Format(TimestampLayout) + "|" + o.Identity + "|" + strconv.Itoa(o.CharsAdded)
}

// Encode returns the single-line JSON encoding of o, without a trailing newline.
func Encode(o Observation) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode observation: %w", err)
	}
	return data, nil
}

// Decode parses one JSONL line into an Observation.
func Decode(line []byte) (Observation, error) {
	var o Observation
	if err := json.Unmarshal(bytes.TrimSpace(line), &o); err != nil {
		return Observation{}, fmt.Errorf("failed to decode observation: %w", err)
	}
	return o, nil
}

// Scanned is the result of DecodeAll.
type Scanned struct {
	// Records are the successfully decoded observations, in file order
	Records []Observation

	// Lines is the number of non-empty lines read, valid or not
	Lines int

	// Malformed is the number of non-empty lines that failed to decode
	Malformed int
}

// DecodeAll reads every non-empty line from r. Malformed lines are counted
// and skipped rather than failing the whole read.
func DecodeAll(r io.Reader) (Scanned, error) {
	var out Scanned

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out.Lines++

		o, err := Decode(line)
		if err != nil {
			out.Malformed++
			continue
		}
		out.Records = append(out.Records, o)
	}

	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to scan observations: %w", err)
	}
	return out, nil
}
