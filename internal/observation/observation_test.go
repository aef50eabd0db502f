package observation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Observation {
	return Observation{
		Timestamp:    time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC),
		Identity:     "Ada Lovelace",
		CharsAdded:   300,
		TimeDelta:    2,
		Velocity:     150,
		IsSuspicious: true,
	}
}

func TestEncodeWireFormat(t *testing.T) {
	data, err := Encode(sample())
	require.NoError(t, err)

	line := string(data)
	assert.Contains(t, line, `"timestamp":"2026-03-14T09:26:53.589793Z"`)
	assert.Contains(t, line, `"user":"Ada Lovelace"`)
	assert.Contains(t, line, `"chars_added":300`)
	assert.Contains(t, line, `"is_suspicious":true`)
	assert.NotContains(t, line, "\n")
}

func TestDecodeAcceptsRFC3339(t *testing.T) {
	o, err := Decode([]byte(`{"timestamp":"2026-03-14T09:26:53Z","user":"bob","chars_added":5,"time_delta":1,"velocity":5,"is_suspicious":false}`))
	require.NoError(t, err)

	assert.Equal(t, "bob", o.Identity)
	assert.Equal(t, 5, o.CharsAdded)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC), o.Timestamp)
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	_, err := Decode([]byte(`{"timestamp":"yesterday","user":"bob"}`))
	require.Error(t, err)
}

func TestKeyStableAcrossCodec(t *testing.T) {
	o := sample()
	data, err := Encode(o)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, o.Key(), back.Key())
	assert.Equal(t, "2026-03-14T09:26:53.589793Z|Ada Lovelace|300", o.Key())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Observation)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Observation) {}},
		{name: "missing identity", mutate: func(o *Observation) { o.Identity = "" }, wantErr: true},
		{name: "negative chars", mutate: func(o *Observation) { o.CharsAdded = -1 }, wantErr: true},
		{name: "delta below floor", mutate: func(o *Observation) { o.TimeDelta = 0.5 }, wantErr: true},
		{name: "zero timestamp", mutate: func(o *Observation) { o.Timestamp = time.Time{} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := sample()
			tt.mutate(&o)
			err := o.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeAllSkipsMalformed(t *testing.T) {
	good, err := Encode(sample())
	require.NoError(t, err)

	input := string(good) + "\n\n{not json\n" + string(good) + "\n"
	scanned, err := DecodeAll(strings.NewReader(input))
	require.NoError(t, err)

	assert.Len(t, scanned.Records, 2)
	assert.Equal(t, 3, scanned.Lines)
	assert.Equal(t, 1, scanned.Malformed)
}
