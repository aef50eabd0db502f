package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 500_000_000, time.UTC)

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestReadTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", []byte("hello"))
	writeFile(t, root, "pkg/nested/b.go", []byte("package nested\n"))
	writeFile(t, root, "bin/blob.dat", []byte{0xff, 0xfe, 0x00, 0x81})

	s, err := ReadTree(root, epoch)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 5, s.Length("a.txt"))
	assert.Equal(t, 15, s.Length("pkg/nested/b.go"))
	_, binary := s.Files["bin/blob.dat"]
	assert.False(t, binary, "non UTF-8 files must be skipped")
	assert.InDelta(t, 1767323045.5, s.ObservedAt, 1e-6)
}

func TestReadTreeFollowsFileSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, outside, "shared.txt", []byte("hello"))
	writeFile(t, outside, "dir/inner.txt", []byte("nested"))
	writeFile(t, root, "own.txt", []byte("abc"))

	if err := os.Symlink(filepath.Join(outside, "shared.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	require.NoError(t, os.Symlink(filepath.Join(outside, "dir"), filepath.Join(root, "linkdir")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "gone.txt"), filepath.Join(root, "dangling.txt")))

	s, err := ReadTree(root, epoch)
	require.NoError(t, err)

	require.Contains(t, s.Files, "link.txt")
	assert.Equal(t, 5, s.Files["link.txt"].Length)
	assert.Contains(t, s.Files, "own.txt")
	assert.NotContains(t, s.Files, "dangling.txt")
	assert.NotContains(t, s.Files, "linkdir/inner.txt")
	assert.Len(t, s.Files, 2)
}

func TestReadTreeMissingRoot(t *testing.T) {
	s, err := ReadTree(filepath.Join(t.TempDir(), "nope"), epoch)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestReadTreeRootIsFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "file", []byte("x"))

	_, err := ReadTree(filepath.Join(root, "file"), epoch)
	require.Error(t, err)
}

func TestTextLength(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"ascii", "hello", 5},
		{"multibyte", "héllo wörld", 11},
		{"crlf counted once", "a\r\nb\r\n", 4},
		{"lone cr", "a\rb", 3},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TextLength([]byte(tt.in)))
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", []byte("hello"))
	s, err := ReadTree(root, epoch)
	require.NoError(t, err)

	store := NewStore(filepath.Join(t.TempDir(), "state", ".sentinel_state.json"))
	require.NoError(t, store.Save(s))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.True(t, loaded.Found)
	assert.True(t, s.Equal(loaded))
	assert.InDelta(t, s.ObservedAt, loaded.ObservedAt, 1e-6)
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	s, err := store.Load()
	require.NoError(t, err)
	assert.False(t, s.Found)
	assert.Equal(t, 0, s.Len())
}

func TestStoreLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0644))

	s, err := NewStore(path).Load()
	assert.ErrorIs(t, err, ErrMalformed)
	require.NotNil(t, s)
	assert.False(t, s.Found)
	assert.Equal(t, 0, s.Len())
}

func TestDecodeLegacyContent(t *testing.T) {
	s, err := Decode([]byte(`{"timestamp": 1700000000.25, "content": {"a.txt": "hello world", "b/c.txt": "hé"}}`))
	require.NoError(t, err)

	assert.True(t, s.Found)
	assert.Equal(t, 11, s.Length("a.txt"))
	assert.Equal(t, 2, s.Length("b/c.txt"))
	assert.InDelta(t, 1700000000.25, s.ObservedAt, 1e-9)
}

func TestSaveReplacesWhole(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))

	first := New(epoch)
	first.Files["old.txt"] = FileState{Length: 3, Digest: "x"}
	require.NoError(t, store.Save(first))

	second := New(epoch.Add(time.Minute))
	second.Files["new.txt"] = FileState{Length: 4, Digest: "y"}
	require.NoError(t, store.Save(second))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
	_, stale := loaded.Files["old.txt"]
	assert.False(t, stale)

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestTimeSecondsRoundTrip(t *testing.T) {
	got := Time(Seconds(epoch))
	assert.WithinDuration(t, epoch, got, time.Microsecond)
}
