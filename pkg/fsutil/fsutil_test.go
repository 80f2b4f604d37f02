package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	// The parent directory does not exist yet.
	path := filepath.Join(t.TempDir(), "nested", "deep", "file.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	// Overwrite replaces the content in place.
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestJSONRoundTrip(t *testing.T) {
	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	path := filepath.Join(t.TempDir(), "state", "record.json")
	require.NoError(t, WriteJSONAtomic(path, &record{Name: "poll", Count: 3}))

	var got record
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, record{Name: "poll", Count: 3}, got)

	// Files end with a newline so shell tools behave.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestReadJSONMissingFile(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Exists(filepath.Join(dir, "nope")))

	path := filepath.Join(dir, "yep")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.True(t, Exists(path))

	// A dangling symlink still counts as present.
	link := filepath.Join(dir, "dangling")
	require.NoError(t, os.Symlink(filepath.Join(dir, "ghost"), link))
	assert.True(t, Exists(link))
}

func TestReplaceSymlink(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.jsonl")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0o644))

	link := filepath.Join(dir, "current")
	require.NoError(t, ReplaceSymlink(a, link))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, a, target)

	// Repointing swaps over an existing link.
	require.NoError(t, ReplaceSymlink(b, link))
	target, err = os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, b, target)
}

func TestRenameDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "work"), 0o755))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, RenameDir(src, dst))
	assert.True(t, Exists(filepath.Join(dst, "work")))
	assert.False(t, Exists(src))

	// A missing source is a no-op, not an error.
	require.NoError(t, RenameDir(filepath.Join(dir, "ghost"), dst+"2"))
}
