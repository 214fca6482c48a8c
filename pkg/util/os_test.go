package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book_nodrm.epub")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must be cleaned up")
}

func TestFindFilesWithPatterns(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, PrepareDir(sub))
	for _, name := range []string{"a.der", "b.k4i", "notes.md", "sub/c.der"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	files, err := FindFilesWithPatterns(dir, `\.(der|k4i)$`, false)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, err = FindFilesWithPatterns(dir, `\.der$`, true)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = FindFilesWithPatterns(filepath.Join(dir, "missing"), `.*`, false)
	assert.Error(t, err)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "janedoe", LowerAlnum("Jane Doe"))
	assert.Equal(t, "12345678", Suffix("4111111112345678", 8))
	assert.Equal(t, "abc", Suffix("abc", 8))
	assert.Equal(t, "book", FileStem("/tmp/book.azw3"))
	assert.Equal(t, "1.5 kB", ByteCountSI(1500))
}
