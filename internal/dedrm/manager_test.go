package dedrm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/dedrm/conf"
	"github.com/sjzar/dedrm/internal/drm"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/drm/kfx/ion"
	"github.com/sjzar/dedrm/internal/errors"
)

func plainEPUB(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := common.NewZipWriter(&buf)
	require.NoError(t, zw.WriteMimetype([]byte(common.EPUBMimetype)))
	require.NoError(t, zw.WriteFile("OEBPS/chapter1.xhtml", []byte("<html><body><p>plain</p></body></html>"), zip.Deflate))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		in, dir, ext string
		want         string
	}{
		{"/books/a.azw3", "/out", "azw3", "/out/a_nodrm.azw3"},
		{"/books/a.azw", "/out", "azw3", "/out/a_nodrm.azw3"},
		{"/books/b.pdb", "/books", "pmlz", "/books/b_nodrm.pmlz"},
		{"/books/c.epub", "/out", "", "/out/c_nodrm.epub"},
		{"/books/noext", "/out", "", "/out/noext_nodrm"},
	}
	for _, tt := range tests {
		assert.Equal(t, filepath.FromSlash(tt.want), OutputPath(filepath.FromSlash(tt.in), filepath.FromSlash(tt.dir), tt.ext))
	}
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	keyDir := filepath.Join(dir, "keys")
	require.NoError(t, os.Mkdir(keyDir, 0o755))
	writeFile(t, keyDir, "kindle.pid", []byte("ABCDEFGH\n# comment\nB0A1B2C3D4E5F6G7\n"))

	sealed, err := credential.Seal(credential.NewPool(credential.PdfPassword("secret")), "pass")
	require.NoError(t, err)
	store := writeFile(t, dir, "store.keystore", sealed)

	m := New(&conf.Config{
		KeyDir:             keyDir,
		KeyStore:           store,
		KeyStorePassphrase: "pass",
		PIDs:               []string{"12345678"},
		Serials:            []string{"9012345678901234"},
	})
	require.NoError(t, m.LoadCredentials())

	pool := m.Credentials()
	assert.Equal(t, 2, pool.Count(credential.KindMobiPID))
	assert.Equal(t, 2, pool.Count(credential.KindKindleSerial))
	assert.Equal(t, 1, pool.Count(credential.KindPdfPassword))

	t.Run("failures are collected", func(t *testing.T) {
		m := New(&conf.Config{
			KeyFiles: []string{filepath.Join(dir, "missing.der")},
			PIDs:     []string{"bad", "ABCDEFGH"},
			KeyStore: store,
		})
		err := m.LoadCredentials()
		require.Error(t, err)
		assert.Equal(t, 1, m.Credentials().Count(credential.KindMobiPID))
	})
}

func TestCommandDecrypt(t *testing.T) {
	dir := t.TempDir()
	input := plainEPUB(t)
	in := writeFile(t, dir, "story.epub", input)

	t.Run("drm free is copied", func(t *testing.T) {
		m := New(&conf.Config{OutputDir: filepath.Join(dir, "out")})
		out, res, err := m.CommandDecrypt(context.Background(), in, "")
		assert.True(t, errors.IsDrmFree(err))
		require.NotNil(t, res)
		assert.Equal(t, filepath.Join(dir, "out", "story_nodrm.epub"), out)
		got, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, input, got)
	})

	t.Run("explicit output", func(t *testing.T) {
		m := New(nil)
		target := filepath.Join(dir, "explicit.epub")
		out, _, err := m.CommandDecrypt(context.Background(), in, target)
		assert.True(t, errors.IsDrmFree(err))
		assert.Equal(t, target, out)
		assert.FileExists(t, target)
	})

	t.Run("failure leaves no file", func(t *testing.T) {
		m := New(nil)
		bad := writeFile(t, dir, "notes.txt", []byte("not a book"))
		out, res, err := m.CommandDecrypt(context.Background(), bad, "")
		assert.ErrorIs(t, err, errors.ErrUnknownFormat)
		assert.Nil(t, res)
		assert.Empty(t, out)
		assert.NoFileExists(t, filepath.Join(dir, "notes_nodrm.txt"))
	})

	t.Run("missing input", func(t *testing.T) {
		_, _, err := New(nil).CommandDecrypt(context.Background(), filepath.Join(dir, "nope.epub"), "")
		assert.True(t, errors.IsKind(err, errors.KindIO))
	})
}

func TestCommandDetect(t *testing.T) {
	dir := t.TempDir()
	ionFile := writeFile(t, dir, "book.bin", ion.Encode(ion.String("x")))

	m := New(&conf.Config{FormatOverrides: map[string]string{"bin": "kfx"}})
	format, variant, err := m.CommandDetect(ionFile)
	require.NoError(t, err)
	assert.Equal(t, drm.FormatKFX, format)
	assert.Equal(t, common.VariantIon, variant)

	epub := writeFile(t, dir, "book.epub", plainEPUB(t))
	format, variant, err = New(nil).CommandDetect(epub)
	require.NoError(t, err)
	assert.Equal(t, drm.FormatEPUB, format)
	assert.Equal(t, common.VariantNone, variant)
}

func TestWriteTree(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "book_nodrm")
	files := map[string][]byte{
		"book.pml":           []byte("\\pHello"),
		"book_img/cover.png": {0x89, 'P', 'N', 'G'},
	}
	require.NoError(t, writeTree(target, files))
	got, err := os.ReadFile(filepath.Join(target, "book_img", "cover.png"))
	require.NoError(t, err)
	assert.Equal(t, files["book_img/cover.png"], got)

	// a second run replaces the tree
	require.NoError(t, writeTree(target, map[string][]byte{"book.pml": []byte("new")}))
	assert.NoFileExists(t, filepath.Join(target, "book_img", "cover.png"))

	err = writeTree(filepath.Join(dir, "evil"), map[string][]byte{"../escape": []byte("x")})
	assert.True(t, errors.IsKind(err, errors.KindInvalidArg))
	assert.NoFileExists(t, filepath.Join(dir, "escape"))
}

func TestCommandPID(t *testing.T) {
	m := New(nil)
	pids, err := m.CommandPID("B001A0A0A0A0A0A0", "")
	require.NoError(t, err)
	require.Len(t, pids, 1)
	assert.Len(t, pids[0], 10)

	_, err = m.CommandPID("A001", "")
	assert.True(t, errors.IsKind(err, errors.KindInvalidArg))

	_, err = m.CommandPID("", "")
	assert.True(t, errors.IsKind(err, errors.KindInvalidArg))
}

func TestWatch(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "out")
	require.NoError(t, os.Mkdir(in, 0o755))

	book := plainEPUB(t)
	writeFile(t, in, "before.epub", book)

	m := New(&conf.Config{Watch: conf.WatchConfig{Dir: in, OutputDir: out}})
	m.settle = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(out, "before_nodrm.epub"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// give the watcher time to register before the next file lands
	time.Sleep(100 * time.Millisecond)
	writeFile(t, in, "after.epub", book)
	writeFile(t, in, "ignored.txt", []byte("x"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(out, "after_nodrm.epub"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.NoFileExists(t, filepath.Join(out, "ignored_nodrm.txt"))
	assert.True(t, m.decrypted(filepath.Join(in, "before.epub")))
}

func TestWatchConfigErrors(t *testing.T) {
	err := New(nil).Watch(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	file := writeFile(t, t.TempDir(), "a.epub", []byte("x"))
	err = New(&conf.Config{Watch: conf.WatchConfig{Dir: file}}).Watch(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	err = New(&conf.Config{Watch: conf.WatchConfig{Dir: t.TempDir(), Pattern: "("}}).Watch(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}
