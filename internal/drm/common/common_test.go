package common

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjzar/dedrm/internal/errors"
)

func TestCheckCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, CheckCanceled(ctx))
	cancel()
	err := CheckCanceled(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDecryptOperationCanceled))
}

func TestZipWriterKeepsMetadata(t *testing.T) {
	var src bytes.Buffer
	zw := zip.NewWriter(&src)
	mod := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "OEBPS/a.xhtml", Method: zip.Deflate, Modified: mod, Comment: "c"})
	require.NoError(t, err)
	_, err = w.Write([]byte("old"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	zr, err := OpenZip("EPUB", src.Bytes())
	require.NoError(t, err)

	var out bytes.Buffer
	ow := NewZipWriter(&out)
	require.NoError(t, ow.WriteMimetype([]byte(EPUBMimetype)))
	require.NoError(t, ow.CopyWith(&zr.File[0].FileHeader, []byte("new"), zr.File[0].Method))
	require.NoError(t, ow.Close())

	res, err := OpenZip("EPUB", out.Bytes())
	require.NoError(t, err)
	require.Len(t, res.File, 2)
	assert.Equal(t, MimetypeName, res.File[0].Name)
	assert.Equal(t, zip.Store, res.File[0].Method)
	assert.Equal(t, zip.Deflate, res.File[1].Method)
	assert.Equal(t, "c", res.File[1].Comment)
	assert.True(t, mod.Equal(res.File[1].Modified.UTC()))

	data, err := ReadZipFile(FindZipFile(res, "OEBPS/a.xhtml"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.Nil(t, FindZipFile(res, "missing"))
}

func TestOpenZipRejectsGarbage(t *testing.T) {
	_, err := OpenZip("EPUB", []byte("PK\x03\x04broken"))
	assert.True(t, errors.IsKind(err, errors.KindInvalidFormat))
}

func TestCleanExtra(t *testing.T) {
	extra := []byte{
		0x01, 0x00, 0x02, 0x00, 0xAA, 0xBB, // zip64
		0x99, 0x99, 0x01, 0x00, 0xCC, // custom
		0x55, 0x54, 0x01, 0x00, 0x01, // timestamp
	}
	assert.Equal(t, []byte{0x99, 0x99, 0x01, 0x00, 0xCC}, cleanExtra(extra))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"mobi", FormatMobi},
		{".AZW3", FormatMobi},
		{"Topaz", FormatTopaz},
		{"pdb", FormatEReader},
		{"epub", FormatEPUB},
		{"PDF", FormatPDF},
		{"azw8", FormatKFX},
		{"kfx-zip", FormatKFX},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFormat("docx")
	assert.True(t, errors.IsKind(err, errors.KindInvalidArg))
}
