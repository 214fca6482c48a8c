package drm

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/drm/kfx/ion"
	"github.com/sjzar/dedrm/internal/drm/pdb"
	"github.com/sjzar/dedrm/internal/drm/pdf"
	"github.com/sjzar/dedrm/internal/errors"
)

const containerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`

func buildEPUB(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := common.NewZipWriter(&buf)
	require.NoError(t, zw.WriteMimetype([]byte(common.EPUBMimetype)))
	require.NoError(t, zw.WriteFile("META-INF/container.xml", []byte(containerXML), zip.Deflate))
	require.NoError(t, zw.WriteFile("chapter1.xhtml", []byte("<html><body><p>plain</p></body></html>"), zip.Deflate))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildArchive(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := common.NewZipWriter(&buf)
	require.NoError(t, zw.WriteFile(name, data, zip.Deflate))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func pdbHeader(ident string) []byte {
	h := make([]byte, pdb.HeaderSize)
	copy(h, "Test_Book")
	copy(h[pdb.TypeCreatorOffset:], ident)
	return h
}

// buildPalmDoc is an uncompressed, unencrypted PalmDoc with one text record.
func buildPalmDoc(t *testing.T, cryptoType uint16) []byte {
	t.Helper()
	text := []byte("<html><body>Plain PalmDoc text.</body></html>")
	rec0 := make([]byte, 16)
	binary.BigEndian.PutUint16(rec0[0:2], 1)
	binary.BigEndian.PutUint32(rec0[4:8], uint32(len(text)))
	binary.BigEndian.PutUint16(rec0[8:10], 1)
	binary.BigEndian.PutUint16(rec0[10:12], 4096)
	binary.BigEndian.PutUint16(rec0[0xC:0xE], cryptoType)
	data, err := pdb.Build(pdbHeader(pdb.IdentPalmDoc), nil, make([]pdb.Record, 2), [][]byte{rec0, text})
	require.NoError(t, err)
	return data
}

func pdfObjects() map[int]pdf.Object {
	return map[int]pdf.Object{
		1: pdf.Dict{"Type": pdf.Name("Catalog"), "Pages": pdf.Ref{Num: 2}},
		2: pdf.Dict{"Type": pdf.Name("Pages"), "Kids": pdf.Array{}, "Count": pdf.Integer(0)},
	}
}

func buildPDF(t *testing.T) []byte {
	t.Helper()
	data, err := pdf.Build("1.4", pdfObjects(), pdf.Dict{"Root": pdf.Ref{Num: 1}}, false)
	require.NoError(t, err)
	return data
}

// buildLockedPDF uses the standard handler with O and U entries no password
// can satisfy.
func buildLockedPDF(t *testing.T) []byte {
	t.Helper()
	objects := pdfObjects()
	objects[3] = pdf.Dict{
		"Filter": pdf.Name("Standard"),
		"V":      pdf.Integer(2),
		"R":      pdf.Integer(3),
		"Length": pdf.Integer(128),
		"O":      pdf.String(bytes.Repeat([]byte{0x11}, 32)),
		"U":      pdf.String(bytes.Repeat([]byte{0x22}, 32)),
		"P":      pdf.Integer(-4),
	}
	id := pdf.String("0123456789abcdef")
	trailer := pdf.Dict{"Root": pdf.Ref{Num: 1}, "Encrypt": pdf.Ref{Num: 3}, "ID": pdf.Array{id, id}}
	data, err := pdf.Build("1.6", objects, trailer, false)
	require.NoError(t, err)
	return data
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  Format
	}{
		{"topaz", []byte("TPZ0\x00\x00"), FormatTopaz},
		{"epub", buildEPUB(t), FormatEPUB},
		{"other zip", buildArchive(t, "book.kfx", []byte("x")), FormatKFX},
		{"drmion", append([]byte("\xeaDRMION\xee"), 0, 0), FormatKFX},
		{"ion", ion.Encode(ion.String("x")), FormatKFX},
		{"palmdoc", buildPalmDoc(t, 0), FormatMobi},
		{"ereader", pdbHeader(pdb.IdentEReader), FormatEReader},
		{"pdf", buildPDF(t), FormatPDF},
		{"pdf after junk", append([]byte("garbage\r\n"), buildPDF(t)...), FormatPDF},
		{"text", []byte("hello world"), FormatUnknown},
		{"empty", nil, FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sniff(tt.input))
		})
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		format  Format
		variant Variant
	}{
		{"epub", buildEPUB(t), FormatEPUB, common.VariantNone},
		{"palmdoc", buildPalmDoc(t, 0), FormatMobi, common.VariantNone},
		{"palmdoc old crypto", buildPalmDoc(t, 1), FormatMobi, common.VariantPID},
		{"pdf", buildPDF(t), FormatPDF, common.VariantNone},
		{"locked pdf", buildLockedPDF(t), FormatPDF, common.VariantStandard},
		{"ion", ion.Encode(ion.String("x")), FormatKFX, common.VariantIon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, variant, err := Detect(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)
			assert.Equal(t, tt.variant, variant)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, _, err := Detect([]byte("hello world"))
		assert.ErrorIs(t, err, errors.ErrUnknownFormat)
	})

	t.Run("unknown zip", func(t *testing.T) {
		format, _, err := Detect(buildArchive(t, "notes.txt", []byte("just text")))
		assert.Equal(t, FormatUnknown, format)
		assert.True(t, errors.IsKind(err, errors.KindUnknownFormat))
	})
}

func TestDecryptDrmFree(t *testing.T) {
	tests := []struct {
		name   string
		input  []byte
		format Format
		ext    string
	}{
		{"epub", buildEPUB(t), FormatEPUB, "epub"},
		{"pdf", buildPDF(t), FormatPDF, "pdf"},
		{"ion", ion.Encode(ion.String("x")), FormatKFX, "ion"},
		{"palmdoc", buildPalmDoc(t, 0), FormatMobi, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Decrypt(context.Background(), tt.input, nil, nil)
			require.Error(t, err)
			assert.True(t, errors.IsDrmFree(err))
			require.NotNil(t, res)
			assert.Equal(t, tt.format, res.Format)
			assert.Equal(t, tt.input, res.Data)
			if tt.ext != "" {
				assert.Equal(t, tt.ext, res.Extension)
			}
		})
	}
}

func TestDecryptHint(t *testing.T) {
	input := ion.Encode(ion.String("x"))

	_, err := Decrypt(context.Background(), input, nil, &Hint{Format: FormatPDF})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidFormat))

	res, err := Decrypt(context.Background(), input, nil, &Hint{Format: FormatKFX})
	assert.True(t, errors.IsDrmFree(err))
	assert.Equal(t, common.VariantIon, res.Variant)
}

func TestDecryptCredentials(t *testing.T) {
	locked := buildLockedPDF(t)

	_, err := Decrypt(context.Background(), locked, nil, nil)
	assert.True(t, errors.IsKind(err, errors.KindExternalKeyRequired))

	pool := credential.NewPool(credential.PdfPassword("guess"), credential.PdfPassword("another"))
	_, err = Decrypt(context.Background(), locked, pool, nil)
	assert.True(t, errors.IsKind(err, errors.KindWrongCredential))
}

func TestDecryptTo(t *testing.T) {
	t.Run("drm free", func(t *testing.T) {
		input := buildEPUB(t)
		var buf bytes.Buffer
		res, err := DecryptTo(context.Background(), &buf, input, nil, nil)
		assert.True(t, errors.IsDrmFree(err))
		require.NotNil(t, res)
		assert.Equal(t, input, buf.Bytes())
	})

	t.Run("failure writes nothing", func(t *testing.T) {
		var buf bytes.Buffer
		res, err := DecryptTo(context.Background(), &buf, buildLockedPDF(t), nil, nil)
		require.Error(t, err)
		assert.Nil(t, res)
		assert.Zero(t, buf.Len())
	})

	t.Run("unknown writes nothing", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := DecryptTo(context.Background(), &buf, []byte("hello world"), nil, nil)
		assert.ErrorIs(t, err, errors.ErrUnknownFormat)
		assert.Zero(t, buf.Len())
	})
}

func TestNewDecryptor(t *testing.T) {
	for _, f := range []Format{FormatMobi, FormatTopaz, FormatEReader, FormatEPUB, FormatPDF, FormatKFX} {
		dec, err := NewDecryptor(f, common.VariantNone, common.DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, f, dec.Format())
	}

	_, err := NewDecryptor(FormatPDF, common.VariantAPS, common.DefaultOptions())
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedVersion))

	_, err = NewDecryptor(FormatUnknown, common.VariantNone, common.DefaultOptions())
	assert.ErrorIs(t, err, errors.ErrUnknownFormat)
}
