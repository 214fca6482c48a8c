package epub

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/drm/adept"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util/zlib"
)

const (
	chapterName = "OEBPS/chapter1.xhtml"
	coverName   = "OEBPS/cover.png"
	fontName    = "OEBPS/font.otf"
	chapterText = `<?xml version="1.0" encoding="utf-8"?>
<html xmlns="http://www.w3.org/1999/xhtml"><body><p>It was a dark and stormy night.</p></body></html>`
)

var (
	testBookKey = []byte("0123456789ABCDEF")
	coverData   = []byte("\x89PNG\r\n\x1a\nnot really an image")
	fontData    = []byte("obfuscated font bytes")
)

type zipEntry struct {
	name   string
	data   []byte
	method uint16
}

func buildZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: e.method, Comment: "c:" + e.name})
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.SetComment("archive comment"))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// encryptResource deflates (optionally) and encrypts with a random IV prefix.
func encryptResource(t *testing.T, key, plain []byte, deflate bool) []byte {
	t.Helper()
	if deflate {
		var err error
		plain, err = zlib.CompressRaw(plain)
		require.NoError(t, err)
	}
	iv := make([]byte, 16)
	_, err := rand.Read(iv)
	require.NoError(t, err)
	ct, err := crypto.AESCBCPadEncrypt(key, iv, plain)
	require.NoError(t, err)
	return append(iv, ct...)
}

func encryptionXML(alg string, compression bool) string {
	prop := ""
	if compression {
		prop = `<EncryptionProperties><EncryptionProperty xmlns:ns="http://www.idpf.org/2016/encryption#compression"><ns:Compression Method="8" OriginalLength="1"/></EncryptionProperty></EncryptionProperties>`
	}
	return fmt.Sprintf(`<?xml version="1.0"?>
<encryption xmlns="urn:oasis:names:tc:opendocument:xmlns:container" xmlns:enc="http://www.w3.org/2001/04/xmlenc#">
<enc:EncryptedData><enc:EncryptionMethod Algorithm="%s"/><enc:CipherData><enc:CipherReference URI="OEBPS/chapter1.xhtml"/></enc:CipherData>%s</enc:EncryptedData>
<enc:EncryptedData><enc:EncryptionMethod Algorithm="http://www.idpf.org/2008/embedding"/><enc:CipherData><enc:CipherReference URI="OEBPS/font.otf"/></enc:CipherData></enc:EncryptedData>
</encryption>`, alg, prop)
}

const containerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
<rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`

const contentOPF = `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0"><metadata xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>Stormy Night</dc:title></metadata></package>`

func bookEntries(drm []zipEntry, chapter []byte) []zipEntry {
	entries := []zipEntry{{common.MimetypeName, []byte(common.EPUBMimetype), zip.Store}}
	entries = append(entries, drm...)
	return append(entries,
		zipEntry{ContainerName, []byte(containerXML), zip.Deflate},
		zipEntry{"OEBPS/content.opf", []byte(contentOPF), zip.Deflate},
		zipEntry{chapterName, chapter, zip.Store},
		zipEntry{coverName, coverData, zip.Deflate},
		zipEntry{fontName, fontData, zip.Store},
	)
}

func adeptRights(t *testing.T, pub *rsa.PublicKey, keyType int, encoded bool) []byte {
	t.Helper()
	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, pub, testBookKey)
	require.NoError(t, err)
	r := &adept.Rights{
		KeyType:     keyType,
		Resource:    "urn:uuid:6c0d8a5e-1f7e-4b1a-9f4e-2d3c4b5a6978",
		Device:      "urn:uuid:0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9",
		Fulfillment: "urn:uuid:fedcba98-7654-3210-0123-456789abcdef",
	}
	wrapped, err = adept.Harden(r, wrapped)
	require.NoError(t, err)
	doc := fmt.Sprintf(`<?xml version="1.0"?>
<adept:rights xmlns:adept="http://ns.adobe.com/adept"><adept:licenseToken>
<adept:resource>%s</adept:resource><adept:device>%s</adept:device><adept:fulfillment>%s</adept:fulfillment>
<adept:operatorURL>https://acs.example.com/fulfillment</adept:operatorURL>
<adept:encryptedKey keyType="%d">%s</adept:encryptedKey>
</adept:licenseToken></adept:rights>`, r.Resource, r.Device, r.Fulfillment, keyType, base64.StdEncoding.EncodeToString(wrapped))
	if !encoded {
		return []byte(doc)
	}
	deflated, err := zlib.CompressRaw([]byte(doc))
	require.NoError(t, err)
	return []byte(base64.StdEncoding.EncodeToString(deflated))
}

func buildAdept(t *testing.T, key *rsa.PrivateKey, keyType int, encoded bool) []byte {
	t.Helper()
	drm := []zipEntry{
		{RightsName, adeptRights(t, &key.PublicKey, keyType, encoded), zip.Deflate},
		{EncryptionName, []byte(encryptionXML(AlgorithmAES128CBC, false)), zip.Deflate},
	}
	return buildZip(t, bookEntries(drm, encryptResource(t, testBookKey, []byte(chapterText), true)))
}

func adeptCredential(t *testing.T, key *rsa.PrivateKey) credential.Credential {
	t.Helper()
	c, err := credential.AdeptPrivateKey("user", x509.MarshalPKCS1PrivateKey(key))
	require.NoError(t, err)
	return c
}

func readOutput(t *testing.T, data []byte) (*zip.Reader, map[string][]byte) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		files[f.Name] = b
	}
	return zr, files
}

func assertDecrypted(t *testing.T, out *common.Output) {
	t.Helper()
	assert.Equal(t, "epub", out.Extension)
	assert.Equal(t, "Stormy Night", out.Title)

	zr, files := readOutput(t, out.Data)
	require.NotEmpty(t, zr.File)
	first := zr.File[0]
	assert.Equal(t, common.MimetypeName, first.Name)
	assert.Equal(t, zip.Store, first.Method)
	assert.Equal(t, common.EPUBMimetype, string(files[common.MimetypeName]))

	for _, name := range []string{RightsName, EncryptionName, LicenseName} {
		assert.NotContains(t, files, name)
	}
	assert.True(t, bytes.HasPrefix(files[chapterName], []byte("<?xml")))
	assert.Equal(t, chapterText, string(files[chapterName]))
	assert.Equal(t, coverData, files[coverName])
	assert.Equal(t, fontData, files[fontName])

	methods := map[string]uint16{}
	for _, f := range zr.File {
		methods[f.Name] = f.Method
		if f.Name == chapterName {
			assert.Equal(t, "c:"+chapterName, f.Comment)
		}
	}
	assert.Equal(t, zip.Store, methods[chapterName])
	assert.Equal(t, zip.Deflate, methods[coverName])
	assert.Equal(t, "archive comment", zr.Comment)
}

func TestDecryptAdept(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	tests := []struct {
		name    string
		keyType int
		encoded bool
	}{
		{"keyType 0", 0, false},
		{"keyType 0 base64 rights", 0, true},
		{"keyType 3 hardened", 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := buildAdept(t, key, tt.keyType, tt.encoded)
			v, err := Detect(input)
			require.NoError(t, err)
			assert.Equal(t, common.VariantAdept, v)

			out, err := NewDecryptor().Decrypt(context.Background(), input, credential.NewPool(adeptCredential(t, key)))
			require.NoError(t, err)
			assertDecrypted(t, out)
		})
	}
}

func TestDecryptPassHash(t *testing.T) {
	userKey := []byte("passhash-key-16b")
	wrapped, err := crypto.AESCBCPadEncrypt(userKey, make([]byte, 16), append([]byte("random prefix 16"), testBookKey...))
	require.NoError(t, err)
	rights := fmt.Sprintf(`<rights xmlns="http://ns.adobe.com/adept"><licenseToken>
<operatorURL>https://nook.barnesandnoble.com/fulfillment</operatorURL>
<encryptedKey>%s</encryptedKey></licenseToken></rights>`, base64.StdEncoding.EncodeToString(wrapped))
	drm := []zipEntry{
		{RightsName, []byte(rights), zip.Deflate},
		{EncryptionName, []byte(encryptionXML(AlgorithmAES128CBC, false)), zip.Deflate},
	}
	input := buildZip(t, bookEntries(drm, encryptResource(t, testBookKey, []byte(chapterText), true)))

	v, err := Detect(input)
	require.NoError(t, err)
	assert.Equal(t, common.VariantPassHash, v)

	wrong, err := credential.PassHashKeyRaw("wrong", []byte("0000000000000000"))
	require.NoError(t, err)
	good, err := credential.PassHashKeyRaw("good", userKey)
	require.NoError(t, err)

	out, err := NewDecryptor().Decrypt(context.Background(), input, credential.NewPool(wrong, good))
	require.NoError(t, err)
	assertDecrypted(t, out)
}

func buildLCP(t *testing.T, passphrase, profile string) []byte {
	t.Helper()
	contentKey := []byte("0123456789abcdef0123456789abcdef")
	userKey := UserKey(passphrase)
	id := "license-7f1c"
	keyCheck := encryptResource(t, userKey, []byte(id), false)
	wrappedKey := encryptResource(t, userKey, contentKey, false)
	license := fmt.Sprintf(`{"id":%q,"provider":"https://provider.example.com","encryption":{"profile":%q,
"content_key":{"algorithm":"http://www.w3.org/2001/04/xmlenc#aes256-cbc","encrypted_value":%q},
"user_key":{"algorithm":"http://www.w3.org/2001/04/xmlenc#sha256","text_hint":"the usual","key_check":%q}}}`,
		id, profile, base64.StdEncoding.EncodeToString(wrappedKey), base64.StdEncoding.EncodeToString(keyCheck))
	drm := []zipEntry{
		{LicenseName, []byte(license), zip.Deflate},
		{EncryptionName, []byte(encryptionXML(AlgorithmAES256CBC, true)), zip.Deflate},
	}
	return buildZip(t, bookEntries(drm, encryptResource(t, contentKey, []byte(chapterText), true)))
}

func TestDecryptLCP(t *testing.T) {
	input := buildLCP(t, "correct horse", ProfileBasic)
	v, err := Detect(input)
	require.NoError(t, err)
	assert.Equal(t, common.VariantLCP, v)

	pool := credential.NewPool(credential.LcpPassphrase("battery staple"), credential.LcpPassphrase("correct horse"))
	out, err := NewDecryptor().Decrypt(context.Background(), input, pool)
	require.NoError(t, err)
	assertDecrypted(t, out)

	_, err = NewDecryptor().Decrypt(context.Background(), input, credential.NewPool(credential.LcpPassphrase("nope")))
	assert.True(t, errors.IsKind(err, errors.KindWrongCredential))

	_, err = Detect(buildLCP(t, "x", "http://readium.org/lcp/profile-1.0"))
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedVersion))
}

func TestDecryptFailures(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	adeptBook := buildAdept(t, key, 0, false)
	plain := buildZip(t, bookEntries(nil, []byte(chapterText)))

	tests := []struct {
		name  string
		input []byte
		creds *credential.Pool
		kind  errors.Kind
	}{
		{"no credentials", adeptBook, credential.NewPool(), errors.KindExternalKeyRequired},
		{"only other kinds", adeptBook, credential.NewPool(credential.PdfPassword("pw")), errors.KindExternalKeyRequired},
		{"wrong private key", adeptBook, credential.NewPool(adeptCredential(t, other)), errors.KindWrongCredential},
		{"drm free", plain, credential.NewPool(), errors.KindDrmFree},
		{"not an epub", buildZip(t, []zipEntry{{"a.txt", []byte("x"), zip.Store}}), credential.NewPool(), errors.KindInvalidFormat},
		{"not a zip", []byte("garbage"), credential.NewPool(), errors.KindInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewDecryptor().Decrypt(context.Background(), tt.input, tt.creds)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, tt.kind), "got %v", err)
			if tt.kind == errors.KindDrmFree {
				require.NotNil(t, out)
				assert.Equal(t, tt.input, out.Data)
			}
		})
	}
}

func TestDecryptCanceled(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := NewDecryptor().Decrypt(ctx, buildAdept(t, key, 0, false), credential.NewPool(adeptCredential(t, key)))
	assert.Nil(t, out)
	assert.ErrorIs(t, err, errors.ErrDecryptOperationCanceled)
}

func TestParseEncryption(t *testing.T) {
	res, err := ParseEncryption([]byte(encryptionXML(AlgorithmAES256CBC, true)))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, Resource{Path: chapterName, Algorithm: AlgorithmAES256CBC, Compressed: true, Declared: true}, res[chapterName])
	assert.True(t, res[fontName].IsFont())

	res, err = ParseEncryption([]byte(`<encryption><EncryptedData><CipherData><CipherReference URI="OEBPS/a%20b.xhtml"/></CipherData></EncryptedData></encryption>`))
	require.NoError(t, err)
	assert.Contains(t, res, "OEBPS/a b.xhtml")

	_, err = ParseEncryption([]byte("<encryption>"))
	assert.True(t, errors.IsKind(err, errors.KindInvalidFormat))
}

func TestValidate(t *testing.T) {
	d := NewDecryptor()
	tests := []struct {
		name   string
		sample []byte
		want   bool
	}{
		{"xhtml", []byte(chapterText), true},
		{"css", []byte("body { margin: 0 }"), true},
		{"png", coverData, true},
		{"empty", nil, false},
		{"binary noise", []byte{0xC3, 0x28, 0xA0, 0xA1, 0xFE, 0xFF, 0x80, 0x81, 0xF8, 0x88, 0x80, 0x80}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Validate(tt.sample))
		})
	}
}
