package epub

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/drm/adept"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util/zlib"
)

// magics of binary resources found in books.
var magics = [][]byte{
	[]byte("\x89PNG"),
	[]byte("\xFF\xD8\xFF"),
	[]byte("GIF8"),
	[]byte("OTTO"),
	[]byte("\x00\x01\x00\x00"),
	[]byte("wOFF"),
	[]byte("wOF2"),
	[]byte("%PDF"),
	[]byte("RIFF"),
	[]byte("ID3"),
	[]byte("PK\x03\x04"),
}

// Decryptor removes ADEPT, PassHash and Readium LCP protection from EPUBs.
type Decryptor struct{}

func NewDecryptor() *Decryptor {
	return &Decryptor{}
}

func (d *Decryptor) Format() common.Format {
	return common.FormatEPUB
}

// Validate reports whether a decrypted resource looks like plaintext: markup,
// UTF-8 text or a known binary magic.
func (d *Decryptor) Validate(sample []byte) bool {
	s := bytes.TrimPrefix(sample, []byte("\xEF\xBB\xBF"))
	if len(s) == 0 {
		return false
	}
	for _, m := range magics {
		if bytes.HasPrefix(s, m) {
			return true
		}
	}
	if len(s) > 512 {
		s = s[:512]
	}
	// a multibyte rune cut at the window edge is fine
	for i := 0; i < utf8.UTFMax && len(s) > 0 && !utf8.Valid(s); i++ {
		s = s[:len(s)-1]
	}
	return utf8.Valid(s) && len(s) > 0
}

func (d *Decryptor) Decrypt(ctx context.Context, input []byte, creds credential.Provider) (*common.Output, error) {
	b, err := Open(input)
	if err != nil {
		return nil, err
	}

	var key []byte
	switch b.Variant {
	case common.VariantNone:
		return &common.Output{Data: input, Extension: "epub", Title: b.Title()}, errors.DrmFree("EPUB")
	case common.VariantAdept:
		key, err = d.findKey(ctx, b, "ADEPT", credential.KindAdeptPrivateKey, creds, func(c credential.Credential) ([]byte, error) {
			k, err := adept.UnwrapRSA(b.Rights, c.RSAKey())
			if err == nil && len(k) != adept.BookKeySize {
				return nil, errors.WrongCredentialReason("ADEPT", fmt.Sprintf("unwrapped key has %d bytes", len(k)))
			}
			return k, err
		})
	case common.VariantPassHash:
		key, err = d.findKey(ctx, b, "PassHash", credential.KindPassHashKey, creds, func(c credential.Credential) ([]byte, error) {
			return adept.UnwrapPassHash(b.Rights, c.Data)
		})
	case common.VariantLCP:
		key, err = d.findKey(ctx, b, "LCP", credential.KindLcpPassphrase, creds, func(c credential.Credential) ([]byte, error) {
			return b.License.ContentKey(UserKey(c.Text()))
		})
	default:
		return nil, errors.UnsupportedVersion("EPUB", b.Variant)
	}
	if err != nil {
		return nil, err
	}

	data, err := d.rewrite(ctx, b, key)
	if err != nil {
		return nil, err
	}
	return &common.Output{Data: data, Extension: "epub", Title: b.Title()}, nil
}

// findKey unwraps the book key with each credential of kind and keeps the
// first one that decrypts a sample resource.
func (d *Decryptor) findKey(ctx context.Context, b *Book, format string, kind credential.Kind, creds credential.Provider, unwrap func(credential.Credential) ([]byte, error)) ([]byte, error) {
	if !credential.Has(creds, kind) {
		return nil, errors.ExternalKeyRequired(format, kind.String())
	}

	tried := 0
	var last error
	for c := range creds.All(kind) {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		tried++
		key, err := unwrap(c)
		if err != nil {
			if !errors.IsKind(err, errors.KindWrongCredential) && !errors.IsKind(err, errors.KindInvalidArg) {
				return nil, err
			}
			last = err
			continue
		}
		if !d.checkKey(b, key) {
			last = nil
			continue
		}
		log.Debug().Str("credential", c.String()).Str("variant", string(b.Variant)).Msg("epub book key found")
		return key, nil
	}
	if tried == 1 && last != nil {
		return nil, last
	}
	return nil, errors.WrongCredential(format, tried)
}

// checkKey decrypts the first encrypted resource with key.
func (d *Decryptor) checkKey(b *Book, key []byte) bool {
	files := b.encrypted()
	if len(files) == 0 {
		return true
	}
	raw, err := common.ReadZipFile(files[0])
	if err != nil {
		return false
	}
	plain, err := b.decryptEntry(key, b.Resources[files[0].Name], raw)
	return err == nil && d.Validate(plain)
}

// decryptEntry strips the IV-prefixed AES-CBC layer and inflates the result
// when the resource was deflated before encryption. ADEPT resources without
// a Compression property are inflated when they can be.
func (b *Book) decryptEntry(key []byte, res Resource, raw []byte) ([]byte, error) {
	if err := checkAlgorithm(b.Variant, res.Algorithm, key); err != nil {
		return nil, err
	}
	plain, err := decryptResource(key, raw)
	if err != nil {
		return nil, err
	}
	switch {
	case res.Compressed:
		out, err := zlib.DecompressRaw(plain)
		if err != nil {
			return nil, errors.DecompressFailed("deflate", err)
		}
		return out, nil
	case !res.Declared && b.Variant != common.VariantLCP:
		if out, err := zlib.DecompressRaw(plain); err == nil {
			return out, nil
		}
	}
	return plain, nil
}

func checkAlgorithm(v common.Variant, alg string, key []byte) error {
	switch alg {
	case AlgorithmAES128CBC:
		if len(key) == 16 {
			return nil
		}
	case AlgorithmAES256CBC:
		if len(key) == 32 {
			return nil
		}
	case "":
		if v != common.VariantLCP {
			return nil
		}
	}
	return errors.UnsupportedVersion("EPUB", fmt.Sprintf("%s with a %d byte key", alg, len(key)))
}

// rewrite builds the decrypted archive: mimetype first and STORED, the DRM
// files dropped, every other entry in its original order and method.
func (d *Decryptor) rewrite(ctx context.Context, b *Book, key []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := common.NewZipWriter(&buf)
	if err := zw.WriteMimetype([]byte(common.EPUBMimetype)); err != nil {
		return nil, err
	}

	decrypted := 0
	for _, f := range b.zr.File {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		if drmEntries[f.Name] {
			continue
		}
		data, err := common.ReadZipFile(f)
		if err != nil {
			return nil, err
		}
		if res, ok := b.Resources[f.Name]; ok && !res.IsFont() {
			if data, err = b.decryptEntry(key, res, data); err != nil {
				return nil, errors.Wrap(err, errors.KindInvalidFormat, "decrypt "+f.Name)
			}
			decrypted++
		}
		if err := zw.CopyWith(&f.FileHeader, data, outputMethod(f)); err != nil {
			return nil, err
		}
	}
	if err := zw.SetComment(b.zr.Comment); err != nil {
		return nil, errors.WriteOutputFailed(err)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	log.Debug().Int("entries", len(b.zr.File)).Int("decrypted", decrypted).Msg("epub rewritten")
	return buf.Bytes(), nil
}

// outputMethod keeps STORED and DEFLATED; anything else is deflated.
func outputMethod(f *zip.File) uint16 {
	if f.Method == zip.Store {
		return zip.Store
	}
	return zip.Deflate
}
