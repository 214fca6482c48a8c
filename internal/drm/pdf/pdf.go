package pdf

import (
	"bytes"
	"context"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/drm/adept"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util/zlib"
)

// Decryptor removes Standard password and ADEPT (EBX_HANDLER) encryption
// from PDF documents.
type Decryptor struct{}

func NewDecryptor() *Decryptor {
	return &Decryptor{}
}

func (d *Decryptor) Format() common.Format {
	return common.FormatPDF
}

// Validate checks a decrypted stream: a zlib stream that inflates, or
// mostly text.
func (d *Decryptor) Validate(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	if len(sample) >= 2 && sample[0]&0x0F == 8 && (int(sample[0])<<8|int(sample[1]))%31 == 0 {
		out, err := zlib.DecompressLenient(sample)
		return err == nil && len(out) > 0
	}
	if len(sample) > 512 {
		sample = sample[:512]
	}
	text := 0
	for _, c := range sample {
		if c >= 0x20 && c < 0x7F || isSpace(c) {
			text++
		}
	}
	return text*10 >= len(sample)*9
}

// Detect reports the security handler of a PDF.
func Detect(data []byte) (common.Variant, error) {
	f, err := Parse(data)
	if err != nil {
		return common.VariantUnknown, err
	}
	enc, err := f.EncryptDict()
	if err != nil {
		return common.VariantUnknown, err
	}
	if enc == nil {
		return common.VariantNone, nil
	}
	v, _ := classify(enc)
	if v == common.VariantEBX {
		if r, err := ebxRights(enc); err == nil && r.IsPassHash() {
			return common.VariantPassHash, nil
		}
	}
	return v, nil
}

func (d *Decryptor) Decrypt(ctx context.Context, input []byte, creds credential.Provider) (*common.Output, error) {
	f, err := Parse(input)
	if err != nil {
		return nil, err
	}
	enc, err := f.EncryptDict()
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return &common.Output{Data: input, Extension: "pdf", Title: f.Title()}, errors.DrmFree("PDF")
	}

	var sec *Security
	switch variant, filter := classify(enc); variant {
	case common.VariantStandard:
		sec, err = d.standard(ctx, f, enc, creds)
	case common.VariantEBX:
		sec, err = d.ebx(ctx, f, enc, creds)
	default:
		return nil, errors.UnsupportedVersion("PDF", "security handler "+filter)
	}
	if err != nil {
		return nil, err
	}

	f.SetSecurity(sec)
	data, err := f.Rewrite(ctx)
	if err != nil {
		return nil, err
	}
	return &common.Output{Data: data, Extension: "pdf", Title: f.Title()}, nil
}

// standard tries the empty password and then every PdfPassword, each as
// user and as owner password.
func (d *Decryptor) standard(ctx context.Context, f *File, enc Dict, creds credential.Provider) (*Security, error) {
	h, err := newStandardHandler(enc, f.ID())
	if err != nil {
		return nil, err
	}
	legacy := methodRC4
	if key, ok := h.authenticate(""); ok {
		log.Debug().Int("revision", h.r).Msg("pdf opens with the empty password")
		return newSecurity(enc, key, legacy)
	}
	if !credential.Has(creds, credential.KindPdfPassword) {
		return nil, errors.ExternalKeyRequired("PDF", credential.KindPdfPassword.String())
	}
	tried := 0
	for c := range creds.All(credential.KindPdfPassword) {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		tried++
		if key, ok := h.authenticate(c.Text()); ok {
			log.Debug().Int("revision", h.r).Str("credential", c.String()).Msg("pdf password accepted")
			return newSecurity(enc, key, legacy)
		}
	}
	return nil, errors.WrongCredential("PDF", tried)
}

// ebx unwraps the ADEPT book key with the private keys or, for PassHash
// licences, the user keys in the pool.
func (d *Decryptor) ebx(ctx context.Context, f *File, enc Dict, creds credential.Provider) (*Security, error) {
	rights, err := ebxRights(enc)
	if err != nil {
		return nil, err
	}
	format, kind := "ADEPT", credential.KindAdeptPrivateKey
	unwrap := func(c credential.Credential) ([]byte, error) {
		return adept.UnwrapRSA(rights, c.RSAKey())
	}
	if rights.IsPassHash() {
		format, kind = "PassHash", credential.KindPassHashKey
		unwrap = func(c credential.Credential) ([]byte, error) {
			return adept.UnwrapPassHash(rights, c.Data)
		}
	}
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
		bookKey, err := unwrap(c)
		if err == nil {
			var sec *Security
			if sec, err = ebxSecurity(enc, bookKey); err == nil {
				if d.probe(f, sec) {
					log.Debug().Str("credential", c.String()).Bool("v3", sec.ebxV3).Msg("pdf book key found")
					return sec, nil
				}
				last = nil
				continue
			}
		}
		if !errors.IsKind(err, errors.KindWrongCredential) && !errors.IsKind(err, errors.KindInvalidArg) {
			return nil, err
		}
		last = err
	}
	if tried == 1 && last != nil {
		return nil, last
	}
	return nil, errors.WrongCredential(format, tried)
}

// probe decrypts the first encrypted stream with sec and validates it.
func (d *Decryptor) probe(f *File, sec *Security) bool {
	for _, num := range f.Numbers() {
		if num == f.encryptNum || f.xref[num].kind != entryInUse {
			continue
		}
		_, gen, o, err := f.readAt(f.xref[num].offset)
		if err != nil {
			continue
		}
		s, ok := o.(*Stream)
		if !ok || len(s.Data) == 0 {
			continue
		}
		m := sec.streamMethod(s.Dict)
		if m == methodIdentity {
			continue
		}
		plain, err := sec.decrypt(m, num, gen, s.Data)
		return err == nil && d.Validate(plain)
	}
	return true
}

// Title reads /Title from the document information dictionary.
func (f *File) Title() string {
	o, err := f.Resolve(f.Trailer.Get("Info"))
	if err != nil {
		return ""
	}
	info, ok := o.(Dict)
	if !ok {
		return ""
	}
	t, err := f.Resolve(info.Get("Title"))
	if err != nil {
		return ""
	}
	s, ok := t.(String)
	if !ok {
		return ""
	}
	return textString([]byte(s))
}

// textString decodes UTF-16BE text strings and falls back on Latin-1 for
// PDFDocEncoding.
func textString(b []byte) string {
	if bytes.HasPrefix(b, []byte{0xFE, 0xFF}) {
		out, err := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(b)
		if err == nil {
			return string(out)
		}
	}
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}
