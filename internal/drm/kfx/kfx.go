// Package kfx removes DRM from KFX books: DRMION envelopes, alone or inside
// a kfx-zip archive, unlocked with a voucher and a Kindle device secret.
package kfx

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/drm/kfx/ion"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/internal/kindle"
)

const (
	extIon    = "ion"
	extKFXZip = "kfx-zip"
)

var zipMagic = []byte("PK\x03\x04")

// secretSplits are the (dsn, account secret) lengths a PID string is cut
// at. The first split matching the string length wins.
var secretSplits = [][2]int{{0, 0}, {16, 0}, {16, 40}, {32, 40}, {40, 0}, {40, 40}}

// Decryptor removes KFX DRM.
type Decryptor struct{}

func NewDecryptor() *Decryptor {
	return &Decryptor{}
}

func (d *Decryptor) Format() common.Format {
	return common.FormatKFX
}

// Validate checks that sample opens an Ion stream.
func (d *Decryptor) Validate(sample []byte) bool {
	return ion.HasBVM(sample)
}

// Detect tells a DRMION file, a kfx-zip archive and a plain Ion stream apart.
func Detect(data []byte) (common.Variant, error) {
	switch {
	case isDRMION(data):
		return common.VariantDRMION, nil
	case bytes.HasPrefix(data, zipMagic):
		zr, err := common.OpenZip("KFX", data)
		if err != nil {
			return common.VariantUnknown, err
		}
		for _, f := range zr.File {
			head, err := readHead(f)
			if err != nil {
				return common.VariantUnknown, err
			}
			if isDRMION(head) || ion.HasBVM(head) {
				return common.VariantKFXZip, nil
			}
		}
		return common.VariantUnknown, errors.InvalidFormat("KFX", "archive holds no Ion entries")
	case ion.HasBVM(data):
		return common.VariantIon, nil
	}
	return common.VariantUnknown, errors.InvalidFormat("KFX", "neither DRMION nor Ion")
}

func readHead(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.InvalidFormatCause("zip", "open entry "+f.Name, err)
	}
	defer rc.Close()
	head := make([]byte, len(drmionMagic))
	n, _ := io.ReadFull(rc, head)
	return head[:n], nil
}

func (d *Decryptor) Decrypt(ctx context.Context, input []byte, creds credential.Provider) (*common.Output, error) {
	variant, err := Detect(input)
	if err != nil {
		return nil, err
	}
	switch variant {
	case common.VariantDRMION:
		return d.decryptDRMION(ctx, input, creds)
	case common.VariantKFXZip:
		return d.decryptZip(ctx, input, creds)
	default:
		return &common.Output{Data: input, Extension: extIon}, errors.DrmFree("KFX")
	}
}

type voucherDoc struct {
	name string
	data []byte
}

func (d *Decryptor) decryptDRMION(ctx context.Context, input []byte, creds credential.Provider) (*common.Output, error) {
	payload, err := drmionPayload(input)
	if err != nil {
		return nil, err
	}
	id, encrypted, err := envelopeVoucher(payload)
	if err != nil {
		return nil, err
	}

	var key []byte
	if encrypted {
		docs := credentialVouchers(creds, id)
		if len(docs) == 0 {
			return nil, errors.ExternalKeyRequired("KFX", credential.KindKindleVoucher.String())
		}
		if key, err = unlock(ctx, docs, creds); err != nil {
			return nil, err
		}
	}
	out, err := d.open(ctx, payload, key)
	if err != nil {
		return nil, err
	}
	return &common.Output{Data: out, Extension: extIon}, nil
}

func (d *Decryptor) open(ctx context.Context, payload, key []byte) ([]byte, error) {
	out, err := decryptPayload(ctx, payload, key)
	if errors.IsKind(err, errors.KindBadPadding) {
		return nil, errors.WrongCredentialReason("KFX", "book key does not decrypt the pages")
	}
	if err != nil {
		return nil, err
	}
	if len(out) > 0 && !d.Validate(out) {
		return nil, errors.WrongCredentialReason("KFX", "decrypted pages are not Ion")
	}
	return out, nil
}

// credentialVouchers lists the KindleVoucher credentials, the one named id
// first.
func credentialVouchers(creds credential.Provider, id string) []voucherDoc {
	var named, rest []voucherDoc
	for c := range creds.All(credential.KindKindleVoucher) {
		doc := voucherDoc{name: c.Name, data: c.Data}
		if id != "" && c.Name == id {
			named = append(named, doc)
		} else {
			rest = append(rest, doc)
		}
	}
	return append(named, rest...)
}

func (d *Decryptor) decryptZip(ctx context.Context, input []byte, creds credential.Provider) (*common.Output, error) {
	zr, err := common.OpenZip("KFX", input)
	if err != nil {
		return nil, err
	}
	entries := make([][]byte, len(zr.File))
	var docs []voucherDoc
	drmion := 0
	for i, f := range zr.File {
		if entries[i], err = common.ReadZipFile(f); err != nil {
			return nil, err
		}
		switch {
		case isDRMION(entries[i]):
			drmion++
		case ion.HasBVM(entries[i]) && bytes.Contains(entries[i], []byte(symProtectedData)) && len(docs) == 0:
			docs = append(docs, voucherDoc{name: f.Name, data: entries[i]})
		}
	}
	if drmion == 0 {
		return &common.Output{Data: input, Extension: extKFXZip}, errors.DrmFree("KFX")
	}
	if len(docs) == 0 {
		return nil, errors.InvalidFormat("KFX", "DRMION entries without a voucher")
	}
	docs = append(docs, credentialVouchers(creds, "")...)

	key, err := unlock(ctx, docs, creds)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := common.NewZipWriter(&buf)
	for i, f := range zr.File {
		data := entries[i]
		if isDRMION(data) {
			payload, err := drmionPayload(data)
			if err != nil {
				return nil, err
			}
			if data, err = d.open(ctx, payload, key); err != nil {
				return nil, errors.Wrap(err, errors.GetKind(err), "decrypt "+f.Name)
			}
		}
		method := f.Method
		if method != zip.Store {
			method = zip.Deflate
		}
		if err := zw.CopyWith(&f.FileHeader, data, method); err != nil {
			return nil, err
		}
	}
	if err := zw.SetComment(zr.Comment); err != nil {
		return nil, errors.WriteOutputFailed(err)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	log.Debug().Int("entries", len(zr.File)).Int("decrypted", drmion).Msg("kfx-zip rewritten")
	return &common.Output{Data: buf.Bytes(), Extension: extKFXZip}, nil
}

type secretPair struct {
	dsn, secret string
}

// secretCandidates lists the (dsn, account secret) pairs to try: the empty
// pair, each device key's own pair, then every PID string split at the
// known lengths.
func secretCandidates(creds credential.Provider) []secretPair {
	seen := make(map[secretPair]bool)
	var out []secretPair
	add := func(p secretPair) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(secretPair{})
	for c := range creds.All(credential.KindKindleDeviceKey) {
		dsn, err := kindle.DSN(c)
		if err != nil {
			log.Debug().Err(err).Str("key", c.String()).Msg("skip device key")
			continue
		}
		add(secretPair{dsn: string(dsn), secret: string(kindle.AccountToken(c))})
	}
	for _, pid := range kindle.CandidatePIDs(creds, nil) {
		for _, s := range secretSplits {
			if len(pid) == s[0]+s[1] {
				add(secretPair{dsn: pid[:s[0]], secret: pid[s[0]:]})
				break
			}
		}
	}
	return out
}

// unlock tries every secret on every voucher and returns the book key of
// the first purchased voucher that opens.
func unlock(ctx context.Context, docs []voucherDoc, creds credential.Provider) ([]byte, error) {
	pairs := secretCandidates(creds)
	tried := 0
	var last error
	for _, doc := range docs {
		v, err := ParseVoucher(doc.data)
		if err != nil {
			log.Debug().Err(err).Str("voucher", doc.name).Msg("skip voucher")
			last = err
			continue
		}
		for _, p := range pairs {
			if err := common.CheckCanceled(ctx); err != nil {
				return nil, err
			}
			tried++
			key, err := v.BookKey([]byte(p.dsn), []byte(p.secret))
			if err == nil {
				if v.LicenseType != licensePurchase {
					return nil, errors.WrongCredentialReason("KFX", fmt.Sprintf("voucher license is %s, not %s", v.LicenseType, licensePurchase))
				}
				log.Debug().Str("voucher", doc.name).Int("version", v.Version).Int("tried", tried).Msg("kfx book key found")
				return key, nil
			}
			if !errors.IsKind(err, errors.KindWrongCredential) {
				return nil, err
			}
			last = err
		}
	}
	switch {
	case tried == 0:
		return nil, last
	case len(pairs) == 1:
		return nil, errors.ExternalKeyRequired("KFX", kindNames()...)
	case tried == 1:
		return nil, last
	}
	return nil, errors.WrongCredential("KFX", tried)
}

func kindNames() []string {
	names := make([]string, len(kindle.UsableKinds))
	for i, k := range kindle.UsableKinds {
		names[i] = k.String()
	}
	return names
}
