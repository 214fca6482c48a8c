package kfx

import (
	"bytes"
	"context"
	"strings"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/drm/kfx/ion"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util/lzma"
)

// drmionMagic frames a DRMION file: eight bytes in front and eight bytes of
// trailer that carry no data.
var drmionMagic = []byte("\xeaDRMION\xee")

const drmionTrailer = 8

func isDRMION(data []byte) bool {
	return bytes.HasPrefix(data, drmionMagic)
}

// drmionPayload strips the DRMION framing.
func drmionPayload(data []byte) ([]byte, error) {
	if !isDRMION(data) || len(data) < len(drmionMagic)+drmionTrailer {
		return nil, errors.InvalidFormat("KFX", "not a DRMION file")
	}
	return data[len(drmionMagic) : len(data)-drmionTrailer], nil
}

type page struct {
	data       []byte
	iv         []byte
	encrypted  bool
	compressed bool
}

// walkEnvelope reads the doctype header and then every envelope of the
// payload up to enddoc, reporting the voucher ids named by envelope
// metadata and the pages in stream order.
func walkEnvelope(payload []byte, onVoucher func(id string) error, onPage func(p page) error) error {
	r := ion.NewReader(payload, catalog)
	if !r.Next() || r.Type() != ion.TypeSymbol || r.TypeName() != symDoctype {
		if r.Err() != nil {
			return r.Err()
		}
		return errors.InvalidFormat("KFX", "DRMION payload does not start with a doctype")
	}
	for r.Next() {
		if r.HasAnnotation(symEnddoc) {
			break
		}
		if r.Type() != ion.TypeList || !strings.HasPrefix(r.TypeName(), symEnvelopePrefix) {
			continue
		}
		if err := r.StepIn(); err != nil {
			return err
		}
		for r.Next() {
			var err error
			switch r.TypeName() {
			case symEnvelopeMetadata1, symEnvelopeMetadata2:
				err = readMetadata(r, onVoucher)
			case symEncryptedPage1, symEncryptedPage2:
				err = readPage(r, true, onPage)
			case symPlainText1, symPlainText2:
				err = readPage(r, false, onPage)
			}
			if err != nil {
				return err
			}
		}
		if r.Err() != nil {
			return r.Err()
		}
		if err := r.StepOut(); err != nil {
			return err
		}
	}
	return r.Err()
}

func readMetadata(r *ion.Reader, onVoucher func(id string) error) error {
	if err := r.StepIn(); err != nil {
		return err
	}
	for r.Next() {
		if r.FieldName() != "encryption_voucher" {
			continue
		}
		id, err := r.StringValue()
		if err != nil {
			return err
		}
		if err := onVoucher(id); err != nil {
			return err
		}
	}
	if r.Err() != nil {
		return r.Err()
	}
	return r.StepOut()
}

func readPage(r *ion.Reader, encrypted bool, onPage func(p page) error) error {
	p := page{encrypted: encrypted}
	if err := r.StepIn(); err != nil {
		return err
	}
	for r.Next() {
		if r.HasAnnotation(symCompressed) {
			p.compressed = true
		}
		var err error
		switch r.FieldName() {
		case "cipher_text", "data":
			p.data, err = r.Lob()
		case "cipher_iv":
			p.iv, err = r.Lob()
		}
		if err != nil {
			return err
		}
	}
	if r.Err() != nil {
		return r.Err()
	}
	if err := r.StepOut(); err != nil {
		return err
	}
	return onPage(p)
}

// envelopeVoucher returns the voucher id the payload is encrypted with and
// whether any page is encrypted at all.
func envelopeVoucher(payload []byte) (string, bool, error) {
	var id string
	encrypted := false
	err := walkEnvelope(payload,
		func(v string) error {
			if id != "" && v != id {
				return errors.InvalidFormat("KFX", "envelopes name different vouchers")
			}
			id = v
			return nil
		},
		func(p page) error {
			encrypted = encrypted || p.encrypted
			return nil
		})
	return id, encrypted, err
}

// decryptPayload decrypts and inflates every page of payload with the book
// key and concatenates them.
func decryptPayload(ctx context.Context, payload, key []byte) ([]byte, error) {
	var out bytes.Buffer
	err := walkEnvelope(payload,
		func(string) error { return nil },
		func(p page) error {
			if err := common.CheckCanceled(ctx); err != nil {
				return err
			}
			msg, err := p.open(key)
			if err != nil {
				return err
			}
			out.Write(msg)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (p page) open(key []byte) ([]byte, error) {
	msg := p.data
	if p.encrypted {
		if len(key) < crypto.AESBlockSize {
			return nil, errors.InvalidFormat("KFX", "encrypted page without a book key")
		}
		if len(p.iv) < crypto.AESBlockSize {
			return nil, errors.InvalidFormat("KFX", "encrypted page without cipher_iv")
		}
		var err error
		if msg, err = crypto.AESCBCDecryptUnpad(key[:crypto.AESBlockSize], p.iv[:crypto.AESBlockSize], p.data); err != nil {
			return nil, err
		}
	}
	if !p.compressed {
		return msg, nil
	}
	if len(msg) == 0 || msg[0] != 0 {
		return nil, errors.UnsupportedVersion("KFX", "LZMA filter")
	}
	out, err := lzma.Decompress(msg[1:])
	if err != nil {
		return nil, errors.DecompressFailed("LZMA", err)
	}
	return out, nil
}
