package kfx

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/drm/kfx/ion"
	"github.com/sjzar/dedrm/internal/errors"
)

// Lock parameters a PIDv3 strategy can name.
const (
	lockAccountSecret = "ACCOUNT_SECRET"
	lockClientID      = "CLIENT_ID"
	strategyPIDv3     = "PIDv3"
	licensePurchase   = "Purchase"
)

// Voucher is a parsed VoucherEnvelope: the wrapped book key set and the
// strategy that derives its key encryption key.
type Voucher struct {
	Version           int
	EncAlgorithm      string
	EncTransformation string
	HashAlgorithm     string
	LockParams        []string
	CipherIV          []byte
	CipherText        []byte
	LicenseType       string
}

func voucherError(reason string) error {
	return errors.InvalidFormat("KFX voucher", reason)
}

// ParseVoucher reads a VoucherEnvelope document.
func ParseVoucher(data []byte) (*Voucher, error) {
	r := ion.NewReader(data, catalog)
	if !r.Next() {
		if r.Err() != nil {
			return nil, r.Err()
		}
		return nil, voucherError("empty document")
	}
	name := r.TypeName()
	if r.Type() != ion.TypeStruct || !strings.HasPrefix(name, symVoucherEnvelope) {
		return nil, voucherError("expected VoucherEnvelope, got " + name)
	}
	version, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, symVoucherEnvelope), ".0"))
	if err != nil {
		return nil, errors.InvalidFormatCause("KFX voucher", "envelope version "+name, err)
	}

	v := &Voucher{Version: version, LicenseType: "Unknown"}
	var inner []byte
	if err := r.StepIn(); err != nil {
		return nil, err
	}
	for r.Next() {
		switch r.FieldName() {
		case "voucher":
			if inner, err = r.Lob(); err != nil {
				return nil, err
			}
		case "strategy":
			if r.TypeName() != symPIDv3 {
				return nil, errors.UnsupportedVersion("KFX voucher", "strategy "+r.TypeName())
			}
			if err := v.readStrategy(r); err != nil {
				return nil, err
			}
		}
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	if inner == nil {
		return nil, voucherError("no voucher payload")
	}
	if err := v.readVoucher(inner); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Voucher) readStrategy(r *ion.Reader) error {
	if err := r.StepIn(); err != nil {
		return err
	}
	for r.Next() {
		var err error
		switch r.FieldName() {
		case "encryption_algorithm":
			v.EncAlgorithm, err = r.StringValue()
		case "encryption_transformation":
			v.EncTransformation, err = r.StringValue()
		case "hashing_algorithm":
			v.HashAlgorithm, err = r.StringValue()
		case "lock_parameters":
			if err = r.StepIn(); err != nil {
				return err
			}
			for r.Next() {
				p, err := r.StringValue()
				if err != nil {
					return voucherError("lock_parameters is not a list of strings")
				}
				v.LockParams = append(v.LockParams, p)
			}
			err = r.StepOut()
		}
		if err != nil {
			return err
		}
	}
	if r.Err() != nil {
		return r.Err()
	}
	return r.StepOut()
}

func (v *Voucher) readVoucher(data []byte) error {
	r := ion.NewReader(data, catalog)
	if !r.Next() || r.Type() != ion.TypeStruct || r.TypeName() != symVoucher {
		if r.Err() != nil {
			return r.Err()
		}
		return voucherError("expected Voucher, got " + r.TypeName())
	}
	if err := r.StepIn(); err != nil {
		return err
	}
	for r.Next() {
		var err error
		switch r.FieldName() {
		case "cipher_iv":
			v.CipherIV, err = r.Lob()
		case "cipher_text":
			v.CipherText, err = r.Lob()
		case "license":
			if r.TypeName() != symLicense {
				return errors.UnsupportedVersion("KFX voucher", "license "+r.TypeName())
			}
			if err = r.StepIn(); err != nil {
				return err
			}
			for r.Next() {
				if r.FieldName() == "license_type" {
					if v.LicenseType, err = r.StringValue(); err != nil {
						return err
					}
				}
			}
			err = r.StepOut()
		}
		if err != nil {
			return err
		}
	}
	if r.Err() != nil {
		return r.Err()
	}
	if len(v.CipherIV) < crypto.AESBlockSize || len(v.CipherText) == 0 {
		return voucherError("missing cipher_iv or cipher_text")
	}
	return nil
}

// SharedSecret assembles the strategy string and the lock parameter values,
// sorted by parameter name, and obfuscates it for the envelope version.
func (v *Voucher) SharedSecret(dsn, secret []byte) ([]byte, error) {
	shared := []byte(strategyPIDv3 + v.EncAlgorithm + v.EncTransformation + v.HashAlgorithm)
	for _, p := range slices.Sorted(slices.Values(v.LockParams)) {
		switch p {
		case lockAccountSecret:
			shared = append(append(shared, p...), secret...)
		case lockClientID:
			shared = append(append(shared, p...), dsn...)
		default:
			return nil, errors.UnsupportedVersion("KFX voucher", "lock parameter "+p)
		}
	}
	return obfuscate(shared, v.Version)
}

// BookKey unwraps the book key with a device serial and account secret.
func (v *Voucher) BookKey(dsn, secret []byte) ([]byte, error) {
	shared, err := v.SharedSecret(dsn, secret)
	if err != nil {
		return nil, err
	}
	kek := crypto.HMACSHA256(shared, []byte(strategyPIDv3))
	plain, err := crypto.AESCBCDecryptUnpad(kek[:32], v.CipherIV[:crypto.AESBlockSize], v.CipherText)
	if err != nil {
		return nil, errors.WrongCredentialReason("KFX", "voucher secret does not match")
	}
	key, err := parseKeySet(plain)
	if errors.IsKind(err, errors.KindInvalidFormat) {
		return nil, errors.WrongCredentialReason("KFX", "voucher secret does not match")
	}
	return key, err
}

// parseKeySet returns the first SecretKey of a KeySet document.
func parseKeySet(data []byte) ([]byte, error) {
	r := ion.NewReader(data, catalog)
	if !r.Next() || r.Type() != ion.TypeList || r.TypeName() != symKeySet {
		if r.Err() != nil {
			return nil, r.Err()
		}
		return nil, voucherError("expected KeySet")
	}
	if err := r.StepIn(); err != nil {
		return nil, err
	}
	for r.Next() {
		if r.TypeName() != symSecretKey || r.Type() != ion.TypeStruct {
			continue
		}
		if err := r.StepIn(); err != nil {
			return nil, err
		}
		var key []byte
		for r.Next() {
			switch r.FieldName() {
			case "algorithm":
				if s, _ := r.StringValue(); s != "AES" {
					return nil, errors.UnsupportedVersion("KFX voucher", "key algorithm "+s)
				}
			case "format":
				if s, _ := r.StringValue(); s != "RAW" {
					return nil, errors.UnsupportedVersion("KFX voucher", "key format "+s)
				}
			case "encoded":
				b, err := r.Lob()
				if err != nil {
					return nil, err
				}
				key = append([]byte(nil), b...)
			}
		}
		if r.Err() != nil {
			return nil, r.Err()
		}
		if len(key) < crypto.AESBlockSize {
			return nil, voucherError(fmt.Sprintf("secret key of %d bytes", len(key)))
		}
		return key, nil
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	return nil, voucherError("KeySet has no SecretKey")
}
