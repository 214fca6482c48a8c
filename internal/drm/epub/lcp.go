package epub

import (
	"encoding/base64"
	"encoding/json"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/errors"
)

// ProfileBasic is the only LCP profile whose user key derivation is public.
const ProfileBasic = "http://readium.org/lcp/basic-profile"

// License is the subset of license.lcpl used for decryption.
type License struct {
	ID         string `json:"id"`
	Provider   string `json:"provider"`
	Encryption struct {
		Profile    string `json:"profile"`
		ContentKey struct {
			EncryptedValue string `json:"encrypted_value"`
			Algorithm      string `json:"algorithm"`
		} `json:"content_key"`
		UserKey struct {
			TextHint  string `json:"text_hint"`
			Algorithm string `json:"algorithm"`
			KeyCheck  string `json:"key_check"`
		} `json:"user_key"`
	} `json:"encryption"`
}

func ParseLicense(data []byte) (*License, error) {
	var l License
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, errors.InvalidFormatCause("LCP", "bad license.lcpl", err)
	}
	if l.ID == "" || l.Encryption.ContentKey.EncryptedValue == "" {
		return nil, errors.InvalidFormat("LCP", "license.lcpl lacks id or content key")
	}
	if l.Encryption.Profile != "" && l.Encryption.Profile != ProfileBasic {
		return nil, errors.UnsupportedVersion("LCP", l.Encryption.Profile)
	}
	return &l, nil
}

// UserKey derives the basic profile user key from a passphrase.
func UserKey(passphrase string) []byte {
	return crypto.SHA256([]byte(passphrase))
}

// ContentKey checks the user key against the licence and unwraps the
// content key.
func (l *License) ContentKey(userKey []byte) ([]byte, error) {
	check, err := decryptIVPrefixed(userKey, l.Encryption.UserKey.KeyCheck)
	if err != nil || string(check) != l.ID {
		return nil, errors.WrongCredentialReason("LCP", "passphrase does not match the licence")
	}
	key, err := decryptIVPrefixed(userKey, l.Encryption.ContentKey.EncryptedValue)
	if err != nil {
		return nil, errors.InvalidFormatCause("LCP", "content key", err)
	}
	return key, nil
}

func decryptIVPrefixed(key []byte, b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.InvalidFormatCause("LCP", "bad base64", err)
	}
	return decryptResource(key, data)
}

// decryptResource decrypts AES-CBC data whose first block is the IV.
func decryptResource(key, data []byte) ([]byte, error) {
	if len(data) < 2*crypto.AESBlockSize {
		return nil, errors.BadPadding("resource shorter than two blocks")
	}
	return crypto.AESCBCDecryptUnpad(key, data[:crypto.AESBlockSize], data[crypto.AESBlockSize:])
}
