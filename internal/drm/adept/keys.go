package adept

import (
	"crypto/rsa"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/errors"
)

// BookKeySize is the AES-128 book key length.
const BookKeySize = 16

// UnwrapRSA recovers the book key of an ADEPT licence with the user's
// private key. Hardened keys are unwrapped first.
func UnwrapRSA(r *Rights, key *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := r.WrappedKey()
	if err != nil {
		return nil, err
	}
	if wrapped, err = RemoveHardening(r, wrapped); err != nil {
		return nil, err
	}
	bookKey, err := crypto.RSADecryptPKCS1v15(key, wrapped)
	if err != nil {
		return nil, errors.WrongCredentialReason("ADEPT", "private key does not match the licence")
	}
	return bookKey, nil
}

// UnwrapPassHash recovers the book key of a PassHash licence: the wrapped
// key is AES-CBC with a zero IV and the book key is the last 16 bytes.
func UnwrapPassHash(r *Rights, userKey []byte) ([]byte, error) {
	wrapped, err := r.WrappedKey()
	if err != nil {
		return nil, err
	}
	if len(userKey) < BookKeySize {
		return nil, errors.InvalidCredential("PassHashKey", fmt.Sprintf("length %d", len(userKey)))
	}
	plain, err := crypto.AESCBCDecryptUnpad(userKey[:BookKeySize], make([]byte, crypto.AESBlockSize), wrapped)
	if err != nil || len(plain) < BookKeySize {
		return nil, errors.WrongCredentialReason("PassHash", "user key does not match the licence")
	}
	return plain[len(plain)-BookKeySize:], nil
}

// RemoveHardening undoes the AES layer that licences with keyType > 2 put
// around the RSA wrapped key.
func RemoveHardening(r *Rights, wrapped []byte) ([]byte, error) {
	if r.KeyType <= 2 {
		return wrapped, nil
	}
	iv, err := hardeningIV(r)
	if err != nil {
		return nil, err
	}
	out, err := crypto.AESCBCDecryptUnpad(hardeningKEK(r.KeyType), iv, wrapped)
	if err != nil {
		return nil, errors.InvalidFormatCause("ADEPT", fmt.Sprintf("hardened key (keyType %d)", r.KeyType), err)
	}
	return out, nil
}

// Harden applies the keyType > 2 layer. It is the inverse of
// RemoveHardening and is used to build licences.
func Harden(r *Rights, wrapped []byte) ([]byte, error) {
	if r.KeyType <= 2 {
		return wrapped, nil
	}
	iv, err := hardeningIV(r)
	if err != nil {
		return nil, err
	}
	return crypto.AESCBCPadEncrypt(hardeningKEK(r.KeyType), iv, wrapped)
}

// hardeningIV XORs the resource, device and fulfillment UUIDs. Only the
// first 36 characters of the fulfillment id are the UUID.
func hardeningIV(r *Rights) ([]byte, error) {
	fulfillment := strings.TrimPrefix(r.Fulfillment, "urn:uuid:")
	fulfillment = fulfillment[:min(36, len(fulfillment))]

	iv := make([]byte, 16)
	for _, s := range []string{r.Resource, r.Device, fulfillment} {
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, errors.InvalidFormatCause("ADEPT", fmt.Sprintf("bad uuid %q", s), err)
		}
		for i := range iv {
			iv[i] ^= u[i]
		}
	}
	return iv, nil
}

// hardeningKEK slices 16 bytes of SHA256(keyType) at 2*(keyType%16). Offsets
// past the digest wrap around to its start.
func hardeningKEK(keyType int) []byte {
	sum := crypto.SHA256([]byte(strconv.Itoa(keyType)))
	ring := append(sum, sum...)
	off := 2 * (keyType % 16)
	return ring[off : off+16]
}
