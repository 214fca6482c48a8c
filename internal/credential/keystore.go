package credential

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/errors"
)

// Sealed keystore layout:
//
//	magic[8] kdf[1] iterations[4, BE] salt[16] iv[16] ciphertext
//
// The plaintext is the JSON form of a Bundle, PKCS#7 padded and encrypted
// with AES-256-CBC under a PBKDF2 key.
const (
	keystoreMagic = "DEDRMKS1"

	KDFPBKDF2SHA1   byte = 1
	KDFPBKDF2SHA256 byte = 2

	DefaultKeystoreIterations = 100000
	keystoreSaltSize          = 16
	keystoreHeaderSize        = len(keystoreMagic) + 1 + 4 + keystoreSaltSize + crypto.AESBlockSize
)

// Seal encrypts every credential of p under passphrase.
func Seal(p *Pool, passphrase string) ([]byte, error) {
	return SealWith(p, passphrase, KDFPBKDF2SHA256, DefaultKeystoreIterations)
}

func SealWith(p *Pool, passphrase string, kdf byte, iterations int) ([]byte, error) {
	if iterations <= 0 {
		return nil, errors.InvalidArg("iterations")
	}
	plain, err := json.Marshal(BundleOf(p))
	if err != nil {
		return nil, errors.New(err, errors.KindInternal, "encode keystore")
	}

	salt := make([]byte, keystoreSaltSize)
	iv := make([]byte, crypto.AESBlockSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.CryptoInternal("keystore salt", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.CryptoInternal("keystore iv", err)
	}

	key, err := keystoreKey(kdf, passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	ct, err := crypto.AESCBCPadEncrypt(key, iv, plain)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(keystoreMagic)
	buf.WriteByte(kdf)
	binary.Write(&buf, binary.BigEndian, uint32(iterations))
	buf.Write(salt)
	buf.Write(iv)
	buf.Write(ct)
	return buf.Bytes(), nil
}

// Unseal opens a keystore. A wrong passphrase yields WrongCredential.
func Unseal(data []byte, passphrase string) (*Pool, error) {
	if len(data) < keystoreHeaderSize+crypto.AESBlockSize || string(data[:len(keystoreMagic)]) != keystoreMagic {
		return nil, errors.InvalidFormat("keystore", "bad header")
	}
	off := len(keystoreMagic)
	kdf := data[off]
	off++
	iterations := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	salt := data[off : off+keystoreSaltSize]
	off += keystoreSaltSize
	iv := data[off : off+crypto.AESBlockSize]
	off += crypto.AESBlockSize

	key, err := keystoreKey(kdf, passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.AESCBCDecryptUnpad(key, iv, data[off:])
	if err != nil {
		if errors.IsKind(err, errors.KindBadPadding) {
			return nil, errors.WrongCredentialReason("keystore", "wrong passphrase")
		}
		return nil, err
	}

	var b Bundle
	if err := json.Unmarshal(plain, &b); err != nil {
		return nil, errors.WrongCredentialReason("keystore", "wrong passphrase")
	}
	creds, err := b.Credentials()
	if err != nil {
		return nil, err
	}
	return NewPool(creds...), nil
}

func keystoreKey(kdf byte, passphrase string, salt []byte, iterations int) ([]byte, error) {
	switch kdf {
	case KDFPBKDF2SHA1:
		return crypto.PBKDF2SHA1([]byte(passphrase), salt, iterations, 32), nil
	case KDFPBKDF2SHA256:
		return crypto.PBKDF2SHA256([]byte(passphrase), salt, iterations, 32), nil
	default:
		return nil, errors.UnsupportedVersion("keystore kdf", fmt.Sprintf("%d", kdf))
	}
}
