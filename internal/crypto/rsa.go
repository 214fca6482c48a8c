package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/sjzar/dedrm/internal/errors"
)

// ParsePKCS1PrivateKey accepts PKCS#1 DER and, as a fallback, PKCS#8 DER
// holding an RSA key.
func ParsePKCS1PrivateKey(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err == nil {
		return key, nil
	}
	parsed, err8 := x509.ParsePKCS8PrivateKey(der)
	if err8 == nil {
		if k, ok := parsed.(*rsa.PrivateKey); ok {
			return k, nil
		}
	}
	return nil, errors.CryptoInternal("parse rsa key", err)
}

// RSADecryptPKCS1v15 unwraps a PKCS#1 v1.5 type 2 block.
func RSADecryptPKCS1v15(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.CryptoInternal("rsa decrypt", fmt.Errorf("nil key"))
	}
	out, err := rsa.DecryptPKCS1v15(nil, key, data)
	if err != nil {
		return nil, errors.CryptoInternal("rsa decrypt", err)
	}
	return out, nil
}

// RSADecryptRaw performs the bare modular exponentiation and returns the
// result left-padded to the modulus size.
func RSADecryptRaw(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.CryptoInternal("rsa raw decrypt", fmt.Errorf("nil key"))
	}
	c := new(big.Int).SetBytes(data)
	if c.Cmp(key.N) >= 0 {
		return nil, errors.CryptoInternal("rsa raw decrypt", fmt.Errorf("ciphertext out of range"))
	}
	m := new(big.Int).Exp(c, key.D, key.N)
	out := make([]byte, key.Size())
	return m.FillBytes(out), nil
}
