package crypto

import (
	"crypto/des"
	"fmt"
	"math/bits"

	"github.com/sjzar/dedrm/internal/errors"
)

// FixDESKey gives every byte odd parity by toggling its high bit when the
// parity is even. This is the eReader key fix, not the DES parity-bit rule.
func FixDESKey(key []byte) []byte {
	out := make([]byte, len(key))
	for i, b := range key {
		if bits.OnesCount8(b)%2 == 0 {
			b ^= 0x80
		}
		out[i] = b
	}
	return out
}

// DESECBDecrypt decrypts 8-byte blocks with a single DES key.
// Trailing bytes that do not fill a block are dropped.
func DESECBDecrypt(key, data []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, errors.CryptoInternal("des key setup", err)
	}
	n := len(data) / des.BlockSize * des.BlockSize
	out := make([]byte, n)
	for i := 0; i < n; i += des.BlockSize {
		block.Decrypt(out[i:i+des.BlockSize], data[i:i+des.BlockSize])
	}
	return out, nil
}

func DESECBEncrypt(key, data []byte) ([]byte, error) {
	block, err := des.NewCipher(key)
	if err != nil {
		return nil, errors.CryptoInternal("des key setup", err)
	}
	if len(data)%des.BlockSize != 0 {
		return nil, errors.CryptoInternal("des encrypt", fmt.Errorf("input length %d", len(data)))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += des.BlockSize {
		block.Encrypt(out[i:i+des.BlockSize], data[i:i+des.BlockSize])
	}
	return out, nil
}
