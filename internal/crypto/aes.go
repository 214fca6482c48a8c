package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/sjzar/dedrm/internal/errors"
)

const AESBlockSize = aes.BlockSize

func newAES(key []byte) (cipher.Block, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.CryptoInternal("aes key setup", err)
	}
	return block, nil
}

func checkBlocks(op string, data []byte) error {
	if len(data)%AESBlockSize != 0 {
		return errors.CryptoInternal(op, fmt.Errorf("input length %d is not a multiple of %d", len(data), AESBlockSize))
	}
	return nil
}

// AESECBDecrypt decrypts whole blocks independently.
func AESECBDecrypt(key, data []byte) ([]byte, error) {
	block, err := newAES(key)
	if err != nil {
		return nil, err
	}
	if err := checkBlocks("aes-ecb decrypt", data); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += AESBlockSize {
		block.Decrypt(out[i:i+AESBlockSize], data[i:i+AESBlockSize])
	}
	return out, nil
}

func AESECBEncrypt(key, data []byte) ([]byte, error) {
	block, err := newAES(key)
	if err != nil {
		return nil, err
	}
	if err := checkBlocks("aes-ecb encrypt", data); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += AESBlockSize {
		block.Encrypt(out[i:i+AESBlockSize], data[i:i+AESBlockSize])
	}
	return out, nil
}

// AESCBCDecrypt decrypts data without touching the padding.
func AESCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	block, err := newAES(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != AESBlockSize {
		return nil, errors.CryptoInternal("aes-cbc decrypt", fmt.Errorf("iv length %d", len(iv)))
	}
	if err := checkBlocks("aes-cbc decrypt", data); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func AESCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := newAES(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != AESBlockSize {
		return nil, errors.CryptoInternal("aes-cbc encrypt", fmt.Errorf("iv length %d", len(iv)))
	}
	if err := checkBlocks("aes-cbc encrypt", data); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// AESCBCDecryptUnpad decrypts and strips strict PKCS#7 padding.
func AESCBCDecryptUnpad(key, iv, data []byte) ([]byte, error) {
	plain, err := AESCBCDecrypt(key, iv, data)
	if err != nil {
		return nil, err
	}
	return PKCS7Unpad(plain, AESBlockSize)
}

// AESCBCPadEncrypt pads with PKCS#7 and encrypts.
func AESCBCPadEncrypt(key, iv, data []byte) ([]byte, error) {
	return AESCBCEncrypt(key, iv, PKCS7Pad(data, AESBlockSize))
}

// AESCTR applies the CTR keystream; encryption and decryption are the same.
func AESCTR(key, iv, data []byte) ([]byte, error) {
	block, err := newAES(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != AESBlockSize {
		return nil, errors.CryptoInternal("aes-ctr", fmt.Errorf("iv length %d", len(iv)))
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}
