package crypto

import (
	"bytes"
	"fmt"

	"github.com/sjzar/dedrm/internal/errors"
)

// PKCS7Unpad strips PKCS#7 padding. The pad byte must lie in [1, blockSize]
// and every padding byte must equal it.
func PKCS7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.BadPadding("empty input")
	}
	if len(data)%blockSize != 0 {
		return nil, errors.BadPadding(fmt.Sprintf("length %d not a multiple of %d", len(data), blockSize))
	}
	p := int(data[len(data)-1])
	if p == 0 || p > blockSize {
		return nil, errors.BadPadding(fmt.Sprintf("pad byte %d", p))
	}
	for _, b := range data[len(data)-p:] {
		if int(b) != p {
			return nil, errors.BadPadding("inconsistent pad bytes")
		}
	}
	return data[:len(data)-p], nil
}

func PKCS7Pad(data []byte, blockSize int) []byte {
	p := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+p)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(p)}, p)...)
}

// TrimLastBytePadding drops as many trailing bytes as the last byte says,
// without checking them. Some producers pad loosely.
func TrimLastBytePadding(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	p := int(data[len(data)-1])
	if p > len(data) {
		return data
	}
	return data[:len(data)-p]
}
