package crypto

import (
	"crypto/rc4"

	"github.com/sjzar/dedrm/internal/errors"
)

// RC4 applies the RC4 keystream to data.
func RC4(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, errors.CryptoInternal("rc4 key setup", err)
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}
