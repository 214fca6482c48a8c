package crypto

import (
	"fmt"

	"github.com/sjzar/dedrm/internal/errors"
)

// PC1 is the Pukall cipher 1 stream cipher used by Mobipocket.
// The key must be 16 bytes.
func PC1(key, src []byte, decrypt bool) ([]byte, error) {
	if len(key) != 16 {
		return nil, errors.CryptoInternal("pc1", fmt.Errorf("key length %d", len(key)))
	}
	var wkey [8]uint16
	for i := range wkey {
		wkey[i] = uint16(key[i*2])<<8 | uint16(key[i*2+1])
	}

	var sum1, sum2 uint32
	dst := make([]byte, len(src))
	for i, b := range src {
		var temp1, byteXor uint32
		for j := uint32(0); j < 8; j++ {
			temp1 ^= uint32(wkey[j])
			sum2 = (sum2+j)*20021 + sum1
			sum1 = (temp1 * 346) & 0xFFFF
			sum2 = (sum2 + sum1) & 0xFFFF
			temp1 = (temp1*20021 + 1) & 0xFFFF
			byteXor ^= temp1 ^ sum2
		}

		var keyXor uint16
		if !decrypt {
			keyXor = uint16(b) * 257
		}
		cur := (b ^ byte(byteXor>>8)) ^ byte(byteXor)
		if decrypt {
			keyXor = uint16(cur) * 257
		}
		for j := range wkey {
			wkey[j] ^= keyXor
		}
		dst[i] = cur
	}
	return dst, nil
}
