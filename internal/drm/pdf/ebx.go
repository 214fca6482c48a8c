package pdf

import (
	"fmt"

	"github.com/sjzar/dedrm/internal/drm/adept"
	"github.com/sjzar/dedrm/internal/errors"
)

// ebxRights reads the ADEPT licence embedded in an EBX_HANDLER dictionary.
func ebxRights(enc Dict) (*adept.Rights, error) {
	lic, ok := enc.Str("ADEPT_LICENSE")
	if !ok {
		return nil, errors.InvalidFormat("PDF", "EBX_HANDLER without ADEPT_LICENSE")
	}
	return adept.ParseRights([]byte(lic))
}

// ebxSecurity picks the object key schedule from the unwrapped book key. A
// key one byte longer than /Length carries its schedule version in front.
func ebxSecurity(enc Dict, bookKey []byte) (*Security, error) {
	length := enc.Int("Length", 0) / 8
	ebxV := enc.Int("V", 4)
	v := 2
	switch {
	case length <= 0 || len(bookKey) == length:
		if ebxV == 3 {
			v = 3
		}
	case len(bookKey) == length+1:
		v = int(bookKey[0])
		bookKey = bookKey[1:]
	default:
		return nil, errors.WrongCredentialReason("PDF", fmt.Sprintf("book key has %d bytes, /Length wants %d", len(bookKey), length))
	}

	s, err := newSecurity(enc, bookKey, methodRC4)
	if err != nil {
		return nil, err
	}
	s.ebxV3 = v == 3
	return s, nil
}
