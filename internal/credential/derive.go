package credential

import (
	"encoding/binary"
	"strings"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/pkg/util"
)

// EReaderKeyFromNameCC builds CRC32(name) || CRC32(last 8 digits of cc),
// with the name reduced to lowercase letters and digits.
func EReaderKeyFromNameCC(name, cc string) Credential {
	cc = strings.ReplaceAll(cc, " ", "")
	key := make([]byte, 8)
	binary.BigEndian.PutUint32(key[0:4], crypto.CRC32([]byte(util.LowerAlnum(name))))
	binary.BigEndian.PutUint32(key[4:8], crypto.CRC32([]byte(util.Suffix(cc, 8))))
	return Credential{Kind: KindEReaderKey, Name: util.LowerAlnum(name), Data: key}
}

// PassHashKeyFromNameCC derives the Barnes & Noble user key.
func PassHashKeyFromNameCC(name, cc string) (Credential, error) {
	n := append([]byte(normalizePassHash(name)), 0)
	c := append([]byte(normalizePassHash(cc)), 0)

	nameSHA := crypto.SHA1(n)[:16]
	ccSHA := crypto.SHA1(c)[:16]
	both := crypto.SHA1(n, c)

	block := append(both, []byte(strings.Repeat("\x0c", 12))...)
	enc, err := crypto.AESCBCEncrypt(ccSHA, nameSHA, block)
	if err != nil {
		return Credential{}, err
	}
	userKey := crypto.SHA1(enc)
	return PassHashKeyRaw(normalizePassHash(name), userKey)
}

func normalizePassHash(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "")
}
