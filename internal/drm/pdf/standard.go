package pdf

import (
	"bytes"

	"golang.org/x/text/encoding/charmap"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/errors"
)

var passwordPad = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41, 0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80, 0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

// standardHandler is the password security handler, revisions 2 to 6.
type standardHandler struct {
	r        int
	keyLen   int
	o, u     []byte
	oe, ue   []byte
	perms    []byte
	p        uint32
	id       []byte
	metadata bool
}

func newStandardHandler(enc Dict, id []byte) (*standardHandler, error) {
	r := enc.Int("R", 0)
	switch {
	case r < 2:
		return nil, errors.InvalidFormat("PDF", "standard security revision missing")
	case r > 6:
		return nil, errors.UnsupportedVersion("PDF", r)
	}
	h := &standardHandler{r: r, id: id, metadata: true, p: uint32(int32(enc.Int("P", 0)))}
	if b, ok := enc.Get("EncryptMetadata").(Bool); ok {
		h.metadata = bool(b)
	}
	o, _ := enc.Str("O")
	u, _ := enc.Str("U")
	h.o, h.u = []byte(o), []byte(u)

	if r >= 5 {
		oe, _ := enc.Str("OE")
		ue, _ := enc.Str("UE")
		perms, _ := enc.Str("Perms")
		h.oe, h.ue, h.perms = []byte(oe), []byte(ue), []byte(perms)
		if len(h.o) < 48 || len(h.u) < 48 || len(h.oe) < 32 || len(h.ue) < 32 {
			return nil, errors.InvalidFormat("PDF", "short O/U/OE/UE entries")
		}
		h.keyLen = 32
		return h, nil
	}

	if len(h.o) < 32 || len(h.u) < 32 {
		return nil, errors.InvalidFormat("PDF", "short O/U entries")
	}
	h.keyLen = 5
	if r >= 3 {
		h.keyLen = min(max(enc.Int("Length", 40)/8, 5), 16)
		if enc.Int("V", 0) == 4 {
			h.keyLen = 16
		}
	}
	return h, nil
}

// authenticate tries password as the user and as the owner password and
// returns the file key.
func (h *standardHandler) authenticate(password string) ([]byte, bool) {
	if h.r >= 5 {
		return h.authenticateAES([]byte(password))
	}
	pw := latin1(password)
	if key, ok := h.checkUser(pw); ok {
		return key, true
	}
	return h.checkUser(h.userFromOwner(pw))
}

func latin1(s string) []byte {
	b, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return b
}

func pad(pw []byte) []byte {
	out := make([]byte, 0, 32)
	out = append(out, pw[:min(len(pw), 32)]...)
	return append(out, passwordPad[:32-len(out)]...)
}

// fileKey is algorithm 2: the key of a padded user password.
func (h *standardHandler) fileKey(padded []byte) []byte {
	var perm [4]byte
	perm[0], perm[1], perm[2], perm[3] = byte(h.p), byte(h.p>>8), byte(h.p>>16), byte(h.p>>24)
	parts := [][]byte{padded, h.o[:32], perm[:], h.id}
	if h.r >= 4 && !h.metadata {
		parts = append(parts, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	}
	key := crypto.MD5(parts...)
	if h.r >= 3 {
		for i := 0; i < 50; i++ {
			key = crypto.MD5(key[:h.keyLen])
		}
	}
	return key[:h.keyLen]
}

// checkUser is algorithms 4 and 5: recompute U and compare.
func (h *standardHandler) checkUser(pw []byte) ([]byte, bool) {
	key := h.fileKey(pad(pw))
	if h.r == 2 {
		u, err := crypto.RC4(key, passwordPad)
		return key, err == nil && bytes.Equal(u, h.u[:32])
	}
	u, err := crypto.RC4(key, crypto.MD5(passwordPad, h.id))
	if err != nil {
		return nil, false
	}
	if u, err = xorRounds(key, u, 1, 19); err != nil {
		return nil, false
	}
	return key, bytes.Equal(u, h.u[:16])
}

// userFromOwner is algorithm 7: decrypt O with the owner password to get
// the padded user password.
func (h *standardHandler) userFromOwner(pw []byte) []byte {
	k := crypto.MD5(pad(pw))
	if h.r >= 3 {
		for i := 0; i < 50; i++ {
			k = crypto.MD5(k)
		}
	}
	k = k[:h.keyLen]
	if h.r == 2 {
		out, _ := crypto.RC4(k, h.o[:32])
		return out
	}
	out := append([]byte(nil), h.o[:32]...)
	for i := 19; i >= 0; i-- {
		out, _ = xorRounds(k, out, i, i)
	}
	return out
}

// xorRounds applies RC4 with key^i for i in [from, to].
func xorRounds(key, data []byte, from, to int) ([]byte, error) {
	tmp := make([]byte, len(key))
	var err error
	for i := from; i <= to; i++ {
		for j := range key {
			tmp[j] = key[j] ^ byte(i)
		}
		if data, err = crypto.RC4(tmp, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// authenticateAES covers revisions 5 and 6: a SHA-256 based hash with the
// validation and key salts stored in U and O.
func (h *standardHandler) authenticateAES(pw []byte) ([]byte, bool) {
	if len(pw) > 127 {
		pw = pw[:127]
	}
	zero := make([]byte, crypto.AESBlockSize)
	var key []byte
	switch {
	case bytes.Equal(h.hash(pw, h.u[32:40], nil), h.u[:32]):
		key, _ = crypto.AESCBCDecrypt(h.hash(pw, h.u[40:48], nil), zero, h.ue[:32])
	case bytes.Equal(h.hash(pw, h.o[32:40], h.u[:48]), h.o[:32]):
		key, _ = crypto.AESCBCDecrypt(h.hash(pw, h.o[40:48], h.u[:48]), zero, h.oe[:32])
	}
	if key == nil {
		return nil, false
	}
	if h.r == 6 && len(h.perms) >= 16 {
		perms, err := crypto.AESECBDecrypt(key, h.perms[:16])
		if err != nil || string(perms[9:12]) != "adb" {
			return nil, false
		}
	}
	return key, true
}

func (h *standardHandler) hash(pw, salt, extra []byte) []byte {
	if h.r == 5 {
		return crypto.SHA256(pw, salt, extra)
	}
	return hash2B(pw, salt, extra)
}

// hash2B is the iterated hash of revision 6.
func hash2B(pw, salt, extra []byte) []byte {
	k := crypto.SHA256(pw, salt, extra)
	for i := 0; ; i++ {
		seq := make([]byte, 0, len(pw)+len(k)+len(extra))
		seq = append(append(append(seq, pw...), k...), extra...)
		e, err := crypto.AESCBCEncrypt(k[:16], k[16:32], bytes.Repeat(seq, 64))
		if err != nil {
			return nil
		}
		sum := 0
		for _, b := range e[:16] {
			sum += int(b)
		}
		switch sum % 3 {
		case 0:
			k = crypto.SHA256(e)
		case 1:
			k = crypto.SHA384(e)
		case 2:
			k = crypto.SHA512(e)
		}
		if i >= 63 && int(e[len(e)-1]) <= i-31 {
			break
		}
	}
	return k[:32]
}
