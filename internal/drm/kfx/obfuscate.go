package kfx

import (
	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/errors"
)

type obfuscation struct {
	magic int
	word  string
}

// voucherObfuscation holds the shuffle width and the hashed word of every
// VoucherEnvelope version. Version 1 does not obfuscate.
var voucherObfuscation = map[int]obfuscation{
	2:    {0x05, "Antidisestablishmentarianism"},
	3:    {0x08, "Floccinaucinihilipilification"},
	4:    {0x07, ">\x14\x0c\x12\x10-\x13&\x18U\x1d\x05Rlt\x03!\x19\x1b\x13\x04]Y\x19,\x09\x1b"},
	5:    {0x06, "~\x18~\x16J\\\x18\x10\x05\x0b\x07\x09\x0cZ\x0d|\x1c\x15\x1d\x11>,\x1b\x0e\x03\"4\x1b\x01"},
	6:    {0x09, "3h\x055\x03[^>\x19\x1c\x08\x1b\x0dtm4\x02Rp\x0c\x16B\x0a"},
	7:    {0x05, "\x10\x1bJ\x18\x0ah!\x10\"\x03>Z'\x0d\x01]W\x06\x1c\x1e?\x0f\x13"},
	8:    {0x09, "K\x0c6\x1d\x1a\x17pO}Rk\x1d'w1^\x1f$\x1c{C\x02Q\x06\x1d`"},
	9:    {0x05, "X.\x0eW\x1c*K\x12\x12\x09\x0a\x0a\x17Wx\x01\x02Yf\x0f\x18\x1bVXPi\x01"},
	10:   {0x07, "z3\x0a\x039\x12\x13`\x06=v,\x02MTK\x1e%}L\x1c\x1f\x15\x0c\x11\x02\x0c\x0a8\x17p"},
	11:   {0x05, "L=\x0ahVm\x07go\x0a6\x14\x06\x16L\x0d\x02\x0b\x0c\x1b\x04#p\x09"},
	12:   {0x06, ",n\x1d\x0dl\x13\x1c\x13\x16p\x14\x07U\x0c\x1f\x19w\x16\x16\x1d5T"},
	13:   {0x07, "I\x05\x09\x08\x03r)\x01$N\x0fr3n\x0b062D\x0f\x13"},
	14:   {0x05, "\x03\x02\x1c9\x19\x15\x15q\x1057\x08\x16\x0cF\x1b.Fw\x01\x12\x03\x13\x02\x17S'hk6"},
	15:   {0x0A, "&,4B\x1dcI\x0bU\x03I\x07\x04\x1c\x09\x05c\x07%ws\x0cj\x09\x1a\x08\x0f"},
	16:   {0x0A, "\x06\x18`h,b><\x06PqR\x02Zc\x034\x0a\x16\x1e\x18\x06#e"},
	17:   {0x07, "y\x0d\x12\x08fw.[\x02\x09\x0a\x13\x11\x0c\x11b\x1e8L\x10(\x13<Jx6c\x0f"},
	18:   {0x07, "I\x0b\x0e,\x19\x1aIa\x10s\x19g\\\x1b\x11!\x18yf\x0f\x09\x1d7[bSp\x03"},
	19:   {0x05, "\x0a6>)N\x02\x188\x016s\x13\x14\x1b\x16jeN\x0a\x146\x04\x18\x1c\x0c\x19\x1f,\x02]"},
	20:   {0x08, "_\x0d\x01\x12]\\\x14*\x17i\x14\x0d\x09!\x1e,~hZ\x12jK\x17\x1e*1"},
	21:   {0x07, "e\x1d\x19|\x09y\x1di|N\x13\x0e\x04\x1bj<h\x13\x15k\x12\x08=\x1f\x16~\x13l"},
	22:   {0x08, "?\x17yi$k7Pc\x09Eo\x0c\x07\x07\x09\x1f,*i\x12\x0cI0\x10I\x1a?2\x04"},
	23:   {0x08, "\x16+db\x13\x04\x18\x0dc%\x14\x17\x0f\x13F\x0c[\x099\x1ay\x01\x1eH"},
	24:   {0x06, "|6\\\x1a\x0d\x10\x0aP\x07\x0fu\x1f\x09,\x0dr`uv\\~55\x11]N"},
	25:   {0x09, "\x07\x14w\x1e,^y\x01:\x08\x07\x1fr\x09U#j\x16\x12\x1eB\x04\x16=\x06fZ\x07\x02\x06"},
	26:   {0x06, "\x03IL\x1e\"K\x1f\x0f\x1fp0\x01`X\x02z0`\x03\x0eN\x07"},
	27:   {0x07, "Xk\x10y\x02\x18\x10\x17\x1d,\x0e\x05e\x10\x15\"e\x0fh(\x06s\x1c\x08I\x0c\x1b\x0e"},
	28:   {0x0A, "6P\x1bs\x0f\x06V.\x1cM\x14\x02\x0a\x1b\x07{P0:\x18zaU\x05"},
	9708: {0x05, "\x1diIm\x08a\x17\x1e!am\x1d\x1aQ.\x16!\x06*\\}x04\x11\x09\x06\x04?"},
	1031: {0x08, "Antidisestablishmentarianism"},
	2069: {0x07, "Floccinaucinihilipilification"},
	9041: {0x06, ">\x14\x0c\x12\x10-\x13&\x18U\x1d\x05Rlt\x03!\x19\x1b\x13\x04]Y\x19,\x09\x1b"},
	3646: {0x09, "~\x18~\x16J\\\x18\x10\x05\x0b\x07\x09\x0cZ\x0d|\x1c\x15\x1d\x11>,\x1b\x0e\x03\"4\x1b\x01"},
	6052: {0x05, "3h\x055\x03[^>\x19\x1c\x08\x1b\x0dtm4\x02Rp\x0c\x16B\x0a"},
	9479: {0x09, "\x10\x1bJ\x18\x0ah!\x10\"\x03>Z'\x0d\x01]W\x06\x1c\x1e?\x0f\x13"},
	9888: {0x05, "K\x0c6\x1d\x1a\x17pO}Rk\x1d'w1^\x1f$\x1c{C\x02Q\x06\x1d`"},
	4648: {0x07, "X.\x0eW\x1c*K\x12\x12\x09\x0a\x0a\x17Wx\x01\x02Yf\x0f\x18\x1bVXPi\x01"},
	5683: {0x05, "z3\x0a\x039\x12\x13`\x06=v,\x02MTK\x1e%}L\x1c\x1f\x15\x0c\x11\x02\x0c\x0a8\x17p"},
}

// obfuscate pads secret to a multiple of the version's magic, transposes it
// into magic columns and XORs each byte with the low half of SHA-256(word).
func obfuscate(secret []byte, version int) ([]byte, error) {
	if version == 1 {
		return secret, nil
	}
	o, ok := voucherObfuscation[version]
	if !ok {
		return nil, errors.UnsupportedVersion("KFX voucher", version)
	}
	if r := len(secret) % o.magic; r != 0 {
		secret = append(append([]byte(nil), secret...), make([]byte, o.magic-r)...)
	}
	hash := crypto.SHA256([]byte(o.word))
	step := len(secret) / o.magic
	out := make([]byte, len(secret))
	for i, c := range secret {
		idx := i/step + o.magic*(i%step)
		out[idx] = c ^ hash[idx%16]
	}
	return out, nil
}
