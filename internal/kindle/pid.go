package kindle

import (
	"hash/crc32"
	"strings"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/errors"
)

// Encode maps every byte to two characters of m. Decode inverts it for maps
// of 32 or 64 characters.
func Encode(data []byte, m string) []byte {
	n := len(m)
	out := make([]byte, 0, len(data)*2)
	for _, v := range data {
		out = append(out, m[int(v^0x80)/n], m[int(v)%n])
	}
	return out
}

func Decode(data []byte, m string) []byte {
	n := len(m)
	out := make([]byte, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		high := strings.IndexByte(m, data[i])
		low := strings.IndexByte(m, data[i+1])
		if high < 0 || low < 0 {
			break
		}
		out = append(out, byte(((high*n)^0x80)&0xFF+low))
	}
	return out
}

// EncodeHash is Encode(MD5(data)).
func EncodeHash(data []byte, m string) []byte {
	return Encode(crypto.MD5(data), m)
}

func twoBits(field []byte, offset int) int {
	return int(field[offset/4]>>(6-2*(offset%4))) & 3
}

func sixBits(field []byte, offset int) int {
	offset *= 3
	return twoBits(field, offset)<<4 + twoBits(field, offset+1)<<2 + twoBits(field, offset+2)
}

// EncodePID turns a SHA-1 digest into an 8 char PID.
func EncodePID(hash []byte) string {
	var sb strings.Builder
	for pos := 0; pos < 8; pos++ {
		sb.WriteByte(CharMap3[sixBits(hash, pos)])
	}
	return sb.String()
}

// ChecksumPID appends the two checksum characters.
func ChecksumPID(s string) string {
	crc := crypto.CRC32Kindle([]byte(s))
	crc ^= crc >> 16
	l := uint32(len(CharMap4))
	res := []byte(s)
	for i := 0; i < 2; i++ {
		b := crc & 0xFF
		pos := (b / l) ^ (b % l)
		res = append(res, CharMap4[pos%l])
		crc >>= 8
	}
	return string(res)
}

// PIDFromSerial is the pre-2.5 firmware PID of a Kindle serial.
func PIDFromSerial(s []byte, l int) string {
	crc := crypto.CRC32Kindle(s)
	arr := make([]byte, l)
	for i, c := range s {
		arr[i%l] ^= c
	}
	crcBytes := []byte{byte(crc >> 24), byte(crc >> 16), byte(crc >> 8), byte(crc)}
	for i := range arr {
		arr[i] ^= crcBytes[i&3]
	}
	out := make([]byte, l)
	for i, b := range arr {
		out[i] = CharMap4[int(b>>7)+int((b>>5&3)^(b&0x1F))]
	}
	return string(out)
}

func pidSeed(dsn []byte) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(dsn); i++ {
		v = (v >> 8) ^ crc32.IEEETable[(uint32(dsn[i])^v)&0xFF]
	}
	return v
}

// DevicePID derives the checksummed device PID from a DSN.
func DevicePID(dsn []byte) string {
	seed := pidSeed(dsn)
	pid := []byte{
		byte(seed >> 24), byte(seed >> 16), byte(seed >> 8), byte(seed),
		byte(seed >> 24), byte(seed >> 16), byte(seed >> 8), byte(seed),
	}
	idx := 0
	for i := 0; i < 4 && i < len(dsn); i++ {
		pid[idx] ^= dsn[i]
		idx = (idx + 1) % 8
	}
	out := make([]byte, 8)
	for i, p := range pid {
		out[i] = CharMap4[int(((p>>5)&3)^p)&0x1F+int(p>>7)]
	}
	return ChecksumPID(string(out))
}

// BookMeta carries the per-book PID inputs: EXTH 209 (or the Topaz keys
// record) and the token assembled from the records it names.
type BookMeta struct {
	Rec209 []byte
	Token  []byte
}

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// SerialPIDs derives the PIDs of a Kindle serial. Without book metadata the
// serial itself is the only candidate.
func SerialPIDs(serial string, meta *BookMeta) []string {
	if meta == nil {
		return []string{serial}
	}
	s := []byte(serial)
	return []string{
		ChecksumPID(EncodePID(crypto.SHA1(join(s, meta.Rec209, meta.Token)))),
		ChecksumPID(PIDFromSerial(s, 7) + "*"),
	}
}

// DeviceKey is read access to a Kindle device key database.
type DeviceKey interface {
	Field(name string) ([]byte, bool)
}

// DSN returns the stored DSN or derives it from the Mazama random number,
// the serial or ID string, and the user name.
func DSN(db DeviceKey) ([]byte, error) {
	if dsn, ok := db.Field(FieldDSN); ok {
		return dsn, nil
	}
	mazama, ok := db.Field(FieldMazamaRandomNumber)
	if !ok {
		return nil, errors.InvalidCredential("KindleDeviceKey", "neither DSN nor MazamaRandomNumber present")
	}
	id, ok := db.Field(FieldSerialNumber)
	if !ok {
		if id, ok = db.Field(FieldIDString); !ok {
			return nil, errors.InvalidCredential("KindleDeviceKey", "missing SerialNumber/IDString")
		}
	}
	user, ok := db.Field(FieldUsernameHash)
	if !ok {
		name, ok := db.Field(FieldUserName)
		if !ok {
			return nil, errors.InvalidCredential("KindleDeviceKey", "missing UsernameHash/UserName")
		}
		user = EncodeHash(name, CharMap1)
	}
	return Encode(crypto.SHA1(join(mazama, EncodeHash(id, CharMap1), user)), CharMap1), nil
}

// AccountToken returns the account token or an empty slice.
func AccountToken(db DeviceKey) []byte {
	tok, _ := db.Field(FieldAccountTokens)
	return tok
}

// K4PIDs derives the PIDs of a Kindle for PC/Mac key database.
func K4PIDs(db DeviceKey, meta *BookMeta) ([]string, error) {
	dsn, err := DSN(db)
	if err != nil {
		return nil, err
	}
	acct := AccountToken(db)
	if meta == nil {
		return []string{string(join(dsn, acct))}, nil
	}
	pids := []string{DevicePID(dsn)}
	for _, material := range [][]byte{
		join(dsn, acct, meta.Rec209, meta.Token),
		join(acct, meta.Rec209, meta.Token),
		join(dsn, meta.Rec209, meta.Token),
	} {
		pids = append(pids, ChecksumPID(EncodePID(crypto.SHA1(material))))
	}
	return pids, nil
}
