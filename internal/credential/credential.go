package credential

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/errors"
)

// Kind orders credentials: pools iterate kinds in ascending value.
type Kind int

const (
	KindMobiPID Kind = iota
	KindKindleSerial
	KindKindleDeviceKey
	KindKindleVoucher
	KindEReaderKey
	KindAdeptPrivateKey
	KindPassHashKey
	KindPdfPassword
	KindLcpPassphrase
)

var kindNames = []string{
	"MobiPID",
	"KindleSerial",
	"KindleDeviceKey",
	"KindleVoucher",
	"EReaderKey",
	"AdeptPrivateKey",
	"PassHashKey",
	"PdfPassword",
	"LcpPassphrase",
}

// AllKinds lists every kind in priority order.
func AllKinds() []Kind {
	kinds := make([]Kind, len(kindNames))
	for i := range kinds {
		kinds[i] = Kind(i)
	}
	return kinds
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(name, s) {
			return Kind(i), nil
		}
	}
	return 0, errors.InvalidArg("credential kind " + s)
}

// Credential is one piece of user key material. Data holds the normalised
// payload; Fields is only set for KindleDeviceKey.
type Credential struct {
	Kind   Kind
	Name   string
	Data   []byte
	Fields map[string][]byte

	rsaKey *rsa.PrivateKey
}

// String never prints secrets.
func (c Credential) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s(%s)", c.Kind, c.Name)
	}
	return c.Kind.String()
}

// Text returns Data as a string, for PIDs, serials and passwords.
func (c Credential) Text() string {
	return string(c.Data)
}

// RSAKey is the parsed key of an AdeptPrivateKey credential.
func (c Credential) RSAKey() *rsa.PrivateKey {
	return c.rsaKey
}

// Field returns a KindleDeviceKey field, matched case-insensitively.
func (c Credential) Field(name string) ([]byte, bool) {
	if v, ok := c.Fields[name]; ok {
		return v, true
	}
	for k, v := range c.Fields {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// pidLengths are the accepted MobiPID lengths: 8 and 10 char PIDs, and the
// DSN plus account secret strings used for KFX vouchers.
var pidLengths = map[int]bool{8: true, 10: true, 16: true, 32: true, 40: true, 56: true, 72: true, 80: true}

// MobiPID validates a PID. A 9 char value ending in '*' is accepted and the
// '*' dropped.
func MobiPID(pid string) (Credential, error) {
	pid = strings.TrimSpace(pid)
	if len(pid) == 9 && strings.HasSuffix(pid, "*") {
		pid = pid[:8]
	}
	if !pidLengths[len(pid)] {
		return Credential{}, errors.InvalidCredential(KindMobiPID.String(), fmt.Sprintf("length %d", len(pid)))
	}
	return Credential{Kind: KindMobiPID, Name: maskTail(pid), Data: []byte(pid)}, nil
}

func KindleSerial(serial string) (Credential, error) {
	serial = strings.TrimSpace(serial)
	if len(serial) != 16 || (serial[0] != 'B' && serial[0] != '9') {
		return Credential{}, errors.InvalidCredential(KindKindleSerial.String(), "must be 16 chars starting with B or 9")
	}
	return Credential{Kind: KindKindleSerial, Name: maskTail(serial), Data: []byte(serial)}, nil
}

// KindleDeviceKey wraps the decoded values of a Kindle key database.
func KindleDeviceKey(name string, fields map[string][]byte) (Credential, error) {
	if len(fields) == 0 {
		return Credential{}, errors.InvalidCredential(KindKindleDeviceKey.String(), "no fields")
	}
	copied := make(map[string][]byte, len(fields))
	for k, v := range fields {
		copied[k] = append([]byte(nil), v...)
	}
	return Credential{Kind: KindKindleDeviceKey, Name: name, Fields: copied}, nil
}

// KindleVoucher is a KFX voucher document, Name being the voucher id.
func KindleVoucher(name string, data []byte) (Credential, error) {
	if len(data) < 4 || data[0] != 0xE0 || data[1] != 0x01 || data[2] != 0x00 || data[3] != 0xEA {
		return Credential{}, errors.InvalidCredential(KindKindleVoucher.String(), "not an Ion document")
	}
	return Credential{Kind: KindKindleVoucher, Name: name, Data: append([]byte(nil), data...)}, nil
}

func EReaderKey(key []byte) (Credential, error) {
	if len(key) != 8 {
		return Credential{}, errors.InvalidCredential(KindEReaderKey.String(), fmt.Sprintf("length %d, want 8", len(key)))
	}
	return Credential{Kind: KindEReaderKey, Data: append([]byte(nil), key...)}, nil
}

// AdeptPrivateKey parses a PKCS#1 DER RSA key.
func AdeptPrivateKey(name string, der []byte) (Credential, error) {
	key, err := crypto.ParsePKCS1PrivateKey(der)
	if err != nil {
		return Credential{}, errors.InvalidCredential(KindAdeptPrivateKey.String(), err.Error())
	}
	return Credential{Kind: KindAdeptPrivateKey, Name: name, Data: append([]byte(nil), der...), rsaKey: key}, nil
}

// PassHashKey decodes a base64 key; the first 16 bytes are the AES key.
func PassHashKey(name, b64 string) (Credential, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return Credential{}, errors.InvalidCredential(KindPassHashKey.String(), "bad base64")
	}
	return PassHashKeyRaw(name, raw)
}

func PassHashKeyRaw(name string, raw []byte) (Credential, error) {
	if len(raw) < 16 {
		return Credential{}, errors.InvalidCredential(KindPassHashKey.String(), fmt.Sprintf("length %d, want >= 16", len(raw)))
	}
	return Credential{Kind: KindPassHashKey, Name: name, Data: append([]byte(nil), raw[:16]...)}, nil
}

func PdfPassword(password string) Credential {
	return Credential{Kind: KindPdfPassword, Data: []byte(password)}
}

func LcpPassphrase(passphrase string) Credential {
	return Credential{Kind: KindLcpPassphrase, Data: []byte(passphrase)}
}

func maskTail(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}

func sortedFieldNames(fields map[string][]byte) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
