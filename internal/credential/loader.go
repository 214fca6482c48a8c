package credential

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"howett.net/plist"

	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util"
)

// KeyFilePattern matches the file names LoadDir picks up.
const KeyFilePattern = `(?i)\.(der|b64|k4i|pid|voucher|plist|json|yaml|yml|keystore)$`

// LoadFile reads the credentials of one key file, chosen by extension.
func LoadFile(path string) ([]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ReadFileFailed(path, err)
	}
	name := util.FileStem(path)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".der":
		c, err := AdeptPrivateKey(name, data)
		if err != nil {
			return nil, err
		}
		return []Credential{c}, nil
	case ".b64":
		c, err := PassHashKey(name, string(data))
		if err != nil {
			return nil, err
		}
		return []Credential{c}, nil
	case ".k4i":
		return parseK4i(name, data)
	case ".pid", ".txt":
		return parsePIDList(data)
	case ".voucher":
		c, err := KindleVoucher(name, data)
		if err != nil {
			return nil, err
		}
		return []Credential{c}, nil
	case ".plist":
		return parsePlist(name, data)
	case ".json", ".yaml", ".yml":
		return loadBundleFile(path)
	default:
		return nil, errors.InvalidArg("key file extension " + filepath.Ext(path))
	}
}

// LoadDir loads every recognised key file in dir. Files that fail to parse
// are logged and skipped.
func LoadDir(dir string) ([]Credential, error) {
	files, err := util.FindFilesWithPatterns(dir, KeyFilePattern, false)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindIO, "scan key directory")
	}
	var out []Credential
	for _, f := range files {
		if strings.HasSuffix(strings.ToLower(f), ".keystore") {
			continue
		}
		creds, err := LoadFile(f)
		if err != nil {
			log.Warn().Err(err).Str("file", f).Msg("skip key file")
			continue
		}
		out = append(out, creds...)
	}
	return out, nil
}

// parseK4i decodes the JSON exported by Kindle key tools: a flat object of
// hex-encoded values.
func parseK4i(name string, data []byte) ([]Credential, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.InvalidCredential(KindKindleDeviceKey.String(), "bad k4i json")
	}
	fields, err := decodeHexFields(raw)
	if err != nil {
		return nil, err
	}
	c, err := KindleDeviceKey(name, fields)
	if err != nil {
		return nil, err
	}
	return []Credential{c}, nil
}

func decodeHexFields(raw map[string]string) (map[string][]byte, error) {
	fields := make(map[string][]byte, len(raw))
	for k, v := range raw {
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, errors.InvalidCredential(KindKindleDeviceKey.String(), "field "+k+" is not hex")
		}
		fields[k] = b
	}
	return fields, nil
}

// parsePIDList reads one PID or serial per line. Lines may hold several
// values separated by commas; '#' starts a comment.
func parsePIDList(data []byte) ([]Credential, error) {
	var out []Credential
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, v := range strings.Split(line, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			c, err := pidOrSerial(v)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func pidOrSerial(v string) (Credential, error) {
	if len(v) == 16 && (v[0] == 'B' || v[0] == '9') {
		if c, err := KindleSerial(v); err == nil {
			return c, nil
		}
	}
	return MobiPID(v)
}

// parsePlist reads a Kindle for Mac key plist: a dictionary whose values are
// hex strings or raw data.
func parsePlist(name string, data []byte) ([]Credential, error) {
	var raw map[string]any
	if _, err := plist.Unmarshal(data, &raw); err != nil {
		return nil, errors.InvalidCredential(KindKindleDeviceKey.String(), "bad plist")
	}
	fields := make(map[string][]byte, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case []byte:
			fields[k] = val
		case string:
			if b, err := hex.DecodeString(val); err == nil {
				fields[k] = b
			} else {
				fields[k] = []byte(val)
			}
		}
	}
	c, err := KindleDeviceKey(name, fields)
	if err != nil {
		return nil, err
	}
	return []Credential{c}, nil
}

// NameCC is a name and credit card pair for derived keys.
type NameCC struct {
	Name string `mapstructure:"name" json:"name"`
	CC   string `mapstructure:"cc" json:"cc"`
}

// Bundle is the on-disk form of a credential set, used for .json/.yaml key
// files and for the sealed keystore.
type Bundle struct {
	PIDs           []string            `mapstructure:"pids" json:"pids,omitempty"`
	Serials        []string            `mapstructure:"serials" json:"serials,omitempty"`
	KindleKeys     []map[string]string `mapstructure:"kindle_keys" json:"kindle_keys,omitempty"`
	Vouchers       map[string]string   `mapstructure:"vouchers" json:"vouchers,omitempty"`
	EReaderKeys    []string            `mapstructure:"ereader_keys" json:"ereader_keys,omitempty"`
	EReader        []NameCC            `mapstructure:"ereader" json:"ereader,omitempty"`
	AdeptKeys      []string            `mapstructure:"adept_keys" json:"adept_keys,omitempty"`
	PassHashKeys   []string            `mapstructure:"passhash_keys" json:"passhash_keys,omitempty"`
	PassHash       []NameCC            `mapstructure:"passhash" json:"passhash,omitempty"`
	PdfPasswords   []string            `mapstructure:"pdf_passwords" json:"pdf_passwords,omitempty"`
	LcpPassphrases []string            `mapstructure:"lcp_passphrases" json:"lcp_passphrases,omitempty"`
}

func loadBundleFile(path string) ([]Credential, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.InvalidCredential("bundle", err.Error())
	}
	var b Bundle
	if err := v.Unmarshal(&b); err != nil {
		return nil, errors.InvalidCredential("bundle", err.Error())
	}
	return b.Credentials()
}

// Credentials expands the bundle in kind priority order.
func (b *Bundle) Credentials() ([]Credential, error) {
	var out []Credential
	add := func(c Credential, err error) error {
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	}

	for _, pid := range b.PIDs {
		if err := add(MobiPID(pid)); err != nil {
			return nil, err
		}
	}
	for _, s := range b.Serials {
		if err := add(KindleSerial(s)); err != nil {
			return nil, err
		}
	}
	for i, raw := range b.KindleKeys {
		fields, err := decodeHexFields(raw)
		if err != nil {
			return nil, err
		}
		if err := add(KindleDeviceKey("bundle-"+strconv.Itoa(i), fields)); err != nil {
			return nil, err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(b.Vouchers)) {
		data, err := base64.StdEncoding.DecodeString(b.Vouchers[name])
		if err != nil {
			return nil, errors.InvalidCredential(KindKindleVoucher.String(), "bad base64")
		}
		if err := add(KindleVoucher(name, data)); err != nil {
			return nil, err
		}
	}
	for _, k := range b.EReaderKeys {
		raw, err := hex.DecodeString(k)
		if err != nil {
			return nil, errors.InvalidCredential(KindEReaderKey.String(), "bad hex")
		}
		if err := add(EReaderKey(raw)); err != nil {
			return nil, err
		}
	}
	for _, nc := range b.EReader {
		out = append(out, EReaderKeyFromNameCC(nc.Name, nc.CC))
	}
	for i, k := range b.AdeptKeys {
		der, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, errors.InvalidCredential(KindAdeptPrivateKey.String(), "bad base64")
		}
		if err := add(AdeptPrivateKey("bundle-"+strconv.Itoa(i), der)); err != nil {
			return nil, err
		}
	}
	for i, k := range b.PassHashKeys {
		if err := add(PassHashKey("bundle-"+strconv.Itoa(i), k)); err != nil {
			return nil, err
		}
	}
	for _, nc := range b.PassHash {
		if err := add(PassHashKeyFromNameCC(nc.Name, nc.CC)); err != nil {
			return nil, err
		}
	}
	for _, pw := range b.PdfPasswords {
		out = append(out, PdfPassword(pw))
	}
	for _, pw := range b.LcpPassphrases {
		out = append(out, LcpPassphrase(pw))
	}
	return out, nil
}

// BundleOf captures every credential of the pool. Derived keys are stored in
// their derived form.
func BundleOf(p *Pool) *Bundle {
	b := &Bundle{}
	for c := range p.Iter() {
		switch c.Kind {
		case KindMobiPID:
			b.PIDs = append(b.PIDs, c.Text())
		case KindKindleSerial:
			b.Serials = append(b.Serials, c.Text())
		case KindKindleDeviceKey:
			m := make(map[string]string, len(c.Fields))
			for k, v := range c.Fields {
				m[k] = hex.EncodeToString(v)
			}
			b.KindleKeys = append(b.KindleKeys, m)
		case KindKindleVoucher:
			if b.Vouchers == nil {
				b.Vouchers = make(map[string]string)
			}
			b.Vouchers[c.Name] = base64.StdEncoding.EncodeToString(c.Data)
		case KindEReaderKey:
			b.EReaderKeys = append(b.EReaderKeys, hex.EncodeToString(c.Data))
		case KindAdeptPrivateKey:
			b.AdeptKeys = append(b.AdeptKeys, base64.StdEncoding.EncodeToString(c.Data))
		case KindPassHashKey:
			b.PassHashKeys = append(b.PassHashKeys, base64.StdEncoding.EncodeToString(c.Data))
		case KindPdfPassword:
			b.PdfPasswords = append(b.PdfPasswords, c.Text())
		case KindLcpPassphrase:
			b.LcpPassphrases = append(b.LcpPassphrases, c.Text())
		}
	}
	return b
}
