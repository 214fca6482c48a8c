package pdf

import (
	"fmt"
	"strings"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
)

// Security filters found in /Encrypt.
const (
	FilterStandard = "Standard"
	FilterEBX      = "EBX_HANDLER"
	FilterAPS      = "Adobe.APS"
	filterFOPN     = "FOPN_"
)

type method int

const (
	methodIdentity method = iota
	methodRC4
	methodAES
)

var aesSalt = []byte("sAlT")

// Security decrypts the strings and streams of one document.
type Security struct {
	key []byte
	// fileKey skips per-object derivation (V5).
	fileKey bool
	// ebxV3 selects the masked ADEPT object key schedule.
	ebxV3 bool

	stm, str        method
	named           map[Name]method
	encryptMetadata bool
}

// newSecurity reads the crypt filters of enc. legacy is the cipher used
// when the dictionary declares none.
func newSecurity(enc Dict, key []byte, legacy method) (*Security, error) {
	s := &Security{
		key:             key,
		stm:             legacy,
		str:             legacy,
		named:           map[Name]method{"Identity": methodIdentity},
		encryptMetadata: true,
	}
	if b, ok := enc.Get("EncryptMetadata").(Bool); ok {
		s.encryptMetadata = bool(b)
	}
	v := enc.Int("V", 0)
	if v >= 5 {
		s.fileKey = true
	}
	cf, ok := enc.Dict("CF")
	if v < 4 || !ok {
		return s, nil
	}
	for name, o := range cf {
		d, ok := o.(Dict)
		if !ok {
			continue
		}
		cfm, _ := d.Name("CFM")
		switch cfm {
		case "", "None":
			s.named[name] = methodIdentity
		case "V2":
			s.named[name] = methodRC4
		case "AESV2", "AESV3":
			s.named[name] = methodAES
		default:
			return nil, errors.UnsupportedVersion("PDF", "crypt filter method "+string(cfm))
		}
	}
	var err error
	if s.stm, err = s.filter(enc, "StmF"); err != nil {
		return nil, err
	}
	if s.str, err = s.filter(enc, "StrF"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Security) filter(enc Dict, key string) (method, error) {
	name, ok := enc.Name(key)
	if !ok {
		return methodIdentity, nil
	}
	m, ok := s.named[name]
	if !ok {
		return 0, errors.InvalidFormat("PDF", fmt.Sprintf("/%s names unknown crypt filter %s", key, name))
	}
	return m, nil
}

// objectKey derives the key of object num: MD5 over the file key, the low
// three bytes of num and two of gen, plus the AES salt, truncated to the
// file key length plus five.
func (s *Security) objectKey(num, gen int, aes bool) []byte {
	if s.fileKey {
		return s.key
	}
	var h []byte
	if s.ebxV3 {
		o, g := uint32(num)^0x3569ac, uint32(gen)^0xca96
		h = crypto.MD5(s.key, []byte{byte(o), byte(g), byte(o >> 8), byte(g >> 8), byte(o >> 16)}, aesSalt)
	} else {
		tail := []byte{byte(num), byte(num >> 8), byte(num >> 16), byte(gen), byte(gen >> 8)}
		if aes {
			tail = append(tail, aesSalt...)
		}
		h = crypto.MD5(s.key, tail)
	}
	return h[:min(len(s.key)+5, 16)]
}

func (s *Security) decrypt(m method, num, gen int, data []byte) ([]byte, error) {
	switch m {
	case methodRC4:
		return crypto.RC4(s.objectKey(num, gen, false), data)
	case methodAES:
		if len(data) == 0 {
			return data, nil
		}
		if len(data) < 2*crypto.AESBlockSize {
			return nil, errors.BadPadding(fmt.Sprintf("AES payload of object %d is %d bytes", num, len(data)))
		}
		return crypto.AESCBCDecryptUnpad(s.objectKey(num, gen, true), data[:crypto.AESBlockSize], data[crypto.AESBlockSize:])
	}
	return data, nil
}

// decryptObject decrypts every string of o and the data of a stream.
func (s *Security) decryptObject(num, gen int, o Object) (Object, error) {
	switch v := o.(type) {
	case String:
		b, err := s.decrypt(s.str, num, gen, []byte(v))
		return String(b), err
	case Array:
		out := make(Array, len(v))
		for i, e := range v {
			var err error
			if out[i], err = s.decryptObject(num, gen, e); err != nil {
				return nil, err
			}
		}
		return out, nil
	case Dict:
		out := make(Dict, len(v))
		signature := false
		if t, _ := v.Name("Type"); t == "Sig" {
			signature = true
		}
		for k, e := range v {
			if signature && k == "Contents" {
				out[k] = e
				continue
			}
			var err error
			if out[k], err = s.decryptObject(num, gen, e); err != nil {
				return nil, err
			}
		}
		return out, nil
	case *Stream:
		d, err := s.decryptObject(num, gen, v.Dict)
		if err != nil {
			return nil, err
		}
		data, err := s.decrypt(s.streamMethod(v.Dict), num, gen, v.Data)
		if err != nil {
			return nil, err
		}
		return &Stream{Dict: d.(Dict), Data: data}, nil
	}
	return o, nil
}

func (s *Security) streamMethod(d Dict) method {
	switch t, _ := d.Name("Type"); {
	case t == "XRef":
		return methodIdentity
	case t == "Metadata" && !s.encryptMetadata:
		return methodIdentity
	}
	names, parms := filters(d)
	if len(names) > 0 && names[0] == FilterCrypt {
		name := Name("Identity")
		if parms[0] != nil {
			if n, ok := parms[0].Name("Name"); ok {
				name = n
			}
		}
		if m, ok := s.named[name]; ok {
			return m
		}
		return methodIdentity
	}
	return s.stm
}

// classify maps an encryption dictionary to its DRM variant.
func classify(enc Dict) (common.Variant, string) {
	filter, _ := enc.Name("Filter")
	switch f := string(filter); {
	case f == FilterStandard:
		return common.VariantStandard, f
	case f == FilterEBX:
		return common.VariantEBX, f
	case f == FilterAPS:
		return common.VariantAPS, f
	case strings.HasPrefix(f, filterFOPN):
		return common.VariantFOPN, f
	default:
		return common.VariantUnknown, f
	}
}
