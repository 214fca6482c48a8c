package adept

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util/zlib"
)

// passHashKeyB64Len is the base64 length of an AES wrapped PassHash key. An
// RSA-1024 wrapped ADEPT key is 172 characters.
const passHashKeyB64Len = 64

// passHashOperators are operator hosts that issue PassHash licences.
var passHashOperators = []string{"barnesandnoble.com", "nook.com", "bn.com"}

// Rights is the part of an ADEPT licence token the engines need.
type Rights struct {
	EncryptedKey string
	KeyType      int
	OperatorURL  string
	Resource     string
	Device       string
	Fulfillment  string
}

// ParseRights accepts rights.xml either as plain XML or as a base64 blob of
// a raw deflated XML fragment.
func ParseRights(data []byte) (*Rights, error) {
	doc := bytes.TrimSpace(data)
	if len(doc) > 0 && doc[0] != '<' {
		raw, err := base64.StdEncoding.DecodeString(string(doc))
		if err != nil {
			return nil, errors.InvalidFormatCause("ADEPT", "rights.xml is neither XML nor base64", err)
		}
		if doc, err = zlib.DecompressRaw(raw); err != nil {
			return nil, errors.DecompressFailed("deflate", err)
		}
	}

	r := &Rights{}
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var field *string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.InvalidFormatCause("ADEPT", "bad rights.xml", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			field = r.fieldFor(t.Name.Local)
			if t.Name.Local == "encryptedKey" {
				for _, a := range t.Attr {
					if a.Name.Local == "keyType" {
						r.KeyType, _ = strconv.Atoi(strings.TrimSpace(a.Value))
					}
				}
			}
		case xml.CharData:
			if field != nil && *field == "" {
				*field = strings.TrimSpace(string(t))
			}
		case xml.EndElement:
			field = nil
		}
	}
	if r.EncryptedKey == "" {
		return nil, errors.InvalidFormat("ADEPT", "rights.xml has no encryptedKey")
	}
	return r, nil
}

func (r *Rights) fieldFor(local string) *string {
	switch local {
	case "encryptedKey":
		return &r.EncryptedKey
	case "operatorURL":
		return &r.OperatorURL
	case "resource":
		return &r.Resource
	case "device":
		return &r.Device
	case "fulfillment":
		return &r.Fulfillment
	}
	return nil
}

// IsPassHash reports whether the licence uses a symmetric wrap key.
func (r *Rights) IsPassHash() bool {
	op := strings.ToLower(r.OperatorURL)
	for _, host := range passHashOperators {
		if strings.Contains(op, host) {
			return true
		}
	}
	return len(r.EncryptedKey) == passHashKeyB64Len
}

// WrappedKey decodes the encryptedKey text.
func (r *Rights) WrappedKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(r.EncryptedKey), ""))
	if err != nil {
		return nil, errors.InvalidFormatCause("ADEPT", "encryptedKey is not base64", err)
	}
	return key, nil
}
