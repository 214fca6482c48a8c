package epub

import (
	"bytes"
	"encoding/xml"
	"net/url"

	"github.com/sjzar/dedrm/internal/errors"
)

const (
	AlgorithmAES128CBC = "http://www.w3.org/2001/04/xmlenc#aes128-cbc"
	AlgorithmAES256CBC = "http://www.w3.org/2001/04/xmlenc#aes256-cbc"

	// Font obfuscation schemes. Entries using them are copied untouched.
	AlgorithmIDPFFont  = "http://www.idpf.org/2008/embedding"
	AlgorithmAdobeFont = "http://ns.adobe.com/pdf/enc#RC"
)

// compressionDeflate is the Compression Method value of a deflated resource.
const compressionDeflate = 8

// Resource is one EncryptedData entry of encryption.xml.
type Resource struct {
	Path      string
	Algorithm string
	// Compressed is set when the entry declares deflate compression.
	Compressed bool
	// Declared is set when the entry carries a Compression property at all.
	Declared bool
}

// IsFont reports whether the entry is font obfuscation rather than DRM.
func (r Resource) IsFont() bool {
	return r.Algorithm == AlgorithmIDPFFont || r.Algorithm == AlgorithmAdobeFont
}

type encryptionDoc struct {
	EncryptedData []struct {
		EncryptionMethod struct {
			Algorithm string `xml:"Algorithm,attr"`
		}
		CipherData struct {
			CipherReference struct {
				URI string `xml:"URI,attr"`
			}
		}
		EncryptionProperties struct {
			EncryptionProperty []struct {
				Compression []struct {
					Method int `xml:"Method,attr"`
				}
			}
		}
	}
}

// ParseEncryption lists the resources named in encryption.xml, keyed by
// their path inside the archive.
func ParseEncryption(data []byte) (map[string]Resource, error) {
	var doc encryptionDoc
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, errors.InvalidFormatCause("EPUB", "bad encryption.xml", err)
	}

	res := make(map[string]Resource, len(doc.EncryptedData))
	for _, d := range doc.EncryptedData {
		uri := d.CipherData.CipherReference.URI
		if uri == "" {
			continue
		}
		path, err := url.PathUnescape(uri)
		if err != nil {
			return nil, errors.InvalidFormatCause("EPUB", "bad resource URI "+uri, err)
		}
		r := Resource{Path: path, Algorithm: d.EncryptionMethod.Algorithm}
		for _, p := range d.EncryptionProperties.EncryptionProperty {
			for _, c := range p.Compression {
				r.Declared = true
				r.Compressed = c.Method == compressionDeflate
			}
		}
		res[path] = r
	}
	return res, nil
}
