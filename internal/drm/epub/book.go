package epub

import (
	"bytes"
	"encoding/xml"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/sjzar/dedrm/internal/drm/adept"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
)

const (
	RightsName     = "META-INF/rights.xml"
	EncryptionName = "META-INF/encryption.xml"
	LicenseName    = "META-INF/license.lcpl"
	ContainerName  = "META-INF/container.xml"
)

// drmEntries never reach the output.
var drmEntries = map[string]bool{
	common.MimetypeName: true,
	RightsName:          true,
	EncryptionName:      true,
	LicenseName:         true,
}

// Book is an opened OCF container.
type Book struct {
	zr        *zip.Reader
	Variant   common.Variant
	Rights    *adept.Rights
	License   *License
	Resources map[string]Resource
}

// Open parses the archive and classifies its DRM scheme.
func Open(data []byte) (*Book, error) {
	zr, err := common.OpenZip("EPUB", data)
	if err != nil {
		return nil, err
	}
	mt := common.FindZipFile(zr, common.MimetypeName)
	if mt == nil {
		return nil, errors.InvalidFormat("EPUB", "no mimetype entry")
	}
	content, err := common.ReadZipFile(mt)
	if err != nil {
		return nil, err
	}
	if string(bytes.TrimSpace(content)) != common.EPUBMimetype {
		return nil, errors.InvalidFormat("EPUB", "mimetype is "+string(content))
	}

	b := &Book{zr: zr, Variant: common.VariantNone}
	if f := common.FindZipFile(zr, EncryptionName); f != nil {
		data, err := common.ReadZipFile(f)
		if err != nil {
			return nil, err
		}
		if b.Resources, err = ParseEncryption(data); err != nil {
			return nil, err
		}
	}

	if f := common.FindZipFile(zr, LicenseName); f != nil {
		data, err := common.ReadZipFile(f)
		if err != nil {
			return nil, err
		}
		if b.License, err = ParseLicense(data); err != nil {
			return nil, err
		}
		b.Variant = common.VariantLCP
		return b, nil
	}

	if f := common.FindZipFile(zr, RightsName); f != nil {
		data, err := common.ReadZipFile(f)
		if err != nil {
			return nil, err
		}
		if b.Rights, err = adept.ParseRights(data); err != nil {
			return nil, err
		}
		b.Variant = common.VariantAdept
		if b.Rights.IsPassHash() {
			b.Variant = common.VariantPassHash
		}
	}
	return b, nil
}

// Detect returns the DRM variant of an EPUB.
func Detect(data []byte) (common.Variant, error) {
	b, err := Open(data)
	if err != nil {
		return common.VariantUnknown, err
	}
	return b.Variant, nil
}

// encrypted lists the entries to decrypt, in archive order.
func (b *Book) encrypted() []*zip.File {
	var out []*zip.File
	for _, f := range b.zr.File {
		if r, ok := b.Resources[f.Name]; ok && !r.IsFont() {
			out = append(out, f)
		}
	}
	return out
}

// Title reads dc:title from the package document, when it is readable.
func (b *Book) Title() string {
	f := common.FindZipFile(b.zr, ContainerName)
	if f == nil {
		return ""
	}
	data, err := common.ReadZipFile(f)
	if err != nil {
		return ""
	}
	var container struct {
		Rootfiles []struct {
			FullPath string `xml:"full-path,attr"`
		} `xml:"rootfiles>rootfile"`
	}
	if xml.Unmarshal(data, &container) != nil || len(container.Rootfiles) == 0 {
		return ""
	}
	opfPath := path.Clean(container.Rootfiles[0].FullPath)
	if _, ok := b.Resources[opfPath]; ok {
		return ""
	}
	if f = common.FindZipFile(b.zr, opfPath); f == nil {
		return ""
	}
	if data, err = common.ReadZipFile(f); err != nil {
		return ""
	}
	var pkg struct {
		Titles []string `xml:"metadata>title"`
	}
	if xml.Unmarshal(data, &pkg) != nil || len(pkg.Titles) == 0 {
		return ""
	}
	return strings.TrimSpace(pkg.Titles[0])
}
