package ereader

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util/zlib"
)

// Decryptor converts eReader books to PML.
type Decryptor struct {
	mode     string
	bookName string
}

func NewDecryptor(opts common.Options) *Decryptor {
	d := &Decryptor{mode: opts.PMLMode, bookName: opts.BookName}
	if d.mode == "" {
		d.mode = common.PMLModeZip
	}
	if d.bookName == "" {
		d.bookName = "book"
	}
	return d
}

func (d *Decryptor) Format() common.Format {
	return common.FormatEReader
}

// Validate reports whether a DES-decrypted text record inflates.
func (d *Decryptor) Validate(sample []byte) bool {
	_, err := zlib.Decompress(sample)
	return err == nil
}

// Detect tells books from dictionaries.
func Detect(data []byte) (common.Variant, error) {
	b, err := Parse(data)
	if err != nil {
		return common.VariantUnknown, err
	}
	if b.Dict {
		return common.VariantDict, nil
	}
	return common.VariantBook, nil
}

func (d *Decryptor) Decrypt(ctx context.Context, input []byte, creds credential.Provider) (*common.Output, error) {
	b, err := Parse(input)
	if err != nil {
		return nil, err
	}
	if !credential.Has(creds, credential.KindEReaderKey) {
		return nil, errors.ExternalKeyRequired("eReader", credential.KindEReaderKey.String())
	}

	tried := 0
	for c := range creds.All(credential.KindEReaderKey) {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		tried++
		key, ok := b.ContentKey(c.Data)
		if !ok {
			continue
		}
		first, err := b.decryptRecord(key, 1)
		if err != nil || !d.Validate(first) {
			continue
		}
		log.Debug().Str("key", c.String()).Int("version", b.Version).Msg("eReader content key found")
		return d.convert(ctx, b, key)
	}
	return nil, errors.WrongCredentialReason("eReader", fmt.Sprintf("incorrect name and/or credit card, %d keys tried", tried))
}

func (b *Book) decryptRecord(contentKey []byte, i int) ([]byte, error) {
	rec, err := b.file.Load(i)
	if err != nil {
		return nil, err
	}
	return crypto.DESECBDecrypt(crypto.FixDESKey(contentKey), rec)
}

func (b *Book) textRecord(contentKey []byte, i int) ([]byte, error) {
	data, err := b.decryptRecord(contentKey, i)
	if err != nil {
		return nil, err
	}
	text, err := zlib.Decompress(data)
	if err != nil {
		return nil, errors.DecompressFailed("zlib", err)
	}
	return text, nil
}

// Text returns the raw PML: text records, then footnotes and sidebars.
func (b *Book) Text(ctx context.Context, contentKey []byte) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < b.NumText; i++ {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		text, err := b.textRecord(contentKey, 1+i)
		if err != nil {
			return nil, err
		}
		buf.Write(text)
	}

	for _, s := range []struct {
		tag   string
		first int
		num   int
	}{
		{"footnote", b.FirstFootnote, b.NumFootnotes},
		{"sidebar", b.FirstSidebar, b.NumSidebars},
	} {
		if s.num <= 0 {
			continue
		}
		if err := b.sections(ctx, &buf, contentKey, s.tag, s.first, s.num); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// sections appends a footnote or sidebar block. Its first record holds the
// XOR-coded ids: 2 bytes, id length, id, 1 byte.
func (b *Book) sections(ctx context.Context, buf *bytes.Buffer, contentKey []byte, tag string, first, num int) error {
	buf.WriteByte('\n')
	sect, err := b.file.Load(first)
	if err != nil {
		return err
	}
	ids := DeXOR(sect, 0, b.xorTable)
	for i := 1; i < num; i++ {
		if err := common.CheckCanceled(ctx); err != nil {
			return err
		}
		if len(ids) < 3 || 3+int(ids[2]) > len(ids) {
			return errors.InvalidFormat("eReader", tag+" ids truncated")
		}
		l := int(ids[2])
		id := ids[3 : 3+l]
		text, err := b.textRecord(contentKey, first+i)
		if err != nil {
			return err
		}
		fmt.Fprintf(buf, "<%s id=\"%s\">\n", tag, id)
		buf.Write(text)
		fmt.Fprintf(buf, "\n</%s>\n", tag)
		if l+4 > len(ids) {
			ids = nil
		} else {
			ids = ids[l+4:]
		}
	}
	return nil
}

// Image returns the file name and payload of image i.
func (b *Book) Image(i int) (string, []byte, error) {
	sect, err := b.file.Load(b.FirstImage + i)
	if err != nil {
		return "", nil, err
	}
	if len(sect) < 62 {
		return "", nil, errors.InvalidFormat("eReader", fmt.Sprintf("image record %d too short", i))
	}
	name := SanitizeFileName(decodeName(bytes.Trim(sect[4:36], "\x00")))
	if name == "" {
		name = fmt.Sprintf("image%04d", i)
	}
	return name, sect[62:], nil
}

func (d *Decryptor) convert(ctx context.Context, b *Book, contentKey []byte) (*common.Output, error) {
	text, err := b.Text(ctx, contentKey)
	if err != nil {
		return nil, err
	}
	pml := CleanPML(text)

	imgDir := "images"
	if d.mode == common.PMLModeTree {
		imgDir = d.bookName + "_img"
	}
	pmlName := d.bookName + ".pml"
	files := map[string][]byte{pmlName: pml}
	order := []string{pmlName}
	for i := 0; i < b.NumImages; i++ {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		name, data, err := b.Image(i)
		if err != nil {
			return nil, err
		}
		p := path.Join(imgDir, name)
		if _, dup := files[p]; !dup {
			order = append(order, p)
		}
		files[p] = data
	}

	if d.mode == common.PMLModeTree {
		return &common.Output{Data: pml, Extension: "pml", Files: files}, nil
	}
	zipped, err := packPMLZ(order, files)
	if err != nil {
		return nil, err
	}
	return &common.Output{Data: zipped, Extension: "pmlz"}, nil
}
