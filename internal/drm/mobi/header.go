package mobi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/sjzar/dedrm/internal/drm/pdb"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/internal/kindle"
)

// Crypto types of record 0.
const (
	CryptoNone    = 0
	CryptoOld     = 1
	CryptoPIDList = 2
)

// EXTH record types the engine reads or patches.
const (
	ExthWatermark    = 208
	ExthPIDKeys      = 209
	ExthClipping     = 401
	ExthTTSDisabled  = 404
	ExthRental       = 405
	ExthRentalExpiry = 406
	ExthTitle        = 503
)

const (
	codepageWindows1252 = 1252
	codepageUTF8        = 65001
)

type patch struct {
	offset int
	data   []byte
}

// Book is a parsed Mobipocket or PalmDoc database.
type Book struct {
	file *pdb.File
	sect []byte

	Ident       string
	Compression uint16
	Records     int
	CryptoType  uint16
	MobiLength  uint32
	Codepage    uint32
	// Version is -1 for plain PalmDoc.
	Version    int64
	ExtraFlags uint16
	// Multibyte is set when text records end in multibyte overlap bytes.
	Multibyte bool
	Exth      map[uint32][]byte

	patches []patch
}

// Parse reads record 0 of a BOOKMOBI or TEXtREAd database.
func Parse(data []byte) (*Book, error) {
	f, err := pdb.Parse(data, pdb.IdentMobi, pdb.IdentPalmDoc)
	if err != nil {
		return nil, err
	}
	if f.NumRecords() < 2 {
		return nil, errors.InvalidFormat("Mobipocket", "fewer than two records")
	}
	sect, err := f.Load(0)
	if err != nil {
		return nil, err
	}
	if len(sect) < 16 {
		return nil, errors.InvalidFormat("Mobipocket", "record 0 too short")
	}

	b := &Book{
		file:        f,
		sect:        sect,
		Ident:       f.Ident,
		Compression: binary.BigEndian.Uint16(sect[0:2]),
		Records:     int(binary.BigEndian.Uint16(sect[8:10])),
		CryptoType:  binary.BigEndian.Uint16(sect[0xC:0xE]),
		Codepage:    codepageWindows1252,
		Version:     -1,
		Exth:        make(map[uint32][]byte),
	}
	if b.Records > f.NumRecords()-1 {
		b.Records = f.NumRecords() - 1
	}
	if b.Ident == pdb.IdentPalmDoc {
		return b, nil
	}

	if len(sect) < 0x84 {
		return nil, errors.InvalidFormat("Mobipocket", "MOBI header truncated")
	}
	b.MobiLength = binary.BigEndian.Uint32(sect[0x14:0x18])
	b.Codepage = binary.BigEndian.Uint32(sect[0x1C:0x20])
	b.Version = int64(binary.BigEndian.Uint32(sect[0x68:0x6C]))
	if b.MobiLength >= 0xE4 && b.Version >= 5 && len(sect) >= 0xF4 {
		b.ExtraFlags = binary.BigEndian.Uint16(sect[0xF2:0xF4])
		b.Multibyte = b.ExtraFlags&1 != 0
	}
	// multibyte trailing bytes are encrypted unless the text is HUFF/CDIC
	if b.Compression != CompressionHuff {
		b.ExtraFlags &= 0xFFFE
	}

	if binary.BigEndian.Uint32(sect[0x80:0x84])&0x40 != 0 {
		b.parseExth(16 + int(b.MobiLength))
	}
	return b, nil
}

func (b *Book) parseExth(base int) {
	if base+12 > len(b.sect) || !bytes.Equal(b.sect[base:base+4], []byte("EXTH")) {
		return
	}
	n := int(binary.BigEndian.Uint32(b.sect[base+8 : base+12]))
	pos := base + 12
	for i := 0; i < n && pos+8 <= len(b.sect); i++ {
		typ := binary.BigEndian.Uint32(b.sect[pos : pos+4])
		size := int(binary.BigEndian.Uint32(b.sect[pos+4 : pos+8]))
		if size < 8 || pos+size > len(b.sect) {
			return
		}
		b.Exth[typ] = b.sect[pos+8 : pos+size]

		content := pos + 8
		switch {
		case typ == ExthClipping && size == 9:
			b.patches = append(b.patches, patch{content, []byte{100}})
		case typ == ExthTTSDisabled && size == 9:
			b.patches = append(b.patches, patch{content, []byte{0}})
		case typ == ExthRental && size == 9:
			b.patches = append(b.patches, patch{content, []byte{0}})
		case typ == ExthRentalExpiry && size == 16:
			b.patches = append(b.patches, patch{content, make([]byte, 8)})
		case typ == ExthWatermark:
			b.patches = append(b.patches, patch{content, make([]byte, size-8)})
		}
		pos += size
	}
}

// Title returns the book title decoded from the book's codepage.
func (b *Book) Title() string {
	var raw []byte
	if b.Ident == pdb.IdentMobi {
		if t, ok := b.Exth[ExthTitle]; ok {
			raw = t
		} else if len(b.sect) >= 0x5C {
			off := int(binary.BigEndian.Uint32(b.sect[0x54:0x58]))
			l := int(binary.BigEndian.Uint32(b.sect[0x58:0x5C]))
			if off >= 0 && l >= 0 && off+l <= len(b.sect) {
				raw = b.sect[off : off+l]
			}
		}
	}
	if len(raw) == 0 {
		return b.file.Name
	}
	if b.Codepage == codepageUTF8 && utf8.Valid(raw) {
		return string(raw)
	}
	s, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(s)
}

// PIDMeta returns EXTH 209 and the token built from the records it names.
func (b *Book) PIDMeta() *kindle.BookMeta {
	rec209, ok := b.Exth[ExthPIDKeys]
	if !ok {
		return &kindle.BookMeta{}
	}
	var token []byte
	for i := 0; i+5 <= len(rec209); i += 5 {
		token = append(token, b.Exth[binary.BigEndian.Uint32(rec209[i+1:i+5])]...)
	}
	return &kindle.BookMeta{Rec209: rec209, Token: token}
}

// RentalExpiry returns the EXTH 406 value, or 0.
func (b *Book) RentalExpiry() uint64 {
	if v, ok := b.Exth[ExthRentalExpiry]; ok && len(v) == 8 {
		return binary.BigEndian.Uint64(v)
	}
	return 0
}

// Extension is the output extension for the book flavour.
func (b *Book) Extension(printReplica bool) string {
	switch {
	case printReplica:
		return "azw4"
	case b.Version >= 8:
		return "azw3"
	default:
		return "mobi"
	}
}

// HuffRecords returns the HUFF record and CDIC records named in record 0.
func (b *Book) HuffRecords() ([]byte, [][]byte, error) {
	if len(b.sect) < 0x78 {
		return nil, nil, errors.InvalidFormat("Mobipocket", "no HUFF table pointer")
	}
	first := int(binary.BigEndian.Uint32(b.sect[0x70:0x74]))
	count := int(binary.BigEndian.Uint32(b.sect[0x74:0x78]))
	if count < 2 || first+count > b.file.NumRecords() {
		return nil, nil, errors.InvalidFormat("Mobipocket", fmt.Sprintf("bad HUFF records %d+%d", first, count))
	}
	huff, err := b.file.Load(first)
	if err != nil {
		return nil, nil, err
	}
	cdics := make([][]byte, 0, count-1)
	for i := first + 1; i < first+count; i++ {
		c, err := b.file.Load(i)
		if err != nil {
			return nil, nil, err
		}
		cdics = append(cdics, c)
	}
	return huff, cdics, nil
}

// TrailingSize is the size of the unencrypted trailing entries of a text record.
func TrailingSize(data []byte, flags uint16) int {
	entry := func(size int) int {
		var result, bitpos int
		for size > 0 {
			v := data[size-1]
			result |= int(v&0x7F) << bitpos
			bitpos += 7
			size--
			if v&0x80 != 0 || bitpos >= 28 {
				break
			}
		}
		return result
	}

	num := 0
	for f := flags >> 1; f != 0; f >>= 1 {
		if f&1 != 0 && len(data)-num > 0 {
			num += entry(len(data) - num)
		}
	}
	if flags&1 != 0 && len(data)-num-1 >= 0 {
		num += int(data[len(data)-num-1]&0x3) + 1
	}
	if num > len(data) {
		num = len(data)
	}
	return num
}
