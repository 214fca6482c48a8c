package ereader

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/drm/pdb"
	"github.com/sjzar/dedrm/internal/errors"
)

// Header versions of record 0.
const (
	Version259 = 259
	Version260 = 260
	Version272 = 272
)

const requiredFlags = 1<<9 | 1<<7 | 1<<10

// Book is the DRM header of an eReader PDB, read from the shuffled cookie
// at the end of record 1.
type Book struct {
	file *pdb.File

	Version    int
	SubVersion int
	Dict       bool
	Flags      uint32

	NumText       int
	FirstImage    int
	NumImages     int
	FirstFootnote int
	NumFootnotes  int
	FirstSidebar  int
	NumSidebars   int

	xorTable     []byte
	encryptedKey []byte
	keySHA       []byte
}

// Parse validates the container and decodes the cookie. It needs no user key.
func Parse(data []byte) (*Book, error) {
	f, err := pdb.Parse(data, pdb.IdentEReader, pdb.IdentEReaderDict)
	if err != nil {
		return nil, err
	}
	if f.NumRecords() < 2 {
		return nil, errors.InvalidFormat("eReader", "fewer than two records")
	}
	rec0, err := f.Load(0)
	if err != nil {
		return nil, err
	}
	if len(rec0) < 2 {
		return nil, errors.InvalidFormat("eReader", "record 0 too short")
	}
	b := &Book{
		file:    f,
		Version: int(binary.BigEndian.Uint16(rec0[0:2])),
		Dict:    f.Ident == pdb.IdentEReaderDict,
	}
	switch b.Version {
	case Version259, Version260, Version272:
	default:
		return nil, errors.UnsupportedVersion("eReader", b.Version)
	}

	rec1, err := f.Load(1)
	if err != nil {
		return nil, err
	}
	r, err := unshuffleCookie(rec1)
	if err != nil {
		return nil, err
	}

	b.SubVersion = int(binary.BigEndian.Uint16(r[0:2]))
	b.NumText = int(binary.BigEndian.Uint16(r[2:4])) - 1
	b.FirstImage = int(binary.BigEndian.Uint16(r[24:26]))
	b.NumImages = int(binary.BigEndian.Uint16(r[26:28]))
	b.FirstFootnote, b.FirstSidebar = -1, -1
	if b.Version == Version272 {
		b.FirstFootnote = int(binary.BigEndian.Uint16(r[44:46]))
		b.NumFootnotes = int(binary.BigEndian.Uint16(r[46:48]))
		if !b.Dict {
			b.FirstSidebar = int(binary.BigEndian.Uint16(r[36:38]))
			b.NumSidebars = int(binary.BigEndian.Uint16(r[38:40]))
		}
		off := int(binary.BigEndian.Uint16(r[40:42]))
		size := int(binary.BigEndian.Uint16(r[42:44]))
		if off+size > len(rec1) {
			return nil, errors.InvalidFormat("eReader", "xor table past end of record 1")
		}
		b.xorTable = rec1[off : off+size]
	}

	b.Flags = binary.BigEndian.Uint32(r[4:8])
	if b.Flags&requiredFlags != requiredFlags {
		return nil, errors.UnsupportedVersion("eReader", fmt.Sprintf("flags 0x%X", b.Flags))
	}

	switch b.Version {
	case Version259:
		if b.SubVersion != 7 {
			return nil, errors.UnsupportedVersion("eReader", fmt.Sprintf("%d.%d", b.Version, b.SubVersion))
		}
		b.keySHA, b.encryptedKey = r[44:64], r[64:72]
	case Version260:
		switch b.SubVersion {
		case 13:
			b.encryptedKey, b.keySHA = r[44:52], r[52:72]
		case 11:
			b.encryptedKey, b.keySHA = r[64:72], r[44:64]
		default:
			return nil, errors.UnsupportedVersion("eReader", fmt.Sprintf("%d.%d", b.Version, b.SubVersion))
		}
	case Version272:
		b.encryptedKey, b.keySHA = r[172:180], r[56:76]
	}

	if b.NumText < 1 || 1+b.NumText > f.NumRecords() {
		return nil, errors.InvalidFormat("eReader", fmt.Sprintf("%d text records", b.NumText))
	}
	return b, nil
}

// unshuffleCookie decrypts the trailing cookie of record 1 with the key
// stored in its first eight bytes and undoes the byte shuffle.
func unshuffleCookie(rec1 []byte) ([]byte, error) {
	if len(rec1) < 16 {
		return nil, errors.InvalidFormat("eReader", "record 1 too short")
	}
	key := crypto.FixDESKey(rec1[0:8])
	tail, err := crypto.DESECBDecrypt(key, rec1[len(rec1)-8:])
	if err != nil {
		return nil, err
	}
	shuf := int(binary.BigEndian.Uint32(tail[0:4]))
	size := int(binary.BigEndian.Uint32(tail[4:8]))
	if shuf < 3 || shuf > 0x14 || size < 0xF0 || size > 0x200 || size > len(rec1) {
		return nil, errors.InvalidFormat("eReader", "bad cookie")
	}
	input, err := crypto.DESECBDecrypt(key, rec1[len(rec1)-size:])
	if err != nil {
		return nil, err
	}
	if len(input) < 8+180 {
		return nil, errors.InvalidFormat("eReader", "cookie too short")
	}
	return Unshuffle(input[:len(input)-8], shuf), nil
}

// Unshuffle places byte i at position (i+1)*shuf mod len.
func Unshuffle(data []byte, shuf int) []byte {
	r := make([]byte, len(data))
	j := 0
	for i := range data {
		j = (j + shuf) % len(data)
		r[j] = data[i]
	}
	return r
}

// Shuffle is the inverse of Unshuffle.
func Shuffle(data []byte, shuf int) []byte {
	r := make([]byte, len(data))
	j := 0
	for i := range data {
		j = (j + shuf) % len(data)
		r[i] = data[j]
	}
	return r
}

// ContentKey decrypts the book's content key with a user key and checks it
// against the stored SHA-1.
func (b *Book) ContentKey(userKey []byte) ([]byte, bool) {
	if len(userKey) != 8 {
		return nil, false
	}
	key, err := crypto.DESECBDecrypt(crypto.FixDESKey(userKey), b.encryptedKey)
	if err != nil || len(key) != 8 {
		return nil, false
	}
	if !bytes.Equal(crypto.SHA1(key), b.keySHA) {
		return nil, false
	}
	return key, true
}

// DeXOR xors text with table starting at table position sp.
func DeXOR(text []byte, sp int, table []byte) []byte {
	if len(table) == 0 {
		return append([]byte(nil), text...)
	}
	r := make([]byte, len(text))
	j := sp % len(table)
	for i, c := range text {
		r[i] = table[j] ^ c
		j++
		if j == len(table) {
			j = 0
		}
	}
	return r
}
