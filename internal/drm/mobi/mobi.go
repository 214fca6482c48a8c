package mobi

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/drm/pdb"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/internal/kindle"
)

const (
	drmInfoOffset = 0xA8
	drmEntrySize  = 0x30
	defaultPID    = "00000000"
)

var (
	keyVec1   = []byte{0x72, 0x38, 0x33, 0xB0, 0xB4, 0xF2, 0xE3, 0xCA, 0xDF, 0x09, 0x01, 0xD6, 0xE2, 0xE0, 0x3F, 0x96}
	t1KeyVec  = []byte("QDCVEPMU675RUBSZ")
	printMark = []byte("%MOP")
)

// Decryptor removes Mobipocket PID DRM.
type Decryptor struct{}

func NewDecryptor() *Decryptor {
	return &Decryptor{}
}

func (d *Decryptor) Format() common.Format {
	return common.FormatMobi
}

// Validate checks the decompressed first text record: markup, a Print
// Replica container or an index record.
func (d *Decryptor) Validate(sample []byte) bool {
	s := bytes.TrimPrefix(sample, []byte("\xEF\xBB\xBF"))
	s = bytes.TrimLeft(s, " \t\r\n")
	if len(s) == 0 {
		return false
	}
	if s[0] == '<' || bytes.HasPrefix(s, printMark) || bytes.HasPrefix(s, []byte("INDX")) {
		return true
	}
	return false
}

// Decrypt returns the book with crypto type 0 and decrypted text records.
// Detect reports VariantPID for a PID protected book and VariantNone for a
// plain one.
func Detect(data []byte) (common.Variant, error) {
	b, err := Parse(data)
	if err != nil {
		return common.VariantUnknown, err
	}
	switch b.CryptoType {
	case CryptoNone:
		return common.VariantNone, nil
	case CryptoOld, CryptoPIDList:
		return common.VariantPID, nil
	}
	return common.VariantUnknown, errors.UnsupportedVersion("Mobipocket", b.CryptoType)
}

func (d *Decryptor) Decrypt(ctx context.Context, input []byte, creds credential.Provider) (*common.Output, error) {
	b, err := Parse(input)
	if err != nil {
		return nil, err
	}

	switch b.CryptoType {
	case CryptoNone:
		return &common.Output{
			Data:      input,
			Extension: b.Extension(b.isPrintReplica()),
			Title:     b.Title(),
		}, errors.DrmFree("Mobipocket")
	case CryptoOld, CryptoPIDList:
	default:
		return nil, errors.UnsupportedVersion("Mobipocket", b.CryptoType)
	}
	if exp := b.RentalExpiry(); exp != 0 {
		log.Warn().Uint64("expiry", exp).Msg("library or rented book")
	}

	if b.CryptoType == CryptoOld {
		key, err := crypto.PC1(t1KeyVec, b.oldBookKeyData(), true)
		if err != nil {
			return nil, err
		}
		return d.decryptWith(ctx, b, input, key, 0, 0)
	}

	if len(b.sect) < drmInfoOffset+16 {
		return nil, errors.InvalidFormat("Mobipocket", "record 0 has no DRM header")
	}
	drmPtr := int(binary.BigEndian.Uint32(b.sect[drmInfoOffset:]))
	drmCount := int(binary.BigEndian.Uint32(b.sect[drmInfoOffset+4:]))
	drmSize := int(binary.BigEndian.Uint32(b.sect[drmInfoOffset+8:]))
	if drmCount == 0 {
		return nil, errors.InvalidFormat("Mobipocket", "encryption not initialised, open the book in Mobipocket Reader first")
	}
	if drmPtr < 0 || drmSize < 0 || drmPtr+drmSize > len(b.sect) {
		return nil, errors.InvalidFormat("Mobipocket", "DRM block past end of record 0")
	}
	vault := b.sect[drmPtr : drmPtr+drmSize]
	if n := len(vault) / drmEntrySize; drmCount > n {
		drmCount = n
	}

	pids := goodPIDs(kindle.CandidatePIDs(creds, b.PIDMeta()))
	log.Debug().Int("pids", len(pids)).Int("entries", drmCount).Msg("mobi DRM block")

	tried := 0
	for _, pid := range pids {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		key, ok := vaultKey(vault, drmCount, pid)
		if !ok {
			continue
		}
		tried++
		out, err := d.decryptWith(ctx, b, input, key, drmPtr, drmSize)
		if err == nil {
			log.Debug().Str("pid", kindle.ChecksumPID(pid)).Msg("book encoded with PID")
			return out, nil
		}
		if !recoverable(err) {
			return nil, err
		}
	}

	if key, ok := vaultDefaultKey(vault, drmCount); ok {
		out, err := d.decryptWith(ctx, b, input, key, drmPtr, drmSize)
		if err == nil {
			log.Debug().Msg("book has default encryption")
			return out, nil
		}
		if !recoverable(err) {
			return nil, err
		}
	}

	if len(pids) == 0 {
		return nil, errors.ExternalKeyRequired("Mobipocket", kindNames(kindle.UsableKinds)...)
	}
	if tried == 0 {
		return nil, errors.WrongCredentialReason("Mobipocket", "no key found for any of the PIDs tried")
	}
	return nil, errors.WrongCredential("Mobipocket", tried)
}

func recoverable(err error) bool {
	return errors.IsKind(err, errors.KindWrongCredential) || errors.IsKind(err, errors.KindInvalidFormat)
}

func kindNames(kinds []credential.Kind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return names
}

// goodPIDs keeps 8-char PIDs and strips the checksum of 10-char ones.
func goodPIDs(pids []string) []string {
	var out []string
	for _, pid := range pids {
		switch len(pid) {
		case 10:
			if kindle.ChecksumPID(pid[:8]) != pid {
				log.Warn().Str("pid", pid).Msg("PID has incorrect checksum")
			}
			out = append(out, pid[:8])
		case 8:
			out = append(out, pid)
		default:
			log.Debug().Int("length", len(pid)).Msg("skip PID with wrong number of digits")
		}
	}
	return out
}

type vaultEntry struct {
	verification uint32
	cksum        byte
	cookie       []byte
}

func entryAt(vault []byte, i int) vaultEntry {
	e := vault[i*drmEntrySize : (i+1)*drmEntrySize]
	return vaultEntry{
		verification: binary.BigEndian.Uint32(e[0:4]),
		cksum:        e[12],
		cookie:       e[16:48],
	}
}

func checksum(b []byte) byte {
	var s byte
	for _, c := range b {
		s += c
	}
	return s
}

// pidTempKey pads the PID to 16 bytes and encrypts it under keyVec1.
func pidTempKey(pid string) []byte {
	big := make([]byte, 16)
	copy(big, pid)
	k, _ := crypto.PC1(keyVec1, big, false)
	return k
}

func vaultKey(vault []byte, count int, pid string) ([]byte, bool) {
	temp := pidTempKey(pid)
	sum := checksum(temp)
	for i := 0; i < count; i++ {
		e := entryAt(vault, i)
		if e.cksum != sum {
			continue
		}
		cookie, _ := crypto.PC1(temp, e.cookie, true)
		ver := binary.BigEndian.Uint32(cookie[0:4])
		flags := binary.BigEndian.Uint32(cookie[4:8])
		if e.verification == ver && flags&0x1F == 1 {
			return cookie[8:24], true
		}
	}
	return nil, false
}

func vaultDefaultKey(vault []byte, count int) ([]byte, bool) {
	sum := checksum(keyVec1)
	for i := 0; i < count; i++ {
		e := entryAt(vault, i)
		if e.cksum != sum {
			continue
		}
		cookie, _ := crypto.PC1(keyVec1, e.cookie, true)
		if e.verification == binary.BigEndian.Uint32(cookie[0:4]) {
			return cookie[8:24], true
		}
	}
	return nil, false
}

func (b *Book) oldBookKeyData() []byte {
	off := int(b.MobiLength) + 16
	switch {
	case b.Ident != pdb.IdentMobi:
		off = 0x0E
	case b.Version < 0:
		off = 0x90
	}
	data := make([]byte, 16)
	if off < len(b.sect) {
		copy(data, b.sect[off:])
	}
	return data
}

func (b *Book) isPrintReplica() bool {
	rec, err := b.file.Load(1)
	return err == nil && bytes.HasPrefix(rec, printMark)
}

// decryptWith decrypts every text record with key and validates record 1.
// drmSize 0 means there is no vault to wipe.
func (d *Decryptor) decryptWith(ctx context.Context, b *Book, input, key []byte, drmPtr, drmSize int) (*common.Output, error) {
	out := make([]byte, len(input))
	copy(out, input)

	var printReplica bool
	for i := 1; i <= b.Records; i++ {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		rec, err := b.file.Load(i)
		if err != nil {
			return nil, err
		}
		extra := TrailingSize(rec, b.ExtraFlags)
		plain, err := crypto.PC1(key, rec[:len(rec)-extra], true)
		if err != nil {
			return nil, err
		}
		if i == 1 {
			printReplica = bytes.HasPrefix(plain, printMark)
			if !printReplica {
				sample, err := b.decompress(b.stripMultibyte(plain))
				if err != nil || !d.Validate(sample) {
					return nil, errors.WrongCredentialReason("Mobipocket", "record 1 does not decrypt to text")
				}
			}
		}
		copy(out[b.file.Records[i].Offset:], plain)
	}

	base := int(b.file.Records[0].Offset)
	for _, p := range b.patches {
		copy(out[base+p.offset:], p.data)
	}
	if drmSize > 0 {
		copy(out[base+drmPtr:], make([]byte, drmSize))
		copy(out[base+drmInfoOffset:], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	}
	binary.BigEndian.PutUint16(out[base+0xC:], CryptoNone)

	return &common.Output{
		Data:      out,
		Extension: b.Extension(printReplica),
		Title:     b.Title(),
	}, nil
}

func (b *Book) stripMultibyte(rec []byte) []byte {
	if !b.Multibyte || b.Compression == CompressionHuff || len(rec) == 0 {
		return rec
	}
	n := int(rec[len(rec)-1]&0x3) + 1
	if n > len(rec) {
		return rec
	}
	return rec[:len(rec)-n]
}

func (b *Book) decompress(rec []byte) ([]byte, error) {
	switch b.Compression {
	case CompressionPalmDoc:
		return PalmDocDecompress(rec)
	case CompressionHuff:
		huff, cdics, err := b.HuffRecords()
		if err != nil {
			return nil, err
		}
		h, err := NewHuffReader(huff, cdics...)
		if err != nil {
			return nil, err
		}
		return h.Unpack(rec)
	default:
		return rec, nil
	}
}
