package topaz

import (
	"bytes"
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/internal/kindle"
	"github.com/sjzar/dedrm/pkg/util/zlib"
)

const pidLength = 8

// Decryptor removes Topaz DRM.
type Decryptor struct {
	keepCompressed bool
}

func NewDecryptor(opts common.Options) *Decryptor {
	return &Decryptor{keepCompressed: opts.KeepCompressed}
}

func (d *Decryptor) Format() common.Format {
	return common.FormatTopaz
}

// Validate checks that sample is a metadata record body with a title.
func (d *Decryptor) Validate(sample []byte) bool {
	m, err := ParseMetadata(sample)
	return err == nil && m["Title"] != ""
}

// Detect reports VariantPID when any payload record is encrypted.
func Detect(data []byte) (common.Variant, error) {
	f, err := Parse(data)
	if err != nil {
		return common.VariantUnknown, err
	}
	encrypted, err := f.hasEncrypted()
	if err != nil {
		return common.VariantUnknown, err
	}
	if encrypted {
		return common.VariantPID, nil
	}
	return common.VariantNone, nil
}

func (d *Decryptor) Decrypt(ctx context.Context, input []byte, creds credential.Provider) (*common.Output, error) {
	f, err := Parse(input)
	if err != nil {
		return nil, err
	}
	title := f.Metadata["Title"]

	encrypted, err := f.hasEncrypted()
	if err != nil {
		return nil, err
	}
	if !encrypted {
		return &common.Output{Data: input, Extension: "tpz", Title: title}, errors.DrmFree("Topaz")
	}
	if f.Header(dkeyName) == nil {
		return nil, errors.InvalidFormat("Topaz", "encrypted records but no dkey record")
	}
	dkey, err := f.Record(dkeyName, 0)
	if err != nil {
		return nil, err
	}

	keys, token := f.PIDMeta()
	pids := kindle.CandidatePIDs(creds, &kindle.BookMeta{Rec209: []byte(keys), Token: []byte(token)})
	if len(pids) == 0 {
		return nil, errors.ExternalKeyRequired("Topaz", kindNames()...)
	}

	var bookKey []byte
	tried := 0
	for _, pid := range pids {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		if len(pid) < pidLength {
			continue
		}
		tried++
		if k := DecryptDkey(dkey.Data, []byte(pid[:pidLength])); k != nil {
			bookKey = k
			break
		}
	}
	if bookKey == nil {
		return nil, errors.WrongCredential("Topaz", tried)
	}
	log.Debug().Int("tried", tried).Msg("topaz book key found")

	meta, err := f.Record(metadataName, 0)
	if err != nil {
		return nil, err
	}
	if !d.Validate(meta.Data) {
		return nil, errors.WrongCredentialReason("Topaz", "metadata has no Title")
	}

	out, err := d.rewrite(ctx, f, bookKey)
	if err != nil {
		return nil, err
	}
	return &common.Output{Data: out, Extension: "tpz", Title: title}, nil
}

func kindNames() []string {
	names := make([]string, len(kindle.UsableKinds))
	for i, k := range kindle.UsableKinds {
		names[i] = k.String()
	}
	return names
}

// DecryptDkey tries every sub-record of a dkey record with pid and returns
// the first book key whose envelope names pid, or nil.
func DecryptDkey(data, pid []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	n := int(data[0])
	data = data[1:]
	for i := 0; i < n && len(data) > 0; i++ {
		l := int(data[0])
		if 1+l > len(data) {
			return nil
		}
		if key := decryptDkeyEntry(data[1:1+l], pid); key != nil {
			return key
		}
		data = data[1+l:]
	}
	return nil
}

// decryptDkeyEntry accepts "PID" 8 pid 8 key "pid".
func decryptDkeyEntry(entry, pid []byte) []byte {
	if len(entry) != 24 {
		return nil
	}
	r := crypto.TopazDecrypt(pid, entry)
	switch {
	case string(r[0:3]) != "PID" || string(r[21:24]) != "pid":
		return nil
	case r[3] != 8 || r[12] != 8:
		return nil
	case !bytes.Equal(r[4:12], pid):
		return nil
	}
	return append([]byte(nil), r[13:21]...)
}

func (f *File) hasEncrypted() (bool, error) {
	for _, h := range f.Headers {
		if h.Tag == metadataName {
			continue
		}
		for i := range h.Entries {
			rec, err := f.Record(h.Tag, i)
			if err != nil {
				return false, err
			}
			if rec.Encrypted {
				return true, nil
			}
		}
	}
	return false, nil
}

type slot struct {
	header, entry int
	offset        int
}

// rewrite emits the container with every record decrypted, the encrypted
// index flag cleared and, unless keepCompressed, every record inflated.
func (d *Decryptor) rewrite(ctx context.Context, f *File, bookKey []byte) ([]byte, error) {
	headers := make([]Header, len(f.Headers))
	var slots []slot
	for i, h := range f.Headers {
		headers[i] = Header{Tag: h.Tag, Entries: append([]Entry(nil), h.Entries...)}
		for j, e := range h.Entries {
			slots = append(slots, slot{header: i, entry: j, offset: e.Offset})
		}
	}
	// payload keeps its original record order
	sort.SliceStable(slots, func(a, b int) bool { return slots[a].offset < slots[b].offset })

	var payload bytes.Buffer
	for _, s := range slots {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		h := &headers[s.header]
		rec, err := f.Record(h.Tag, s.entry)
		if err != nil {
			return nil, err
		}
		e := &h.Entries[s.entry]
		e.Offset = payload.Len()

		payload.Write(encodeString(rec.Name))
		if rec.Name == metadataName {
			payload.WriteByte(byte(rec.Index))
			payload.Write(rec.Data)
			continue
		}
		payload.Write(EncodeNumber(rec.Index))

		data := rec.Data
		if rec.Encrypted {
			data = crypto.TopazDecrypt(bookKey, data)
		}
		if e.CompLen > 0 {
			plain, err := zlib.Decompress(data)
			if err != nil {
				return nil, errors.InvalidFormatCause("Topaz", "inflate "+rec.Name, err)
			}
			if !d.keepCompressed {
				data = plain
				e.CompLen = 0
			}
			e.DecompLen = len(plain)
		} else {
			e.DecompLen = len(data)
		}
		payload.Write(data)
	}

	var out bytes.Buffer
	out.WriteString(Magic)
	out.Write(EncodeNumber(len(headers)))
	for _, h := range headers {
		out.WriteByte(tagHeader)
		out.Write(encodeString(h.Tag))
		out.Write(EncodeNumber(len(h.Entries)))
		for _, e := range h.Entries {
			out.Write(EncodeNumber(e.Offset))
			out.Write(EncodeNumber(e.DecompLen))
			out.Write(EncodeNumber(e.CompLen))
		}
	}
	out.WriteByte(tagHeaderEnd)
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}
