package topaz

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/sjzar/dedrm/internal/errors"
)

const (
	Magic = "TPZ0"

	tagHeader    = 0x63
	tagHeaderEnd = 0x64

	metadataName = "metadata"
	dkeyName     = "dkey"
)

// Entry locates one payload record: offset from the payload start,
// decompressed length and compressed length (0 when stored).
type Entry struct {
	Offset    int
	DecompLen int
	CompLen   int
}

// Header is one named record list in file order.
type Header struct {
	Tag     string
	Entries []Entry
}

// File is a parsed Topaz container.
type File struct {
	data          []byte
	Headers       []Header
	PayloadOffset int
	Metadata      map[string]string
}

// Record is a payload record as stored.
type Record struct {
	Name      string
	Index     int
	Encrypted bool
	Data      []byte
}

// ReadNumber decodes a Topaz variable length integer: an optional 0xFF
// negative prefix then big-endian 7-bit groups, high bit set on all but
// the last.
func ReadNumber(r io.ByteReader) (int, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	negative := false
	if b == 0xFF {
		negative = true
		if b, err = r.ReadByte(); err != nil {
			return 0, err
		}
	}
	v := int(b)
	if b >= 0x80 {
		v = int(b & 0x7F)
		for b >= 0x80 {
			if b, err = r.ReadByte(); err != nil {
				return 0, err
			}
			v = v<<7 | int(b&0x7F)
			if v > 1<<40 {
				return 0, fmt.Errorf("encoded number overflows")
			}
		}
	}
	if negative {
		v = -v
	}
	return v, nil
}

// EncodeNumber is the inverse of ReadNumber.
func EncodeNumber(n int) []byte {
	var prefix []byte
	if n < 0 {
		prefix = []byte{0xFF}
		n = -n
	}
	groups := []byte{byte(n & 0x7F)}
	for n >>= 7; n > 0; n >>= 7 {
		groups = append(groups, byte(n&0x7F)|0x80)
	}
	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	// a leading 0xFF would read back as the negative prefix
	if prefix == nil && groups[0] == 0xFF {
		groups = append([]byte{0x80}, groups...)
	}
	return append(prefix, groups...)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := ReadNumber(r)
	if err != nil {
		return "", err
	}
	if n < 0 || n > r.Len() {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func encodeString(s string) []byte {
	return append(EncodeNumber(len(s)), s...)
}

// Parse reads the header table and the metadata record.
func Parse(data []byte) (*File, error) {
	if !bytes.HasPrefix(data, []byte(Magic)) {
		return nil, errors.InvalidFormat("Topaz", "missing TPZ0 magic")
	}
	r := bytes.NewReader(data[len(Magic):])
	bad := func(err error) error {
		return errors.InvalidFormatCause("Topaz", "header table", err)
	}

	n, err := ReadNumber(r)
	if err != nil {
		return nil, bad(err)
	}
	if n < 0 || n > r.Len() {
		return nil, errors.InvalidFormat("Topaz", fmt.Sprintf("header count %d", n))
	}
	f := &File{data: data, Metadata: make(map[string]string)}
	for i := 0; i < n; i++ {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, bad(err)
		}
		if tag != tagHeader {
			return nil, errors.InvalidFormat("Topaz", fmt.Sprintf("header %d has tag 0x%02x", i, tag))
		}
		name, err := readString(r)
		if err != nil {
			return nil, bad(err)
		}
		count, err := ReadNumber(r)
		if err != nil {
			return nil, bad(err)
		}
		if count < 0 || count > r.Len() {
			return nil, errors.InvalidFormat("Topaz", fmt.Sprintf("header %q has %d entries", name, count))
		}
		h := Header{Tag: name, Entries: make([]Entry, count)}
		for j := range h.Entries {
			var vals [3]int
			for k := range vals {
				if vals[k], err = ReadNumber(r); err != nil {
					return nil, bad(err)
				}
				if vals[k] < 0 {
					return nil, errors.InvalidFormat("Topaz", fmt.Sprintf("negative value in header %q", name))
				}
			}
			h.Entries[j] = Entry{Offset: vals[0], DecompLen: vals[1], CompLen: vals[2]}
		}
		f.Headers = append(f.Headers, h)
	}
	end, err := r.ReadByte()
	if err != nil {
		return nil, bad(err)
	}
	if end != tagHeaderEnd {
		return nil, errors.InvalidFormat("Topaz", "header table not terminated")
	}
	f.PayloadOffset = len(data) - r.Len()

	if f.Header(metadataName) == nil {
		return nil, errors.InvalidFormat("Topaz", "no metadata record")
	}
	if err := f.parseMetadata(); err != nil {
		return nil, err
	}
	return f, nil
}

// Header returns the named header, or nil.
func (f *File) Header(tag string) *Header {
	for i := range f.Headers {
		if f.Headers[i].Tag == tag {
			return &f.Headers[i]
		}
	}
	return nil
}

func (f *File) parseMetadata() error {
	rec, err := f.Record(metadataName, 0)
	if err != nil {
		return err
	}
	m, err := ParseMetadata(rec.Data)
	if err != nil {
		return err
	}
	f.Metadata = m
	return nil
}

// ParseMetadata decodes the body of the metadata record that follows its
// flags byte: a count byte then key/value strings.
func ParseMetadata(body []byte) (map[string]string, error) {
	r := bytes.NewReader(body)
	count, err := r.ReadByte()
	if err != nil {
		return nil, errors.InvalidFormatCause("Topaz", "metadata", err)
	}
	m := make(map[string]string, count)
	for i := 0; i < int(count); i++ {
		k, err := readString(r)
		if err != nil {
			return nil, errors.InvalidFormatCause("Topaz", "metadata key", err)
		}
		v, err := readString(r)
		if err != nil {
			return nil, errors.InvalidFormatCause("Topaz", "metadata value", err)
		}
		m[k] = v
	}
	return m, nil
}

// PIDMeta returns the keys metadata value and the concatenation of the
// values it names.
func (f *File) PIDMeta() (keys, token string) {
	keys = f.Metadata["keys"]
	if keys == "" {
		return "", ""
	}
	var sb strings.Builder
	for _, k := range strings.Split(keys, ",") {
		sb.WriteString(f.Metadata[k])
	}
	return keys, sb.String()
}

// Record reads payload record index of the named header, undecrypted. The
// metadata record keeps a raw flags byte where others store their index.
func (f *File) Record(name string, index int) (*Record, error) {
	h := f.Header(name)
	if h == nil || index < 0 || index >= len(h.Entries) {
		return nil, errors.InvalidFormat("Topaz", fmt.Sprintf("record %s[%d] not found", name, index))
	}
	e := h.Entries[index]
	start := f.PayloadOffset + e.Offset
	if start > len(f.data) {
		return nil, errors.InvalidFormat("Topaz", fmt.Sprintf("record %s[%d] past end of file", name, index))
	}
	r := bytes.NewReader(f.data[start:])
	tag, err := readString(r)
	if err != nil {
		return nil, errors.InvalidFormatCause("Topaz", "record name", err)
	}
	if tag != name {
		return nil, errors.InvalidFormat("Topaz", fmt.Sprintf("record name %q does not match %q", tag, name))
	}

	rec := &Record{Name: name}
	if name == metadataName {
		flags, err := r.ReadByte()
		if err != nil {
			return nil, errors.InvalidFormatCause("Topaz", "metadata flags", err)
		}
		rec.Index = int(flags)
	} else {
		idx, err := ReadNumber(r)
		if err != nil {
			return nil, errors.InvalidFormatCause("Topaz", "record index", err)
		}
		if idx < 0 {
			rec.Encrypted = true
			idx = -idx - 1
		}
		if idx != index {
			return nil, errors.InvalidFormat("Topaz", fmt.Sprintf("record %s index %d does not match %d", name, idx, index))
		}
		rec.Index = idx
	}

	pos := len(f.data) - r.Len()
	size := e.DecompLen
	if e.CompLen > 0 {
		size = e.CompLen
	}
	if name == metadataName && (size == 0 || size > r.Len()) {
		size = f.nextRecord(e.Offset) - pos
	}
	if size < 0 || size > r.Len() {
		return nil, errors.InvalidFormat("Topaz", fmt.Sprintf("record %s[%d] truncated", name, index))
	}
	rec.Data = f.data[pos : pos+size]
	return rec, nil
}

// nextRecord is the absolute offset of the payload record after off, or EOF.
func (f *File) nextRecord(off int) int {
	next := len(f.data)
	for _, h := range f.Headers {
		for _, e := range h.Entries {
			if abs := f.PayloadOffset + e.Offset; e.Offset > off && abs < next {
				next = abs
			}
		}
	}
	return next
}
