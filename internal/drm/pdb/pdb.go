package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sjzar/dedrm/internal/errors"
)

const (
	HeaderSize      = 78
	RecordEntrySize = 8

	TypeCreatorOffset = 0x3C
)

// Type/creator pairs at offset 0x3C.
const (
	IdentMobi        = "BOOKMOBI"
	IdentPalmDoc     = "TEXtREAd"
	IdentEReader     = "PNRdPPrs"
	IdentEReaderDict = "PDctPPrs"
)

// Record is one entry of the record list.
type Record struct {
	Offset uint32
	Attr   byte
	UID    uint32
}

// File is a parsed Palm database. It never modifies the input bytes.
type File struct {
	data    []byte
	Name    string
	Ident   string
	Records []Record
}

// Ident returns the type/creator tag of data, or "" when too short.
func Ident(data []byte) string {
	if len(data) < HeaderSize {
		return ""
	}
	return string(data[TypeCreatorOffset : TypeCreatorOffset+8])
}

// Parse reads the header and record list. The type/creator tag must be one
// of expected.
func Parse(data []byte, expected ...string) (*File, error) {
	if len(data) < HeaderSize {
		return nil, errors.InvalidFormat("PDB", "file shorter than header")
	}
	ident := Ident(data)
	match := len(expected) == 0
	for _, e := range expected {
		if ident == e {
			match = true
			break
		}
	}
	if !match {
		return nil, errors.InvalidFormat("PDB", fmt.Sprintf("unexpected creator %q", ident))
	}

	n := int(binary.BigEndian.Uint16(data[76:78]))
	if HeaderSize+n*RecordEntrySize > len(data) {
		return nil, errors.InvalidFormat("PDB", "record list truncated")
	}

	f := &File{
		data:    data,
		Name:    string(bytes.TrimRight(data[:32], "\x00")),
		Ident:   ident,
		Records: make([]Record, n),
	}
	var prev uint32
	for i := 0; i < n; i++ {
		e := data[HeaderSize+i*RecordEntrySize:]
		r := Record{
			Offset: binary.BigEndian.Uint32(e[0:4]),
			Attr:   e[4],
			UID:    uint32(e[5])<<16 | uint32(e[6])<<8 | uint32(e[7]),
		}
		if r.Offset < prev {
			return nil, errors.InvalidFormat("PDB", fmt.Sprintf("record %d offset decreases", i))
		}
		if int(r.Offset) > len(data) {
			return nil, errors.InvalidFormat("PDB", fmt.Sprintf("record %d offset beyond end of file", i))
		}
		prev = r.Offset
		f.Records[i] = r
	}
	return f, nil
}

func (f *File) NumRecords() int {
	return len(f.Records)
}

// Load returns record i: [offset_i, offset_i+1) or up to EOF for the last.
func (f *File) Load(i int) ([]byte, error) {
	if i < 0 || i >= len(f.Records) {
		return nil, errors.InvalidFormat("PDB", fmt.Sprintf("record %d out of range", i))
	}
	start := f.Records[i].Offset
	end := uint32(len(f.data))
	if i+1 < len(f.Records) {
		end = f.Records[i+1].Offset
	}
	return f.data[start:end], nil
}

// Header returns a copy of the 78-byte header.
func (f *File) Header() []byte {
	return append([]byte(nil), f.data[:HeaderSize]...)
}

// Gap returns the bytes between the record list and the first record.
func (f *File) Gap() []byte {
	listEnd := HeaderSize + len(f.Records)*RecordEntrySize
	if len(f.Records) == 0 || int(f.Records[0].Offset) <= listEnd {
		return nil
	}
	return append([]byte(nil), f.data[listEnd:f.Records[0].Offset]...)
}

// Build assembles a database from a header, a record list and payloads.
// Offsets are recomputed; attributes and UIDs come from records.
func Build(header []byte, gap []byte, records []Record, payloads [][]byte) ([]byte, error) {
	if len(header) < HeaderSize {
		return nil, errors.InvalidArg("pdb header")
	}
	if len(records) != len(payloads) {
		return nil, errors.InvalidArg("pdb record count")
	}

	var buf bytes.Buffer
	h := append([]byte(nil), header[:HeaderSize]...)
	binary.BigEndian.PutUint16(h[76:78], uint16(len(records)))
	buf.Write(h)

	off := HeaderSize + len(records)*RecordEntrySize + len(gap)
	for i, r := range records {
		var e [RecordEntrySize]byte
		binary.BigEndian.PutUint32(e[0:4], uint32(off))
		e[4] = r.Attr
		e[5], e[6], e[7] = byte(r.UID>>16), byte(r.UID>>8), byte(r.UID)
		buf.Write(e[:])
		off += len(payloads[i])
	}
	buf.Write(gap)
	for _, p := range payloads {
		buf.Write(p)
	}
	return buf.Bytes(), nil
}
