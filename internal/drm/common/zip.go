package common

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zip"

	"github.com/sjzar/dedrm/internal/errors"
)

const (
	MimetypeName = "mimetype"
	EPUBMimetype = "application/epub+zip"
)

// OpenZip opens an in-memory archive.
func OpenZip(format string, data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.InvalidFormatCause(format, "bad zip archive", err)
	}
	return zr, nil
}

// ReadZipFile reads a whole entry.
func ReadZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.InvalidFormatCause("zip", "open entry "+f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.InvalidFormatCause("zip", "read entry "+f.Name, err)
	}
	return data, nil
}

// FindZipFile returns the entry called name, or nil.
func FindZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// ZipWriter rebuilds archives entry by entry.
type ZipWriter struct {
	zw *zip.Writer
}

func NewZipWriter(w io.Writer) *ZipWriter {
	return &ZipWriter{zw: zip.NewWriter(w)}
}

// WriteMimetype writes the OCF mimetype entry STORED and without extra
// fields. It must be the first entry.
func (z *ZipWriter) WriteMimetype(content []byte) error {
	fh := &zip.FileHeader{Name: MimetypeName, Method: zip.Store}
	w, err := z.zw.CreateHeader(fh)
	if err != nil {
		return errors.WriteOutputFailed(err)
	}
	if _, err := w.Write(content); err != nil {
		return errors.WriteOutputFailed(err)
	}
	return nil
}

// CopyWith writes data under the metadata of src: name, timestamps,
// comment, extra field, attributes and the given method.
func (z *ZipWriter) CopyWith(src *zip.FileHeader, data []byte, method uint16) error {
	fh := &zip.FileHeader{
		Name:           src.Name,
		Comment:        src.Comment,
		Method:         method,
		Modified:       src.Modified,
		Extra:          cleanExtra(src.Extra),
		ExternalAttrs:  src.ExternalAttrs,
		CreatorVersion: src.CreatorVersion,
	}
	w, err := z.zw.CreateHeader(fh)
	if err != nil {
		return errors.WriteOutputFailed(err)
	}
	if _, err := w.Write(data); err != nil {
		return errors.WriteOutputFailed(err)
	}
	return nil
}

// WriteFile adds a new entry with default metadata.
func (z *ZipWriter) WriteFile(name string, data []byte, method uint16) error {
	w, err := z.zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return errors.WriteOutputFailed(err)
	}
	if _, err := w.Write(data); err != nil {
		return errors.WriteOutputFailed(err)
	}
	return nil
}

func (z *ZipWriter) SetComment(c string) error {
	return z.zw.SetComment(c)
}

func (z *ZipWriter) Close() error {
	if err := z.zw.Close(); err != nil {
		return errors.WriteOutputFailed(err)
	}
	return nil
}

// cleanExtra drops the zip64 and extended timestamp fields, which the writer
// regenerates itself.
func cleanExtra(extra []byte) []byte {
	var out []byte
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		if 4+size > len(extra) {
			break
		}
		if tag != 0x0001 && tag != 0x5455 {
			out = append(out, extra[:4+size]...)
		}
		extra = extra[4+size:]
	}
	return out
}
