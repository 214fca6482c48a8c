package lzma

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// Decompress reads a stream in the LZMA "alone" format: 5 property bytes,
// an 8-byte little-endian size (all ones when unknown), then the payload.
func Decompress(src []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Compress writes src in the LZMA "alone" format with the size recorded in
// the header.
func Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.WriterConfig{SizeInHeader: true, Size: int64(len(src))}.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
