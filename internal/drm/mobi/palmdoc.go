package mobi

import (
	"bytes"

	"github.com/sjzar/dedrm/internal/errors"
)

// Compression types of the PalmDoc header.
const (
	CompressionNone    = 1
	CompressionPalmDoc = 2
	CompressionHuff    = 17480
)

// PalmDocDecompress expands one LZ77 PalmDoc record.
func PalmDocDecompress(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)*2)
	for i := 0; i < len(src); {
		c := src[i]
		i++
		switch {
		case c == 0 || (c >= 0x09 && c <= 0x7F):
			out = append(out, c)
		case c >= 0x01 && c <= 0x08:
			n := int(c)
			if i+n > len(src) {
				return nil, errors.InvalidFormat("PalmDoc", "literal run past end of record")
			}
			out = append(out, src[i:i+n]...)
			i += n
		case c >= 0xC0:
			out = append(out, ' ', c^0x80)
		default:
			if i >= len(src) {
				return nil, errors.InvalidFormat("PalmDoc", "truncated back reference")
			}
			v := (int(c)<<8 | int(src[i])) & 0x3FFF
			i++
			dist, n := v>>3, v&7+3
			if dist == 0 || dist > len(out) {
				return nil, errors.InvalidFormat("PalmDoc", "back reference before start of record")
			}
			for j := 0; j < n; j++ {
				out = append(out, out[len(out)-dist])
			}
		}
	}
	return out, nil
}

// PalmDocCompress is a greedy PalmDoc encoder.
func PalmDocCompress(src []byte) []byte {
	var out bytes.Buffer
	for i := 0; i < len(src); {
		if dist, n := longestMatch(src, i); n >= 3 {
			v := 0x8000 | dist<<3 | (n - 3)
			out.WriteByte(byte(v >> 8))
			out.WriteByte(byte(v))
			i += n
			continue
		}

		c := src[i]
		if c == ' ' && i+1 < len(src) && src[i+1] >= 0x40 && src[i+1] <= 0x7F {
			out.WriteByte(src[i+1] ^ 0x80)
			i += 2
			continue
		}
		if c == 0 || (c >= 0x09 && c <= 0x7F) {
			out.WriteByte(c)
			i++
			continue
		}

		// run of bytes that need escaping
		j := i
		for j < len(src) && j-i < 8 && !(src[j] == 0 || (src[j] >= 0x09 && src[j] <= 0x7F)) {
			j++
		}
		out.WriteByte(byte(j - i))
		out.Write(src[i:j])
		i = j
	}
	return out.Bytes()
}

func longestMatch(src []byte, pos int) (dist, n int) {
	start := pos - 2047
	if start < 0 {
		start = 0
	}
	for s := pos - 1; s >= start; s-- {
		l := 0
		for l < 10 && pos+l < len(src) && src[s+l] == src[pos+l] {
			l++
		}
		if l > n {
			dist, n = pos-s, l
			if n == 10 {
				break
			}
		}
	}
	return dist, n
}
