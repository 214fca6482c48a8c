package mobi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sjzar/dedrm/internal/errors"
)

type huffCode struct {
	codelen uint
	term    bool
	maxcode uint64
}

type phrase struct {
	data    []byte
	literal bool
}

// HuffReader decodes HUFF/CDIC compressed text records.
type HuffReader struct {
	dict1   [256]huffCode
	mincode [33]uint64
	maxcode [33]uint64
	phrases []phrase
}

// NewHuffReader loads the HUFF record followed by its CDIC records.
func NewHuffReader(huff []byte, cdics ...[]byte) (*HuffReader, error) {
	if len(huff) < 24 || !bytes.Equal(huff[:8], []byte("HUFF\x00\x00\x00\x18")) {
		return nil, errors.InvalidFormat("HUFF", "bad header")
	}
	off1 := int(binary.BigEndian.Uint32(huff[8:12]))
	off2 := int(binary.BigEndian.Uint32(huff[12:16]))
	if off1+256*4 > len(huff) || off2+64*4 > len(huff) {
		return nil, errors.InvalidFormat("HUFF", "tables past end of record")
	}

	h := &HuffReader{}
	for i := range h.dict1 {
		v := binary.BigEndian.Uint32(huff[off1+i*4:])
		c := huffCode{codelen: uint(v & 0x1F), term: v&0x80 != 0}
		if c.codelen == 0 {
			return nil, errors.InvalidFormat("HUFF", "zero code length")
		}
		c.maxcode = (uint64(v>>8)+1)<<(32-c.codelen) - 1
		h.dict1[i] = c
	}
	for l := uint(1); l <= 32; l++ {
		minc := uint64(binary.BigEndian.Uint32(huff[off2+int(l-1)*8:]))
		maxc := uint64(binary.BigEndian.Uint32(huff[off2+int(l-1)*8+4:]))
		h.mincode[l] = minc << (32 - l)
		h.maxcode[l] = (maxc+1)<<(32-l) - 1
	}

	for _, cdic := range cdics {
		if err := h.loadCDIC(cdic); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *HuffReader) loadCDIC(cdic []byte) error {
	if len(cdic) < 16 || !bytes.Equal(cdic[:8], []byte("CDIC\x00\x00\x00\x10")) {
		return errors.InvalidFormat("CDIC", "bad header")
	}
	total := int(binary.BigEndian.Uint32(cdic[8:12]))
	bits := binary.BigEndian.Uint32(cdic[12:16])
	n := total - len(h.phrases)
	if bits < 31 && 1<<bits < n {
		n = 1 << bits
	}
	for i := 0; i < n; i++ {
		if 16+i*2+2 > len(cdic) {
			return errors.InvalidFormat("CDIC", "phrase table truncated")
		}
		off := 16 + int(binary.BigEndian.Uint16(cdic[16+i*2:]))
		if off+2 > len(cdic) {
			return errors.InvalidFormat("CDIC", "phrase offset past end of record")
		}
		blen := binary.BigEndian.Uint16(cdic[off:])
		end := off + 2 + int(blen&0x7FFF)
		if end > len(cdic) {
			return errors.InvalidFormat("CDIC", "phrase past end of record")
		}
		h.phrases = append(h.phrases, phrase{data: cdic[off+2 : end], literal: blen&0x8000 != 0})
	}
	return nil
}

// Unpack decodes one record.
func (h *HuffReader) Unpack(data []byte) ([]byte, error) {
	return h.unpack(data, 0)
}

func (h *HuffReader) unpack(data []byte, depth int) ([]byte, error) {
	if depth > 32 {
		return nil, errors.InvalidFormat("HUFF", "phrase recursion too deep")
	}
	bitsLeft := len(data) * 8
	buf := make([]byte, len(data)+8)
	copy(buf, data)

	var out []byte
	pos := 0
	x := binary.BigEndian.Uint64(buf[pos:])
	n := 32
	for {
		if n <= 0 {
			pos += 4
			if pos+8 > len(buf) {
				break
			}
			x = binary.BigEndian.Uint64(buf[pos:])
			n += 32
		}
		code := (x >> uint(n)) & 0xFFFFFFFF
		c := h.dict1[code>>24]
		codelen, maxcode := c.codelen, c.maxcode
		if !c.term {
			for codelen < 32 && code < h.mincode[codelen] {
				codelen++
			}
			maxcode = h.maxcode[codelen]
		}
		n -= int(codelen)
		bitsLeft -= int(codelen)
		if bitsLeft < 0 {
			break
		}

		r := int((maxcode - code) >> (32 - codelen))
		if r < 0 || r >= len(h.phrases) {
			return nil, errors.InvalidFormat("HUFF", fmt.Sprintf("phrase %d out of range", r))
		}
		p := h.phrases[r]
		if !p.literal {
			expanded, err := h.unpack(p.data, depth+1)
			if err != nil {
				return nil, err
			}
			p = phrase{data: expanded, literal: true}
			h.phrases[r] = p
		}
		out = append(out, p.data...)
	}
	return out, nil
}
