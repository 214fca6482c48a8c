package pdf

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util/zlib"
)

// trailer keys that describe the input's structure or encryption.
var droppedTrailerKeys = []Name{
	"Encrypt", "Prev", "XRefStm", "Size",
	"Type", "W", "Index", "Filter", "DecodeParms", "Length", "DL",
}

// Rewrite emits the document with every object decrypted and at top level.
// Object numbers are kept, generations become 0, the encryption dictionary
// and all object and cross-reference streams are dropped. The output uses a
// cross-reference stream when the newest input section did.
func (f *File) Rewrite(ctx context.Context) ([]byte, error) {
	objects := make(map[int]Object, len(f.xref))
	expanded := 0
	for _, num := range f.Numbers() {
		if err := common.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		if num == f.encryptNum {
			continue
		}
		o, err := f.Object(num)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInvalidFormat, fmt.Sprintf("object %d", num))
		}
		s, ok := o.(*Stream)
		if !ok {
			objects[num] = o
			continue
		}
		switch t, _ := s.Dict.Name("Type"); t {
		case "XRef":
			continue
		case "ObjStm":
			members, err := f.Members(num)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				if _, listed := f.xref[m]; listed {
					continue
				}
				if objects[m], err = f.compressed(num, m); err != nil {
					return nil, err
				}
			}
			expanded++
			continue
		}
		objects[num] = plainStream(s)
	}

	trailer := f.Trailer.Clone()
	for _, k := range droppedTrailerKeys {
		delete(trailer, k)
	}
	log.Debug().Int("objects", len(objects)).Int("objstm", expanded).Bool("xrefstream", f.XRefStream).Msg("pdf rewrite")
	return Build(f.Version, objects, trailer, f.XRefStream)
}

// plainStream drops a leading Crypt filter and fixes /Length.
func plainStream(s *Stream) *Stream {
	d := s.Dict.Clone()
	names, parms := filters(d)
	if len(names) > 0 && names[0] == FilterCrypt {
		names, parms = names[1:], parms[1:]
		switch len(names) {
		case 0:
			delete(d, "Filter")
			delete(d, "DecodeParms")
		default:
			arr, parr := make(Array, len(names)), make(Array, len(parms))
			hasParms := false
			for i := range names {
				arr[i] = names[i]
				if parms[i] != nil {
					parr[i], hasParms = parms[i], true
				}
			}
			d["Filter"] = arr
			delete(d, "DecodeParms")
			if hasParms {
				d["DecodeParms"] = parr
			}
		}
	}
	d["Length"] = Integer(len(s.Data))
	return &Stream{Dict: d, Data: s.Data}
}

// Build serializes objects with a classic cross-reference table or a
// cross-reference stream.
func Build(version string, objects map[int]Object, trailer Dict, xrefStream bool) ([]byte, error) {
	nums := make([]int, 0, len(objects))
	for n := range objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	size := 1
	if len(nums) > 0 {
		size = nums[len(nums)-1] + 1
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%%PDF-%s\n%%\xE2\xE3\xCF\xD3\n", version)
	offsets := make(map[int]int, len(nums))
	for _, n := range nums {
		offsets[n] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n", n)
		buf.Write(Serialize(objects[n]))
		buf.WriteString("\nendobj\n")
	}

	t := trailer.Clone()
	if xrefStream {
		if err := writeXrefStream(&buf, offsets, size, t); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	start := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", size)
	buf.WriteString("0000000000 65535 f\r\n")
	for n := 1; n < size; n++ {
		if off, ok := offsets[n]; ok {
			fmt.Fprintf(&buf, "%010d 00000 n\r\n", off)
		} else {
			buf.WriteString("0000000000 00001 f\r\n")
		}
	}
	t["Size"] = Integer(size)
	buf.WriteString("trailer\n")
	buf.Write(Serialize(t))
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", start)
	return buf.Bytes(), nil
}

// writeXrefStream appends a cross-reference stream as object size.
func writeXrefStream(buf *bytes.Buffer, offsets map[int]int, size int, t Dict) error {
	self := buf.Len()
	offsets[size] = self
	size++

	width := 1
	for v := self; v > 0xFF; v >>= 8 {
		width++
	}
	rows := make([]byte, 0, size*(width+3))
	for n := 0; n < size; n++ {
		off, ok := offsets[n]
		switch {
		case n == 0:
			rows = append(rows, 0)
			rows = appendBE(rows, 0, width)
			rows = append(rows, 0xFF, 0xFF)
		case ok:
			rows = append(rows, 1)
			rows = appendBE(rows, off, width)
			rows = append(rows, 0, 0)
		default:
			rows = append(rows, 0)
			rows = appendBE(rows, 0, width)
			rows = append(rows, 0, 1)
		}
	}
	data, err := zlib.Compress(rows)
	if err != nil {
		return errors.WriteOutputFailed(err)
	}

	t["Type"] = Name("XRef")
	t["Size"] = Integer(size)
	t["W"] = Array{Integer(1), Integer(width), Integer(2)}
	t["Filter"] = FilterFlate
	t["Length"] = Integer(len(data))
	fmt.Fprintf(buf, "%d 0 obj\n", size-1)
	buf.Write(Serialize(&Stream{Dict: t, Data: data}))
	fmt.Fprintf(buf, "\nendobj\nstartxref\n%d\n%%%%EOF\n", self)
	return nil
}

func appendBE(b []byte, v, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}
