package pdf

import (
	"bytes"
	"encoding/ascii85"
	"encoding/hex"
	"io"

	"github.com/hhrutter/lzw"

	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util/zlib"
)

// Filter names, long and abbreviated.
const (
	FilterFlate     Name = "FlateDecode"
	FilterLZW       Name = "LZWDecode"
	FilterASCIIHex  Name = "ASCIIHexDecode"
	FilterASCII85   Name = "ASCII85Decode"
	FilterCrypt     Name = "Crypt"
	filterFlateAbbr Name = "Fl"
	filterLZWAbbr   Name = "LZW"
	filterAHxAbbr   Name = "AHx"
	filterA85Abbr   Name = "A85"
)

// filters returns the filter chain of a stream with the parameters of each
// stage, missing parameters as nil.
func filters(d Dict) ([]Name, []Dict) {
	var names []Name
	switch f := d.Get("Filter").(type) {
	case Name:
		names = []Name{f}
	case Array:
		for _, e := range f {
			if n, ok := e.(Name); ok {
				names = append(names, n)
			}
		}
	}
	parms := make([]Dict, len(names))
	switch p := d.Get("DecodeParms").(type) {
	case Dict:
		if len(parms) > 0 {
			parms[0] = p
		}
	case Array:
		for i := 0; i < len(p) && i < len(parms); i++ {
			parms[i], _ = p[i].(Dict)
		}
	}
	return names, parms
}

// Decode runs the filter chain of s. Crypt stages are skipped: the data is
// expected to be decrypted already.
func Decode(s *Stream) ([]byte, error) {
	names, parms := filters(s.Dict)
	data := s.Data
	for i, name := range names {
		var err error
		if data, err = applyFilter(name, parms[i], data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func applyFilter(name Name, parms Dict, data []byte) ([]byte, error) {
	switch name {
	case FilterFlate, filterFlateAbbr:
		out, err := zlib.DecompressLenient(data)
		if err != nil {
			return nil, errors.DecompressFailed("FlateDecode", err)
		}
		return applyPredictor(parms, out)
	case FilterLZW, filterLZWAbbr:
		early := true
		if parms != nil {
			early = parms.Int("EarlyChange", 1) == 1
		}
		rc := lzw.NewReader(bytes.NewReader(data), early)
		defer rc.Close()
		out, err := io.ReadAll(rc)
		if err != nil && len(out) == 0 {
			return nil, errors.DecompressFailed("LZWDecode", err)
		}
		return applyPredictor(parms, out)
	case FilterASCIIHex, filterAHxAbbr:
		return asciiHexDecode(data)
	case FilterASCII85, filterA85Abbr:
		return ascii85Decode(data)
	case FilterCrypt:
		return data, nil
	}
	return nil, errors.UnsupportedVersion("PDF", "filter "+string(name))
}

func asciiHexDecode(data []byte) ([]byte, error) {
	clean := make([]byte, 0, len(data))
	for _, c := range data {
		if c == '>' {
			break
		}
		if !isSpace(c) {
			clean = append(clean, c)
		}
	}
	if len(clean)%2 == 1 {
		clean = append(clean, '0')
	}
	out := make([]byte, len(clean)/2)
	if _, err := hex.Decode(out, clean); err != nil {
		return nil, errors.DecompressFailed("ASCIIHexDecode", err)
	}
	return out, nil
}

func ascii85Decode(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte("<~"))
	if i := bytes.Index(data, []byte("~>")); i >= 0 {
		data = data[:i]
	}
	out := make([]byte, 4*len(data)/5+4)
	n, _, err := ascii85.Decode(out, data, true)
	if err != nil {
		return nil, errors.DecompressFailed("ASCII85Decode", err)
	}
	return out[:n], nil
}

// applyPredictor undoes TIFF predictor 2 and the PNG row filters.
func applyPredictor(parms Dict, data []byte) ([]byte, error) {
	if parms == nil {
		return data, nil
	}
	pred := parms.Int("Predictor", 1)
	if pred == 1 {
		return data, nil
	}
	colors := parms.Int("Colors", 1)
	bpc := parms.Int("BitsPerComponent", 8)
	columns := parms.Int("Columns", 1)
	bpp := (colors*bpc + 7) / 8
	rowLen := (colors*bpc*columns + 7) / 8
	if rowLen <= 0 || bpp <= 0 {
		return nil, errors.InvalidFormat("PDF", "bad predictor parameters")
	}

	if pred == 2 {
		if bpc != 8 {
			return nil, errors.UnsupportedVersion("PDF", "TIFF predictor with non-byte samples")
		}
		out := append([]byte(nil), data...)
		for row := 0; row+rowLen <= len(out); row += rowLen {
			for i := bpp; i < rowLen; i++ {
				out[row+i] += out[row+i-bpp]
			}
		}
		return out, nil
	}
	if pred < 10 {
		return nil, errors.UnsupportedVersion("PDF", pred)
	}

	out := make([]byte, 0, len(data))
	prev := make([]byte, rowLen)
	for pos := 0; pos < len(data); pos += rowLen + 1 {
		end := pos + rowLen + 1
		if end > len(data) {
			break
		}
		kind, row := data[pos], append([]byte(nil), data[pos+1:end]...)
		for i := range row {
			var left, upLeft byte
			if i >= bpp {
				left, upLeft = row[i-bpp], prev[i-bpp]
			}
			up := prev[i]
			switch kind {
			case 0:
			case 1:
				row[i] += left
			case 2:
				row[i] += up
			case 3:
				row[i] += byte((int(left) + int(up)) / 2)
			case 4:
				row[i] += paeth(left, up, upLeft)
			default:
				return nil, errors.InvalidFormat("PDF", "bad PNG row filter")
			}
		}
		out = append(out, row...)
		prev = row
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
