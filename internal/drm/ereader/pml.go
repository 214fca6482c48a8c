package ereader

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zip"
	"golang.org/x/text/encoding/charmap"

	"github.com/sjzar/dedrm/internal/drm/common"
)

// CleanPML escapes bytes 0x80-0xFF as \aNNN.
func CleanPML(pml []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(pml))
	for _, c := range pml {
		if c >= 0x80 {
			fmt.Fprintf(&buf, "\\a%03d", c)
			continue
		}
		buf.WriteByte(c)
	}
	return buf.Bytes()
}

func decodeName(raw []byte) string {
	s, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(s)
}

var spaceRe = regexp.MustCompile(`\s`)

var nameReplacer = strings.NewReplacer(
	"<", "[", ">", "]", " : ", " - ", ": ", " - ", ":", "-",
	"/", "_", "\\", "_", "|", "_", "\"", "'",
)

// SanitizeFileName makes an image name safe to use as a file name.
func SanitizeFileName(name string) string {
	name = nameReplacer.Replace(name)
	name = strings.Map(func(r rune) rune {
		if r < 32 {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(spaceRe.ReplaceAllString(name, " "))
	name = strings.TrimLeft(name, ".")
	return strings.TrimSuffix(name, ".")
}

// packPMLZ stores the files uncompressed in order.
func packPMLZ(order []string, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := common.NewZipWriter(&buf)
	for _, name := range order {
		if err := zw.WriteFile(name, files[name], zip.Store); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
