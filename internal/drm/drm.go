// Package drm detects e-book containers and hands them to the matching
// DRM removal engine.
package drm

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/drm/epub"
	"github.com/sjzar/dedrm/internal/drm/ereader"
	"github.com/sjzar/dedrm/internal/drm/kfx"
	"github.com/sjzar/dedrm/internal/drm/kfx/ion"
	"github.com/sjzar/dedrm/internal/drm/mobi"
	"github.com/sjzar/dedrm/internal/drm/pdb"
	"github.com/sjzar/dedrm/internal/drm/pdf"
	"github.com/sjzar/dedrm/internal/drm/topaz"
	"github.com/sjzar/dedrm/internal/errors"
)

type (
	Format  = common.Format
	Variant = common.Variant
)

const (
	FormatUnknown = common.FormatUnknown
	FormatMobi    = common.FormatMobi
	FormatTopaz   = common.FormatTopaz
	FormatEReader = common.FormatEReader
	FormatEPUB    = common.FormatEPUB
	FormatPDF     = common.FormatPDF
	FormatKFX     = common.FormatKFX
)

// pdfSearchWindow is how far into the file the %PDF- header may start.
const pdfSearchWindow = 1024

var (
	magicZip    = []byte("PK\x03\x04")
	magicPDF    = []byte("%PDF-")
	magicDRMION = []byte("\xeaDRMION\xee")
)

// Hint overrides detection and tunes the engines.
type Hint struct {
	// Format skips magic sniffing when set.
	Format Format
	// Options is merged over common.DefaultOptions.
	Options common.Options
}

func (h *Hint) options() common.Options {
	opts := common.DefaultOptions()
	if h == nil {
		return opts
	}
	if h.Options.PMLMode != "" {
		opts.PMLMode = h.Options.PMLMode
	}
	if h.Options.BookName != "" {
		opts.BookName = h.Options.BookName
	}
	opts.KeepCompressed = h.Options.KeepCompressed
	return opts
}

// Result is a decrypted book.
type Result struct {
	Format  Format
	Variant Variant
	// Data is the decrypted container; empty for eReader tree output.
	Data []byte
	// Extension is the suggested output extension without a dot.
	Extension string
	Title     string
	// Files is the eReader source tree, keyed by relative path.
	Files map[string][]byte
}

// Sniff classifies input by its leading bytes only.
func Sniff(input []byte) Format {
	switch {
	case bytes.HasPrefix(input, []byte(topaz.Magic)):
		return FormatTopaz
	case bytes.HasPrefix(input, magicZip):
		if isEPUB(input) {
			return FormatEPUB
		}
		return FormatKFX
	case bytes.HasPrefix(input, magicDRMION), ion.HasBVM(input):
		return FormatKFX
	}
	switch pdb.Ident(input) {
	case pdb.IdentMobi, pdb.IdentPalmDoc:
		return FormatMobi
	case pdb.IdentEReader, pdb.IdentEReaderDict:
		return FormatEReader
	}
	if bytes.Contains(input[:min(len(input), pdfSearchWindow)], magicPDF) {
		return FormatPDF
	}
	return FormatUnknown
}

// isEPUB looks for the OCF mimetype entry or a container.xml.
func isEPUB(input []byte) bool {
	zr, err := common.OpenZip("EPUB", input)
	if err != nil {
		return false
	}
	if f := common.FindZipFile(zr, "mimetype"); f != nil {
		if data, err := common.ReadZipFile(f); err == nil {
			return strings.TrimSpace(string(data)) == common.EPUBMimetype
		}
	}
	return common.FindZipFile(zr, "META-INF/container.xml") != nil
}

// Detect classifies input and its DRM variant.
func Detect(input []byte) (Format, Variant, error) {
	format := Sniff(input)
	if format == FormatUnknown {
		return FormatUnknown, common.VariantUnknown, errors.ErrUnknownFormat.WithStack()
	}
	variant, err := detectVariant(format, input)
	if err != nil {
		if format == FormatKFX && bytes.HasPrefix(input, magicZip) {
			// a zip that is neither an EPUB nor a kfx-zip
			return FormatUnknown, common.VariantUnknown, errors.New(err, errors.KindUnknownFormat, "unknown zip archive").WithStack()
		}
		return format, common.VariantUnknown, err
	}
	return format, variant, nil
}

// DetectAs skips sniffing and asks the engine of format for the variant.
func DetectAs(format Format, input []byte) (Format, Variant, error) {
	variant, err := detectVariant(format, input)
	if err != nil {
		return format, common.VariantUnknown, err
	}
	return format, variant, nil
}

func detectVariant(format Format, input []byte) (Variant, error) {
	switch format {
	case FormatMobi:
		return mobi.Detect(input)
	case FormatTopaz:
		return topaz.Detect(input)
	case FormatEReader:
		return ereader.Detect(input)
	case FormatEPUB:
		return epub.Detect(input)
	case FormatPDF:
		return pdf.Detect(input)
	case FormatKFX:
		return kfx.Detect(input)
	}
	return common.VariantUnknown, errors.ErrUnknownFormat.WithStack()
}

// Decrypt detects input, picks its engine and removes the DRM. A DrmFree
// error comes with a Result holding the input unchanged.
func Decrypt(ctx context.Context, input []byte, creds credential.Provider, hint *Hint) (*Result, error) {
	var (
		format  Format
		variant Variant
		err     error
	)
	if hint != nil && hint.Format != FormatUnknown {
		format, variant, err = DetectAs(hint.Format, input)
	} else {
		format, variant, err = Detect(input)
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("format", format.String()).Str("variant", string(variant)).Int("size", len(input)).Msg("detected")

	dec, err := NewDecryptor(format, variant, hint.options())
	if err != nil {
		return nil, err
	}
	if creds == nil {
		creds = credential.NewPool()
	}
	out, err := dec.Decrypt(ctx, input, creds)
	if err != nil && !errors.IsDrmFree(err) {
		return nil, err
	}
	res := &Result{Format: format, Variant: variant, Data: input}
	if out != nil {
		res.Data, res.Extension, res.Title, res.Files = out.Data, out.Extension, out.Title, out.Files
	}
	return res, err
}

// DecryptTo decrypts input and writes the container to w. Nothing is
// written unless the engine succeeded or found the book DRM free.
func DecryptTo(ctx context.Context, w io.Writer, input []byte, creds credential.Provider, hint *Hint) (*Result, error) {
	res, err := Decrypt(ctx, input, creds, hint)
	if res == nil {
		return nil, err
	}
	if len(res.Data) == 0 && len(res.Files) > 0 {
		return nil, errors.InvalidArg("tree output cannot be written to a single stream")
	}
	if _, werr := w.Write(res.Data); werr != nil {
		return nil, errors.WriteOutputFailed(werr)
	}
	return res, err
}
