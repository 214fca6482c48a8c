package common

import (
	"context"
	"strings"

	"github.com/sjzar/dedrm/internal/errors"
)

// Format is the container family of a book.
type Format int

const (
	FormatUnknown Format = iota
	FormatMobi
	FormatTopaz
	FormatEReader
	FormatEPUB
	FormatPDF
	FormatKFX
)

func (f Format) String() string {
	switch f {
	case FormatMobi:
		return "Mobipocket"
	case FormatTopaz:
		return "Topaz"
	case FormatEReader:
		return "eReader"
	case FormatEPUB:
		return "EPUB"
	case FormatPDF:
		return "PDF"
	case FormatKFX:
		return "KFX"
	default:
		return "unknown"
	}
}

// ParseFormat accepts a format name or a common file extension, in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "mobipocket", "mobi", "azw", "azw3", "prc":
		return FormatMobi, nil
	case "topaz", "tpz", "azw1":
		return FormatTopaz, nil
	case "ereader", "pdb":
		return FormatEReader, nil
	case "epub":
		return FormatEPUB, nil
	case "pdf":
		return FormatPDF, nil
	case "kfx", "kfx-zip", "azw8", "ion":
		return FormatKFX, nil
	}
	return FormatUnknown, errors.InvalidArg("format " + s)
}

// Variant refines a Format: the DRM scheme or container flavour.
type Variant string

const (
	VariantNone     Variant = "none"
	VariantAdept    Variant = "adept"
	VariantPassHash Variant = "passhash"
	VariantPID      Variant = "pid"
	VariantLCP      Variant = "lcp"
	VariantStandard Variant = "standard"
	VariantEBX      Variant = "ebx"
	VariantAPS      Variant = "aps"
	VariantFOPN     Variant = "fopn"
	VariantBook     Variant = "book"
	VariantDict     Variant = "dict"
	VariantDRMION   Variant = "drmion"
	VariantKFXZip   Variant = "kfx-zip"
	VariantIon      Variant = "ion"
	VariantUnknown  Variant = "unknown"
)

// PML output modes of the eReader engine.
const (
	PMLModeZip  = "pmlz"
	PMLModeTree = "tree"
)

// Options tune the engines.
type Options struct {
	// PMLMode selects eReader output: a PMLZ archive or a source tree.
	PMLMode string
	// KeepCompressed keeps Topaz records deflated in the output.
	KeepCompressed bool
	// BookName names the files of PML output.
	BookName string
}

func DefaultOptions() Options {
	return Options{PMLMode: PMLModeZip, BookName: "book"}
}

// Output is what an engine produces.
type Output struct {
	Data      []byte
	Extension string
	Title     string
	Files     map[string][]byte
}

// CheckCanceled returns ErrDecryptOperationCanceled once ctx is done.
func CheckCanceled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.ErrDecryptOperationCanceled.WithStack()
	default:
		return nil
	}
}
