package drm

import (
	"context"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/drm/epub"
	"github.com/sjzar/dedrm/internal/drm/ereader"
	"github.com/sjzar/dedrm/internal/drm/kfx"
	"github.com/sjzar/dedrm/internal/drm/mobi"
	"github.com/sjzar/dedrm/internal/drm/pdf"
	"github.com/sjzar/dedrm/internal/drm/topaz"
	"github.com/sjzar/dedrm/internal/errors"
)

// Decryptor is the capability every format engine provides.
type Decryptor interface {
	// Decrypt removes the DRM of input with credentials drawn from creds.
	Decrypt(ctx context.Context, input []byte, creds credential.Provider) (*common.Output, error)

	// Validate reports whether sample looks like correctly decrypted content.
	Validate(sample []byte) bool

	// Format is the container family the engine handles.
	Format() Format
}

// NewDecryptor returns the engine for a detected format.
func NewDecryptor(format Format, variant Variant, opts common.Options) (Decryptor, error) {
	switch format {
	case FormatMobi:
		return mobi.NewDecryptor(), nil
	case FormatTopaz:
		return topaz.NewDecryptor(opts), nil
	case FormatEReader:
		return ereader.NewDecryptor(opts), nil
	case FormatEPUB:
		return epub.NewDecryptor(), nil
	case FormatPDF:
		if variant == common.VariantAPS || variant == common.VariantFOPN {
			return nil, errors.UnsupportedVersion("PDF", variant)
		}
		return pdf.NewDecryptor(), nil
	case FormatKFX:
		return kfx.NewDecryptor(), nil
	default:
		return nil, errors.ErrUnknownFormat.WithStack()
	}
}
