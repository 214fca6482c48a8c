package kfx

import (
	"fmt"

	"github.com/sjzar/dedrm/internal/drm/kfx/ion"
)

// Symbol texts the engine looks for.
const (
	symDoctype           = "doctype"
	symEnddoc            = "enddoc"
	symEnvelopePrefix    = "com.amazon.drm.Envelope@"
	symEnvelopeMetadata1 = "com.amazon.drm.EnvelopeMetadata@1.0"
	symEnvelopeMetadata2 = "com.amazon.drm.EnvelopeMetadata@2.0"
	symEncryptedPage1    = "com.amazon.drm.EncryptedPage@1.0"
	symEncryptedPage2    = "com.amazon.drm.EncryptedPage@2.0"
	symPlainText1        = "com.amazon.drm.PlainText@1.0"
	symPlainText2        = "com.amazon.drm.PlainText@2.0"
	symCompressed        = "com.amazon.drm.Compressed@1.0"
	symVoucherEnvelope   = "com.amazon.drm.VoucherEnvelope@"
	symVoucher           = "com.amazon.drm.Voucher@1.0"
	symLicense           = "com.amazon.drm.License@1.0"
	symPIDv3             = "com.amazon.drm.PIDv3@1.0"
	symKeySet            = "com.amazon.drm.KeySet@1.0"
	symSecretKey         = "com.amazon.drm.SecretKey@1.0"
	symProtectedData     = "ProtectedData"
)

// voucherVersions are the VoucherEnvelope versions the shared table names,
// in table order.
var voucherVersions = []int{
	2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	21, 22, 23, 24, 25, 26, 27, 28,
	9708, 1031, 2069, 9041, 3646, 6052, 9479, 9888, 4648, 5683,
}

// ProtectedData is the shared symbol table DRM envelopes and vouchers
// import.
var ProtectedData = &ion.SharedTable{Name: symProtectedData, Version: 1, Symbols: protectedDataSymbols()}

func protectedDataSymbols() []string {
	names := []string{
		"com.amazon.drm.Envelope@1.0",
		"com.amazon.drm.EnvelopeMetadata@1.0",
		"size",
		"page_size",
		"encryption_key",
		"encryption_transformation",
		"encryption_voucher",
		"signing_key",
		"signing_algorithm",
		"signing_voucher",
		"com.amazon.drm.EncryptedPage@1.0",
		"cipher_text",
		"cipher_iv",
		"com.amazon.drm.Signature@1.0",
		"data",
		"com.amazon.drm.EnvelopeIndexTable@1.0",
		"length",
		"offset",
		"algorithm",
		"encoded",
		"encryption_algorithm",
		"hashing_algorithm",
		"expires",
		"format",
		"id",
		"lock_parameters",
		"strategy",
		"com.amazon.drm.Key@1.0",
		"com.amazon.drm.KeySet@1.0",
		"com.amazon.drm.PIDv3@1.0",
		"com.amazon.drm.PlainTextPage@1.0",
		"com.amazon.drm.PlainText@1.0",
		"com.amazon.drm.PrivateKey@1.0",
		"com.amazon.drm.PublicKey@1.0",
		"com.amazon.drm.SecretKey@1.0",
		"com.amazon.drm.Voucher@1.0",
		"public_key",
		"private_key",
		"com.amazon.drm.KeyPair@1.0",
		"com.amazon.drm.ProtectedData@1.0",
		"doctype",
		"com.amazon.drm.EnvelopeIndexTableOffset@1.0",
		"enddoc",
		"license_type",
		"license",
		"watermark",
		"key",
		"value",
		"com.amazon.drm.License@1.0",
		"category",
		"metadata",
		"categorized_metadata",
		"com.amazon.drm.CategorizedMetadata@1.0",
		"com.amazon.drm.VoucherEnvelope@1.0",
		"mac",
		"voucher",
		"com.amazon.drm.ProtectedData@2.0",
		"com.amazon.drm.Envelope@2.0",
		"com.amazon.drm.EnvelopeMetadata@2.0",
		"com.amazon.drm.EncryptedPage@2.0",
		"com.amazon.drm.PlainText@2.0",
		"compression_algorithm",
		"com.amazon.drm.Compressed@1.0",
		"page_index_table",
	}
	for _, v := range voucherVersions {
		names = append(names, fmt.Sprintf("%s%d.0", symVoucherEnvelope, v))
	}
	return names
}

var catalog = ion.NewCatalog(ProtectedData)
