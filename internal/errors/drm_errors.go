package errors

import "strings"

var (
	ErrUnknownFormat            = New(nil, KindUnknownFormat, "unknown container format")
	ErrDrmFree                  = New(nil, KindDrmFree, "book is not encrypted")
	ErrWrongCredential          = New(nil, KindWrongCredential, "no credential unlocked the book")
	ErrBadPadding               = New(nil, KindBadPadding, "invalid PKCS#7 padding")
	ErrDecryptOperationCanceled = New(nil, KindCanceled, "decryption operation was canceled")
	ErrValidatorRejected        = New(nil, KindWrongCredential, "decrypted content failed validation")
)

func InvalidFormat(format, reason string) *Error {
	return Newf(nil, KindInvalidFormat, "invalid %s: %s", format, reason).WithStack()
}

func InvalidFormatCause(format, reason string, cause error) *Error {
	return Newf(cause, KindInvalidFormat, "invalid %s: %s", format, reason).WithStack()
}

func UnsupportedVersion(format string, version any) *Error {
	return Newf(nil, KindUnsupportedVersion, "unsupported %s version: %v", format, version).WithStack()
}

func DrmFree(format string) *Error {
	return Newf(nil, KindDrmFree, "%s is not encrypted", format)
}

func WrongCredential(format string, tried int) *Error {
	return Newf(nil, KindWrongCredential, "%s: none of %d credential(s) unlocked the book", format, tried).WithStack()
}

func WrongCredentialReason(format, reason string) *Error {
	return Newf(nil, KindWrongCredential, "%s: %s", format, reason).WithStack()
}

// ExternalKeyRequired names the credential kinds the engine could have used.
func ExternalKeyRequired(format string, kinds ...string) *Error {
	return Newf(nil, KindExternalKeyRequired, "%s: no credential of kind %s supplied", format, strings.Join(kinds, " or ")).WithStack()
}

func CryptoInternal(op string, cause error) *Error {
	return Newf(cause, KindCryptoInternal, "crypto %s failed", op).WithStack()
}

func BadPadding(reason string) *Error {
	return Newf(nil, KindBadPadding, "invalid PKCS#7 padding: %s", reason)
}

func DecompressFailed(codec string, cause error) *Error {
	return Newf(cause, KindInvalidFormat, "%s decompression failed", codec).WithStack()
}

func InvalidCredential(kind, reason string) *Error {
	return Newf(nil, KindInvalidArg, "invalid %s credential: %s", kind, reason).WithStack()
}

func InvalidArg(param string) *Error {
	return Newf(nil, KindInvalidArg, "invalid arg: %s", param).WithStack()
}

func ConfigInvalid(field string, cause error) *Error {
	return Newf(cause, KindConfig, "invalid configuration: %s", field).WithStack()
}
