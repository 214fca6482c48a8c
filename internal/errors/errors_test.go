package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorCreation(t *testing.T) {
	err := New(nil, KindInvalidFormat, "test message")
	if err.Kind != KindInvalidFormat || err.Message != "test message" {
		t.Errorf("New() created incorrect error: %v", err)
	}

	cause := fmt.Errorf("original error")
	err = New(cause, KindIO, "test with cause")
	if err.Cause != cause {
		t.Errorf("New() did not set cause correctly: %v", err)
	}

	expected := "test with cause: original error"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestErrorWrapping(t *testing.T) {
	original := fmt.Errorf("original error")
	wrapped := Wrap(original, KindIO, "wrapped message")

	if wrapped.Kind != KindIO || wrapped.Message != "wrapped message" {
		t.Errorf("Wrap() created incorrect error: %v", wrapped)
	}
	if wrapped.Cause != original {
		t.Errorf("Wrap() did not set cause correctly")
	}

	typed := New(nil, KindWrongCredential, "typed")
	rewrapped := Wrap(typed, KindInternal, "new message")
	if rewrapped.Kind != KindWrongCredential {
		t.Errorf("Wrap() did not preserve kind: got %s", rewrapped.Kind)
	}
	if rewrapped.Message != "new message" {
		t.Errorf("Wrap() did not update message: got %s", rewrapped.Message)
	}
	if Wrap(nil, KindIO, "x") != nil {
		t.Errorf("Wrap(nil) should return nil")
	}
}

func TestSentinelsSurviveWithStack(t *testing.T) {
	err := ErrDecryptOperationCanceled.WithStack()
	if !stderrors.Is(err, ErrDecryptOperationCanceled) {
		t.Errorf("errors.Is should match a stacked copy of the sentinel")
	}
	if len(ErrDecryptOperationCanceled.Stack) != 0 {
		t.Errorf("WithStack must not mutate the sentinel")
	}
	if len(err.Stack) == 0 {
		t.Errorf("WithStack did not record frames")
	}
}

func TestKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"invalid format", InvalidFormat("PDB", "short header"), KindInvalidFormat},
		{"unsupported", UnsupportedVersion("eReader", 261), KindUnsupportedVersion},
		{"wrong credential", WrongCredential("Mobipocket", 3), KindWrongCredential},
		{"bad padding", BadPadding("pad byte 0"), KindBadPadding},
		{"drm free", DrmFree("EPUB"), KindDrmFree},
		{"external key", ExternalKeyRequired("ADEPT", "AdeptPrivateKey"), KindExternalKeyRequired},
		{"wrapped", fmt.Errorf("outer: %w", CryptoInternal("aes", nil)), KindCryptoInternal},
		{"foreign", fmt.Errorf("plain"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetKind(tt.err); got != tt.kind {
				t.Errorf("GetKind() = %s, want %s", got, tt.kind)
			}
		})
	}

	if !IsDrmFree(fmt.Errorf("x: %w", DrmFree("PDF"))) {
		t.Errorf("IsDrmFree should look through wrapping")
	}
	if IsKind(nil, KindIO) {
		t.Errorf("IsKind(nil) should be false")
	}
}

func TestExternalKeyRequiredMessage(t *testing.T) {
	err := ExternalKeyRequired("KFX", "KindleVoucher", "KindleDeviceKey")
	if !strings.Contains(err.Error(), "KindleVoucher or KindleDeviceKey") {
		t.Errorf("message should name the missing kinds: %s", err)
	}
}

func TestErrorUtilityFunctions(t *testing.T) {
	err1 := fmt.Errorf("error 1")
	err2 := fmt.Errorf("error 2")

	if joined := JoinErrors(err1); joined != err1 {
		t.Errorf("JoinErrors() with single error should return that error")
	}
	if joined := JoinErrors(err1, err2); joined == nil || !strings.Contains(joined.Error(), "error 2") {
		t.Errorf("JoinErrors() lost an error: %v", joined)
	}
	if joined := JoinErrors(nil, nil); joined != nil {
		t.Errorf("JoinErrors() with all nil should return nil")
	}

	if wrapped := WrapIfErr(nil, KindIO, "message"); wrapped != nil {
		t.Errorf("WrapIfErr() with nil should return nil")
	}
	if wrapped := WrapIfErr(err1, KindIO, "message"); wrapped == nil {
		t.Errorf("WrapIfErr() with non-nil error should return non-nil")
	}

	root := fmt.Errorf("root")
	chain := Wrap(fmt.Errorf("mid: %w", root), KindIO, "top")
	if RootCause(chain) != root {
		t.Errorf("RootCause() did not reach the root")
	}
	if !strings.Contains(FormatErrorChain(chain), "Caused by") {
		t.Errorf("FormatErrorChain() should include the cause")
	}
}
