package contracts

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapCategorizedError_NewErrorUsesProvidedCategory(t *testing.T) {
	wrapped := WrapCategorizedError(ErrorCategoryCrypto, errors.New("boom"))
	var classified *CategorizedError
	if !errors.As(wrapped, &classified) {
		t.Fatalf("expected categorized error, got %T", wrapped)
	}
	if classified.Category != ErrorCategoryCrypto {
		t.Fatalf("expected category=%q, got %q", ErrorCategoryCrypto, classified.Category)
	}
}

func TestWrapCategorizedError_NormalizesUnknownCategoryToAPI(t *testing.T) {
	wrapped := WrapCategorizedError("unknown", errors.New("boom"))
	if got := ErrorCategory(wrapped); got != ErrorCategoryAPI {
		t.Fatalf("expected category=%q, got %q", ErrorCategoryAPI, got)
	}
}

func TestErrorCategory_DefaultsToAPIForRegularErrors(t *testing.T) {
	if got := ErrorCategory(errors.New("plain")); got != ErrorCategoryAPI {
		t.Fatalf("expected default category=%q, got %q", ErrorCategoryAPI, got)
	}
}

func TestErrorCategory_TamperingIsCrypto(t *testing.T) {
	err := E("channel.Decrypt", ErrAuthenticationFailure, "")
	if got := ErrorCategory(err); got != ErrorCategoryCrypto {
		t.Fatalf("expected category=%q, got %q", ErrorCategoryCrypto, got)
	}
}

func TestStorageErrorKeepsKind(t *testing.T) {
	err := StorageError(fmt.Errorf("load: %w", ErrNotFound))
	if !IsNotFound(err) {
		t.Fatalf("expected not found to survive wrapping, got %v", err)
	}
	if got := ErrorCategory(err); got != ErrorCategoryStorage {
		t.Fatalf("expected storage category, got %q", got)
	}
}

func TestOpErrorKindsStayDistinct(t *testing.T) {
	wrongPIN := E("keyvault.VerifyPin", ErrAuthFailed, "")
	tampered := E("channel.Decrypt", ErrAuthenticationFailure, "")
	if IsAuthenticationFailure(wrongPIN) || IsAuthFailed(tampered) {
		t.Fatal("wrong pin and tampering must be distinguishable")
	}
	if got := wrongPIN.Error(); got != "keyvault.VerifyPin: wrong pin" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestUserMessage(t *testing.T) {
	cases := map[error]string{
		E("x", ErrAuthFailed, ""):            "wrong PIN",
		E("x", ErrSessionExpired, ""):        "session expired, re-enter PIN",
		E("x", ErrFormat, "bad json"):        "invalid backup file",
		E("x", ErrAuthenticationFailure, ""): "operation failed",
	}
	for err, want := range cases {
		if got := UserMessage(err); got != want {
			t.Fatalf("UserMessage(%v) = %q, want %q", err, got, want)
		}
	}
}
