package contracts

import (
	"errors"
	"strings"
)

const (
	ErrorCategoryAPI     = "api"
	ErrorCategoryCrypto  = "crypto"
	ErrorCategoryStorage = "storage"
)

// CategorizedError tags an error with the subsystem that produced it so the
// metrics layer can count failures without inspecting messages.
type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryCrypto:
		return ErrorCategoryCrypto
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	default:
		return ErrorCategoryAPI
	}
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

// StorageError wraps a persistence failure. Storage errors are surfaced to the
// caller as-is; retry policy belongs to the collaborator.
func StorageError(err error) error {
	return WrapCategorizedError(ErrorCategoryStorage, err)
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	switch {
	case errors.Is(err, ErrAuthenticationFailure), errors.Is(err, ErrFormat):
		return ErrorCategoryCrypto
	default:
		return ErrorCategoryAPI
	}
}
