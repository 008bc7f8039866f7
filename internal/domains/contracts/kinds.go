package contracts

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch on these with errors.Is; cryptographic failures
// never collapse into each other or into ErrNotFound.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrAuthFailed            = errors.New("wrong pin")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrSessionExpired        = errors.New("session expired")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrFormat                = errors.New("invalid format")
	ErrAlreadyConfigured     = errors.New("pin already configured")
	ErrNotConfigured         = errors.New("pin not configured")
	ErrLocked                = errors.New("pin attempts are temporarily locked")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinel kinds above; Msg never carries secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// E builds an OpError.
func E(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

func IsAuthFailed(err error) bool { return errors.Is(err, ErrAuthFailed) }

func IsAuthenticationFailure(err error) bool { return errors.Is(err, ErrAuthenticationFailure) }

func IsSessionExpired(err error) bool { return errors.Is(err, ErrSessionExpired) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsFormat(err error) bool { return errors.Is(err, ErrFormat) }

// UserMessage narrows an error to the few strings a UI may show.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailed):
		return "wrong PIN"
	case errors.Is(err, ErrLocked):
		return "too many attempts, try again later"
	case errors.Is(err, ErrSessionExpired):
		return "session expired, re-enter PIN"
	case errors.Is(err, ErrFormat):
		return "invalid backup file"
	default:
		return "operation failed"
	}
}
