package keyvault

import (
	"errors"
	"fmt"
)

// MinPinDigits is the floor for the PIN policy.
const MinPinDigits = 6

// ValidatePin enforces the PIN policy: digits only, at least minDigits long.
func ValidatePin(pin string, minDigits int) error {
	if minDigits < MinPinDigits {
		minDigits = MinPinDigits
	}
	if len(pin) < minDigits {
		return fmt.Errorf("pin must have at least %d digits", minDigits)
	}
	if len(pin) > maxPinLength {
		return errors.New("pin is too long")
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return errors.New("pin must contain digits only")
		}
	}
	return nil
}
