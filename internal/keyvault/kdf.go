package keyvault

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	KDFName        = "pbkdf2-sha256"
	MinIterations  = 100_000
	MaxIterations  = 10_000_000
	KeySize        = 32
	SaltSize       = 16
	hkdfInfoMaster = "aim/pin/master/v1"
	hkdfInfoVerify = "aim/pin/verify/v1"
	hkdfInfoExport = "aim/pin/export/v1"
)

// stretch runs the slow PIN derivation. Its output is never used directly;
// labelled HKDF expansions separate the encryption key from the verifier.
func stretch(pin string, salt []byte, iterations int) ([]byte, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("kdf iterations %d below floor %d", iterations, MinIterations)
	}
	if iterations > MaxIterations {
		return nil, fmt.Errorf("kdf iterations %d above ceiling %d", iterations, MaxIterations)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("kdf salt must be at least %d bytes", SaltSize)
	}
	return pbkdf2.Key([]byte(pin), salt, iterations, KeySize, sha256.New), nil
}

func expand(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// deriveMaterial returns the raw master key and the verification hash for pin.
func deriveMaterial(pin string, salt []byte, iterations int) (master, verifier []byte, err error) {
	stretched, err := stretch(pin, salt, iterations)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(stretched)
	master, err = expand(stretched, hkdfInfoMaster)
	if err != nil {
		return nil, nil, err
	}
	verifier, err = expand(stretched, hkdfInfoVerify)
	if err != nil {
		wipe(master)
		return nil, nil, err
	}
	return master, verifier, nil
}

// DeriveMasterKey turns a PIN into the symmetric master key. The same
// (pin, salt, iterations) always yields the same key bytes.
func DeriveMasterKey(pin string, salt []byte, iterations int) (*MasterKey, error) {
	master, verifier, err := deriveMaterial(pin, salt, iterations)
	if err != nil {
		return nil, err
	}
	wipe(verifier)
	return newMasterKey(master, 0)
}

// DeriveExportKey derives the key protecting an identity backup blob. It uses
// its own salt and label so a backup never shares a key with local storage.
func DeriveExportKey(pin string, salt []byte, iterations int) ([]byte, error) {
	stretched, err := stretch(pin, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer wipe(stretched)
	return expand(stretched, hkdfInfoExport)
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
