package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning   = "aim/identity/signing/v1"
	hkdfInfoAgreement = "aim/identity/agreement/v1"

	RecoverySeedSize = 32
	bundleVersion    = byte(1)
	bundleSize       = 1 + 3*32
)

var errBundleFormat = errors.New("private key bundle is malformed")

// PrivateKeyBundle is the plaintext secret material of one identity. It only
// exists inside a call stack; its sealed form is what gets stored.
type PrivateKeyBundle struct {
	SigningSeed     []byte
	AgreementSecret []byte
	RecoverySeed    []byte
}

// DeriveKeys expands a recovery seed into independent signing and key
// agreement secrets.
func DeriveKeys(recoverySeed []byte) (*PrivateKeyBundle, error) {
	if len(recoverySeed) != RecoverySeedSize {
		return nil, errors.New("recovery seed must be 32 bytes")
	}
	signingSeed, err := hkdfExpand(recoverySeed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	agreementSecret, err := hkdfExpand(recoverySeed, hkdfInfoAgreement, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	return &PrivateKeyBundle{
		SigningSeed:     signingSeed,
		AgreementSecret: agreementSecret,
		RecoverySeed:    append([]byte(nil), recoverySeed...),
	}, nil
}

func newRecoverySeed() ([]byte, error) {
	seed := make([]byte, RecoverySeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *PrivateKeyBundle) SigningPublicKey() ed25519.PublicKey {
	priv := ed25519.NewKeyFromSeed(b.SigningSeed)
	defer wipe(priv)
	return append(ed25519.PublicKey(nil), priv[32:]...)
}

func (b *PrivateKeyBundle) AgreementPublicKey() ([]byte, error) {
	return curve25519.X25519(b.AgreementSecret, curve25519.Basepoint)
}

func (b *PrivateKeyBundle) marshal() []byte {
	out := make([]byte, 0, bundleSize)
	out = append(out, bundleVersion)
	out = append(out, b.SigningSeed...)
	out = append(out, b.AgreementSecret...)
	out = append(out, b.RecoverySeed...)
	return out
}

func parseBundle(raw []byte) (*PrivateKeyBundle, error) {
	if len(raw) != bundleSize || raw[0] != bundleVersion {
		return nil, errBundleFormat
	}
	return &PrivateKeyBundle{
		SigningSeed:     append([]byte(nil), raw[1:33]...),
		AgreementSecret: append([]byte(nil), raw[33:65]...),
		RecoverySeed:    append([]byte(nil), raw[65:97]...),
	}, nil
}

// Wipe zeroes every secret in the bundle.
func (b *PrivateKeyBundle) Wipe() {
	if b == nil {
		return
	}
	wipe(b.SigningSeed)
	wipe(b.AgreementSecret)
	wipe(b.RecoverySeed)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
