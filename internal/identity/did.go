package identity

import (
	"crypto/ed25519"
	"errors"
	"strings"

	"github.com/mr-tron/base58/base58"
)

const DefaultMethod = "aim"

var ErrMalformedDID = errors.New("malformed did")

// BuildDID encodes the signing public key as did:<method>:<base58(key)>.
func BuildDID(method string, signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", errors.New("invalid signing public key size")
	}
	if !validMethod(method) {
		return "", errors.New("invalid did method")
	}
	return "did:" + method + ":" + base58.Encode(signingPublicKey), nil
}

// ParseDID recovers the method and signing key a did encodes.
func ParseDID(did string) (string, ed25519.PublicKey, error) {
	parts := strings.Split(did, ":")
	if len(parts) != 3 || parts[0] != "did" || !validMethod(parts[1]) || parts[2] == "" {
		return "", nil, ErrMalformedDID
	}
	raw, err := base58.Decode(parts[2])
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return "", nil, ErrMalformedDID
	}
	// Reject non-canonical encodings so one key maps to exactly one did.
	if base58.Encode(raw) != parts[2] {
		return "", nil, ErrMalformedDID
	}
	return parts[1], ed25519.PublicKey(raw), nil
}

// VerifyDID reports whether did encodes signingPublicKey.
func VerifyDID(did string, signingPublicKey []byte) bool {
	_, pub, err := ParseDID(did)
	if err != nil {
		return false
	}
	return pub.Equal(ed25519.PublicKey(signingPublicKey))
}

func validMethod(method string) bool {
	if method == "" || len(method) > 32 {
		return false
	}
	for _, r := range method {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
