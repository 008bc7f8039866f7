// Package channel signs, verifies, encrypts and decrypts messages between
// identities. It never holds secrets beyond one call; keys come from a
// KeyProvider and public keys from resolved DID documents.
package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/identity"
	"aim-chat/identity-core/internal/platform/metrics"
	"aim-chat/identity-core/pkg/models"
)

const signDomain = "aim/sign/v1"

// KeyProvider runs fn with an unlocked secret of did. An empty pin means
// "use the live session".
type KeyProvider interface {
	WithSigningKey(ctx context.Context, did, pin string, fn func(ed25519.PrivateKey) error) error
	WithAgreementKey(ctx context.Context, did, pin string, fn func(secret []byte) error) error
}

type Resolver interface {
	ResolveDID(ctx context.Context, did string) (models.DIDDocument, error)
}

// VerifyResult says why a signature was accepted or rejected.
type VerifyResult int

const (
	Valid VerifyResult = iota
	Forged
	Malformed
	UnknownSigner
)

func (r VerifyResult) String() string {
	switch r {
	case Valid:
		return "valid"
	case Forged:
		return "forged"
	case Malformed:
		return "malformed"
	case UnknownSigner:
		return "unknown_signer"
	default:
		return "unknown"
	}
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Rand supplies nonces; crypto/rand when nil.
	Rand io.Reader
}

type Channel struct {
	keys     KeyProvider
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	rand     io.Reader
}

func New(keys KeyProvider, resolver Resolver, opts Options) (*Channel, error) {
	if keys == nil || resolver == nil {
		return nil, errors.New("channel: nil key provider or resolver")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Channel{
		keys:     keys,
		resolver: resolver,
		logger:   opts.Logger.With("component", "channel"),
		metrics:  opts.Metrics,
		rand:     opts.Rand,
	}, nil
}

func signingInput(did string, message []byte) []byte {
	out := make([]byte, 0, len(signDomain)+len(did)+len(message)+2)
	out = append(out, signDomain...)
	out = append(out, 0)
	out = append(out, did...)
	out = append(out, 0)
	return append(out, message...)
}

// Sign returns a detached Ed25519 signature of message by did. Structured
// messages should go through Canonicalize first so both sides sign the same
// bytes.
func (c *Channel) Sign(ctx context.Context, did string, message []byte, pin string) ([]byte, error) {
	const op = "channel.Sign"
	if _, _, err := identity.ParseDID(did); err != nil {
		return nil, contracts.E(op, contracts.ErrInvalidInput, "malformed did")
	}
	var sig []byte
	err := c.keys.WithSigningKey(ctx, did, pin, func(priv ed25519.PrivateKey) error {
		sig = ed25519.Sign(priv, signingInput(did, message))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature of message by did. It
// never fails on forged input; use Check for the reason.
func (c *Channel) Verify(ctx context.Context, did string, message, sig []byte) bool {
	result, err := c.Check(ctx, did, message, sig)
	return err == nil && result == Valid
}

// Check verifies sig against the signing key of did's resolved document. The
// error is non-nil only when resolution itself failed for a reason other
// than an unknown did.
func (c *Channel) Check(ctx context.Context, did string, message, sig []byte) (VerifyResult, error) {
	if _, _, err := identity.ParseDID(did); err != nil {
		c.reject(Malformed, did)
		return Malformed, nil
	}
	if len(sig) != ed25519.SignatureSize {
		c.reject(Malformed, did)
		return Malformed, nil
	}
	doc, err := c.resolver.ResolveDID(ctx, did)
	if err != nil {
		if contracts.IsNotFound(err) {
			c.reject(UnknownSigner, did)
			return UnknownSigner, nil
		}
		return UnknownSigner, err
	}
	pub, err := identity.SigningKeyOf(doc)
	if err != nil {
		c.reject(UnknownSigner, did)
		return UnknownSigner, nil
	}
	if !ed25519.Verify(pub, signingInput(did, message), sig) {
		c.reject(Forged, did)
		return Forged, nil
	}
	return Valid, nil
}

func (c *Channel) reject(result VerifyResult, did string) {
	c.metrics.CryptoFailure("signature_" + result.String())
	c.logger.Debug("signature rejected", "operation", "verify", "result", result.String(), "did", did)
}
