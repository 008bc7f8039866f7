package identity

import (
	"context"
	"crypto/ed25519"
	"errors"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/keyvault"
)

// sessionKey checks a supplied pin against the stored credential, which
// also refreshes the session; a wrong pin is ErrAuthFailed even while a
// session is live. An empty pin uses the live session and is
// ErrSessionExpired without one.
func (m *Manager) sessionKey(ctx context.Context, op, pin string) (*keyvault.MasterKey, error) {
	if pin != "" {
		return m.vault.VerifyPin(ctx, pin)
	}
	if key := m.vault.MasterKey(true); key != nil {
		return key, nil
	}
	return nil, contracts.E(op, contracts.ErrSessionExpired, "")
}

// WithSigningKey runs fn with the Ed25519 private key of did. The key is
// wiped when fn returns.
func (m *Manager) WithSigningKey(ctx context.Context, did, pin string, fn func(ed25519.PrivateKey) error) error {
	const op = "identity.WithSigningKey"
	return m.withSecret(ctx, op, did, pin, keyvault.PurposeSigning, func(seed []byte) error {
		priv := ed25519.NewKeyFromSeed(seed)
		defer wipe(priv)
		return fn(priv)
	})
}

// WithAgreementKey runs fn with the X25519 secret of did.
func (m *Manager) WithAgreementKey(ctx context.Context, did, pin string, fn func(secret []byte) error) error {
	const op = "identity.WithAgreementKey"
	return m.withSecret(ctx, op, did, pin, keyvault.PurposeKeyAgreement, fn)
}

func (m *Manager) withSecret(ctx context.Context, op, did, pin string, purpose keyvault.Purpose, fn func([]byte) error) error {
	key, err := m.sessionKey(ctx, op, pin)
	if err != nil {
		return err
	}
	slot := keyvault.Slot{DID: did, Purpose: purpose}
	cache := m.vault.Secrets()
	err = cache.Use(slot, fn)
	if !errors.Is(err, keyvault.ErrCacheMiss) {
		return err
	}

	item, err := m.store.GetIdentity(ctx, did)
	if err != nil {
		return m.lookupErr(op, err)
	}
	if !item.IsActive {
		return contracts.E(op, contracts.ErrInvalidInput, "identity is inactive")
	}
	bundle, err := openBundle(op, key, item)
	if err != nil {
		return err
	}
	defer bundle.Wipe()
	m.primeCache(did, bundle)

	switch purpose {
	case keyvault.PurposeSigning:
		return fn(bundle.SigningSeed)
	default:
		return fn(bundle.AgreementSecret)
	}
}

// primeCache stores copies of the unlocked secrets for the session.
func (m *Manager) primeCache(did string, bundle *PrivateKeyBundle) {
	cache := m.vault.Secrets()
	if err := cache.Put(keyvault.Slot{DID: did, Purpose: keyvault.PurposeSigning}, append([]byte(nil), bundle.SigningSeed...)); err != nil {
		m.logger.Warn("cache signing key failed", "did", did, "error", err)
	}
	if err := cache.Put(keyvault.Slot{DID: did, Purpose: keyvault.PurposeKeyAgreement}, append([]byte(nil), bundle.AgreementSecret...)); err != nil {
		m.logger.Warn("cache agreement key failed", "did", did, "error", err)
	}
}
