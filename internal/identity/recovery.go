package identity

import (
	"context"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/pkg/models"
)

// RecoveryPhrase returns the 24-word BIP-39 encoding of the identity's
// recovery seed. The PIN is always required.
func (m *Manager) RecoveryPhrase(ctx context.Context, did, pin string) (string, error) {
	const op = "identity.RecoveryPhrase"
	item, err := m.store.GetIdentity(ctx, did)
	if err != nil {
		return "", m.lookupErr(op, err)
	}
	key, err := m.vault.VerifyPin(ctx, pin)
	if err != nil {
		return "", err
	}
	bundle, err := openBundle(op, key, item)
	if err != nil {
		return "", err
	}
	defer bundle.Wipe()
	return bip39.NewMnemonic(bundle.RecoverySeed)
}

// Restore recreates an identity from its recovery phrase. The same phrase
// always yields the same did.
func (m *Manager) Restore(ctx context.Context, phrase, nickname, pin string) (models.Identity, error) {
	const op = "identity.Restore"
	phrase = strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	if phrase == "" {
		return models.Identity{}, contracts.E(op, contracts.ErrInvalidInput, "recovery phrase is required")
	}
	if !bip39.IsMnemonicValid(phrase) {
		return models.Identity{}, contracts.E(op, contracts.ErrInvalidInput, "invalid recovery phrase")
	}
	seed, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil || len(seed) != RecoverySeedSize {
		return models.Identity{}, contracts.E(op, contracts.ErrInvalidInput, "recovery phrase must have 24 words")
	}
	defer wipe(seed)
	profile, err := Profile{Nickname: nickname}.normalize(op)
	if err != nil {
		return models.Identity{}, err
	}
	key, err := m.sessionKey(ctx, op, pin)
	if err != nil {
		return models.Identity{}, err
	}
	return m.createFromSeed(ctx, op, seed, profile, key)
}
