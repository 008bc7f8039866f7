package channel

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/identity"
	"aim-chat/identity-core/pkg/models"
)

const channelInfo = "aim/channel/v1"

// EncryptFor seals plaintext from senderDID to recipientDID. Every call draws
// a fresh 192-bit nonce.
func (c *Channel) EncryptFor(ctx context.Context, recipientDID string, plaintext []byte, senderDID, pin string) (models.Envelope, error) {
	const op = "channel.EncryptFor"
	if err := checkPair(op, senderDID, recipientDID); err != nil {
		return models.Envelope{}, err
	}
	peer, err := c.agreementKey(ctx, op, recipientDID)
	if err != nil {
		return models.Envelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return models.Envelope{}, err
	}

	var ciphertext []byte
	err = c.keys.WithAgreementKey(ctx, senderDID, pin, func(secret []byte) error {
		key, err := messageKey(op, secret, peer, senderDID, recipientDID)
		if err != nil {
			return err
		}
		defer wipe(key)
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		ciphertext = aead.Seal(nil, nonce, plaintext, envelopeAAD(senderDID, recipientDID))
		return nil
	})
	if err != nil {
		return models.Envelope{}, err
	}
	c.logger.Debug("envelope sealed", "operation", "encrypt", "sender_did", senderDID, "recipient_did", recipientDID)
	return models.Envelope{
		SenderDID:    senderDID,
		RecipientDID: recipientDID,
		Nonce:        base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens env for recipientDID. Any tampering with the ciphertext, the
// nonce or either did surfaces as ErrAuthenticationFailure and no plaintext.
func (c *Channel) Decrypt(ctx context.Context, env models.Envelope, recipientDID, pin string) ([]byte, error) {
	const op = "channel.Decrypt"
	if env.RecipientDID != recipientDID {
		return nil, contracts.E(op, contracts.ErrInvalidInput, "envelope is addressed to another identity")
	}
	if err := checkPair(op, env.SenderDID, env.RecipientDID); err != nil {
		c.metrics.CryptoFailure("envelope_malformed")
		return nil, contracts.E(op, contracts.ErrFormat, "envelope dids are malformed")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		c.metrics.CryptoFailure("envelope_malformed")
		return nil, contracts.E(op, contracts.ErrFormat, "invalid envelope nonce")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		c.metrics.CryptoFailure("envelope_malformed")
		return nil, contracts.E(op, contracts.ErrFormat, "invalid envelope ciphertext")
	}
	peer, err := c.agreementKey(ctx, op, env.SenderDID)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	err = c.keys.WithAgreementKey(ctx, recipientDID, pin, func(secret []byte) error {
		key, err := messageKey(op, secret, peer, env.SenderDID, env.RecipientDID)
		if err != nil {
			return err
		}
		defer wipe(key)
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		opened, err := aead.Open(nil, nonce, ciphertext, envelopeAAD(env.SenderDID, env.RecipientDID))
		if err != nil {
			return contracts.E(op, contracts.ErrAuthenticationFailure, "envelope did not open")
		}
		plaintext = opened
		return nil
	})
	if err != nil {
		if contracts.IsAuthenticationFailure(err) {
			c.metrics.CryptoFailure("decrypt_failed")
			c.logger.Warn("envelope rejected", "operation", "decrypt", "sender_did", env.SenderDID, "recipient_did", recipientDID)
		}
		return nil, err
	}
	return plaintext, nil
}

func checkPair(op, senderDID, recipientDID string) error {
	if _, _, err := identity.ParseDID(senderDID); err != nil {
		return contracts.E(op, contracts.ErrInvalidInput, "malformed sender did")
	}
	if _, _, err := identity.ParseDID(recipientDID); err != nil {
		return contracts.E(op, contracts.ErrInvalidInput, "malformed recipient did")
	}
	return nil
}

// agreementKey resolves the X25519 public key advertised by did.
func (c *Channel) agreementKey(ctx context.Context, op, did string) ([]byte, error) {
	doc, err := c.resolver.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	pub, err := identity.AgreementKeyOf(doc)
	if err != nil {
		return nil, contracts.E(op, contracts.ErrNotFound, "no key agreement key for "+did)
	}
	return pub, nil
}

// messageKey is HKDF-SHA256 over the X25519 shared secret, bound to both
// dids in sender, recipient order.
func messageKey(op string, secret, peer []byte, senderDID, recipientDID string) ([]byte, error) {
	shared, err := curve25519.X25519(secret, peer)
	if err != nil {
		return nil, contracts.E(op, contracts.ErrInvalidInput, "unusable peer key")
	}
	defer wipe(shared)
	info := make([]byte, 0, len(channelInfo)+len(senderDID)+len(recipientDID)+2)
	info = append(info, channelInfo...)
	info = append(info, 0)
	info = append(info, senderDID...)
	info = append(info, 0)
	info = append(info, recipientDID...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

func envelopeAAD(senderDID, recipientDID string) []byte {
	out := make([]byte, 0, len(senderDID)+len(recipientDID)+1)
	out = append(out, senderDID...)
	out = append(out, 0)
	return append(out, recipientDID...)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
