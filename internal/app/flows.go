package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"aim-chat/identity-core/internal/channel"
	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/identity"
	"aim-chat/identity-core/internal/keyvault"
	"aim-chat/identity-core/internal/securestore"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/pkg/models"
)

const maxCategoryLength = 64

// observe counts a failed call by category and passes err through.
func (c *Core) observe(op string, err error) error {
	if err == nil {
		return nil
	}
	category := contracts.ErrorCategory(err)
	c.metrics.RecordError(category)
	c.logger.Debug("operation failed", "operation", op, "category", category, "error", err)
	return err
}

func (c *Core) SetupPin(ctx context.Context, pin string) error {
	return c.observe("setup_pin", c.vault.Exclusive(func() error {
		_, err := c.vault.SetupPin(ctx, pin)
		return err
	}))
}

func (c *Core) VerifyPin(ctx context.Context, pin string) error {
	_, err := c.vault.VerifyPin(ctx, pin)
	return c.observe("verify_pin", err)
}

// ChangePin rotates the master key and re-seals everything under it while
// holding off every operation that uses unlocked keys. The old credential is
// forgotten only when nothing failed; otherwise ResumeRotation finishes the
// job later.
func (c *Core) ChangePin(ctx context.Context, oldPin, newPin string) (models.RotationReport, error) {
	var report models.RotationReport
	err := c.vault.Exclusive(func() error {
		rot, err := c.vault.ChangePin(ctx, oldPin, newPin)
		if err != nil {
			return err
		}
		report, err = c.finishRotation(ctx, rot)
		return err
	})
	return report, c.observe("change_pin", err)
}

// ResumeRotation re-runs the re-encryption pass of an interrupted PIN change.
func (c *Core) ResumeRotation(ctx context.Context, oldPin, newPin string) (models.RotationReport, error) {
	var report models.RotationReport
	err := c.vault.Exclusive(func() error {
		rot, err := c.vault.ResumeRotation(ctx, oldPin, newPin)
		if err != nil {
			return err
		}
		report, err = c.finishRotation(ctx, rot)
		return err
	})
	return report, c.observe("resume_rotation", err)
}

func (c *Core) finishRotation(ctx context.Context, rot keyvault.Rotation) (models.RotationReport, error) {
	defer rot.Old.Discard()
	report, err := c.rotation.ReencryptAll(ctx, rot.Old, rot.New)
	if err != nil {
		return report, err
	}
	if report.Failed() > 0 {
		c.logger.Warn("rotation left records pending", "operation", "change_pin", "run_id", report.RunID, "failed", report.Failed())
		return report, nil
	}
	return report, c.vault.CompleteRotation(ctx)
}

// ClearSession logs out: every cached secret is wiped immediately.
func (c *Core) ClearSession() {
	c.vault.ClearSession()
}

func (c *Core) Session() keyvault.Session {
	return c.vault.Session()
}

// GenerateIdentity creates an identity. On a fresh device pin also becomes
// the device PIN.
func (c *Core) GenerateIdentity(ctx context.Context, nickname, pin, bio string) (models.Identity, error) {
	configured, err := c.vault.Configured(ctx)
	if err != nil {
		return models.Identity{}, c.observe("generate_identity", err)
	}
	if !configured {
		if err := c.SetupPin(ctx, pin); err != nil && !errors.Is(err, contracts.ErrAlreadyConfigured) {
			return models.Identity{}, err
		}
	}
	var out models.Identity
	err = c.vault.Shared(func() error {
		var err error
		out, err = c.ids.Generate(ctx, nickname, pin, bio)
		return err
	})
	return out, c.observe("generate_identity", err)
}

func (c *Core) GetCurrentIdentity(ctx context.Context) (*models.Identity, error) {
	out, err := c.ids.Current(ctx)
	return out, c.observe("current_identity", err)
}

func (c *Core) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	out, err := c.ids.List(ctx)
	return out, c.observe("list_identities", err)
}

func (c *Core) SetDefaultIdentity(ctx context.Context, did string) error {
	return c.observe("set_default_identity", c.ids.SetDefault(ctx, did))
}

func (c *Core) UpdateProfile(ctx context.Context, did string, profile identity.Profile) (models.Identity, error) {
	out, err := c.ids.UpdateProfile(ctx, did, profile)
	return out, c.observe("update_profile", err)
}

// DeleteIdentity removes the identity and the content it owns.
// DeleteIdentity removes the identity's sealed content first, then the
// identity. A failure part way leaves the identity in place so the call can
// be repeated.
func (c *Core) DeleteIdentity(ctx context.Context, did string) error {
	err := c.vault.Shared(func() error {
		if _, err := c.ids.Get(ctx, did); err != nil {
			return err
		}
		records, err := c.store.ListRecords(ctx, storage.RecordFilter{OwnerDID: did})
		if err != nil {
			return contracts.StorageError(err)
		}
		for _, rec := range records {
			if err := c.store.DeleteRecord(ctx, rec.ID); err != nil && !contracts.IsNotFound(err) {
				return contracts.StorageError(fmt.Errorf("delete content %s: %w", rec.ID, err))
			}
		}
		return c.ids.Delete(ctx, did)
	})
	return c.observe("delete_identity", err)
}

func (c *Core) ResolveDID(ctx context.Context, did string) (models.DIDDocument, error) {
	out, err := c.ids.ResolveDID(ctx, did)
	return out, c.observe("resolve_did", err)
}

func (c *Core) CacheDocument(ctx context.Context, doc models.DIDDocument) error {
	return c.observe("cache_document", c.ids.CacheDocument(ctx, doc))
}

func (c *Core) Sign(ctx context.Context, did string, message []byte, pin string) ([]byte, error) {
	var sig []byte
	err := c.vault.Shared(func() error {
		var err error
		sig, err = c.channel.Sign(ctx, did, message, pin)
		return err
	})
	return sig, c.observe("sign", err)
}

func (c *Core) Verify(ctx context.Context, did string, message, sig []byte) bool {
	return c.channel.Verify(ctx, did, message, sig)
}

func (c *Core) CheckSignature(ctx context.Context, did string, message, sig []byte) (channel.VerifyResult, error) {
	result, err := c.channel.Check(ctx, did, message, sig)
	return result, c.observe("check_signature", err)
}

func (c *Core) EncryptFor(ctx context.Context, recipientDID string, message []byte, senderDID, pin string) (models.Envelope, error) {
	var env models.Envelope
	err := c.vault.Shared(func() error {
		var err error
		env, err = c.channel.EncryptFor(ctx, recipientDID, message, senderDID, pin)
		return err
	})
	return env, c.observe("encrypt", err)
}

func (c *Core) Decrypt(ctx context.Context, env models.Envelope, recipientDID, pin string) ([]byte, error) {
	var plain []byte
	err := c.vault.Shared(func() error {
		var err error
		plain, err = c.channel.Decrypt(ctx, env, recipientDID, pin)
		return err
	})
	return plain, c.observe("decrypt", err)
}

func (c *Core) ExportIdentity(ctx context.Context, did, pin string) ([]byte, error) {
	var blob []byte
	err := c.vault.Shared(func() error {
		var err error
		blob, err = c.ids.Export(ctx, did, pin)
		return err
	})
	return blob, c.observe("export_identity", err)
}

func (c *Core) ImportIdentity(ctx context.Context, blob []byte, pin string) (models.Identity, error) {
	var out models.Identity
	err := c.vault.Shared(func() error {
		var err error
		out, err = c.ids.Import(ctx, blob, pin)
		return err
	})
	return out, c.observe("import_identity", err)
}

func (c *Core) RecoveryPhrase(ctx context.Context, did, pin string) (string, error) {
	var phrase string
	err := c.vault.Shared(func() error {
		var err error
		phrase, err = c.ids.RecoveryPhrase(ctx, did, pin)
		return err
	})
	return phrase, c.observe("recovery_phrase", err)
}

func (c *Core) RestoreIdentity(ctx context.Context, phrase, nickname, pin string) (models.Identity, error) {
	var out models.Identity
	err := c.vault.Shared(func() error {
		var err error
		out, err = c.ids.Restore(ctx, phrase, nickname, pin)
		return err
	})
	return out, c.observe("restore_identity", err)
}

// SealContent encrypts plaintext under the master key and stores it for
// ownerDID. The returned id opens it again.
func (c *Core) SealContent(ctx context.Context, ownerDID, category string, plaintext []byte, pin string) (string, error) {
	const op = "app.SealContent"
	category = strings.TrimSpace(category)
	if category == "" || len(category) > maxCategoryLength {
		return "", c.observe("seal_content", contracts.E(op, contracts.ErrInvalidInput, "category is required"))
	}
	var id string
	err := c.vault.Shared(func() error {
		if _, err := c.ids.Get(ctx, ownerDID); err != nil {
			return err
		}
		key, err := c.sessionKey(ctx, op, pin)
		if err != nil {
			return err
		}
		rec := storage.SealedRecord{
			ID:        uuid.NewString(),
			Category:  category,
			OwnerDID:  ownerDID,
			Encrypted: true,
			KeyID:     key.ID(),
			UpdatedAt: c.now().UTC(),
		}
		err = key.Use(func(raw []byte) error {
			var err error
			rec.Payload, err = securestore.Seal(raw, key.Generation(), plaintext, storage.RecordAAD(rec.ID, rec.Category, rec.OwnerDID))
			return err
		})
		if err != nil {
			return err
		}
		if err := c.store.PutRecord(ctx, rec); err != nil {
			return contracts.StorageError(err)
		}
		id = rec.ID
		return nil
	})
	return id, c.observe("seal_content", err)
}

// OpenContent returns the plaintext of a sealed record.
func (c *Core) OpenContent(ctx context.Context, id, pin string) ([]byte, error) {
	const op = "app.OpenContent"
	var plain []byte
	err := c.vault.Shared(func() error {
		rec, err := c.store.GetRecord(ctx, id)
		if err != nil {
			if contracts.IsNotFound(err) {
				return contracts.E(op, contracts.ErrNotFound, "unknown record")
			}
			return contracts.StorageError(err)
		}
		if !rec.Encrypted {
			plain = rec.Payload
			return nil
		}
		key, err := c.sessionKey(ctx, op, pin)
		if err != nil {
			return err
		}
		err = key.Use(func(raw []byte) error {
			var err error
			plain, err = securestore.Open(raw, rec.Payload, storage.RecordAAD(rec.ID, rec.Category, rec.OwnerDID))
			return err
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, securestore.ErrAuthFailed):
			return contracts.E(op, contracts.ErrAuthenticationFailure, "record did not open")
		case errors.Is(err, securestore.ErrInvalid), errors.Is(err, securestore.ErrLegacyData):
			return contracts.E(op, contracts.ErrFormat, "record is malformed")
		default:
			return err
		}
	})
	return plain, c.observe("open_content", err)
}

func (c *Core) DeleteContent(ctx context.Context, id string) error {
	if err := c.store.DeleteRecord(ctx, id); err != nil {
		return c.observe("delete_content", contracts.StorageError(err))
	}
	return nil
}

func (c *Core) ScanEncryptedState(ctx context.Context) (models.Inventory, error) {
	inv, err := c.rotation.ScanEncryptedState(ctx)
	return inv, c.observe("scan_encrypted_state", err)
}

// sessionKey checks a supplied pin against the stored credential, which
// also refreshes the session; a wrong pin is ErrAuthFailed even while a
// session is live. An empty pin uses the live session and is
// ErrSessionExpired without one.
func (c *Core) sessionKey(ctx context.Context, op, pin string) (*keyvault.MasterKey, error) {
	if pin != "" {
		return c.vault.VerifyPin(ctx, pin)
	}
	if key := c.vault.MasterKey(true); key != nil {
		return key, nil
	}
	return nil, contracts.E(op, contracts.ErrSessionExpired, "")
}
