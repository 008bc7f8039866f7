package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/keyvault"
	"aim-chat/identity-core/internal/securestore"
	"aim-chat/identity-core/pkg/models"
)

const (
	BackupFormat   = "aim-identity-backup"
	BackupVersion  = 1
	backupAADLabel = "aim/identity-backup/v1"
)

func backupAAD(did string) []byte {
	return []byte(backupAADLabel + "\x00" + did)
}

// Export seals the identity's private bundle under a key derived from pin
// with a fresh salt. The blob does not depend on the device master key, so
// it stays importable after later PIN changes.
func (m *Manager) Export(ctx context.Context, did, pin string) ([]byte, error) {
	const op = "identity.Export"
	item, err := m.store.GetIdentity(ctx, did)
	if err != nil {
		return nil, m.lookupErr(op, err)
	}
	key, err := m.vault.VerifyPin(ctx, pin)
	if err != nil {
		return nil, err
	}
	bundle, err := openBundle(op, key, item)
	if err != nil {
		return nil, err
	}
	defer bundle.Wipe()

	salt, err := keyvault.NewSalt()
	if err != nil {
		return nil, err
	}
	iterations := m.vault.Iterations()
	exportKey, err := keyvault.DeriveExportKey(pin, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer wipe(exportKey)
	plain := bundle.marshal()
	defer wipe(plain)
	sealed, err := securestore.Seal(exportKey, 0, plain, backupAAD(did))
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(models.IdentityBackup{
		Format:     BackupFormat,
		Version:    BackupVersion,
		DID:        item.DID,
		Nickname:   item.Nickname,
		Bio:        item.Bio,
		AvatarPath: item.AvatarPath,
		Document:   item.Document,
		KDF:        keyvault.KDFName,
		Iterations: iterations,
		Salt:       salt,
		Bundle:     sealed,
		CreatedAt:  item.CreatedAt,
		ExportedAt: m.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("identity exported", "operation", "export", "did", did)
	return blob, nil
}

// Import restores an exported identity. pin opens the blob and, without a
// live session, unlocks the device master key the bundle is re-sealed under.
func (m *Manager) Import(ctx context.Context, blob []byte, pin string) (models.Identity, error) {
	const op = "identity.Import"
	backup, err := parseBackup(blob)
	if err != nil {
		return models.Identity{}, contracts.E(op, contracts.ErrFormat, err.Error())
	}
	if _, err := m.store.GetIdentity(ctx, backup.DID); err == nil {
		return models.Identity{}, contracts.E(op, contracts.ErrConflict, "identity already exists")
	} else if !contracts.IsNotFound(err) {
		return models.Identity{}, contracts.StorageError(err)
	}

	exportKey, err := keyvault.DeriveExportKey(pin, backup.Salt, backup.Iterations)
	if err != nil {
		return models.Identity{}, contracts.E(op, contracts.ErrFormat, "unusable key derivation parameters")
	}
	plain, err := securestore.Open(exportKey, backup.Bundle, backupAAD(backup.DID))
	wipe(exportKey)
	switch {
	case err == nil:
	case errors.Is(err, securestore.ErrAuthFailed):
		return models.Identity{}, contracts.E(op, contracts.ErrAuthFailed, "backup did not open")
	default:
		return models.Identity{}, contracts.E(op, contracts.ErrFormat, "backup bundle is malformed")
	}
	bundle, err := parseBundle(plain)
	wipe(plain)
	if err != nil {
		return models.Identity{}, contracts.E(op, contracts.ErrFormat, err.Error())
	}
	defer bundle.Wipe()

	key, err := m.sessionKey(ctx, op, pin)
	if err != nil {
		return models.Identity{}, err
	}
	profile, err := Profile{Nickname: backup.Nickname, Bio: backup.Bio, AvatarPath: backup.AvatarPath}.normalize(op)
	if err != nil {
		return models.Identity{}, contracts.E(op, contracts.ErrFormat, "backup profile is invalid")
	}
	record, err := m.restoredRecord(op, backup, bundle, profile, key)
	if err != nil {
		return models.Identity{}, err
	}
	return m.insert(ctx, op, record, bundle)
}

// restoredRecord rebuilds the identity as it was issued: same did, same
// signed document and creation time. The recovered keys must match both.
func (m *Manager) restoredRecord(op string, backup models.IdentityBackup, bundle *PrivateKeyBundle, profile Profile, key *keyvault.MasterKey) (models.Identity, error) {
	method, _, err := ParseDID(backup.DID)
	if err != nil {
		return models.Identity{}, contracts.E(op, contracts.ErrFormat, err.Error())
	}
	signingPub := bundle.SigningPublicKey()
	did, err := BuildDID(method, signingPub)
	if err != nil || did != backup.DID {
		return models.Identity{}, contracts.E(op, contracts.ErrFormat, "backup keys do not match did")
	}
	agreementPub, err := bundle.AgreementPublicKey()
	if err != nil {
		return models.Identity{}, err
	}
	listed, err := AgreementKeyOf(backup.Document)
	if err != nil || !bytes.Equal(listed, agreementPub) {
		return models.Identity{}, contracts.E(op, contracts.ErrFormat, "backup keys do not match document")
	}
	sealed, err := sealBundle(key, did, bundle)
	if err != nil {
		return models.Identity{}, err
	}
	now := m.now().UTC()
	created := backup.CreatedAt.UTC()
	if created.IsZero() {
		created = backup.Document.Proof.Created
	}
	return models.Identity{
		DID:                       did,
		Nickname:                  profile.Nickname,
		Bio:                       profile.Bio,
		AvatarPath:                profile.AvatarPath,
		SigningPublicKey:          signingPub,
		EncryptionPublicKey:       agreementPub,
		EncryptedPrivateKeyBundle: sealed,
		Document:                  backup.Document,
		CreatedAt:                 created,
		UpdatedAt:                 now,
		IsActive:                  true,
	}, nil
}

func parseBackup(blob []byte) (models.IdentityBackup, error) {
	var backup models.IdentityBackup
	if err := json.Unmarshal(blob, &backup); err != nil {
		return models.IdentityBackup{}, errors.New("backup is not valid json")
	}
	switch {
	case backup.Format != BackupFormat:
		return models.IdentityBackup{}, errors.New("unknown backup format")
	case backup.Version != BackupVersion:
		return models.IdentityBackup{}, errors.New("unsupported backup version")
	case backup.KDF != keyvault.KDFName:
		return models.IdentityBackup{}, errors.New("unsupported backup kdf")
	case backup.Iterations < keyvault.MinIterations || backup.Iterations > keyvault.MaxIterations:
		return models.IdentityBackup{}, errors.New("backup kdf iterations out of range")
	case len(backup.Salt) < keyvault.SaltSize || len(backup.Bundle) == 0:
		return models.IdentityBackup{}, errors.New("backup is incomplete")
	case backup.Document.Proof == nil:
		return models.IdentityBackup{}, errors.New("backup document is unsigned")
	}
	if _, _, err := ParseDID(backup.DID); err != nil {
		return models.IdentityBackup{}, err
	}
	if backup.Document.ID != backup.DID {
		return models.IdentityBackup{}, ErrDocumentMismatch
	}
	if err := VerifyDocument(backup.Document); err != nil {
		return models.IdentityBackup{}, err
	}
	return backup, nil
}
