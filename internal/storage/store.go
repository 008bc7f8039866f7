// Package storage defines the record shapes the identity core persists and
// the ports its backends implement. Backends never see plaintext secrets:
// bundles and sealed records arrive already encrypted.
package storage

import (
	"context"
	"time"

	"aim-chat/identity-core/pkg/models"
)

// PinCredential is the device-wide PIN verifier. Previous holds the
// credential being replaced while a rotation is in flight.
type PinCredential struct {
	Version    int            `json:"version"`
	KDF        string         `json:"kdf"`
	Iterations int            `json:"iterations"`
	Salt       []byte         `json:"salt"`
	Verifier   []byte         `json:"verifier"`
	Generation uint64         `json:"generation"`
	KeyID      string         `json:"key_id"`
	Previous   *PinCredential `json:"previous,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (c PinCredential) RotationPending() bool {
	return c.Previous != nil
}

// SealedRecord is collaborator content encrypted at rest under the master key.
type SealedRecord struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	OwnerDID   string    `json:"owner_did"`
	Payload    []byte    `json:"payload"`
	Encrypted  bool      `json:"encrypted"`
	KeyID      string    `json:"key_id,omitempty"`
	NeedsRetry bool      `json:"needs_retry,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const recordAADLabel = "aim/sealed-record/v1"

// RecordAAD binds a sealed payload to the record's id, category and owner so
// a ciphertext cannot be moved between records.
func RecordAAD(id, category, ownerDID string) []byte {
	b := make([]byte, 0, len(recordAADLabel)+len(id)+len(category)+len(ownerDID)+3)
	b = append(b, recordAADLabel...)
	for _, part := range []string{id, category, ownerDID} {
		b = append(b, 0)
		b = append(b, part...)
	}
	return b
}

type RecordFilter struct {
	OwnerDID string
	Category string
}

func (f RecordFilter) Match(rec SealedRecord) bool {
	if f.OwnerDID != "" && rec.OwnerDID != f.OwnerDID {
		return false
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	return true
}

// CachedDocument is a remote DID document accepted by the identity manager.
type CachedDocument struct {
	Document models.DIDDocument `json:"document"`
	CachedAt time.Time          `json:"cached_at"`
}

type IdentityStore interface {
	// CreateIdentity fails with contracts.ErrConflict when the DID exists.
	// The input IsDefault is ignored: the record becomes the default iff no
	// default exists yet, decided atomically with the insert.
	CreateIdentity(ctx context.Context, identity models.Identity) error
	GetIdentity(ctx context.Context, did string) (models.Identity, error)
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	// UpdateIdentity rewrites profile and flag fields. The sealed bundle is
	// only replaced through SwapIdentityBundle. IsDefault can only be
	// cleared here; SetDefaultIdentity is the one way to set it.
	UpdateIdentity(ctx context.Context, identity models.Identity) error
	// SwapIdentityBundle replaces the sealed bundle iff it still equals
	// expected, and clears NeedsRetry. Mismatch yields contracts.ErrConflict.
	SwapIdentityBundle(ctx context.Context, did string, expected, next []byte) error
	SetIdentityRetry(ctx context.Context, did string, needsRetry bool) error
	// SetDefaultIdentity marks did as the only default identity.
	SetDefaultIdentity(ctx context.Context, did string) error
	DeleteIdentity(ctx context.Context, did string) error
}

type RecordStore interface {
	PutRecord(ctx context.Context, rec SealedRecord) error
	GetRecord(ctx context.Context, id string) (SealedRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]SealedRecord, error)
	// SwapRecord replaces the record iff its payload still equals expected.
	SwapRecord(ctx context.Context, id string, expected []byte, next SealedRecord) error
	MarkRecordRetry(ctx context.Context, id string, needsRetry bool) error
	DeleteRecord(ctx context.Context, id string) error
}

type CredentialStore interface {
	// LoadPinCredential returns contracts.ErrNotFound before the first setup.
	LoadPinCredential(ctx context.Context) (PinCredential, error)
	SavePinCredential(ctx context.Context, cred PinCredential) error
}

type DocumentCache interface {
	PutDocument(ctx context.Context, doc CachedDocument) error
	GetDocument(ctx context.Context, did string) (CachedDocument, error)
	DeleteDocument(ctx context.Context, did string) error
}

// Store is everything a backend provides.
type Store interface {
	IdentityStore
	RecordStore
	CredentialStore
	DocumentCache
	Close() error
}
