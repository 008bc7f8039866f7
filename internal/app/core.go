package app

import (
	"context"

	"aim-chat/identity-core/internal/channel"
	"aim-chat/identity-core/internal/identity"
	"aim-chat/identity-core/internal/keyvault"
	"aim-chat/identity-core/pkg/models"
)

// CoreAPI is everything a collaborator may call. Private bundles and master
// keys never cross it. An empty pin means "use the live session"; a
// non-empty pin is always checked against the device credential.
type CoreAPI interface {
	SetupPin(ctx context.Context, pin string) error
	VerifyPin(ctx context.Context, pin string) error
	ChangePin(ctx context.Context, oldPin, newPin string) (models.RotationReport, error)
	ResumeRotation(ctx context.Context, oldPin, newPin string) (models.RotationReport, error)
	ClearSession()
	Session() keyvault.Session

	GenerateIdentity(ctx context.Context, nickname, pin, bio string) (models.Identity, error)
	GetCurrentIdentity(ctx context.Context) (*models.Identity, error)
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	SetDefaultIdentity(ctx context.Context, did string) error
	UpdateProfile(ctx context.Context, did string, profile identity.Profile) (models.Identity, error)
	DeleteIdentity(ctx context.Context, did string) error
	ResolveDID(ctx context.Context, did string) (models.DIDDocument, error)
	CacheDocument(ctx context.Context, doc models.DIDDocument) error

	Sign(ctx context.Context, did string, message []byte, pin string) ([]byte, error)
	Verify(ctx context.Context, did string, message, sig []byte) bool
	CheckSignature(ctx context.Context, did string, message, sig []byte) (channel.VerifyResult, error)
	EncryptFor(ctx context.Context, recipientDID string, message []byte, senderDID, pin string) (models.Envelope, error)
	Decrypt(ctx context.Context, env models.Envelope, recipientDID, pin string) ([]byte, error)

	ExportIdentity(ctx context.Context, did, pin string) ([]byte, error)
	ImportIdentity(ctx context.Context, blob []byte, pin string) (models.Identity, error)
	RecoveryPhrase(ctx context.Context, did, pin string) (string, error)
	RestoreIdentity(ctx context.Context, phrase, nickname, pin string) (models.Identity, error)

	SealContent(ctx context.Context, ownerDID, category string, plaintext []byte, pin string) (string, error)
	OpenContent(ctx context.Context, id, pin string) ([]byte, error)
	DeleteContent(ctx context.Context, id string) error
	ScanEncryptedState(ctx context.Context) (models.Inventory, error)
	Doctor(ctx context.Context) (DoctorReport, error)

	Close() error
}

var _ CoreAPI = (*Core)(nil)
