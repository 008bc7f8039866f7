package models

import (
	"time"
)

// Identity mirrors one row of the identities table. EncryptedPrivateKeyBundle
// is the sealed form of the private bundle; the plaintext is never stored.
type Identity struct {
	DID                       string      `json:"did"`
	Nickname                  string      `json:"nickname"`
	Bio                       string      `json:"bio,omitempty"`
	AvatarPath                string      `json:"avatar_path,omitempty"`
	SigningPublicKey          []byte      `json:"public_key_sign"`
	EncryptionPublicKey       []byte      `json:"public_key_encrypt"`
	EncryptedPrivateKeyBundle []byte      `json:"private_key_encrypted"`
	Document                  DIDDocument `json:"did_document"`
	CreatedAt                 time.Time   `json:"created_at"`
	UpdatedAt                 time.Time   `json:"updated_at"`
	IsDefault                 bool        `json:"is_default"`
	IsActive                  bool        `json:"is_active"`
	NeedsRetry                bool        `json:"needs_retry,omitempty"`
}

// Public returns a copy without the sealed bundle, suitable for handing to
// collaborators.
func (i Identity) Public() Identity {
	out := i
	out.SigningPublicKey = append([]byte(nil), i.SigningPublicKey...)
	out.EncryptionPublicKey = append([]byte(nil), i.EncryptionPublicKey...)
	out.EncryptedPrivateKeyBundle = nil
	return out
}

type VerificationMethod struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Controller      string `json:"controller"`
	PublicKeyBase58 string `json:"publicKeyBase58"`
}

type DocumentProof struct {
	Type               string    `json:"type"`
	Created            time.Time `json:"created"`
	VerificationMethod string    `json:"verificationMethod"`
	SignatureBase58    string    `json:"signatureBase58"`
}

type DIDDocument struct {
	Context         []string             `json:"@context"`
	ID              string               `json:"id"`
	PublicKey       []VerificationMethod `json:"publicKey"`
	Authentication  []string             `json:"authentication"`
	AssertionMethod []string             `json:"assertionMethod"`
	KeyAgreement    []string             `json:"keyAgreement"`
	Proof           *DocumentProof       `json:"proof,omitempty"`
}

// Envelope is the wire/at-rest form of one encrypted message. Transport
// collaborators carry it byte-for-byte.
type Envelope struct {
	SenderDID    string `json:"senderDid"`
	RecipientDID string `json:"recipientDid"`
	Nonce        string `json:"nonce"`
	Ciphertext   string `json:"ciphertext"`
}

// IdentityBackup is the export blob schema.
type IdentityBackup struct {
	Format     string      `json:"format"`
	Version    int         `json:"version"`
	DID        string      `json:"did"`
	Nickname   string      `json:"nickname"`
	Bio        string      `json:"bio,omitempty"`
	AvatarPath string      `json:"avatar_path,omitempty"`
	Document   DIDDocument `json:"did_document"`
	KDF        string      `json:"kdf"`
	Iterations int         `json:"iterations"`
	Salt       []byte      `json:"salt"`
	Bundle     []byte      `json:"bundle"`
	CreatedAt  time.Time   `json:"created_at"`
	ExportedAt time.Time   `json:"exported_at"`
}

type CategoryReport struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type RotationReport struct {
	RunID      string                    `json:"run_id"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Categories map[string]CategoryReport `json:"categories"`
}

// Failed sums failures across categories.
func (r RotationReport) Failed() int {
	n := 0
	for _, c := range r.Categories {
		n += c.Failed
	}
	return n
}

type CategoryInventory struct {
	Encrypted    int            `json:"encrypted"`
	Plaintext    int            `json:"plaintext"`
	PendingRetry int            `json:"pending_retry"`
	ByKeyID      map[string]int `json:"by_key_id,omitempty"`
}

type Inventory struct {
	ScannedAt  time.Time                    `json:"scanned_at"`
	Categories map[string]CategoryInventory `json:"categories"`
}
