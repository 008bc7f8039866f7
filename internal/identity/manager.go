// Package identity creates and resolves self-sovereign identities and
// unlocks their private keys for the channel layer.
package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/keyvault"
	"aim-chat/identity-core/internal/securestore"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/pkg/models"
)

const (
	maxNicknameRunes = 64
	maxBioRunes      = 512
	bundleAADLabel   = "aim/identity-bundle/v1"
)

// Vault is the part of keyvault.Vault the manager relies on.
type Vault interface {
	VerifyPin(ctx context.Context, pin string) (*keyvault.MasterKey, error)
	MasterKey(requireFresh bool) *keyvault.MasterKey
	Secrets() *keyvault.Cache
	Iterations() int
}

// Store is what the manager persists into.
type Store interface {
	storage.IdentityStore
	storage.DocumentCache
}

type Options struct {
	Method string
	Now    func() time.Time
	Logger *slog.Logger
}

type Manager struct {
	store  Store
	vault  Vault
	method string
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(store Store, vault Vault, opts Options) (*Manager, error) {
	if store == nil || vault == nil {
		return nil, errors.New("identity: nil store or vault")
	}
	if opts.Method == "" {
		opts.Method = DefaultMethod
	}
	if !validMethod(opts.Method) {
		return nil, errors.New("identity: invalid did method")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:  store,
		vault:  vault,
		method: opts.Method,
		now:    opts.Now,
		logger: opts.Logger.With("component", "identity"),
	}, nil
}

// Profile holds the user-editable identity fields.
type Profile struct {
	Nickname   string
	Bio        string
	AvatarPath string
}

func (p Profile) normalize(op string) (Profile, error) {
	p.Nickname = strings.TrimSpace(p.Nickname)
	p.Bio = strings.TrimSpace(p.Bio)
	p.AvatarPath = strings.TrimSpace(p.AvatarPath)
	if p.Nickname == "" {
		return Profile{}, contracts.E(op, contracts.ErrInvalidInput, "nickname is required")
	}
	if utf8.RuneCountInString(p.Nickname) > maxNicknameRunes {
		return Profile{}, contracts.E(op, contracts.ErrInvalidInput, "nickname is too long")
	}
	if utf8.RuneCountInString(p.Bio) > maxBioRunes {
		return Profile{}, contracts.E(op, contracts.ErrInvalidInput, "bio is too long")
	}
	return p, nil
}

// Generate creates a new identity protected by the device PIN.
func (m *Manager) Generate(ctx context.Context, nickname, pin, bio string) (models.Identity, error) {
	const op = "identity.Generate"
	profile, err := Profile{Nickname: nickname, Bio: bio}.normalize(op)
	if err != nil {
		return models.Identity{}, err
	}
	if err := keyvault.ValidatePin(pin, keyvault.MinPinDigits); err != nil {
		return models.Identity{}, contracts.E(op, contracts.ErrInvalidInput, err.Error())
	}
	key, err := m.vault.VerifyPin(ctx, pin)
	if err != nil {
		return models.Identity{}, err
	}
	seed, err := newRecoverySeed()
	if err != nil {
		return models.Identity{}, err
	}
	defer wipe(seed)
	return m.createFromSeed(ctx, op, seed, profile, key)
}

// createFromSeed derives keys from seed, seals them under key and stores the
// new identity.
func (m *Manager) createFromSeed(ctx context.Context, op string, seed []byte, profile Profile, key *keyvault.MasterKey) (models.Identity, error) {
	bundle, err := DeriveKeys(seed)
	if err != nil {
		return models.Identity{}, err
	}
	defer bundle.Wipe()

	record, err := m.buildRecord(bundle, profile, key)
	if err != nil {
		return models.Identity{}, err
	}
	return m.insert(ctx, op, record, bundle)
}

// insert persists record and primes the session cache with its keys. The
// store makes it the default when the device has none.
func (m *Manager) insert(ctx context.Context, op string, record models.Identity, bundle *PrivateKeyBundle) (models.Identity, error) {
	if err := m.store.CreateIdentity(ctx, record); err != nil {
		if contracts.IsConflict(err) {
			return models.Identity{}, contracts.E(op, contracts.ErrConflict, "identity already exists")
		}
		return models.Identity{}, contracts.StorageError(err)
	}
	stored, err := m.store.GetIdentity(ctx, record.DID)
	if err != nil {
		return models.Identity{}, contracts.StorageError(err)
	}
	m.primeCache(stored.DID, bundle)
	m.logger.Info("identity created", "operation", op, "did", stored.DID, "default", stored.IsDefault)
	return stored.Public(), nil
}

func (m *Manager) buildRecord(bundle *PrivateKeyBundle, profile Profile, key *keyvault.MasterKey) (models.Identity, error) {
	signingPub := bundle.SigningPublicKey()
	agreementPub, err := bundle.AgreementPublicKey()
	if err != nil {
		return models.Identity{}, err
	}
	did, err := BuildDID(m.method, signingPub)
	if err != nil {
		return models.Identity{}, err
	}
	now := m.now().UTC()
	signingKey := ed25519.NewKeyFromSeed(bundle.SigningSeed)
	doc, err := SignDocument(BuildDocument(did, signingPub, agreementPub), signingKey, now)
	wipe(signingKey)
	if err != nil {
		return models.Identity{}, err
	}
	sealed, err := sealBundle(key, did, bundle)
	if err != nil {
		return models.Identity{}, err
	}
	return models.Identity{
		DID:                       did,
		Nickname:                  profile.Nickname,
		Bio:                       profile.Bio,
		AvatarPath:                profile.AvatarPath,
		SigningPublicKey:          signingPub,
		EncryptionPublicKey:       agreementPub,
		EncryptedPrivateKeyBundle: sealed,
		Document:                  doc,
		CreatedAt:                 now,
		UpdatedAt:                 now,
		IsActive:                  true,
	}, nil
}

// BundleAAD binds a sealed bundle to its did.
func BundleAAD(did string) []byte {
	return []byte(bundleAADLabel + "\x00" + did)
}

func sealBundle(key *keyvault.MasterKey, did string, bundle *PrivateKeyBundle) ([]byte, error) {
	plain := bundle.marshal()
	defer wipe(plain)
	var sealed []byte
	err := key.Use(func(raw []byte) error {
		var err error
		sealed, err = securestore.Seal(raw, key.Generation(), plain, BundleAAD(did))
		return err
	})
	return sealed, err
}

func openBundle(op string, key *keyvault.MasterKey, identity models.Identity) (*PrivateKeyBundle, error) {
	var bundle *PrivateKeyBundle
	err := key.Use(func(raw []byte) error {
		plain, err := securestore.Open(raw, identity.EncryptedPrivateKeyBundle, BundleAAD(identity.DID))
		if err != nil {
			return err
		}
		defer wipe(plain)
		bundle, err = parseBundle(plain)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, securestore.ErrAuthFailed):
		return nil, contracts.E(op, contracts.ErrAuthenticationFailure, "private key bundle did not open")
	case errors.Is(err, securestore.ErrInvalid), errors.Is(err, securestore.ErrLegacyData), errors.Is(err, errBundleFormat):
		return nil, contracts.E(op, contracts.ErrFormat, "private key bundle is malformed")
	default:
		return nil, err
	}
	if !VerifyDID(identity.DID, bundle.SigningPublicKey()) {
		bundle.Wipe()
		return nil, contracts.E(op, contracts.ErrFormat, "private key bundle does not match did")
	}
	return bundle, nil
}

// ResolveDID returns a DID document, local identities first, then documents
// cached from collaborators, then a stub built from the did alone.
func (m *Manager) ResolveDID(ctx context.Context, did string) (models.DIDDocument, error) {
	const op = "identity.ResolveDID"
	if _, _, err := ParseDID(did); err != nil {
		return models.DIDDocument{}, contracts.E(op, contracts.ErrNotFound, "malformed did")
	}
	local, err := m.store.GetIdentity(ctx, did)
	if err == nil {
		return local.Document, nil
	}
	if !contracts.IsNotFound(err) {
		return models.DIDDocument{}, contracts.StorageError(err)
	}
	cached, err := m.store.GetDocument(ctx, did)
	if err == nil {
		return cached.Document, nil
	}
	if !contracts.IsNotFound(err) {
		return models.DIDDocument{}, contracts.StorageError(err)
	}
	return StubDocument(did)
}

// CacheDocument stores a remotely resolved document after checking it is
// bound to its did.
func (m *Manager) CacheDocument(ctx context.Context, doc models.DIDDocument) error {
	const op = "identity.CacheDocument"
	if err := VerifyDocument(doc); err != nil {
		return contracts.E(op, contracts.ErrInvalidInput, err.Error())
	}
	if _, err := AgreementKeyOf(doc); err != nil {
		return contracts.E(op, contracts.ErrInvalidInput, err.Error())
	}
	if _, err := m.store.GetIdentity(ctx, doc.ID); err == nil {
		return nil
	} else if !contracts.IsNotFound(err) {
		return contracts.StorageError(err)
	}
	if err := m.store.PutDocument(ctx, storage.CachedDocument{Document: doc, CachedAt: m.now().UTC()}); err != nil {
		return contracts.StorageError(err)
	}
	return nil
}

// Current returns the default active identity, or nil on first run.
func (m *Manager) Current(ctx context.Context) (*models.Identity, error) {
	items, err := m.store.ListIdentities(ctx)
	if err != nil {
		return nil, contracts.StorageError(err)
	}
	for _, item := range items {
		if item.IsDefault && item.IsActive {
			out := item.Public()
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Manager) Get(ctx context.Context, did string) (models.Identity, error) {
	item, err := m.store.GetIdentity(ctx, did)
	if err != nil {
		return models.Identity{}, m.lookupErr("identity.Get", err)
	}
	return item.Public(), nil
}

func (m *Manager) List(ctx context.Context) ([]models.Identity, error) {
	items, err := m.store.ListIdentities(ctx)
	if err != nil {
		return nil, contracts.StorageError(err)
	}
	for i := range items {
		items[i] = items[i].Public()
	}
	return items, nil
}

func (m *Manager) SetDefault(ctx context.Context, did string) error {
	const op = "identity.SetDefault"
	item, err := m.store.GetIdentity(ctx, did)
	if err != nil {
		return m.lookupErr(op, err)
	}
	if !item.IsActive {
		return contracts.E(op, contracts.ErrInvalidInput, "identity is inactive")
	}
	if err := m.store.SetDefaultIdentity(ctx, did); err != nil {
		return m.lookupErr(op, err)
	}
	return nil
}

// SetActive toggles whether an identity may be used. Deactivating the
// default identity clears the default.
func (m *Manager) SetActive(ctx context.Context, did string, active bool) error {
	const op = "identity.SetActive"
	item, err := m.store.GetIdentity(ctx, did)
	if err != nil {
		return m.lookupErr(op, err)
	}
	item.IsActive = active
	if !active {
		item.IsDefault = false
		m.vault.Secrets().EvictDID(did)
	}
	item.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateIdentity(ctx, item); err != nil {
		return m.lookupErr(op, err)
	}
	return nil
}

func (m *Manager) UpdateProfile(ctx context.Context, did string, profile Profile) (models.Identity, error) {
	const op = "identity.UpdateProfile"
	profile, err := profile.normalize(op)
	if err != nil {
		return models.Identity{}, err
	}
	item, err := m.store.GetIdentity(ctx, did)
	if err != nil {
		return models.Identity{}, m.lookupErr(op, err)
	}
	item.Nickname = profile.Nickname
	item.Bio = profile.Bio
	item.AvatarPath = profile.AvatarPath
	item.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateIdentity(ctx, item); err != nil {
		return models.Identity{}, m.lookupErr(op, err)
	}
	return item.Public(), nil
}

// Delete removes an identity and its cached secrets. When the default goes,
// the oldest remaining active identity takes its place.
func (m *Manager) Delete(ctx context.Context, did string) error {
	const op = "identity.Delete"
	item, err := m.store.GetIdentity(ctx, did)
	if err != nil {
		return m.lookupErr(op, err)
	}
	if err := m.store.DeleteIdentity(ctx, did); err != nil {
		return m.lookupErr(op, err)
	}
	m.vault.Secrets().EvictDID(did)
	m.logger.Info("identity deleted", "operation", "delete", "did", did)
	if !item.IsDefault {
		return nil
	}
	rest, err := m.store.ListIdentities(ctx)
	if err != nil {
		return contracts.StorageError(err)
	}
	for _, next := range rest {
		if next.IsActive {
			return m.lookupErr(op, m.store.SetDefaultIdentity(ctx, next.DID))
		}
	}
	return nil
}

func (m *Manager) lookupErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case contracts.IsNotFound(err):
		return contracts.E(op, contracts.ErrNotFound, "unknown identity")
	case contracts.IsConflict(err), contracts.IsInvalidInput(err):
		return err
	default:
		return contracts.StorageError(err)
	}
}
