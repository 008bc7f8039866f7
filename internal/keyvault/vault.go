// Package keyvault turns a PIN into the master key, keeps unlocked secrets
// for a bounded session and guards key slots against concurrent rotation.
package keyvault

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/platform/metrics"
	"aim-chat/identity-core/internal/platform/ratelimiter"
	"aim-chat/identity-core/internal/securestore"
	"aim-chat/identity-core/internal/storage"
)

const (
	// DeviceSubject keys the device-wide PIN session.
	DeviceSubject     = "device"
	credentialVersion = 1
	maxPinLength      = 64

	DefaultSessionTTL = 30 * time.Minute
)

var masterSlot = Slot{DID: DeviceSubject, Purpose: PurposeMaster}

type State int

const (
	StateLoggedOut State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "logged_out"
}

// Session describes the current authentication window.
type Session struct {
	Subject             string
	State               State
	KeyID               string
	LastAuthenticatedAt time.Time
}

// Rotation carries both keys of a PIN change. Old is only valid until the
// re-encryption pass finishes; callers must not keep it.
type Rotation struct {
	Old *MasterKey
	New *MasterKey
}

type Options struct {
	Iterations int
	MinDigits  int
	SessionTTL time.Duration
	MaxEntries int
	Lockout    bool
	// AttemptsPerSecond <= 0 disables the token bucket.
	AttemptsPerSecond float64
	AttemptsBurst     int
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

type Vault struct {
	store      storage.CredentialStore
	iterations int
	minDigits  int
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics

	cache   *Cache
	lockout *ratelimiter.Lockout
	limiter *ratelimiter.MapLimiter

	// guard is held shared by operations that use unlocked keys and
	// exclusively across a PIN change and its re-encryption pass.
	guard sync.RWMutex

	// mu serializes credential reads/writes and session activation.
	mu       sync.Mutex
	current  *MasterKey
	lastAuth time.Time
}

func New(store storage.CredentialStore, opts Options) (*Vault, error) {
	if store == nil {
		return nil, errors.New("keyvault: nil credential store")
	}
	if opts.Iterations == 0 {
		opts.Iterations = MinIterations
	}
	if opts.Iterations < MinIterations || opts.Iterations > MaxIterations {
		return nil, fmt.Errorf("keyvault: iterations %d outside [%d, %d]", opts.Iterations, MinIterations, MaxIterations)
	}
	if opts.MinDigits < MinPinDigits {
		opts.MinDigits = MinPinDigits
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	v := &Vault{
		store:      store,
		iterations: opts.Iterations,
		minDigits:  opts.MinDigits,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "keyvault"),
		metrics:    opts.Metrics,
		cache:      NewCache(opts.SessionTTL, opts.MaxEntries, opts.Now),
		limiter:    ratelimiter.New(opts.AttemptsPerSecond, opts.AttemptsBurst, 0),
	}
	if opts.Lockout {
		v.lockout = ratelimiter.NewLockout()
	}
	v.cache.onChange = v.metrics.SetSessionEntries
	return v, nil
}

// Secrets is the session cache shared with identity unlocking.
func (v *Vault) Secrets() *Cache {
	return v.cache
}

// Iterations is the work factor used for new credentials and export keys.
func (v *Vault) Iterations() int {
	return v.iterations
}

// Configured reports whether a PIN has been set up on this device.
func (v *Vault) Configured(ctx context.Context) (bool, error) {
	_, err := v.store.LoadPinCredential(ctx)
	switch {
	case err == nil:
		return true, nil
	case contracts.IsNotFound(err):
		return false, nil
	default:
		return false, contracts.StorageError(err)
	}
}

func (v *Vault) SetupPin(ctx context.Context, pin string) (*MasterKey, error) {
	const op = "keyvault.SetupPin"
	if err := ValidatePin(pin, v.minDigits); err != nil {
		return nil, contracts.E(op, contracts.ErrInvalidInput, err.Error())
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.store.LoadPinCredential(ctx); err == nil {
		return nil, contracts.E(op, contracts.ErrAlreadyConfigured, "")
	} else if !contracts.IsNotFound(err) {
		return nil, contracts.StorageError(err)
	}
	key, cred, err := v.newCredential(pin, 1)
	if err != nil {
		return nil, err
	}
	if err := v.store.SavePinCredential(ctx, cred); err != nil {
		return nil, contracts.StorageError(err)
	}
	v.activateLocked(key)
	v.logger.Info("pin configured", "operation", "setup_pin", "key_id", key.ID())
	return key, nil
}

func (v *Vault) VerifyPin(ctx context.Context, pin string) (*MasterKey, error) {
	const op = "keyvault.VerifyPin"
	if err := v.admit(op); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	cred, err := v.loadCredential(ctx, op)
	if err != nil {
		return nil, err
	}
	key, err := v.unlock(op, pin, cred)
	if err != nil {
		return nil, err
	}
	v.activateLocked(key)
	return key, nil
}

// ChangePin verifies oldPin, persists a credential for newPin and returns
// both keys. The replaced credential stays recorded until CompleteRotation,
// so an interrupted re-encryption pass can be resumed. Callers hold
// Exclusive for the whole PIN change.
func (v *Vault) ChangePin(ctx context.Context, oldPin, newPin string) (Rotation, error) {
	const op = "keyvault.ChangePin"
	if err := ValidatePin(newPin, v.minDigits); err != nil {
		return Rotation{}, contracts.E(op, contracts.ErrInvalidInput, err.Error())
	}
	if err := v.admit(op); err != nil {
		return Rotation{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	cred, err := v.loadCredential(ctx, op)
	if err != nil {
		return Rotation{}, err
	}
	oldKey, err := v.unlock(op, oldPin, cred)
	if err != nil {
		return Rotation{}, err
	}
	if cred.RotationPending() {
		return Rotation{}, contracts.E(op, contracts.ErrConflict, "previous rotation not completed")
	}
	newKey, next, err := v.newCredential(newPin, cred.Generation+1)
	if err != nil {
		return Rotation{}, err
	}
	prev := storage.CloneCredential(cred)
	prev.Previous = nil
	next.Previous = &prev
	if err := v.store.SavePinCredential(ctx, next); err != nil {
		return Rotation{}, contracts.StorageError(err)
	}
	v.clearLocked()
	v.activateLocked(newKey)
	v.logger.Info("pin changed", "operation", "change_pin", "generation", next.Generation, "key_id", newKey.ID())
	return Rotation{Old: oldKey, New: newKey}, nil
}

// ResumeRotation re-derives both keys of an unfinished PIN change.
func (v *Vault) ResumeRotation(ctx context.Context, oldPin, newPin string) (Rotation, error) {
	const op = "keyvault.ResumeRotation"
	if err := v.admit(op); err != nil {
		return Rotation{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	cred, err := v.loadCredential(ctx, op)
	if err != nil {
		return Rotation{}, err
	}
	if !cred.RotationPending() {
		return Rotation{}, contracts.E(op, contracts.ErrInvalidInput, "no rotation in progress")
	}
	newKey, err := v.unlock(op, newPin, cred)
	if err != nil {
		return Rotation{}, err
	}
	oldKey, err := v.unlock(op, oldPin, *cred.Previous)
	if err != nil {
		return Rotation{}, err
	}
	v.clearLocked()
	v.activateLocked(newKey)
	return Rotation{Old: oldKey, New: newKey}, nil
}

// CompleteRotation forgets the replaced credential. Call it only after every
// record has been re-encrypted.
func (v *Vault) CompleteRotation(ctx context.Context) error {
	const op = "keyvault.CompleteRotation"
	v.mu.Lock()
	defer v.mu.Unlock()

	cred, err := v.loadCredential(ctx, op)
	if err != nil {
		return err
	}
	if !cred.RotationPending() {
		return nil
	}
	cred.Previous = nil
	cred.UpdatedAt = v.now().UTC()
	if err := v.store.SavePinCredential(ctx, cred); err != nil {
		return contracts.StorageError(err)
	}
	v.logger.Info("pin rotation completed", "operation", "complete_rotation", "generation", cred.Generation)
	return nil
}

func (v *Vault) RotationPending(ctx context.Context) (bool, error) {
	cred, err := v.store.LoadPinCredential(ctx)
	if contracts.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, contracts.StorageError(err)
	}
	return cred.RotationPending(), nil
}

// MasterKey returns the session key while the inactivity window is open and
// nil otherwise. With requireFresh the window slides forward; without it the
// key is only peeked.
func (v *Vault) MasterKey(requireFresh bool) *MasterKey {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return nil
	}
	if _, ok := v.cache.touch(masterSlot, requireFresh); !ok {
		v.clearLocked()
		v.logger.Debug("session expired", "operation", "master_key")
		return nil
	}
	return v.current
}

// ClearSession logs out and wipes every cached secret.
func (v *Vault) ClearSession() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearLocked()
}

// Sweep drops expired secrets. A session whose master key expired is logged out.
func (v *Vault) Sweep() {
	v.cache.Sweep()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != nil && !v.cache.Has(masterSlot) {
		v.clearLocked()
	}
}

func (v *Vault) Session() Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Session{Subject: DeviceSubject, LastAuthenticatedAt: v.lastAuth}
	if v.current != nil && v.cache.Has(masterSlot) {
		s.State = StateActive
		s.KeyID = v.current.ID()
	}
	return s
}

// Shared runs fn while holding the key-slot guard in shared mode.
func (v *Vault) Shared(fn func() error) error {
	v.guard.RLock()
	defer v.guard.RUnlock()
	return fn()
}

// Exclusive runs fn with no concurrent key users.
func (v *Vault) Exclusive(fn func() error) error {
	v.guard.Lock()
	defer v.guard.Unlock()
	return fn()
}

func (v *Vault) loadCredential(ctx context.Context, op string) (storage.PinCredential, error) {
	cred, err := v.store.LoadPinCredential(ctx)
	if contracts.IsNotFound(err) {
		return storage.PinCredential{}, contracts.E(op, contracts.ErrNotConfigured, "")
	}
	if err != nil {
		return storage.PinCredential{}, contracts.StorageError(err)
	}
	return cred, nil
}

func (v *Vault) newCredential(pin string, generation uint64) (*MasterKey, storage.PinCredential, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, storage.PinCredential{}, err
	}
	master, verifier, err := deriveMaterial(pin, salt, v.iterations)
	if err != nil {
		return nil, storage.PinCredential{}, err
	}
	keyID := securestore.KeyID(master)
	key, err := newMasterKey(master, generation)
	if err != nil {
		return nil, storage.PinCredential{}, err
	}
	return key, storage.PinCredential{
		Version:    credentialVersion,
		KDF:        KDFName,
		Iterations: v.iterations,
		Salt:       salt,
		Verifier:   verifier,
		Generation: generation,
		KeyID:      keyID,
		UpdatedAt:  v.now().UTC(),
	}, nil
}

// unlock derives the key for pin under cred and checks the verifier in
// constant time.
func (v *Vault) unlock(op, pin string, cred storage.PinCredential) (*MasterKey, error) {
	if cred.KDF != KDFName || cred.Version != credentialVersion {
		return nil, contracts.E(op, contracts.ErrFormat, "unsupported pin credential")
	}
	master, verifier, err := deriveMaterial(pin, cred.Salt, cred.Iterations)
	if err != nil {
		return nil, contracts.E(op, contracts.ErrFormat, "unusable pin credential")
	}
	defer wipe(verifier)
	if subtle.ConstantTimeCompare(verifier, cred.Verifier) != 1 {
		wipe(master)
		v.failure(op)
		return nil, contracts.E(op, contracts.ErrAuthFailed, "")
	}
	key, err := newMasterKey(master, cred.Generation)
	if err != nil {
		return nil, err
	}
	v.lockout.Reset(DeviceSubject)
	v.metrics.PinAttempt("success")
	return key, nil
}

// admit applies attempt throttling before any derivation work.
func (v *Vault) admit(op string) error {
	now := v.now()
	if locked, until := v.lockout.Locked(DeviceSubject, now); locked {
		v.metrics.PinAttempt("locked")
		return contracts.E(op, contracts.ErrLocked, "retry in "+until.Sub(now).Round(time.Second).String())
	}
	if !v.limiter.Allow(DeviceSubject, now) {
		v.metrics.PinAttempt("limited")
		return contracts.E(op, contracts.ErrLocked, "too many attempts")
	}
	return nil
}

func (v *Vault) failure(op string) {
	backoff := v.lockout.Failure(DeviceSubject, v.now())
	v.metrics.PinAttempt("failure")
	v.logger.Warn("pin verification failed", "operation", op, "backoff", backoff.String())
}

// activateLocked caches key as the session key. The session keeps its own
// handle so logout invalidates only handles obtained through MasterKey.
func (v *Vault) activateLocked(key *MasterKey) {
	enclave := key.enclave.Load()
	v.cache.putEnclave(masterSlot, enclave)
	current := &MasterKey{id: key.id, generation: key.generation}
	current.enclave.Store(enclave)
	v.current = current
	v.lastAuth = v.now().UTC()
}

func (v *Vault) clearLocked() {
	v.cache.Clear()
	if v.current != nil {
		v.current.Discard()
		v.current = nil
	}
}
