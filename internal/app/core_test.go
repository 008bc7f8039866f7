package app

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"aim-chat/identity-core/internal/config"
	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/keyvault"
	"aim-chat/identity-core/internal/rotation"
	"aim-chat/identity-core/internal/storage"
)

const (
	alicePin = "123456"
	newPin   = "654321"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCore(t *testing.T) (*Core, *storage.MemoryStore, *clock) {
	t.Helper()
	store := storage.NewMemoryStore()
	core, clk := newTestCoreOn(t, store)
	return core, store, clk
}

func newTestCoreOn(t *testing.T, store storage.Store) (*Core, *clock) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageMemory
	cfg.KDF.Iterations = config.MinKDFIterations
	lockout := false
	cfg.Pin.Lockout = &lockout
	cfg.Pin.AttemptsPerSec = 0

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	core, err := New(context.Background(), cfg, Options{
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    clk.Now,
	})
	if err != nil {
		t.Fatalf("new core failed: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	return core, clk
}

func TestAliceSendsHelloToBob(t *testing.T) {
	ctx := context.Background()
	core, _, _ := newTestCore(t)
	alice, err := core.GenerateIdentity(ctx, "Alice", alicePin, "")
	if err != nil {
		t.Fatalf("generate alice failed: %v", err)
	}
	bob, err := core.GenerateIdentity(ctx, "Bob", alicePin, "")
	if err != nil {
		t.Fatalf("generate bob failed: %v", err)
	}
	current, err := core.GetCurrentIdentity(ctx)
	if err != nil || current == nil || current.DID != alice.DID {
		t.Fatalf("expected alice as current identity: %+v %v", current, err)
	}

	env, err := core.EncryptFor(ctx, bob.DID, []byte("hello"), alice.DID, alicePin)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := core.Decrypt(ctx, env, bob.DID, alicePin)
	if err != nil || string(plain) != "hello" {
		t.Fatalf("decrypt failed: %q %v", plain, err)
	}

	raw, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	raw[len(raw)/2] ^= 0x01
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)
	plain, err = core.Decrypt(ctx, env, bob.DID, alicePin)
	if !contracts.IsAuthenticationFailure(err) || plain != nil {
		t.Fatalf("expected authentication failure, got %q %v", plain, err)
	}

	sig, err := core.Sign(ctx, alice.DID, []byte("hello"), "")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !core.Verify(ctx, alice.DID, []byte("hello"), sig) {
		t.Fatal("expected signature to verify")
	}
	if core.Verify(ctx, alice.DID, []byte("hellO"), sig) {
		t.Fatal("tampered message must not verify")
	}
}

func TestGenerateIdentitySetsUpPinOnFreshDevice(t *testing.T) {
	ctx := context.Background()
	core, _, _ := newTestCore(t)
	if _, err := core.GenerateIdentity(ctx, "alice", "123", ""); !contracts.IsInvalidInput(err) {
		t.Fatalf("expected invalid input for weak pin, got %v", err)
	}
	if _, err := core.GenerateIdentity(ctx, "alice", alicePin, ""); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := core.GenerateIdentity(ctx, "bob", "999999", ""); !contracts.IsAuthFailed(err) {
		t.Fatalf("expected wrong pin on configured device, got %v", err)
	}
	if err := core.SetupPin(ctx, "111111"); !errors.Is(err, contracts.ErrAlreadyConfigured) {
		t.Fatalf("expected already configured, got %v", err)
	}
}

func TestChangePinReencryptsEverything(t *testing.T) {
	ctx := context.Background()
	core, _, _ := newTestCore(t)
	alice, err := core.GenerateIdentity(ctx, "alice", alicePin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	id, err := core.SealContent(ctx, alice.DID, "note", []byte("draft"), "")
	if err != nil {
		t.Fatalf("seal content failed: %v", err)
	}

	report, err := core.ChangePin(ctx, alicePin, newPin)
	if err != nil {
		t.Fatalf("change pin failed: %v", err)
	}
	if report.Failed() != 0 || report.Categories[rotation.CategoryIdentityBundle].Succeeded != 1 || report.Categories[rotation.CategorySealedRecord].Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	core.ClearSession()
	if _, err := core.OpenContent(ctx, id, alicePin); !contracts.IsAuthFailed(err) {
		t.Fatalf("old pin must be rejected, got %v", err)
	}
	plain, err := core.OpenContent(ctx, id, newPin)
	if err != nil || string(plain) != "draft" {
		t.Fatalf("open with new pin failed: %q %v", plain, err)
	}
	if _, err := core.Sign(ctx, alice.DID, []byte("m"), ""); err != nil {
		t.Fatalf("sign after rotation failed: %v", err)
	}

	inv, err := core.ScanEncryptedState(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	keyID := core.Session().KeyID
	for name, cat := range inv.Categories {
		if cat.Encrypted != cat.ByKeyID[keyID] || cat.PendingRetry != 0 {
			t.Fatalf("category %s not fully migrated: %+v", name, cat)
		}
	}
	if _, err := core.ResumeRotation(ctx, alicePin, newPin); !contracts.IsInvalidInput(err) {
		t.Fatalf("expected nothing to resume, got %v", err)
	}
}

func TestSignersSerializeWithPinChange(t *testing.T) {
	ctx := context.Background()
	core, _, _ := newTestCore(t)
	alice, err := core.GenerateIdentity(ctx, "alice", alicePin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				sig, err := core.Sign(ctx, alice.DID, []byte("m"), "")
				if err != nil {
					errs <- err
					return
				}
				if !core.Verify(ctx, alice.DID, []byte("m"), sig) {
					errs <- contracts.E("test", contracts.ErrAuthenticationFailure, "bad signature")
					return
				}
			}
		}()
	}
	if _, err := core.ChangePin(ctx, alicePin, newPin); err != nil {
		t.Fatalf("change pin failed: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent sign failed: %v", err)
	}
}

func TestSessionExpiresAfterIdle(t *testing.T) {
	ctx := context.Background()
	core, _, clk := newTestCore(t)
	alice, err := core.GenerateIdentity(ctx, "alice", alicePin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	clk.Advance(29 * time.Minute)
	if _, err := core.Sign(ctx, alice.DID, []byte("m"), ""); err != nil {
		t.Fatalf("sign within session failed: %v", err)
	}
	clk.Advance(31 * time.Minute)
	if _, err := core.Sign(ctx, alice.DID, []byte("m"), ""); !contracts.IsSessionExpired(err) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if _, err := core.Sign(ctx, alice.DID, []byte("m"), alicePin); err != nil {
		t.Fatalf("sign with pin failed: %v", err)
	}
}

func TestSuppliedPinIsCheckedDuringSession(t *testing.T) {
	ctx := context.Background()
	core, _, _ := newTestCore(t)
	alice, err := core.GenerateIdentity(ctx, "alice", alicePin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if core.Session().State != keyvault.StateActive {
		t.Fatal("expected a live session after generate")
	}
	if _, err := core.Sign(ctx, alice.DID, []byte("m"), "999999"); !contracts.IsAuthFailed(err) {
		t.Fatalf("wrong pin must be rejected during a session, got %v", err)
	}
	id, err := core.SealContent(ctx, alice.DID, "note", []byte("draft"), "")
	if err != nil {
		t.Fatalf("seal content failed: %v", err)
	}
	if _, err := core.OpenContent(ctx, id, "999999"); !contracts.IsAuthFailed(err) {
		t.Fatalf("wrong pin must be rejected on open, got %v", err)
	}
	if _, err := core.Sign(ctx, alice.DID, []byte("m"), ""); err != nil {
		t.Fatalf("session sign after a wrong pin failed: %v", err)
	}
	if _, err := core.Sign(ctx, alice.DID, []byte("m"), alicePin); err != nil {
		t.Fatalf("sign with correct pin failed: %v", err)
	}
}

func TestOpenContentDetectsTampering(t *testing.T) {
	ctx := context.Background()
	core, store, _ := newTestCore(t)
	alice, _ := core.GenerateIdentity(ctx, "alice", alicePin, "")
	bob, _ := core.GenerateIdentity(ctx, "bob", alicePin, "")
	id, err := core.SealContent(ctx, alice.DID, "note", []byte("mine"), "")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	rec, _ := store.GetRecord(ctx, id)
	rec.OwnerDID = bob.DID
	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := core.OpenContent(ctx, id, ""); !contracts.IsAuthenticationFailure(err) {
		t.Fatalf("expected authentication failure for moved record, got %v", err)
	}
	if _, err := core.SealContent(ctx, "did:aim:unknown", "note", []byte("x"), ""); err == nil {
		t.Fatal("expected error for unknown owner")
	}
	if _, err := core.OpenContent(ctx, "missing", ""); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteIdentityRemovesContent(t *testing.T) {
	ctx := context.Background()
	core, store, _ := newTestCore(t)
	alice, _ := core.GenerateIdentity(ctx, "alice", alicePin, "")
	if _, err := core.SealContent(ctx, alice.DID, "note", []byte("x"), ""); err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if err := core.DeleteIdentity(ctx, alice.DID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	left, _ := store.ListRecords(ctx, storage.RecordFilter{OwnerDID: alice.DID})
	if len(left) != 0 {
		t.Fatalf("expected owned content removed, got %d", len(left))
	}
}

type failingRecordDeletes struct {
	*storage.MemoryStore
	fail bool
}

func (s *failingRecordDeletes) DeleteRecord(ctx context.Context, id string) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.DeleteRecord(ctx, id)
}

func TestDeleteIdentityKeepsOwnerWhenContentRemains(t *testing.T) {
	ctx := context.Background()
	store := &failingRecordDeletes{MemoryStore: storage.NewMemoryStore()}
	core, _ := newTestCoreOn(t, store)
	alice, _ := core.GenerateIdentity(ctx, "alice", alicePin, "")
	if _, err := core.SealContent(ctx, alice.DID, "note", []byte("x"), ""); err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	store.fail = true
	if err := core.DeleteIdentity(ctx, alice.DID); err == nil {
		t.Fatal("expected delete to fail while content cannot be removed")
	}
	if _, err := store.GetIdentity(ctx, alice.DID); err != nil {
		t.Fatalf("identity must survive a failed delete: %v", err)
	}

	store.fail = false
	if err := core.DeleteIdentity(ctx, alice.DID); err != nil {
		t.Fatalf("retried delete failed: %v", err)
	}
	left, _ := store.ListRecords(ctx, storage.RecordFilter{OwnerDID: alice.DID})
	if len(left) != 0 {
		t.Fatalf("expected owned content removed, got %d", len(left))
	}
	if err := core.DeleteIdentity(ctx, alice.DID); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestExportImportAcrossCores(t *testing.T) {
	ctx := context.Background()
	src, _, _ := newTestCore(t)
	dst, _, _ := newTestCore(t)
	alice, _ := src.GenerateIdentity(ctx, "alice", alicePin, "")
	if err := dst.SetupPin(ctx, alicePin); err != nil {
		t.Fatalf("setup dst pin failed: %v", err)
	}
	blob, err := src.ExportIdentity(ctx, alice.DID, alicePin)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	imported, err := dst.ImportIdentity(ctx, blob, alicePin)
	if err != nil || imported.DID != alice.DID {
		t.Fatalf("import failed: %+v %v", imported, err)
	}
	if _, err := dst.ImportIdentity(ctx, blob, alicePin); !contracts.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	sig, err := dst.Sign(ctx, alice.DID, []byte("m"), "")
	if err != nil {
		t.Fatalf("sign on importing device failed: %v", err)
	}
	if !src.Verify(ctx, alice.DID, []byte("m"), sig) {
		t.Fatal("signature from imported identity must verify on the original device")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	core, _, _ := newTestCore(t)
	if err := core.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := core.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if core.Session().State.String() != "logged_out" {
		t.Fatal("close must clear the session")
	}
}

func TestDoctorReportsReadiness(t *testing.T) {
	ctx := context.Background()
	core, _, _ := newTestCore(t)
	report, err := core.Doctor(ctx)
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	if report.Ready {
		t.Fatal("fresh device must not be ready")
	}
	if _, err := core.GenerateIdentity(ctx, "alice", alicePin, ""); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	report, err = core.Doctor(ctx)
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	if !report.Ready {
		t.Fatalf("expected ready device: %+v", report.Checks)
	}
}
