package rotation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"aim-chat/identity-core/internal/identity"
	"aim-chat/identity-core/internal/keyvault"
	"aim-chat/identity-core/internal/securestore"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/pkg/models"
)

const (
	oldPin = "123456"
	newPin = "654321"
)

type fixture struct {
	store    *storage.MemoryStore
	vault    *keyvault.Vault
	ids      []models.Identity
	records  []string
	rotation keyvault.Rotation
}

func newFixture(t *testing.T, identities, records int) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	vault, err := keyvault.New(store, keyvault.Options{Iterations: keyvault.MinIterations, Logger: logger})
	if err != nil {
		t.Fatalf("new vault failed: %v", err)
	}
	key, err := vault.SetupPin(ctx, oldPin)
	if err != nil {
		t.Fatalf("setup pin failed: %v", err)
	}
	mgr, err := identity.NewManager(store, vault, identity.Options{Logger: logger})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	f := &fixture{store: store, vault: vault}
	for i := 0; i < identities; i++ {
		item, err := mgr.Generate(ctx, "user", oldPin, "")
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		f.ids = append(f.ids, item)
	}
	for i := 0; i < records; i++ {
		id := "rec-" + string(rune('a'+i))
		owner := f.ids[i%len(f.ids)].DID
		aad := storage.RecordAAD(id, "note", owner)
		payload, err := seal(key, []byte("body "+id), aad)
		if err != nil {
			t.Fatalf("seal record failed: %v", err)
		}
		rec := storage.SealedRecord{ID: id, Category: "note", OwnerDID: owner, Payload: payload, Encrypted: true, KeyID: key.ID()}
		if err := store.PutRecord(ctx, rec); err != nil {
			t.Fatalf("put record failed: %v", err)
		}
		f.records = append(f.records, id)
	}
	if err := store.PutRecord(ctx, storage.SealedRecord{ID: "plain", Category: "note", Payload: []byte("public")}); err != nil {
		t.Fatalf("put plaintext record failed: %v", err)
	}
	f.rotation, err = vault.ChangePin(ctx, oldPin, newPin)
	if err != nil {
		t.Fatalf("change pin failed: %v", err)
	}
	return f
}

func (f *fixture) manager(t *testing.T, store Store) *Manager {
	t.Helper()
	m, err := New(store, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("new rotation manager failed: %v", err)
	}
	return m
}

func seal(key *keyvault.MasterKey, plain, aad []byte) ([]byte, error) {
	var out []byte
	err := key.Use(func(raw []byte) error {
		var err error
		out, err = securestore.Seal(raw, key.Generation(), plain, aad)
		return err
	})
	return out, err
}

func open(key *keyvault.MasterKey, blob, aad []byte) ([]byte, error) {
	var out []byte
	err := key.Use(func(raw []byte) error {
		var err error
		out, err = securestore.Open(raw, blob, aad)
		return err
	})
	return out, err
}

func (f *fixture) assertUnder(t *testing.T, key *keyvault.MasterKey, wantOpen bool) {
	t.Helper()
	ctx := context.Background()
	for _, item := range f.ids {
		stored, err := f.store.GetIdentity(ctx, item.DID)
		if err != nil {
			t.Fatalf("get identity failed: %v", err)
		}
		_, err = open(key, stored.EncryptedPrivateKeyBundle, identity.BundleAAD(item.DID))
		if (err == nil) != wantOpen {
			t.Fatalf("bundle %s open=%v, want %v (%v)", item.DID, err == nil, wantOpen, err)
		}
	}
	for _, id := range f.records {
		rec, err := f.store.GetRecord(ctx, id)
		if err != nil {
			t.Fatalf("get record failed: %v", err)
		}
		_, err = open(key, rec.Payload, storage.RecordAAD(rec.ID, rec.Category, rec.OwnerDID))
		if (err == nil) != wantOpen {
			t.Fatalf("record %s open=%v, want %v (%v)", id, err == nil, wantOpen, err)
		}
	}
}

func TestReencryptAllMovesEverything(t *testing.T) {
	f := newFixture(t, 2, 3)
	m := f.manager(t, f.store)
	report, err := m.ReencryptAll(context.Background(), f.rotation.Old, f.rotation.New)
	if err != nil {
		t.Fatalf("reencrypt failed: %v", err)
	}
	if report.RunID == "" {
		t.Fatal("expected run id")
	}
	if got := report.Categories[CategoryIdentityBundle]; got != (models.CategoryReport{Total: 2, Succeeded: 2}) {
		t.Fatalf("unexpected bundle report: %+v", got)
	}
	if got := report.Categories[CategorySealedRecord]; got != (models.CategoryReport{Total: 3, Succeeded: 3}) {
		t.Fatalf("unexpected record report: %+v", got)
	}
	f.assertUnder(t, f.rotation.New, true)
	f.assertUnder(t, f.rotation.Old, false)

	rec, _ := f.store.GetRecord(context.Background(), f.records[0])
	if rec.KeyID != f.rotation.New.ID() {
		t.Fatalf("record key id not updated: %s", rec.KeyID)
	}
	plain, _ := f.store.GetRecord(context.Background(), "plain")
	if string(plain.Payload) != "public" {
		t.Fatal("plaintext record must be left alone")
	}
}

type flakyStore struct {
	*storage.MemoryStore
	failRecord string
}

func (s *flakyStore) SwapRecord(ctx context.Context, id string, expected []byte, next storage.SealedRecord) error {
	if id == s.failRecord {
		return errors.New("disk full")
	}
	return s.MemoryStore.SwapRecord(ctx, id, expected, next)
}

func TestPartialFailureThenResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 3)
	flaky := &flakyStore{MemoryStore: f.store, failRecord: f.records[1]}

	report, err := f.manager(t, flaky).ReencryptAll(ctx, f.rotation.Old, f.rotation.New)
	if err != nil {
		t.Fatalf("reencrypt failed: %v", err)
	}
	if got := report.Categories[CategorySealedRecord]; got != (models.CategoryReport{Total: 3, Succeeded: 2, Failed: 1}) {
		t.Fatalf("unexpected record report: %+v", got)
	}
	if report.Failed() != 1 {
		t.Fatalf("expected one failure, got %d", report.Failed())
	}
	failed, _ := f.store.GetRecord(ctx, f.records[1])
	if !failed.NeedsRetry {
		t.Fatal("failed record must be flagged for retry")
	}
	aad := storage.RecordAAD(failed.ID, failed.Category, failed.OwnerDID)
	if _, err := open(f.rotation.Old, failed.Payload, aad); err != nil {
		t.Fatalf("failed record must stay under the old key: %v", err)
	}

	inv, err := f.manager(t, f.store).ScanEncryptedState(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	records := inv.Categories[CategorySealedRecord]
	if records.PendingRetry != 1 || records.ByKeyID[f.rotation.Old.ID()] != 1 || records.ByKeyID[f.rotation.New.ID()] != 2 || records.Plaintext != 1 {
		t.Fatalf("unexpected inventory: %+v", records)
	}

	report, err = f.manager(t, f.store).ReencryptAll(ctx, f.rotation.Old, f.rotation.New)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if got := report.Categories[CategorySealedRecord]; got != (models.CategoryReport{Total: 3, Succeeded: 1, Skipped: 2}) {
		t.Fatalf("unexpected resume report: %+v", got)
	}
	if got := report.Categories[CategoryIdentityBundle]; got != (models.CategoryReport{Total: 1, Skipped: 1}) {
		t.Fatalf("unexpected resume bundle report: %+v", got)
	}
	resumed, _ := f.store.GetRecord(ctx, f.records[1])
	if resumed.NeedsRetry {
		t.Fatal("retry flag must clear after success")
	}
	f.assertUnder(t, f.rotation.New, true)
}

type cancellingStore struct {
	*storage.MemoryStore
	cancel context.CancelFunc
}

func (s *cancellingStore) SwapIdentityBundle(ctx context.Context, did string, expected, next []byte) error {
	err := s.MemoryStore.SwapIdentityBundle(ctx, did, expected, next)
	s.cancel()
	return err
}

func TestCancellationStopsBetweenRecords(t *testing.T) {
	f := newFixture(t, 3, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{MemoryStore: f.store, cancel: cancel}

	report, err := f.manager(t, store).ReencryptAll(ctx, f.rotation.Old, f.rotation.New)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if got := report.Categories[CategoryIdentityBundle]; got != (models.CategoryReport{Total: 1, Succeeded: 1}) {
		t.Fatalf("unexpected partial report: %+v", got)
	}

	report, err = f.manager(t, f.store).ReencryptAll(context.Background(), f.rotation.Old, f.rotation.New)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if got := report.Categories[CategoryIdentityBundle]; got != (models.CategoryReport{Total: 3, Succeeded: 2, Skipped: 1}) {
		t.Fatalf("unexpected resume report: %+v", got)
	}
	f.assertUnder(t, f.rotation.New, true)
}

func TestReencryptAllRejectsSameKey(t *testing.T) {
	f := newFixture(t, 1, 0)
	m := f.manager(t, f.store)
	if _, err := m.ReencryptAll(context.Background(), f.rotation.New, f.rotation.New); err == nil {
		t.Fatal("expected error for identical keys")
	}
	if _, err := m.ReencryptAll(context.Background(), nil, f.rotation.New); err == nil {
		t.Fatal("expected error for missing key")
	}
}
