// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/pkg/models"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

func Run(t *testing.T, open Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"IdentityLifecycle", testIdentityLifecycle},
		{"IdentityConflict", testIdentityConflict},
		{"SingleDefault", testSingleDefault},
		{"DefaultClaimedOnCreate", testDefaultClaimedOnCreate},
		{"BundleSwap", testBundleSwap},
		{"Records", testRecords},
		{"RecordSwap", testRecordSwap},
		{"Credential", testCredential},
		{"Documents", testDocuments},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			defer func() { _ = s.Close() }()
			tc.fn(t, s)
		})
	}
}

func sampleIdentity(did string, created time.Time) models.Identity {
	return models.Identity{
		DID:                       did,
		Nickname:                  "alice",
		SigningPublicKey:          bytes.Repeat([]byte{1}, 32),
		EncryptionPublicKey:       bytes.Repeat([]byte{2}, 32),
		EncryptedPrivateKeyBundle: []byte("sealed-v1"),
		Document: models.DIDDocument{
			Context: []string{"https://w3id.org/did/v1"},
			ID:      did,
		},
		CreatedAt: created,
		UpdatedAt: created,
		IsActive:  true,
	}
}

func testIdentityLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := s.GetIdentity(ctx, "did:aim:missing"); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.CreateIdentity(ctx, sampleIdentity("did:aim:b", now.Add(time.Second))); err != nil {
		t.Fatalf("create b failed: %v", err)
	}
	if err := s.CreateIdentity(ctx, sampleIdentity("did:aim:a", now)); err != nil {
		t.Fatalf("create a failed: %v", err)
	}

	list, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].DID != "did:aim:a" || list[1].DID != "did:aim:b" {
		t.Fatalf("unexpected order: %+v", list)
	}

	got, err := s.GetIdentity(ctx, "did:aim:a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	got.Nickname = "alice2"
	got.Bio = "hi"
	got.EncryptedPrivateKeyBundle = []byte("must-not-apply")
	if err := s.UpdateIdentity(ctx, got); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, _ = s.GetIdentity(ctx, "did:aim:a")
	if got.Nickname != "alice2" || got.Bio != "hi" {
		t.Fatalf("profile not updated: %+v", got)
	}
	if string(got.EncryptedPrivateKeyBundle) != "sealed-v1" {
		t.Fatalf("update must not replace bundle, got %q", got.EncryptedPrivateKeyBundle)
	}
	if got.Document.ID != "did:aim:a" {
		t.Fatalf("document lost: %+v", got.Document)
	}

	if err := s.DeleteIdentity(ctx, "did:aim:a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.GetIdentity(ctx, "did:aim:a"); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.DeleteIdentity(ctx, "did:aim:a"); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func testIdentityConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := sampleIdentity("did:aim:dup", time.Now().UTC())
	if err := s.CreateIdentity(ctx, id); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.CreateIdentity(ctx, id); !contracts.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func testSingleDefault(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	for i, did := range []string{"did:aim:x", "did:aim:y"} {
		if err := s.CreateIdentity(ctx, sampleIdentity(did, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if err := s.SetDefaultIdentity(ctx, "did:aim:x"); err != nil {
		t.Fatalf("set default failed: %v", err)
	}
	if err := s.SetDefaultIdentity(ctx, "did:aim:y"); err != nil {
		t.Fatalf("set default failed: %v", err)
	}
	list, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	defaults := 0
	for _, identity := range list {
		if identity.IsDefault {
			defaults++
			if identity.DID != "did:aim:y" {
				t.Fatalf("wrong default: %s", identity.DID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}
	if err := s.SetDefaultIdentity(ctx, "did:aim:none"); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testDefaultClaimedOnCreate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity := sampleIdentity(fmt.Sprintf("did:aim:c%d", i), now.Add(time.Duration(i)*time.Millisecond))
			identity.IsDefault = true
			errs <- s.CreateIdentity(ctx, identity)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create failed: %v", err)
		}
	}
	if n := countDefaults(t, s); n != 1 {
		t.Fatalf("expected exactly one default after concurrent creates, got %d", n)
	}

	list, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var other models.Identity
	for _, identity := range list {
		if !identity.IsDefault {
			other = identity
			break
		}
	}
	other.IsDefault = true
	if err := s.UpdateIdentity(ctx, other); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if n := countDefaults(t, s); n != 1 {
		t.Fatalf("update must not add a default, got %d", n)
	}
}

func countDefaults(t *testing.T, s storage.Store) int {
	t.Helper()
	list, err := s.ListIdentities(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	n := 0
	for _, identity := range list {
		if identity.IsDefault {
			n++
		}
	}
	return n
}

func testBundleSwap(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.CreateIdentity(ctx, sampleIdentity("did:aim:swap", time.Now().UTC())); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.SetIdentityRetry(ctx, "did:aim:swap", true); err != nil {
		t.Fatalf("set retry failed: %v", err)
	}
	if err := s.SwapIdentityBundle(ctx, "did:aim:swap", []byte("stale"), []byte("sealed-v2")); !contracts.IsConflict(err) {
		t.Fatalf("expected conflict on stale swap, got %v", err)
	}
	if err := s.SwapIdentityBundle(ctx, "did:aim:swap", []byte("sealed-v1"), []byte("sealed-v2")); err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	got, err := s.GetIdentity(ctx, "did:aim:swap")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got.EncryptedPrivateKeyBundle) != "sealed-v2" || got.NeedsRetry {
		t.Fatalf("swap not applied: bundle=%q retry=%v", got.EncryptedPrivateKeyBundle, got.NeedsRetry)
	}
}

func testRecords(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	recs := []storage.SealedRecord{
		{ID: "r2", Category: "note", OwnerDID: "did:aim:a", Payload: []byte("p2"), Encrypted: true, KeyID: "k1", UpdatedAt: now},
		{ID: "r1", Category: "contact", OwnerDID: "did:aim:a", Payload: []byte("p1"), Encrypted: true, KeyID: "k1", UpdatedAt: now},
		{ID: "r3", Category: "note", OwnerDID: "did:aim:b", Payload: []byte("plain"), UpdatedAt: now},
	}
	for _, rec := range recs {
		if err := s.PutRecord(ctx, rec); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	all, err := s.ListRecords(ctx, storage.RecordFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "r1" || all[2].ID != "r3" {
		t.Fatalf("unexpected records: %+v", all)
	}
	notes, err := s.ListRecords(ctx, storage.RecordFilter{OwnerDID: "did:aim:a", Category: "note"})
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "r2" {
		t.Fatalf("unexpected filtered records: %+v", notes)
	}
	if err := s.MarkRecordRetry(ctx, "r2", true); err != nil {
		t.Fatalf("mark retry failed: %v", err)
	}
	got, err := s.GetRecord(ctx, "r2")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.NeedsRetry || got.KeyID != "k1" || !got.Encrypted {
		t.Fatalf("unexpected record: %+v", got)
	}
	if err := s.DeleteRecord(ctx, "r2"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.GetRecord(ctx, "r2"); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testRecordSwap(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := storage.SealedRecord{ID: "cas", Category: "note", Payload: []byte("old"), Encrypted: true, KeyID: "k1", NeedsRetry: true}
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	next := rec
	next.Payload = []byte("new")
	next.KeyID = "k2"
	next.NeedsRetry = false
	if err := s.SwapRecord(ctx, "cas", []byte("other"), next); !contracts.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.SwapRecord(ctx, "cas", []byte("old"), next); err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	got, err := s.GetRecord(ctx, "cas")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got.Payload) != "new" || got.KeyID != "k2" || got.NeedsRetry {
		t.Fatalf("swap not applied: %+v", got)
	}
	if err := s.SwapRecord(ctx, "gone", nil, next); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testCredential(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if _, err := s.LoadPinCredential(ctx); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found before setup, got %v", err)
	}
	prev := storage.PinCredential{Version: 1, KDF: "pbkdf2-sha256", Iterations: 100000, Salt: []byte("salt-old-16bytes"), Verifier: []byte("v1"), Generation: 1, KeyID: "k1"}
	cred := storage.PinCredential{Version: 1, KDF: "pbkdf2-sha256", Iterations: 100000, Salt: []byte("salt-new-16bytes"), Verifier: []byte("v2"), Generation: 2, KeyID: "k2", Previous: &prev}
	if err := s.SavePinCredential(ctx, cred); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := s.LoadPinCredential(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.Generation != 2 || got.KeyID != "k2" || !got.RotationPending() || got.Previous.KeyID != "k1" {
		t.Fatalf("unexpected credential: %+v", got)
	}
	got.Previous = nil
	if err := s.SavePinCredential(ctx, got); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, _ = s.LoadPinCredential(ctx)
	if got.RotationPending() {
		t.Fatalf("previous credential should be cleared")
	}
}

func testDocuments(t *testing.T, s storage.Store) {
	ctx := context.Background()
	doc := storage.CachedDocument{
		Document: models.DIDDocument{ID: "did:aim:remote", Context: []string{"https://w3id.org/did/v1"}},
		CachedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.PutDocument(ctx, doc); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := s.GetDocument(ctx, "did:aim:remote")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Document.ID != "did:aim:remote" {
		t.Fatalf("unexpected document: %+v", got)
	}
	if err := s.DeleteDocument(ctx, "did:aim:remote"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.GetDocument(ctx, "did:aim:remote"); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
