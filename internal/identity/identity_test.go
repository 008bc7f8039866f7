package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58/base58"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/keyvault"
	"aim-chat/identity-core/internal/securestore"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/pkg/models"
)

const testPin = "123456"

type fixture struct {
	manager *Manager
	vault   *keyvault.Vault
	store   *storage.MemoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	vault, err := keyvault.New(store, keyvault.Options{Iterations: keyvault.MinIterations, Logger: logger})
	if err != nil {
		t.Fatalf("new vault failed: %v", err)
	}
	if _, err := vault.SetupPin(context.Background(), testPin); err != nil {
		t.Fatalf("setup pin failed: %v", err)
	}
	mgr, err := NewManager(store, vault, Options{Logger: logger})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	return fixture{manager: mgr, vault: vault, store: store}
}

func TestDeriveKeysDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{3}, RecoverySeedSize)
	k1, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys 1 failed: %v", err)
	}
	k2, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys 2 failed: %v", err)
	}
	if !bytes.Equal(k1.SigningPublicKey(), k2.SigningPublicKey()) {
		t.Fatal("signing public keys should be deterministic")
	}
	if !bytes.Equal(k1.AgreementSecret, k2.AgreementSecret) {
		t.Fatal("agreement secrets should be deterministic")
	}
	if bytes.Equal(k1.SigningSeed, k1.AgreementSecret) {
		t.Fatal("signing and agreement secrets must be independent")
	}
	if _, err := DeriveKeys([]byte("short")); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestBundleMarshalRoundtrip(t *testing.T) {
	b, err := DeriveKeys(bytes.Repeat([]byte{4}, RecoverySeedSize))
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	got, err := parseBundle(b.marshal())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !bytes.Equal(got.RecoverySeed, b.RecoverySeed) || !bytes.Equal(got.SigningSeed, b.SigningSeed) {
		t.Fatal("bundle roundtrip mismatch")
	}
	if _, err := parseBundle(b.marshal()[1:]); err == nil {
		t.Fatal("expected error for truncated bundle")
	}
}

func TestDIDIsPureFunctionOfSigningKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.manager.Generate(ctx, "alice", testPin, "hello")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	rebuilt, err := BuildDID(DefaultMethod, created.SigningPublicKey)
	if err != nil {
		t.Fatalf("build did failed: %v", err)
	}
	if rebuilt != created.DID {
		t.Fatalf("did mismatch: %s != %s", rebuilt, created.DID)
	}
	if !strings.HasPrefix(created.DID, "did:aim:") {
		t.Fatalf("unexpected did: %s", created.DID)
	}
	if created.EncryptedPrivateKeyBundle != nil {
		t.Fatal("returned identity must not carry the sealed bundle")
	}
	stored, err := f.store.GetIdentity(ctx, created.DID)
	if err != nil {
		t.Fatalf("get stored failed: %v", err)
	}
	if !securestore.IsSealed(stored.EncryptedPrivateKeyBundle) {
		t.Fatal("stored bundle must be sealed")
	}
	if !created.IsDefault || !created.IsActive {
		t.Fatalf("first identity must be the active default: %+v", created)
	}
	second, err := f.manager.Generate(ctx, "bob", testPin, "")
	if err != nil {
		t.Fatalf("generate second failed: %v", err)
	}
	if second.IsDefault {
		t.Fatal("second identity must not become default")
	}
}

func TestParseDIDRejectsMalformed(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	good, err := BuildDID("aim", pub)
	if err != nil {
		t.Fatalf("build did failed: %v", err)
	}
	if _, got, err := ParseDID(good); err != nil || !got.Equal(pub) {
		t.Fatalf("parse good did failed: %v", err)
	}
	for _, did := range []string{"", "did:aim", "did:AIM:" + base58.Encode(pub), "did:aim:0OIl", "did:aim:" + base58.Encode(pub[:31]), "urn:aim:" + base58.Encode(pub)} {
		if _, _, err := ParseDID(did); !errors.Is(err, ErrMalformedDID) {
			t.Fatalf("did %q: expected malformed, got %v", did, err)
		}
	}
}

func TestGenerateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Generate(ctx, "  ", testPin, ""); !contracts.IsInvalidInput(err) {
		t.Fatalf("expected invalid input for empty nickname, got %v", err)
	}
	if _, err := f.manager.Generate(ctx, "alice", "12345", ""); !contracts.IsInvalidInput(err) {
		t.Fatalf("expected invalid input for short pin, got %v", err)
	}
	if _, err := f.manager.Generate(ctx, "alice", "999999", ""); !contracts.IsAuthFailed(err) {
		t.Fatalf("expected auth failure for wrong pin, got %v", err)
	}
}

func TestDocumentShapeAndProof(t *testing.T) {
	f := newFixture(t)
	created, err := f.manager.Generate(context.Background(), "alice", testPin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	doc := created.Document
	if len(doc.PublicKey) != 2 || doc.PublicKey[0].Type != SigningKeyType || doc.PublicKey[1].Type != KeyAgreementKeyType {
		t.Fatalf("unexpected verification methods: %+v", doc.PublicKey)
	}
	if doc.Authentication[0] != doc.PublicKey[0].ID || doc.KeyAgreement[0] != doc.PublicKey[1].ID {
		t.Fatalf("unexpected role bindings: %+v", doc)
	}
	if err := VerifyDocument(doc); err != nil {
		t.Fatalf("verify document failed: %v", err)
	}
	agree, err := AgreementKeyOf(doc)
	if err != nil || !bytes.Equal(agree, created.EncryptionPublicKey) {
		t.Fatalf("agreement key mismatch: %v", err)
	}

	raw, _ := json.Marshal(doc)
	var decoded models.DIDDocument
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := VerifyDocument(decoded); err != nil {
		t.Fatalf("proof must survive json roundtrip: %v", err)
	}

	other, _, _ := ed25519.GenerateKey(rand.Reader)
	tampered := decoded
	tampered.PublicKey = append([]models.VerificationMethod(nil), decoded.PublicKey...)
	tampered.PublicKey[1].PublicKeyBase58 = base58.Encode(other)
	if err := VerifyDocument(tampered); !errors.Is(err, ErrDocumentProof) {
		t.Fatalf("expected proof failure, got %v", err)
	}
}

func TestResolveDIDOrder(t *testing.T) {
	ctx := context.Background()
	local := newFixture(t)
	remote := newFixture(t)
	alice, err := local.manager.Generate(ctx, "alice", testPin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	bob, err := remote.manager.Generate(ctx, "bob", testPin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	doc, err := local.manager.ResolveDID(ctx, alice.DID)
	if err != nil || doc.ID != alice.DID || len(doc.KeyAgreement) != 1 {
		t.Fatalf("local resolve failed: %v %+v", err, doc)
	}

	stub, err := local.manager.ResolveDID(ctx, bob.DID)
	if err != nil {
		t.Fatalf("stub resolve failed: %v", err)
	}
	if len(stub.PublicKey) != 1 || len(stub.KeyAgreement) != 0 {
		t.Fatalf("expected signing-only stub: %+v", stub)
	}

	if err := local.manager.CacheDocument(ctx, bob.Document); err != nil {
		t.Fatalf("cache document failed: %v", err)
	}
	cached, err := local.manager.ResolveDID(ctx, bob.DID)
	if err != nil || len(cached.KeyAgreement) != 1 {
		t.Fatalf("cached resolve failed: %v %+v", err, cached)
	}

	if _, err := local.manager.ResolveDID(ctx, "did:aim:not-base58-0OIl"); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found for malformed did, got %v", err)
	}
}

func TestCacheDocumentRejectsForeignKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, err := f.manager.Generate(ctx, "alice", testPin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	impostorDID, _ := BuildDID(DefaultMethod, pub)
	forged := alice.Document
	forged.ID = impostorDID
	if err := f.manager.CacheDocument(ctx, forged); !contracts.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCurrentDefaultAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if cur, err := f.manager.Current(ctx); err != nil || cur != nil {
		t.Fatalf("expected no identity on first run, got %+v %v", cur, err)
	}
	alice, _ := f.manager.Generate(ctx, "alice", testPin, "")
	bob, _ := f.manager.Generate(ctx, "bob", testPin, "")

	if err := f.manager.SetDefault(ctx, bob.DID); err != nil {
		t.Fatalf("set default failed: %v", err)
	}
	cur, err := f.manager.Current(ctx)
	if err != nil || cur == nil || cur.DID != bob.DID {
		t.Fatalf("expected bob as current, got %+v %v", cur, err)
	}

	updated, err := f.manager.UpdateProfile(ctx, bob.DID, Profile{Nickname: "robert", Bio: "b"})
	if err != nil || updated.Nickname != "robert" {
		t.Fatalf("update profile failed: %v %+v", err, updated)
	}

	if err := f.manager.Delete(ctx, bob.DID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	cur, err = f.manager.Current(ctx)
	if err != nil || cur == nil || cur.DID != alice.DID {
		t.Fatalf("expected alice promoted to default, got %+v %v", cur, err)
	}
	if err := f.manager.Delete(ctx, bob.DID); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.manager.SetDefault(ctx, bob.DID); !contracts.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSigningKeyNeedsSessionOrPin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, err := f.manager.Generate(ctx, "alice", testPin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	f.vault.ClearSession()

	err = f.manager.WithSigningKey(ctx, alice.DID, "", func(ed25519.PrivateKey) error { return nil })
	if !contracts.IsSessionExpired(err) {
		t.Fatalf("expected session expired, got %v", err)
	}
	var pub ed25519.PublicKey
	err = f.manager.WithSigningKey(ctx, alice.DID, testPin, func(priv ed25519.PrivateKey) error {
		pub = append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...)
		return nil
	})
	if err != nil {
		t.Fatalf("with signing key failed: %v", err)
	}
	if !pub.Equal(ed25519.PublicKey(alice.SigningPublicKey)) {
		t.Fatal("unlocked key does not match identity")
	}
	if f.vault.Secrets().Len() < 3 {
		t.Fatalf("expected master plus identity secrets cached, got %d", f.vault.Secrets().Len())
	}
	if err := f.manager.WithAgreementKey(ctx, alice.DID, "", func([]byte) error { return nil }); err != nil {
		t.Fatalf("cached agreement key failed: %v", err)
	}
}

func TestExportImportRoundtrip(t *testing.T) {
	ctx := context.Background()
	src := newFixture(t)
	dst := newFixture(t)
	alice, err := src.manager.Generate(ctx, "alice", testPin, "bio")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := src.manager.Export(ctx, alice.DID, "000000"); !contracts.IsAuthFailed(err) {
		t.Fatalf("expected auth failure on export, got %v", err)
	}
	blob, err := src.manager.Export(ctx, alice.DID, testPin)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	dst.vault.ClearSession()
	if _, err := dst.manager.Import(ctx, blob, "000000"); !contracts.IsAuthFailed(err) {
		t.Fatalf("expected auth failure on import, got %v", err)
	}
	imported, err := dst.manager.Import(ctx, blob, testPin)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if imported.DID != alice.DID || imported.Nickname != "alice" || imported.Bio != "bio" {
		t.Fatalf("unexpected import: %+v", imported)
	}
	if _, err := dst.manager.Import(ctx, blob, testPin); !contracts.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestImportRejectsMalformedBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.manager.Import(ctx, []byte("{not json"), testPin); !contracts.IsFormat(err) {
		t.Fatalf("expected format error, got %v", err)
	}
	alice, _ := f.manager.Generate(ctx, "alice", testPin, "")
	blob, err := f.manager.Export(ctx, alice.DID, testPin)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	var backup models.IdentityBackup
	_ = json.Unmarshal(blob, &backup)
	backup.Version = 99
	bad, _ := json.Marshal(backup)
	if _, err := f.manager.Import(ctx, bad, testPin); !contracts.IsFormat(err) {
		t.Fatalf("expected format error for version, got %v", err)
	}
}

func TestImportKeepsIssuedDocument(t *testing.T) {
	ctx := context.Background()
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := newFixture(t)
	src.manager.now = func() time.Time { return issued }
	alice, err := src.manager.Generate(ctx, "alice", testPin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	blob, err := src.manager.Export(ctx, alice.DID, testPin)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	dst := newFixture(t)
	later, err := NewManager(dst.store, dst.vault, Options{
		Method: "test",
		Now:    func() time.Time { return issued.Add(time.Hour) },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	imported, err := later.Import(ctx, blob, testPin)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if imported.DID != alice.DID {
		t.Fatalf("import must keep the did, got %s want %s", imported.DID, alice.DID)
	}
	if !imported.CreatedAt.Equal(alice.CreatedAt) {
		t.Fatalf("created_at changed: got %v want %v", imported.CreatedAt, alice.CreatedAt)
	}
	want, _ := json.Marshal(alice.Document)
	got, _ := json.Marshal(imported.Document)
	if !bytes.Equal(want, got) {
		t.Fatalf("document changed on import:\n got %s\nwant %s", got, want)
	}
	if err := VerifyDocument(imported.Document); err != nil {
		t.Fatalf("imported document must verify: %v", err)
	}
}

func TestImportRejectsOutOfRangeIterations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, err := f.manager.Generate(ctx, "alice", testPin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	blob, err := f.manager.Export(ctx, alice.DID, testPin)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	for _, iterations := range []int{0, keyvault.MinIterations - 1, keyvault.MaxIterations + 1, 2147483647} {
		var backup models.IdentityBackup
		if err := json.Unmarshal(blob, &backup); err != nil {
			t.Fatalf("decode backup failed: %v", err)
		}
		backup.Iterations = iterations
		bad, _ := json.Marshal(backup)
		started := time.Now()
		if _, err := f.manager.Import(ctx, bad, testPin); !contracts.IsFormat(err) {
			t.Fatalf("iterations=%d: expected format error, got %v", iterations, err)
		}
		if elapsed := time.Since(started); elapsed > 2*time.Second {
			t.Fatalf("iterations=%d: rejection took %v", iterations, elapsed)
		}
	}
}

func TestImportRejectsUnsignedDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, _ := f.manager.Generate(ctx, "alice", testPin, "")
	blob, err := f.manager.Export(ctx, alice.DID, testPin)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	var backup models.IdentityBackup
	_ = json.Unmarshal(blob, &backup)
	backup.Document.Proof = nil
	bad, _ := json.Marshal(backup)
	if _, err := f.manager.Import(ctx, bad, testPin); !contracts.IsFormat(err) {
		t.Fatalf("expected format error for unsigned document, got %v", err)
	}
}

func TestRecoveryPhraseRestoresSameDID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, err := f.manager.Generate(ctx, "alice", testPin, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	phrase, err := f.manager.RecoveryPhrase(ctx, alice.DID, testPin)
	if err != nil {
		t.Fatalf("recovery phrase failed: %v", err)
	}
	if n := len(strings.Fields(phrase)); n != 24 {
		t.Fatalf("expected 24 words, got %d", n)
	}
	if err := f.manager.Delete(ctx, alice.DID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	restored, err := f.manager.Restore(ctx, strings.ToUpper(phrase), "alice again", testPin)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.DID != alice.DID {
		t.Fatalf("restore produced a different did: %s", restored.DID)
	}
	if _, err := f.manager.Restore(ctx, "not a phrase", "x", testPin); !contracts.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
