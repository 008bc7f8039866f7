package securestore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"aim-chat/identity-core/internal/testutil/fsperm"
)

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}

func TestSealOpenRoundtrip(t *testing.T) {
	key := testKey(7)
	data, err := Seal(key, 1, []byte("secret"), []byte("record-1"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := Open(key, data, []byte("record-1"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestOpenTamperedFailsDeterministically(t *testing.T) {
	key := testKey(7)
	data, err := Seal(key, 1, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	env, err := Parse(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	env.Ciphertext[0] ^= 0xFF
	if _, err := OpenEnvelope(key, env, nil); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenRejectsWrongKeyAndAAD(t *testing.T) {
	key := testKey(7)
	data, err := Seal(key, 3, []byte("secret"), []byte("a"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open(testKey(8), data, []byte("a")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for wrong key, got %v", err)
	}
	if _, err := Open(key, data, []byte("b")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for wrong aad, got %v", err)
	}
}

func TestGenerationIsAuthenticated(t *testing.T) {
	key := testKey(7)
	env, err := SealEnvelope(key, 4, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	env.Generation = 5
	if _, err := OpenEnvelope(key, env, nil); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed after header edit, got %v", err)
	}
}

func TestParseReportsKeyID(t *testing.T) {
	key := testKey(1)
	data, err := Seal(key, 1, []byte("x"), nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	env, err := Parse(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if env.KeyID != KeyID(key) || env.KeyID == KeyID(testKey(2)) {
		t.Fatalf("unexpected key id %q", env.KeyID)
	}
	if _, err := Parse([]byte(`{"plain":true}`)); !errors.Is(err, ErrLegacyData) {
		t.Fatalf("expected ErrLegacyData, got %v", err)
	}
}

func TestSealRejectsShortKey(t *testing.T) {
	if _, err := Seal([]byte("short"), 1, []byte("x"), nil); !errors.Is(err, ErrKeySize) {
		t.Fatalf("expected ErrKeySize, got %v", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "blob.json")
	if err := WriteFileAtomic(path, []byte("payload")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected content %q", got)
	}
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))
	fsperm.AssertPrivateFilePerm(t, path)
}
