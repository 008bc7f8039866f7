package securestore

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	filePrefix      = "AIMSEAL1\n"
	keyIDLabel      = "aim/securestore/key-id/v1"
	aadLabel        = "aim/securestore/aad/v1"
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrLegacyData = errors.New("securestore legacy plaintext data")
	ErrKeySize    = errors.New("securestore key must be 32 bytes")
)

// Envelope is the sealed form of one at-rest record. KeyID names the master
// key it was sealed under so a rotation pass can tell migrated records from
// pending ones without attempting decryption.
type Envelope struct {
	Version    uint32 `json:"version"`
	KeyID      string `json:"key_id"`
	Generation uint64 `json:"generation"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// KeyID returns a stable, non-reversible identifier for key.
func KeyID(key []byte) string {
	mac, err := blake2b.New256(key)
	if err != nil {
		return ""
	}
	mac.Write([]byte(keyIDLabel))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:12])
}

// Seal encrypts plaintext under key. aad binds the blob to its owning record.
func Seal(key []byte, generation uint64, plaintext, aad []byte) ([]byte, error) {
	env, err := SealEnvelope(key, generation, plaintext, aad)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func SealEnvelope(key []byte, generation uint64, plaintext, aad []byte) (*Envelope, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := &Envelope{
		Version:    envelopeVersion,
		KeyID:      KeyID(key),
		Generation: generation,
		Nonce:      nonce,
	}
	env.Ciphertext = aead.Seal(nil, nonce, plaintext, headerAAD(env, aad))
	return env, nil
}

// Open authenticates and decrypts a sealed blob. It never returns partial
// plaintext: either the whole record opens or ErrAuthFailed is returned.
func Open(key, data, aad []byte) ([]byte, error) {
	env, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return OpenEnvelope(key, env, aad)
}

func OpenEnvelope(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, headerAAD(env, aad))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Parse decodes the envelope header without a key.
func Parse(data []byte) (*Envelope, error) {
	if !IsSealed(data) {
		return nil, ErrLegacyData
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion {
		return nil, ErrInvalid
	}
	return &env, nil
}

func IsSealed(data []byte) bool {
	return strings.HasPrefix(string(data), filePrefix)
}

func headerAAD(env *Envelope, aad []byte) []byte {
	b := make([]byte, 0, len(aadLabel)+len(env.KeyID)+len(aad)+16)
	b = append(b, aadLabel...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint32(b, env.Version)
	b = binary.BigEndian.AppendUint64(b, env.Generation)
	b = append(b, env.KeyID...)
	b = append(b, 0)
	b = append(b, aad...)
	return b
}
