package keyvault

import (
	"errors"
	"sync/atomic"

	"github.com/awnumar/memguard"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/securestore"
)

// errKeyDestroyed is what a handle reports once its session has ended, even
// when the caller obtained it before the logout.
var errKeyDestroyed = contracts.E("keyvault.MasterKey", contracts.ErrSessionExpired, "master key is no longer available")

// MasterKey is an opaque handle to a PIN-derived key. The key bytes live in a
// memguard enclave and are only exposed inside Use.
type MasterKey struct {
	enclave    atomic.Pointer[memguard.Enclave]
	id         string
	generation uint64
}

// newMasterKey seals raw into an enclave; raw is wiped.
func newMasterKey(raw []byte, generation uint64) (*MasterKey, error) {
	if len(raw) != KeySize {
		wipe(raw)
		return nil, errors.New("master key must be 32 bytes")
	}
	id := securestore.KeyID(raw)
	enclave := memguard.NewEnclave(raw)
	if enclave == nil {
		return nil, errors.New("master key enclave not created")
	}
	key := &MasterKey{id: id, generation: generation}
	key.enclave.Store(enclave)
	return key, nil
}

// ID names the key without revealing it. Sealed records carry the same id.
func (k *MasterKey) ID() string {
	if k == nil {
		return ""
	}
	return k.id
}

func (k *MasterKey) Generation() uint64 {
	if k == nil {
		return 0
	}
	return k.generation
}

// Same reports whether both handles refer to the same key material.
func (k *MasterKey) Same(other *MasterKey) bool {
	return k != nil && other != nil && k.id == other.id
}

// Use opens the key for the duration of fn. The buffer is destroyed when fn
// returns; fn must not retain the slice.
func (k *MasterKey) Use(fn func(key []byte) error) error {
	if k == nil {
		return errKeyDestroyed
	}
	enclave := k.enclave.Load()
	if enclave == nil {
		return errKeyDestroyed
	}
	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Discard drops the handle's reference to the key material.
func (k *MasterKey) Discard() {
	if k == nil {
		return
	}
	k.enclave.Store(nil)
}

func wipe(b []byte) {
	memguard.WipeBytes(b)
}
