package storage

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/pkg/models"
)

// MemoryStore keeps everything in process memory. It backs tests and the
// "memory" storage driver.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]models.Identity
	records    map[string]SealedRecord
	documents  map[string]CachedDocument
	credential *PinCredential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]models.Identity),
		records:    make(map[string]SealedRecord),
		documents:  make(map[string]CachedDocument),
	}
}

func (s *MemoryStore) CreateIdentity(ctx context.Context, identity models.Identity) error {
	const op = "storage.CreateIdentity"
	if err := ctx.Err(); err != nil {
		return err
	}
	did := strings.TrimSpace(identity.DID)
	if did == "" {
		return contracts.E(op, contracts.ErrInvalidInput, "missing did")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[did]; exists {
		return contracts.E(op, contracts.ErrConflict, "identity exists")
	}
	identity = CloneIdentity(identity)
	identity.IsDefault = !s.hasDefaultLocked()
	s.identities[did] = identity
	return nil
}

func (s *MemoryStore) hasDefaultLocked() bool {
	for _, identity := range s.identities {
		if identity.IsDefault {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetIdentity(ctx context.Context, did string) (models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return models.Identity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[did]
	if !ok {
		return models.Identity{}, contracts.E("storage.GetIdentity", contracts.ErrNotFound, "identity")
	}
	return CloneIdentity(identity), nil
}

func (s *MemoryStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]models.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, CloneIdentity(identity))
	}
	s.mu.RUnlock()
	SortIdentities(out)
	return out, nil
}

func (s *MemoryStore) UpdateIdentity(ctx context.Context, identity models.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.identities[identity.DID]
	if !ok {
		return contracts.E("storage.UpdateIdentity", contracts.ErrNotFound, "identity")
	}
	s.identities[identity.DID] = MergeProfile(current, identity)
	return nil
}

func (s *MemoryStore) SwapIdentityBundle(ctx context.Context, did string, expected, next []byte) error {
	const op = "storage.SwapIdentityBundle"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.identities[did]
	if !ok {
		return contracts.E(op, contracts.ErrNotFound, "identity")
	}
	if !bytes.Equal(current.EncryptedPrivateKeyBundle, expected) {
		return contracts.E(op, contracts.ErrConflict, "bundle changed")
	}
	current.EncryptedPrivateKeyBundle = append([]byte(nil), next...)
	current.NeedsRetry = false
	s.identities[did] = current
	return nil
}

func (s *MemoryStore) SetIdentityRetry(ctx context.Context, did string, needsRetry bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.identities[did]
	if !ok {
		return contracts.E("storage.SetIdentityRetry", contracts.ErrNotFound, "identity")
	}
	current.NeedsRetry = needsRetry
	s.identities[did] = current
	return nil
}

func (s *MemoryStore) SetDefaultIdentity(ctx context.Context, did string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[did]; !ok {
		return contracts.E("storage.SetDefaultIdentity", contracts.ErrNotFound, "identity")
	}
	for key, identity := range s.identities {
		identity.IsDefault = key == did
		s.identities[key] = identity
	}
	return nil
}

func (s *MemoryStore) DeleteIdentity(ctx context.Context, did string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[did]; !ok {
		return contracts.E("storage.DeleteIdentity", contracts.ErrNotFound, "identity")
	}
	delete(s.identities, did)
	return nil
}

func (s *MemoryStore) PutRecord(ctx context.Context, rec SealedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return contracts.E("storage.PutRecord", contracts.ErrInvalidInput, "missing record id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = CloneRecord(rec)
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, id string) (SealedRecord, error) {
	if err := ctx.Err(); err != nil {
		return SealedRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return SealedRecord{}, contracts.E("storage.GetRecord", contracts.ErrNotFound, "record")
	}
	return CloneRecord(rec), nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, filter RecordFilter) ([]SealedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]SealedRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Match(rec) {
			out = append(out, CloneRecord(rec))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SwapRecord(ctx context.Context, id string, expected []byte, next SealedRecord) error {
	const op = "storage.SwapRecord"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[id]
	if !ok {
		return contracts.E(op, contracts.ErrNotFound, "record")
	}
	if !bytes.Equal(current.Payload, expected) {
		return contracts.E(op, contracts.ErrConflict, "record changed")
	}
	next.ID = id
	s.records[id] = CloneRecord(next)
	return nil
}

func (s *MemoryStore) MarkRecordRetry(ctx context.Context, id string, needsRetry bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return contracts.E("storage.MarkRecordRetry", contracts.ErrNotFound, "record")
	}
	rec.NeedsRetry = needsRetry
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) LoadPinCredential(ctx context.Context) (PinCredential, error) {
	if err := ctx.Err(); err != nil {
		return PinCredential{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.credential == nil {
		return PinCredential{}, contracts.E("storage.LoadPinCredential", contracts.ErrNotFound, "pin credential")
	}
	return CloneCredential(*s.credential), nil
}

func (s *MemoryStore) SavePinCredential(ctx context.Context, cred PinCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := CloneCredential(cred)
	s.credential = &c
	return nil
}

func (s *MemoryStore) PutDocument(ctx context.Context, doc CachedDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(doc.Document.ID) == "" {
		return contracts.E("storage.PutDocument", contracts.ErrInvalidInput, "missing document id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.Document.ID] = doc
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, did string) (CachedDocument, error) {
	if err := ctx.Err(); err != nil {
		return CachedDocument{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[did]
	if !ok {
		return CachedDocument{}, contracts.E("storage.GetDocument", contracts.ErrNotFound, "document")
	}
	return doc, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, did string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, did)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
