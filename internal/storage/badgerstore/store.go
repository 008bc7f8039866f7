// Package badgerstore persists the identity core in an embedded badger
// database under the data directory.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/pkg/models"
)

const (
	identityPrefix = "id:"
	recordPrefix   = "rec:"
	documentPrefix = "doc:"
	credentialKey  = "cred:pin"
)

type Store struct {
	db        *badger.DB
	// defaultMu serializes writes that decide the default identity. Badger
	// only detects conflicts on keys a transaction read, and two inserts
	// never read each other's key.
	defaultMu sync.Mutex
}

type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("badgerstore: empty path")
	}
	bopts = bopts.WithLogger(newLogger(opts.Logger)).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, contracts.StorageError(fmt.Errorf("open badger: %w", err))
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func getJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

// mapErr turns badger failures into the storage error kinds.
func mapErr(op, what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return contracts.E(op, contracts.ErrNotFound, what)
	case errors.Is(err, badger.ErrConflict):
		return contracts.E(op, contracts.ErrConflict, "concurrent write")
	case errors.Is(err, contracts.ErrNotFound), errors.Is(err, contracts.ErrConflict), errors.Is(err, contracts.ErrInvalidInput):
		return err
	default:
		return contracts.StorageError(fmt.Errorf("%s: %w", op, err))
	}
}

func (s *Store) CreateIdentity(ctx context.Context, identity models.Identity) error {
	const op = "badgerstore.CreateIdentity"
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(identity.DID) == "" {
		return contracts.E(op, contracts.ErrInvalidInput, "missing did")
	}
	key := identityPrefix + identity.DID
	s.defaultMu.Lock()
	defer s.defaultMu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return contracts.E(op, contracts.ErrConflict, "identity exists")
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		hasDefault := false
		if err := scanPrefix(txn, identityPrefix, func(val []byte) error {
			var existing models.Identity
			if err := json.Unmarshal(val, &existing); err != nil {
				return err
			}
			hasDefault = hasDefault || existing.IsDefault
			return nil
		}); err != nil {
			return err
		}
		identity.IsDefault = !hasDefault
		return setJSON(txn, key, identity)
	})
	return mapErr(op, "identity", err)
}

func (s *Store) GetIdentity(ctx context.Context, did string) (models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return models.Identity{}, err
	}
	var out models.Identity
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, identityPrefix+did, &out)
	})
	if err != nil {
		return models.Identity{}, mapErr("badgerstore.GetIdentity", "identity", err)
	}
	return out, nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.Identity
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, identityPrefix, func(val []byte) error {
			var identity models.Identity
			if err := json.Unmarshal(val, &identity); err != nil {
				return err
			}
			out = append(out, identity)
			return nil
		})
	})
	if err != nil {
		return nil, mapErr("badgerstore.ListIdentities", "identity", err)
	}
	storage.SortIdentities(out)
	return out, nil
}

func (s *Store) updateIdentity(ctx context.Context, op, did string, fn func(*models.Identity) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := identityPrefix + did
	err := s.db.Update(func(txn *badger.Txn) error {
		var current models.Identity
		if err := getJSON(txn, key, &current); err != nil {
			return err
		}
		if err := fn(&current); err != nil {
			return err
		}
		return setJSON(txn, key, current)
	})
	return mapErr(op, "identity", err)
}

func (s *Store) UpdateIdentity(ctx context.Context, identity models.Identity) error {
	s.defaultMu.Lock()
	defer s.defaultMu.Unlock()
	return s.updateIdentity(ctx, "badgerstore.UpdateIdentity", identity.DID, func(current *models.Identity) error {
		*current = storage.MergeProfile(*current, identity)
		return nil
	})
}

func (s *Store) SwapIdentityBundle(ctx context.Context, did string, expected, next []byte) error {
	const op = "badgerstore.SwapIdentityBundle"
	return s.updateIdentity(ctx, op, did, func(current *models.Identity) error {
		if !bytes.Equal(current.EncryptedPrivateKeyBundle, expected) {
			return contracts.E(op, contracts.ErrConflict, "bundle changed")
		}
		current.EncryptedPrivateKeyBundle = append([]byte(nil), next...)
		current.NeedsRetry = false
		return nil
	})
}

func (s *Store) SetIdentityRetry(ctx context.Context, did string, needsRetry bool) error {
	return s.updateIdentity(ctx, "badgerstore.SetIdentityRetry", did, func(current *models.Identity) error {
		current.NeedsRetry = needsRetry
		return nil
	})
}

func (s *Store) SetDefaultIdentity(ctx context.Context, did string) error {
	const op = "badgerstore.SetDefaultIdentity"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.defaultMu.Lock()
	defer s.defaultMu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(identityPrefix + did)); err != nil {
			return err
		}
		var all []models.Identity
		if err := scanPrefix(txn, identityPrefix, func(val []byte) error {
			var identity models.Identity
			if err := json.Unmarshal(val, &identity); err != nil {
				return err
			}
			all = append(all, identity)
			return nil
		}); err != nil {
			return err
		}
		for _, identity := range all {
			want := identity.DID == did
			if identity.IsDefault == want {
				continue
			}
			identity.IsDefault = want
			if err := setJSON(txn, identityPrefix+identity.DID, identity); err != nil {
				return err
			}
		}
		return nil
	})
	return mapErr(op, "identity", err)
}

func (s *Store) DeleteIdentity(ctx context.Context, did string) error {
	const op = "badgerstore.DeleteIdentity"
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(identityPrefix + did)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	return mapErr(op, "identity", err)
}

func (s *Store) PutRecord(ctx context.Context, rec storage.SealedRecord) error {
	const op = "badgerstore.PutRecord"
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return contracts.E(op, contracts.ErrInvalidInput, "missing record id")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, recordPrefix+rec.ID, rec)
	})
	return mapErr(op, "record", err)
}

func (s *Store) GetRecord(ctx context.Context, id string) (storage.SealedRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SealedRecord{}, err
	}
	var out storage.SealedRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, recordPrefix+id, &out)
	})
	if err != nil {
		return storage.SealedRecord{}, mapErr("badgerstore.GetRecord", "record", err)
	}
	return out, nil
}

func (s *Store) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]storage.SealedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []storage.SealedRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, recordPrefix, func(val []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec storage.SealedRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			if filter.Match(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, mapErr("badgerstore.ListRecords", "record", err)
	}
	return out, nil
}

func (s *Store) SwapRecord(ctx context.Context, id string, expected []byte, next storage.SealedRecord) error {
	const op = "badgerstore.SwapRecord"
	if err := ctx.Err(); err != nil {
		return err
	}
	key := recordPrefix + id
	err := s.db.Update(func(txn *badger.Txn) error {
		var current storage.SealedRecord
		if err := getJSON(txn, key, &current); err != nil {
			return err
		}
		if !bytes.Equal(current.Payload, expected) {
			return contracts.E(op, contracts.ErrConflict, "record changed")
		}
		next.ID = id
		return setJSON(txn, key, next)
	})
	return mapErr(op, "record", err)
}

func (s *Store) MarkRecordRetry(ctx context.Context, id string, needsRetry bool) error {
	const op = "badgerstore.MarkRecordRetry"
	if err := ctx.Err(); err != nil {
		return err
	}
	key := recordPrefix + id
	err := s.db.Update(func(txn *badger.Txn) error {
		var current storage.SealedRecord
		if err := getJSON(txn, key, &current); err != nil {
			return err
		}
		current.NeedsRetry = needsRetry
		return setJSON(txn, key, current)
	})
	return mapErr(op, "record", err)
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordPrefix + id))
	})
	return mapErr("badgerstore.DeleteRecord", "record", err)
}

func (s *Store) LoadPinCredential(ctx context.Context) (storage.PinCredential, error) {
	if err := ctx.Err(); err != nil {
		return storage.PinCredential{}, err
	}
	var out storage.PinCredential
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, credentialKey, &out)
	})
	if err != nil {
		return storage.PinCredential{}, mapErr("badgerstore.LoadPinCredential", "pin credential", err)
	}
	return out, nil
}

func (s *Store) SavePinCredential(ctx context.Context, cred storage.PinCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, credentialKey, storage.CloneCredential(cred))
	})
	return mapErr("badgerstore.SavePinCredential", "pin credential", err)
}

func (s *Store) PutDocument(ctx context.Context, doc storage.CachedDocument) error {
	const op = "badgerstore.PutDocument"
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(doc.Document.ID) == "" {
		return contracts.E(op, contracts.ErrInvalidInput, "missing document id")
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, documentPrefix+doc.Document.ID, doc)
	})
	return mapErr(op, "document", err)
}

func (s *Store) GetDocument(ctx context.Context, did string) (storage.CachedDocument, error) {
	if err := ctx.Err(); err != nil {
		return storage.CachedDocument{}, err
	}
	var out storage.CachedDocument
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, documentPrefix+did, &out)
	})
	if err != nil {
		return storage.CachedDocument{}, mapErr("badgerstore.GetDocument", "document", err)
	}
	return out, nil
}

func (s *Store) DeleteDocument(ctx context.Context, did string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(documentPrefix + did))
	})
	return mapErr("badgerstore.DeleteDocument", "document", err)
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
