// Package rotation re-seals everything encrypted at rest when the master key
// changes, and reports what is still pending.
package rotation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/identity"
	"aim-chat/identity-core/internal/keyvault"
	"aim-chat/identity-core/internal/platform/metrics"
	"aim-chat/identity-core/internal/securestore"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/pkg/models"
)

const (
	CategoryIdentityBundle = "identity_bundle"
	CategorySealedRecord   = "sealed_record"

	resultSucceeded = "succeeded"
	resultFailed    = "failed"
	resultSkipped   = "skipped"
)

type Store interface {
	storage.IdentityStore
	storage.RecordStore
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Manager struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("rotation: nil store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   store,
		logger:  opts.Logger.With("component", "rotation"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}, nil
}

// pass is one ReencryptAll run with both raw keys open.
type pass struct {
	m          *Manager
	runID      string
	oldKey     []byte
	newKey     []byte
	newKeyID   string
	generation uint64
	report     models.RotationReport
}

// ReencryptAll moves every sealed bundle and record from old to next. A
// record that fails keeps its old ciphertext and is flagged for retry; the
// pass carries on. Records already sealed under next are skipped, so a
// second run resumes where a failed one left off. A cancelled ctx stops the
// pass between records and the partial report is returned with ctx.Err().
func (m *Manager) ReencryptAll(ctx context.Context, old, next *keyvault.MasterKey) (models.RotationReport, error) {
	const op = "rotation.ReencryptAll"
	if old == nil || next == nil {
		return models.RotationReport{}, contracts.E(op, contracts.ErrInvalidInput, "both keys are required")
	}
	if old.Same(next) {
		return models.RotationReport{}, contracts.E(op, contracts.ErrInvalidInput, "old and new key are the same")
	}
	identities, err := m.store.ListIdentities(ctx)
	if err != nil {
		return models.RotationReport{}, contracts.StorageError(err)
	}
	records, err := m.store.ListRecords(ctx, storage.RecordFilter{})
	if err != nil {
		return models.RotationReport{}, contracts.StorageError(err)
	}

	p := &pass{
		m:          m,
		runID:      uuid.NewString(),
		newKeyID:   next.ID(),
		generation: next.Generation(),
		report: models.RotationReport{
			StartedAt: m.now().UTC(),
			Categories: map[string]models.CategoryReport{
				CategoryIdentityBundle: {},
				CategorySealedRecord:   {},
			},
		},
	}
	p.report.RunID = p.runID
	m.logger.Info("rotation started", "operation", "reencrypt", "run_id", p.runID,
		"identities", len(identities), "records", len(records))

	err = old.Use(func(oldRaw []byte) error {
		return next.Use(func(newRaw []byte) error {
			p.oldKey, p.newKey = oldRaw, newRaw
			defer func() { p.oldKey, p.newKey = nil, nil }()
			for _, item := range identities {
				if err := ctx.Err(); err != nil {
					return err
				}
				p.identity(ctx, item)
			}
			for _, rec := range records {
				if !rec.Encrypted {
					continue
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				p.record(ctx, rec)
			}
			return nil
		})
	})
	p.report.FinishedAt = m.now().UTC()
	m.logger.Info("rotation finished", "operation", "reencrypt", "run_id", p.runID,
		"failed", p.report.Failed(), "cancelled", errors.Is(err, context.Canceled))
	if err != nil {
		return p.report, err
	}
	return p.report, nil
}

func (p *pass) identity(ctx context.Context, item models.Identity) {
	aad := identity.BundleAAD(item.DID)
	next, skip, err := p.reseal(item.EncryptedPrivateKeyBundle, aad)
	switch {
	case skip:
		if item.NeedsRetry {
			_ = p.m.store.SetIdentityRetry(ctx, item.DID, false)
		}
		p.count(CategoryIdentityBundle, resultSkipped)
		return
	case err == nil:
		err = p.m.store.SwapIdentityBundle(ctx, item.DID, item.EncryptedPrivateKeyBundle, next)
	}
	if err != nil {
		p.fail(CategoryIdentityBundle, item.DID, err)
		if markErr := p.m.store.SetIdentityRetry(ctx, item.DID, true); markErr != nil {
			p.m.logger.Warn("flag identity for retry failed", "run_id", p.runID, "did", item.DID, "error", markErr)
		}
		return
	}
	p.count(CategoryIdentityBundle, resultSucceeded)
}

func (p *pass) record(ctx context.Context, rec storage.SealedRecord) {
	aad := storage.RecordAAD(rec.ID, rec.Category, rec.OwnerDID)
	payload, skip, err := p.reseal(rec.Payload, aad)
	switch {
	case skip:
		if rec.NeedsRetry {
			_ = p.m.store.MarkRecordRetry(ctx, rec.ID, false)
		}
		p.count(CategorySealedRecord, resultSkipped)
		return
	case err == nil:
		next := rec
		next.Payload = payload
		next.KeyID = p.newKeyID
		next.NeedsRetry = false
		next.UpdatedAt = p.m.now().UTC()
		err = p.m.store.SwapRecord(ctx, rec.ID, rec.Payload, next)
	}
	if err != nil {
		p.fail(CategorySealedRecord, rec.ID, err)
		if markErr := p.m.store.MarkRecordRetry(ctx, rec.ID, true); markErr != nil {
			p.m.logger.Warn("flag record for retry failed", "run_id", p.runID, "record_id", rec.ID, "error", markErr)
		}
		return
	}
	p.count(CategorySealedRecord, resultSucceeded)
}

// reseal opens blob under the old key and seals it under the new one. skip
// is true when blob is already sealed under the new key.
func (p *pass) reseal(blob, aad []byte) ([]byte, bool, error) {
	env, err := securestore.Parse(blob)
	if err != nil {
		return nil, false, err
	}
	if env.KeyID == p.newKeyID {
		return nil, true, nil
	}
	plain, err := securestore.OpenEnvelope(p.oldKey, env, aad)
	if err != nil {
		return nil, false, err
	}
	defer wipe(plain)
	sealed, err := securestore.Seal(p.newKey, p.generation, plain, aad)
	if err != nil {
		return nil, false, err
	}
	return sealed, false, nil
}

func (p *pass) count(category, result string) {
	c := p.report.Categories[category]
	c.Total++
	switch result {
	case resultSucceeded:
		c.Succeeded++
	case resultFailed:
		c.Failed++
	case resultSkipped:
		c.Skipped++
	}
	p.report.Categories[category] = c
	p.m.metrics.RotationRecord(category, result)
}

func (p *pass) fail(category, id string, err error) {
	p.count(category, resultFailed)
	p.m.metrics.RecordError(contracts.ErrorCategory(err))
	p.m.logger.Warn("re-encrypt failed", "operation", "reencrypt", "run_id", p.runID,
		"category", category, "record_id", id, "error", err)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
