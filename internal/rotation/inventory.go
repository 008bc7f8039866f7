package rotation

import (
	"context"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/securestore"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/pkg/models"
)

// ScanEncryptedState counts sealed and plaintext material per category and
// groups sealed blobs by the key id they are under.
func (m *Manager) ScanEncryptedState(ctx context.Context) (models.Inventory, error) {
	identities, err := m.store.ListIdentities(ctx)
	if err != nil {
		return models.Inventory{}, contracts.StorageError(err)
	}
	records, err := m.store.ListRecords(ctx, storage.RecordFilter{})
	if err != nil {
		return models.Inventory{}, contracts.StorageError(err)
	}

	bundles := models.CategoryInventory{ByKeyID: map[string]int{}}
	for _, item := range identities {
		tally(&bundles, item.EncryptedPrivateKeyBundle, true, item.NeedsRetry)
	}
	sealed := models.CategoryInventory{ByKeyID: map[string]int{}}
	for _, rec := range records {
		tally(&sealed, rec.Payload, rec.Encrypted, rec.NeedsRetry)
	}
	return models.Inventory{
		ScannedAt: m.now().UTC(),
		Categories: map[string]models.CategoryInventory{
			CategoryIdentityBundle: bundles,
			CategorySealedRecord:   sealed,
		},
	}, nil
}

func tally(inv *models.CategoryInventory, blob []byte, encrypted, needsRetry bool) {
	if needsRetry {
		inv.PendingRetry++
	}
	if !encrypted {
		inv.Plaintext++
		return
	}
	env, err := securestore.Parse(blob)
	if err != nil {
		inv.Plaintext++
		return
	}
	inv.Encrypted++
	inv.ByKeyID[env.KeyID]++
}
