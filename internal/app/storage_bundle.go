package app

import (
	"context"
	"fmt"
	"log/slog"

	"aim-chat/identity-core/internal/config"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/internal/storage/badgerstore"
	"aim-chat/identity-core/internal/storage/pgstore"
)

// OpenStore builds the backend named by cfg.Storage.Driver.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		return storage.NewMemoryStore(), nil
	case config.StorageBadger:
		st, err := badgerstore.Open(badgerstore.Options{Path: cfg.BadgerPath(), Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return st, nil
	case config.StoragePostgres:
		st, err := pgstore.Connect(ctx, cfg.Storage.DSN, pgstore.WithSchema(cfg.Storage.Schema))
		if err != nil {
			return nil, fmt.Errorf("connect postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, cfg.Storage.Driver)
	}
}
