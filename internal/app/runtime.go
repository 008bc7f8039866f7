package app

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aim-chat/identity-core/internal/channel"
	"aim-chat/identity-core/internal/config"
	"aim-chat/identity-core/internal/identity"
	"aim-chat/identity-core/internal/keyvault"
	"aim-chat/identity-core/internal/platform/metrics"
	"aim-chat/identity-core/internal/platform/privacylog"
	"aim-chat/identity-core/internal/rotation"
	"aim-chat/identity-core/internal/storage"
)

const defaultSweepInterval = time.Minute

type Options struct {
	// Store overrides the configured backend. Core closes it either way.
	Store  storage.Store
	Logger *slog.Logger
	Now    func() time.Time
	// SweepInterval <= 0 uses one minute.
	SweepInterval time.Duration
}

// Core is the per-process identity context. It owns every component and is
// safe for concurrent use.
type Core struct {
	cfg      config.Config
	store    storage.Store
	vault    *keyvault.Vault
	ids      *identity.Manager
	channel  *channel.Channel
	rotation *rotation.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	stopSweep context.CancelFunc
	sweepDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, cfg config.Config, opts Options) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = privacylog.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	var m *metrics.Metrics
	if cfg.MetricsEnabled() {
		m = metrics.New()
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = OpenStore(ctx, cfg, opts.Logger)
		if err != nil {
			return nil, err
		}
	}

	c, err := build(cfg, store, opts, m)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	c.stopSweep = cancel
	c.sweepDone = make(chan struct{})
	go c.sweepLoop(sweepCtx, opts.SweepInterval)
	c.logger.Info("identity core started", "operation", "start", "storage", cfg.Storage.Driver, "did_method", cfg.DID.Method)
	return c, nil
}

func build(cfg config.Config, store storage.Store, opts Options, m *metrics.Metrics) (*Core, error) {
	vault, err := keyvault.New(store, keyvault.Options{
		Iterations:        cfg.KDF.Iterations,
		MinDigits:         cfg.Pin.MinDigits,
		SessionTTL:        cfg.Session.TTL,
		MaxEntries:        cfg.Session.MaxEntries,
		Lockout:           cfg.LockoutEnabled(),
		AttemptsPerSecond: cfg.Pin.AttemptsPerSec,
		AttemptsBurst:     cfg.Pin.AttemptsBurst,
		Now:               opts.Now,
		Logger:            opts.Logger,
		Metrics:           m,
	})
	if err != nil {
		return nil, err
	}
	ids, err := identity.NewManager(store, vault, identity.Options{Method: cfg.DID.Method, Now: opts.Now, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	ch, err := channel.New(ids, ids, channel.Options{Logger: opts.Logger, Metrics: m})
	if err != nil {
		return nil, err
	}
	rot, err := rotation.New(store, rotation.Options{Logger: opts.Logger, Metrics: m, Now: opts.Now})
	if err != nil {
		return nil, err
	}
	return &Core{
		cfg:      cfg,
		store:    store,
		vault:    vault,
		ids:      ids,
		channel:  ch,
		rotation: rot,
		metrics:  m,
		logger:   opts.Logger.With("component", "core"),
		now:      opts.Now,
	}, nil
}

// sweepLoop drops expired secrets even when nothing touches the cache.
func (c *Core) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.vault.Sweep()
		}
	}
}

// MetricsRegistry returns the private registry, or nil when metrics are off.
func (c *Core) MetricsRegistry() *prometheus.Registry {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.Registry
}

// Close wipes the session and releases the store.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		if c.stopSweep != nil {
			c.stopSweep()
			<-c.sweepDone
		}
		c.vault.ClearSession()
		c.closeErr = c.store.Close()
		if c.closeErr != nil {
			c.logger.Warn("close store failed", "operation", "close", "error", c.closeErr)
		}
	})
	return c.closeErr
}
