package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MinKDFIterations = 100_000
	MaxKDFIterations = 10_000_000
	MinPinDigits     = 6

	StorageMemory   = "memory"
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	DataDir string        `yaml:"dataDir"`
	Storage StorageConfig `yaml:"storage"`
	KDF     KDFConfig     `yaml:"kdf"`
	Pin     PinConfig     `yaml:"pin"`
	Session SessionConfig `yaml:"session"`
	DID     DIDConfig     `yaml:"did"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

type KDFConfig struct {
	Iterations int `yaml:"iterations"`
}

type PinConfig struct {
	MinDigits      int     `yaml:"minDigits"`
	Lockout        *bool   `yaml:"lockout"`
	AttemptsPerSec float64 `yaml:"attemptsPerSecond"`
	AttemptsBurst  int     `yaml:"attemptsBurst"`
}

type SessionConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"maxEntries"`
}

type DIDConfig struct {
	Method string `yaml:"method"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func Default() Config {
	enabled := true
	return Config{
		Storage: StorageConfig{Driver: StorageBadger, Schema: "aim_identity"},
		KDF:     KDFConfig{Iterations: 210_000},
		Pin: PinConfig{
			MinDigits:      MinPinDigits,
			Lockout:        &enabled,
			AttemptsPerSec: 0.5,
			AttemptsBurst:  5,
		},
		Session: SessionConfig{TTL: 30 * time.Minute, MaxEntries: 16},
		DID:     DIDConfig{Method: "aim"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: &enabled},
	}
}

// LoadFromPath reads the first readable candidate config file over the
// defaults, then applies AIM_ID_* environment overrides. A missing file is not
// an error; a malformed one is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if strings.TrimSpace(configPath) != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/identity.yaml", "identity.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && configPath == "" {
				continue
			}
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Storage.Driver != "" {
		dst.Storage.Driver = src.Storage.Driver
	}
	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.Storage.DSN != "" {
		dst.Storage.DSN = src.Storage.DSN
	}
	if src.Storage.Schema != "" {
		dst.Storage.Schema = src.Storage.Schema
	}
	if src.KDF.Iterations != 0 {
		dst.KDF.Iterations = src.KDF.Iterations
	}
	if src.Pin.MinDigits != 0 {
		dst.Pin.MinDigits = src.Pin.MinDigits
	}
	if src.Pin.Lockout != nil {
		dst.Pin.Lockout = src.Pin.Lockout
	}
	if src.Pin.AttemptsPerSec != 0 {
		dst.Pin.AttemptsPerSec = src.Pin.AttemptsPerSec
	}
	if src.Pin.AttemptsBurst != 0 {
		dst.Pin.AttemptsBurst = src.Pin.AttemptsBurst
	}
	if src.Session.TTL != 0 {
		dst.Session.TTL = src.Session.TTL
	}
	if src.Session.MaxEntries != 0 {
		dst.Session.MaxEntries = src.Session.MaxEntries
	}
	if src.DID.Method != "" {
		dst.DID.Method = src.DID.Method
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
	if src.Metrics.Enabled != nil {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("AIM_ID_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := envString("AIM_ID_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := envString("AIM_ID_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := envString("AIM_ID_DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
	}
	cfg.KDF.Iterations = envIntWithFallback("AIM_ID_KDF_ITERATIONS", cfg.KDF.Iterations)
	cfg.Session.TTL = envDurationWithFallback("AIM_ID_SESSION_TTL", cfg.Session.TTL)
	cfg.Session.MaxEntries = envBoundedIntWithFallback("AIM_ID_SESSION_MAX_ENTRIES", cfg.Session.MaxEntries, 3, 1024)
	if v := envString("AIM_ID_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := envString("AIM_ID_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	lockout := envBoolWithFallback("AIM_ID_PIN_LOCKOUT", cfg.LockoutEnabled())
	cfg.Pin.Lockout = &lockout
}

// Validate enforces the security floors; configuration may raise them, never
// lower them.
func (c Config) Validate() error {
	if c.KDF.Iterations < MinKDFIterations {
		return fmt.Errorf("%w: kdf iterations %d below %d", ErrInvalidConfig, c.KDF.Iterations, MinKDFIterations)
	}
	if c.KDF.Iterations > MaxKDFIterations {
		return fmt.Errorf("%w: kdf iterations %d above %d", ErrInvalidConfig, c.KDF.Iterations, MaxKDFIterations)
	}
	if c.Pin.MinDigits < MinPinDigits {
		return fmt.Errorf("%w: pin min digits %d below %d", ErrInvalidConfig, c.Pin.MinDigits, MinPinDigits)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("%w: session ttl must be positive", ErrInvalidConfig)
	}
	if c.Session.MaxEntries < 3 {
		return fmt.Errorf("%w: session cache must hold at least 3 entries", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.DID.Method) == "" || strings.ContainsAny(c.DID.Method, ": ") {
		return fmt.Errorf("%w: did method %q", ErrInvalidConfig, c.DID.Method)
	}
	switch c.Storage.Driver {
	case StorageMemory, StorageBadger:
	case StoragePostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("%w: postgres storage requires a dsn", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	return nil
}

func (c Config) LockoutEnabled() bool {
	return c.Pin.Lockout == nil || *c.Pin.Lockout
}

func (c Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// BadgerPath resolves the embedded database directory.
func (c Config) BadgerPath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "identity.db")
}
