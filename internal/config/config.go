package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile     = "config.yaml"
	DefaultDatabaseFile   = "peekr.db"
	DefaultSessionDir     = "telegram"
	DefaultEnvFile        = ".env"
	DefaultEnvPrefix      = "PEEKR_"
	DefaultRetainDays     = 30
	DefaultInterval       = 30 * time.Minute
	DefaultAdapterTimeout = 2 * time.Minute
	DefaultMaxItems       = 20
	DefaultRequestDelay   = time.Second
	DefaultRSSWorkers     = 4
	DefaultPythonPath     = "python3"
	DefaultBridgeURL      = "ws://localhost:3001"
	DefaultServiceName    = "peekr"
	DefaultLogLevel       = "info"

	minInterval = 10 * time.Second
	maxItems    = 500
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Sync      SyncConfig      `yaml:"sync"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Sources   SourcesConfig   `yaml:"sources"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type StorageConfig struct {
	Path       string `yaml:"path"`
	DSN        string `yaml:"dsn"`
	DSNEnv     string `yaml:"dsn_env"`
	RetainDays int    `yaml:"retain_days"`
}

// Target is what store.Open receives: the DSN when set, else the sqlite path.
func (s StorageConfig) Target() string {
	if s.DSN != "" {
		return s.DSN
	}
	return s.Path
}

// Retention is RetainDays as a duration. Zero disables pruning.
func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetainDays) * 24 * time.Hour
}

type SyncConfig struct {
	Interval       Duration `yaml:"interval"`
	AdapterTimeout Duration `yaml:"adapter_timeout"`
	MaxItems       int      `yaml:"max_items"`
	RequestDelay   Duration `yaml:"request_delay"`
}

type SecretsConfig struct {
	EnvPrefix string   `yaml:"env_prefix"`
	EnvFiles  []string `yaml:"env_files"`
}

type SourcesConfig struct {
	RSS      RSSConfig      `yaml:"rss"`
	YouTube  APIConfig      `yaml:"youtube"`
	Facebook APIConfig      `yaml:"facebook"`
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

type RSSConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// APIConfig overrides the endpoint of a JSON API adapter.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
}

type TelegramConfig struct {
	PythonPath string `yaml:"python_path"`
	Script     string `yaml:"script"`
	SessionDir string `yaml:"session_dir"`
}

type WhatsAppConfig struct {
	BridgeURL string `yaml:"bridge_url"`
}

type PrivacyConfig struct {
	Redact RedactConfig `yaml:"redact"`
}

type RedactConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
}

// ActivePatterns returns the patterns to apply, nil when redaction is off.
func (r RedactConfig) ActivePatterns() []string {
	if !r.Enabled {
		return nil
	}
	return r.Patterns
}

type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Headers      map[string]string `yaml:"headers"`
}

func (t TelemetryConfig) Enabled() bool {
	return t.OTLPEndpoint != ""
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Load reads config.yaml from dir, applies defaults, resolves env vars, and
// validates. A missing file yields the defaults.
func Load(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg, dir)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when dir has no config file.
func Default(dir string) *Config {
	var cfg Config
	applyDefaults(&cfg, dir)
	return &cfg
}

func applyDefaults(cfg *Config, dir string) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(dir, DefaultDatabaseFile)
	}
	if cfg.Storage.RetainDays == 0 {
		cfg.Storage.RetainDays = DefaultRetainDays
	}
	if cfg.Sync.Interval.Duration == 0 {
		cfg.Sync.Interval.Duration = DefaultInterval
	}
	if cfg.Sync.AdapterTimeout.Duration == 0 {
		cfg.Sync.AdapterTimeout.Duration = DefaultAdapterTimeout
	}
	if cfg.Sync.MaxItems == 0 {
		cfg.Sync.MaxItems = DefaultMaxItems
	}
	if cfg.Sync.RequestDelay.Duration == 0 {
		cfg.Sync.RequestDelay.Duration = DefaultRequestDelay
	}
	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = DefaultEnvPrefix
	}
	if len(cfg.Secrets.EnvFiles) == 0 {
		cfg.Secrets.EnvFiles = []string{filepath.Join(dir, DefaultEnvFile)}
	}
	if cfg.Sources.RSS.MaxWorkers == 0 {
		cfg.Sources.RSS.MaxWorkers = DefaultRSSWorkers
	}
	if cfg.Sources.Telegram.PythonPath == "" {
		cfg.Sources.Telegram.PythonPath = DefaultPythonPath
	}
	if cfg.Sources.Telegram.SessionDir == "" {
		cfg.Sources.Telegram.SessionDir = filepath.Join(dir, DefaultSessionDir)
	}
	if cfg.Sources.WhatsApp.BridgeURL == "" {
		cfg.Sources.WhatsApp.BridgeURL = DefaultBridgeURL
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func resolveEnv(cfg *Config) {
	if cfg.Storage.DSN == "" && cfg.Storage.DSNEnv != "" {
		cfg.Storage.DSN = os.Getenv(cfg.Storage.DSNEnv)
	}
}

func validate(cfg *Config) error {
	if cfg.Storage.RetainDays < 0 {
		return fmt.Errorf("storage.retain_days: must not be negative, got %d", cfg.Storage.RetainDays)
	}
	if cfg.Sync.Interval.Duration < minInterval {
		return fmt.Errorf("sync.interval: must be at least %s, got %s", minInterval, cfg.Sync.Interval.Duration)
	}
	if cfg.Sync.AdapterTimeout.Duration < 0 {
		return fmt.Errorf("sync.adapter_timeout: must be positive, got %s", cfg.Sync.AdapterTimeout.Duration)
	}
	if cfg.Sync.MaxItems < 1 || cfg.Sync.MaxItems > maxItems {
		return fmt.Errorf("sync.max_items: must be between 1 and %d, got %d", maxItems, cfg.Sync.MaxItems)
	}
	if cfg.Sync.RequestDelay.Duration < 0 {
		return fmt.Errorf("sync.request_delay: must not be negative, got %s", cfg.Sync.RequestDelay.Duration)
	}
	if cfg.Sources.RSS.MaxWorkers < 1 {
		return fmt.Errorf("sources.rss.max_workers: must be at least 1, got %d", cfg.Sources.RSS.MaxWorkers)
	}
	if u := cfg.Sources.WhatsApp.BridgeURL; !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("sources.whatsapp.bridge_url: want ws:// or wss://, got %q", u)
	}
	for _, p := range cfg.Privacy.Redact.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("privacy.redact.patterns: %w", err)
		}
	}
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}
