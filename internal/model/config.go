package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SyncConfig holds the tuning knobs of the synchronization engine.
type SyncConfig struct {
	// Lookback bounds the initial backfill window.
	Lookback time.Duration `mapstructure:"lookback" yaml:"lookback"`

	// PollInterval is the fallback fetch period while listening.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// ConnectTimeout bounds dialing plus authentication.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// CommandTimeout bounds a single SELECT/SEARCH/FETCH round trip.
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`

	// BatchSize is the number of message bodies fetched per round trip.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// MaxBodyBytes truncates text and HTML bodies beyond this size.
	MaxBodyBytes int `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`

	// MaxDeliveryAttempts is how many failed sink upserts a message gets
	// before it is quarantined and stops holding back the cursor.
	MaxDeliveryAttempts int `mapstructure:"max_delivery_attempts" yaml:"max_delivery_attempts"`

	// StopTimeout bounds graceful shutdown of all sessions.
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// ReconnectConfig holds the exponential backoff bounds.
type ReconnectConfig struct {
	Floor   time.Duration `mapstructure:"floor" yaml:"floor"`
	Ceiling time.Duration `mapstructure:"ceiling" yaml:"ceiling"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// NATSConfig enables the JetStream sink when URL is set.
type NATSConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Stream string `mapstructure:"stream" yaml:"stream"`
}

// ClassifyConfig controls the classifier worker pool.
type ClassifyConfig struct {
	Workers   int    `mapstructure:"workers" yaml:"workers"`
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	Model     string `mapstructure:"model" yaml:"model"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console or json
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts  []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Classify  ClassifyConfig  `mapstructure:"classify" yaml:"classify"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultAppConfig returns the configuration used for unset keys.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Accounts: []AccountConfig{},
		Sync: SyncConfig{
			Lookback:            30 * 24 * time.Hour,
			PollInterval:        5 * time.Minute,
			ConnectTimeout:      20 * time.Second,
			CommandTimeout:      60 * time.Second,
			BatchSize:           50,
			MaxBodyBytes:        1 << 20,
			MaxDeliveryAttempts: 3,
			StopTimeout:         15 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Floor:   2 * time.Second,
			Ceiling: 60 * time.Second,
		},
		Store: StoreConfig{
			Path: "mailsync.db",
		},
		NATS: NATSConfig{
			Stream: "MAIL_EVENTS",
		},
		Classify: ClassifyConfig{
			Workers:   2,
			QueueSize: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Keys may be overridden with MAILSYNC_ prefixed environment variables,
// e.g. MAILSYNC_SYNC_POLL_INTERVAL=1m.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	def := DefaultAppConfig()
	v.SetDefault("sync.lookback", def.Sync.Lookback)
	v.SetDefault("sync.poll_interval", def.Sync.PollInterval)
	v.SetDefault("sync.connect_timeout", def.Sync.ConnectTimeout)
	v.SetDefault("sync.command_timeout", def.Sync.CommandTimeout)
	v.SetDefault("sync.batch_size", def.Sync.BatchSize)
	v.SetDefault("sync.max_body_bytes", def.Sync.MaxBodyBytes)
	v.SetDefault("sync.max_delivery_attempts", def.Sync.MaxDeliveryAttempts)
	v.SetDefault("sync.stop_timeout", def.Sync.StopTimeout)
	v.SetDefault("reconnect.floor", def.Reconnect.Floor)
	v.SetDefault("reconnect.ceiling", def.Reconnect.Ceiling)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", def.NATS.Stream)
	v.SetDefault("classify.workers", def.Classify.Workers)
	v.SetDefault("classify.queue_size", def.Classify.QueueSize)
	v.SetDefault("classify.api_key", "")
	v.SetDefault("classify.model", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		if len(cfg.Accounts[i].Folders) == 0 {
			cfg.Accounts[i].Folders = []string{DefaultFolder}
		}
		if cfg.Accounts[i].Port == 0 && cfg.Accounts[i].TLS {
			cfg.Accounts[i].Port = 993
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("sync", cfg.Sync)
	v.Set("reconnect", cfg.Reconnect)
	v.Set("store", cfg.Store)
	v.Set("nats", cfg.NATS)
	v.Set("classify", cfg.Classify)
	v.Set("metrics", cfg.Metrics)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
