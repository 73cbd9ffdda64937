// Package config loads ionlink settings from an optional YAML file and
// IONLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/srg/ionlink/internal/client"
	"github.com/srg/ionlink/internal/ingest"
	"github.com/srg/ionlink/internal/link"
	"github.com/srg/ionlink/internal/pairing"
	"github.com/srg/ionlink/internal/profilesync"
)

// EnvPrefix prefixes every environment override, e.g. IONLINK_INGEST_WINDOW.
const EnvPrefix = "IONLINK"

// Config holds application configuration
type Config struct {
	LogLevel       string        `mapstructure:"log_level"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	OutputFormat   string        `mapstructure:"output_format"`
	// DatabaseURL selects Postgres persistence for telemetry; empty keeps it in memory.
	DatabaseURL string `mapstructure:"database_url"`

	Pairing PairingConfig `mapstructure:"pairing"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
}

type PairingConfig struct {
	MinSignal         int           `mapstructure:"min_signal"`
	HandshakeAttempts int           `mapstructure:"handshake_attempts"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	AckWindow         time.Duration `mapstructure:"ack_window"`
}

type SyncConfig struct {
	Attempts    int           `mapstructure:"attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

type IngestConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Capacity int           `mapstructure:"capacity"`
	Tick     time.Duration `mapstructure:"tick"`
}

var outputFormats = []string{"table", "json"}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	p := pairing.DefaultOptions()
	s := profilesync.DefaultOptions()
	i := ingest.DefaultOptions()
	return &Config{
		LogLevel:       "info",
		ScanTimeout:    p.ScanTimeout,
		RequestTimeout: link.DefaultOptions().RequestTimeout,
		OutputFormat:   "table",
		Pairing: PairingConfig{
			MinSignal:         p.MinSignal,
			HandshakeAttempts: p.HandshakeAttempts,
			HandshakeTimeout:  p.HandshakeTimeout,
			BackoffBase:       p.BackoffBase,
			AckWindow:         p.AckWindow,
		},
		Sync:   SyncConfig{Attempts: s.Attempts, BackoffBase: s.BackoffBase},
		Ingest: IngestConfig{Window: i.Window, Capacity: i.Capacity, Tick: i.Tick},
	}
}

// Load reads path (when non-empty) and then applies IONLINK_* environment
// overrides on top of the defaults. Nested keys use '_' in the variable
// name: ingest.window is IONLINK_INGEST_WINDOW.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("scan_timeout", d.ScanTimeout)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("output_format", d.OutputFormat)
	v.SetDefault("database_url", d.DatabaseURL)

	v.SetDefault("pairing.min_signal", d.Pairing.MinSignal)
	v.SetDefault("pairing.handshake_attempts", d.Pairing.HandshakeAttempts)
	v.SetDefault("pairing.handshake_timeout", d.Pairing.HandshakeTimeout)
	v.SetDefault("pairing.backoff_base", d.Pairing.BackoffBase)
	v.SetDefault("pairing.ack_window", d.Pairing.AckWindow)

	v.SetDefault("sync.attempts", d.Sync.Attempts)
	v.SetDefault("sync.backoff_base", d.Sync.BackoffBase)

	v.SetDefault("ingest.window", d.Ingest.Window)
	v.SetDefault("ingest.capacity", d.Ingest.Capacity)
	v.SetDefault("ingest.tick", d.Ingest.Tick)
}

func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	valid := false
	for _, f := range outputFormats {
		if c.OutputFormat == f {
			valid = true
		}
	}
	if !valid {
		return fmt.Errorf("config: output_format %q must be one of %s", c.OutputFormat, strings.Join(outputFormats, ", "))
	}
	if c.Ingest.Capacity <= 0 {
		return errors.New("config: ingest.capacity must be positive")
	}
	if c.Ingest.Window <= 0 {
		return errors.New("config: ingest.window must be positive")
	}
	return nil
}

// Level parses LogLevel. "silent" maps to panic level, the CLI default.
func (c *Config) Level() (logrus.Level, error) {
	if c.LogLevel == "silent" {
		return logrus.PanicLevel, nil
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	lvl, err := c.Level()
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func (c *Config) PairingOptions() pairing.Options {
	o := pairing.DefaultOptions()
	o.ScanTimeout = c.ScanTimeout
	o.MinSignal = c.Pairing.MinSignal
	o.HandshakeAttempts = c.Pairing.HandshakeAttempts
	o.HandshakeTimeout = c.Pairing.HandshakeTimeout
	o.BackoffBase = c.Pairing.BackoffBase
	o.AckWindow = c.Pairing.AckWindow
	return o
}

func (c *Config) LinkOptions() link.Options {
	o := link.DefaultOptions()
	o.RequestTimeout = c.RequestTimeout
	return o
}

func (c *Config) ClientConfig() client.Config {
	cc := client.DefaultConfig()
	cc.Sync.Attempts = c.Sync.Attempts
	cc.Sync.BackoffBase = c.Sync.BackoffBase
	cc.Ingest.Window = c.Ingest.Window
	cc.Ingest.Capacity = c.Ingest.Capacity
	cc.Ingest.Tick = c.Ingest.Tick
	return cc
}
