package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, 30, cfg.Pairing.MinSignal)
	assert.Equal(t, 3, cfg.Pairing.HandshakeAttempts)
	assert.Equal(t, 10*time.Second, cfg.Pairing.AckWindow)
	assert.Equal(t, 200*time.Millisecond, cfg.Sync.BackoffBase)
	assert.Equal(t, 5*time.Second, cfg.Ingest.Window)
	assert.Equal(t, 1000, cfg.Ingest.Capacity)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "silent maps to panic level", logLevel: "silent", want: logrus.PanicLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	// GOAL: a YAML file overrides defaults and IONLINK_* variables override the file
	//
	// TEST SCENARIO: file sets ingest.window 2s and sync.attempts 5 → env sets IONLINK_INGEST_WINDOW=750ms → window 750ms, attempts 5

	path := filepath.Join(t.TempDir(), "ionlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
output_format: json
database_url: postgres://ionlink@localhost/ionlink
sync:
  attempts: 5
ingest:
  window: 2s
pairing:
  min_signal: 40
`), 0o600))
	t.Setenv("IONLINK_INGEST_WINDOW", "750ms")
	t.Setenv("IONLINK_PAIRING_ACK_WINDOW", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.OutputFormat)
	assert.Equal(t, "postgres://ionlink@localhost/ionlink", cfg.DatabaseURL)
	assert.Equal(t, 5, cfg.Sync.Attempts)
	assert.Equal(t, 750*time.Millisecond, cfg.Ingest.Window, "environment MUST override the file")
	assert.Equal(t, 3*time.Second, cfg.Pairing.AckWindow)
	assert.Equal(t, 40, cfg.Pairing.MinSignal)
	assert.Equal(t, 1000, cfg.Ingest.Capacity, "unset keys MUST keep their defaults")

	cc := cfg.ClientConfig()
	assert.Equal(t, 750*time.Millisecond, cc.Ingest.Window)
	assert.Equal(t, 5, cc.Sync.Attempts)
	assert.Equal(t, 40, cfg.PairingOptions().MinSignal)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "table format is valid", mutate: func(c *Config) { c.OutputFormat = "table" }, valid: true},
		{name: "json format is valid", mutate: func(c *Config) { c.OutputFormat = "json" }, valid: true},
		{name: "unknown format", mutate: func(c *Config) { c.OutputFormat = "xml" }},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "loud" }},
		{name: "zero capacity", mutate: func(c *Config) { c.Ingest.Capacity = 0 }},
		{name: "zero window", mutate: func(c *Config) { c.Ingest.Window = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if tt.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
