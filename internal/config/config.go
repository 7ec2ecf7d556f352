// Package config loads the siterelay deployment configuration from a TOML
// file, with defaults suitable for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Store StoreConfig `toml:"store"`
	Sync  SyncConfig  `toml:"sync"`
	Chat  ChatConfig  `toml:"chat"`
	Spool SpoolConfig `toml:"spool"`
	HTTP  HTTPConfig  `toml:"http"`
}

// StoreConfig selects the durable queue store backend by DSN: a bare file
// path, file://, memory://, or postgres://.
type StoreConfig struct {
	DSN          string `toml:"dsn"`
	MinFreeBytes uint64 `toml:"min_free_bytes"`
}

type SyncConfig struct {
	Interval        time.Duration `toml:"interval"`
	MaxAttempts     int           `toml:"max_attempts"`
	RetentionWindow time.Duration `toml:"retention_window"`
	EndpointBaseURL string        `toml:"endpoint_base_url"`
	EndpointToken   string        `toml:"endpoint_token"`
	ProbeURL        string        `toml:"probe_url"`
	ProbeInterval   time.Duration `toml:"probe_interval"`
}

type ChatConfig struct {
	Enabled     bool          `toml:"enabled"`
	ChannelURL  string        `toml:"channel_url"`
	MinInterval time.Duration `toml:"min_interval"`
	Cooldown    time.Duration `toml:"cooldown"`
}

type SpoolConfig struct {
	Dir string `toml:"dir"`
}

type HTTPConfig struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	AuthToken string `toml:"auth_token"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DSN: ".siterelay/outbox-state.json",
		},
		Sync: SyncConfig{
			Interval:        5 * time.Minute,
			MaxAttempts:     3,
			RetentionWindow: 7 * 24 * time.Hour,
			EndpointBaseURL: "http://127.0.0.1:8080",
			ProbeInterval:   30 * time.Second,
		},
		Chat: ChatConfig{
			Enabled:     false,
			MinInterval: 500 * time.Millisecond,
			Cooldown:    3 * time.Second,
		},
		Spool: SpoolConfig{
			Dir: ".siterelay/spool",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: ":8090",
		},
	}
}

// LoadFromFile decodes path over the defaults, so partial files work.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.RetentionWindow <= 0 {
		return fmt.Errorf("sync.retention_window must be positive")
	}
	if c.Chat.Enabled && c.Chat.ChannelURL == "" {
		return fmt.Errorf("chat.channel_url is required when chat is enabled")
	}
	return nil
}
