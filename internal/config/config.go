package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/finchkit/trading-core/internal/model"
)

type StorageBackend string

const (
	Memory   StorageBackend = "memory"
	File     StorageBackend = "file"
	SQLite   StorageBackend = "sqlite"
	Postgres StorageBackend = "postgres"
)

type StorageConfig struct {
	Backend    StorageBackend `yaml:"backend"`
	Dir        string         `yaml:"dir"`
	SavePeriod time.Duration  `yaml:"save_period"`
	SQLitePath string         `yaml:"sqlite_path"`
}

func (c *StorageConfig) Setup() error {
	if c.Backend == "" {
		c.Backend = File
	}
	switch c.Backend {
	case Memory, File, SQLite, Postgres:
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Backend)
	}
	if c.Dir == "" {
		c.Dir = "./data"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "./data/positions.db"
	}
	if c.SavePeriod < 0 {
		c.SavePeriod = 0
	}
	return nil
}

type MonitorConfig struct {
	TickQueueSize   int           `yaml:"tick_queue_size"`
	ClosedResultTTL time.Duration `yaml:"closed_result_ttl"`
}

type Config struct {
	LogLevel   string                   `yaml:"log_level"`
	Provider   string                   `yaml:"provider"`
	Username   string                   `yaml:"username"`
	Budget     float64                  `yaml:"budget"`
	Timezone   string                   `yaml:"timezone"`
	HTTPPort   string                   `yaml:"http_port"`
	WebhookURL string                   `yaml:"webhook_url"`
	Storage    StorageConfig            `yaml:"storage"`
	Risk       model.AccountRiskConfig  `yaml:"risk"`
	Symbols    []model.SymbolRiskConfig `yaml:"symbols"`
	Monitor    MonitorConfig            `yaml:"monitor"`
}

func (c *Config) Setup() error {
	if c.Provider == "" {
		c.Provider = "Default"
	}
	if c.Username == "" {
		c.Username = "default"
	}
	if c.Budget < 0 {
		return fmt.Errorf("budget must not be negative: %f", c.Budget)
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %s: %w", c.Timezone, err)
	}
	if c.HTTPPort == "" {
		c.HTTPPort = "8080"
	}
	for i := range c.Symbols {
		c.Symbols[i].Setup()
	}
	return c.Storage.Setup()
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SymbolMap keys the symbol configs for lookup by the lifecycle controller.
func (c *Config) SymbolMap() map[string]model.SymbolRiskConfig {
	m := make(map[string]model.SymbolRiskConfig, len(c.Symbols))
	for _, s := range c.Symbols {
		m[s.Symbol] = s
	}
	return m
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("can't parse config file: %w", err)
	}
	if err := cfg.Setup(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
