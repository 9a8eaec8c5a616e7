package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "budget: 100000\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Provider != "Default" || cfg.Username != "default" {
		t.Errorf("identity defaults: %s/%s", cfg.Provider, cfg.Username)
	}
	if cfg.Timezone != "UTC" || cfg.HTTPPort != "8080" {
		t.Errorf("ambient defaults: %s, %s", cfg.Timezone, cfg.HTTPPort)
	}
	if cfg.Storage.Backend != File || cfg.Storage.Dir != "./data" {
		t.Errorf("storage defaults: %+v", cfg.Storage)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log_level: debug
provider: MT5
username: alice
budget: 50000
timezone: Asia/Tokyo
storage:
  backend: sqlite
  sqlite_path: /tmp/p.db
risk:
  daily_max_loss_percent: 5
symbols:
  - symbol: USDJPY
    trade_unit: 100000
    leverage: 25
monitor:
  tick_queue_size: 128
  closed_result_ttl: 1m
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Backend != SQLite || cfg.Storage.SQLitePath != "/tmp/p.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Location().String() != "Asia/Tokyo" {
		t.Errorf("location = %s", cfg.Location())
	}
	if cfg.Monitor.TickQueueSize != 128 || cfg.Monitor.ClosedResultTTL != time.Minute {
		t.Errorf("monitor = %+v", cfg.Monitor)
	}

	m := cfg.SymbolMap()
	s, ok := m["USDJPY"]
	if !ok {
		t.Fatal("symbol map misses USDJPY")
	}
	if s.TradeUnit != 100000 || s.Leverage != 25 {
		t.Errorf("symbol = %+v", s)
	}
	if s.VolumeStep != 0.01 {
		t.Errorf("symbol setup not applied: %+v", s)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	if _, err := Load(writeConfig(t, "budget: -1\n")); err == nil {
		t.Error("negative budget accepted")
	}
	if _, err := Load(writeConfig(t, "timezone: Mars/Olympus\n")); err == nil {
		t.Error("unknown timezone accepted")
	}
	if _, err := Load(writeConfig(t, "storage:\n  backend: redis\n")); err == nil {
		t.Error("unknown backend accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
