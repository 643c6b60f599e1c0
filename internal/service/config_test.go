package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Runner.RequestTimeout != 30*time.Second {
		t.Fatalf("RequestTimeout=%v, expected 30s", cfg.Runner.RequestTimeout)
	}
	if cfg.Runner.HistorySize != 200 {
		t.Fatalf("HistorySize=%d, expected 200", cfg.Runner.HistorySize)
	}
	if cfg.Runner.PricePollInterval != time.Second {
		t.Fatalf("PricePollInterval=%v, expected 1s", cfg.Runner.PricePollInterval)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
Exchange:
  Name: upbit
  AccessKey: file-key
  UseStream: true
Runner:
  MinInterval: 2s
DryRun:
  Enabled: false
Logics:
  btc-dip:
    AutoStart: true
    Interval: 10s
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Exchange.AccessKey != "file-key" {
		t.Errorf("AccessKey=%q, expected file-key", cfg.Exchange.AccessKey)
	}
	if !cfg.Exchange.UseStream {
		t.Error("expected UseStream to be true")
	}
	if cfg.Runner.MinInterval != 2*time.Second {
		t.Errorf("MinInterval=%v, expected 2s", cfg.Runner.MinInterval)
	}
	if cfg.DryRun.Enabled {
		t.Error("expected DryRun to be disabled")
	}
	logic, ok := cfg.Logics["btc-dip"]
	if !ok {
		t.Fatalf("expected logic btc-dip in %v", cfg.Logics)
	}
	if !logic.AutoStart || logic.Interval != 10*time.Second {
		t.Errorf("logic=%+v, expected AutoStart with 10s interval", logic)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TB_EXCHANGE_SECRETKEY", "from-env")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Exchange.SecretKey != "from-env" {
		t.Fatalf("SecretKey=%q, expected from-env", cfg.Exchange.SecretKey)
	}
}
