package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
[app]
paper_trading = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.App.RecheckIntervalSec != 300 {
		t.Errorf("expected default recheck 300, got %d", cfg.App.RecheckIntervalSec)
	}
	if cfg.Strategy.MinFundingRate != 0.0003 || cfg.Strategy.MaxPositions != 5 {
		t.Errorf("unexpected strategy defaults: %+v", cfg.Strategy)
	}
	if cfg.Risk.MarginRatioCritical != 0.85 {
		t.Errorf("expected critical margin default 0.85, got %v", cfg.Risk.MarginRatioCritical)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("expected sqlite default driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Exchange.Binance.FuturesURL != "https://fapi.binance.com" {
		t.Errorf("unexpected futures url default: %s", cfg.Exchange.Binance.FuturesURL)
	}
}

func TestLoadRequiresCredentialsForLiveTrading(t *testing.T) {
	path := writeConfig(t, `
[app]
paper_trading = false
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error without api credentials in live mode")
	}
}

func TestLoadRejectsBadDriver(t *testing.T) {
	path := writeConfig(t, `
[app]
paper_trading = true

[storage]
driver = "mysql"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported storage driver")
	}
}

func TestLoadNormalizesExcludedSymbols(t *testing.T) {
	path := writeConfig(t, `
[app]
paper_trading = true

[filters]
excluded = [" usdcusdt ", "USDCUSDT", "busdusdt"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Filters.Excluded) != 2 {
		t.Fatalf("expected dedup to 2, got %v", cfg.Filters.Excluded)
	}
	if cfg.Filters.Excluded[0] != "USDCUSDT" || cfg.Filters.Excluded[1] != "BUSDUSDT" {
		t.Errorf("expected uppercased symbols, got %v", cfg.Filters.Excluded)
	}
}

func TestLoadRejectsInvertedMarginThresholds(t *testing.T) {
	path := writeConfig(t, `
[app]
paper_trading = true

[risk]
margin_ratio_warning = 0.9
margin_ratio_critical = 0.8
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when warning >= critical")
	}
}
