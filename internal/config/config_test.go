package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

// inTempDir runs the test from an empty directory so no stray .env or
// flashpool.yaml is picked up.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load("", newFlags(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.FeeBps != 20 || cfg.Decimals != 9 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if !cfg.MinLoan.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("expected min loan 0.1, got %s", cfg.MinLoan)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("expected 30s cache ttl, got %s", cfg.CacheTTL)
	}
}

func TestLoad_FlagsOverride(t *testing.T) {
	inTempDir(t)

	cfg, err := Load("", newFlags(t, "--port=9090", "--fee-bps=100", "--swap-pool=raydium:SOL/BONK:1:2,jupiter:SOL/BONK:3:4"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.FeeBps != 100 {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if len(cfg.SwapPools) != 2 || cfg.SwapPools[1] != "jupiter:SOL/BONK:3:4" {
		t.Errorf("unexpected swap pools: %v", cfg.SwapPools)
	}
}

func TestLoad_Env(t *testing.T) {
	inTempDir(t)
	t.Setenv("FLASHPOOL_MAX_UTILIZATION_BPS", "5000")
	t.Setenv("FLASHPOOL_MIN_LOAN", "0.5")

	cfg, err := Load("", newFlags(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxUtilizationBps != 5000 {
		t.Errorf("expected 5000, got %d", cfg.MaxUtilizationBps)
	}
	if !cfg.MinLoan.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected 0.5, got %s", cfg.MinLoan)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inTempDir(t)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FLASHPOOL_BORROW_RATE=2.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("FLASHPOOL_BORROW_RATE") })

	cfg, err := Load("", newFlags(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BorrowRate != 2.5 {
		t.Errorf("expected 2.5 from .env, got %v", cfg.BorrowRate)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "custom.yaml")
	body := "port: \"7000\"\ndecimals: 6\nlog-level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "7000" || cfg.Decimals != 6 || cfg.LogLevel != "debug" {
		t.Errorf("config file not applied: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	inTempDir(t)

	for _, args := range [][]string{
		{"--fee-bps=10001"},
		{"--max-utilization-bps=20000"},
		{"--min-loan=0"},
		{"--min-loan=abc"},
		{"--decimals=19"},
		{"--redis-url=redis://localhost:6379"},
	} {
		if _, err := Load("", newFlags(t, args...)); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
