package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
broker:
  base_url: https://gateway.example.com/openapi
  access_token: tok-123
  account_key: acc-key
  client_key: cli-key
trading:
  watchlist:
    - symbol: AAPL
      asset_type: Stock
      uic: 211
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marlin.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Broker.Environment != "SIM" {
		t.Errorf("Environment = %q, want default %q", cfg.Broker.Environment, "SIM")
	}
	if cfg.Broker.RequestsPerMin != 120 {
		t.Errorf("RequestsPerMin = %d, want default 120", cfg.Broker.RequestsPerMin)
	}
	if cfg.Trading.DefaultQuantity != "1" {
		t.Errorf("DefaultQuantity = %q, want default %q", cfg.Trading.DefaultQuantity, "1")
	}
	if cfg.Trading.HoursMode != "always" {
		t.Errorf("HoursMode = %q, want default %q", cfg.Trading.HoursMode, "always")
	}
	if cfg.Execution.PrecheckRetries != 1 {
		t.Errorf("PrecheckRetries = %d, want default 1", cfg.Execution.PrecheckRetries)
	}
	if cfg.Execution.ReconcileMaxAttempts != 3 {
		t.Errorf("ReconcileMaxAttempts = %d, want default 3", cfg.Execution.ReconcileMaxAttempts)
	}
	if cfg.Execution.DisclaimerCacheTTL.Std() != 5*time.Minute {
		t.Errorf("DisclaimerCacheTTL = %v, want default 5m", cfg.Execution.DisclaimerCacheTTL)
	}
	if cfg.Strategy.ShortWindow != 5 || cfg.Strategy.LongWindow != 20 {
		t.Errorf("strategy windows = %d/%d, want defaults 5/20", cfg.Strategy.ShortWindow, cfg.Strategy.LongWindow)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MARLIN_ACCESS_TOKEN", "env-token")
	t.Setenv("MARLIN_ENV", "LIVE")

	cfg, err := Load(writeTempConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Broker.AccessToken != "env-token" {
		t.Errorf("AccessToken = %q, want env override %q", cfg.Broker.AccessToken, "env-token")
	}
	if cfg.Broker.Environment != "LIVE" {
		t.Errorf("Environment = %q, want env override %q", cfg.Broker.Environment, "LIVE")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "missing base url",
			yaml: `
broker:
  access_token: tok
  account_key: acc
  client_key: cli
trading:
  watchlist:
    - {symbol: AAPL, asset_type: Stock}
`,
		},
		{
			name: "empty watchlist",
			yaml: `
broker:
  base_url: https://x
  access_token: tok
  account_key: acc
  client_key: cli
`,
		},
		{
			name: "bad quantity",
			yaml: minimalYAML + `
  default_quantity: "not-a-number"
`,
		},
		{
			name: "negative quantity",
			yaml: minimalYAML + `
  default_quantity: "-5"
`,
		},
		{
			name: "unknown hours mode",
			yaml: minimalYAML + `
  hours_mode: sometimes
`,
		},
		{
			name: "fixed hours without window",
			yaml: minimalYAML + `
  hours_mode: fixed
`,
		},
		{
			name: "short window not below long window",
			yaml: minimalYAML + `
strategy:
  short_window: 20
  long_window: 20
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, tc.yaml)); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestValidateAllowsMissingTokenInDryRun(t *testing.T) {
	yaml := `
broker:
  base_url: https://gateway.example.com/openapi
  account_key: acc-key
  client_key: cli-key
trading:
  watchlist:
    - {symbol: AAPL, asset_type: Stock, uic: 211}
execution:
  dry_run: true
`
	if _, err := Load(writeTempConfig(t, yaml)); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
}

func TestDurationFieldsParse(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalYAML+`
  cycle_interval: 5m
  max_quote_age: 90s
execution:
  cycle_deadline: 120
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Trading.CycleInterval.Std() != 5*time.Minute {
		t.Errorf("CycleInterval = %v, want 5m", cfg.Trading.CycleInterval)
	}
	if cfg.Trading.MaxQuoteAge.Std() != 90*time.Second {
		t.Errorf("MaxQuoteAge = %v, want 90s", cfg.Trading.MaxQuoteAge)
	}
	// Bare integers are seconds.
	if cfg.Execution.CycleDeadline.Std() != 2*time.Minute {
		t.Errorf("CycleDeadline = %v, want 2m", cfg.Execution.CycleDeadline)
	}

	if _, err := Load(writeTempConfig(t, minimalYAML+`
  cycle_interval: soon
`)); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestDefaultQuantityDecimal(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalYAML+`
  default_quantity: "2.5"
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	qty, err := cfg.DefaultQuantityDecimal()
	if err != nil {
		t.Fatalf("DefaultQuantityDecimal returned error: %v", err)
	}
	if qty.String() != "2.5" {
		t.Errorf("quantity = %s, want 2.5", qty)
	}
}
