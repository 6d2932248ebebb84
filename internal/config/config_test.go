package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
strategy:
  asset: USDC
  product: BTC
  target_leverage: "2"
  min_leverage: "1.5"
  max_leverage: "2.5"
  safe_margin_leverage: "5"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.Keeper.Interval != 15*time.Second {
		t.Fatalf("keeper interval = %s, want 15s", cfg.Keeper.Interval)
	}
	if cfg.Keeper.MaxIterations != 10 {
		t.Fatalf("keeper max iterations = %d, want 10", cfg.Keeper.MaxIterations)
	}
	if cfg.State.SQLitePath != "data/basis-vault.db" {
		t.Fatalf("sqlite path = %q", cfg.State.SQLitePath)
	}
	if got := cfg.Strategy.MaxUtilizePct.String(); got != "0.25" {
		t.Fatalf("max utilize pct = %s, want 0.25", got)
	}
	if cfg.Agent.Timeout != 10*time.Second {
		t.Fatalf("agent timeout = %s, want 10s", cfg.Agent.Timeout)
	}
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log:
  level: debug
vault:
  management_fee_rate: "0.02"
  performance_fee_rate: "0.2"
  hurdle_rate: "0.05"
  fee_recipient: "0x00000000000000000000000000000000000000fe"
  prioritized_accounts:
    - "0x0000000000000000000000000000000000000001"
  reserved_execution_cost: "250"
strategy:
  asset: USDC
  product: BTC
  target_leverage: "2"
  min_leverage: "1.5"
  max_leverage: "2.5"
  safe_margin_leverage: "5"
  max_utilize_pct: "0.5"
  hedge_deviation_pct: "0.05"
keeper:
  interval: 30s
  max_iterations: 4
timescale:
  enabled: true
  dsn: "postgres://keeper@localhost:5432/telemetry"
telegram:
  enabled: true
  token: "t0ken"
  chat_id: "-100123"
  operator_enabled: true
  operator_allowed_user_ids: [42, 99]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if got := cfg.Vault.ManagementFeeRate.String(); got != "0.02" {
		t.Fatalf("management fee = %s", got)
	}
	if cfg.Keeper.Interval != 30*time.Second {
		t.Fatalf("keeper interval = %s", cfg.Keeper.Interval)
	}
	if got := cfg.Strategy.MaxUtilizePct.String(); got != "0.5" {
		t.Fatalf("max utilize pct = %s, want explicit 0.5", got)
	}
	if len(cfg.Telegram.OperatorAllowedUserIDs) != 2 || cfg.Telegram.OperatorAllowedUserIDs[1] != 99 {
		t.Fatalf("operator allow-list = %v", cfg.Telegram.OperatorAllowedUserIDs)
	}
}

func TestLoadValidatesLeverageBand(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing asset",
			body: strings.Replace(minimalConfig, "asset: USDC", "asset: \"\"", 1),
			want: "strategy.asset",
		},
		{
			name: "min above target",
			body: strings.Replace(minimalConfig, `min_leverage: "1.5"`, `min_leverage: "3"`, 1),
			want: "min_leverage",
		},
		{
			name: "target above max",
			body: strings.Replace(minimalConfig, `max_leverage: "2.5"`, `max_leverage: "1.8"`, 1),
			want: "max_leverage",
		},
		{
			name: "max at safe margin",
			body: strings.Replace(minimalConfig, `safe_margin_leverage: "5"`, `safe_margin_leverage: "2.5"`, 1),
			want: "safe_margin_leverage",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadRequiresTimescaleDSN(t *testing.T) {
	body := minimalConfig + `
timescale:
  enabled: true
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for enabled timescale without dsn")
	}
}

func TestDecWad(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
vault:
  management_fee_rate: "0.02"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	if got := cfg.Vault.ManagementFeeRate.Wad(); got.Cmp(want) != 0 {
		t.Fatalf("wad = %s, want %s", got, want)
	}
}
