package config

import (
	"errors"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Dec is a yaml-decodable arbitrary-precision decimal; rates and leverage
// bounds are written as strings in the config file.
type Dec struct {
	decimal.Decimal
}

func (d *Dec) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return err
	}
	d.Decimal = parsed
	return nil
}

// Wad converts a decimal rate to its 1e18 fixed-point representation.
func (d Dec) Wad() *big.Int {
	return d.Decimal.Mul(decimal.New(1, 18)).Floor().BigInt()
}

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Vault     VaultConfig     `yaml:"vault"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Keeper    KeeperConfig    `yaml:"keeper"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Spot      SpotConfig      `yaml:"spot"`
	Agent     AgentConfig     `yaml:"agent"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type VaultConfig struct {
	ManagementFeeRate     Dec      `yaml:"management_fee_rate"`
	PerformanceFeeRate    Dec      `yaml:"performance_fee_rate"`
	HurdleRate            Dec      `yaml:"hurdle_rate"`
	FeeRecipient          string   `yaml:"fee_recipient"`
	PrioritizedAccounts   []string `yaml:"prioritized_accounts"`
	ReservedExecutionCost string   `yaml:"reserved_execution_cost"`
}

type StrategyConfig struct {
	Asset              string `yaml:"asset"`
	Product            string `yaml:"product"`
	TargetLeverage     Dec    `yaml:"target_leverage"`
	MinLeverage        Dec    `yaml:"min_leverage"`
	MaxLeverage        Dec    `yaml:"max_leverage"`
	SafeMarginLeverage Dec    `yaml:"safe_margin_leverage"`
	MaxUtilizePct      Dec    `yaml:"max_utilize_pct"`
	HedgeDeviationPct  Dec    `yaml:"hedge_deviation_pct"`
}

type KeeperConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MaxIterations int           `yaml:"max_iterations"`
}

type OracleConfig struct {
	WSURL          string        `yaml:"ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Symbols        []string      `yaml:"symbols"`
}

type SpotConfig struct {
	RouterURL string        `yaml:"router_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type AgentConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	Timeout            time.Duration `yaml:"timeout"`
	MinOrderSize       string        `yaml:"min_order_size"`
	CallbackListenAddr string        `yaml:"callback_listen_addr"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Keeper.Interval == 0 {
		cfg.Keeper.Interval = 15 * time.Second
	}
	if cfg.Keeper.MaxIterations == 0 {
		cfg.Keeper.MaxIterations = 10
	}
	if cfg.Oracle.ReconnectDelay == 0 {
		cfg.Oracle.ReconnectDelay = 3 * time.Second
	}
	if cfg.Oracle.PingInterval == 0 {
		cfg.Oracle.PingInterval = 30 * time.Second
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 10 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/basis-vault.db"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Strategy.MaxUtilizePct.IsZero() {
		cfg.Strategy.MaxUtilizePct = Dec{decimal.RequireFromString("0.25")}
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.Asset == "" {
		return errors.New("strategy.asset is required")
	}
	if cfg.Strategy.Product == "" {
		return errors.New("strategy.product is required")
	}
	if cfg.Strategy.TargetLeverage.LessThanOrEqual(decimal.Zero) {
		return errors.New("strategy.target_leverage must be > 0")
	}
	if cfg.Strategy.MinLeverage.GreaterThan(cfg.Strategy.TargetLeverage.Decimal) {
		return errors.New("strategy.min_leverage must not exceed target_leverage")
	}
	if cfg.Strategy.TargetLeverage.GreaterThan(cfg.Strategy.MaxLeverage.Decimal) {
		return errors.New("strategy.target_leverage must not exceed max_leverage")
	}
	if cfg.Strategy.MaxLeverage.GreaterThanOrEqual(cfg.Strategy.SafeMarginLeverage.Decimal) {
		return errors.New("strategy.max_leverage must stay below safe_margin_leverage")
	}
	if cfg.Vault.ManagementFeeRate.IsNegative() || cfg.Vault.PerformanceFeeRate.IsNegative() || cfg.Vault.HurdleRate.IsNegative() {
		return errors.New("vault fee rates must be >= 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
