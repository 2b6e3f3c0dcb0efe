// Package config loads simulation settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/papertrade/sim-engine/internal/rules"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid settings")

type RiskConfig struct {
	MaxPositions int     `yaml:"max_positions" json:"max_positions"`
	MinCashPct   float64 `yaml:"min_cash_pct" json:"min_cash_pct"`
}

type ExecutionConfig struct {
	SlippageBps   float64 `yaml:"slippage_bps" json:"slippage_bps"`
	CommissionUSD float64 `yaml:"commission_usd" json:"commission_usd"`
	MinOrderUSD   float64 `yaml:"min_order_usd" json:"min_order_usd"`
}

type LimitsConfig struct {
	MaxOrdersPerDay          int `yaml:"max_orders_per_day" json:"max_orders_per_day"`
	CooldownMinutesAfterExit int `yaml:"cooldown_minutes_after_exit" json:"cooldown_minutes_after_exit"`
}

// LLMConfig carries proposal-layer settings. The engine does not enforce
// the expected-return gate; it is exposed for callers.
type LLMConfig struct {
	ExpectedReturnGatePct float64 `yaml:"expected_return_gate_pct" json:"expected_return_gate_pct"`
}

type ServerConfig struct {
	Port         string  `yaml:"port" json:"port"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_burst" json:"rate_burst"`
}

// StorageConfig holds connection strings. Never serialised to clients.
type StorageConfig struct {
	DatabaseURL        string `yaml:"database_url" json:"-"`
	RedisURL           string `yaml:"redis_url" json:"-"`
	RedisTTLSeconds    int    `yaml:"redis_ttl_seconds" json:"-"`
	ClickHouseDSN      string `yaml:"clickhouse_dsn" json:"-"`
	ClickHouseDatabase string `yaml:"clickhouse_database" json:"-"`
	ClickHouseTable    string `yaml:"clickhouse_table" json:"-"`
	PricesDir          string `yaml:"prices_dir" json:"-"`
}

// Settings is the full simulation configuration.
type Settings struct {
	InitialCashUSD float64         `yaml:"initial_cash_usd" json:"initial_cash_usd"`
	Timezone       string          `yaml:"timezone" json:"timezone"`
	LogLevel       string          `yaml:"log_level" json:"log_level"`
	Risk           RiskConfig      `yaml:"risk" json:"risk"`
	Execution      ExecutionConfig `yaml:"execution" json:"execution"`
	Limits         LimitsConfig    `yaml:"limits" json:"limits"`
	LLM            LLMConfig       `yaml:"llm" json:"llm"`
	Server         ServerConfig    `yaml:"server" json:"server"`
	Storage        StorageConfig   `yaml:"storage" json:"-"`
}

// Default returns the shipped settings.
func Default() Settings {
	return Settings{
		InitialCashUSD: 100000,
		Timezone:       "America/New_York",
		LogLevel:       "info",
		Risk: RiskConfig{
			MaxPositions: 15,
			MinCashPct:   0.05,
		},
		Execution: ExecutionConfig{
			SlippageBps:   2,
			CommissionUSD: 10,
			MinOrderUSD:   1000,
		},
		Limits: LimitsConfig{
			MaxOrdersPerDay:          10,
			CooldownMinutesAfterExit: 60,
		},
		LLM: LLMConfig{ExpectedReturnGatePct: 0.05},
		Server: ServerConfig{
			Port:         "8080",
			RateLimitRPS: 20,
			RateBurst:    40,
		},
		Storage: StorageConfig{
			RedisTTLSeconds:    30,
			ClickHouseDatabase: "backtest",
			ClickHouseTable:    "data",
			PricesDir:          "data/prices",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path falls back to $SIM_CONFIG; when both are empty only
// defaults and environment are used.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		path = os.Getenv("SIM_CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	s.ApplyEnv(os.Getenv)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ApplyEnv overrides connection and runtime settings from the environment.
func (s *Settings) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&s.Server.Port, "PORT")
	set(&s.Storage.DatabaseURL, "DATABASE_URL")
	set(&s.Storage.RedisURL, "REDIS_URL")
	set(&s.Storage.ClickHouseDSN, "CLICKHOUSE_DSN")
	set(&s.Storage.PricesDir, "PRICES_DIR")
	set(&s.LogLevel, "LOG_LEVEL")
}

// Validate rejects values the engines cannot run with.
func (s Settings) Validate() error {
	var errs []string
	if s.InitialCashUSD < 0 {
		errs = append(errs, "initial_cash_usd must not be negative")
	}
	if s.Execution.SlippageBps < 0 {
		errs = append(errs, "execution.slippage_bps must not be negative")
	}
	if s.Execution.CommissionUSD < 0 {
		errs = append(errs, "execution.commission_usd must not be negative")
	}
	if s.Server.RateLimitRPS < 0 || s.Server.RateBurst < 0 {
		errs = append(errs, "server rate limit must not be negative")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q: %v", s.Timezone, err))
	}
	if _, err := parseLevel(s.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.RuleLimits().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// RuleLimits converts the risk and limit sections for the admission gate.
func (s Settings) RuleLimits() rules.Limits {
	return rules.Limits{
		MaxOrdersPerDay:   s.Limits.MaxOrdersPerDay,
		CooldownAfterExit: time.Duration(s.Limits.CooldownMinutesAfterExit) * time.Minute,
		MinOrderUSD:       decimal.NewFromFloat(s.Execution.MinOrderUSD),
		MinCashPct:        decimal.NewFromFloat(s.Risk.MinCashPct),
		MaxPositions:      s.Risk.MaxPositions,
		CommissionUSD:     s.CommissionUSD(),
	}
}

func (s Settings) InitialCash() decimal.Decimal {
	return decimal.NewFromFloat(s.InitialCashUSD)
}

func (s Settings) SlippageBps() decimal.Decimal {
	return decimal.NewFromFloat(s.Execution.SlippageBps)
}

func (s Settings) CommissionUSD() decimal.Decimal {
	return decimal.NewFromFloat(s.Execution.CommissionUSD)
}

// Location is the trading-day timezone. Falls back to UTC if Timezone does
// not load; Validate reports that case.
func (s Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RedisTTL is the cache entry lifetime.
func (s Settings) RedisTTL() time.Duration {
	return time.Duration(s.Storage.RedisTTLSeconds) * time.Second
}

// SlogLevel maps LogLevel to a slog level.
func (s Settings) SlogLevel() slog.Level {
	lvl, err := parseLevel(s.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
