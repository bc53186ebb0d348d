package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	WeexConfig           WeexConfig           `json:"weex"`
	TradingConfig        TradingConfig        `json:"trading"`
	DecisionConfig       DecisionConfig       `json:"decision"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	ServerConfig         ServerConfig         `json:"server"`
	VaultConfig          VaultConfig          `json:"vault"`
	LoggingConfig        LoggingConfig        `json:"logging"`
}

// WeexConfig holds WEEX contract API settings. Credentials are never read
// from the config file: they come from the environment or Vault only.
type WeexConfig struct {
	APIKey     string `json:"-"`
	SecretKey  string `json:"-"`
	Passphrase string `json:"-"`
	BaseURL    string `json:"base_url"`
}

type TradingConfig struct {
	Analysts                []string `json:"analysts"`
	Symbols                 []string `json:"symbols"`
	InitialBalance          float64  `json:"initial_balance"`
	CycleIntervalSeconds    int      `json:"cycle_interval_seconds"`
	MinTradeIntervalSeconds int      `json:"min_trade_interval_seconds"`
	MaxPositionSizePercent  float64  `json:"max_position_size_percent"`
	MarginSafetyFraction    float64  `json:"margin_safety_fraction"`
	MinBalanceToTrade       float64  `json:"min_balance_to_trade"`
	MinConfidence           float64  `json:"min_confidence"`
	DebateEveryNCycles      int      `json:"debate_every_n_cycles"`
	MaxCloseRetries         int      `json:"max_close_retries"`
	DryRun                  bool     `json:"dry_run"`
}

// CycleInterval returns the configured inter-cycle delay
func (t TradingConfig) CycleInterval() time.Duration {
	return time.Duration(t.CycleIntervalSeconds) * time.Second
}

// MinTradeInterval returns the per-analyst cooldown between trades
func (t TradingConfig) MinTradeInterval() time.Duration {
	return time.Duration(t.MinTradeIntervalSeconds) * time.Second
}

// DecisionConfig holds the external decision/debate provider settings
type DecisionConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"-"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type CircuitBreakerConfig struct {
	BenchmarkSymbol   string   `json:"benchmark_symbol"`
	MajorSymbols      []string `json:"major_symbols"`
	BTCDropYellow     float64  `json:"btc_drop_yellow"`
	BTCDropOrange     float64  `json:"btc_drop_orange"`
	BTCDropRed        float64  `json:"btc_drop_red"`
	FundingRateYellow float64  `json:"funding_rate_yellow"`
	FundingRateOrange float64  `json:"funding_rate_orange"`
	DrawdownYellow    float64  `json:"drawdown_yellow"`
	DrawdownOrange    float64  `json:"drawdown_orange"`
	DrawdownRed       float64  `json:"drawdown_red"`
	ExchangeLatencyMs int64    `json:"exchange_latency_ms"`
	MaxLeverageNone   int      `json:"max_leverage_none"`
	MaxLeverageYellow int      `json:"max_leverage_yellow"`
	MaxLeverageOrange int      `json:"max_leverage_orange"`
	CacheSeconds      int      `json:"cache_seconds"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis settings for the snapshot cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"-"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"` // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// No config file is fine, environment overrides carry the defaults
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Credentials are ONLY readable from the environment (or Vault later),
// never from config.json.
func applyEnvOverrides(cfg *Config) {
	cfg.WeexConfig.APIKey = os.Getenv("WEEX_API_KEY")
	cfg.WeexConfig.SecretKey = os.Getenv("WEEX_SECRET_KEY")
	cfg.WeexConfig.Passphrase = os.Getenv("WEEX_PASSPHRASE")
	cfg.WeexConfig.BaseURL = getEnvOrDefault("WEEX_BASE_URL", defaultString(cfg.WeexConfig.BaseURL, "https://api-contract.weex.com"))

	cfg.TradingConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", strconv.FormatBool(cfg.TradingConfig.DryRun)) == "true"
	cfg.TradingConfig.InitialBalance = getEnvFloatOrDefault("TRADING_INITIAL_BALANCE", defaultFloat(cfg.TradingConfig.InitialBalance, 10000))
	cfg.TradingConfig.CycleIntervalSeconds = getEnvIntOrDefault("TRADING_CYCLE_INTERVAL", defaultInt(cfg.TradingConfig.CycleIntervalSeconds, 300))
	cfg.TradingConfig.MinTradeIntervalSeconds = getEnvIntOrDefault("TRADING_MIN_TRADE_INTERVAL", defaultInt(cfg.TradingConfig.MinTradeIntervalSeconds, 900))
	cfg.TradingConfig.MaxPositionSizePercent = getEnvFloatOrDefault("TRADING_MAX_POSITION_SIZE_PCT", defaultFloat(cfg.TradingConfig.MaxPositionSizePercent, 10))
	cfg.TradingConfig.MarginSafetyFraction = getEnvFloatOrDefault("TRADING_MARGIN_SAFETY_FRACTION", defaultFloat(cfg.TradingConfig.MarginSafetyFraction, 0.8))
	cfg.TradingConfig.MinBalanceToTrade = getEnvFloatOrDefault("TRADING_MIN_BALANCE", defaultFloat(cfg.TradingConfig.MinBalanceToTrade, 100))
	cfg.TradingConfig.MinConfidence = getEnvFloatOrDefault("TRADING_MIN_CONFIDENCE", defaultFloat(cfg.TradingConfig.MinConfidence, 0.6))
	cfg.TradingConfig.DebateEveryNCycles = getEnvIntOrDefault("TRADING_DEBATE_EVERY_N_CYCLES", defaultInt(cfg.TradingConfig.DebateEveryNCycles, 12))
	cfg.TradingConfig.MaxCloseRetries = getEnvIntOrDefault("TRADING_MAX_CLOSE_RETRIES", defaultInt(cfg.TradingConfig.MaxCloseRetries, 3))
	if env := os.Getenv("TRADING_ANALYSTS"); env != "" {
		cfg.TradingConfig.Analysts = splitAndTrim(env)
	}
	if len(cfg.TradingConfig.Analysts) == 0 {
		cfg.TradingConfig.Analysts = []string{"momentum", "contrarian", "macro", "quant"}
	}
	if env := os.Getenv("TRADING_SYMBOLS"); env != "" {
		cfg.TradingConfig.Symbols = splitAndTrim(env)
	}
	if len(cfg.TradingConfig.Symbols) == 0 {
		cfg.TradingConfig.Symbols = []string{"cmt_btcusdt", "cmt_ethusdt", "cmt_solusdt"}
	}

	cfg.DecisionConfig.Enabled = getEnvOrDefault("DECISION_ENABLED", "true") == "true"
	cfg.DecisionConfig.BaseURL = getEnvOrDefault("DECISION_BASE_URL", cfg.DecisionConfig.BaseURL)
	cfg.DecisionConfig.APIKey = os.Getenv("DECISION_API_KEY")
	cfg.DecisionConfig.Model = getEnvOrDefault("DECISION_MODEL", defaultString(cfg.DecisionConfig.Model, "default"))
	cfg.DecisionConfig.TimeoutSeconds = getEnvIntOrDefault("DECISION_TIMEOUT", defaultInt(cfg.DecisionConfig.TimeoutSeconds, 60))

	cfg.CircuitBreakerConfig.BenchmarkSymbol = getEnvOrDefault("CIRCUIT_BENCHMARK_SYMBOL", defaultString(cfg.CircuitBreakerConfig.BenchmarkSymbol, "cmt_btcusdt"))
	if env := os.Getenv("CIRCUIT_MAJOR_SYMBOLS"); env != "" {
		cfg.CircuitBreakerConfig.MajorSymbols = splitAndTrim(env)
	}
	cfg.CircuitBreakerConfig.BTCDropYellow = getEnvFloatOrDefault("CIRCUIT_BTC_DROP_YELLOW", defaultFloat(cfg.CircuitBreakerConfig.BTCDropYellow, 10))
	cfg.CircuitBreakerConfig.BTCDropOrange = getEnvFloatOrDefault("CIRCUIT_BTC_DROP_ORANGE", defaultFloat(cfg.CircuitBreakerConfig.BTCDropOrange, 15))
	cfg.CircuitBreakerConfig.BTCDropRed = getEnvFloatOrDefault("CIRCUIT_BTC_DROP_RED", defaultFloat(cfg.CircuitBreakerConfig.BTCDropRed, 20))
	cfg.CircuitBreakerConfig.FundingRateYellow = getEnvFloatOrDefault("CIRCUIT_FUNDING_YELLOW", defaultFloat(cfg.CircuitBreakerConfig.FundingRateYellow, 0.001))
	cfg.CircuitBreakerConfig.FundingRateOrange = getEnvFloatOrDefault("CIRCUIT_FUNDING_ORANGE", defaultFloat(cfg.CircuitBreakerConfig.FundingRateOrange, 0.003))
	cfg.CircuitBreakerConfig.DrawdownYellow = getEnvFloatOrDefault("CIRCUIT_DRAWDOWN_YELLOW", defaultFloat(cfg.CircuitBreakerConfig.DrawdownYellow, 10))
	cfg.CircuitBreakerConfig.DrawdownOrange = getEnvFloatOrDefault("CIRCUIT_DRAWDOWN_ORANGE", defaultFloat(cfg.CircuitBreakerConfig.DrawdownOrange, 15))
	cfg.CircuitBreakerConfig.DrawdownRed = getEnvFloatOrDefault("CIRCUIT_DRAWDOWN_RED", defaultFloat(cfg.CircuitBreakerConfig.DrawdownRed, 20))
	cfg.CircuitBreakerConfig.ExchangeLatencyMs = int64(getEnvIntOrDefault("CIRCUIT_EXCHANGE_LATENCY_MS", defaultInt(int(cfg.CircuitBreakerConfig.ExchangeLatencyMs), 3000)))
	cfg.CircuitBreakerConfig.MaxLeverageNone = getEnvIntOrDefault("CIRCUIT_MAX_LEVERAGE_NONE", defaultInt(cfg.CircuitBreakerConfig.MaxLeverageNone, 20))
	cfg.CircuitBreakerConfig.MaxLeverageYellow = getEnvIntOrDefault("CIRCUIT_MAX_LEVERAGE_YELLOW", defaultInt(cfg.CircuitBreakerConfig.MaxLeverageYellow, 10))
	cfg.CircuitBreakerConfig.MaxLeverageOrange = getEnvIntOrDefault("CIRCUIT_MAX_LEVERAGE_ORANGE", defaultInt(cfg.CircuitBreakerConfig.MaxLeverageOrange, 5))
	cfg.CircuitBreakerConfig.CacheSeconds = getEnvIntOrDefault("CIRCUIT_CACHE_SECONDS", defaultInt(cfg.CircuitBreakerConfig.CacheSeconds, 30))

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = os.Getenv("DB_PASSWORD")
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "weex_arena"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", strconv.FormatBool(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = os.Getenv("REDIS_PASSWORD")
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = os.Getenv("VAULT_TOKEN")
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.VaultConfig.SecretPath, "weex-arena/api-keys"))

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

func (c *Config) validate() error {
	cb := c.CircuitBreakerConfig
	if !(cb.BTCDropYellow < cb.BTCDropOrange && cb.BTCDropOrange < cb.BTCDropRed) {
		return fmt.Errorf("circuit breaker benchmark-drop thresholds must be strictly increasing: %v < %v < %v",
			cb.BTCDropYellow, cb.BTCDropOrange, cb.BTCDropRed)
	}
	if !(cb.DrawdownYellow < cb.DrawdownOrange && cb.DrawdownOrange < cb.DrawdownRed) {
		return fmt.Errorf("circuit breaker drawdown thresholds must be strictly increasing: %v < %v < %v",
			cb.DrawdownYellow, cb.DrawdownOrange, cb.DrawdownRed)
	}
	if cb.FundingRateYellow >= cb.FundingRateOrange {
		return fmt.Errorf("circuit breaker funding thresholds must be strictly increasing: %v < %v",
			cb.FundingRateYellow, cb.FundingRateOrange)
	}
	t := c.TradingConfig
	if t.MarginSafetyFraction <= 0 || t.MarginSafetyFraction > 1 {
		return fmt.Errorf("margin safety fraction must be in (0, 1], got %v", t.MarginSafetyFraction)
	}
	if t.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("cycle interval must be positive, got %d", t.CycleIntervalSeconds)
	}
	if t.InitialBalance <= 0 {
		return fmt.Errorf("initial balance must be positive, got %v", t.InitialBalance)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func defaultInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func defaultFloat(value, fallback float64) float64 {
	if value != 0 {
		return value
	}
	return fallback
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
