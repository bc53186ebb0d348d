package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if len(cfg.TradingConfig.Analysts) == 0 {
		t.Error("expected default analysts")
	}
	if len(cfg.TradingConfig.Symbols) == 0 {
		t.Error("expected default symbols")
	}
	if cfg.WeexConfig.BaseURL == "" {
		t.Error("expected a default exchange base URL")
	}
}

func TestValidateRejectsNonMonotonicThresholds(t *testing.T) {
	cfg := validConfig()
	cfg.CircuitBreakerConfig.BTCDropOrange = cfg.CircuitBreakerConfig.BTCDropRed + 1
	if err := cfg.validate(); err == nil {
		t.Error("expected error for orange above red")
	}

	cfg = validConfig()
	cfg.CircuitBreakerConfig.DrawdownYellow = cfg.CircuitBreakerConfig.DrawdownOrange
	if err := cfg.validate(); err == nil {
		t.Error("expected error for equal drawdown thresholds")
	}
}

func TestValidateRejectsBadMarginSafetyFraction(t *testing.T) {
	for _, v := range []float64{0, -0.5, 1.5} {
		cfg := validConfig()
		cfg.TradingConfig.MarginSafetyFraction = v
		if err := cfg.validate(); err == nil {
			t.Errorf("expected error for margin safety fraction %v", v)
		}
	}
}

func TestEnvOverridesCredentialsAndLists(t *testing.T) {
	t.Setenv("WEEX_API_KEY", "key-from-env")
	t.Setenv("WEEX_SECRET_KEY", "secret-from-env")
	t.Setenv("TRADING_ANALYSTS", "alpha, beta ,gamma")
	t.Setenv("TRADING_DRY_RUN", "true")

	cfg := &Config{}
	applyEnvOverrides(cfg)

	if cfg.WeexConfig.APIKey != "key-from-env" {
		t.Error("api key not read from environment")
	}
	if !cfg.TradingConfig.DryRun {
		t.Error("dry run flag not read from environment")
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(cfg.TradingConfig.Analysts) != len(want) {
		t.Fatalf("expected %d analysts, got %v", len(want), cfg.TradingConfig.Analysts)
	}
	for i, a := range want {
		if cfg.TradingConfig.Analysts[i] != a {
			t.Errorf("analyst[%d] = %q, want %q", i, cfg.TradingConfig.Analysts[i], a)
		}
	}
}

func TestCredentialsNeverSerializedToJSON(t *testing.T) {
	// Field tags keep key material out of any marshaled config
	cfg := validConfig()
	cfg.WeexConfig.APIKey = "leaked-api-key"
	cfg.WeexConfig.SecretKey = "leaked-secret"
	cfg.WeexConfig.Passphrase = "leaked-passphrase"
	cfg.DatabaseConfig.Password = "leaked-db-password"
	cfg.RedisConfig.Password = "leaked-redis-password"
	cfg.VaultConfig.Token = "leaked-vault-token"
	cfg.DecisionConfig.APIKey = "leaked-decision-key"

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(data), "leaked") {
		t.Errorf("credential material leaked into serialized config: %s", data)
	}
}

func TestIntervalHelpers(t *testing.T) {
	tc := TradingConfig{CycleIntervalSeconds: 300, MinTradeIntervalSeconds: 900}
	if tc.CycleInterval() != 5*time.Minute {
		t.Errorf("CycleInterval() = %v, want 5m", tc.CycleInterval())
	}
	if tc.MinTradeInterval() != 15*time.Minute {
		t.Errorf("MinTradeInterval() = %v, want 15m", tc.MinTradeInterval())
	}
}
