package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"weex-arena-bot/config"
	"weex-arena-bot/internal/api"
	"weex-arena-bot/internal/circuit"
	"weex-arena-bot/internal/database"
	"weex-arena-bot/internal/decision"
	"weex-arena-bot/internal/engine"
	"weex-arena-bot/internal/events"
	"weex-arena-bot/internal/logging"
	"weex-arena-bot/internal/vault"
	"weex-arena-bot/internal/weex"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize event bus
	eventBus := events.NewBus()

	// Resolve exchange credentials: Vault when enabled, environment otherwise
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal("Failed to create vault client", "error", err)
	}
	credCtx, credCancel := context.WithTimeout(context.Background(), 10*time.Second)
	creds, err := vaultClient.GetCredentials(credCtx, weex.Credentials{
		APIKey:     cfg.WeexConfig.APIKey,
		SecretKey:  cfg.WeexConfig.SecretKey,
		Passphrase: cfg.WeexConfig.Passphrase,
	})
	credCancel()
	if err != nil {
		logger.Fatal("Failed to resolve exchange credentials", "error", err)
	}
	logger.Info("Exchange credentials resolved", "vault", vaultClient.IsEnabled())

	// Exchange gateway
	exchange := weex.NewClient(creds, cfg.WeexConfig.BaseURL, weex.DefaultRateLimits(), logger)
	logger.Info("Exchange gateway initialized", "base_url", cfg.WeexConfig.BaseURL)

	// Database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("Failed to run migrations", "error", err)
	}
	migrateCancel()
	repo := database.NewRepository(db)

	// Redis snapshot cache (optional, memory fallback otherwise)
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
	}
	snapshots := database.NewSnapshotStore(redisClient, zlog)

	// Circuit breaker
	thresholds := circuit.Thresholds{
		BTCDropYellow:     cfg.CircuitBreakerConfig.BTCDropYellow,
		BTCDropOrange:     cfg.CircuitBreakerConfig.BTCDropOrange,
		BTCDropRed:        cfg.CircuitBreakerConfig.BTCDropRed,
		FundingRateYellow: cfg.CircuitBreakerConfig.FundingRateYellow,
		FundingRateOrange: cfg.CircuitBreakerConfig.FundingRateOrange,
		DrawdownYellow:    cfg.CircuitBreakerConfig.DrawdownYellow,
		DrawdownOrange:    cfg.CircuitBreakerConfig.DrawdownOrange,
		DrawdownRed:       cfg.CircuitBreakerConfig.DrawdownRed,
		ExchangeLatencyMs: cfg.CircuitBreakerConfig.ExchangeLatencyMs,
		MaxLeverageNone:   cfg.CircuitBreakerConfig.MaxLeverageNone,
		MaxLeverageYellow: cfg.CircuitBreakerConfig.MaxLeverageYellow,
		MaxLeverageOrange: cfg.CircuitBreakerConfig.MaxLeverageOrange,
		CacheWindow:       time.Duration(cfg.CircuitBreakerConfig.CacheSeconds) * time.Second,
		BenchmarkSymbol:   cfg.CircuitBreakerConfig.BenchmarkSymbol,
		MajorSymbols:      cfg.CircuitBreakerConfig.MajorSymbols,
		InitialBalance:    cfg.TradingConfig.InitialBalance * float64(len(cfg.TradingConfig.Analysts)),
	}
	if len(thresholds.MajorSymbols) == 0 {
		thresholds.MajorSymbols = cfg.TradingConfig.Symbols
	}
	portfolioSource := engine.NewPortfolioSource(repo, snapshots)
	breaker := circuit.NewBreaker(exchange, portfolioSource, thresholds, eventBus, logger)

	// Decision provider
	var provider engine.DecisionProvider
	if cfg.DecisionConfig.Enabled && cfg.DecisionConfig.BaseURL != "" {
		provider = decision.NewClient(&decision.ClientConfig{
			BaseURL: cfg.DecisionConfig.BaseURL,
			APIKey:  cfg.DecisionConfig.APIKey,
			Model:   cfg.DecisionConfig.Model,
			Timeout: time.Duration(cfg.DecisionConfig.TimeoutSeconds) * time.Second,
		}, logger)
		logger.Info("Decision provider configured", "model", cfg.DecisionConfig.Model)
	} else {
		logger.Warn("Decision provider disabled, engine will observe but not trade")
	}

	// Trading engine
	tradingEngine := engine.NewEngine(
		exchange, breaker, provider, repo, snapshots,
		cfg.TradingConfig, engine.ActivityPolicy{}, eventBus, logger,
	)
	if err := tradingEngine.Start(); err != nil {
		logger.Fatal("Failed to start trading engine", "error", err)
	}

	// Status server
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, tradingEngine, breaker, exchange.RateLimiter(), repo, eventBus, zlog)
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start status server", "error", err)
		}
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	tradingEngine.Stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Status server shutdown failed", "error", err)
		}
		cancel()
	}
	if redisClient != nil {
		redisClient.Close()
	}

	logger.Info("Shutdown complete")
}
