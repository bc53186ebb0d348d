package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"weex-arena-bot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool
func NewDB(cfg Config, logger *logging.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("connected to PostgreSQL", "database", cfg.Database)
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS portfolios (
			id SERIAL PRIMARY KEY,
			analyst_id VARCHAR(64) NOT NULL UNIQUE,
			balance DECIMAL(20, 8) NOT NULL,
			initial_balance DECIMAL(20, 8) NOT NULL,
			total_trades INTEGER NOT NULL DEFAULT 0,
			won_trades INTEGER NOT NULL DEFAULT 0,
			total_value DECIMAL(20, 8) NOT NULL,
			return_pct DECIMAL(10, 4) NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			portfolio_id INTEGER NOT NULL REFERENCES portfolios(id),
			analyst_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(16) NOT NULL,
			size DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			order_id VARCHAR(64),
			status VARCHAR(20) NOT NULL DEFAULT 'EXECUTED',
			executed_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_analyst ON trades(analyst_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades(executed_at)`,

		`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
			id SERIAL PRIMARY KEY,
			total_value DECIMAL(20, 8) NOT NULL,
			taken_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON portfolio_snapshots(taken_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
