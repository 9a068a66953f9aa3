package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresRetryDelay   = 2 * time.Second
	postgresPingTimeout  = 2 * time.Second
	postgresSleep        = time.Sleep
)

// PostgresConfig describes the entity database. This service only pings it for /health.
type PostgresConfig struct {
	DSN            string
	RequireTLS     bool
	MaxConns       int32
	ConnectRetries int
}

func NewPostgresPool(ctx context.Context, c PostgresConfig) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(c.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	if c.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	cfg.MinConns = 0
	cfg.MaxConnIdleTime = time.Minute * 5
	retries := c.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			postgresSleep(postgresRetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid database dsn: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("database.require_tls=true but dsn sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("database.require_tls=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
