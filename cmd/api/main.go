package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/msa-sandbox/crm/pkg/auth"
	"github.com/msa-sandbox/crm/pkg/config"
	"github.com/msa-sandbox/crm/pkg/hardening"
	"github.com/msa-sandbox/crm/pkg/health"
	"github.com/msa-sandbox/crm/pkg/logging"
	"github.com/msa-sandbox/crm/pkg/metrics"
	"github.com/msa-sandbox/crm/pkg/ratelimit"
	"github.com/msa-sandbox/crm/pkg/store"
	"github.com/msa-sandbox/crm/pkg/telemetry"
)

const serviceName = "crm-api"

type dbPool interface {
	Ping(ctx context.Context) error
	Close()
}

type apiDeps struct {
	initTelemetry func(context.Context, telemetry.Config, *slog.Logger) (func(context.Context) error, error)
	openRedis     func(context.Context, store.RedisConfig) (redis.UniversalClient, error)
	openDB        func(context.Context, store.PostgresConfig) (dbPool, error)
	listen        func(*http.Server) error
	stdout        io.Writer
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	osArgs    = func() []string { return os.Args[1:] }
	deps      apiDeps
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runAPI(ctx, osArgs(), deps); err != nil {
		logFatalf("api: %v", err)
	}
}

func (d apiDeps) withDefaults() apiDeps {
	if d.initTelemetry == nil {
		d.initTelemetry = telemetry.Init
	}
	if d.openRedis == nil {
		d.openRedis = func(ctx context.Context, cfg store.RedisConfig) (redis.UniversalClient, error) {
			return store.NewRedis(ctx, cfg)
		}
	}
	if d.openDB == nil {
		d.openDB = func(ctx context.Context, cfg store.PostgresConfig) (dbPool, error) {
			return store.NewPostgresPool(ctx, cfg)
		}
	}
	if d.listen == nil {
		d.listen = func(server *http.Server) error { return server.ListenAndServe() }
	}
	if d.stdout == nil {
		d.stdout = os.Stdout
	}
	return d
}

func runAPI(ctx context.Context, args []string, d apiDeps) error {
	d = d.withDefaults()

	flags := pflag.NewFlagSet("api", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a config file (yaml, json or toml)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(logging.Config(cfg.Log), serviceName, d.stdout)
	if err != nil {
		return err
	}
	defer closeLog.Close()

	if err := hardening.ValidateProduction(cfg.Hardening(serviceName, true)); err != nil {
		return err
	}

	shutdownTracing, err := d.initTelemetry(ctx, cfg.TelemetrySettings(serviceName), logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	codec, err := newCodec(cfg.JWT)
	if err != nil {
		return err
	}
	mode, err := auth.ParseFreshnessMode(cfg.Auth.FreshnessMode)
	if err != nil {
		return err
	}

	rdb, err := d.openRedis(ctx, cfg.StoreRedis())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	reg := metrics.NewRegistry()
	guard := &auth.FreshnessGuard{
		Store:    store.NewRedisInvalidations(rdb, cfg.StoreInvalidations()),
		Mode:     mode,
		FailOpen: cfg.Auth.FailOpen,
		Logger:   logger,
		OnLookup: reg.ObserveFreshnessLookup,
	}
	mw := &auth.Middleware{
		Verifier:  codec,
		AccountID: cfg.Auth.AccountID,
		Guard:     guard,
		Logger:    logger,
		OnReject:  reg.IncAuthRejection,
	}

	checker := health.NewChecker(0).
		Add("redis", health.RedisCheck(rdb)).
		Add("kafka", health.KafkaCheck(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	if cfg.Database.DSN != "" {
		db, err := d.openDB(ctx, cfg.StorePostgres())
		if err != nil {
			logger.Warn("database unavailable at startup", "error", err)
			checker.Add("database", func(context.Context) error { return err })
		} else {
			defer db.Close()
			checker.Add("database", health.DatabaseCheck(db))
		}
	}

	app := &application{
		logger:      logger,
		auth:        mw,
		limiter:     newLimiter(cfg.RateLimit, rdb, logger),
		limit:       cfg.RateLimit.Limit,
		metrics:     reg,
		health:      checker.Handler(),
		corsOrigins: cfg.HTTP.CORSAllowedOrigins,
		maxBody:     cfg.HTTP.MaxRequestBodyBytes,
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           telemetry.HTTPMiddleware(serviceName)(app.routes()),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	logger.Info("api listening",
		"addr", cfg.HTTP.Addr,
		"freshness_mode", string(mode),
		"fail_open", cfg.Auth.FailOpen,
		"rate_limit", cfg.RateLimit.Enabled,
	)
	return serve(ctx, server, d.listen, cfg.HTTP.ShutdownTimeout, logger)
}

// serve runs the listener until it fails or ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, listen func(*http.Server) error, grace time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), grace)
		defer done()
		logger.Info("api shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newCodec(c config.JWTConfig) (*auth.Codec, error) {
	cc := auth.CodecConfig{
		Algorithm: c.Algorithm,
		Issuer:    c.Issuer,
		Audience:  c.Audience,
		Leeway:    c.Leeway,
	}
	if c.Algorithm == auth.AlgRS256 {
		pem, err := os.ReadFile(c.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		cc.PublicKeyPEM = pem
	} else {
		cc.Secret = []byte(c.Secret)
	}
	return auth.NewCodec(cc)
}

func newLimiter(c config.RateLimitConfig, rdb redis.UniversalClient, logger *slog.Logger) ratelimit.Limiter {
	if !c.Enabled {
		return nil
	}
	if c.Backend == "redis" {
		l := ratelimit.NewRedis(rdb, c.Window)
		l.Logger = logger
		return l
	}
	return ratelimit.NewInMemory(c.Window)
}
