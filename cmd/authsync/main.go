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

	"github.com/msa-sandbox/crm/pkg/config"
	"github.com/msa-sandbox/crm/pkg/hardening"
	"github.com/msa-sandbox/crm/pkg/health"
	"github.com/msa-sandbox/crm/pkg/logging"
	"github.com/msa-sandbox/crm/pkg/metrics"
	"github.com/msa-sandbox/crm/pkg/statebus"
	"github.com/msa-sandbox/crm/pkg/store"
	"github.com/msa-sandbox/crm/pkg/telemetry"
)

const serviceName = "crm-authsync"

type syncDeps struct {
	initTelemetry func(context.Context, telemetry.Config, *slog.Logger) (func(context.Context) error, error)
	openRedis     func(context.Context, store.RedisConfig) (redis.UniversalClient, error)
	connect       func(context.Context, statebus.KafkaConfig, *slog.Logger) (statebus.Source, error)
	listen        func(*http.Server) error
	stdout        io.Writer
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	osArgs    = func() []string { return os.Args[1:] }
	deps      syncDeps
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runAuthSync(ctx, osArgs(), deps); err != nil {
		logFatalf("authsync: %v", err)
	}
}

func (d syncDeps) withDefaults() syncDeps {
	if d.initTelemetry == nil {
		d.initTelemetry = telemetry.Init
	}
	if d.openRedis == nil {
		d.openRedis = func(ctx context.Context, cfg store.RedisConfig) (redis.UniversalClient, error) {
			return store.NewRedis(ctx, cfg)
		}
	}
	if d.connect == nil {
		d.connect = func(ctx context.Context, cfg statebus.KafkaConfig, logger *slog.Logger) (statebus.Source, error) {
			return statebus.Connect(ctx, cfg, logger)
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

// runAuthSync consumes permission-change events into the invalidation store until ctx is
// cancelled or the consumer cannot make progress.
func runAuthSync(ctx context.Context, args []string, d syncDeps) error {
	d = d.withDefaults()

	flags := pflag.NewFlagSet("authsync", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a config file (yaml, json or toml)")
	replay := flags.Bool("replay-24h", false, "re-read the retained topic from the earliest offset without committing")
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

	if err := hardening.ValidateProduction(cfg.Hardening(serviceName, false)); err != nil {
		return err
	}
	shutdownTracing, err := d.initTelemetry(ctx, cfg.TelemetrySettings(serviceName), logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	rdb, err := d.openRedis(ctx, cfg.StoreRedis())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	if *replay {
		logger.Info("replay mode: reading retained events from the earliest offset, offsets are not committed")
	}
	source, err := d.connect(ctx, cfg.KafkaSource(*replay), logger)
	if err != nil {
		return fmt.Errorf("connect kafka: %w", err)
	}
	defer source.Close()

	reg := metrics.NewRegistry()
	consumer := statebus.NewConsumer(source, store.NewRedisInvalidations(rdb, cfg.StoreInvalidations()),
		cfg.ConsumerSettings(), logger, reg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return consumer.Run(gctx)
	})
	if cfg.Consumer.MetricsAddr != "" {
		checker := health.NewChecker(0).
			Add("redis", health.RedisCheck(rdb)).
			Add("kafka", health.KafkaCheck(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", reg.Handler())
		mux.Handle("GET /health", checker.Handler())
		server := &http.Server{
			Addr:              cfg.Consumer.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
			IdleTimeout:       cfg.HTTP.IdleTimeout,
		}
		g.Go(func() error {
			if err := d.listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return server.Shutdown(shutdownCtx)
		})
	}
	logger.Info("auth consumer started",
		"topic", cfg.Kafka.Topic,
		"group_id", cfg.Kafka.GroupID,
		"metrics_addr", cfg.Consumer.MetricsAddr,
		"replay", *replay,
	)
	if err := g.Wait(); err != nil {
		logger.Error("auth consumer stopped", "error", err)
		return err
	}
	logger.Info("auth consumer stopped")
	return nil
}
