package statebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msa-sandbox/crm/pkg/metrics"
	"github.com/msa-sandbox/crm/pkg/store"
)

// InvalidationWriter is the part of the store the consumer needs.
type InvalidationWriter interface {
	Set(ctx context.Context, userID, invalidatedAt int64, ttl time.Duration) error
}

type ConsumerConfig struct {
	PollTimeout  time.Duration
	ErrorBackoff time.Duration
	// WriteRetryMax bounds how long one failed store write is retried before Run gives up.
	WriteRetryMax time.Duration
	// WriteRetryTries caps attempts per message; zero means bounded by WriteRetryMax only.
	WriteRetryTries uint
	TTL             time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 500 * time.Millisecond
	}
	if c.WriteRetryMax <= 0 {
		c.WriteRetryMax = time.Minute
	}
	if c.TTL <= 0 {
		c.TTL = store.InvalidationTTL
	}
	return c
}

// Consumer applies permission-change events to the invalidation store. It is the only writer.
type Consumer struct {
	source  Source
	store   InvalidationWriter
	cfg     ConsumerConfig
	logger  *slog.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer

	newBackOff func() backoff.BackOff
}

func NewConsumer(source Source, w InvalidationWriter, cfg ConsumerConfig, logger *slog.Logger, reg *metrics.Registry) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		source:  source,
		store:   w,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: reg,
		tracer:  otel.Tracer("github.com/msa-sandbox/crm/pkg/statebus"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// Run polls the source until ctx is cancelled, which returns nil. It returns an error when the
// source closes underneath it or a store write cannot be completed; the failed message stays
// uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", "poll_timeout", c.cfg.PollTimeout.String())
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping")
			return nil
		}
		msg, err := c.source.Fetch(ctx, c.cfg.PollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrPollTimeout):
			continue
		case ctx.Err() != nil:
			continue
		case errors.Is(err, ErrSourceClosed):
			return err
		default:
			c.logger.Warn("kafka stream error", "error", err)
			c.metrics.IncEvent(metrics.OutcomeStreamError)
			sleepCtx(ctx, c.cfg.ErrorBackoff)
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping before commit", "partition", msg.Partition, "offset", msg.Offset)
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message) error {
	spanCtx, span := c.tracer.Start(ctx, "statebus.apply", trace.WithAttributes(
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int("messaging.partition", msg.Partition),
		attribute.Int64("messaging.offset", msg.Offset),
	))
	defer span.End()

	inv, err := DecodeEvent(msg.Value)
	if err != nil {
		outcome := metrics.OutcomeMalformed
		if errors.Is(err, ErrUnknownEventType) {
			outcome = metrics.OutcomeIgnored
		}
		c.logger.Warn("skipping event",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"payload", string(msg.Value),
		)
		c.metrics.IncEvent(outcome)
		span.SetAttributes(attribute.String("statebus.outcome", outcome))
		c.commit(spanCtx, msg)
		return nil
	}
	span.SetAttributes(attribute.Int64("crm.user_id", inv.UserID))

	if err := c.write(ctx, inv); err != nil {
		c.metrics.IncEvent(metrics.OutcomeWriteFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store write failed")
		c.logger.Error("store write failed, message left uncommitted",
			"error", err,
			"user_id", inv.UserID,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return fmt.Errorf("apply invalidation for user %d at offset %d: %w", inv.UserID, msg.Offset, err)
	}
	c.metrics.IncEvent(metrics.OutcomeApplied)
	span.SetAttributes(attribute.String("statebus.outcome", metrics.OutcomeApplied))
	c.logger.Info("stored user invalidation",
		"user_id", inv.UserID,
		"invalidated_at", inv.InvalidatedAt,
		"invalidated_at_readable", time.Unix(inv.InvalidatedAt, 0).UTC().Format(time.RFC3339),
	)
	c.commit(spanCtx, msg)
	return nil
}

// write makes the first attempt on a context detached from cancellation so a stop signal
// never interrupts it. Retries honour ctx.
func (c *Consumer) write(ctx context.Context, inv store.Invalidation) error {
	err := c.store.Set(context.WithoutCancel(ctx), inv.UserID, inv.InvalidatedAt, c.cfg.TTL)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrStoreUnavailable) {
		return err
	}
	c.logger.Warn("store write failed, retrying", "user_id", inv.UserID, "error", err)

	opts := []backoff.RetryOption{
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxElapsedTime(c.cfg.WriteRetryMax),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("store write retry scheduled", "user_id", inv.UserID, "error", err, "in", next.String())
		}),
	}
	if c.cfg.WriteRetryTries > 0 {
		opts = append(opts, backoff.WithMaxTries(c.cfg.WriteRetryTries))
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.store.Set(ctx, inv.UserID, inv.InvalidatedAt, c.cfg.TTL); err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, opts...)
	return err
}

func (c *Consumer) commit(ctx context.Context, msg Message) {
	if err := c.source.Commit(context.WithoutCancel(ctx), msg); err != nil {
		c.metrics.IncCommitError()
		c.logger.Error("offset commit failed", "error", err, "partition", msg.Partition, "offset", msg.Offset)
	}
}
