package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// InvalidationReader is the read side of the invalidation store.
type InvalidationReader interface {
	Get(ctx context.Context, userID int64) (invalidatedAt int64, ok bool, err error)
}

// FreshnessMode selects how a live invalidation record is compared with the token.
type FreshnessMode string

const (
	// FreshnessAnyRecord rejects every token of a user with a live record whose
	// moment has passed, regardless of when the token was issued.
	FreshnessAnyRecord FreshnessMode = "any_record"
	// FreshnessIssuedAt rejects only tokens issued at or before the invalidation moment.
	FreshnessIssuedAt FreshnessMode = "issued_at"
)

func ParseFreshnessMode(raw string) (FreshnessMode, error) {
	switch FreshnessMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FreshnessAnyRecord:
		return FreshnessAnyRecord, nil
	case FreshnessIssuedAt:
		return FreshnessIssuedAt, nil
	default:
		return "", fmt.Errorf("auth: unknown freshness mode %q", raw)
	}
}

// FreshnessGuard rejects principals whose permissions changed after their token was minted.
type FreshnessGuard struct {
	Store InvalidationReader
	Mode  FreshnessMode
	// FailOpen lets requests through when the store cannot be reached.
	FailOpen bool
	Now      func() time.Time
	Logger   *slog.Logger
	// OnLookup, when set, receives the latency and error of every store lookup.
	OnLookup func(time.Duration, error)
}

func (g *FreshnessGuard) Check(ctx context.Context, p Principal) error {
	start := time.Now()
	invalidatedAt, ok, err := g.Store.Get(ctx, p.UserID())
	if g.OnLookup != nil {
		g.OnLookup(time.Since(start), err)
	}
	if err != nil {
		if g.FailOpen {
			g.logger().WarnContext(ctx, "invalidation lookup failed, allowing request",
				"user_id", p.UserID(), "error", err)
			return nil
		}
		return fmt.Errorf("auth: freshness lookup for user %d: %w", p.UserID(), err)
	}
	if !ok {
		return nil
	}
	if invalidatedAt > g.now().Unix() {
		return nil
	}
	if g.Mode == FreshnessIssuedAt && p.TokenIssuedAt() > invalidatedAt {
		return nil
	}
	return ErrTokenInvalidated
}

func (g *FreshnessGuard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *FreshnessGuard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
