package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "auth_cache:"
	// InvalidationTTL outlives the longest access token by an hour.
	InvalidationTTL = 25 * time.Hour

	keyStem = "invalidated_user_"
)

var (
	ErrStoreUnavailable = errors.New("store: invalidation store unavailable")
	ErrCorruptValue     = errors.New("store: corrupt invalidation value")
)

// Invalidation is one live record. TTL is the remaining lifetime and is only filled by List;
// zero means the key has no expiry.
type Invalidation struct {
	UserID        int64
	InvalidatedAt int64
	TTL           time.Duration
}

// InvalidationStore keeps, per user, the moment after which previously issued tokens are stale.
type InvalidationStore interface {
	Get(ctx context.Context, userID int64) (invalidatedAt int64, ok bool, err error)
	Set(ctx context.Context, userID, invalidatedAt int64, ttl time.Duration) error
	List(ctx context.Context) ([]Invalidation, error)
}

type InvalidationConfig struct {
	KeyPrefix string
	// OpTimeout bounds every Get and Set.
	OpTimeout time.Duration
	// Monotonic makes Set keep the stored moment when it is newer than the incoming one.
	Monotonic bool
}

// RedisInvalidations stores one key per user: "<prefix>invalidated_user_<id>" = unix seconds.
type RedisInvalidations struct {
	client    redis.UniversalClient
	prefix    string
	opTimeout time.Duration
	monotonic bool
}

var _ InvalidationStore = (*RedisInvalidations)(nil)

// setIfNotOlder writes ARGV[1] with a PX of ARGV[2] unless the stored value is larger.
var setIfNotOlder = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
  local n = tonumber(cur)
  if n and n > tonumber(ARGV[1]) then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

func NewRedisInvalidations(client redis.UniversalClient, cfg InvalidationConfig) *RedisInvalidations {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &RedisInvalidations{client: client, prefix: prefix, opTimeout: timeout, monotonic: cfg.Monotonic}
}

// Key is shared by readers and the consumer so both sides always agree on the layout.
func (s *RedisInvalidations) Key(userID int64) string {
	return s.prefix + keyStem + strconv.FormatInt(userID, 10)
}

func (s *RedisInvalidations) Get(ctx context.Context, userID int64) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	key := s.Key(userID)
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, key, err)
	}
	at, err := parseMoment(key, raw)
	if err != nil {
		return 0, false, err
	}
	return at, true, nil
}

func (s *RedisInvalidations) Set(ctx context.Context, userID, invalidatedAt int64, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("store: ttl must be positive, got %s", ttl)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	key := s.Key(userID)
	var err error
	if s.monotonic {
		err = setIfNotOlder.Run(ctx, s.client, []string{key}, invalidatedAt, ttl.Milliseconds()).Err()
	} else {
		err = s.client.Set(ctx, key, invalidatedAt, ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrStoreUnavailable, key, err)
	}
	return nil
}

// List scans every live record. It is meant for operators, not for the request path.
func (s *RedisInvalidations) List(ctx context.Context) ([]Invalidation, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+keyStem+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %w", ErrStoreUnavailable, err)
	}
	if len(keys) == 0 {
		return []Invalidation{}, nil
	}

	pipe := s.client.Pipeline()
	gets := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, key := range keys {
		gets[i] = pipe.Get(ctx, key)
		ttls[i] = pipe.PTTL(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: list: %w", ErrStoreUnavailable, err)
	}

	out := make([]Invalidation, 0, len(keys))
	for i, key := range keys {
		userID, err := strconv.ParseInt(strings.TrimPrefix(key, s.prefix+keyStem), 10, 64)
		if err != nil {
			continue
		}
		raw, err := gets[i].Result()
		if errors.Is(err, redis.Nil) {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, key, err)
		}
		at, err := parseMoment(key, raw)
		if err != nil {
			return nil, err
		}
		ttl := ttls[i].Val()
		if ttl < 0 {
			ttl = 0
		}
		out = append(out, Invalidation{UserID: userID, InvalidatedAt: at, TTL: ttl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func parseMoment(key, raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	// Legacy cache writers store serialized integers ("i:1764517311;").
	if len(s) > 3 && strings.HasPrefix(s, "i:") && strings.HasSuffix(s, ";") {
		s = s[2 : len(s)-1]
	}
	at, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrCorruptValue, key, raw)
	}
	return at, nil
}
