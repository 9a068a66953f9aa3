package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/msa-sandbox/crm/pkg/httpx"
	"github.com/msa-sandbox/crm/pkg/statebus"
)

const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

type CheckFunc func(ctx context.Context) error

// Report is the /health body. The service is either fully UP or DOWN.
type Report struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

type Checker struct {
	timeout time.Duration
	names   []string
	checks  map[string]CheckFunc
	now     func() time.Time
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Checker{timeout: timeout, checks: map[string]CheckFunc{}, now: time.Now}
}

func (c *Checker) Add(name string, fn CheckFunc) *Checker {
	if _, ok := c.checks[name]; !ok {
		c.names = append(c.names, name)
		sort.Strings(c.names)
	}
	c.checks[name] = fn
	return c
}

// Run executes every check concurrently, each bounded by the checker timeout.
func (c *Checker) Run(ctx context.Context) Report {
	rep := Report{
		Status:    StatusUp,
		Timestamp: c.now().Format(time.RFC3339),
		Checks:    make(map[string]string, len(c.names)),
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range c.names {
		fn := c.checks[name]
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			status := StatusUp
			if err := fn(cctx); err != nil {
				status = StatusDown
			}
			mu.Lock()
			rep.Checks[name] = status
			if status == StatusDown {
				rep.Status = StatusDown
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Run(r.Context())
		status := http.StatusOK
		if rep.Status != StatusUp {
			status = http.StatusServiceUnavailable
		}
		httpx.WriteJSON(w, status, rep)
	})
}

func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// KafkaCheck reads the topic's metadata from any reachable broker.
func KafkaCheck(brokers []string, topic string) CheckFunc {
	return func(ctx context.Context) error {
		_, err := statebus.TopicPartitions(ctx, brokers, topic)
		return err
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func DatabaseCheck(db pinger) CheckFunc {
	return func(ctx context.Context) error {
		return db.Ping(ctx)
	}
}
