package statebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

var (
	// ErrPollTimeout is returned by Fetch when no message arrived within the wait.
	ErrPollTimeout  = errors.New("statebus: no message within poll timeout")
	ErrSourceClosed = errors.New("statebus: source closed")
)

// Message is one record read from the invalidation topic.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time

	gen generation
}

// Source delivers messages in per-partition order and acknowledges them.
type Source interface {
	Fetch(ctx context.Context, wait time.Duration) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Replay positions every assigned partition at its first offset and disables commits.
	Replay      bool
	DialTimeout time.Duration
}

func (c KafkaConfig) normalize() (KafkaConfig, error) {
	brokers := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		for _, part := range strings.Split(b, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				brokers = append(brokers, trimmed)
			}
		}
	}
	if len(brokers) == 0 {
		return c, fmt.Errorf("kafka brokers required")
	}
	c.Brokers = brokers
	c.Topic = strings.TrimSpace(c.Topic)
	if c.Topic == "" {
		return c, fmt.Errorf("kafka topic required")
	}
	c.GroupID = strings.TrimSpace(c.GroupID)
	if c.GroupID == "" {
		return c, fmt.Errorf("kafka group id required")
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c, nil
}

type consumerGroup interface {
	Next(ctx context.Context) (generation, error)
	Close() error
}

type generation interface {
	assignments(topic string) []kafka.PartitionAssignment
	Start(fn func(ctx context.Context))
	CommitOffsets(offsets map[string]map[int]int64) error
}

type partitionReader interface {
	SetOffset(offset int64) error
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type partitionLister interface {
	SetDeadline(t time.Time) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	Close() error
}

type kafkaGroup struct{ g *kafka.ConsumerGroup }

func (k kafkaGroup) Next(ctx context.Context) (generation, error) {
	gen, err := k.g.Next(ctx)
	if err != nil {
		return nil, err
	}
	return kafkaGeneration{gen}, nil
}

func (k kafkaGroup) Close() error { return k.g.Close() }

type kafkaGeneration struct{ *kafka.Generation }

func (g kafkaGeneration) assignments(topic string) []kafka.PartitionAssignment {
	return g.Assignments[topic]
}

var (
	dialBroker = func(ctx context.Context, broker string) (partitionLister, error) {
		return kafka.DialContext(ctx, "tcp", broker)
	}
	newConsumerGroup = func(cfg kafka.ConsumerGroupConfig) (consumerGroup, error) {
		g, err := kafka.NewConsumerGroup(cfg)
		if err != nil {
			return nil, err
		}
		return kafkaGroup{g}, nil
	}
	newPartitionReader = func(brokers []string, topic string, partition int) partitionReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:   brokers,
			Topic:     topic,
			Partition: partition,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   500 * time.Millisecond,
		})
	}
)

// TopicPartitions dials the first reachable broker and returns the topic's partition count.
func TopicPartitions(ctx context.Context, brokers []string, topic string) (int, error) {
	var lastErr error
	for _, broker := range brokers {
		conn, err := dialBroker(ctx, broker)
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", broker, err)
			continue
		}
		// The dial honours ctx but reads on the connection only honour its deadline.
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		parts, err := conn.ReadPartitions(topic)
		_ = conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("read partitions of %q from %s: %w", topic, broker, err)
			continue
		}
		if len(parts) == 0 {
			return 0, fmt.Errorf("topic %q has no partitions", topic)
		}
		return len(parts), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return 0, lastErr
}

// KafkaSource consumes one topic as a member of a consumer group. Each assigned partition
// has its own reader goroutine; all of them feed one unbuffered channel so a single
// poll loop sees every partition in order.
type KafkaSource struct {
	cfg        KafkaConfig
	group      consumerGroup
	newReader  func(partition int) partitionReader
	logger     *slog.Logger
	deliveries chan Message
	errs       chan error
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

var _ Source = (*KafkaSource)(nil)

// Connect validates the configuration, checks that the topic is reachable and joins the group.
func Connect(ctx context.Context, cfg KafkaConfig, logger *slog.Logger) (*KafkaSource, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	partitions, err := TopicPartitions(dialCtx, cfg.Brokers, cfg.Topic)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("kafka connect: %w", err)
	}
	group, err := newConsumerGroup(kafka.ConsumerGroupConfig{
		ID:          cfg.GroupID,
		Brokers:     cfg.Brokers,
		Topics:      []string{cfg.Topic},
		StartOffset: kafka.FirstOffset,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka join group %q: %w", cfg.GroupID, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connected to kafka",
		"brokers", strings.Join(cfg.Brokers, ","),
		"topic", cfg.Topic,
		"group_id", cfg.GroupID,
		"partitions", partitions,
		"replay", cfg.Replay,
	)
	src := newKafkaSource(cfg, group, func(p int) partitionReader {
		return newPartitionReader(cfg.Brokers, cfg.Topic, p)
	}, logger)
	return src, nil
}

func newKafkaSource(cfg KafkaConfig, group consumerGroup, newReader func(int) partitionReader, logger *slog.Logger) *KafkaSource {
	ctx, cancel := context.WithCancel(context.Background())
	s := &KafkaSource{
		cfg:        cfg,
		group:      group,
		newReader:  newReader,
		logger:     logger,
		deliveries: make(chan Message),
		errs:       make(chan error, 8),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *KafkaSource) run(ctx context.Context) {
	defer close(s.done)
	for {
		gen, err := s.group.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			s.report(fmt.Errorf("statebus: join generation: %w", err))
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		assigned := gen.assignments(s.cfg.Topic)
		ids := make([]int, 0, len(assigned))
		for _, a := range assigned {
			ids = append(ids, a.ID)
		}
		s.logger.Info("partitions assigned", "topic", s.cfg.Topic, "partitions", ids, "replay", s.cfg.Replay)
		for _, a := range assigned {
			a := a
			gen.Start(func(gctx context.Context) { s.readPartition(gctx, gen, a) })
		}
	}
}

func (s *KafkaSource) readPartition(ctx context.Context, gen generation, a kafka.PartitionAssignment) {
	r := s.newReader(a.ID)
	defer r.Close()
	offset := a.Offset
	if s.cfg.Replay {
		offset = kafka.FirstOffset
	}
	if err := r.SetOffset(offset); err != nil {
		s.report(fmt.Errorf("statebus: seek partition %d to %d: %w", a.ID, offset, err))
		return
	}
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.report(fmt.Errorf("statebus: fetch partition %d: %w", a.ID, err))
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		msg := Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
			Time:      m.Time,
			gen:       gen,
		}
		select {
		case s.deliveries <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *KafkaSource) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("dropping kafka error, poll loop is behind", "error", err)
	}
}

func (s *KafkaSource) Fetch(ctx context.Context, wait time.Duration) (Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case m := <-s.deliveries:
		return m, nil
	case err := <-s.errs:
		return Message{}, err
	case <-timer.C:
		return Message{}, ErrPollTimeout
	case <-s.done:
		return Message{}, ErrSourceClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Commit stores msg.Offset+1 for the message's partition. It is a no-op in replay mode.
func (s *KafkaSource) Commit(_ context.Context, msg Message) error {
	if s.cfg.Replay {
		return nil
	}
	if msg.gen == nil {
		return errors.New("statebus: message was not fetched from a consumer group")
	}
	return msg.gen.CommitOffsets(map[string]map[int]int64{
		msg.Topic: {msg.Partition: msg.Offset + 1},
	})
}

func (s *KafkaSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.group.Close()
		<-s.done
	})
	return s.closeErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
