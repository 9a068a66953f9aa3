package statebus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher emits permission-change events. Messages are keyed by user id so every event for a
// user lands on the same partition.
type Publisher struct {
	w     messageWriter
	topic string
}

func NewPublisher(cfg KafkaConfig) (*Publisher, error) {
	cfg.GroupID = "-"
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		topic: cfg.Topic,
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

func (p *Publisher) PublishPermissionChange(ctx context.Context, userID int64, changedAt time.Time) error {
	if userID <= 0 {
		return fmt.Errorf("user id must be positive, got %d", userID)
	}
	payload, err := EncodeEvent(userID, changedAt)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(userID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(EventPermissionsChanged)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}
