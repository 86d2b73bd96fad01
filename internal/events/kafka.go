package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/types"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes TradeClosed events as JSON, keyed by user so one
// user's events stay ordered within a partition. Writes are synchronous; the
// daemon runs it behind Detach.
type KafkaPublisher struct {
	w messageWriter
}

var (
	_ interfaces.EventPublisher = (*KafkaPublisher)(nil)
	_ BatchPublisher            = (*KafkaPublisher)(nil)
)

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              kafkaBatch,
		BatchTimeout:           10 * time.Millisecond,
		Transport:              &kafka.Transport{DialTimeout: 10 * time.Second},
	}}
}

func (p *KafkaPublisher) PublishTradeClosed(ctx context.Context, e types.TradeClosedEvent) error {
	return p.PublishBatch(ctx, []types.TradeClosedEvent{e})
}

// PublishBatch writes events in one call.
func (p *KafkaPublisher) PublishBatch(ctx context.Context, events []types.TradeClosedEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal trade closed event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.UserID),
			Value: b,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "trade_id", Value: []byte(strconv.FormatInt(e.TradeID, 10))},
			},
		})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d trade closed events: %w", len(msgs), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer reads TradeClosed events and recomputes metrics for each.
type KafkaConsumer struct {
	r       messageReader
	metrics interfaces.MetricsComputer
}

func NewKafkaConsumer(brokers []string, topic, groupID string, metrics interfaces.MetricsComputer) *KafkaConsumer {
	return &KafkaConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
			MaxWait:  500 * time.Millisecond,
		}),
		metrics: metrics,
	}
}

// Run consumes until ctx is done or the reader fails.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.r.Close()
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var e types.TradeClosedEvent
		if err := json.Unmarshal(m.Value, &e); err != nil {
			logger.Warn(ctx, "Bad trade closed message", "offset", m.Offset, "error", err.Error())
			continue
		}
		Handle(ctx, c.metrics, e)
	}
}
