package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-settlement/internal/logger"
)

// Producer writes keyed JSON events. The topic is chosen per message so one
// writer serves settlement and payout events.
type Producer struct {
	Writer *kafka.Writer
	log    *logger.Logger
}

func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &Producer{Writer: writer, log: log}
}

// Publish sends one message. Messages with the same key land on the same
// partition, so events for one payment reference stay ordered.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", key, topic, err)
	}
	p.log.LogKafka("PUBLISHED", topic, key)
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
