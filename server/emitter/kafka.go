package emitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/san-kum/emergency-monitor/server/models"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Source       string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes one message per alert, keyed by alert type.
type KafkaSink struct {
	config KafkaConfig
	logger *zap.Logger
	writer messageWriter

	mu        sync.Mutex
	published uint64
	errors    uint64
}

func NewKafkaSink(config KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(config.Brokers) == 0 || config.Topic == "" {
		return nil, fmt.Errorf("kafka sink needs brokers and a topic")
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: config.WriteTimeout,
	}
	return newKafkaSink(config, writer, logger), nil
}

func newKafkaSink(config KafkaConfig, writer messageWriter, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Kafka alert sink enabled",
		zap.Strings("brokers", config.Brokers),
		zap.String("topic", config.Topic))
	return &KafkaSink{config: config, logger: logger, writer: writer}
}

func (s *KafkaSink) Publish(ctx context.Context, batch []models.Alert) error {
	if len(batch) == 0 {
		return nil
	}

	now := time.Now()
	messages := make([]kafka.Message, 0, len(batch))
	for _, alert := range batch {
		payload, err := encode(s.config.Source, alert, now)
		if err != nil {
			s.countError()
			return fmt.Errorf("failed to marshal alert: %w", err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(alert.Type),
			Value: payload,
			Time:  alert.CapturedAt,
		})
	}

	if err := s.writer.WriteMessages(ctx, messages...); err != nil {
		s.countError()
		return fmt.Errorf("kafka write failed: %w", err)
	}

	s.mu.Lock()
	s.published += uint64(len(messages))
	s.mu.Unlock()
	s.logger.Debug("Alerts written to kafka", zap.Int("count", len(messages)))
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func (s *KafkaSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Connected: true,
		Published: map[string]uint64{s.config.Topic: s.published},
		Errors:    s.errors,
	}
}

func (s *KafkaSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}
