package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type ProducerMetrics struct {
	PublishTotal   *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	DeadLetters    *prometheus.CounterVec
}

func NewProducerMetrics(registry prometheus.Registerer) *ProducerMetrics {
	m := &ProducerMetrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_publish_total",
				Help: "Total Kafka publish attempts.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_latency_seconds",
				Help:    "Kafka publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_dead_letters_total",
				Help: "Messages written to the dead letter topic after a failed publish.",
			},
			[]string{"topic"},
		),
	}

	registry.MustRegister(m.PublishTotal, m.PublishLatency, m.DeadLetters)
	return m
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// DeadLetterPublisher copies every message that fails to publish onto a dead
// letter topic through the same publisher. The original error is still returned.
type DeadLetterPublisher struct {
	publisher Publisher
	topic     string
	logger    *slog.Logger
	metrics   *ProducerMetrics
}

func NewDeadLetterPublisher(publisher Publisher, topic string, logger *slog.Logger, metrics *ProducerMetrics) *DeadLetterPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterPublisher{publisher: publisher, topic: topic, logger: logger, metrics: metrics}
}

func (p *DeadLetterPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p.publisher == nil {
		return 0, 0, fmt.Errorf("kafka producer not configured")
	}
	partition, offset, err := p.publisher.PublishJSON(ctx, topic, key, value)
	if err == nil || p.topic == "" || topic == p.topic {
		return partition, offset, err
	}

	letter := publishDeadLetter(topic, key, value, err)
	if _, _, dlqErr := p.publisher.PublishJSON(context.WithoutCancel(ctx), p.topic, key, letter); dlqErr != nil {
		p.logger.Error("kafka dead letter publish failed", "topic", p.topic, "original_topic", topic, "error", dlqErr)
	} else if p.metrics != nil {
		p.metrics.DeadLetters.WithLabelValues(topic).Inc()
	}
	return partition, offset, err
}

func (p *DeadLetterPublisher) Close() error {
	if p.publisher == nil {
		return nil
	}
	return p.publisher.Close()
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

// NewSyncProducer returns an idempotent producer that waits for all in-sync
// replicas, so operation events keep their per-key order.
func NewSyncProducer(brokers []string, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &SyncProducer{
		producer: producer,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.PublishTotal.WithLabelValues(topic, status).Inc()
		p.metrics.PublishLatency.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "error", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}

	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
