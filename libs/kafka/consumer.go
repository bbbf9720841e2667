package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

const (
	defaultMaxAttempts  = 5
	defaultRetryBackoff = time.Second
	retryTrackerTTL     = 10 * time.Minute
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	retryBackoff time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:        group,
		logger:       logger,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
	}, nil
}

// WithDLQ routes messages that fail with a DLQError, or that exhaust their
// attempts, to topic. Without a DLQ such messages are left unmarked.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

// WithRetry sets how many times a failing message is handed to the handler
// before it is dead-lettered.
func (c *Consumer) WithRetry(maxAttempts int, backoff time.Duration) *Consumer {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if backoff >= 0 {
		c.retryBackoff = backoff
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, retryTrackerTTL),
		retryBackoff: c.retryBackoff,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
	retryBackoff time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.process(session, msg)
	}
	return nil
}

func (h *consumerGroupHandler) process(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	ctx := session.Context()
	key := messageKey(msg)
	for {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			h.retryTracker.Clear(key)
			session.MarkMessage(msg, "")
			return
		}

		attempts := h.retryTracker.Inc(key)
		dlqErr, poison := AsDLQ(err)
		if !poison && !h.retryTracker.Exhausted(attempts) {
			h.logger.Warn("kafka message handler error, retrying",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
				"attempt", attempts, "error", err)
			if !sleepCtx(ctx, h.retryBackoff*time.Duration(attempts)) {
				return
			}
			continue
		}
		if !poison {
			dlqErr = &DLQError{Err: err, Reason: "max_attempts"}
		}

		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempts", attempts, "error", err)
		if h.dlqPublisher == nil || h.dlqTopic == "" {
			return
		}
		letter := consumeDeadLetter(msg, dlqErr, attempts)
		if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), letter); pubErr != nil {
			h.logger.Error("kafka dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
			return
		}
		h.retryTracker.Clear(key)
		session.MarkMessage(msg, "")
		return
	}
}

func messageKey(msg *sarama.ConsumerMessage) string {
	return msg.Topic + "/" + strconv.Itoa(int(msg.Partition)) + "/" + strconv.FormatInt(msg.Offset, 10)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// retryTracker counts handler attempts per message offset. Entries older than
// ttl are dropped so abandoned offsets do not accumulate.
type retryTracker struct {
	mu       sync.Mutex
	max      int
	ttl      time.Duration
	attempts map[string]retryEntry
}

type retryEntry struct {
	count    int
	lastSeen time.Time
}

func newRetryTracker(max int, ttl time.Duration) *retryTracker {
	if max <= 0 {
		max = defaultMaxAttempts
	}
	return &retryTracker{max: max, ttl: ttl, attempts: make(map[string]retryEntry)}
}

func (r *retryTracker) Inc(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for k, entry := range r.attempts {
		if now.Sub(entry.lastSeen) > r.ttl {
			delete(r.attempts, k)
		}
	}
	entry := r.attempts[key]
	entry.count++
	entry.lastSeen = now
	r.attempts[key] = entry
	return entry.count
}

func (r *retryTracker) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}

func (r *retryTracker) Exhausted(attempts int) bool {
	return attempts >= r.max
}
