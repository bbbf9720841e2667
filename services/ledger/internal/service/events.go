package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/kafka"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

type EventType string

const (
	EventOperationHeld      EventType = "ledger.operation.held"
	EventOperationCommitted EventType = "ledger.operation.committed"
	EventOperationCancelled EventType = "ledger.operation.cancelled"
	EventOperationDeleted   EventType = "ledger.operation.deleted"
)

const operationEventVersion = 1

func eventForStatus(status ledger.OperationStatus) (EventType, bool) {
	switch status {
	case ledger.StatusHold:
		return EventOperationHeld, true
	case ledger.StatusCommitted:
		return EventOperationCommitted, true
	case ledger.StatusCancelled:
		return EventOperationCancelled, true
	case ledger.StatusDeleted:
		return EventOperationDeleted, true
	}
	return "", false
}

// OperationEvent announces that an operation reached a new status.
type OperationEvent struct {
	Type          EventType
	OperationID   uuid.UUID
	OperationType ledger.OperationType
	Status        ledger.OperationStatus
	References    map[string]string
	OccurredAt    time.Time
}

func newOperationEvent(eventType EventType, op *ledger.Operation) OperationEvent {
	return OperationEvent{
		Type:          eventType,
		OperationID:   op.ID,
		OperationType: op.Type,
		Status:        op.Status,
		References:    maps.Clone(op.References),
		OccurredAt:    time.Now().UTC(),
	}
}

type Emitter interface {
	Emit(ctx context.Context, event OperationEvent) error
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, OperationEvent) error { return nil }

// MultiEmitter fans an event out to every emitter and joins their errors.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, event OperationEvent) error {
	var errs []error
	for _, emitter := range m {
		if emitter == nil {
			continue
		}
		if err := emitter.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChannelBus delivers events to in-process subscribers. A subscriber whose buffer is
// full misses the event; Emit never blocks the ledger call that produced it.
type ChannelBus struct {
	mu     sync.RWMutex
	subs   map[int]chan OperationEvent
	nextID int
	buffer int
	closed bool
	logger *slog.Logger
}

func NewChannelBus(buffer int, logger *slog.Logger) *ChannelBus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelBus{
		subs:   make(map[int]chan OperationEvent),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel of events and a func that unsubscribes and closes it.
func (b *ChannelBus) Subscribe() (<-chan OperationEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan OperationEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *ChannelBus) Emit(ctx context.Context, event OperationEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Warn("operation event dropped for slow subscribers", "event_type", event.Type, "operation_id", event.OperationID, "subscribers", dropped)
		return fmt.Errorf("event %s dropped for %d subscribers", event.Type, dropped)
	}
	return nil
}

func (b *ChannelBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// OperationEventMessage is the Kafka payload for operation events.
type OperationEventMessage struct {
	kafka.Envelope
	OperationID   string            `json:"operation_id"`
	OperationType string            `json:"operation_type"`
	Status        string            `json:"status"`
	References    map[string]string `json:"references,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// KafkaEmitter publishes operation events keyed by operation id. Event ids are derived
// from the operation and status so redeliveries can be deduplicated downstream.
type KafkaEmitter struct {
	publisher kafka.Publisher
	topics    map[EventType]string
}

func NewKafkaEmitter(publisher kafka.Publisher, topics map[EventType]string) *KafkaEmitter {
	return &KafkaEmitter{publisher: publisher, topics: topics}
}

func (k *KafkaEmitter) Emit(ctx context.Context, event OperationEvent) error {
	if k == nil || k.publisher == nil {
		return nil
	}
	topic := k.topics[event.Type]
	if topic == "" {
		return nil
	}

	envelope, err := kafka.NewDeterministicEnvelope(string(event.Type), operationEventVersion,
		event.References[ledger.IdempotencyReference], event.OperationID.String())
	if err != nil {
		return err
	}
	msg := OperationEventMessage{
		Envelope:      envelope,
		OperationID:   event.OperationID.String(),
		OperationType: string(event.OperationType),
		Status:        string(event.Status),
		References:    event.References,
		OccurredAt:    event.OccurredAt,
	}
	if _, _, err := k.publisher.PublishJSON(ctx, topic, event.OperationID.String(), msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}
