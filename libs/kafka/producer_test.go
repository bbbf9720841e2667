package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

type stubPublisher struct {
	mu       sync.Mutex
	calls    []publishCall
	failOn   map[string]error
	closed   bool
	errorAll error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	if err := s.failOn[topic]; err != nil {
		return 0, 0, err
	}
	return 0, int64(len(s.calls)), s.errorAll
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}

func TestDeadLetterPublisherCopiesFailedPublish(t *testing.T) {
	stub := &stubPublisher{failOn: map[string]error{"ledger.operation.committed": errors.New("broker unavailable")}}
	producerMetrics := NewProducerMetrics(prometheus.NewRegistry())
	publisher := NewDeadLetterPublisher(stub, "ledger.dead_letter", slog.Default(), producerMetrics)

	event := map[string]string{"operation_id": "op-1", "status": "committed"}
	_, _, err := publisher.PublishJSON(context.Background(), "ledger.operation.committed", "op-1", event)
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(stub.calls) != 2 {
		t.Fatalf("expected original and dead letter publish, got %d", len(stub.calls))
	}
	dead := stub.calls[1]
	if dead.topic != "ledger.dead_letter" || dead.key != "op-1" {
		t.Fatalf("unexpected dead letter call %+v", dead)
	}
	letter, ok := dead.value.(DeadLetter)
	if !ok {
		t.Fatalf("expected DeadLetter, got %T", dead.value)
	}
	if letter.Stage != StagePublish || letter.Topic != "ledger.operation.committed" || letter.Error != "broker unavailable" {
		t.Fatalf("unexpected dead letter %+v", letter)
	}
	if string(letter.Payload) != `{"operation_id":"op-1","status":"committed"}` {
		t.Fatalf("unexpected payload %s", letter.Payload)
	}
	if got := promtest.ToFloat64(producerMetrics.DeadLetters.WithLabelValues("ledger.operation.committed")); got != 1 {
		t.Fatalf("expected dead letter to be counted, got %v", got)
	}
}

func TestDeadLetterPublisherPassesThroughSuccess(t *testing.T) {
	stub := &stubPublisher{}
	publisher := NewDeadLetterPublisher(stub, "ledger.dead_letter", slog.Default(), nil)

	if _, _, err := publisher.PublishJSON(context.Background(), "ledger.operation.held", "op-2", map[string]string{"id": "op-2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.calls) != 1 {
		t.Fatalf("expected a single publish, got %d", len(stub.calls))
	}
	if err := publisher.Close(); err != nil || !stub.closed {
		t.Fatalf("expected close to reach the producer, err=%v", err)
	}
}

func TestDeadLetterPublisherDoesNotLoopOnItsOwnTopic(t *testing.T) {
	stub := &stubPublisher{errorAll: errors.New("broker unavailable")}
	publisher := NewDeadLetterPublisher(stub, "ledger.dead_letter", slog.Default(), nil)

	if _, _, err := publisher.PublishJSON(context.Background(), "ledger.dead_letter", "op-3", DeadLetter{}); err == nil {
		t.Fatalf("expected publish error")
	}
	if len(stub.calls) != 1 {
		t.Fatalf("expected no dead letter for the dead letter topic, got %d calls", len(stub.calls))
	}
}
