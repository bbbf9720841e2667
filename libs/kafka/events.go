package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewEnvelope returns an envelope with a random event id.
func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return newEnvelope(uuid.NewString(), eventType, version, correlationID)
}

// NewDeterministicEnvelope derives the event id from eventType and idParts, so
// republishing the same fact yields the same id and consumers can deduplicate.
func NewDeterministicEnvelope(eventType string, version int, correlationID string, idParts ...string) (Envelope, error) {
	if len(idParts) == 0 {
		return Envelope{}, errors.New("event id parts are required")
	}
	return newEnvelope(DeterministicEventID(append([]string{eventType}, idParts...)...), eventType, version, correlationID)
}

func newEnvelope(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New("event_id is required")
	case e.EventType == "":
		return errors.New("event_type is required")
	case e.EventVersion <= 0:
		return errors.New("event_version must be positive")
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	return nil
}

// Expect validates the envelope and checks it carries eventType.
func (e Envelope) Expect(eventType string) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.EventType != eventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	return nil
}

// Decode unmarshals a message value into dst. Empty or malformed payloads are
// marked for the dead letter topic since redelivery cannot fix them.
func Decode(msg *sarama.ConsumerMessage, dst any) error {
	if msg == nil || len(msg.Value) == 0 {
		return DLQ(errors.New("empty kafka message"), "decode")
	}
	if err := json.Unmarshal(msg.Value, dst); err != nil {
		return DLQ(fmt.Errorf("decode %s: %w", msg.Topic, err), "decode")
	}
	return nil
}
