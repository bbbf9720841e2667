package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Dead letter stages.
const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a failure that redelivery cannot fix. The consumer skips its
// retries and routes the message straight to the dead letter topic.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error { return e.Err }

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// AsDLQ reports whether err carries a DLQError.
func AsDLQ(err error) (*DLQError, bool) {
	var dlqErr *DLQError
	if errors.As(err, &dlqErr) {
		return dlqErr, true
	}
	return nil, false
}

// DeadLetter is the record written to the dead letter topic. Payload is the raw
// message body and is base64 encoded on the wire.
type DeadLetter struct {
	Stage     string    `json:"stage"`
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key,omitempty"`
	Error     string    `json:"error"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	Payload   []byte    `json:"payload,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

func consumeDeadLetter(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DeadLetter {
	return DeadLetter{
		Stage:     StageConsume,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Error:     err.Err.Error(),
		Reason:    err.Reason,
		Attempts:  attempts,
		Payload:   msg.Value,
		FailedAt:  time.Now().UTC(),
	}
}

func publishDeadLetter(topic, key string, value any, err error) DeadLetter {
	payload, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		payload = fmt.Appendf(nil, "%v", value)
	}
	return DeadLetter{
		Stage:     StagePublish,
		Topic:     topic,
		Partition: -1,
		Offset:    -1,
		Key:       key,
		Error:     err.Error(),
		Reason:    "publish_failed",
		Attempts:  1,
		Payload:   payload,
		FailedAt:  time.Now().UTC(),
	}
}
