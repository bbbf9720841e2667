package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/idempotency"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/kafka"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

const confirmationEventType = "payments.confirmation"

type Action string

const (
	ActionHold   Action = "hold"
	ActionCommit Action = "commit"
	ActionCancel Action = "cancel"
)

// ConfirmationEvent is what a payment provider callback turns into once the
// gateway has resolved it to a ledger operation.
type ConfirmationEvent struct {
	kafka.Envelope
	OperationID   string `json:"operation_id"`
	Action        string `json:"action"`
	ProviderToken string `json:"provider_token,omitempty"`
}

func (e *ConfirmationEvent) Validate() error {
	if err := e.Envelope.Expect(confirmationEventType); err != nil {
		return err
	}
	if strings.TrimSpace(e.OperationID) == "" {
		return fmt.Errorf("operation_id is required")
	}
	switch Action(strings.ToLower(strings.TrimSpace(e.Action))) {
	case ActionHold, ActionCommit, ActionCancel:
	default:
		return fmt.Errorf("action must be hold, commit or cancel")
	}
	return nil
}

// dedupKey prefers the provider token so two events for the same callback
// collapse even when the gateway assigned them different event ids.
func (e *ConfirmationEvent) dedupKey() string {
	action := strings.ToLower(strings.TrimSpace(e.Action))
	if token := strings.TrimSpace(e.ProviderToken); token != "" {
		return "provider:" + token + ":" + action
	}
	return "event:" + e.EventID
}

type Ledger interface {
	Hold(ctx context.Context, id uuid.UUID) (*ledger.Operation, error)
	Commit(ctx context.Context, id uuid.UUID) (*ledger.Operation, error)
	Cancel(ctx context.Context, id uuid.UUID) (*ledger.Operation, error)
}

type Options struct {
	MaxRetries  uint64
	BaseBackoff time.Duration
}

type ConfirmationConsumer struct {
	ledger  Ledger
	guard   idempotency.Guard
	logger  *slog.Logger
	retries uint64
	backoff time.Duration
}

func NewConfirmationConsumer(ledger Ledger, guard idempotency.Guard, logger *slog.Logger, opts Options) *ConfirmationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	return &ConfirmationConsumer{
		ledger:  ledger,
		guard:   guard,
		logger:  logger,
		retries: opts.MaxRetries,
		backoff: opts.BaseBackoff,
	}
}

func (c *ConfirmationConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event ConfirmationEvent
	if err := kafka.Decode(msg, &event); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}
	operationID, err := uuid.Parse(strings.TrimSpace(event.OperationID))
	if err != nil {
		return kafka.DLQ(fmt.Errorf("invalid operation_id: %w", err), "invalid_event")
	}
	action := Action(strings.ToLower(strings.TrimSpace(event.Action)))
	key := event.dedupKey()

	if c.guard != nil {
		claimed, err := c.guard.Claim(ctx, key)
		if err != nil {
			return fmt.Errorf("claim confirmation: %w", err)
		}
		if !claimed {
			c.logger.Info("confirmation already processed", "event_id", event.EventID, "operation_id", operationID, "action", action)
			return nil
		}
	}

	if err := c.apply(ctx, action, operationID); err != nil {
		c.release(ctx, key)
		return c.classify(ctx, action, operationID, err)
	}

	if c.guard != nil {
		if err := c.guard.Complete(context.WithoutCancel(ctx), key); err != nil {
			c.logger.Warn("confirmation complete mark failed", "key", key, "error", err)
		}
	}
	c.logger.Info("confirmation applied", "event_id", event.EventID, "operation_id", operationID, "action", action)
	return nil
}

// apply runs the transition, retrying lock timeouts with exponential backoff.
func (c *ConfirmationConsumer) apply(ctx context.Context, action Action, id uuid.UUID) error {
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.transition(ctx, action, id)
		if ledger.IsTransient(err) {
			c.logger.Warn("confirmation lock timeout, retrying", "operation_id", id, "action", action)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *ConfirmationConsumer) transition(ctx context.Context, action Action, id uuid.UUID) error {
	var err error
	switch action {
	case ActionHold:
		_, err = c.ledger.Hold(ctx, id)
	case ActionCommit:
		_, err = c.ledger.Commit(ctx, id)
	case ActionCancel:
		_, err = c.ledger.Cancel(ctx, id)
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	return err
}

// classify decides what the Kafka handler does with a failed confirmation.
// Transient errors are returned as is so the message is redelivered; anything
// else is dead-lettered. A commit the ledger rejects cancels the operation
// first so its reservation is released.
func (c *ConfirmationConsumer) classify(ctx context.Context, action Action, id uuid.UUID, err error) error {
	if ledger.IsTransient(err) || errors.Is(err, context.Canceled) {
		return err
	}

	var accErr *ledger.AccountingError
	if action == ActionCommit && errors.As(err, &accErr) {
		if _, cancelErr := c.ledger.Cancel(context.WithoutCancel(ctx), id); cancelErr != nil {
			c.logger.Error("cancel after failed commit", "operation_id", id, "error", cancelErr)
		} else {
			c.logger.Warn("operation cancelled after failed commit", "operation_id", id, "account_id", accErr.AccountID, "balance", accErr.Balance.String())
		}
		return kafka.DLQ(err, "commit_failed")
	}

	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return kafka.DLQ(err, "operation_not_found")
	case errors.Is(err, ledger.ErrInvalidTransition):
		return kafka.DLQ(err, "invalid_transition")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return kafka.DLQ(err, "insufficient_funds")
	}
	return err
}

func (c *ConfirmationConsumer) release(ctx context.Context, key string) {
	if c.guard == nil {
		return
	}
	if err := c.guard.Release(context.WithoutCancel(ctx), key); err != nil {
		c.logger.Warn("confirmation claim release failed", "key", key, "error", err)
	}
}
