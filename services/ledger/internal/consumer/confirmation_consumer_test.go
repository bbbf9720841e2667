package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/idempotency"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/kafka"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/service"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/storage"
)

type ledgerCall struct {
	action Action
	id     uuid.UUID
}

type fakeLedger struct {
	calls []ledgerCall
	errs  map[Action][]error
}

func (f *fakeLedger) next(action Action, id uuid.UUID) (*ledger.Operation, error) {
	f.calls = append(f.calls, ledgerCall{action: action, id: id})
	if queue := f.errs[action]; len(queue) > 0 {
		err := queue[0]
		f.errs[action] = queue[1:]
		if err != nil {
			return nil, err
		}
	}
	return &ledger.Operation{ID: id}, nil
}

func (f *fakeLedger) Hold(_ context.Context, id uuid.UUID) (*ledger.Operation, error) {
	return f.next(ActionHold, id)
}

func (f *fakeLedger) Commit(_ context.Context, id uuid.UUID) (*ledger.Operation, error) {
	return f.next(ActionCommit, id)
}

func (f *fakeLedger) Cancel(_ context.Context, id uuid.UUID) (*ledger.Operation, error) {
	return f.next(ActionCancel, id)
}

func (f *fakeLedger) count(action Action) int {
	n := 0
	for _, call := range f.calls {
		if call.action == action {
			n++
		}
	}
	return n
}

func confirmationMessage(t *testing.T, operationID uuid.UUID, action Action, token string) *sarama.ConsumerMessage {
	t.Helper()
	env, err := kafka.NewEnvelope(confirmationEventType, 1, "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, err := json.Marshal(ConfirmationEvent{
		Envelope:      env,
		OperationID:   operationID.String(),
		Action:        string(action),
		ProviderToken: token,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "payments.confirmations", Key: []byte(operationID.String()), Value: raw}
}

func newTestConsumer(l Ledger, guard idempotency.Guard) *ConfirmationConsumer {
	return NewConfirmationConsumer(l, guard, slog.Default(), Options{MaxRetries: 3, BaseBackoff: time.Millisecond})
}

func expectDLQ(t *testing.T, err error, reason string) {
	t.Helper()
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQ error, got %v", err)
	}
	if dlqErr.Reason != reason {
		t.Fatalf("expected reason %s, got %s", reason, dlqErr.Reason)
	}
}

func TestConfirmationCommit(t *testing.T) {
	fake := &fakeLedger{}
	c := newTestConsumer(fake, idempotency.NewMemoryGuard(time.Minute, time.Hour))
	id := uuid.New()

	if err := c.HandleMessage(context.Background(), confirmationMessage(t, id, ActionCommit, "tok_1")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(fake.calls) != 1 || fake.calls[0] != (ledgerCall{action: ActionCommit, id: id}) {
		t.Fatalf("unexpected calls %+v", fake.calls)
	}
}

func TestConfirmationDuplicateSkipped(t *testing.T) {
	fake := &fakeLedger{}
	c := newTestConsumer(fake, idempotency.NewMemoryGuard(time.Minute, time.Hour))
	id := uuid.New()

	for i := 0; i < 2; i++ {
		if err := c.HandleMessage(context.Background(), confirmationMessage(t, id, ActionCommit, "tok_1")); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}
	if fake.count(ActionCommit) != 1 {
		t.Fatalf("expected one commit, got %d", fake.count(ActionCommit))
	}

	if err := c.HandleMessage(context.Background(), confirmationMessage(t, id, ActionCancel, "tok_1")); err != nil {
		t.Fatalf("HandleMessage cancel: %v", err)
	}
	if fake.count(ActionCancel) != 1 {
		t.Fatalf("expected cancel with the same token to be a separate claim")
	}
}

func TestConfirmationRetriesLockTimeout(t *testing.T) {
	lockErr := fmt.Errorf("%w: row locked", ledger.ErrLockTimeout)
	fake := &fakeLedger{errs: map[Action][]error{ActionHold: {lockErr, lockErr}}}
	c := newTestConsumer(fake, idempotency.NewMemoryGuard(time.Minute, time.Hour))

	if err := c.HandleMessage(context.Background(), confirmationMessage(t, uuid.New(), ActionHold, "tok_1")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if fake.count(ActionHold) != 3 {
		t.Fatalf("expected 3 hold attempts, got %d", fake.count(ActionHold))
	}
}

func TestConfirmationRetriesExhaustedReleasesClaim(t *testing.T) {
	lockErr := fmt.Errorf("%w: row locked", ledger.ErrLockTimeout)
	fake := &fakeLedger{errs: map[Action][]error{ActionHold: {lockErr, lockErr, lockErr, lockErr}}}
	guard := idempotency.NewMemoryGuard(time.Minute, time.Hour)
	c := newTestConsumer(fake, guard)
	id := uuid.New()

	err := c.HandleMessage(context.Background(), confirmationMessage(t, id, ActionHold, "tok_1"))
	if !ledger.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	var dlqErr *kafka.DLQError
	if errors.As(err, &dlqErr) {
		t.Fatalf("transient error must not be dead-lettered")
	}

	if err := c.HandleMessage(context.Background(), confirmationMessage(t, id, ActionHold, "tok_1")); err != nil {
		t.Fatalf("expected redelivery to be processed: %v", err)
	}
	if fake.count(ActionHold) != 5 {
		t.Fatalf("expected 5 hold attempts, got %d", fake.count(ActionHold))
	}
}

func TestConfirmationFailedCommitCancels(t *testing.T) {
	id := uuid.New()
	accErr := &ledger.AccountingError{AccountID: uuid.New(), Balance: decimal.NewFromInt(-5), Err: ledger.ErrInsufficientFunds}
	fake := &fakeLedger{errs: map[Action][]error{ActionCommit: {accErr}}}
	c := newTestConsumer(fake, idempotency.NewMemoryGuard(time.Minute, time.Hour))

	err := c.HandleMessage(context.Background(), confirmationMessage(t, id, ActionCommit, "tok_1"))
	expectDLQ(t, err, "commit_failed")
	if fake.count(ActionCommit) != 1 || fake.count(ActionCancel) != 1 {
		t.Fatalf("expected commit then cancel, got %+v", fake.calls)
	}
}

func TestConfirmationTerminalErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"not found", fmt.Errorf("operation: %w", ledger.ErrNotFound), "operation_not_found"},
		{"invalid transition", &ledger.TransitionError{From: ledger.StatusCommitted, To: ledger.StatusCancelled}, "invalid_transition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeLedger{errs: map[Action][]error{ActionCancel: {tt.err}}}
			c := newTestConsumer(fake, idempotency.NewMemoryGuard(time.Minute, time.Hour))
			err := c.HandleMessage(context.Background(), confirmationMessage(t, uuid.New(), ActionCancel, ""))
			expectDLQ(t, err, tt.reason)
			if fake.count(ActionCancel) != 1 {
				t.Fatalf("terminal errors must not be retried")
			}
		})
	}
}

func TestConfirmationInvalidEvents(t *testing.T) {
	fake := &fakeLedger{}
	c := newTestConsumer(fake, nil)

	expectDLQ(t, c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("{bad")}), "decode")

	env, _ := kafka.NewEnvelope(confirmationEventType, 1, "")
	for name, event := range map[string]ConfirmationEvent{
		"missing operation": {Envelope: env, Action: "commit"},
		"bad action":        {Envelope: env, OperationID: uuid.NewString(), Action: "refund"},
		"bad uuid":          {Envelope: env, OperationID: "op-1", Action: "commit"},
		"wrong type":        {Envelope: kafka.Envelope{EventID: "e", EventType: "other", EventVersion: 1, Timestamp: time.Now()}, OperationID: uuid.NewString(), Action: "commit"},
	} {
		raw, _ := json.Marshal(event)
		err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: raw})
		var dlqErr *kafka.DLQError
		if !errors.As(err, &dlqErr) || dlqErr.Reason != "invalid_event" {
			t.Fatalf("%s: expected invalid_event DLQ, got %v", name, err)
		}
	}
	if len(fake.calls) != 0 {
		t.Fatalf("expected no ledger calls, got %+v", fake.calls)
	}
}

func TestConfirmationDrivesLedger(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewLedgerService(store, nil, nil, ledger.DefaultConfig(), slog.Default(), nil)

	asset, err := svc.CreateAsset(ctx, "USD", ledger.AssetKindFiat, "US", 2)
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	user, err := svc.CreateAccount(ctx, asset.ID, ledger.AccountTypeUser, true)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	pm, err := svc.CreateAccount(ctx, asset.ID, ledger.AccountTypePaymentMethod, false)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	op, err := svc.CreateDeposit(ctx, ledger.DepositRequest{
		PaymentMethodAccountID: pm.ID,
		UserAccountID:          user.ID,
		Amount:                 decimal.NewFromInt(25),
		DeferHold:              true,
	})
	if err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}

	c := newTestConsumer(svc, idempotency.NewMemoryGuard(time.Minute, time.Hour))
	for _, action := range []Action{ActionHold, ActionCommit, ActionCommit} {
		if err := c.HandleMessage(ctx, confirmationMessage(t, op.ID, action, "")); err != nil {
			t.Fatalf("%s: %v", action, err)
		}
	}

	balance, err := svc.Balance(ctx, user.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected 25, got %s", balance)
	}
}
