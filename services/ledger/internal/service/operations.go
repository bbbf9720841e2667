package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

const (
	reversalReference = "reverses"
	// requestKeyReference keeps a caller supplied idempotency key on a reversal,
	// whose own key is always derived from the reversed operation.
	requestKeyReference = "request_key"
)

func (s *LedgerService) CreateDeposit(ctx context.Context, req ledger.DepositRequest) (*ledger.Operation, error) {
	legs, err := s.cfg.DepositLegs(req)
	if err != nil {
		s.metrics.IncOperation(ledger.OperationDeposit, resultLabel(err))
		return nil, err
	}
	return s.create(ctx, ledger.NewOperation(ledger.OperationDeposit, req.References, req.Metadata), legs, req.DeferHold)
}

func (s *LedgerService) CreateWithdrawal(ctx context.Context, req ledger.WithdrawalRequest) (*ledger.Operation, error) {
	legs, err := s.cfg.WithdrawalLegs(req)
	if err != nil {
		s.metrics.IncOperation(ledger.OperationWithdrawal, resultLabel(err))
		return nil, err
	}
	return s.create(ctx, ledger.NewOperation(ledger.OperationWithdrawal, req.References, req.Metadata), legs, req.DeferHold)
}

// CreateExchange records a buy when BaseAmount is positive and a sell otherwise.
func (s *LedgerService) CreateExchange(ctx context.Context, req ledger.ExchangeRequest) (*ledger.Operation, error) {
	legs, opType, err := s.cfg.ExchangeLegs(req)
	if err != nil {
		s.metrics.IncOperation(ledger.ExchangeType(req.BaseAmount), resultLabel(err))
		return nil, err
	}
	return s.create(ctx, ledger.NewOperation(opType, req.References, req.Metadata), legs, req.DeferHold)
}

func (s *LedgerService) CreateCorrection(ctx context.Context, req ledger.CorrectionRequest) (*ledger.Operation, error) {
	legs, err := s.cfg.CorrectionLegs(req)
	if err != nil {
		s.metrics.IncOperation(ledger.OperationCorrection, resultLabel(err))
		return nil, err
	}
	return s.create(ctx, ledger.NewOperation(ledger.OperationCorrection, req.References, req.Metadata), legs, req.DeferHold)
}

// Reverse offsets a committed operation with a committed correction that negates
// every leg. Reversing the same operation twice fails with ErrDuplicateOperation,
// whatever idempotency key the caller passes; that key is kept as request_key.
func (s *LedgerService) Reverse(ctx context.Context, id uuid.UUID, references map[string]string) (*ledger.Operation, error) {
	start := time.Now()
	defer s.metrics.ObserveDuration("Reverse", start)

	ctx, span := s.tracer.Start(ctx, "ledger.Reverse", trace.WithAttributes(attribute.String("operation.id", id.String())))
	defer span.End()

	original, err := s.store.GetOperation(ctx, id)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if original.Status != ledger.StatusCommitted {
		err := fmt.Errorf("%w: only committed operations can be reversed, %s is %s", ledger.ErrInvalidTransition, id, original.Status)
		recordError(span, err)
		return nil, err
	}

	refs := maps.Clone(references)
	if refs == nil {
		refs = map[string]string{}
	}
	if key := refs[ledger.IdempotencyReference]; key != "" {
		refs[requestKeyReference] = key
	}
	refs[reversalReference] = id.String()
	refs[ledger.IdempotencyReference] = reversalKey(id)
	meta := map[string]any{reversalReference: id.String(), "reversed_type": string(original.Type)}

	correction := ledger.NewOperation(ledger.OperationCorrection, refs, meta)
	created, err := s.store.CreateOperation(ctx, correction, ledger.ReversalLegs(original))
	if err != nil {
		s.metrics.IncOperation(ledger.OperationCorrection, resultLabel(err))
		recordError(span, err)
		return nil, err
	}

	committed, _, err := s.store.TransitionOperation(ctx, created.ID, ledger.StatusCommitted)
	if err != nil {
		s.metrics.IncOperation(ledger.OperationCorrection, resultLabel(err))
		s.discard(ctx, created, err)
		recordError(span, err)
		return nil, err
	}

	s.metrics.IncOperation(ledger.OperationCorrection, "success")
	s.logger.Info("operation reversed", "operation_id", id, "correction_id", committed.ID)
	s.emit(ctx, committed)
	return committed, nil
}

func reversalKey(id uuid.UUID) string {
	return "reverse:" + id.String()
}

func (s *LedgerService) Hold(ctx context.Context, id uuid.UUID) (*ledger.Operation, error) {
	return s.transition(ctx, id, ledger.StatusHold)
}

// Commit settles an operation. Committing a committed operation returns it unchanged.
func (s *LedgerService) Commit(ctx context.Context, id uuid.UUID) (*ledger.Operation, error) {
	return s.transition(ctx, id, ledger.StatusCommitted)
}

// Cancel releases a new or held operation. Cancelling a cancelled operation returns it
// unchanged; committed operations are undone with Reverse.
func (s *LedgerService) Cancel(ctx context.Context, id uuid.UUID) (*ledger.Operation, error) {
	return s.transition(ctx, id, ledger.StatusCancelled)
}

// Delete hard-removes an operation that is still new.
func (s *LedgerService) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "ledger.Delete", trace.WithAttributes(attribute.String("operation.id", id.String())))
	defer span.End()

	deleted, err := s.store.DeleteOperation(ctx, id)
	s.metrics.IncTransition(ledger.StatusDeleted, resultLabel(err))
	if err != nil {
		recordError(span, err)
		return err
	}
	s.logger.Info("operation deleted", "operation_id", id, "type", deleted.Type)
	s.emit(ctx, deleted)
	return nil
}

// create persists the legs as one operation and holds it unless deferHold is set.
// A failed hold deletes the operation so nothing is left in new status; the hold
// error is returned unchanged so callers can tell a transient lock failure from a
// terminal accounting error.
func (s *LedgerService) create(ctx context.Context, op ledger.Operation, legs []ledger.Leg, deferHold bool) (*ledger.Operation, error) {
	start := time.Now()
	defer s.metrics.ObserveDuration("Create", start)

	ctx, span := s.tracer.Start(ctx, "ledger.Create", trace.WithAttributes(
		attribute.String("operation.type", string(op.Type)),
		attribute.Int("operation.legs", len(legs)),
		attribute.Bool("operation.defer_hold", deferHold),
	))
	defer span.End()

	if err := s.checkAssets(ctx, legs); err != nil {
		s.metrics.IncOperation(op.Type, resultLabel(err))
		recordError(span, err)
		return nil, err
	}

	created, err := s.store.CreateOperation(ctx, op, legs)
	if err != nil {
		s.metrics.IncOperation(op.Type, resultLabel(err))
		recordError(span, err)
		if !errors.Is(err, ledger.ErrDuplicateOperation) {
			s.logger.Error("operation create failed", "type", op.Type, "error", err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("operation.id", created.ID.String()))

	if deferHold {
		s.metrics.IncOperation(op.Type, "success")
		s.logger.Info("operation created", "operation_id", created.ID, "type", created.Type, "status", created.Status)
		return created, nil
	}

	held, _, err := s.store.TransitionOperation(ctx, created.ID, ledger.StatusHold)
	s.metrics.IncTransition(ledger.StatusHold, resultLabel(err))
	if err != nil {
		s.metrics.IncOperation(op.Type, resultLabel(err))
		s.discard(ctx, created, err)
		recordError(span, err)
		return nil, err
	}

	s.metrics.IncOperation(op.Type, "success")
	s.logger.Info("operation created", "operation_id", held.ID, "type", held.Type, "status", held.Status)
	s.emit(ctx, held)
	return held, nil
}

// checkAssets verifies every leg account exists and the legs balance within each asset.
func (s *LedgerService) checkAssets(ctx context.Context, legs []ledger.Leg) error {
	assetOf := make(map[uuid.UUID]uuid.UUID, len(legs))
	for _, id := range ledger.AccountIDs(legs) {
		account, err := s.store.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		assetOf[id] = account.AssetID
	}
	return ledger.CheckBalancedPerAsset(legs, assetOf)
}

func (s *LedgerService) discard(ctx context.Context, op *ledger.Operation, cause error) {
	cleanupCtx := context.WithoutCancel(ctx)
	if _, err := s.store.DeleteOperation(cleanupCtx, op.ID); err != nil {
		s.logger.Error("delete operation after failed transition", "operation_id", op.ID, "cause", cause, "error", err)
		return
	}
	s.logger.Warn("operation deleted after failed transition",
		"operation_id", op.ID,
		"type", op.Type,
		"transient", ledger.IsTransient(cause),
		"error", cause,
	)
}

func (s *LedgerService) transition(ctx context.Context, id uuid.UUID, to ledger.OperationStatus) (*ledger.Operation, error) {
	start := time.Now()
	defer s.metrics.ObserveDuration("Transition", start)

	ctx, span := s.tracer.Start(ctx, "ledger.Transition", trace.WithAttributes(
		attribute.String("operation.id", id.String()),
		attribute.String("operation.status", string(to)),
	))
	defer span.End()

	op, changed, err := s.store.TransitionOperation(ctx, id, to)
	s.metrics.IncTransition(to, resultLabel(err))
	if err != nil {
		recordError(span, err)
		var accErr *ledger.AccountingError
		switch {
		case errors.As(err, &accErr):
			s.logger.Warn("operation transition rejected", "operation_id", id, "status", to, "account_id", accErr.AccountID, "balance", accErr.Balance.String())
		case ledger.IsTransient(err):
			s.logger.Warn("operation transition lock timeout", "operation_id", id, "status", to, "error", err)
		default:
			s.logger.Error("operation transition failed", "operation_id", id, "status", to, "error", err)
		}
		return nil, err
	}
	if !changed {
		s.logger.Debug("operation already in status", "operation_id", id, "status", to)
		return op, nil
	}

	s.logger.Info("operation transitioned", "operation_id", id, "type", op.Type, "status", to)
	s.emit(ctx, op)
	return op, nil
}
