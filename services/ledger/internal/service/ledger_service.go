package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/fee"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

const tracerName = "github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger"

type Store interface {
	CreateAsset(ctx context.Context, asset ledger.Asset) (ledger.Asset, error)
	GetAsset(ctx context.Context, id uuid.UUID) (ledger.Asset, error)
	CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error)
	DeleteAccount(ctx context.Context, id uuid.UUID) error
	CreateOperation(ctx context.Context, op ledger.Operation, legs []ledger.Leg) (*ledger.Operation, error)
	GetOperation(ctx context.Context, id uuid.UUID) (*ledger.Operation, error)
	GetOperationByKey(ctx context.Context, key string) (*ledger.Operation, error)
	TransitionOperation(ctx context.Context, id uuid.UUID, to ledger.OperationStatus) (*ledger.Operation, bool, error)
	DeleteOperation(ctx context.Context, id uuid.UUID) (*ledger.Operation, error)
	AccountBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	UpsertFeeRule(ctx context.Context, rule fee.Rule) (fee.Rule, error)
}

type FeeResolver interface {
	Lookup(ctx context.Context, opType ledger.OperationType, assetID uuid.UUID) (*fee.Rule, bool, error)
	Remember(rule fee.Rule)
}

type LedgerService struct {
	store   Store
	fees    FeeResolver
	events  Emitter
	cfg     ledger.Config
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

func NewLedgerService(store Store, fees FeeResolver, events Emitter, cfg ledger.Config, logger *slog.Logger, metrics *Metrics) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = nopEmitter{}
	}
	return &LedgerService{
		store:   store,
		fees:    fees,
		events:  events,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

func (s *LedgerService) CreateAsset(ctx context.Context, code string, kind ledger.AssetKind, country string, decimals int32) (ledger.Asset, error) {
	asset, err := ledger.NewAsset(code, kind, country, decimals)
	if err != nil {
		return ledger.Asset{}, err
	}
	asset, err = s.store.CreateAsset(ctx, asset)
	if err != nil {
		return ledger.Asset{}, err
	}
	s.logger.Info("asset created", "asset_id", asset.ID, "code", asset.Code, "kind", asset.Kind)
	return asset, nil
}

func (s *LedgerService) CreateAccount(ctx context.Context, assetID uuid.UUID, accountType ledger.AccountType, strict bool) (ledger.Account, error) {
	account, err := ledger.NewAccount(assetID, accountType, strict)
	if err != nil {
		return ledger.Account{}, err
	}
	account, err = s.store.CreateAccount(ctx, account)
	if err != nil {
		return ledger.Account{}, err
	}
	s.logger.Info("account created", "account_id", account.ID, "asset_id", assetID, "type", accountType, "strict", strict)
	return account, nil
}

func (s *LedgerService) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	s.logger.Info("account deleted", "account_id", id)
	return nil
}

// Balance derives the account balance from its transactions.
func (s *LedgerService) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Balance", trace.WithAttributes(attribute.String("account.id", accountID.String())))
	defer span.End()

	balance, err := s.store.AccountBalance(ctx, accountID)
	if err != nil {
		s.metrics.IncBalanceLookup("error")
		recordError(span, err)
		return decimal.Zero, err
	}
	s.metrics.IncBalanceLookup("success")
	return balance, nil
}

func (s *LedgerService) GetOperation(ctx context.Context, id uuid.UUID) (*ledger.Operation, error) {
	return s.store.GetOperation(ctx, id)
}

// GetOperationByKey finds the operation created with an idempotency key.
func (s *LedgerService) GetOperationByKey(ctx context.Context, key string) (*ledger.Operation, error) {
	return s.store.GetOperationByKey(ctx, key)
}

// IsValid re-checks that a persisted operation's transactions sum to zero.
func (s *LedgerService) IsValid(ctx context.Context, id uuid.UUID) error {
	op, err := s.store.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	return op.IsValid()
}

func (s *LedgerService) LookupFee(ctx context.Context, opType ledger.OperationType, assetID uuid.UUID) (*fee.Rule, error) {
	if s.fees == nil {
		return nil, fmt.Errorf("%w: no fee resolver configured", fee.ErrRuleNotFound)
	}
	rule, fromCache, err := s.fees.Lookup(ctx, opType, assetID)
	if err != nil {
		s.metrics.IncFeeLookup(resultLabel(err))
		s.logger.Error("fee rule lookup failed", "operation_type", opType, "asset_id", assetID, "error", err)
		return nil, err
	}
	source := "store"
	if fromCache {
		source = "cache"
	}
	s.metrics.IncFeeLookup(source)
	return rule, nil
}

// CalculateFee prices amount with the rule for opType and asset, truncated to the
// asset's decimals.
func (s *LedgerService) CalculateFee(ctx context.Context, opType ledger.OperationType, assetID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	asset, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	rule, err := s.LookupFee(ctx, opType, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	return rule.Calculate(amount, asset.Decimals), nil
}

func (s *LedgerService) SetFeeRule(ctx context.Context, rule fee.Rule) (fee.Rule, error) {
	rule, err := s.store.UpsertFeeRule(ctx, rule)
	if err != nil {
		return fee.Rule{}, err
	}
	if s.fees != nil {
		s.fees.Remember(rule)
	}
	s.logger.Info("fee rule stored", "rule_id", rule.ID, "operation_type", rule.OperationType, "value_type", rule.ValueType, "value", rule.Value.String())
	return rule, nil
}

func (s *LedgerService) emit(ctx context.Context, op *ledger.Operation) {
	eventType, ok := eventForStatus(op.Status)
	if !ok {
		return
	}
	if err := s.events.Emit(ctx, newOperationEvent(eventType, op)); err != nil {
		s.metrics.IncEventError(eventType)
		s.logger.Error("operation event failed", "event_type", eventType, "operation_id", op.ID, "error", err)
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
