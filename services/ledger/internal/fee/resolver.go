package fee

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

type RuleStore interface {
	RuleLister
	// FindFeeRule returns nil, nil when no rule matches. A nil assetID selects the
	// fallback rule.
	FindFeeRule(ctx context.Context, opType ledger.OperationType, assetID *uuid.UUID) (*Rule, error)
}

type Resolver struct {
	store  RuleStore
	cache  *RuleCache
	logger *slog.Logger
}

func NewResolver(store RuleStore, cache *RuleCache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, cache: cache, logger: logger}
}

// Lookup resolves the rule for an operation type and asset: the asset specific rule
// first, then the fallback rule. fromCache reports whether the store was skipped.
func (r *Resolver) Lookup(ctx context.Context, opType ledger.OperationType, assetID uuid.UUID) (rule *Rule, fromCache bool, err error) {
	if !opType.Valid() {
		return nil, false, fmt.Errorf("%w: operation type %q is not supported", ledger.ErrInvariant, opType)
	}

	if assetID != uuid.Nil {
		if rule, ok := r.cached(opType, assetID); ok {
			return rule, true, nil
		}
		rule, err := r.store.FindFeeRule(ctx, opType, &assetID)
		if err != nil {
			r.logger.Error("fee rule lookup failed", "operation_type", opType, "asset_id", assetID, "error", err)
			return nil, false, fmt.Errorf("find fee rule: %w", err)
		}
		if rule != nil {
			r.Remember(*rule)
			return rule, false, nil
		}
	}

	if rule, ok := r.cached(opType, uuid.Nil); ok {
		return rule, true, nil
	}
	rule, err = r.store.FindFeeRule(ctx, opType, nil)
	if err != nil {
		r.logger.Error("fallback fee rule lookup failed", "operation_type", opType, "error", err)
		return nil, false, fmt.Errorf("find fallback fee rule: %w", err)
	}
	if rule == nil {
		return nil, false, fmt.Errorf("%w: operation type %s asset %s", ErrRuleNotFound, opType, assetID)
	}
	r.Remember(*rule)
	return rule, false, nil
}

func (r *Resolver) cached(opType ledger.OperationType, assetID uuid.UUID) (*Rule, bool) {
	if r.cache == nil {
		return nil, false
	}
	return r.cache.Get(opType, assetID)
}

// Remember puts rule in the cache so lookups see it before the next refresh.
func (r *Resolver) Remember(rule Rule) {
	if r.cache != nil {
		r.cache.Set(rule)
	}
}
