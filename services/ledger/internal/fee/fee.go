package fee

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

var ErrRuleNotFound = errors.New("fee rule not found")

type ValueType string

const (
	ValueConstant   ValueType = "constant"
	ValuePercentage ValueType = "percentage"
)

func (v ValueType) Valid() bool {
	return v == ValueConstant || v == ValuePercentage
}

// Rule prices one operation type. A nil AssetID marks the fallback rule used when
// no asset specific rule exists.
type Rule struct {
	ID            uuid.UUID
	OperationType ledger.OperationType
	AssetID       *uuid.UUID
	ValueType     ValueType
	Value         decimal.Decimal
	CreatedAt     time.Time
}

func (r Rule) Validate() error {
	if !r.OperationType.Valid() {
		return fmt.Errorf("%w: operation type %q is not supported", ledger.ErrInvariant, r.OperationType)
	}
	if !r.ValueType.Valid() {
		return fmt.Errorf("%w: value type %q is not supported", ledger.ErrInvariant, r.ValueType)
	}
	if r.Value.IsNegative() {
		return fmt.Errorf("%w: fee value must be non-negative", ledger.ErrInvariant)
	}
	return nil
}

// Calculate returns the fee for amount truncated to decimals places. Percentage values
// are fractions, so 0.01 is one percent.
func (r Rule) Calculate(amount decimal.Decimal, decimals int32) decimal.Decimal {
	fee := r.Value
	if r.ValueType == ValuePercentage {
		fee = r.Value.Mul(amount)
	}
	return fee.RoundDown(decimals)
}

func (r Rule) IsFallback() bool {
	return r.AssetID == nil
}

func (r Rule) key() ruleKey {
	k := ruleKey{opType: r.OperationType}
	if r.AssetID != nil {
		k.assetID = *r.AssetID
	}
	return k
}

type ruleKey struct {
	opType  ledger.OperationType
	assetID uuid.UUID
}
