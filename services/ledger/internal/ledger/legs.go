package ledger

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Leg is a transaction that has not been persisted yet.
type Leg struct {
	AccountID  uuid.UUID
	Amount     decimal.Decimal
	References map[string]string
}

// DepositRequest moves Amount from a payment method account to a user account.
// DeferHold leaves the operation in new status for the caller to drive.
type DepositRequest struct {
	PaymentMethodAccountID uuid.UUID
	UserAccountID          uuid.UUID
	Amount                 decimal.Decimal
	FeeAccountID           uuid.UUID
	FeeAmount              decimal.Decimal
	RoundingAccountID      uuid.UUID
	RoundingAmount         decimal.Decimal
	References             map[string]string
	Metadata               map[string]any
	DeferHold              bool
}

type WithdrawalRequest struct {
	UserAccountID          uuid.UUID
	PaymentMethodAccountID uuid.UUID
	Amount                 decimal.Decimal
	FeeAccountID           uuid.UUID
	FeeAmount              decimal.Decimal
	RoundingAccountID      uuid.UUID
	RoundingAmount         decimal.Decimal
	References             map[string]string
	Metadata               map[string]any
	DeferHold              bool
}

// ExchangeRequest swaps one asset for another. BaseAmount and QuoteAmount must have
// opposite signs; a positive BaseAmount is a buy.
type ExchangeRequest struct {
	BaseAccountID          uuid.UUID
	BaseExchangeAccountID  uuid.UUID
	BaseAmount             decimal.Decimal
	QuoteAccountID         uuid.UUID
	QuoteExchangeAccountID uuid.UUID
	QuoteAmount            decimal.Decimal
	FeeAccountID           uuid.UUID
	FeeAmount              decimal.Decimal
	BaseRoundingAccountID  uuid.UUID
	BaseRoundingAmount     decimal.Decimal
	QuoteRoundingAccountID uuid.UUID
	QuoteRoundingAmount    decimal.Decimal
	References             map[string]string
	Metadata               map[string]any
	DeferHold              bool
}

type CorrectionRequest struct {
	Legs       []Leg
	References map[string]string
	Metadata   map[string]any
	DeferHold  bool
}

func (c Config) DepositLegs(req DepositRequest) ([]Leg, error) {
	if err := c.checkTransfer(req.Amount, req.PaymentMethodAccountID, req.UserAccountID); err != nil {
		return nil, err
	}
	legs := []Leg{
		{AccountID: req.PaymentMethodAccountID, Amount: req.Amount.Neg()},
		{AccountID: req.UserAccountID, Amount: req.Amount},
	}
	legs, err := c.appendFee(legs, req.UserAccountID, req.FeeAccountID, req.FeeAmount)
	if err != nil {
		return nil, err
	}
	return c.appendRounding(legs, req.PaymentMethodAccountID, req.RoundingAccountID, req.RoundingAmount, "rounding_amount")
}

func (c Config) WithdrawalLegs(req WithdrawalRequest) ([]Leg, error) {
	if err := c.checkTransfer(req.Amount, req.UserAccountID, req.PaymentMethodAccountID); err != nil {
		return nil, err
	}
	legs := []Leg{
		{AccountID: req.UserAccountID, Amount: req.Amount.Neg()},
		{AccountID: req.PaymentMethodAccountID, Amount: req.Amount},
	}
	legs, err := c.appendFee(legs, req.UserAccountID, req.FeeAccountID, req.FeeAmount)
	if err != nil {
		return nil, err
	}
	return c.appendRounding(legs, req.PaymentMethodAccountID, req.RoundingAccountID, req.RoundingAmount, "rounding_amount")
}

// ExchangeType is buy when the base account receives baseAmount and sell otherwise.
func ExchangeType(baseAmount decimal.Decimal) OperationType {
	if baseAmount.IsPositive() {
		return OperationBuy
	}
	return OperationSell
}

// ExchangeLegs returns the legs and the operation type implied by the base amount sign.
func (c Config) ExchangeLegs(req ExchangeRequest) ([]Leg, OperationType, error) {
	if !req.BaseAmount.Mul(req.QuoteAmount).IsNegative() {
		return nil, "", invariant("base_amount and quote_amount must have opposite signs")
	}
	if req.FeeAmount.IsNegative() {
		return nil, "", invariant("fee_amount must be non-negative")
	}
	for field, id := range map[string]uuid.UUID{
		"base_account_id":           req.BaseAccountID,
		"base_exchange_account_id":  req.BaseExchangeAccountID,
		"quote_account_id":          req.QuoteAccountID,
		"quote_exchange_account_id": req.QuoteExchangeAccountID,
	} {
		if id == uuid.Nil {
			return nil, "", invariant("%s is required", field)
		}
	}
	if err := c.CheckAmount("base_amount", req.BaseAmount); err != nil {
		return nil, "", err
	}
	if err := c.CheckAmount("quote_amount", req.QuoteAmount); err != nil {
		return nil, "", err
	}

	opType := ExchangeType(req.BaseAmount)

	legs := []Leg{
		{AccountID: req.BaseAccountID, Amount: req.BaseAmount},
		{AccountID: req.BaseExchangeAccountID, Amount: req.BaseAmount.Neg()},
		{AccountID: req.QuoteAccountID, Amount: req.QuoteAmount},
		{AccountID: req.QuoteExchangeAccountID, Amount: req.QuoteAmount.Neg()},
	}
	legs, err := c.appendFee(legs, req.QuoteAccountID, req.FeeAccountID, req.FeeAmount)
	if err != nil {
		return nil, "", err
	}
	legs, err = c.appendRounding(legs, req.BaseExchangeAccountID, req.BaseRoundingAccountID, req.BaseRoundingAmount, "base_rounding_amount")
	if err != nil {
		return nil, "", err
	}
	legs, err = c.appendRounding(legs, req.QuoteExchangeAccountID, req.QuoteRoundingAccountID, req.QuoteRoundingAmount, "quote_rounding_amount")
	if err != nil {
		return nil, "", err
	}
	return legs, opType, nil
}

func (c Config) CorrectionLegs(req CorrectionRequest) ([]Leg, error) {
	if len(req.Legs) < 2 {
		return nil, invariant("correction needs at least two legs")
	}
	legs := make([]Leg, 0, len(req.Legs))
	for _, leg := range req.Legs {
		if leg.AccountID == uuid.Nil {
			return nil, invariant("leg account_id is required")
		}
		if err := c.CheckAmount("leg amount", leg.Amount); err != nil {
			return nil, err
		}
		if leg.Amount.IsZero() {
			continue
		}
		legs = append(legs, leg)
	}
	return legs, nil
}

// ReversalLegs negates every transaction of a settled operation.
func ReversalLegs(op *Operation) []Leg {
	legs := make([]Leg, 0, len(op.Transactions))
	for _, tx := range op.Transactions {
		legs = append(legs, Leg{
			AccountID:  tx.AccountID,
			Amount:     tx.Amount.Neg(),
			References: map[string]string{"reverses": tx.ID.String()},
		})
	}
	return legs
}

func (c Config) checkTransfer(amount decimal.Decimal, from, to uuid.UUID) error {
	if !amount.IsPositive() {
		return invariant("amount must be positive")
	}
	if from == uuid.Nil || to == uuid.Nil {
		return invariant("source and destination accounts are required")
	}
	return c.CheckAmount("amount", amount)
}

func (c Config) appendFee(legs []Leg, payer, feeAccount uuid.UUID, amount decimal.Decimal) ([]Leg, error) {
	if amount.IsNegative() {
		return nil, invariant("fee_amount must be non-negative")
	}
	if amount.IsZero() {
		return legs, nil
	}
	if feeAccount == uuid.Nil {
		return nil, invariant("fee_account_id is required when fee_amount is set")
	}
	if err := c.CheckAmount("fee_amount", amount); err != nil {
		return nil, err
	}
	return append(legs,
		Leg{AccountID: payer, Amount: amount.Neg()},
		Leg{AccountID: feeAccount, Amount: amount},
	), nil
}

func (c Config) appendRounding(legs []Leg, counterparty, roundingAccount uuid.UUID, amount decimal.Decimal, field string) ([]Leg, error) {
	if amount.IsZero() {
		return legs, nil
	}
	if roundingAccount == uuid.Nil {
		return nil, invariant("rounding account is required when %s is set", field)
	}
	if err := c.CheckAmount(field, amount); err != nil {
		return nil, err
	}
	return append(legs,
		Leg{AccountID: counterparty, Amount: amount},
		Leg{AccountID: roundingAccount, Amount: amount.Neg()},
	), nil
}

// CheckBalanced verifies the legs sum to exactly zero.
func CheckBalanced(legs []Leg) error {
	if len(legs) == 0 {
		return ErrUnbalanced
	}
	sum := decimal.Zero
	for _, leg := range legs {
		sum = sum.Add(leg.Amount)
	}
	if !sum.IsZero() {
		return &UnbalancedError{Sum: sum}
	}
	return nil
}

// CheckBalancedPerAsset verifies the legs sum to zero within every asset. assetOf maps
// each leg account to its asset.
func CheckBalancedPerAsset(legs []Leg, assetOf map[uuid.UUID]uuid.UUID) error {
	if err := CheckBalanced(legs); err != nil {
		return err
	}
	sums := make(map[uuid.UUID]decimal.Decimal)
	for _, leg := range legs {
		assetID, ok := assetOf[leg.AccountID]
		if !ok {
			return invariant("asset of account %s is unknown", leg.AccountID)
		}
		sums[assetID] = sums[assetID].Add(leg.Amount)
	}
	for assetID, sum := range sums {
		if !sum.IsZero() {
			return &UnbalancedError{Sum: sum, AssetID: assetID}
		}
	}
	return nil
}

type UnbalancedError struct {
	Sum     decimal.Decimal
	AssetID uuid.UUID
}

func (e *UnbalancedError) Error() string {
	if e.AssetID != uuid.Nil {
		return "operation is unbalanced by " + e.Sum.String() + " in asset " + e.AssetID.String()
	}
	return "operation is unbalanced by " + e.Sum.String()
}

func (e *UnbalancedError) Unwrap() error {
	return ErrUnbalanced
}

// AccountIDs returns the distinct accounts touched by legs, sorted so that
// row locks are always taken in the same order.
func AccountIDs(legs []Leg) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(legs))
	ids := make([]uuid.UUID, 0, len(legs))
	for _, leg := range legs {
		if _, ok := seen[leg.AccountID]; ok {
			continue
		}
		seen[leg.AccountID] = struct{}{}
		ids = append(ids, leg.AccountID)
	}
	sortIDs(ids)
	return ids
}

// DebitedAccounts returns accounts whose net movement in legs is negative.
func DebitedAccounts(legs []Leg) []uuid.UUID {
	net := make(map[uuid.UUID]decimal.Decimal, len(legs))
	for _, leg := range legs {
		net[leg.AccountID] = net[leg.AccountID].Add(leg.Amount)
	}
	ids := make([]uuid.UUID, 0, len(net))
	for id, amount := range net {
		if amount.IsNegative() {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func LegsOf(op *Operation) []Leg {
	legs := make([]Leg, 0, len(op.Transactions))
	for _, tx := range op.Transactions {
		legs = append(legs, Leg{AccountID: tx.AccountID, Amount: tx.Amount, References: tx.References})
	}
	return legs
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
