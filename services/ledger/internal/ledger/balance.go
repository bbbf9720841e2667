package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceRow is one aggregated slice of an account's transactions.
type BalanceRow struct {
	OperationType OperationType
	Status        OperationStatus
	AssetKind     AssetKind
	Amount        decimal.Decimal
}

// Included decides whether a transaction counts towards its account balance.
// Outgoing funds are reserved as soon as they are held; incoming funds only count
// once committed.
func Included(opType OperationType, status OperationStatus, kind AssetKind) bool {
	heldOrCommitted := status == StatusHold || status == StatusCommitted
	switch opType {
	case OperationDeposit, OperationCorrection:
		return status == StatusCommitted
	case OperationWithdrawal:
		return heldOrCommitted
	case OperationBuy:
		if kind == AssetKindFiat {
			return heldOrCommitted
		}
		return status == StatusCommitted
	case OperationSell:
		if kind == AssetKindCrypto {
			return heldOrCommitted
		}
		return status == StatusCommitted
	}
	return false
}

func Balance(rows []BalanceRow) decimal.Decimal {
	total := decimal.Zero
	for _, row := range rows {
		if Included(row.OperationType, row.Status, row.AssetKind) {
			total = total.Add(row.Amount)
		}
	}
	return total
}

// CheckStrict fails when a strict account balance is negative.
func CheckStrict(account Account, balance decimal.Decimal) error {
	if !account.Strict || !balance.IsNegative() {
		return nil
	}
	return &AccountingError{AccountID: account.ID, Balance: balance, Err: ErrInsufficientFunds}
}

// BalanceSheet accumulates rows per account; stores use it to evaluate several
// accounts from a single scan.
type BalanceSheet map[uuid.UUID][]BalanceRow

func (b BalanceSheet) Add(accountID uuid.UUID, row BalanceRow) {
	b[accountID] = append(b[accountID], row)
}

func (b BalanceSheet) Balance(accountID uuid.UUID) decimal.Decimal {
	return Balance(b[accountID])
}
