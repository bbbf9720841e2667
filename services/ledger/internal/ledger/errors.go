package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvariant          = errors.New("ledger invariant violated")
	ErrUnbalanced         = errors.New("operation is unbalanced")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidTransition  = errors.New("invalid operation status transition")
	ErrLockTimeout        = errors.New("ledger lock not acquired")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateOperation = errors.New("operation already exists")
	ErrAccountInUse       = errors.New("account has transactions")
	ErrAssetExists        = errors.New("asset already exists")
)

// AccountingError reports a strict account that would go negative.
type AccountingError struct {
	AccountID uuid.UUID
	Balance   decimal.Decimal
	Err       error
}

func (e *AccountingError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("account %s balance %s: %v", e.AccountID, e.Balance.String(), e.Err)
}

func (e *AccountingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// IsTransient reports whether the caller may retry the whole call in a fresh transaction.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
