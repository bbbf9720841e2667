package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OperationType string

const (
	OperationDeposit    OperationType = "deposit"
	OperationWithdrawal OperationType = "withdrawal"
	OperationBuy        OperationType = "buy"
	OperationSell       OperationType = "sell"
	OperationCorrection OperationType = "correction"
)

func (t OperationType) Valid() bool {
	switch t {
	case OperationDeposit, OperationWithdrawal, OperationBuy, OperationSell, OperationCorrection:
		return true
	}
	return false
}

type OperationStatus string

const (
	StatusNew       OperationStatus = "new"
	StatusHold      OperationStatus = "hold"
	StatusCommitted OperationStatus = "committed"
	StatusCancelled OperationStatus = "cancelled"
	StatusDeleted   OperationStatus = "deleted"
)

func (s OperationStatus) Terminal() bool {
	return s == StatusCommitted || s == StatusCancelled || s == StatusDeleted
}

// IdempotencyReference is the references key guarded by a uniqueness constraint.
const IdempotencyReference = "idempotency_key"

type Operation struct {
	ID           uuid.UUID
	Type         OperationType
	Status       OperationStatus
	References   map[string]string
	Metadata     map[string]any
	Transactions []Transaction
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Transaction struct {
	ID          uuid.UUID
	OperationID uuid.UUID
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	References  map[string]string
	CreatedAt   time.Time
}

func NewOperation(opType OperationType, references map[string]string, metadata map[string]any) Operation {
	now := time.Now().UTC()
	if references == nil {
		references = map[string]string{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Operation{
		ID:         uuid.New(),
		Type:       opType,
		Status:     StatusNew,
		References: references,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (o *Operation) IdempotencyKey() string {
	if o == nil || o.References == nil {
		return ""
	}
	return strings.TrimSpace(o.References[IdempotencyReference])
}

// IsValid checks the zero-sum invariant over the operation's transactions.
func (o *Operation) IsValid() error {
	if o == nil {
		return invariant("operation is required")
	}
	legs := make([]Leg, 0, len(o.Transactions))
	for _, tx := range o.Transactions {
		legs = append(legs, Leg{AccountID: tx.AccountID, Amount: tx.Amount})
	}
	return CheckBalanced(legs)
}

// Transition validates moving from one status to another. changed is false when the
// operation already sits in the requested terminal status, which callers treat as a no-op.
func Transition(from, to OperationStatus) (changed bool, err error) {
	switch to {
	case StatusHold:
		if from == StatusNew {
			return true, nil
		}
	case StatusCommitted:
		switch from {
		case StatusNew, StatusHold:
			return true, nil
		case StatusCommitted:
			return false, nil
		}
	case StatusCancelled:
		switch from {
		case StatusNew, StatusHold:
			return true, nil
		case StatusCancelled:
			return false, nil
		}
	case StatusDeleted:
		if from == StatusNew {
			return true, nil
		}
	}
	return false, &TransitionError{From: from, To: to}
}

type TransitionError struct {
	From OperationStatus
	To   OperationStatus
}

func (e *TransitionError) Error() string {
	return "cannot move operation from " + string(e.From) + " to " + string(e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
