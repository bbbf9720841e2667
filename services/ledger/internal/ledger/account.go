package ledger

import (
	"time"

	"github.com/google/uuid"
)

type AccountType string

const (
	AccountTypeUser          AccountType = "user"
	AccountTypeFee           AccountType = "fee"
	AccountTypeRounding      AccountType = "rounding"
	AccountTypeExchange      AccountType = "exchange"
	AccountTypePaymentMethod AccountType = "payment_method"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeUser, AccountTypeFee, AccountTypeRounding, AccountTypeExchange, AccountTypePaymentMethod:
		return true
	}
	return false
}

// DefaultStrict reports whether accounts of this type reject negative balances unless
// told otherwise. Only user accounts do.
func (t AccountType) DefaultStrict() bool {
	return t == AccountTypeUser
}

// Account never stores a balance; it is always derived from transactions.
type Account struct {
	ID        uuid.UUID
	AssetID   uuid.UUID
	Type      AccountType
	Strict    bool
	CreatedAt time.Time
}

func NewAccount(assetID uuid.UUID, accountType AccountType, strict bool) (Account, error) {
	if assetID == uuid.Nil {
		return Account{}, invariant("asset_id is required")
	}
	if !accountType.Valid() {
		return Account{}, invariant("account type %q is not supported", accountType)
	}
	return Account{
		ID:      uuid.New(),
		AssetID: assetID,
		Type:    accountType,
		Strict:  strict,
	}, nil
}

func NewUserAccount(asset Asset) (Account, error) {
	return NewAccount(asset.ID, AccountTypeUser, AccountTypeUser.DefaultStrict())
}

func NewFeeAccount(asset Asset) (Account, error) {
	return NewAccount(asset.ID, AccountTypeFee, AccountTypeFee.DefaultStrict())
}

func NewRoundingAccount(asset Asset) (Account, error) {
	return NewAccount(asset.ID, AccountTypeRounding, AccountTypeRounding.DefaultStrict())
}

func NewExchangeAccount(asset Asset) (Account, error) {
	return NewAccount(asset.ID, AccountTypeExchange, AccountTypeExchange.DefaultStrict())
}

func NewPaymentMethodAccount(asset Asset) (Account, error) {
	return NewAccount(asset.ID, AccountTypePaymentMethod, AccountTypePaymentMethod.DefaultStrict())
}
