// Package ledger holds the double-entry model: assets, accounts, operations and
// their transactions, the operation status machine and the balance inclusion rule.
//
// Everything here is storage independent. Stores persist these values and call back
// into the pure functions so every backend applies the same rules.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AssetKind string

const (
	AssetKindFiat   AssetKind = "fiat"
	AssetKindCrypto AssetKind = "crypto"
)

func (k AssetKind) Valid() bool {
	return k == AssetKindFiat || k == AssetKindCrypto
}

type Asset struct {
	ID        uuid.UUID
	Code      string
	Kind      AssetKind
	Country   string
	Decimals  int32
	CreatedAt time.Time
}

func NewAsset(code string, kind AssetKind, country string, decimals int32) (Asset, error) {
	asset := Asset{
		ID:       uuid.New(),
		Code:     strings.ToUpper(strings.TrimSpace(code)),
		Kind:     kind,
		Country:  strings.ToUpper(strings.TrimSpace(country)),
		Decimals: decimals,
	}
	if err := asset.Validate(); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

func (a Asset) Validate() error {
	if a.Code == "" {
		return invariant("asset code is required")
	}
	if !a.Kind.Valid() {
		return invariant("asset kind %q is not supported", a.Kind)
	}
	if a.Decimals < 0 {
		return invariant("asset decimals must be non-negative")
	}
	if a.Country != "" && a.Kind != AssetKindFiat {
		return invariant("country is only allowed for fiat assets")
	}
	return nil
}

func (a Asset) String() string {
	return fmt.Sprintf("%s(%s)", a.Code, a.Kind)
}
