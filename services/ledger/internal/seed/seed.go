// Package seed loads reference assets, system accounts and fallback fee rules
// for dev and test environments. Every step is safe to re-run.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/fee"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

var namespace = uuid.MustParse("6f1d7c1e-3a52-4d0c-9a7e-2f4f3f1a6b10")

type Store interface {
	CreateAsset(ctx context.Context, asset ledger.Asset) (ledger.Asset, error)
	GetAssetByCode(ctx context.Context, code string) (ledger.Asset, error)
	CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error)
	UpsertFeeRule(ctx context.Context, rule fee.Rule) (fee.Rule, error)
}

type Ledger interface {
	CreateDeposit(ctx context.Context, req ledger.DepositRequest) (*ledger.Operation, error)
	GetOperationByKey(ctx context.Context, key string) (*ledger.Operation, error)
	Commit(ctx context.Context, id uuid.UUID) (*ledger.Operation, error)
}

type assetDef struct {
	code     string
	kind     ledger.AssetKind
	country  string
	decimals int32
	deposit  string
}

var assets = []assetDef{
	{"USD", ledger.AssetKindFiat, "US", 2, "100000"},
	{"EUR", ledger.AssetKindFiat, "", 2, "50000"},
	{"AED", ledger.AssetKindFiat, "AE", 2, "250000"},
	{"BTC", ledger.AssetKindCrypto, "", 8, "10"},
	{"ETH", ledger.AssetKindCrypto, "", 18, "100"},
}

var systemAccounts = []ledger.AccountType{
	ledger.AccountTypeFee,
	ledger.AccountTypeRounding,
	ledger.AccountTypeExchange,
	ledger.AccountTypePaymentMethod,
}

var fallbackFees = []fee.Rule{
	{OperationType: ledger.OperationDeposit, ValueType: fee.ValueConstant, Value: decimal.Zero},
	{OperationType: ledger.OperationWithdrawal, ValueType: fee.ValuePercentage, Value: decimal.RequireFromString("0.005")},
	{OperationType: ledger.OperationBuy, ValueType: fee.ValuePercentage, Value: decimal.RequireFromString("0.01")},
	{OperationType: ledger.OperationSell, ValueType: fee.ValuePercentage, Value: decimal.RequireFromString("0.01")},
}

// Result lists what a run created, keyed by asset code.
type Result struct {
	Assets   map[string]ledger.Asset
	Accounts map[string]map[ledger.AccountType]uuid.UUID
	Fees     int
	Deposits int
}

type Seeder struct {
	store  Store
	ledger Ledger
	logger *slog.Logger
}

func New(store Store, l Ledger, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{store: store, ledger: l, logger: logger}
}

// AccountID is the stable id of the seeded account of accountType for code.
// Owner distinguishes user accounts and is empty for system accounts.
func AccountID(code string, accountType ledger.AccountType, owner string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(code+"/"+string(accountType)+"/"+owner))
}

// Run seeds reference data. With demo set it also funds a demo user account per
// asset through committed deposits.
func (s *Seeder) Run(ctx context.Context, demo bool) (*Result, error) {
	result := &Result{
		Assets:   make(map[string]ledger.Asset, len(assets)),
		Accounts: make(map[string]map[ledger.AccountType]uuid.UUID, len(assets)),
	}

	for _, def := range assets {
		asset, err := s.ensureAsset(ctx, def)
		if err != nil {
			return nil, err
		}
		result.Assets[def.code] = asset
		result.Accounts[def.code] = make(map[ledger.AccountType]uuid.UUID)

		for _, accountType := range systemAccounts {
			account, err := s.ensureAccount(ctx, asset, accountType, "")
			if err != nil {
				return nil, err
			}
			result.Accounts[def.code][accountType] = account.ID
		}
	}

	for _, rule := range fallbackFees {
		if _, err := s.store.UpsertFeeRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("seed fee %s: %w", rule.OperationType, err)
		}
		result.Fees++
	}

	if !demo {
		return result, nil
	}
	for _, def := range assets {
		asset := result.Assets[def.code]
		user, err := s.ensureAccount(ctx, asset, ledger.AccountTypeUser, "demo")
		if err != nil {
			return nil, err
		}
		result.Accounts[def.code][ledger.AccountTypeUser] = user.ID

		funded, err := s.fund(ctx, def, result.Accounts[def.code][ledger.AccountTypePaymentMethod], user.ID)
		if err != nil {
			return nil, err
		}
		if funded {
			result.Deposits++
		}
	}
	return result, nil
}

func (s *Seeder) ensureAsset(ctx context.Context, def assetDef) (ledger.Asset, error) {
	asset, err := s.store.GetAssetByCode(ctx, def.code)
	if err == nil {
		return asset, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Asset{}, fmt.Errorf("lookup asset %s: %w", def.code, err)
	}

	asset, err = ledger.NewAsset(def.code, def.kind, def.country, def.decimals)
	if err != nil {
		return ledger.Asset{}, err
	}
	asset, err = s.store.CreateAsset(ctx, asset)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("seed asset %s: %w", def.code, err)
	}
	s.logger.Info("asset seeded", "code", asset.Code, "asset_id", asset.ID)
	return asset, nil
}

func (s *Seeder) ensureAccount(ctx context.Context, asset ledger.Asset, accountType ledger.AccountType, owner string) (ledger.Account, error) {
	id := AccountID(asset.Code, accountType, owner)
	account, err := s.store.GetAccount(ctx, id)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, fmt.Errorf("lookup account %s: %w", id, err)
	}

	account, err = ledger.NewAccount(asset.ID, accountType, accountType.DefaultStrict())
	if err != nil {
		return ledger.Account{}, err
	}
	account.ID = id
	account, err = s.store.CreateAccount(ctx, account)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("seed %s account for %s: %w", accountType, asset.Code, err)
	}
	s.logger.Info("account seeded", "code", asset.Code, "type", accountType, "account_id", account.ID)
	return account, nil
}

// fund deposits the demo balance once. A deposit left held by an earlier failed
// run is committed instead of being counted as funded.
func (s *Seeder) fund(ctx context.Context, def assetDef, paymentMethod, user uuid.UUID) (bool, error) {
	key := "seed:demo:" + def.code
	op, err := s.ledger.CreateDeposit(ctx, ledger.DepositRequest{
		PaymentMethodAccountID: paymentMethod,
		UserAccountID:          user,
		Amount:                 decimal.RequireFromString(def.deposit),
		References:             map[string]string{ledger.IdempotencyReference: key},
		Metadata:               map[string]any{"source": "seed"},
	})
	if errors.Is(err, ledger.ErrDuplicateOperation) {
		op, err = s.ledger.GetOperationByKey(ctx, key)
		if err != nil {
			return false, fmt.Errorf("lookup seed deposit %s: %w", def.code, err)
		}
		if op.Status == ledger.StatusCommitted {
			return false, nil
		}
		s.logger.Warn("committing seed deposit left by an earlier run", "code", def.code, "operation_id", op.ID, "status", op.Status)
	} else if err != nil {
		return false, fmt.Errorf("seed deposit %s: %w", def.code, err)
	}
	if _, err := s.ledger.Commit(ctx, op.ID); err != nil {
		return false, fmt.Errorf("commit seed deposit %s: %w", def.code, err)
	}
	return true, nil
}
