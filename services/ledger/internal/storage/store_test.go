package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/fee"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

type ledgerStore interface {
	CreateAsset(ctx context.Context, asset ledger.Asset) (ledger.Asset, error)
	GetAsset(ctx context.Context, id uuid.UUID) (ledger.Asset, error)
	GetAssetByCode(ctx context.Context, code string) (ledger.Asset, error)
	CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error)
	DeleteAccount(ctx context.Context, id uuid.UUID) error
	CreateOperation(ctx context.Context, op ledger.Operation, legs []ledger.Leg) (*ledger.Operation, error)
	GetOperation(ctx context.Context, id uuid.UUID) (*ledger.Operation, error)
	GetOperationByKey(ctx context.Context, key string) (*ledger.Operation, error)
	TransitionOperation(ctx context.Context, id uuid.UUID, to ledger.OperationStatus) (*ledger.Operation, bool, error)
	DeleteOperation(ctx context.Context, id uuid.UUID) (*ledger.Operation, error)
	AccountBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	ListFeeRules(ctx context.Context) ([]fee.Rule, error)
	FindFeeRule(ctx context.Context, opType ledger.OperationType, assetID *uuid.UUID) (*fee.Rule, error)
	UpsertFeeRule(ctx context.Context, rule fee.Rule) (fee.Rule, error)
}

var (
	_ ledgerStore = (*Store)(nil)
	_ ledgerStore = (*MemoryStore)(nil)
)

type fixture struct {
	asset ledger.Asset
	user  ledger.Account
	pm    ledger.Account
}

func newFixture(t *testing.T, ctx context.Context, store ledgerStore, kind ledger.AssetKind) fixture {
	t.Helper()

	code := "T" + uuid.NewString()[:8]
	asset, err := ledger.NewAsset(code, kind, "", 2)
	if err != nil {
		t.Fatalf("NewAsset: %v", err)
	}
	asset, err = store.CreateAsset(ctx, asset)
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	user, err := ledger.NewUserAccount(asset)
	if err != nil {
		t.Fatalf("NewUserAccount: %v", err)
	}
	if user, err = store.CreateAccount(ctx, user); err != nil {
		t.Fatalf("CreateAccount user: %v", err)
	}
	pm, err := ledger.NewPaymentMethodAccount(asset)
	if err != nil {
		t.Fatalf("NewPaymentMethodAccount: %v", err)
	}
	if pm, err = store.CreateAccount(ctx, pm); err != nil {
		t.Fatalf("CreateAccount pm: %v", err)
	}
	return fixture{asset: asset, user: user, pm: pm}
}

func transfer(from, to uuid.UUID, amount int64) []ledger.Leg {
	return []ledger.Leg{
		{AccountID: from, Amount: decimal.NewFromInt(-amount)},
		{AccountID: to, Amount: decimal.NewFromInt(amount)},
	}
}

func mustCreate(t *testing.T, ctx context.Context, store ledgerStore, opType ledger.OperationType, legs []ledger.Leg) *ledger.Operation {
	t.Helper()
	op, err := store.CreateOperation(ctx, ledger.NewOperation(opType, nil, nil), legs)
	if err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	return op
}

func mustTransition(t *testing.T, ctx context.Context, store ledgerStore, id uuid.UUID, to ledger.OperationStatus) *ledger.Operation {
	t.Helper()
	op, _, err := store.TransitionOperation(ctx, id, to)
	if err != nil {
		t.Fatalf("TransitionOperation %s: %v", to, err)
	}
	return op
}

func assertBalance(t *testing.T, ctx context.Context, store ledgerStore, accountID uuid.UUID, want int64) {
	t.Helper()
	balance, err := store.AccountBalance(ctx, accountID)
	if err != nil {
		t.Fatalf("AccountBalance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(want)) {
		t.Fatalf("expected balance %d, got %s", want, balance.String())
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) ledgerStore) {
	t.Run("assets and accounts", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

		got, err := store.GetAssetByCode(ctx, fx.asset.Code)
		if err != nil || got.ID != fx.asset.ID {
			t.Fatalf("GetAssetByCode: %v %+v", err, got)
		}
		if _, err := store.GetAsset(ctx, fx.asset.ID); err != nil {
			t.Fatalf("GetAsset: %v", err)
		}
		if _, err := store.CreateAsset(ctx, ledger.Asset{Code: fx.asset.Code, Kind: ledger.AssetKindFiat}); !errors.Is(err, ledger.ErrAssetExists) {
			t.Fatalf("expected duplicate asset, got %v", err)
		}
		account, err := store.GetAccount(ctx, fx.user.ID)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if !account.Strict || account.Type != ledger.AccountTypeUser {
			t.Fatalf("unexpected account %+v", account)
		}
		if _, err := store.GetAccount(ctx, uuid.New()); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := store.CreateAccount(ctx, ledger.Account{AssetID: uuid.New(), Type: ledger.AccountTypeFee}); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("expected missing asset, got %v", err)
		}
		assertBalance(t, ctx, store, fx.user.ID, 0)
	})

	t.Run("unbalanced operation leaves nothing behind", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

		op := ledger.NewOperation(ledger.OperationCorrection, nil, nil)
		legs := []ledger.Leg{
			{AccountID: fx.pm.ID, Amount: decimal.NewFromInt(-10)},
			{AccountID: fx.user.ID, Amount: decimal.NewFromInt(9)},
		}
		_, err := store.CreateOperation(ctx, op, legs)
		if !errors.Is(err, ledger.ErrUnbalanced) {
			t.Fatalf("expected ErrUnbalanced, got %v", err)
		}
		if _, err := store.GetOperation(ctx, op.ID); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("expected operation to be absent, got %v", err)
		}
		if err := store.DeleteAccount(ctx, fx.user.ID); err != nil {
			t.Fatalf("expected account without transactions to be deletable: %v", err)
		}
	})

	t.Run("idempotency key is unique", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

		key := "dep-" + uuid.NewString()
		refs := map[string]string{ledger.IdempotencyReference: key}
		if _, err := store.CreateOperation(ctx, ledger.NewOperation(ledger.OperationDeposit, refs, nil), transfer(fx.pm.ID, fx.user.ID, 5)); err != nil {
			t.Fatalf("CreateOperation: %v", err)
		}
		_, err := store.CreateOperation(ctx, ledger.NewOperation(ledger.OperationDeposit, refs, nil), transfer(fx.pm.ID, fx.user.ID, 5))
		if !errors.Is(err, ledger.ErrDuplicateOperation) {
			t.Fatalf("expected duplicate operation, got %v", err)
		}

		found, err := store.GetOperationByKey(ctx, key)
		if err != nil {
			t.Fatalf("GetOperationByKey: %v", err)
		}
		if found.IdempotencyKey() != key || len(found.Transactions) != 2 {
			t.Fatalf("unexpected operation for key %+v", found)
		}
		if _, err := store.GetOperationByKey(ctx, "missing-"+key); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("status machine", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

		op := mustCreate(t, ctx, store, ledger.OperationDeposit, transfer(fx.pm.ID, fx.user.ID, 100))
		if op.Status != ledger.StatusNew || len(op.Transactions) != 2 {
			t.Fatalf("unexpected created operation %+v", op)
		}
		mustTransition(t, ctx, store, op.ID, ledger.StatusHold)
		assertBalance(t, ctx, store, fx.user.ID, 0)

		committed, changed, err := store.TransitionOperation(ctx, op.ID, ledger.StatusCommitted)
		if err != nil || !changed || committed.Status != ledger.StatusCommitted {
			t.Fatalf("commit: changed=%v err=%v", changed, err)
		}
		assertBalance(t, ctx, store, fx.user.ID, 100)

		_, changed, err = store.TransitionOperation(ctx, op.ID, ledger.StatusCommitted)
		if err != nil || changed {
			t.Fatalf("expected second commit to be a no-op, changed=%v err=%v", changed, err)
		}
		assertBalance(t, ctx, store, fx.user.ID, 100)

		if _, _, err := store.TransitionOperation(ctx, op.ID, ledger.StatusCancelled); !errors.Is(err, ledger.ErrInvalidTransition) {
			t.Fatalf("expected cancel of committed to fail, got %v", err)
		}
		if _, err := store.DeleteOperation(ctx, op.ID); !errors.Is(err, ledger.ErrInvalidTransition) {
			t.Fatalf("expected delete of committed to fail, got %v", err)
		}
		if err := store.DeleteAccount(ctx, fx.user.ID); !errors.Is(err, ledger.ErrAccountInUse) {
			t.Fatalf("expected account in use, got %v", err)
		}

		stored, err := store.GetOperation(ctx, op.ID)
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if err := stored.IsValid(); err != nil {
			t.Fatalf("persisted operation is not balanced: %v", err)
		}
	})

	t.Run("strict hold failure keeps status", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

		deposit := mustCreate(t, ctx, store, ledger.OperationDeposit, transfer(fx.pm.ID, fx.user.ID, 40))
		mustTransition(t, ctx, store, deposit.ID, ledger.StatusCommitted)

		withdrawal := mustCreate(t, ctx, store, ledger.OperationWithdrawal, transfer(fx.user.ID, fx.pm.ID, 50))
		_, _, err := store.TransitionOperation(ctx, withdrawal.ID, ledger.StatusHold)
		var accErr *ledger.AccountingError
		if !errors.As(err, &accErr) || !errors.Is(err, ledger.ErrInsufficientFunds) {
			t.Fatalf("expected accounting error, got %v", err)
		}
		if accErr.AccountID != fx.user.ID {
			t.Fatalf("expected user account in error, got %s", accErr.AccountID)
		}
		stored, err := store.GetOperation(ctx, withdrawal.ID)
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if stored.Status != ledger.StatusNew {
			t.Fatalf("expected status new, got %s", stored.Status)
		}
		assertBalance(t, ctx, store, fx.user.ID, 40)

		deleted, err := store.DeleteOperation(ctx, withdrawal.ID)
		if err != nil {
			t.Fatalf("DeleteOperation: %v", err)
		}
		if deleted.Status != ledger.StatusDeleted {
			t.Fatalf("expected deleted status, got %s", deleted.Status)
		}
		if _, err := store.GetOperation(ctx, withdrawal.ID); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("expected deleted operation to be gone, got %v", err)
		}
	})

	t.Run("withdrawal hold reserves funds", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

		deposit := mustCreate(t, ctx, store, ledger.OperationDeposit, transfer(fx.pm.ID, fx.user.ID, 100))
		mustTransition(t, ctx, store, deposit.ID, ledger.StatusCommitted)

		withdrawal := mustCreate(t, ctx, store, ledger.OperationWithdrawal, transfer(fx.user.ID, fx.pm.ID, 50))
		assertBalance(t, ctx, store, fx.user.ID, 100)
		mustTransition(t, ctx, store, withdrawal.ID, ledger.StatusHold)
		assertBalance(t, ctx, store, fx.user.ID, 50)
		mustTransition(t, ctx, store, withdrawal.ID, ledger.StatusCancelled)
		assertBalance(t, ctx, store, fx.user.ID, 100)
	})

	t.Run("concurrent holds never overdraw", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

		deposit := mustCreate(t, ctx, store, ledger.OperationDeposit, transfer(fx.pm.ID, fx.user.ID, 100))
		mustTransition(t, ctx, store, deposit.ID, ledger.StatusCommitted)

		const attempts = 10
		ids := make([]uuid.UUID, attempts)
		for i := range ids {
			ids[i] = mustCreate(t, ctx, store, ledger.OperationWithdrawal, transfer(fx.user.ID, fx.pm.ID, 30)).ID
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		held := 0
		errCh := make(chan error, attempts)
		for _, id := range ids {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				_, _, err := store.TransitionOperation(ctx, id, ledger.StatusHold)
				if err == nil {
					mu.Lock()
					held++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ledger.ErrInsufficientFunds) && !errors.Is(err, ledger.ErrLockTimeout) {
					errCh <- err
				}
			}(id)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Fatalf("unexpected hold error: %v", err)
		}

		if held > 3 {
			t.Fatalf("expected at most 3 holds, got %d", held)
		}
		balance, err := store.AccountBalance(ctx, fx.user.ID)
		if err != nil {
			t.Fatalf("AccountBalance: %v", err)
		}
		if balance.IsNegative() {
			t.Fatalf("strict account overdrawn: %s", balance.String())
		}
		if !balance.Equal(decimal.NewFromInt(100 - int64(held)*30)) {
			t.Fatalf("balance %s does not match %d holds", balance.String(), held)
		}
	})

	t.Run("balance inclusion by asset kind", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		crypto := newFixture(t, ctx, store, ledger.AssetKindCrypto)
		exchange, err := ledger.NewExchangeAccount(crypto.asset)
		if err != nil {
			t.Fatalf("NewExchangeAccount: %v", err)
		}
		if exchange, err = store.CreateAccount(ctx, exchange); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}

		buy := mustCreate(t, ctx, store, ledger.OperationBuy, transfer(exchange.ID, crypto.user.ID, 3))
		mustTransition(t, ctx, store, buy.ID, ledger.StatusHold)
		assertBalance(t, ctx, store, crypto.user.ID, 0)
		mustTransition(t, ctx, store, buy.ID, ledger.StatusCommitted)
		assertBalance(t, ctx, store, crypto.user.ID, 3)

		sell := mustCreate(t, ctx, store, ledger.OperationSell, transfer(crypto.user.ID, exchange.ID, 2))
		mustTransition(t, ctx, store, sell.ID, ledger.StatusHold)
		assertBalance(t, ctx, store, crypto.user.ID, 1)
	})

	t.Run("fee rules", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

		assetID := fx.asset.ID
		rule, err := store.UpsertFeeRule(ctx, fee.Rule{
			OperationType: ledger.OperationWithdrawal,
			AssetID:       &assetID,
			ValueType:     fee.ValuePercentage,
			Value:         decimal.RequireFromString("0.01"),
		})
		if err != nil {
			t.Fatalf("UpsertFeeRule: %v", err)
		}
		updated, err := store.UpsertFeeRule(ctx, fee.Rule{
			OperationType: ledger.OperationWithdrawal,
			AssetID:       &assetID,
			ValueType:     fee.ValueConstant,
			Value:         decimal.RequireFromString("2"),
		})
		if err != nil {
			t.Fatalf("UpsertFeeRule update: %v", err)
		}
		if updated.ID != rule.ID {
			t.Fatalf("expected upsert to keep rule id")
		}

		found, err := store.FindFeeRule(ctx, ledger.OperationWithdrawal, &assetID)
		if err != nil || found == nil {
			t.Fatalf("FindFeeRule: %v %v", found, err)
		}
		if found.ValueType != fee.ValueConstant || !found.Value.Equal(decimal.NewFromInt(2)) {
			t.Fatalf("unexpected rule %+v", found)
		}
		if found.AssetID == nil || *found.AssetID != assetID {
			t.Fatalf("expected asset id on rule")
		}

		missing, err := store.FindFeeRule(ctx, ledger.OperationSell, &assetID)
		if err != nil || missing != nil {
			t.Fatalf("expected nil rule, got %v %v", missing, err)
		}

		other := uuid.New()
		if _, err := store.UpsertFeeRule(ctx, fee.Rule{OperationType: ledger.OperationSell, AssetID: &other, ValueType: fee.ValueConstant, Value: decimal.NewFromInt(1)}); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("expected unknown asset rejected, got %v", err)
		}
	})
}
