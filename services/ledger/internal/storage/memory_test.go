package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/fee"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) ledgerStore {
		return NewMemoryStore()
	})
}

func TestMemoryStoreCountsAfterDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

	op := mustCreate(t, ctx, store, ledger.OperationDeposit, transfer(fx.pm.ID, fx.user.ID, 10))
	if ops, txs := store.Counts(); ops != 1 || txs != 2 {
		t.Fatalf("expected 1 operation and 2 transactions, got %d and %d", ops, txs)
	}
	if _, err := store.DeleteOperation(ctx, op.ID); err != nil {
		t.Fatalf("DeleteOperation: %v", err)
	}
	if ops, txs := store.Counts(); ops != 0 || txs != 0 {
		t.Fatalf("expected empty store, got %d operations and %d transactions", ops, txs)
	}
	if err := store.DeleteAccount(ctx, fx.user.ID); err != nil {
		t.Fatalf("expected account to be free after delete: %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fx := newFixture(t, ctx, store, ledger.AssetKindFiat)

	op := mustCreate(t, ctx, store, ledger.OperationDeposit, transfer(fx.pm.ID, fx.user.ID, 10))
	op.Transactions[0].Amount = decimal.NewFromInt(-1000)
	op.References["tampered"] = "yes"

	stored, err := store.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if err := stored.IsValid(); err != nil {
		t.Fatalf("stored operation changed through returned copy: %v", err)
	}
	if _, ok := stored.References["tampered"]; ok {
		t.Fatalf("references changed through returned copy")
	}
}

func TestMemoryStoreFallbackFeeRule(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.UpsertFeeRule(ctx, fee.Rule{OperationType: ledger.OperationDeposit, ValueType: fee.ValuePercentage, Value: decimal.RequireFromString("0.02")}); err != nil {
		t.Fatalf("UpsertFeeRule: %v", err)
	}
	rule, err := store.FindFeeRule(ctx, ledger.OperationDeposit, nil)
	if err != nil || rule == nil || !rule.IsFallback() {
		t.Fatalf("expected fallback rule, got %v %v", rule, err)
	}
	assetID := uuid.New()
	if rule, err := store.FindFeeRule(ctx, ledger.OperationDeposit, &assetID); err != nil || rule != nil {
		t.Fatalf("expected no asset rule, got %v %v", rule, err)
	}
	rules, err := store.ListFeeRules(ctx)
	if err != nil || len(rules) != 1 {
		t.Fatalf("expected one rule, got %d %v", len(rules), err)
	}
}
