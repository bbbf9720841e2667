package storage

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/fee"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

// MemoryStore keeps the ledger in process memory. A single mutex serialises every
// mutation, which gives the same guarantees the Postgres row locks give.
type MemoryStore struct {
	mu           sync.RWMutex
	assets       map[uuid.UUID]ledger.Asset
	assetCodes   map[string]uuid.UUID
	accounts     map[uuid.UUID]ledger.Account
	operations   map[uuid.UUID]*ledger.Operation
	idempotency  map[string]uuid.UUID
	byAccount    map[uuid.UUID]map[uuid.UUID]struct{}
	fees         map[feeKey]fee.Rule
	transactions int
}

type feeKey struct {
	opType  ledger.OperationType
	assetID uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[uuid.UUID]ledger.Asset),
		assetCodes:  make(map[string]uuid.UUID),
		accounts:    make(map[uuid.UUID]ledger.Account),
		operations:  make(map[uuid.UUID]*ledger.Operation),
		idempotency: make(map[string]uuid.UUID),
		byAccount:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
		fees:        make(map[feeKey]fee.Rule),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) CreateAsset(ctx context.Context, asset ledger.Asset) (ledger.Asset, error) {
	if err := asset.Validate(); err != nil {
		return ledger.Asset{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assetCodes[asset.Code]; ok {
		return ledger.Asset{}, fmt.Errorf("%w: %s", ledger.ErrAssetExists, asset.Code)
	}
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	asset.CreatedAt = time.Now().UTC()
	m.assets[asset.ID] = asset
	m.assetCodes[asset.Code] = asset.ID
	return asset, nil
}

func (m *MemoryStore) GetAsset(ctx context.Context, id uuid.UUID) (ledger.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.assets[id]
	if !ok {
		return ledger.Asset{}, fmt.Errorf("asset: %w", ledger.ErrNotFound)
	}
	return asset, nil
}

func (m *MemoryStore) GetAssetByCode(ctx context.Context, code string) (ledger.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.assetCodes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return ledger.Asset{}, fmt.Errorf("asset: %w", ledger.ErrNotFound)
	}
	return m.assets[id], nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	if !account.Type.Valid() {
		return ledger.Account{}, fmt.Errorf("%w: account type %q is not supported", ledger.ErrInvariant, account.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[account.AssetID]; !ok {
		return ledger.Account{}, fmt.Errorf("asset %s: %w", account.AssetID, ledger.ErrNotFound)
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	account.CreatedAt = time.Now().UTC()
	m.accounts[account.ID] = account
	return account, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return account, nil
}

func (m *MemoryStore) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	if len(m.byAccount[id]) > 0 {
		return fmt.Errorf("account %s: %w", id, ledger.ErrAccountInUse)
	}
	delete(m.accounts, id)
	return nil
}

func (m *MemoryStore) CreateOperation(ctx context.Context, op ledger.Operation, legs []ledger.Leg) (*ledger.Operation, error) {
	if !op.Type.Valid() {
		return nil, fmt.Errorf("%w: operation type %q is not supported", ledger.ErrInvariant, op.Type)
	}
	if len(legs) == 0 {
		return nil, ledger.ErrUnbalanced
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := op.IdempotencyKey()
	if key != "" {
		if _, ok := m.idempotency[key]; ok {
			return nil, fmt.Errorf("%w: idempotency key %q", ledger.ErrDuplicateOperation, key)
		}
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}

	now := time.Now().UTC()
	staged := op
	staged.Status = ledger.StatusNew
	staged.References = maps.Clone(op.References)
	staged.Metadata = maps.Clone(op.Metadata)
	staged.CreatedAt = now
	staged.UpdatedAt = now
	staged.Transactions = make([]ledger.Transaction, 0, len(legs))
	for _, leg := range legs {
		if _, ok := m.accounts[leg.AccountID]; !ok {
			return nil, fmt.Errorf("account %s: %w", leg.AccountID, ledger.ErrNotFound)
		}
		staged.Transactions = append(staged.Transactions, ledger.Transaction{
			ID:          uuid.New(),
			OperationID: staged.ID,
			AccountID:   leg.AccountID,
			Amount:      leg.Amount,
			References:  maps.Clone(leg.References),
			CreatedAt:   now,
		})
	}
	if err := staged.IsValid(); err != nil {
		return nil, err
	}

	m.operations[staged.ID] = &staged
	if key != "" {
		m.idempotency[key] = staged.ID
	}
	for _, t := range staged.Transactions {
		if m.byAccount[t.AccountID] == nil {
			m.byAccount[t.AccountID] = make(map[uuid.UUID]struct{})
		}
		m.byAccount[t.AccountID][staged.ID] = struct{}{}
	}
	m.transactions += len(staged.Transactions)
	return cloneOperation(&staged), nil
}

func (m *MemoryStore) GetOperation(ctx context.Context, id uuid.UUID) (*ledger.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, ledger.ErrNotFound)
	}
	return cloneOperation(op), nil
}

func (m *MemoryStore) GetOperationByKey(ctx context.Context, key string) (*ledger.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idempotency[key]
	if !ok {
		return nil, fmt.Errorf("operation with key %q: %w", key, ledger.ErrNotFound)
	}
	return cloneOperation(m.operations[id]), nil
}

func (m *MemoryStore) TransitionOperation(ctx context.Context, id uuid.UUID, to ledger.OperationStatus) (*ledger.Operation, bool, error) {
	if to == ledger.StatusDeleted {
		return nil, false, fmt.Errorf("%w: deleted is reached through DeleteOperation", ledger.ErrInvariant)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok {
		return nil, false, fmt.Errorf("operation %s: %w", id, ledger.ErrNotFound)
	}
	changed, err := ledger.Transition(op.Status, to)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return cloneOperation(op), false, nil
	}

	previous := op.Status
	op.Status = to
	if to == ledger.StatusHold || to == ledger.StatusCommitted {
		for _, accountID := range ledger.DebitedAccounts(ledger.LegsOf(op)) {
			account := m.accounts[accountID]
			if err := ledger.CheckStrict(account, m.balanceLocked(accountID)); err != nil {
				op.Status = previous
				return nil, false, err
			}
		}
	}
	op.UpdatedAt = time.Now().UTC()
	return cloneOperation(op), true, nil
}

func (m *MemoryStore) DeleteOperation(ctx context.Context, id uuid.UUID) (*ledger.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, ledger.ErrNotFound)
	}
	if _, err := ledger.Transition(op.Status, ledger.StatusDeleted); err != nil {
		return nil, err
	}

	delete(m.operations, id)
	if key := op.IdempotencyKey(); key != "" {
		delete(m.idempotency, key)
	}
	for _, t := range op.Transactions {
		delete(m.byAccount[t.AccountID], id)
	}
	m.transactions -= len(op.Transactions)

	deleted := cloneOperation(op)
	deleted.Status = ledger.StatusDeleted
	deleted.UpdatedAt = time.Now().UTC()
	return deleted, nil
}

func (m *MemoryStore) AccountBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[accountID]; !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", accountID, ledger.ErrNotFound)
	}
	return m.balanceLocked(accountID), nil
}

// Counts reports how many operations and transactions are stored.
func (m *MemoryStore) Counts() (operations, transactions int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.operations), m.transactions
}

func (m *MemoryStore) ListFeeRules(ctx context.Context) ([]fee.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := make([]fee.Rule, 0, len(m.fees))
	for _, rule := range m.fees {
		rules = append(rules, cloneRule(rule))
	}
	return rules, nil
}

func (m *MemoryStore) FindFeeRule(ctx context.Context, opType ledger.OperationType, assetID *uuid.UUID) (*fee.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.fees[newFeeKey(opType, assetID)]
	if !ok {
		return nil, nil
	}
	found := cloneRule(rule)
	return &found, nil
}

func (m *MemoryStore) UpsertFeeRule(ctx context.Context, rule fee.Rule) (fee.Rule, error) {
	if err := rule.Validate(); err != nil {
		return fee.Rule{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rule.AssetID != nil {
		if _, ok := m.assets[*rule.AssetID]; !ok {
			return fee.Rule{}, fmt.Errorf("fee asset: %w", ledger.ErrNotFound)
		}
	}
	key := newFeeKey(rule.OperationType, rule.AssetID)
	if existing, ok := m.fees[key]; ok {
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
	} else {
		if rule.ID == uuid.Nil {
			rule.ID = uuid.New()
		}
		rule.CreatedAt = time.Now().UTC()
	}
	m.fees[key] = cloneRule(rule)
	return rule, nil
}

func (m *MemoryStore) balanceLocked(accountID uuid.UUID) decimal.Decimal {
	account := m.accounts[accountID]
	kind := m.assets[account.AssetID].Kind

	var rows []ledger.BalanceRow
	for opID := range m.byAccount[accountID] {
		op := m.operations[opID]
		for _, t := range op.Transactions {
			if t.AccountID != accountID {
				continue
			}
			rows = append(rows, ledger.BalanceRow{
				OperationType: op.Type,
				Status:        op.Status,
				AssetKind:     kind,
				Amount:        t.Amount,
			})
		}
	}
	return ledger.Balance(rows)
}

func newFeeKey(opType ledger.OperationType, assetID *uuid.UUID) feeKey {
	key := feeKey{opType: opType}
	if assetID != nil {
		key.assetID = *assetID
	}
	return key
}

func cloneRule(rule fee.Rule) fee.Rule {
	if rule.AssetID != nil {
		id := *rule.AssetID
		rule.AssetID = &id
	}
	return rule
}

func cloneOperation(op *ledger.Operation) *ledger.Operation {
	out := *op
	out.References = maps.Clone(op.References)
	out.Metadata = maps.Clone(op.Metadata)
	out.Transactions = make([]ledger.Transaction, len(op.Transactions))
	for i, t := range op.Transactions {
		t.References = maps.Clone(t.References)
		out.Transactions[i] = t
	}
	return &out
}
