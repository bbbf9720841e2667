package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/fee"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

const feeLockPrefix = "ledger:fee:"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	lockTimeout time.Duration
}

// New returns a Postgres store. lockTimeout bounds every row lock taken while moving
// operations between statuses; zero leaves the server default in place.
func New(pool *pgxpool.Pool, logger *slog.Logger, lockTimeout time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:        pool,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) CreateAsset(ctx context.Context, asset ledger.Asset) (ledger.Asset, error) {
	if err := asset.Validate(); err != nil {
		return ledger.Asset{}, err
	}
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO assets (id, code, kind, country, decimals)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, asset.ID, asset.Code, string(asset.Kind), nullString(asset.Country), asset.Decimals)
	if err := row.Scan(&asset.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ledger.Asset{}, fmt.Errorf("%w: %s", ledger.ErrAssetExists, asset.Code)
		}
		return ledger.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return asset, nil
}

func (s *Store) GetAsset(ctx context.Context, id uuid.UUID) (ledger.Asset, error) {
	return scanAsset(s.pool.QueryRow(ctx, `
		SELECT id, code, kind, country, decimals, created_at
		FROM assets
		WHERE id = $1
	`, id))
}

func (s *Store) GetAssetByCode(ctx context.Context, code string) (ledger.Asset, error) {
	return scanAsset(s.pool.QueryRow(ctx, `
		SELECT id, code, kind, country, decimals, created_at
		FROM assets
		WHERE code = $1
	`, strings.ToUpper(strings.TrimSpace(code))))
}

func (s *Store) CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	if !account.Type.Valid() {
		return ledger.Account{}, fmt.Errorf("%w: account type %q is not supported", ledger.ErrInvariant, account.Type)
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, asset_id, type, strict)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, account.ID, account.AssetID, string(account.Type), account.Strict)
	if err := row.Scan(&account.CreatedAt); err != nil {
		if isForeignKeyViolation(err) {
			return ledger.Account{}, fmt.Errorf("asset %s: %w", account.AssetID, ledger.ErrNotFound)
		}
		return ledger.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	var account ledger.Account
	var accountType string
	err := s.pool.QueryRow(ctx, `
		SELECT id, asset_id, type, strict, created_at
		FROM accounts
		WHERE id = $1
	`, id).Scan(&account.ID, &account.AssetID, &accountType, &account.Strict, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
		}
		return ledger.Account{}, err
	}
	account.Type = ledger.AccountType(accountType)
	return account, nil
}

// DeleteAccount removes an account that no transaction references.
func (s *Store) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("account %s: %w", id, ledger.ErrAccountInUse)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

// CreateOperation inserts the operation and its legs, then checks the persisted legs
// sum to zero before committing. An unbalanced operation leaves no rows behind.
func (s *Store) CreateOperation(ctx context.Context, op ledger.Operation, legs []ledger.Leg) (*ledger.Operation, error) {
	if !op.Type.Valid() {
		return nil, fmt.Errorf("%w: operation type %q is not supported", ledger.ErrInvariant, op.Type)
	}
	if len(legs) == 0 {
		return nil, ledger.ErrUnbalanced
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	refs, err := marshalMap(op.References)
	if err != nil {
		return nil, fmt.Errorf("encode references: %w", err)
	}
	meta, err := marshalMap(op.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	// Leg inserts take key-share locks on account rows, so they obey lock_timeout too.
	tx, err := s.beginLocked(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO operations (id, type, status, references_data, metadata, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, op.ID, string(op.Type), string(ledger.StatusNew), refs, meta, nullString(op.IdempotencyKey()), now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: idempotency key %q", ledger.ErrDuplicateOperation, op.IdempotencyKey())
		}
		return nil, fmt.Errorf("insert operation: %w", translateError(err))
	}

	batch := &pgx.Batch{}
	transactions := make([]ledger.Transaction, 0, len(legs))
	for _, leg := range legs {
		legRefs, err := marshalMap(leg.References)
		if err != nil {
			return nil, fmt.Errorf("encode transaction references: %w", err)
		}
		t := ledger.Transaction{
			ID:          uuid.New(),
			OperationID: op.ID,
			AccountID:   leg.AccountID,
			Amount:      leg.Amount,
			References:  leg.References,
			CreatedAt:   now,
		}
		batch.Queue(`
			INSERT INTO transactions (id, operation_id, account_id, amount, references_data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, t.ID, t.OperationID, t.AccountID, t.Amount.String(), legRefs, now)
		transactions = append(transactions, t)
	}

	results := tx.SendBatch(ctx, batch)
	for _, t := range transactions {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("account %s: %w", t.AccountID, ledger.ErrNotFound)
			}
			return nil, fmt.Errorf("insert transaction: %w", translateError(err))
		}
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("insert transactions: %w", translateError(err))
	}

	var sumText string
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM transactions
		WHERE operation_id = $1
	`, op.ID).Scan(&sumText); err != nil {
		return nil, fmt.Errorf("sum transactions: %w", err)
	}
	sum, err := decimal.NewFromString(sumText)
	if err != nil {
		return nil, fmt.Errorf("parse transaction sum: %w", err)
	}
	if !sum.IsZero() {
		return nil, &ledger.UnbalancedError{Sum: sum}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translateError(err)
	}
	committed = true

	op.Status = ledger.StatusNew
	op.Transactions = transactions
	op.CreatedAt = now
	op.UpdatedAt = now
	return &op, nil
}

func (s *Store) GetOperation(ctx context.Context, id uuid.UUID) (*ledger.Operation, error) {
	return s.getOperation(ctx, s.pool, id, false)
}

func (s *Store) GetOperationByKey(ctx context.Context, key string) (*ledger.Operation, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM operations WHERE idempotency_key = $1`, key).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("operation with key %q: %w", key, ledger.ErrNotFound)
		}
		return nil, err
	}
	return s.getOperation(ctx, s.pool, id, false)
}

// TransitionOperation moves an operation to status to. changed is false when the
// operation already sits in that status. Moving to hold or committed fails with an
// *ledger.AccountingError when a strict account it debits would turn negative; the
// status is then left untouched.
func (s *Store) TransitionOperation(ctx context.Context, id uuid.UUID, to ledger.OperationStatus) (*ledger.Operation, bool, error) {
	if to == ledger.StatusDeleted {
		return nil, false, fmt.Errorf("%w: deleted is reached through DeleteOperation", ledger.ErrInvariant)
	}

	tx, err := s.beginLocked(ctx)
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	op, err := s.getOperation(ctx, tx, id, true)
	if err != nil {
		return nil, false, translateError(err)
	}
	changed, err := ledger.Transition(op.Status, to)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return op, false, nil
	}

	legs := ledger.LegsOf(op)
	accounts, err := s.lockAccounts(ctx, tx, ledger.AccountIDs(legs))
	if err != nil {
		return nil, false, translateError(err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE operations
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, id, string(to), now); err != nil {
		return nil, false, translateError(err)
	}

	if to == ledger.StatusHold || to == ledger.StatusCommitted {
		for _, accountID := range ledger.DebitedAccounts(legs) {
			account := accounts[accountID]
			if !account.Strict {
				continue
			}
			balance, err := s.accountBalance(ctx, tx, accountID)
			if err != nil {
				return nil, false, translateError(err)
			}
			if err := ledger.CheckStrict(account, balance); err != nil {
				return nil, false, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, translateError(err)
	}
	committed = true

	op.Status = to
	op.UpdatedAt = now
	return op, true, nil
}

// DeleteOperation hard-removes an operation still in new status together with its
// transactions.
func (s *Store) DeleteOperation(ctx context.Context, id uuid.UUID) (*ledger.Operation, error) {
	tx, err := s.beginLocked(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	op, err := s.getOperation(ctx, tx, id, true)
	if err != nil {
		return nil, translateError(err)
	}
	if _, err := ledger.Transition(op.Status, ledger.StatusDeleted); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM operations WHERE id = $1`, id); err != nil {
		return nil, translateError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translateError(err)
	}
	committed = true

	op.Status = ledger.StatusDeleted
	op.UpdatedAt = time.Now().UTC()
	return op, nil
}

func (s *Store) AccountBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	return s.accountBalance(ctx, s.pool, accountID)
}

func (s *Store) ListFeeRules(ctx context.Context) ([]fee.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, operation_type, asset_id, value_type, value::text, created_at
		FROM fees
		ORDER BY operation_type, asset_id NULLS FIRST
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []fee.Rule
	for rows.Next() {
		rule, err := scanFeeRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *Store) FindFeeRule(ctx context.Context, opType ledger.OperationType, assetID *uuid.UUID) (*fee.Rule, error) {
	rule, err := scanFeeRule(s.pool.QueryRow(ctx, `
		SELECT id, operation_type, asset_id, value_type, value::text, created_at
		FROM fees
		WHERE operation_type = $1 AND asset_id IS NOT DISTINCT FROM $2
	`, string(opType), assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// UpsertFeeRule stores rule, replacing the existing rule for the same operation type
// and asset.
func (s *Store) UpsertFeeRule(ctx context.Context, rule fee.Rule) (fee.Rule, error) {
	if err := rule.Validate(); err != nil {
		return fee.Rule{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fee.Rule{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, feeLockPrefix+string(rule.OperationType)); err != nil {
		return fee.Rule{}, err
	}

	var existingID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM fees
		WHERE operation_type = $1 AND asset_id IS NOT DISTINCT FROM $2
	`, string(rule.OperationType), rule.AssetID).Scan(&existingID)
	switch {
	case err == nil:
		rule.ID = existingID
		err = tx.QueryRow(ctx, `
			UPDATE fees SET value_type = $2, value = $3
			WHERE id = $1
			RETURNING created_at
		`, rule.ID, string(rule.ValueType), rule.Value.String()).Scan(&rule.CreatedAt)
	case errors.Is(err, pgx.ErrNoRows):
		if rule.ID == uuid.Nil {
			rule.ID = uuid.New()
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO fees (id, operation_type, asset_id, value_type, value)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at
		`, rule.ID, string(rule.OperationType), rule.AssetID, string(rule.ValueType), rule.Value.String()).Scan(&rule.CreatedAt)
	}
	if err != nil {
		if isForeignKeyViolation(err) {
			return fee.Rule{}, fmt.Errorf("fee asset: %w", ledger.ErrNotFound)
		}
		return fee.Rule{}, fmt.Errorf("upsert fee rule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fee.Rule{}, err
	}
	committed = true
	return rule, nil
}

func (s *Store) beginLocked(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	return tx, nil
}

func (s *Store) getOperation(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*ledger.Operation, error) {
	query := `
		SELECT id, type, status, references_data, metadata, created_at, updated_at
		FROM operations
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var op ledger.Operation
	var opType, status string
	var refs, meta []byte
	err := q.QueryRow(ctx, query, id).Scan(&op.ID, &opType, &status, &refs, &meta, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("operation %s: %w", id, ledger.ErrNotFound)
		}
		return nil, err
	}
	op.Type = ledger.OperationType(opType)
	op.Status = ledger.OperationStatus(status)
	if err := json.Unmarshal(refs, &op.References); err != nil {
		return nil, fmt.Errorf("decode references: %w", err)
	}
	if err := json.Unmarshal(meta, &op.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, operation_id, account_id, amount::text, references_data, created_at
		FROM transactions
		WHERE operation_id = $1
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t ledger.Transaction
		var amountStr string
		var legRefs []byte
		if err := rows.Scan(&t.ID, &t.OperationID, &t.AccountID, &amountStr, &legRefs, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse transaction amount: %w", err)
		}
		if err := json.Unmarshal(legRefs, &t.References); err != nil {
			return nil, fmt.Errorf("decode transaction references: %w", err)
		}
		op.Transactions = append(op.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &op, nil
}

// lockAccountsQuery serialises transitions on shared accounts. NO KEY UPDATE still
// conflicts with itself but lets leg inserts take their foreign key share locks.
const lockAccountsQuery = `
	SELECT id, asset_id, type, strict, created_at
	FROM accounts
	WHERE id = ANY($1)
	ORDER BY id
	FOR NO KEY UPDATE`

// lockAccounts takes row locks in id order so concurrent transitions sharing accounts
// queue instead of deadlocking.
func (s *Store) lockAccounts(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) (map[uuid.UUID]ledger.Account, error) {
	rows, err := tx.Query(ctx, lockAccountsQuery, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make(map[uuid.UUID]ledger.Account, len(ids))
	for rows.Next() {
		var account ledger.Account
		var accountType string
		if err := rows.Scan(&account.ID, &account.AssetID, &accountType, &account.Strict, &account.CreatedAt); err != nil {
			return nil, err
		}
		account.Type = ledger.AccountType(accountType)
		accounts[account.ID] = account
	}
	return accounts, rows.Err()
}

func (s *Store) accountBalance(ctx context.Context, q querier, accountID uuid.UUID) (decimal.Decimal, error) {
	rows, err := q.Query(ctx, `
		SELECT o.type, o.status, a.kind, SUM(t.amount)::text
		FROM transactions t
		JOIN operations o ON o.id = t.operation_id
		JOIN accounts ac ON ac.id = t.account_id
		JOIN assets a ON a.id = ac.asset_id
		WHERE t.account_id = $1
		GROUP BY o.type, o.status, a.kind
	`, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	var balanceRows []ledger.BalanceRow
	for rows.Next() {
		var opType, status, kind, amountStr string
		if err := rows.Scan(&opType, &status, &kind, &amountStr); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse balance amount: %w", err)
		}
		balanceRows = append(balanceRows, ledger.BalanceRow{
			OperationType: ledger.OperationType(opType),
			Status:        ledger.OperationStatus(status),
			AssetKind:     ledger.AssetKind(kind),
			Amount:        amount,
		})
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}
	return ledger.Balance(balanceRows), nil
}

func scanAsset(row pgx.Row) (ledger.Asset, error) {
	var asset ledger.Asset
	var kind string
	var country *string
	if err := row.Scan(&asset.ID, &asset.Code, &kind, &country, &asset.Decimals, &asset.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Asset{}, fmt.Errorf("asset: %w", ledger.ErrNotFound)
		}
		return ledger.Asset{}, err
	}
	asset.Kind = ledger.AssetKind(kind)
	if country != nil {
		asset.Country = *country
	}
	return asset, nil
}

func scanFeeRule(row pgx.Row) (fee.Rule, error) {
	var rule fee.Rule
	var opType, valueType, valueStr string
	var assetID pgtype.UUID
	if err := row.Scan(&rule.ID, &opType, &assetID, &valueType, &valueStr, &rule.CreatedAt); err != nil {
		return fee.Rule{}, err
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return fee.Rule{}, fmt.Errorf("parse fee value: %w", err)
	}
	rule.OperationType = ledger.OperationType(opType)
	rule.ValueType = fee.ValueType(valueType)
	rule.Value = value
	if assetID.Valid {
		id := uuid.UUID(assetID.Bytes)
		rule.AssetID = &id
	}
	return rule, nil
}

func marshalMap[V any](m map[string]V) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func nullString(val string) *string {
	if val == "" {
		return nil
	}
	return &val
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// translateError maps lock and serialization failures to ledger.ErrLockTimeout so
// callers can retry the whole call.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001":
			return fmt.Errorf("%w: %s", ledger.ErrLockTimeout, pgErr.Message)
		}
	}
	return err
}
