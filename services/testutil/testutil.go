package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IntegrationEnv gates tests that need a live Postgres.
const IntegrationEnv = "RUN_DB_INTEGRATION"

// PostgresPool connects to the database described by the POSTGRES_* variables.
// The test is skipped unless RUN_DB_INTEGRATION is set or the database is
// unreachable. The pool is closed when the test ends.
func PostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("set %s=1 to run", IntegrationEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, postgresDSN())
	if err != nil {
		t.Skipf("connect db: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("ping db: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// TruncateLedger empties every ledger table. Only point it at a disposable database.
func TruncateLedger(ctx context.Context, pool *pgxpool.Pool) error {
	const q = "TRUNCATE transactions, operations, fees, accounts, assets RESTART IDENTITY CASCADE"
	if _, err := pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("truncate ledger: %w", err)
	}
	return nil
}

func postgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "ledger"),
		getEnv("POSTGRES_PASSWORD", "ledger"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "ledger_test"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
