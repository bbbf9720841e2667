package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/logging"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/config"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/fee"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/seed"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/service"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: LEDGER_ENV must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}
	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat, "ledger-seed", cfg.App.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}
	if err := storage.Migrate(ctx, pool, "up"); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	store := storage.New(pool, logger, cfg.Ledger.LockTimeout)
	ledgerCfg := ledger.Config{MaxDigits: cfg.Ledger.MaxDigits, DecimalPlaces: cfg.Ledger.DecimalPlaces}
	svc := service.NewLedgerService(store, fee.NewResolver(store, fee.NewRuleCache(), logger), nil, ledgerCfg, logger, nil)

	result, err := seed.New(store, svc, logger).Run(ctx, os.Getenv("SEED_TESTDATA") == "1")
	if err != nil {
		log.Fatalf("seed: %v", err)
	}

	fmt.Println("=== Seed Complete ===")
	codes := make([]string, 0, len(result.Assets))
	for code := range result.Assets {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("  %s %s\n", code, result.Assets[code].ID)
		for accountType, id := range result.Accounts[code] {
			fmt.Printf("    %-15s %s\n", accountType, id)
		}
	}
	fmt.Printf("  fee rules: %d, demo deposits: %d\n", result.Fees, result.Deposits)
}
