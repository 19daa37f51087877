package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/tenantledger/internal/config"
	"github.com/punchamoorthee/tenantledger/internal/logger"
	"github.com/punchamoorthee/tenantledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	tenants := flag.Int("tenants", 10, "number of tenants to create")
	employees := flag.Int("employees", 250, "employees per tenant")
	salary := flag.String("salary", "2500.00", "base salary per employee")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, ServiceName: "tenantledger-seeder"})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	base, err := decimal.NewFromString(*salary)
	if err != nil {
		log.Fatal("invalid salary", zap.Error(err))
	}

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal("unable to connect to database", zap.Error(err))
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}

	var count int
	if err := pg.Db.QueryRow(ctx, "SELECT COUNT(*) FROM tenants").Scan(&count); err != nil {
		log.Fatal("count tenants", zap.Error(err))
	}
	if count >= *tenants {
		log.Info("database already seeded, skipping", zap.Int("tenants", count))
		return
	}

	now := time.Now().UTC()
	tenantRows := make([][]interface{}, 0, *tenants)
	employeeRows := make([][]interface{}, 0, *tenants**employees)
	for i := 0; i < *tenants; i++ {
		tenantID := fmt.Sprintf("tenant-%03d", i+1)
		tenantRows = append(tenantRows, []interface{}{tenantID, fmt.Sprintf("Tenant %d", i+1), true, now})
		for j := 0; j < *employees; j++ {
			employeeRows = append(employeeRows, []interface{}{
				fmt.Sprintf("%s-emp-%05d", tenantID, j+1),
				tenantID,
				fmt.Sprintf("user-%05d", j+1),
				fmt.Sprintf("Employee %d", j+1),
				base,
				fmt.Sprintf("ACCT-%03d-%05d", i+1, j+1),
			})
		}
	}

	// CopyFrom is all-or-nothing per table, so run both in one transaction.
	tx, err := pg.Db.Begin(ctx)
	if err != nil {
		log.Fatal("begin", zap.Error(err))
	}
	defer tx.Rollback(ctx)

	nTenants, err := tx.CopyFrom(ctx, pgx.Identifier{"tenants"},
		[]string{"id", "name", "active", "created_at"}, pgx.CopyFromRows(tenantRows))
	if err != nil {
		log.Fatal("bulk insert tenants failed", zap.Error(err))
	}
	nEmployees, err := tx.CopyFrom(ctx, pgx.Identifier{"employees"},
		[]string{"id", "tenant_id", "user_id", "name", "base_salary", "bank_account"}, pgx.CopyFromRows(employeeRows))
	if err != nil {
		log.Fatal("bulk insert employees failed", zap.Error(err))
	}
	if err := tx.Commit(ctx); err != nil {
		log.Fatal("commit", zap.Error(err))
	}

	log.Info("seeded database", zap.Int64("tenants", nTenants), zap.Int64("employees", nEmployees))
}
