package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
)

//go:embed schema.sql
var schema string

const pgUniqueViolation = "23505"

// Postgres is the pgx-backed Store.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// classify maps driver errors onto the package's typed errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.ConstraintName)
	}
	return err
}

func (s *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if _, err := tenant.Require(ctx); err != nil {
		return err
	}

	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", classify(err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const walletColumns = "id, tenant_id, user_id, pending_balance, payable_balance, updated_at"

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.ID, &w.TenantID, &w.UserID, &w.PendingBalance, &w.PayableBalance, &w.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &w, nil
}

func (t *pgTx) LockWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return scanWallet(t.tx.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE tenant_id = $1 AND user_id = $2 FOR UPDATE",
		tenantID, userID))
}

func (t *pgTx) InsertWallet(ctx context.Context, w *domain.Wallet) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	w.TenantID = tenantID
	_, err = t.tx.Exec(ctx,
		"INSERT INTO wallets ("+walletColumns+") VALUES ($1, $2, $3, $4, $5, $6)",
		w.ID, w.TenantID, w.UserID, w.PendingBalance, w.PayableBalance, w.UpdatedAt)
	return classify(err)
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *domain.Wallet) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE wallets SET pending_balance = $1, payable_balance = $2, updated_at = $3 WHERE tenant_id = $4 AND user_id = $5",
		w.PendingBalance, w.PayableBalance, w.UpdatedAt, tenantID, w.UserID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const payoutColumns = "id, tenant_id, amount, commission_amount, status, metadata, notes, created_at, updated_at"

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(&p.ID, &p.TenantID, &p.Amount, &p.CommissionAmount, &p.Status, &p.Metadata, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (t *pgTx) FindPayoutByNotes(ctx context.Context, notes string) (*domain.Payout, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return scanPayout(t.tx.QueryRow(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE tenant_id = $1 AND notes = $2",
		tenantID, notes))
}

func (t *pgTx) InsertPayout(ctx context.Context, p *domain.Payout) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	p.TenantID = tenantID
	_, err = t.tx.Exec(ctx,
		"INSERT INTO payouts ("+payoutColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		p.ID, p.TenantID, p.Amount, p.CommissionAmount, p.Status, p.Metadata, p.Notes, p.CreatedAt, p.UpdatedAt)
	return classify(err)
}

func (t *pgTx) LockPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return scanPayout(t.tx.QueryRow(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE tenant_id = $1 AND id = $2 FOR UPDATE",
		tenantID, id))
}

func (t *pgTx) UpdatePayoutStatus(ctx context.Context, id uuid.UUID, status domain.PayoutStatus) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE payouts SET status = $1, updated_at = now() WHERE tenant_id = $2 AND id = $3",
		status, tenantID, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return scanWallet(s.Db.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE tenant_id = $1 AND user_id = $2",
		tenantID, userID))
}

func (s *Postgres) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.Db.Query(ctx, "SELECT id, name, active, created_at FROM tenants WHERE active ORDER BY id")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Tenant, error) {
		var t domain.Tenant
		err := row.Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt)
		return t, err
	})
}

func (s *Postgres) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := s.Db.QueryRow(ctx, "SELECT id, name, active, created_at FROM tenants WHERE id = $1", id).
		Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO tenants (id, name, active, created_at) VALUES ($1, $2, $3, $4)",
		t.ID, t.Name, t.Active, t.CreatedAt)
	return classify(err)
}

func (s *Postgres) CountEmployees(ctx context.Context) (int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM employees WHERE tenant_id = $1", tenantID).Scan(&n)
	return n, err
}

func (s *Postgres) ListEmployees(ctx context.Context, offset, limit int) ([]domain.Employee, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.Db.Query(ctx,
		"SELECT id, tenant_id, user_id, name, base_salary, bank_account FROM employees WHERE tenant_id = $1 ORDER BY id LIMIT $2 OFFSET $3",
		tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Employee, error) {
		var e domain.Employee
		err := row.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Name, &e.BaseSalary, &e.BankAccount)
		return e, err
	})
}

func (s *Postgres) ListPayouts(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.Payout, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.Db.Query(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE tenant_id = $1 AND ($2 = '' OR status = $2) ORDER BY created_at LIMIT $3",
		tenantID, string(status), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Payout, error) {
		p, err := scanPayout(row)
		if err != nil {
			return domain.Payout{}, err
		}
		return *p, nil
	})
}

func (s *Postgres) InsertPayrollRun(ctx context.Context, run *domain.PayrollRun) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	run.TenantID = tenantID
	ids := make([]string, len(run.TransactionIDs))
	for i, id := range run.TransactionIDs {
		ids[i] = id.String()
	}
	_, err = s.Db.Exec(ctx,
		`INSERT INTO payroll_runs (id, tenant_id, period, total_employees, succeeded, skipped, failed, total_payout, transaction_ids, processed_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.TenantID, run.Period, run.TotalEmployees, run.Succeeded, run.Skipped, run.Failed,
		run.TotalPayout, ids, run.ProcessedAt, run.Status)
	return classify(err)
}

func (s *Postgres) ListPayrollRuns(ctx context.Context, limit int) ([]domain.PayrollRun, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.Db.Query(ctx,
		`SELECT id, tenant_id, period, total_employees, succeeded, skipped, failed, total_payout, transaction_ids, processed_at, status
		 FROM payroll_runs WHERE tenant_id = $1 ORDER BY processed_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PayrollRun, error) {
		var r domain.PayrollRun
		var ids []string
		if err := row.Scan(&r.ID, &r.TenantID, &r.Period, &r.TotalEmployees, &r.Succeeded, &r.Skipped, &r.Failed,
			&r.TotalPayout, &ids, &r.ProcessedAt, &r.Status); err != nil {
			return r, err
		}
		for _, id := range ids {
			parsed, err := uuid.Parse(id)
			if err != nil {
				return r, fmt.Errorf("payroll run %s: bad transaction id %q: %w", r.ID, id, err)
			}
			r.TransactionIDs = append(r.TransactionIDs, parsed)
		}
		return r, nil
	})
}

func (s *Postgres) InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO audit_logs (tenant_id, action, entity, entity_id, details, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		e.TenantID, e.Action, e.Entity, e.EntityID, e.Details, e.CreatedAt)
	return err
}

// AdvisoryLocker serializes work across instances with Postgres session-level
// advisory locks. Each held lock pins one pool connection until Release.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
	mu   sync.Mutex
	held map[int64]*pgxpool.Conn
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, held: make(map[int64]*pgxpool.Conn)}
}

func (l *AdvisoryLocker) TryAcquire(ctx context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[id]; ok {
		return false, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection for advisory lock: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.held[id] = conn
	return true, nil
}

func (l *AdvisoryLocker) Release(ctx context.Context, id int64) error {
	l.mu.Lock()
	conn, ok := l.held[id]
	delete(l.held, id)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", id); err != nil {
		// A connection that may still hold the lock must not go back to the pool.
		conn.Conn().Close(ctx)
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	return nil
}
