// Package store is the transactional persistence layer. Every tenant-owned
// read or write takes its tenant from the context and fails closed when
// none is bound.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/punchamoorthee/tenantledger/internal/domain"
)

// Driver errors are classified into these so callers never inspect
// driver error codes.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrUniqueViolation = errors.New("store: unique violation")
)

// Tx is a unit of work holding row locks until commit or rollback.
type Tx interface {
	// LockWallet reads the wallet with an exclusive row lock held for the
	// rest of the transaction. ErrNotFound when absent.
	LockWallet(ctx context.Context, userID string) (*domain.Wallet, error)
	// InsertWallet fails with ErrUniqueViolation when (tenant, user) exists.
	InsertWallet(ctx context.Context, w *domain.Wallet) error
	UpdateWallet(ctx context.Context, w *domain.Wallet) error

	FindPayoutByNotes(ctx context.Context, notes string) (*domain.Payout, error)
	InsertPayout(ctx context.Context, p *domain.Payout) error
	LockPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
	UpdatePayoutStatus(ctx context.Context, id uuid.UUID, status domain.PayoutStatus) error
}

// Store is implemented by the Postgres and memory backends.
type Store interface {
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetWallet(ctx context.Context, userID string) (*domain.Wallet, error)

	// ListTenants, GetTenant and CreateTenant are the tenant directory;
	// they are not tenant-scoped. GetTenant returns ErrNotFound when absent.
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	CreateTenant(ctx context.Context, t *domain.Tenant) error

	CountEmployees(ctx context.Context) (int, error)
	ListEmployees(ctx context.Context, offset, limit int) ([]domain.Employee, error)

	ListPayouts(ctx context.Context, status domain.PayoutStatus, limit int) ([]domain.Payout, error)

	InsertPayrollRun(ctx context.Context, run *domain.PayrollRun) error
	ListPayrollRuns(ctx context.Context, limit int) ([]domain.PayrollRun, error)

	InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error
}

// Locker is a process-wide mutual-exclusion lock with try semantics.
type Locker interface {
	TryAcquire(ctx context.Context, id int64) (bool, error)
	Release(ctx context.Context, id int64) error
}
