// Package payroll settles payable balances into payout records on a
// schedule and relays those payouts to the payment gateway.
package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/tenantledger/internal/audit"
	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/service"
	"github.com/punchamoorthee/tenantledger/internal/store"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLockID            int64 = 727001
	DefaultBatchSize               = 100
	DefaultTenantConcurrency       = 5

	periodLayout = "2006-01"
)

// Returned from inside a beneficiary transaction to roll it back without
// counting a failure.
var (
	errNothingToPay = errors.New("nothing to pay")
	errAlreadyPaid  = errors.New("payout already exists for period")
)

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeSkipped
	outcomeFailed
)

type Config struct {
	LockID            int64
	BatchSize         int
	TenantConcurrency int
}

func (c Config) withDefaults() Config {
	if c.LockID == 0 {
		c.LockID = DefaultLockID
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.TenantConcurrency <= 0 {
		c.TenantConcurrency = DefaultTenantConcurrency
	}
	return c
}

// Orchestrator runs settlement cycles. Only one cycle runs at a time across
// all instances sharing the Locker.
type Orchestrator struct {
	store   store.Store
	locker  store.Locker
	wallets *service.WalletService
	audit   audit.Sink
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

func NewOrchestrator(s store.Store, locker store.Locker, wallets *service.WalletService, sink audit.Sink, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	return &Orchestrator{
		store:   s,
		locker:  locker,
		wallets: wallets,
		audit:   sink,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		logger:  logger.Named("payroll"),
	}
}

// WithClock overrides the time source that picks the settlement period.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Reference is the payout notes value identifying one beneficiary's
// settlement for one period. A second payout with the same reference is
// never created.
func Reference(tenantID, beneficiaryID, period string) string {
	return fmt.Sprintf("payroll:%s:%s:%s", tenantID, beneficiaryID, period)
}

// RunCycle settles every active tenant. It reports false without doing any
// work when another instance holds the cycle lock.
func (o *Orchestrator) RunCycle(ctx context.Context) (bool, error) {
	acquired, err := o.locker.TryAcquire(ctx, o.cfg.LockID)
	if err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("acquire payroll lock: %w", err)
	}
	if !acquired {
		cyclesTotal.WithLabelValues("skipped").Inc()
		o.logger.Info("payroll cycle skipped, lock held by another instance", zap.Int64("lock_id", o.cfg.LockID))
		return false, nil
	}
	defer func() {
		if err := o.locker.Release(context.WithoutCancel(ctx), o.cfg.LockID); err != nil {
			o.logger.Error("failed to release payroll lock", zap.Error(err), zap.Int64("lock_id", o.cfg.LockID))
		}
	}()

	start := o.now()
	period := start.UTC().Format(periodLayout)

	tenants, err := o.store.ListTenants(ctx)
	if err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		return true, fmt.Errorf("list tenants: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.TenantConcurrency)
	for _, t := range tenants {
		tenantID := t.ID
		g.Go(func() error {
			err := tenant.Run(ctx, tenantID, func(ctx context.Context) error {
				_, err := o.SettleTenant(ctx, period)
				return err
			})
			if err != nil {
				o.logger.Error("tenant settlement failed", zap.String("tenant_id", tenantID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	cyclesTotal.WithLabelValues("ran").Inc()
	cycleDuration.Observe(time.Since(start).Seconds())
	o.logger.Info("payroll cycle finished",
		zap.String("period", period),
		zap.Int("tenants", len(tenants)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return true, nil
}

// SettleTenant settles the tenant bound to ctx for period. Beneficiaries
// are processed in sequential batches; one beneficiary failing does not stop
// the rest. The run summary and audit entry are written even when some
// beneficiaries failed.
func (o *Orchestrator) SettleTenant(ctx context.Context, period string) (*domain.PayrollRun, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(zap.String("tenant_id", tenantID), zap.String("period", period))

	total, err := o.store.CountEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("count employees: %w", err)
	}

	run := &domain.PayrollRun{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Period:         period,
		TotalEmployees: total,
		TotalPayout:    decimal.Zero,
	}

	for offset := 0; offset < total; offset += o.cfg.BatchSize {
		batch, err := o.store.ListEmployees(ctx, offset, o.cfg.BatchSize)
		if err != nil {
			missed := min(o.cfg.BatchSize, total-offset)
			run.Failed += missed
			payoutsTotal.WithLabelValues("failed").Add(float64(missed))
			log.Error("failed to load beneficiary batch", zap.Int("offset", offset), zap.Error(err))
			continue
		}
		o.processBatch(ctx, tenantID, period, batch, run, log)
	}

	run.ProcessedAt = o.now().UTC()
	switch {
	case run.Failed > 0:
		run.Status = domain.RunPartiallyFailed
	case run.Succeeded == 0:
		run.Status = domain.RunNothingToProcess
	default:
		run.Status = domain.RunCompleted
	}

	if err := o.store.InsertPayrollRun(ctx, run); err != nil {
		return run, fmt.Errorf("record payroll run: %w", err)
	}
	o.audit.Log(ctx, domain.AuditEntry{
		TenantID: tenantID,
		Action:   "PAYROLL_RUN",
		Entity:   "payroll_run",
		EntityID: run.ID.String(),
		Details: map[string]interface{}{
			"period":       period,
			"status":       run.Status,
			"succeeded":    run.Succeeded,
			"skipped":      run.Skipped,
			"failed":       run.Failed,
			"total_payout": run.TotalPayout.String(),
		},
	})

	log.Info("tenant settled",
		zap.String("status", string(run.Status)),
		zap.Int("succeeded", run.Succeeded),
		zap.Int("skipped", run.Skipped),
		zap.Int("failed", run.Failed),
		zap.String("total_payout", run.TotalPayout.String()),
	)
	return run, nil
}

func (o *Orchestrator) processBatch(ctx context.Context, tenantID, period string, batch []domain.Employee, run *domain.PayrollRun, log *zap.Logger) {
	for _, e := range batch {
		payout, result, err := o.settleBeneficiary(ctx, tenantID, period, e)
		switch result {
		case outcomeCreated:
			run.Succeeded++
			run.TotalPayout = run.TotalPayout.Add(payout.Amount)
			run.TransactionIDs = append(run.TransactionIDs, payout.ID)
			payoutsTotal.WithLabelValues("created").Inc()
		case outcomeSkipped:
			run.Skipped++
			payoutsTotal.WithLabelValues("skipped").Inc()
		case outcomeFailed:
			run.Failed++
			payoutsTotal.WithLabelValues("failed").Inc()
			log.Error("beneficiary settlement failed",
				zap.String("beneficiary_id", e.ID),
				zap.String("user_id", e.UserID),
				zap.Error(err),
			)
		}
	}
}

// settleBeneficiary runs one beneficiary in its own transaction: the payout
// insert and the payable reset commit or roll back together.
func (o *Orchestrator) settleBeneficiary(ctx context.Context, tenantID, period string, e domain.Employee) (*domain.Payout, outcome, error) {
	ref := Reference(tenantID, e.ID, period)
	var payout *domain.Payout

	err := o.store.WithTx(ctx, func(tx store.Tx) error {
		payable, err := o.wallets.PayableIn(ctx, tx, e.UserID)
		if err != nil {
			return err
		}
		amount := e.BaseSalary.Add(payable)
		if !amount.IsPositive() {
			return errNothingToPay
		}

		if _, err := tx.FindPayoutByNotes(ctx, ref); err == nil {
			return errAlreadyPaid
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check existing payout: %w", err)
		}

		now := o.now().UTC()
		p := &domain.Payout{
			ID:               uuid.New(),
			TenantID:         tenantID,
			Amount:           amount,
			CommissionAmount: payable,
			Status:           domain.PayoutPending,
			Metadata: domain.PayoutMetadata{
				UserID:      e.UserID,
				ReferenceID: ref,
				BankAccount: e.BankAccount,
			},
			Notes:     ref,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertPayout(ctx, p); err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
		if payable.IsPositive() {
			if _, err := o.wallets.ResetPayableIn(ctx, tx, e.UserID); err != nil {
				return fmt.Errorf("reset payable: %w", err)
			}
		}
		payout = p
		return nil
	})

	switch {
	case err == nil:
		return payout, outcomeCreated, nil
	case errors.Is(err, errNothingToPay), errors.Is(err, errAlreadyPaid):
		return nil, outcomeSkipped, nil
	case errors.Is(err, store.ErrUniqueViolation):
		// Another run inserted the same reference between our check and commit.
		return nil, outcomeSkipped, nil
	default:
		return nil, outcomeFailed, err
	}
}
