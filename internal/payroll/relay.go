package payroll

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/tenantledger/internal/audit"
	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/service"
	"github.com/punchamoorthee/tenantledger/internal/store"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Gateway moves money for a payout. A returned error means the transfer
// definitively failed and the payout must be refunded.
type Gateway interface {
	Transfer(ctx context.Context, p domain.Payout) error
}

// LogGateway accepts every payout and only logs it.
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger.Named("gateway")}
}

func (g *LogGateway) Transfer(_ context.Context, p domain.Payout) error {
	g.logger.Info("payout transferred",
		zap.String("tenant_id", p.TenantID),
		zap.String("payout_id", p.ID.String()),
		zap.String("user_id", p.Metadata.UserID),
		zap.String("amount", p.Amount.String()),
	)
	return nil
}

type RelayConfig struct {
	LockID     int64
	RatePerSec float64
	BatchSize  int
}

// RelayResult counts what one RunOnce did across all tenants.
type RelayResult struct {
	Sent   int
	Failed int
	Errors int
}

// Relay drains PENDING payouts to the gateway. Each payout is claimed as
// PROCESSING in its own transaction before the gateway is called, so a
// transfer is attempted at most once. Failed transfers are marked FAILED and
// their wallet portion is refunded to the payable balance in the same
// transaction. A payout whose outcome could not be recorded stays PROCESSING
// and is left for reconciliation against the gateway.
type Relay struct {
	store   store.Store
	locker  store.Locker
	wallets *service.WalletService
	gateway Gateway
	limiter *rate.Limiter
	audit   audit.Sink
	cfg     RelayConfig
	logger  *zap.Logger
}

func NewRelay(s store.Store, locker store.Locker, wallets *service.WalletService, gw Gateway, sink audit.Sink, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}
	if cfg.LockID == 0 {
		cfg.LockID = DefaultLockID + 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &Relay{
		store:   s,
		locker:  locker,
		wallets: wallets,
		gateway: gw,
		limiter: rate.NewLimiter(limit, 1),
		audit:   sink,
		cfg:     cfg,
		logger:  logger.Named("relay"),
	}
}

// RunOnce relays up to one batch of pending payouts per tenant. It returns
// a zero result without doing anything when another instance is relaying.
func (r *Relay) RunOnce(ctx context.Context) (RelayResult, error) {
	var res RelayResult

	acquired, err := r.locker.TryAcquire(ctx, r.cfg.LockID)
	if err != nil {
		return res, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		r.logger.Debug("relay skipped, lock held by another instance")
		return res, nil
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), r.cfg.LockID); err != nil {
			r.logger.Error("failed to release relay lock", zap.Error(err))
		}
	}()

	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		return res, fmt.Errorf("list tenants: %w", err)
	}
	for _, t := range tenants {
		err := tenant.Run(ctx, t.ID, func(ctx context.Context) error {
			return r.relayTenant(ctx, &res)
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			r.logger.Error("tenant relay failed", zap.String("tenant_id", t.ID), zap.Error(err))
		}
	}
	return res, nil
}

func (r *Relay) relayTenant(ctx context.Context, res *RelayResult) error {
	pending, err := r.store.ListPayouts(ctx, domain.PayoutPending, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending payouts: %w", err)
	}

	for _, p := range pending {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.claim(ctx, p); err != nil {
			if errors.Is(err, errStateChanged) {
				r.logger.Warn("payout claimed elsewhere", zap.String("payout_id", p.ID.String()))
				continue
			}
			res.Errors++
			relayTotal.WithLabelValues("error").Inc()
			r.logger.Error("failed to claim payout", zap.String("payout_id", p.ID.String()), zap.Error(err))
			continue
		}

		transferErr := r.gateway.Transfer(ctx, p)

		status, err := r.settle(ctx, p, transferErr)
		if err != nil {
			res.Errors++
			relayTotal.WithLabelValues("error").Inc()
			r.logger.Error("failed to record payout outcome, payout left PROCESSING",
				zap.String("tenant_id", p.TenantID),
				zap.String("payout_id", p.ID.String()),
				zap.NamedError("transfer_error", transferErr),
				zap.Error(err),
			)
			continue
		}

		switch status {
		case domain.PayoutSent:
			res.Sent++
			relayTotal.WithLabelValues("sent").Inc()
		case domain.PayoutFailed:
			res.Failed++
			relayTotal.WithLabelValues("failed").Inc()
			r.audit.Log(ctx, domain.AuditEntry{
				TenantID: p.TenantID,
				Action:   "PAYOUT_FAILED",
				Entity:   "payout",
				EntityID: p.ID.String(),
				Details: map[string]interface{}{
					"user_id":  p.Metadata.UserID,
					"refunded": p.CommissionAmount.String(),
					"error":    transferErr.Error(),
				},
			})
		}
	}
	return nil
}

var errStateChanged = errors.New("payout changed state during relay")

// claim moves p from PENDING to PROCESSING.
func (r *Relay) claim(ctx context.Context, p domain.Payout) error {
	return r.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockPayout(ctx, p.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.PayoutPending {
			return errStateChanged
		}
		return tx.UpdatePayoutStatus(ctx, p.ID, domain.PayoutProcessing)
	})
}

func (r *Relay) settle(ctx context.Context, p domain.Payout, transferErr error) (domain.PayoutStatus, error) {
	status := domain.PayoutSent
	if transferErr != nil {
		status = domain.PayoutFailed
	}

	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockPayout(ctx, p.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.PayoutProcessing {
			return errStateChanged
		}
		if err := tx.UpdatePayoutStatus(ctx, p.ID, status); err != nil {
			return err
		}
		if status == domain.PayoutFailed {
			if _, err := r.wallets.RefundPayableIn(ctx, tx, current.Metadata.UserID, current.CommissionAmount); err != nil {
				return fmt.Errorf("refund payable: %w", err)
			}
		}
		return nil
	})
	return status, err
}
