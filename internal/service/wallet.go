package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tenantledger/internal/apperr"
	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/store"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Balances are NUMERIC(20,4).
const amountScale = 4

const defaultCreateAttempts = 3

var walletOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_wallet_operations_total",
	Help: "Wallet balance transitions, labeled by operation and result",
}, []string{"op", "result"})

// WalletService owns wallet balances. Every mutation is a read-modify-write
// under an exclusive row lock held for one transaction.
type WalletService struct {
	store          store.Store
	logger         *zap.Logger
	createAttempts int
}

func NewWalletService(s store.Store, logger *zap.Logger) *WalletService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletService{store: s, logger: logger, createAttempts: defaultCreateAttempts}
}

func validatePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.ErrInvalidAmount
	}
	return validateScale(amount)
}

func validateScale(amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(amountScale)) {
		return apperr.Wrap(apperr.ErrInvalidAmount, fmt.Sprintf("amount supports at most %d decimal places", amountScale), nil)
	}
	return nil
}

// Credit accrues amount into the pending balance, creating the wallet on
// first credit.
func (s *WalletService) Credit(ctx context.Context, userID string, amount decimal.Decimal) (*domain.Wallet, error) {
	if err := validatePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "credit", userID, func(w *domain.Wallet) error {
		w.PendingBalance = w.PendingBalance.Add(amount)
		return nil
	})
}

// Debit removes amount from the pending balance. Over-debits clamp at zero
// and log a warning instead of failing.
// TODO: confirm with product whether over-debit should become a hard
// InsufficientPendingBalance rejection.
func (s *WalletService) Debit(ctx context.Context, userID string, amount decimal.Decimal) (*domain.Wallet, error) {
	if err := validatePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "debit", userID, func(w *domain.Wallet) error {
		if amount.GreaterThan(w.PendingBalance) {
			s.logger.Warn("debit exceeds pending balance, clamping to zero",
				zap.String("tenant_id", w.TenantID),
				zap.String("user_id", w.UserID),
				zap.String("requested", amount.String()),
				zap.String("pending", w.PendingBalance.String()),
			)
			w.PendingBalance = decimal.Zero
			return nil
		}
		w.PendingBalance = w.PendingBalance.Sub(amount)
		return nil
	})
}

// MoveToPayable commits amount of the pending balance to the next settlement.
func (s *WalletService) MoveToPayable(ctx context.Context, userID string, amount decimal.Decimal) (*domain.Wallet, error) {
	if err := validatePositive(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "move_to_payable", userID, func(w *domain.Wallet) error {
		if amount.GreaterThan(w.PendingBalance) {
			return apperr.Wrap(apperr.ErrInsufficientPendingBalance,
				fmt.Sprintf("requested %s, pending balance is %s", amount, w.PendingBalance), nil)
		}
		w.PendingBalance = w.PendingBalance.Sub(amount)
		w.PayableBalance = w.PayableBalance.Add(amount)
		return nil
	})
}

// ResetPayable zeroes the payable balance once a payout covers it.
func (s *WalletService) ResetPayable(ctx context.Context, userID string) (*domain.Wallet, error) {
	return s.mutate(ctx, "reset_payable", userID, func(w *domain.Wallet) error {
		w.PayableBalance = decimal.Zero
		return nil
	})
}

// RefundPayable returns amount to the payable balance after a failed payout.
// A zero amount changes nothing but still returns the (possibly new) wallet.
func (s *WalletService) RefundPayable(ctx context.Context, userID string, amount decimal.Decimal) (*domain.Wallet, error) {
	if amount.IsNegative() {
		return nil, apperr.Wrap(apperr.ErrInvalidAmount, "refund amount must not be negative", nil)
	}
	if err := validateScale(amount); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "refund_payable", userID, func(w *domain.Wallet) error {
		w.PayableBalance = w.PayableBalance.Add(amount)
		return nil
	})
}

// GetWallet reads balances without locking or creating the wallet.
func (s *WalletService) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.ErrWalletNotFound, fmt.Sprintf("no wallet for user %s", userID), nil)
	}
	return w, err
}

// PayableIn locks the wallet inside tx and returns its payable balance.
// A missing wallet has nothing payable and is not created.
func (s *WalletService) PayableIn(ctx context.Context, tx store.Tx, userID string) (decimal.Decimal, error) {
	w, err := tx.LockWallet(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock wallet %s: %w", userID, err)
	}
	return w.PayableBalance, nil
}

// ResetPayableIn zeroes the payable balance inside a caller-owned
// transaction, so the reset commits together with the caller's writes.
// The wallet must already exist.
func (s *WalletService) ResetPayableIn(ctx context.Context, tx store.Tx, userID string) (*domain.Wallet, error) {
	return s.applyIn(ctx, tx, userID, false, func(w *domain.Wallet) error {
		w.PayableBalance = decimal.Zero
		return nil
	})
}

// RefundPayableIn is RefundPayable bound to a caller-owned transaction.
func (s *WalletService) RefundPayableIn(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*domain.Wallet, error) {
	if amount.IsNegative() {
		return nil, apperr.Wrap(apperr.ErrInvalidAmount, "refund amount must not be negative", nil)
	}
	if err := validateScale(amount); err != nil {
		return nil, err
	}
	return s.applyIn(ctx, tx, userID, true, func(w *domain.Wallet) error {
		w.PayableBalance = w.PayableBalance.Add(amount)
		return nil
	})
}

// mutate runs fn against the locked wallet in its own transaction. A unique
// violation on insert means a concurrent first credit created the row; the
// next attempt locks that row instead.
func (s *WalletService) mutate(ctx context.Context, op, userID string, fn func(w *domain.Wallet) error) (*domain.Wallet, error) {
	if _, err := tenant.Require(ctx); err != nil {
		return nil, err
	}

	var (
		out *domain.Wallet
		err error
	)
	for attempt := 1; attempt <= s.createAttempts; attempt++ {
		err = s.store.WithTx(ctx, func(tx store.Tx) error {
			w, err := s.applyIn(ctx, tx, userID, true, fn)
			out = w
			return err
		})
		if !errors.Is(err, store.ErrUniqueViolation) {
			break
		}
		s.logger.Debug("wallet created concurrently, retrying against existing row",
			zap.String("user_id", userID), zap.String("op", op), zap.Int("attempt", attempt))
	}

	if err != nil {
		walletOps.WithLabelValues(op, string(apperr.From(err).Code)).Inc()
		return nil, err
	}
	walletOps.WithLabelValues(op, "ok").Inc()
	return out, nil
}

func (s *WalletService) applyIn(ctx context.Context, tx store.Tx, userID string, create bool, fn func(w *domain.Wallet) error) (*domain.Wallet, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}

	w, err := tx.LockWallet(ctx, userID)
	isNew := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !create {
			return nil, apperr.Wrap(apperr.ErrWalletNotFound, fmt.Sprintf("no wallet for user %s", userID), nil)
		}
		w = domain.NewWallet(tenantID, userID)
		isNew = true
	case err != nil:
		return nil, fmt.Errorf("lock wallet %s: %w", userID, err)
	}

	if err := fn(w); err != nil {
		return nil, err
	}
	if w.PendingBalance.IsNegative() || w.PayableBalance.IsNegative() {
		return nil, fmt.Errorf("wallet %s would go negative (pending %s, payable %s)", userID, w.PendingBalance, w.PayableBalance)
	}
	w.UpdatedAt = time.Now().UTC()

	if isNew {
		err = tx.InsertWallet(ctx, w)
	} else {
		err = tx.UpdateWallet(ctx, w)
	}
	if err != nil {
		return nil, fmt.Errorf("persist wallet %s: %w", userID, err)
	}
	return w, nil
}
