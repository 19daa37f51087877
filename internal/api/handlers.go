package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/tenantledger/internal/apperr"
	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/store"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type registerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) RegisterTenantHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, apperr.Wrap(apperr.ErrInvalidRequest, "Malformed JSON body", err))
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		h.fail(w, r, apperr.Wrap(apperr.ErrInvalidRequest, "tenant id is required", nil))
		return
	}

	t := &domain.Tenant{ID: req.ID, Name: req.Name, Active: true, CreatedAt: time.Now().UTC()}
	if err := h.store.CreateTenant(r.Context(), t); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			err = apperr.Wrap(apperr.ErrTenantExists, "tenant "+req.ID+" already exists", nil)
		}
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, t)
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.wallets.GetWallet(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wallet)
}

type walletMutation func(ctx context.Context, userID string, amount decimal.Decimal) (*domain.Wallet, error)

func (h *Handler) mutateWallet(w http.ResponseWriter, r *http.Request, fn walletMutation) {
	var req domain.AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, apperr.Wrap(apperr.ErrInvalidRequest, "Malformed JSON body", err))
		return
	}
	wallet, err := fn(r.Context(), mux.Vars(r)["userId"], req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wallet)
}

func (h *Handler) CreditHandler(w http.ResponseWriter, r *http.Request) {
	h.mutateWallet(w, r, h.wallets.Credit)
}

func (h *Handler) DebitHandler(w http.ResponseWriter, r *http.Request) {
	h.mutateWallet(w, r, h.wallets.Debit)
}

func (h *Handler) MoveToPayableHandler(w http.ResponseWriter, r *http.Request) {
	h.mutateWallet(w, r, h.wallets.MoveToPayable)
}

func (h *Handler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	h.mutateWallet(w, r, h.wallets.RefundPayable)
}

func (h *Handler) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := domain.PayoutStatus(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case "", domain.PayoutPending, domain.PayoutProcessing, domain.PayoutSent, domain.PayoutFailed:
	default:
		h.fail(w, r, apperr.Wrap(apperr.ErrInvalidRequest, "status must be PENDING, PROCESSING, SENT or FAILED", nil))
		return
	}

	payouts, err := h.store.ListPayouts(r.Context(), status, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if payouts == nil {
		payouts = []domain.Payout{}
	}
	respondWithJSON(w, http.StatusOK, payouts)
}

func (h *Handler) ListPayrollRunsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	runs, err := h.store.ListPayrollRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []domain.PayrollRun{}
	}
	respondWithJSON(w, http.StatusOK, runs)
}

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.Wrap(apperr.ErrInvalidRequest, "limit must be a positive integer", err)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
