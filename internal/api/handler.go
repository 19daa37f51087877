package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/tenantledger/internal/apperr"
	"github.com/punchamoorthee/tenantledger/internal/idempotency"
	"github.com/punchamoorthee/tenantledger/internal/service"
	"github.com/punchamoorthee/tenantledger/internal/store"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"go.uber.org/zap"
)

// TenantHeader carries the caller's tenant hint.
const TenantHeader = "x-tenant-id"

// Route names; the gate treats routeRegister as public.
const (
	routeRegister      = "register"
	routeGetWallet     = "wallet.get"
	routeCredit        = "wallet.credit"
	routeDebit         = "wallet.debit"
	routeMoveToPayable = "wallet.move_to_payable"
	routeRefund        = "wallet.refund"
	routeListPayouts   = "payouts.list"
	routeListRuns      = "payroll_runs.list"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	wallets *service.WalletService
	store   store.Store
	guard   *idempotency.Guard
	gate    *tenant.Gate
	logger  *zap.Logger
}

func NewHandler(wallets *service.WalletService, s store.Store, guard *idempotency.Guard, gate *tenant.Gate, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{wallets: wallets, store: s, guard: guard, gate: gate, logger: logger}
}

// PublicRoutes lists the route names that run without a tenant.
func PublicRoutes() []string {
	return []string{routeRegister}
}

// Router wires every endpoint plus /health and /metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestLogger, instrument)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.tenantScope)

	v1.HandleFunc("/register", h.RegisterTenantHandler).Methods(http.MethodPost).Name(routeRegister)
	v1.HandleFunc("/wallets/{userId}", h.GetWalletHandler).Methods(http.MethodGet).Name(routeGetWallet)
	v1.Handle("/wallets/{userId}/credit", h.idempotent(routeCredit, h.CreditHandler)).Methods(http.MethodPost).Name(routeCredit)
	v1.Handle("/wallets/{userId}/debit", h.idempotent(routeDebit, h.DebitHandler)).Methods(http.MethodPost).Name(routeDebit)
	v1.Handle("/wallets/{userId}/move-to-payable", h.idempotent(routeMoveToPayable, h.MoveToPayableHandler)).Methods(http.MethodPost).Name(routeMoveToPayable)
	v1.Handle("/wallets/{userId}/refund", h.idempotent(routeRefund, h.RefundHandler)).Methods(http.MethodPost).Name(routeRefund)
	v1.HandleFunc("/payouts", h.ListPayoutsHandler).Methods(http.MethodGet).Name(routeListPayouts)
	v1.HandleFunc("/payroll-runs", h.ListPayrollRunsHandler).Methods(http.MethodGet).Name(routeListRuns)

	return r
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func respondWithError(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	status := e.Status
	switch {
	case errors.Is(e, apperr.ErrWalletNotFound):
		// An invariant violation internally, but a plain miss for HTTP reads.
		status = http.StatusNotFound
	case errors.Is(e, apperr.ErrIdempotencyKeyInUse):
		w.Header().Set("Retry-After", "1")
	}

	msg := e.Message
	if e.Code == apperr.CodeInternal {
		msg = "Internal Server Error"
	}
	respondWithJSON(w, status, errorBody{Error: errorDetail{Code: e.Code, Message: msg}})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
