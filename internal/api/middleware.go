package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/tenantledger/internal/apperr"
	"github.com/punchamoorthee/tenantledger/internal/idempotency"
	"github.com/punchamoorthee/tenantledger/internal/logger"
	"github.com/punchamoorthee/tenantledger/internal/store"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-ID"

// requestLogger attaches a request-scoped logger and logs one line per request.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		log := h.logger.With(zap.String("request_id", requestID))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r.WithContext(logger.WithContext(r.Context(), log)))

		fields := []zapcore.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("latency", time.Since(start)),
			zap.String("tenant_hint", r.Header.Get(TenantHeader)),
		}
		if sw.status >= http.StatusInternalServerError {
			log.Error("HTTP request failed", fields...)
		} else {
			log.Info("HTTP request completed", fields...)
		}
	})
}

// tenantScope resolves the tenant from the bearer credential and the tenant
// header and binds it to the request context. Non-public routes are
// rejected when no tenant resolves or the tenant is not an active entry in
// the directory.
func (h *Handler) tenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routeName := ""
		if route := mux.CurrentRoute(r); route != nil {
			routeName = route.GetName()
		}

		tenantID, err := h.gate.Resolve(r.Header.Get("Authorization"), r.Header.Get(TenantHeader))
		if err != nil {
			h.fail(w, r, err)
			return
		}

		ctx := r.Context()
		if tenantID != "" {
			ctx = tenant.WithID(ctx, tenantID)
			ctx = logger.WithContext(ctx, logger.FromContext(ctx, h.logger).With(zap.String("tenant_id", tenantID)))
		}
		if err := h.gate.Check(ctx, routeName); err != nil {
			h.fail(w, r, err)
			return
		}
		if tenantID != "" && !h.gate.IsPublic(routeName) {
			if err := h.checkTenant(ctx, tenantID); err != nil {
				h.fail(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) checkTenant(ctx context.Context, tenantID string) error {
	t, err := h.store.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !t.Active) {
		return apperr.Wrap(apperr.ErrTenantUnknown, fmt.Sprintf("tenant %q is not registered or inactive", tenantID), nil)
	}
	if err != nil {
		return fmt.Errorf("look up tenant: %w", err)
	}
	return nil
}

// idempotent runs next at most once per (tenant, idempotency key). The
// inner handler's response is captured so it can be cached and replayed.
func (h *Handler) idempotent(op string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotency.HeaderName)

		resp, replayed, err := h.guard.Do(r.Context(), key, idempotency.Options{Required: true, Prefix: op},
			func(ctx context.Context) (idempotency.Response, error) {
				cw := newCaptureWriter()
				next(cw, r.WithContext(ctx))
				return idempotency.Response{
					Status:      cw.status,
					ContentType: cw.header.Get("Content-Type"),
					Body:        cw.body.Bytes(),
				}, nil
			})
		if err != nil {
			h.fail(w, r, err)
			return
		}

		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		if replayed {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
	})
}

// captureWriter buffers a response instead of sending it.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header), status: http.StatusOK}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) Write(b []byte) (int, error) { return c.body.Write(b) }

func (c *captureWriter) WriteHeader(code int) { c.status = code }

// fail logs unexpected errors and writes the structured error body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context(), h.logger)
	if apperr.From(err).Code == apperr.CodeInternal {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Debug("request rejected", zap.Error(err))
	}
	respondWithError(w, err)
}
