// Package audit records who-did-what entries. Sinks are fire-and-forget:
// a failing sink logs and returns, it never fails the caller.
package audit

import (
	"context"
	"time"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"go.uber.org/zap"
)

type Sink interface {
	Log(ctx context.Context, entry domain.AuditEntry)
}

// Writer is the persistence half of a StoreSink; store.Store satisfies it.
type Writer interface {
	InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error
}

// LogSink writes entries to the structured log only.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Log(_ context.Context, e domain.AuditEntry) {
	stamp(&e)
	s.logger.Info(e.Action,
		zap.String("tenant_id", e.TenantID),
		zap.String("entity", e.Entity),
		zap.String("entity_id", e.EntityID),
		zap.Any("details", e.Details),
		zap.Time("created_at", e.CreatedAt),
	)
}

// StoreSink persists entries to the audit_logs table.
type StoreSink struct {
	w      Writer
	logger *zap.Logger
}

func NewStoreSink(w Writer, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{w: w, logger: logger}
}

func (s *StoreSink) Log(ctx context.Context, e domain.AuditEntry) {
	stamp(&e)
	if err := s.w.InsertAuditEntry(ctx, e); err != nil {
		s.logger.Error("audit write failed",
			zap.Error(err),
			zap.String("tenant_id", e.TenantID),
			zap.String("action", e.Action),
			zap.String("entity_id", e.EntityID),
		)
	}
}

// Tee fans an entry out to every sink in order.
type Tee []Sink

func (t Tee) Log(ctx context.Context, e domain.AuditEntry) {
	for _, s := range t {
		s.Log(ctx, e)
	}
}

func stamp(e *domain.AuditEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}
