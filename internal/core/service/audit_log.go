package service

import (
	"context"
	"log/slog"

	"github.com/rl1809/profile-store/internal/port"
)

// LogAuditSink writes audit records to the structured log. It is the
// fallback when no durable audit store is configured.
type LogAuditSink struct {
	logger *slog.Logger
}

func NewLogAuditSink(logger *slog.Logger) *LogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditSink{logger: logger.With("component", "audit")}
}

func (s *LogAuditSink) RecordAudit(ctx context.Context, rec port.AuditRecord) error {
	attrs := []any{
		"id", rec.ID,
		"key", rec.Key,
		"kind", rec.Kind,
		"code", rec.ReasonCode,
		"save_reason", rec.SaveReason,
		"new_balance", rec.New.Balance,
		"new_counts", rec.New.Counts,
	}
	if rec.Old != nil {
		attrs = append(attrs, "old_balance", rec.Old.Balance, "old_counts", rec.Old.Counts)
	}
	if rec.Attempts > 0 {
		attrs = append(attrs, "attempts", rec.Attempts)
	}
	if rec.Error != "" {
		attrs = append(attrs, "error", rec.Error)
	}
	s.logger.WarnContext(ctx, "profile audit", attrs...)
	return nil
}
