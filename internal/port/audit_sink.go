package port

import (
	"context"
	"time"

	"github.com/rl1809/profile-store/internal/core/domain"
)

type AuditKind string

const (
	AuditBlocked        AuditKind = "blocked"
	AuditRetryExhausted AuditKind = "retry_exhausted"
)

// AuditRecord is one write that did not make it to the backend.
type AuditRecord struct {
	ID         string
	Key        string
	Kind       AuditKind
	ReasonCode string
	SaveReason string
	Old        *domain.Summary
	New        domain.Summary
	Attempts   int
	Error      string
	Stack      string
	CreatedAt  time.Time
}

type AuditSink interface {
	// RecordAudit persists one record for offline inspection
	RecordAudit(ctx context.Context, record AuditRecord) error
}

type AuditReader interface {
	// ListAudit returns newest-first records, optionally filtered by key
	ListAudit(ctx context.Context, key string, limit int) ([]AuditRecord, error)
}
