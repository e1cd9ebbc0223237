package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rl1809/profile-store/internal/core/domain"
	"github.com/rl1809/profile-store/internal/core/guard"
	"github.com/rl1809/profile-store/internal/core/retry"
	"github.com/rl1809/profile-store/internal/core/sanitize"
	"github.com/rl1809/profile-store/internal/port"
)

const auditTimeout = 2 * time.Second

type WriterOptions struct {
	Retry retry.Policy
	// SettleDelay is how long to wait before reading a write back.
	SettleDelay time.Duration
	Logger      *slog.Logger
}

func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		Retry:       retry.DefaultPolicy(),
		SettleDelay: 100 * time.Millisecond,
	}
}

// WriteOptions select the write path for one call.
type WriteOptions struct {
	// Verify reads the key back after writing and requires the stored
	// version to have caught up.
	Verify bool
	// FailFast makes a single attempt with no inline retries.
	FailFast bool
}

type WriteResult struct {
	Version   int64
	Attempts  int
	Merged    bool // backend was ahead and the snapshot was merged into it
	Sanitized bool // sanitizer altered the payload
	Skeleton  bool // payload was unusable and the minimal skeleton was written
	Summary   domain.Summary
	// Adopted holds the backend-only entries a merge kept, so the cache can
	// take them in. Nil unless Merged.
	Adopted *domain.Profile
}

// VerifiedWriter turns an in-memory profile into a durable backend write.
type VerifiedWriter struct {
	store     port.RemoteStore
	sanitizer *sanitize.Sanitizer
	guard     *guard.Guard
	audit     port.AuditSink
	opts      WriterOptions
	logger    *slog.Logger
	now       func() time.Time
}

func NewVerifiedWriter(store port.RemoteStore, s *sanitize.Sanitizer, g *guard.Guard, audit port.AuditSink, opts WriterOptions) *VerifiedWriter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = NewLogAuditSink(logger)
	}
	return &VerifiedWriter{
		store:     store,
		sanitizer: s,
		guard:     g,
		audit:     audit,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Write persists p under key. p must not be mutated during the call; the
// cache hands in a clone. The guard compares against p.Meta.LastSaved.
func (w *VerifiedWriter) Write(ctx context.Context, key string, p *domain.Profile, reason string, wo WriteOptions) (WriteResult, error) {
	ctx, span := startSpan(ctx, "VerifiedWriter.Write", key)
	defer span.End()
	span.SetAttributes(
		attribute.String("save.reason", reason),
		attribute.Bool("save.verify", wo.Verify),
		attribute.Bool("save.fail_fast", wo.FailFast),
	)

	snap, sanitized, skeleton := w.prepare(key, p)
	next := snap.Summary()

	if ok, code := w.guard.Allow(p.Meta.LastSaved, next, reason); !ok {
		blockedTotal.WithLabelValues(string(code)).Inc()
		w.logger.Warn("profile write blocked",
			"key", key,
			"reason", reason,
			"code", code,
			"category", guard.WipedCategory(p.Meta.LastSaved, next),
		)
		w.recordAudit(ctx, port.AuditRecord{
			Key:        key,
			Kind:       port.AuditBlocked,
			ReasonCode: string(code),
			SaveReason: reason,
			Old:        p.Meta.LastSaved,
			New:        next,
			Stack:      string(debug.Stack()),
		})
		span.SetStatus(codes.Error, "blocked")
		return WriteResult{}, &BlockedError{Code: code, Old: p.Meta.LastSaved, New: next}
	}

	policy := w.opts.Retry
	if wo.FailFast {
		policy.Attempts = 1
	}

	res, err := retry.WithBackoff(ctx, policy, func(ctx context.Context, attempt int) (WriteResult, error) {
		r, err := w.attempt(ctx, key, snap, wo)
		r.Attempts = attempt
		if err != nil {
			w.logger.Debug("profile write attempt failed", "key", key, "attempt", attempt, "error", err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return r, retry.Permanent(fmt.Errorf("%w: %v", ErrBackendUnavailable, ctxErr))
			}
		}
		return r, err
	})
	if err != nil {
		attempts := policy.Attempts
		if res.Attempts > 0 {
			attempts = res.Attempts
		}
		w.logger.Error("profile write failed",
			"key", key,
			"reason", reason,
			"attempts", attempts,
			"fail_fast", wo.FailFast,
			"error", err,
		)
		w.recordAudit(ctx, port.AuditRecord{
			Key:        key,
			Kind:       port.AuditRetryExhausted,
			ReasonCode: failureCode(err),
			SaveReason: reason,
			Old:        p.Meta.LastSaved,
			New:        next,
			Attempts:   attempts,
			Error:      err.Error(),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return WriteResult{}, err
	}

	res.Sanitized = sanitized
	res.Skeleton = skeleton
	writeAttempts.Observe(float64(res.Attempts))
	span.SetAttributes(attribute.Int64("profile.version", res.Version), attribute.Int("save.attempts", res.Attempts))
	return res, nil
}

// prepare sanitizes p and decodes the result back into the snapshot that is
// actually written. An unusable payload degrades to the skeleton.
func (w *VerifiedWriter) prepare(key string, p *domain.Profile) (*domain.Profile, bool, bool) {
	out, changed := w.sanitizer.Sanitize(p.Tree())
	skeleton := false
	if !sanitize.ValidProfileTree(out) {
		w.logger.Error("profile sanitize failed, writing skeleton", "key", key, "error", ErrSanitizeFailed)
		out = sanitize.Skeleton(int64(p.SchemaVersion), p.DataVersion, p.Core.Balance)
		skeleton = true
	}

	snap, err := decodeTree(out.(map[string]any))
	if err != nil {
		w.logger.Error("profile sanitize produced undecodable tree, writing skeleton", "key", key, "error", err)
		snap, _ = decodeTree(sanitize.Skeleton(int64(p.SchemaVersion), p.DataVersion, p.Core.Balance))
		skeleton = true
	}
	// Identity is never touched by sanitizing.
	snap.DataVersion = p.DataVersion
	if snap.PersistentID == "" {
		snap.PersistentID = p.PersistentID
	}

	switch {
	case skeleton:
		sanitizeChangedTotal.WithLabelValues("skeleton").Inc()
	case changed:
		sanitizeChangedTotal.WithLabelValues("changed").Inc()
		w.logger.Debug("profile payload sanitized", "key", key)
	}
	return snap, changed || skeleton, skeleton
}

func decodeTree(tree map[string]any) (*domain.Profile, error) {
	blob, err := domain.EncodeTree(tree)
	if err != nil {
		return nil, err
	}
	return domain.DecodeProfile(blob)
}

// attempt runs one compare-and-update plus the optional read-back.
func (w *VerifiedWriter) attempt(ctx context.Context, key string, snap *domain.Profile, wo WriteOptions) (WriteResult, error) {
	target := snap.DataVersion + 1
	var (
		merged  bool
		adopted *domain.Profile
		summary domain.Summary
	)

	transform := func(old []byte) []byte {
		next := snap.Clone()
		next.DataVersion = target
		merged = false
		adopted = nil
		if len(old) > 0 {
			// Never blindly overwrite a backend that is already ahead of us.
			if stored, err := domain.DecodeProfile(old); err == nil && stored.DataVersion >= target {
				next.MergeFrom(stored)
				next.DataVersion = stored.DataVersion + 1
				merged = true
				adopted = domain.Difference(snap, next)
			}
		}
		next.UpdatedAt = w.now()
		blob, err := domain.EncodeProfile(next)
		if err != nil {
			// Merged data from the backend did not encode; fall back to the
			// plain snapshot, which is known to be store-safe.
			next = snap.Clone()
			next.DataVersion = target
			next.UpdatedAt = w.now()
			merged = false
			adopted = nil
			blob, _ = domain.EncodeProfile(next)
		}
		summary = next.Summary()
		return blob
	}

	written, err := w.store.CompareAndUpdate(ctx, key, transform)
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: compare and update: %v", ErrBackendUnavailable, err)
	}
	version := domain.StoredVersion(written)
	res := WriteResult{Version: version, Merged: merged, Summary: summary, Adopted: adopted}
	if merged {
		w.logger.Info("backend ahead of cache, merged", "key", key, "version", version)
	}
	if !wo.Verify {
		return res, nil
	}

	if w.opts.SettleDelay > 0 {
		t := time.NewTimer(w.opts.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		}
	}

	blob, found, err := w.store.Get(ctx, key)
	if err != nil {
		return res, fmt.Errorf("%w: read back: %v", ErrBackendUnavailable, err)
	}
	if !found {
		return res, fmt.Errorf("%w: key missing on read back", ErrVerificationMismatch)
	}
	if stored := domain.StoredVersion(blob); stored < version {
		return res, fmt.Errorf("%w: stored %d, wrote %d", ErrVerificationMismatch, stored, version)
	}
	return res, nil
}

func (w *VerifiedWriter) recordAudit(ctx context.Context, rec port.AuditRecord) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = w.now()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := w.audit.RecordAudit(actx, rec); err != nil {
		w.logger.Error("record audit", "key", rec.Key, "kind", rec.Kind, "error", err)
	}
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, ErrVerificationMismatch):
		return "verification_mismatch"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "unknown"
	}
}
