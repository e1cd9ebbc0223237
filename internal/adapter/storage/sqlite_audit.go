package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/rl1809/profile-store/internal/adapter/storage/migrations"
	"github.com/rl1809/profile-store/internal/core/domain"
	"github.com/rl1809/profile-store/internal/port"
)

var (
	_ port.AuditSink   = (*AuditStore)(nil)
	_ port.AuditReader = (*AuditStore)(nil)
)

const defaultAuditLimit = 50

// AuditStore keeps blocked and failed writes in SQLite for offline review.
type AuditStore struct {
	db *sql.DB
}

// OpenAuditStore opens the SQLite file at path and applies migrations.
func OpenAuditStore(ctx context.Context, path string) (*AuditStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit store path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &AuditStore{db: db}, nil
}

func (s *AuditStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordAudit inserts one record. Recording the same id twice is a no-op.
func (s *AuditStore) RecordAudit(ctx context.Context, rec port.AuditRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("audit record id is required")
	}
	var oldSummary sql.NullString
	if rec.Old != nil {
		blob, err := json.Marshal(rec.Old)
		if err != nil {
			return fmt.Errorf("encode old summary: %w", err)
		}
		oldSummary = sql.NullString{String: string(blob), Valid: true}
	}
	newSummary, err := json.Marshal(rec.New)
	if err != nil {
		return fmt.Errorf("encode new summary: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (
		   id, profile_key, kind, reason_code, save_reason,
		   old_summary, new_summary, attempts, error, stack, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Key, string(rec.Kind), rec.ReasonCode, rec.SaveReason,
		oldSummary, string(newSummary), rec.Attempts, rec.Error, rec.Stack,
		createdAt.UTC().UnixMilli(),
	)
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAudit returns the newest records first. An empty key lists every key.
func (s *AuditStore) ListAudit(ctx context.Context, key string, limit int) ([]port.AuditRecord, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	query := `
		SELECT id, profile_key, kind, reason_code, save_reason,
		       old_summary, new_summary, attempts, error, stack, created_at
		FROM audit_records`
	args := []any{}
	if key != "" {
		query += ` WHERE profile_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []port.AuditRecord
	for rows.Next() {
		var (
			rec        port.AuditRecord
			kind       string
			oldSummary sql.NullString
			newSummary string
			createdAt  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Key, &kind, &rec.ReasonCode, &rec.SaveReason,
			&oldSummary, &newSummary, &rec.Attempts, &rec.Error, &rec.Stack, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Kind = port.AuditKind(kind)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		if oldSummary.Valid {
			var old domain.Summary
			if err := json.Unmarshal([]byte(oldSummary.String), &old); err != nil {
				return nil, fmt.Errorf("decode old summary: %w", err)
			}
			rec.Old = &old
		}
		if err := json.Unmarshal([]byte(newSummary), &rec.New); err != nil {
			return nil, fmt.Errorf("decode new summary: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
