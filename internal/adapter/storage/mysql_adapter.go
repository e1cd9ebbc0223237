package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/profile-store/internal/port"
)

var _ port.RemoteStore = (*MySQLAdapter)(nil)

const mysqlDuplicateEntry = 1062

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	profile_key VARCHAR(191) NOT NULL PRIMARY KEY,
	data        MEDIUMBLOB   NOT NULL,
	revision    BIGINT       NOT NULL,
	updated_at  DATETIME(3)  NOT NULL
)`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// EnsureSchema creates the profiles table when it does not exist.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, mysqlSchema); err != nil {
		return fmt.Errorf("create profiles table: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := m.db.QueryRowContext(ctx, `
		SELECT data FROM profiles WHERE profile_key = ?`, key,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query profile: %w", err)
	}
	return data, true, nil
}

func (m *MySQLAdapter) CompareAndUpdate(ctx context.Context, key string, transform port.TransformFunc) ([]byte, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			old      []byte
			revision int64
		)
		err := m.db.QueryRowContext(ctx, `
			SELECT data, revision FROM profiles WHERE profile_key = ?`, key,
		).Scan(&old, &revision)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			next := transform(nil)
			_, err = m.db.ExecContext(ctx, `
				INSERT INTO profiles (profile_key, data, revision, updated_at)
				VALUES (?, ?, 1, ?)`,
				key, next, time.Now().UTC(),
			)
			if isDuplicateEntry(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("insert profile: %w", err)
			}
			return next, nil

		case err != nil:
			return nil, fmt.Errorf("query profile: %w", err)
		}

		next := transform(old)
		result, err := m.db.ExecContext(ctx, `
			UPDATE profiles
			SET data = ?, revision = revision + 1, updated_at = ?
			WHERE profile_key = ? AND revision = ?`,
			next, time.Now().UTC(), key, revision,
		)
		if err != nil {
			return nil, fmt.Errorf("update profile: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 1 {
			return next, nil
		}
	}
	return nil, ErrOptimisticLock
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
