// Package store implements the persistent key-value boundary on SQLite.
// It backs the L2 cache, sync watermarks, sync logs, and persisted
// rate-limit windows. Timestamps cross this boundary as ISO-8601 strings.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sumihiro3/project-lens-sync/pkg/types"
)

// Well-known buckets.
const (
	BucketCache       = "cache"
	BucketWatermarks  = "watermarks"
	BucketSyncLogs    = "sync_logs"
	BucketRateWindows = "rate_windows"
)

// Row is one persisted record.
type Row struct {
	Bucket    string
	Key       string
	Value     []byte
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// Store is a SQLite-backed key-value store with bucket namespaces.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (and migrates) the store at path. Use ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite handles one writer at a time; serialize access through a
	// single connection to avoid SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.Named("store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			bucket     TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			expires_at TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (bucket, key)
		);
		CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv (bucket, expires_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a record. A nil expiresAt means the record
// never expires.
func (s *Store) Upsert(bucket, key string, value []byte, expiresAt *time.Time) error {
	var expires interface{}
	if expiresAt != nil {
		expires = types.FormatTime(*expiresAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO kv (bucket, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, bucket, key, value, expires, types.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get fetches a record. Expired records are treated as absent (and removed
// lazily). The bool reports presence.
func (s *Store) Get(bucket, key string) (*Row, bool, error) {
	row := s.db.QueryRow(
		`SELECT value, expires_at, updated_at FROM kv WHERE bucket = ? AND key = ?`,
		bucket, key)

	var value []byte
	var expiresRaw sql.NullString
	var updatedRaw string
	if err := row.Scan(&value, &expiresRaw, &updatedRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}

	out := &Row{Bucket: bucket, Key: key, Value: value}
	if updated, err := types.ParseTime(updatedRaw); err == nil {
		out.UpdatedAt = updated
	}
	if expiresRaw.Valid {
		expires, err := types.ParseTime(expiresRaw.String)
		if err != nil {
			return nil, false, fmt.Errorf("get %s/%s: corrupt expires_at: %w", bucket, key, err)
		}
		out.ExpiresAt = &expires
		if time.Now().After(expires) {
			_, _ = s.db.Exec(`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
			return nil, false, nil
		}
	}
	return out, true, nil
}

// Delete removes one record, reporting whether it existed.
func (s *Store) Delete(bucket, key string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeletePattern removes records whose keys match a glob pattern
// (* wildcards only) and returns the count.
func (s *Store) DeletePattern(bucket, pattern string) (int, error) {
	like := strings.ReplaceAll(pattern, "%", `\%`)
	like = strings.ReplaceAll(like, "_", `\_`)
	like = strings.ReplaceAll(like, "*", "%")
	res, err := s.db.Exec(
		`DELETE FROM kv WHERE bucket = ? AND key LIKE ? ESCAPE '\'`,
		bucket, like)
	if err != nil {
		return 0, fmt.Errorf("delete pattern %s/%s: %w", bucket, pattern, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteExpiredBefore removes records in a bucket whose expiry is before t,
// returning the count. This is the range-delete-by-predicate operation of
// the store boundary.
func (s *Store) DeleteExpiredBefore(bucket string, t time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM kv WHERE bucket = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		bucket, types.FormatTime(t))
	if err != nil {
		return 0, fmt.Errorf("delete expired in %s: %w", bucket, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearTenant removes every record in a bucket whose key carries the
// tenant prefix, used when a tenant is deregistered.
func (s *Store) ClearTenant(bucket, tenantID string) (int, error) {
	return s.DeletePattern(bucket, tenantID+":*")
}

// QueryOrdered returns up to limit records from a bucket ordered by
// updated_at descending.
func (s *Store) QueryOrdered(bucket string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT key, value, expires_at, updated_at FROM kv
		 WHERE bucket = ? ORDER BY updated_at DESC LIMIT ?`,
		bucket, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", bucket, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		r := Row{Bucket: bucket}
		var expiresRaw sql.NullString
		var updatedRaw string
		if err := rows.Scan(&r.Key, &r.Value, &expiresRaw, &updatedRaw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", bucket, err)
		}
		if updated, err := types.ParseTime(updatedRaw); err == nil {
			r.UpdatedAt = updated
		}
		if expiresRaw.Valid {
			if expires, err := types.ParseTime(expiresRaw.String); err == nil {
				r.ExpiresAt = &expires
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of live records in a bucket.
func (s *Store) Count(bucket string) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM kv WHERE bucket = ?`, bucket)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", bucket, err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
