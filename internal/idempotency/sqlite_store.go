package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a local SQLite database. The default for
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key TEXT PRIMARY KEY,
    status_code INTEGER NOT NULL,
    response BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT status_code, response, created_at, expires_at
FROM idempotency_records WHERE key = ?
`, key)

	var (
		rec                  Record
		createdNs, expiresNs int64
	)
	if err := row.Scan(&rec.StatusCode, &rec.Response, &createdNs, &expiresNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, createdNs)
	rec.ExpiresAt = time.Unix(0, expiresNs)

	if time.Now().After(rec.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = ?`, key)
		return nil, nil
	}
	return &rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, record Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_records (key, status_code, response, created_at, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE
SET status_code = excluded.status_code,
    response = excluded.response,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at
`, key, record.StatusCode, record.Response,
		record.CreatedAt.UnixNano(), record.ExpiresAt.UnixNano())
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
