package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists pending settlements in a local SQLite database.
// Suitable for single-node deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

const createSQLiteTableSQL = `
CREATE TABLE IF NOT EXISTS pending_settlements (
    id TEXT PRIMARY KEY,
    buyer TEXT NOT NULL,
    session_id TEXT NOT NULL,
    attached TEXT NOT NULL,
    tokens TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    deadline INTEGER NOT NULL
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
	// The driver serializes writes per connection; a single connection keeps
	// the consume step atomic without busy-retry handling.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createSQLiteTableSQL); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, intent PurchaseIntent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_settlements (id, buyer, session_id, attached, tokens, created_at, deadline)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, intent.ID, intent.Buyer, intent.SessionID,
		intent.Attached.String(), intent.Tokens.String(),
		intent.CreatedAt.UnixNano(), intent.Deadline.UnixNano())
	return err
}

func (s *SQLiteStore) Consume(ctx context.Context, id string) (*PurchaseIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT id, buyer, session_id, attached, tokens, created_at, deadline
FROM pending_settlements WHERE id = ?
`, id)

	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_settlements WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *SQLiteStore) Expired(ctx context.Context, now time.Time) ([]PurchaseIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, buyer, session_id, attached, tokens, created_at, deadline
FROM pending_settlements WHERE deadline < ?
`, now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PurchaseIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *intent)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*PurchaseIntent, error) {
	var (
		intent             PurchaseIntent
		attached, tokens   string
		createdNs, deadlNs int64
	)
	if err := row.Scan(&intent.ID, &intent.Buyer, &intent.SessionID,
		&attached, &tokens, &createdNs, &deadlNs); err != nil {
		return nil, err
	}

	var ok bool
	if intent.Attached, ok = new(big.Int).SetString(attached, 10); !ok {
		return nil, fmt.Errorf("corrupt attached amount: %q", attached)
	}
	if intent.Tokens, ok = new(big.Int).SetString(tokens, 10); !ok {
		return nil, fmt.Errorf("corrupt token amount: %q", tokens)
	}
	intent.CreatedAt = time.Unix(0, createdNs)
	intent.Deadline = time.Unix(0, deadlNs)
	return &intent, nil
}
