package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists pending settlements in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createPostgresTableSQL = `
CREATE TABLE IF NOT EXISTS pending_settlements (
    id TEXT PRIMARY KEY,
    buyer TEXT NOT NULL,
    session_id TEXT NOT NULL,
    attached NUMERIC NOT NULL,
    tokens NUMERIC NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    deadline TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createPostgresTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Put(ctx context.Context, intent PurchaseIntent) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO pending_settlements (id, buyer, session_id, attached, tokens, created_at, deadline)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, intent.ID, intent.Buyer, intent.SessionID,
		intent.Attached.String(), intent.Tokens.String(),
		intent.CreatedAt, intent.Deadline)
	return err
}

// Consume deletes and returns the record in one statement; the row delete is
// the serialization point when several resolvers race on the same intent.
func (p *PostgresStore) Consume(ctx context.Context, id string) (*PurchaseIntent, error) {
	row := p.pool.QueryRow(ctx, `
DELETE FROM pending_settlements
WHERE id = $1
RETURNING id, buyer, session_id, attached::TEXT, tokens::TEXT, created_at, deadline
`, id)

	intent, err := scanPostgresIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return intent, nil
}

func (p *PostgresStore) Expired(ctx context.Context, now time.Time) ([]PurchaseIntent, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, buyer, session_id, attached::TEXT, tokens::TEXT, created_at, deadline
FROM pending_settlements WHERE deadline < $1
`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PurchaseIntent
	for rows.Next() {
		intent, err := scanPostgresIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *intent)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanPostgresIntent(row pgx.Row) (*PurchaseIntent, error) {
	var (
		intent           PurchaseIntent
		attached, tokens string
	)
	if err := row.Scan(&intent.ID, &intent.Buyer, &intent.SessionID,
		&attached, &tokens, &intent.CreatedAt, &intent.Deadline); err != nil {
		return nil, err
	}

	var ok bool
	if intent.Attached, ok = new(big.Int).SetString(attached, 10); !ok {
		return nil, fmt.Errorf("corrupt attached amount: %q", attached)
	}
	if intent.Tokens, ok = new(big.Int).SetString(tokens, 10); !ok {
		return nil, fmt.Errorf("corrupt token amount: %q", tokens)
	}
	return &intent, nil
}
