package positions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/umara25/PolyYield/internal/vault"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type DB struct {
	raw *sql.DB
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

// PostgresBackend keeps positions in the shared user_positions table.
type PostgresBackend struct {
	db *DB
}

func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	backend := &PostgresBackend{db: &DB{raw: db}}
	if err := backend.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

func (b *PostgresBackend) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
		`CREATE TABLE IF NOT EXISTS user_positions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			wallet_address TEXT NOT NULL,
			market_id TEXT NOT NULL,
			market_question TEXT NOT NULL,
			position TEXT NOT NULL CHECK (position IN ('YES', 'NO')),
			amount NUMERIC NOT NULL CHECK (amount > 0),
			transaction_signature TEXT,
			timestamp TIMESTAMPTZ NOT NULL,
			expiry_timestamp TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'claimed', 'refunded')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_positions_wallet ON user_positions(wallet_address, timestamp DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_user_positions_market ON user_positions(market_id, timestamp DESC);`,
	}
	for _, stmt := range ddl {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate positions: %w", err)
		}
	}
	return nil
}

const positionColumns = `
	id::TEXT,
	wallet_address,
	market_id,
	market_question,
	position,
	amount::TEXT,
	COALESCE(transaction_signature, ''),
	timestamp,
	expiry_timestamp,
	status,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (MarketPosition, error) {
	var (
		item   MarketPosition
		side   string
		amount string
		status string
	)
	if err := row.Scan(
		&item.ID,
		&item.Owner,
		&item.MarketID,
		&item.MarketQuestion,
		&side,
		&amount,
		&item.TransactionSignature,
		&item.CreatedAt,
		&item.ExpiresAt,
		&status,
		&item.UpdatedAt,
	); err != nil {
		return MarketPosition{}, err
	}

	var err error
	if item.Side, err = vault.ParseSide(side); err != nil {
		return MarketPosition{}, err
	}
	if item.Principal, err = decimal.NewFromString(amount); err != nil {
		return MarketPosition{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if item.Status, err = ParseStatus(status); err != nil {
		return MarketPosition{}, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.ExpiresAt = item.ExpiresAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func (b *PostgresBackend) list(ctx context.Context, filter Filter) ([]MarketPosition, error) {
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)

	if filter.Owner != "" {
		clauses = append(clauses, "wallet_address = ?")
		args = append(args, filter.Owner)
	}
	if filter.MarketID != "" {
		clauses = append(clauses, "market_id = ?")
		args = append(args, filter.MarketID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM user_positions
		WHERE %s
		ORDER BY timestamp DESC, id ASC
	`, positionColumns, strings.Join(clauses, " AND "))

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]MarketPosition, 0)
	for rows.Next() {
		item, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (b *PostgresBackend) List(ctx context.Context, filter Filter) ([]MarketPosition, error) {
	items, err := b.list(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return items, nil
}

func (b *PostgresBackend) Create(ctx context.Context, params CreateParams) (MarketPosition, error) {
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO user_positions (
			wallet_address,
			market_id,
			market_question,
			position,
			amount,
			transaction_signature,
			timestamp,
			expiry_timestamp,
			status
		) VALUES (?, ?, ?, ?, ?::NUMERIC, NULLIF(?, ''), ?, ?, 'active')
		RETURNING %s
	`, positionColumns),
		params.Owner,
		params.MarketID,
		params.MarketQuestion,
		params.Side.String(),
		params.Principal.String(),
		params.TransactionSignature,
		params.CreatedAt.UTC(),
		params.ExpiresAt.UTC(),
	)
	item, err := scanPosition(row)
	if err != nil {
		return MarketPosition{}, fmt.Errorf("insert position: %w", err)
	}
	return item, nil
}

func (b *PostgresBackend) UpdateStatus(ctx context.Context, id string, status Status) (MarketPosition, error) {
	if _, err := uuid.Parse(id); err != nil {
		return MarketPosition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !StatusActive.CanTransitionTo(status) {
		return MarketPosition{}, fmt.Errorf("%w: target %s", ErrInvalidTransition, status)
	}

	// The status guard in WHERE keeps the transition atomic with the read.
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE user_positions
		SET status = ?, updated_at = NOW()
		WHERE id = ?::UUID AND status = 'active'
		RETURNING %s
	`, positionColumns), string(status), id)
	item, err := scanPosition(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return MarketPosition{}, fmt.Errorf("update position %s: %w", id, err)
	}

	current, err := b.get(ctx, id)
	if err != nil {
		return MarketPosition{}, err
	}
	return MarketPosition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
}

func (b *PostgresBackend) get(ctx context.Context, id string) (MarketPosition, error) {
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM user_positions WHERE id = ?::UUID`, positionColumns), id)
	item, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MarketPosition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return MarketPosition{}, fmt.Errorf("get position %s: %w", id, err)
	}
	return item, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM user_positions WHERE id = ?::UUID`, id)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
