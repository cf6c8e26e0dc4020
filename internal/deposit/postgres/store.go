package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/daily-earn/deposit-client/internal/deposit"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrInvalidConfig = errors.New("deposit/postgres: invalid config")

// Store is a deposit.Cache backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("deposit/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, owner string, deposits []deposit.Deposit) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return deposit.ErrInvalidOwner
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deposit/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM deposit_history_cache WHERE owner = $1`, owner); err != nil {
		return fmt.Errorf("deposit/postgres: clear: %w", err)
	}

	batch := &pgx.Batch{}
	for i, d := range deposits {
		batch.Queue(`
			INSERT INTO deposit_history_cache (
				owner,
				position,
				deposit_id,
				amount,
				status,
				created_at,
				user_id,
				cached_at
			) VALUES ($1,$2,$3,$4::numeric,$5,$6,$7,now())
		`, owner, i, d.ID, d.Amount.String(), string(d.Status), d.CreatedAt.UTC(), d.UserID)
	}
	batch.Queue(`
		INSERT INTO deposit_history_owners (owner, saved_at) VALUES ($1, now())
		ON CONFLICT (owner) DO UPDATE SET saved_at = now()
	`, owner)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("deposit/postgres: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deposit/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, owner string) ([]deposit.Deposit, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, deposit.ErrInvalidOwner
	}

	var savedAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT saved_at FROM deposit_history_owners WHERE owner = $1`, owner).Scan(&savedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, deposit.ErrNotFound
		}
		return nil, fmt.Errorf("deposit/postgres: load owner: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT
			deposit_id,
			amount::text,
			status,
			created_at,
			user_id
		FROM deposit_history_cache
		WHERE owner = $1
		ORDER BY position ASC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("deposit/postgres: load: %w", err)
	}
	defer rows.Close()

	out := make([]deposit.Deposit, 0)
	for rows.Next() {
		var (
			id        string
			amountRaw string
			status    string
			createdAt time.Time
			userID    string
		)
		if err := rows.Scan(&id, &amountRaw, &status, &createdAt, &userID); err != nil {
			return nil, fmt.Errorf("deposit/postgres: scan row: %w", err)
		}
		amount, err := decimal.NewFromString(amountRaw)
		if err != nil {
			return nil, fmt.Errorf("deposit/postgres: parse amount %q: %w", amountRaw, err)
		}
		out = append(out, deposit.Deposit{
			ID:        id,
			Amount:    amount,
			Status:    deposit.ParseStatus(status),
			CreatedAt: createdAt.UTC(),
			UserID:    userID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deposit/postgres: rows: %w", err)
	}
	return out, nil
}
