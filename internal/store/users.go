package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const userColumns = `id, external_id, balance, is_banned, COALESCE(language_tag, ''), joined_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Balance, &u.IsBanned, &u.LanguageTag, &u.JoinedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// EnsureUser returns the user for an external identity, creating the row on
// first contact.
func (s *Store) EnsureUser(ctx context.Context, q Querier, externalID, languageTag string) (*User, error) {
	q = s.querier(q)
	query := `
		INSERT INTO users (external_id, language_tag)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (external_id)
		DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING ` + userColumns
	u, err := scanUser(q.QueryRow(ctx, query, externalID, languageTag))
	if err != nil {
		return nil, fmt.Errorf("store: ensure user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, q Querier, id int64) (*User, error) {
	q = s.querier(q)
	u, err := scanUser(q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByExternalID(ctx context.Context, q Querier, externalID string) (*User, error) {
	q = s.querier(q)
	u, err := scanUser(q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user by external id: %w", err)
	}
	return u, nil
}

// GetUserForUpdate locks the user row for the remainder of the transaction.
func (s *Store) GetUserForUpdate(ctx context.Context, q Querier, id int64) (*User, error) {
	q = s.querier(q)
	u, err := scanUser(q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: lock user: %w", err)
	}
	return u, nil
}

// AdjustUserBalance applies a signed delta and returns the new balance.
func (s *Store) AdjustUserBalance(ctx context.Context, q Querier, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	q = s.querier(q)
	var balance decimal.Decimal
	query := `UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`
	if err := q.QueryRow(ctx, query, id, delta).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("store: adjust balance: %w", err)
	}
	return balance, nil
}
