package store

import (
	"context"
	"fmt"
)

// InsertTransaction appends a ledger entry. The ledger is append-only; there
// are no update or delete paths.
func (s *Store) InsertTransaction(ctx context.Context, q Querier, t Transaction) (int64, error) {
	q = s.querier(q)
	query := `
		INSERT INTO transactions (user_id, kind, amount, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	var id int64
	if err := q.QueryRow(ctx, query, t.UserID, t.Kind, t.Amount, t.Reason).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: insert transaction: %w", err)
	}
	return id, nil
}

// ListUserTransactions returns a page of the user's ledger, newest first.
func (s *Store) ListUserTransactions(ctx context.Context, q Querier, userID int64, limit, offset int) ([]Transaction, error) {
	q = s.querier(q)
	query := `
		SELECT id, user_id, kind, amount, reason, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := q.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
