package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const numberColumns = `id, phone_number, service_id, country_code, status, price_override,
	reserved_by_user_id, reserved_at, expires_at, code_received_at, usage_count, created_at`

func scanNumber(row pgx.Row) (*Number, error) {
	var n Number
	err := row.Scan(&n.ID, &n.PhoneNumber, &n.ServiceID, &n.CountryCode, &n.Status, &n.PriceOverride,
		&n.ReservedByUserID, &n.ReservedAt, &n.ExpiresAt, &n.CodeReceivedAt, &n.UsageCount, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) InsertNumber(ctx context.Context, q Querier, n Number) (int64, error) {
	q = s.querier(q)
	query := `
		INSERT INTO numbers (phone_number, service_id, country_code, status, price_override)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	status := n.Status
	if status == "" {
		status = NumberAvailable
	}
	var id int64
	if err := q.QueryRow(ctx, query, n.PhoneNumber, n.ServiceID, n.CountryCode, status, n.PriceOverride).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: insert number: %w", err)
	}
	return id, nil
}

func (s *Store) GetNumber(ctx context.Context, q Querier, id int64) (*Number, error) {
	q = s.querier(q)
	n, err := scanNumber(q.QueryRow(ctx, `SELECT `+numberColumns+` FROM numbers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get number: %w", err)
	}
	return n, nil
}

// GetNumberForUpdate locks the number row for the remainder of the
// transaction.
func (s *Store) GetNumberForUpdate(ctx context.Context, q Querier, id int64) (*Number, error) {
	q = s.querier(q)
	n, err := scanNumber(q.QueryRow(ctx, `SELECT `+numberColumns+` FROM numbers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: lock number: %w", err)
	}
	return n, nil
}

// SelectAvailableNumberForUpdate picks the oldest available number for the
// service and country slice, skipping numbers the user has already completed
// against and, when excludeID is non-zero, that specific number. The row lock
// serializes allocation per slice; concurrent pickers of the same row resolve
// through the serializable retry path.
func (s *Store) SelectAvailableNumberForUpdate(ctx context.Context, q Querier, serviceID int64, countryCode string, userID, excludeID int64) (*Number, error) {
	q = s.querier(q)
	query := `
		SELECT ` + numberColumns + `
		FROM numbers
		WHERE service_id = $1
			AND country_code = $2
			AND status = 'AVAILABLE'
			AND id NOT IN (
				SELECT number_id FROM reservations
				WHERE user_id = $3 AND status = 'COMPLETED'
			)
			AND ($4::bigint = 0 OR id <> $4)
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE
	`
	n, err := scanNumber(q.QueryRow(ctx, query, serviceID, countryCode, userID, excludeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: select available number: %w", err)
	}
	return n, nil
}

// MarkNumberReserved flips an available number to reserved for a user.
func (s *Store) MarkNumberReserved(ctx context.Context, q Querier, id, userID int64, expiresAt time.Time) error {
	q = s.querier(q)
	query := `
		UPDATE numbers
		SET status = 'RESERVED', reserved_by_user_id = $2, reserved_at = now(), expires_at = $3
		WHERE id = $1 AND status = 'AVAILABLE'
	`
	tag, err := q.Exec(ctx, query, id, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("store: mark number reserved: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("store: mark number reserved: number %d not available", id)
	}
	return nil
}

// ReleaseNumber returns a reserved number to the available pool.
func (s *Store) ReleaseNumber(ctx context.Context, q Querier, id int64) error {
	q = s.querier(q)
	query := `
		UPDATE numbers
		SET status = 'AVAILABLE', reserved_by_user_id = NULL, reserved_at = NULL, expires_at = NULL
		WHERE id = $1 AND status = 'RESERVED'
	`
	tag, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: release number: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("store: release number: number %d not reserved", id)
	}
	return nil
}

// RetireNumber permanently removes a number from rotation. Retiring an
// already deleted number is a no-op.
func (s *Store) RetireNumber(ctx context.Context, q Querier, id int64) error {
	q = s.querier(q)
	query := `
		UPDATE numbers
		SET status = 'DELETED', reserved_by_user_id = NULL, reserved_at = NULL, expires_at = NULL
		WHERE id = $1 AND status <> 'DELETED'
	`
	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: retire number: %w", err)
	}
	return nil
}

// MarkNumberUsed records a successful code delivery on a reserved number.
func (s *Store) MarkNumberUsed(ctx context.Context, q Querier, id int64) error {
	q = s.querier(q)
	query := `
		UPDATE numbers
		SET status = 'USED', code_received_at = now(), usage_count = usage_count + 1
		WHERE id = $1 AND status = 'RESERVED'
	`
	tag, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: mark number used: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("store: mark number used: number %d not reserved", id)
	}
	return nil
}

// FindNumberByPhone resolves a canonical phone number within the given
// services.
func (s *Store) FindNumberByPhone(ctx context.Context, q Querier, phoneNumber string, serviceIDs []int64) (*Number, error) {
	q = s.querier(q)
	query := `
		SELECT ` + numberColumns + `
		FROM numbers
		WHERE phone_number = $1 AND service_id = ANY($2)
		ORDER BY service_id
		LIMIT 1
	`
	n, err := scanNumber(q.QueryRow(ctx, query, phoneNumber, serviceIDs))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find number by phone: %w", err)
	}
	return n, nil
}

// CountAvailableNumbers reports remaining stock for a service and country,
// excluding one number when excludeID is non-zero.
func (s *Store) CountAvailableNumbers(ctx context.Context, q Querier, serviceID int64, countryCode string, excludeID int64) (int, error) {
	q = s.querier(q)
	query := `
		SELECT COUNT(*)
		FROM numbers
		WHERE service_id = $1
			AND country_code = $2
			AND status = 'AVAILABLE'
			AND ($3::bigint = 0 OR id <> $3)
	`
	var count int
	if err := q.QueryRow(ctx, query, serviceID, countryCode, excludeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count available numbers: %w", err)
	}
	return count, nil
}

// CountDistinctCompletedUsers counts how many different users have completed
// a reservation against the number.
func (s *Store) CountDistinctCompletedUsers(ctx context.Context, q Querier, numberID int64) (int, error) {
	q = s.querier(q)
	query := `
		SELECT COUNT(DISTINCT user_id)
		FROM reservations
		WHERE number_id = $1 AND status = 'COMPLETED'
	`
	var count int
	if err := q.QueryRow(ctx, query, numberID).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count completed users: %w", err)
	}
	return count, nil
}

// RecycleUsedNumbers returns used numbers that are still below the
// distinct-user threshold to the available pool so other users can rent
// them. Reservation history keeps a recycled number away from users who
// already completed against it; codeReceivedAt and usageCount survive the
// recycle.
func (s *Store) RecycleUsedNumbers(ctx context.Context, q Querier, threshold int) (int64, error) {
	q = s.querier(q)
	query := `
		UPDATE numbers
		SET status = 'AVAILABLE', reserved_by_user_id = NULL, reserved_at = NULL, expires_at = NULL
		WHERE status = 'USED'
			AND id NOT IN (
				SELECT number_id FROM reservations
				WHERE status = 'COMPLETED'
				GROUP BY number_id
				HAVING COUNT(DISTINCT user_id) >= $1
			)
	`
	tag, err := q.Exec(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("store: recycle used numbers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetireNumbersPastThreshold deletes every number that has served the
// threshold of distinct users, returning how many were retired. Reserved
// numbers are left for their reservation to finish; billing retires them at
// completion.
func (s *Store) RetireNumbersPastThreshold(ctx context.Context, q Querier, threshold int) (int64, error) {
	q = s.querier(q)
	query := `
		UPDATE numbers
		SET status = 'DELETED', reserved_by_user_id = NULL, reserved_at = NULL, expires_at = NULL
		WHERE status NOT IN ('DELETED', 'RESERVED')
			AND id IN (
				SELECT number_id FROM reservations
				WHERE status = 'COMPLETED'
				GROUP BY number_id
				HAVING COUNT(DISTINCT user_id) >= $1
			)
	`
	tag, err := q.Exec(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("store: retire numbers past threshold: %w", err)
	}
	return tag.RowsAffected(), nil
}
