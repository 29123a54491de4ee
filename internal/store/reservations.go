package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const reservationColumns = `id, user_id, service_id, number_id, status, created_at, expired_at,
	completed_at, COALESCE(code_value, '')`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	err := row.Scan(&r.ID, &r.UserID, &r.ServiceID, &r.NumberID, &r.Status, &r.CreatedAt, &r.ExpiredAt,
		&r.CompletedAt, &r.CodeValue)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) InsertReservation(ctx context.Context, q Querier, r Reservation) (*Reservation, error) {
	q = s.querier(q)
	query := `
		INSERT INTO reservations (user_id, service_id, number_id, status, expired_at)
		VALUES ($1, $2, $3, 'WAITING_CODE', $4)
		RETURNING ` + reservationColumns
	created, err := scanReservation(q.QueryRow(ctx, query, r.UserID, r.ServiceID, r.NumberID, r.ExpiredAt))
	if err != nil {
		return nil, fmt.Errorf("store: insert reservation: %w", err)
	}
	return created, nil
}

func (s *Store) GetReservation(ctx context.Context, q Querier, id int64) (*Reservation, error) {
	q = s.querier(q)
	r, err := scanReservation(q.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get reservation: %w", err)
	}
	return r, nil
}

// GetReservationForUpdate locks the reservation row; billing, expiry and
// user-initiated transitions all take this lock first, which serializes
// every state change on one reservation.
func (s *Store) GetReservationForUpdate(ctx context.Context, q Querier, id int64) (*Reservation, error) {
	q = s.querier(q)
	r, err := scanReservation(q.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: lock reservation: %w", err)
	}
	return r, nil
}

// GetWaitingReservationByNumber returns the number's live reservation, if
// any, locking it for the transaction.
func (s *Store) GetWaitingReservationByNumber(ctx context.Context, q Querier, numberID int64) (*Reservation, error) {
	q = s.querier(q)
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE number_id = $1 AND status = 'WAITING_CODE'
		FOR UPDATE
	`
	r, err := scanReservation(q.QueryRow(ctx, query, numberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: waiting reservation by number: %w", err)
	}
	return r, nil
}

// FindWaitingReservationByTail matches a masked-number tail against live
// reservations in the given services. Bindings iterate in service id order
// and the oldest reservation wins, so multi-service groups resolve
// deterministically.
func (s *Store) FindWaitingReservationByTail(ctx context.Context, q Querier, tail string, serviceIDs []int64) (*Reservation, *Number, error) {
	if tail == "" {
		return nil, nil, ErrNotFound
	}
	q = s.querier(q)
	query := `
		SELECT r.id, r.user_id, r.service_id, r.number_id, r.status, r.created_at, r.expired_at,
			r.completed_at, COALESCE(r.code_value, ''),
			n.id, n.phone_number, n.service_id, n.country_code, n.status, n.price_override,
			n.reserved_by_user_id, n.reserved_at, n.expires_at, n.code_received_at, n.usage_count, n.created_at
		FROM reservations r
		JOIN numbers n ON n.id = r.number_id
		WHERE r.status = 'WAITING_CODE'
			AND n.service_id = ANY($1)
			AND n.phone_number LIKE '%' || $2
		ORDER BY n.service_id, r.created_at
		LIMIT 1
	`
	var r Reservation
	var n Number
	err := q.QueryRow(ctx, query, serviceIDs, tail).Scan(
		&r.ID, &r.UserID, &r.ServiceID, &r.NumberID, &r.Status, &r.CreatedAt, &r.ExpiredAt,
		&r.CompletedAt, &r.CodeValue,
		&n.ID, &n.PhoneNumber, &n.ServiceID, &n.CountryCode, &n.Status, &n.PriceOverride,
		&n.ReservedByUserID, &n.ReservedAt, &n.ExpiresAt, &n.CodeReceivedAt, &n.UsageCount, &n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("store: waiting reservation by tail: %w", err)
	}
	return &r, &n, nil
}

// CompleteReservation transitions WAITING_CODE to COMPLETED with the
// delivered code.
func (s *Store) CompleteReservation(ctx context.Context, q Querier, id int64, code string) error {
	q = s.querier(q)
	query := `
		UPDATE reservations
		SET status = 'COMPLETED', code_value = $2, completed_at = now()
		WHERE id = $1 AND status = 'WAITING_CODE'
	`
	tag, err := q.Exec(ctx, query, id, code)
	if err != nil {
		return fmt.Errorf("store: complete reservation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("store: complete reservation: reservation %d not waiting", id)
	}
	return nil
}

// ExpireReservation transitions WAITING_CODE to EXPIRED.
func (s *Store) ExpireReservation(ctx context.Context, q Querier, id int64) error {
	return s.transitionReservation(ctx, q, id, ReservationExpired)
}

// CancelReservation transitions WAITING_CODE to CANCELED.
func (s *Store) CancelReservation(ctx context.Context, q Querier, id int64) error {
	return s.transitionReservation(ctx, q, id, ReservationCanceled)
}

func (s *Store) transitionReservation(ctx context.Context, q Querier, id int64, status string) error {
	q = s.querier(q)
	query := `UPDATE reservations SET status = $2 WHERE id = $1 AND status = 'WAITING_CODE'`
	tag, err := q.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("store: transition reservation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("store: transition reservation: reservation %d not waiting", id)
	}
	return nil
}

// RepointReservation moves a live reservation to a different number.
func (s *Store) RepointReservation(ctx context.Context, q Querier, id, numberID int64) error {
	q = s.querier(q)
	query := `UPDATE reservations SET number_id = $2 WHERE id = $1 AND status = 'WAITING_CODE'`
	tag, err := q.Exec(ctx, query, id, numberID)
	if err != nil {
		return fmt.Errorf("store: repoint reservation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("store: repoint reservation: reservation %d not waiting", id)
	}
	return nil
}

// ListExpiredWaiting returns live reservations whose deadline has passed.
func (s *Store) ListExpiredWaiting(ctx context.Context, q Querier, now time.Time, limit int) ([]Reservation, error) {
	q = s.querier(q)
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE status = 'WAITING_CODE' AND expired_at < $1
		ORDER BY expired_at
		LIMIT $2
	`
	rows, err := q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list expired waiting: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.UserID, &r.ServiceID, &r.NumberID, &r.Status, &r.CreatedAt, &r.ExpiredAt,
			&r.CompletedAt, &r.CodeValue); err != nil {
			return nil, fmt.Errorf("store: scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListUserReservations returns a page of the user's reservations, newest
// first.
func (s *Store) ListUserReservations(ctx context.Context, q Querier, userID int64, limit, offset int) ([]Reservation, error) {
	q = s.querier(q)
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := q.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list user reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.UserID, &r.ServiceID, &r.NumberID, &r.Status, &r.CreatedAt, &r.ExpiredAt,
			&r.CompletedAt, &r.CodeValue); err != nil {
			return nil, fmt.Errorf("store: scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
