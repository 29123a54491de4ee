package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const serviceColumns = `id, name, emoji, COALESCE(description, ''), default_price, active`

func scanService(row pgx.Row) (*Service, error) {
	var svc Service
	if err := row.Scan(&svc.ID, &svc.Name, &svc.Emoji, &svc.Description, &svc.DefaultPrice, &svc.Active); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *Store) GetService(ctx context.Context, q Querier, id int64) (*Service, error) {
	q = s.querier(q)
	svc, err := scanService(q.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get service: %w", err)
	}
	return svc, nil
}

func (s *Store) InsertService(ctx context.Context, q Querier, svc Service) (int64, error) {
	q = s.querier(q)
	query := `
		INSERT INTO services (name, emoji, description, default_price, active)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		RETURNING id
	`
	var id int64
	if err := q.QueryRow(ctx, query, svc.Name, svc.Emoji, svc.Description, svc.DefaultPrice, svc.Active).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: insert service: %w", err)
	}
	return id, nil
}

// InsertCountry registers a dialing prefix. Re-inserting a code updates the
// display name and flag.
func (s *Store) InsertCountry(ctx context.Context, q Querier, c Country) (int64, error) {
	q = s.querier(q)
	query := `
		INSERT INTO countries (code, name, flag)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, flag = EXCLUDED.flag
		RETURNING id
	`
	var id int64
	if err := q.QueryRow(ctx, query, c.Code, c.Name, c.Flag).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: insert country: %w", err)
	}
	return id, nil
}

// BindServiceCountry offers a service in a country. Re-binding reactivates
// the pair.
func (s *Store) BindServiceCountry(ctx context.Context, q Querier, serviceID int64, countryCode string) error {
	q = s.querier(q)
	query := `
		INSERT INTO service_countries (service_id, country_code, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (service_id, country_code) DO UPDATE SET active = TRUE
	`
	if _, err := q.Exec(ctx, query, serviceID, countryCode); err != nil {
		return fmt.Errorf("store: bind service country: %w", err)
	}
	return nil
}

// ListActiveServices returns a page of active services, optionally narrowed
// to those offered for a country.
func (s *Store) ListActiveServices(ctx context.Context, q Querier, countryCode string, limit, offset int) ([]Service, error) {
	q = s.querier(q)
	query := `
		SELECT ` + serviceColumns + `
		FROM services
		WHERE active
			AND ($1 = '' OR id IN (
				SELECT service_id FROM service_countries
				WHERE country_code = $1 AND active
			))
		ORDER BY id
		LIMIT $2 OFFSET $3
	`
	rows, err := q.Query(ctx, query, countryCode, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Emoji, &svc.Description, &svc.DefaultPrice, &svc.Active); err != nil {
			return nil, fmt.Errorf("store: scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// ListServiceCountries returns the active country offerings for a service.
func (s *Store) ListServiceCountries(ctx context.Context, q Querier, serviceID int64) ([]Country, error) {
	q = s.querier(q)
	query := `
		SELECT c.id, c.code, c.name, c.flag
		FROM service_countries sc
		JOIN countries c ON c.code = sc.country_code
		WHERE sc.service_id = $1 AND sc.active
		ORDER BY c.code
	`
	rows, err := q.Query(ctx, query, serviceID)
	if err != nil {
		return nil, fmt.Errorf("store: list service countries: %w", err)
	}
	defer rows.Close()

	var out []Country
	for rows.Next() {
		var c Country
		if err := rows.Scan(&c.ID, &c.Code, &c.Name, &c.Flag); err != nil {
			return nil, fmt.Errorf("store: scan country: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
