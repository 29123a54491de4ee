package store

import (
	"context"
	"fmt"
)

// ListActiveGroupBindings returns the active service bindings for a group
// chat. Ordered by service id so the first binding wins when a masked tail
// matches reservations across services.
func (s *Store) ListActiveGroupBindings(ctx context.Context, q Querier, groupChatID string) ([]ServiceGroup, error) {
	q = s.querier(q)
	query := `
		SELECT id, service_id, group_chat_id, regex_pattern, active
		FROM service_groups
		WHERE group_chat_id = $1 AND active
		ORDER BY service_id
	`
	rows, err := q.Query(ctx, query, groupChatID)
	if err != nil {
		return nil, fmt.Errorf("store: list group bindings: %w", err)
	}
	defer rows.Close()

	var out []ServiceGroup
	for rows.Next() {
		var g ServiceGroup
		if err := rows.Scan(&g.ID, &g.ServiceID, &g.GroupChatID, &g.RegexPattern, &g.Active); err != nil {
			return nil, fmt.Errorf("store: scan group binding: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListGroupChatIDsByService returns the group chats a service receives
// messages from; the auto-search task scans these.
func (s *Store) ListGroupChatIDsByService(ctx context.Context, q Querier, serviceID int64) ([]string, error) {
	q = s.querier(q)
	query := `
		SELECT group_chat_id
		FROM service_groups
		WHERE service_id = $1 AND active
		ORDER BY group_chat_id
	`
	rows, err := q.Query(ctx, query, serviceID)
	if err != nil {
		return nil, fmt.Errorf("store: list group chats: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan group chat id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertServiceGroup binds a service to a group chat. Re-binding an existing
// pair reactivates it and replaces the extraction pattern.
func (s *Store) InsertServiceGroup(ctx context.Context, q Querier, g ServiceGroup) (int64, error) {
	q = s.querier(q)
	query := `
		INSERT INTO service_groups (service_id, group_chat_id, regex_pattern, active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (service_id, group_chat_id)
		DO UPDATE SET regex_pattern = EXCLUDED.regex_pattern, active = TRUE
		RETURNING id
	`
	var id int64
	if err := q.QueryRow(ctx, query, g.ServiceID, g.GroupChatID, g.RegexPattern).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: insert service group: %w", err)
	}
	return id, nil
}
