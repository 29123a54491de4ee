package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const providerMessageColumns = `id, service_id, group_chat_id, sender_id, text, received_at, status,
	raw_payload, processed_at, COALESCE(external_message_id, ''), message_hash`

func scanProviderMessage(row pgx.Row) (*ProviderMessage, error) {
	var m ProviderMessage
	err := row.Scan(&m.ID, &m.ServiceID, &m.GroupChatID, &m.SenderID, &m.Text, &m.ReceivedAt, &m.Status,
		&m.RawPayload, &m.ProcessedAt, &m.ExternalMessageID, &m.MessageHash)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// HashMessage derives the dedup key for an inbound message. Two deliveries
// of the same (group, sender, text, receivedAt) tuple collapse onto one row.
func HashMessage(groupChatID, senderID, text string, receivedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(groupChatID))
	h.Write([]byte{0})
	h.Write([]byte(senderID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(receivedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// InsertProviderMessage persists an inbound message in PENDING state. The
// returned bool is false when the hash already existed; duplicates are
// recorded upstream but never reprocessed.
func (s *Store) InsertProviderMessage(ctx context.Context, q Querier, m ProviderMessage) (int64, bool, error) {
	q = s.querier(q)
	query := `
		INSERT INTO provider_messages (
			service_id, group_chat_id, sender_id, text, received_at,
			raw_payload, external_message_id, message_hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (message_hash) DO NOTHING
		RETURNING id
	`
	var id int64
	err := q.QueryRow(ctx, query, m.ServiceID, m.GroupChatID, m.SenderID, m.Text, m.ReceivedAt,
		m.RawPayload, m.ExternalMessageID, m.MessageHash).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: insert provider message: %w", err)
	}
	return id, true, nil
}

func (s *Store) GetProviderMessage(ctx context.Context, q Querier, id int64) (*ProviderMessage, error) {
	q = s.querier(q)
	m, err := scanProviderMessage(q.QueryRow(ctx, `SELECT `+providerMessageColumns+` FROM provider_messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get provider message: %w", err)
	}
	return m, nil
}

// MarkProviderMessageProcessed stamps a message PROCESSED. Valid from
// PENDING and from ORPHAN (the only backward transition); anything else is a
// no-op.
func (s *Store) MarkProviderMessageProcessed(ctx context.Context, q Querier, id int64) error {
	q = s.querier(q)
	query := `
		UPDATE provider_messages
		SET status = 'PROCESSED', processed_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'ORPHAN')
	`
	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: mark message processed: %w", err)
	}
	return nil
}

// MarkProviderMessageRejected stamps a PENDING message REJECTED.
func (s *Store) MarkProviderMessageRejected(ctx context.Context, q Querier, id int64) error {
	q = s.querier(q)
	query := `UPDATE provider_messages SET status = 'REJECTED' WHERE id = $1 AND status = 'PENDING'`
	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: mark message rejected: %w", err)
	}
	return nil
}

// MarkProviderMessageOrphan stamps a PENDING message ORPHAN for later
// reprocessing.
func (s *Store) MarkProviderMessageOrphan(ctx context.Context, q Querier, id int64) error {
	q = s.querier(q)
	query := `UPDATE provider_messages SET status = 'ORPHAN' WHERE id = $1 AND status = 'PENDING'`
	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("store: mark message orphan: %w", err)
	}
	return nil
}

func (s *Store) listMessages(ctx context.Context, q Querier, query string, args ...any) ([]ProviderMessage, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list provider messages: %w", err)
	}
	defer rows.Close()

	var out []ProviderMessage
	for rows.Next() {
		var m ProviderMessage
		if err := rows.Scan(&m.ID, &m.ServiceID, &m.GroupChatID, &m.SenderID, &m.Text, &m.ReceivedAt, &m.Status,
			&m.RawPayload, &m.ProcessedAt, &m.ExternalMessageID, &m.MessageHash); err != nil {
			return nil, fmt.Errorf("store: scan provider message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListPendingByGroup returns a group's unprocessed backlog in arrival order.
func (s *Store) ListPendingByGroup(ctx context.Context, q Querier, groupChatID string, limit int) ([]ProviderMessage, error) {
	q = s.querier(q)
	query := `
		SELECT ` + providerMessageColumns + `
		FROM provider_messages
		WHERE group_chat_id = $1 AND status = 'PENDING'
		ORDER BY received_at, id
		LIMIT $2
	`
	return s.listMessages(ctx, q, query, groupChatID, limit)
}

// ListReprocessableOrphans returns orphans newer than since, oldest first.
func (s *Store) ListReprocessableOrphans(ctx context.Context, q Querier, since time.Time, limit int) ([]ProviderMessage, error) {
	q = s.querier(q)
	query := `
		SELECT ` + providerMessageColumns + `
		FROM provider_messages
		WHERE status = 'ORPHAN' AND received_at >= $1
		ORDER BY received_at, id
		LIMIT $2
	`
	return s.listMessages(ctx, q, query, since, limit)
}

// ListSearchableMessages returns recent unresolved messages in the given
// groups; the auto-search task rescans these for a reservation's code.
func (s *Store) ListSearchableMessages(ctx context.Context, q Querier, groupChatIDs []string, since time.Time, limit int) ([]ProviderMessage, error) {
	if len(groupChatIDs) == 0 {
		return nil, nil
	}
	q = s.querier(q)
	query := `
		SELECT ` + providerMessageColumns + `
		FROM provider_messages
		WHERE group_chat_id = ANY($1)
			AND status IN ('PENDING', 'ORPHAN')
			AND received_at >= $2
		ORDER BY received_at, id
		LIMIT $3
	`
	return s.listMessages(ctx, q, query, groupChatIDs, since, limit)
}

// ListMessagesOlderThan returns messages past the retention cutoff so they
// can be archived before deletion.
func (s *Store) ListMessagesOlderThan(ctx context.Context, q Querier, cutoff time.Time, limit int) ([]ProviderMessage, error) {
	q = s.querier(q)
	query := `
		SELECT ` + providerMessageColumns + `
		FROM provider_messages
		WHERE received_at < $1
		ORDER BY received_at, id
		LIMIT $2
	`
	return s.listMessages(ctx, q, query, cutoff, limit)
}

// DeleteMessagesOlderThan removes messages past the retention cutoff
// regardless of status.
func (s *Store) DeleteMessagesOlderThan(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	q = s.querier(q)
	tag, err := q.Exec(ctx, `DELETE FROM provider_messages WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: delete old messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOrphansOlderThan removes orphaned messages past their own, shorter
// cutoff.
func (s *Store) DeleteOrphansOlderThan(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	q = s.querier(q)
	tag, err := q.Exec(ctx, `DELETE FROM provider_messages WHERE status = 'ORPHAN' AND received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: delete old orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertBlockedMessage records a message the correlator could not use at
// all. Diagnostic only; nothing references these rows.
func (s *Store) InsertBlockedMessage(ctx context.Context, q Querier, m BlockedMessage) (int64, error) {
	q = s.querier(q)
	query := `
		INSERT INTO blocked_messages (service_id, group_chat_id, sender_id, text, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var id int64
	if err := q.QueryRow(ctx, query, m.ServiceID, m.GroupChatID, m.SenderID, m.Text, m.Reason).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: insert blocked message: %w", err)
	}
	return id, nil
}

// DeleteBlockedOlderThan removes blocked messages past the diagnostic
// retention cutoff.
func (s *Store) DeleteBlockedOlderThan(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	q = s.querier(q)
	tag, err := q.Exec(ctx, `DELETE FROM blocked_messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: delete old blocked messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
