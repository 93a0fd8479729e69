package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/annosync/internal/remote"
)

// Message is one entry of a work queue.
type Message struct {
	ID        int64           `json:"id"`
	Queue     string          `json:"queue"`
	DedupeKey string          `json:"dedupeKey"`
	Body      json.RawMessage `json:"body"`
}

// Send appends body to queue. Uses ON CONFLICT(queue, dedupe_key) DO
// NOTHING, so resending a message with the same key is a no-op; the result
// reports whether the message was newly accepted.
func (s *Store) Send(ctx context.Context, queue, dedupeKey string, body []byte) (bool, error) {
	if queue == "" || dedupeKey == "" {
		return false, remote.NewError(remote.KindValidation, "send", "queue and dedupe key are required")
	}
	if !json.Valid(body) {
		return false, remote.NewError(remote.KindValidation, "send", "body is not valid JSON")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (queue, dedupe_key, body)
		VALUES (?, ?, ?)
		ON CONFLICT(queue, dedupe_key) DO NOTHING
	`, queue, dedupeKey, string(body))
	if err != nil {
		return false, classify("send", fmt.Errorf("insert message: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("send", err)
	}
	return n == 1, nil
}

// Depth returns the number of messages in queue.
func (s *Store) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE queue = ?`, queue).Scan(&n); err != nil {
		return 0, classify("depth", fmt.Errorf("count messages: %w", err))
	}
	return n, nil
}

// Messages returns up to limit messages of queue, oldest first.
func (s *Store) Messages(ctx context.Context, queue string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue, dedupe_key, body FROM messages
		WHERE queue = ?
		ORDER BY id ASC
		LIMIT ?
	`, queue, limit)
	if err != nil {
		return nil, classify("messages", fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var body string
		if err := rows.Scan(&m.ID, &m.Queue, &m.DedupeKey, &body); err != nil {
			return nil, classify("messages", fmt.Errorf("scan message: %w", err))
		}
		m.Body = json.RawMessage(body)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("messages", err)
	}
	return out, nil
}
