package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// tsLayout is the stored timestamp encoding. The fractional part is kept at
// full fixed width (RFC3339Nano trims trailing zeros, which breaks the
// lexicographic ordering the ts comparisons in SQL rely on: '.' sorts below
// 'Z', so a fractional timestamp right after a period boundary would compare
// below the whole-second boundary string). All timestamps are stored in UTC,
// so the offset always renders as "Z" and every value has the same width.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ChatEntry is one raw inbound chat message. Entries are immutable once
// written; the retention sweep is the only thing that ever removes them.
type ChatEntry struct {
	ID             int64
	ConversationID string
	SenderID       string
	Timestamp      time.Time
	Content        string
	MediaRefs      []string
}

// ChatQuery selects a time-bounded slice of the chat log. Empty SenderID and
// ConversationID match everything (the global scope).
type ChatQuery struct {
	SenderID       string
	ConversationID string
	From           time.Time // inclusive
	To             time.Time // exclusive
}

// ChatLog is the append-only, date-partitioned record of raw messages.
type ChatLog struct {
	store *Store
}

// ChatLog returns the chat log collection.
func (s *Store) ChatLog() *ChatLog { return &ChatLog{store: s} }

// Append writes one entry. The day partition is derived from the entry's
// timestamp in its own location.
func (c *ChatLog) Append(ctx context.Context, entry ChatEntry) error {
	mediaJSON, err := marshalStrings(entry.MediaRefs)
	if err != nil {
		return fmt.Errorf("chatlog: marshal media refs: %w", err)
	}

	_, err = c.store.db.ExecContext(ctx, `
		INSERT INTO chat_entries (conversation_id, sender_id, ts, day, content, media_refs)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ConversationID,
		entry.SenderID,
		entry.Timestamp.UTC().Format(tsLayout),
		Day(entry.Timestamp),
		entry.Content,
		mediaJSON,
	)
	if err != nil {
		return fmt.Errorf("chatlog: append entry: %w", err)
	}
	return nil
}

// Query returns all entries matching q, ordered by timestamp ascending.
func (c *ChatLog) Query(ctx context.Context, q ChatQuery) ([]ChatEntry, error) {
	where := "ts >= ? AND ts < ?"
	args := []any{
		q.From.UTC().Format(tsLayout),
		q.To.UTC().Format(tsLayout),
	}
	if q.SenderID != "" {
		where += " AND sender_id = ?"
		args = append(args, q.SenderID)
	}
	if q.ConversationID != "" {
		where += " AND conversation_id = ?"
		args = append(args, q.ConversationID)
	}

	rows, err := c.store.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, ts, content, media_refs
		FROM chat_entries
		WHERE `+where+`
		ORDER BY ts ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("chatlog: query entries: %w", err)
	}
	defer rows.Close()

	var entries []ChatEntry
	for rows.Next() {
		var (
			e         ChatEntry
			tsStr     string
			mediaJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.SenderID, &tsStr, &e.Content, &mediaJSON); err != nil {
			return nil, fmt.Errorf("chatlog: scan entry: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("chatlog: parse ts: %w", err)
		}
		e.Timestamp = ts
		if e.MediaRefs, err = unmarshalStrings(mediaJSON); err != nil {
			return nil, fmt.Errorf("chatlog: parse media refs: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatlog: iterate entries: %w", err)
	}
	return entries, nil
}

// CountRange returns the number of entries matching q without loading them.
func (c *ChatLog) CountRange(ctx context.Context, q ChatQuery) (int, error) {
	where := "ts >= ? AND ts < ?"
	args := []any{
		q.From.UTC().Format(tsLayout),
		q.To.UTC().Format(tsLayout),
	}
	if q.SenderID != "" {
		where += " AND sender_id = ?"
		args = append(args, q.SenderID)
	}
	if q.ConversationID != "" {
		where += " AND conversation_id = ?"
		args = append(args, q.ConversationID)
	}

	var n int
	err := c.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_entries WHERE "+where, args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chatlog: count entries: %w", err)
	}
	return n, nil
}

// Prune deletes every entry whose day partition is strictly before olderThan.
// Deletion is irreversible; callers must have summarized anything they still
// need from the affected days.
func (c *ChatLog) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := c.store.db.ExecContext(ctx,
		"DELETE FROM chat_entries WHERE day < ?", Day(olderThan))
	if err != nil {
		return 0, fmt.Errorf("chatlog: prune entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("chatlog: prune rows affected: %w", err)
	}
	return n, nil
}

// marshalStrings encodes a string slice as JSON, mapping empty to SQL NULL.
func marshalStrings(vals []string) (any, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// unmarshalStrings is the inverse of marshalStrings.
func unmarshalStrings(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
