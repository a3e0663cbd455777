package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostTrigger records what caused a post: the scheduler's window draw or an
// operator command.
type PostTrigger string

const (
	TriggerScheduled PostTrigger = "scheduled"
	TriggerManual    PostTrigger = "manual"
)

// PostRecord is one published feed post. The table is an append-only audit
// trail; rows are never mutated.
type PostRecord struct {
	ID              string
	PostedAt        time.Time
	Content         string
	MediaRefs       []string
	SourceMemoryIDs []string
	Trigger         PostTrigger
}

// Posts is the post audit trail.
type Posts struct {
	store *Store
}

// Posts returns the post record collection.
func (s *Store) Posts() *Posts { return &Posts{store: s} }

// Append writes rec. A missing ID is assigned; the returned record carries
// the final ID.
func (p *Posts) Append(ctx context.Context, rec PostRecord) (PostRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	mediaJSON, err := marshalStrings(rec.MediaRefs)
	if err != nil {
		return PostRecord{}, fmt.Errorf("posts: marshal media refs: %w", err)
	}
	memoryJSON, err := marshalStrings(rec.SourceMemoryIDs)
	if err != nil {
		return PostRecord{}, fmt.Errorf("posts: marshal memory ids: %w", err)
	}

	_, err = p.store.db.ExecContext(ctx, `
		INSERT INTO post_records (id, posted_at, day, content, media_refs, source_memory_ids, trigger_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.PostedAt.UTC().Format(time.RFC3339),
		Day(rec.PostedAt),
		rec.Content,
		mediaJSON,
		memoryJSON,
		string(rec.Trigger),
	)
	if err != nil {
		return PostRecord{}, fmt.Errorf("posts: append record: %w", err)
	}
	return rec, nil
}

// CountOnDay returns the number of posts recorded on the given local calendar
// date. With no triggers every record counts; otherwise only posts fired by
// one of the given triggers count.
func (p *Posts) CountOnDay(ctx context.Context, day string, triggers ...PostTrigger) (int, error) {
	query := "SELECT COUNT(*) FROM post_records WHERE day = ?"
	args := []any{day}
	for i, tr := range triggers {
		switch i {
		case 0:
			query += " AND trigger_kind IN (?"
		default:
			query += ",?"
		}
		args = append(args, string(tr))
	}
	if len(triggers) > 0 {
		query += ")"
	}
	var n int
	err := p.store.db.QueryRowContext(ctx, query, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("posts: count on day: %w", err)
	}
	return n, nil
}

// LastPostTime returns the timestamp of the most recent post, or false when
// nothing has ever been posted.
func (p *Posts) LastPostTime(ctx context.Context) (time.Time, bool, error) {
	var postedAtStr string
	err := p.store.db.QueryRowContext(ctx,
		"SELECT posted_at FROM post_records ORDER BY posted_at DESC LIMIT 1",
	).Scan(&postedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("posts: last post time: %w", err)
	}
	t, err := time.Parse(time.RFC3339, postedAtStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("posts: parse posted_at: %w", err)
	}
	return t, true, nil
}

// Recent returns up to limit posts, newest first.
func (p *Posts) Recent(ctx context.Context, limit int) ([]PostRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := p.store.db.QueryContext(ctx, `
		SELECT id, posted_at, content, media_refs, source_memory_ids, trigger_kind
		FROM post_records
		ORDER BY posted_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("posts: query records: %w", err)
	}
	defer rows.Close()

	var records []PostRecord
	for rows.Next() {
		var (
			rec         PostRecord
			postedAtStr string
			mediaJSON   sql.NullString
			memoryJSON  sql.NullString
			triggerStr  string
		)
		if err := rows.Scan(&rec.ID, &postedAtStr, &rec.Content, &mediaJSON, &memoryJSON, &triggerStr); err != nil {
			return nil, fmt.Errorf("posts: scan record: %w", err)
		}
		if rec.PostedAt, err = time.Parse(time.RFC3339, postedAtStr); err != nil {
			return nil, fmt.Errorf("posts: parse posted_at: %w", err)
		}
		if rec.MediaRefs, err = unmarshalStrings(mediaJSON); err != nil {
			return nil, fmt.Errorf("posts: parse media refs: %w", err)
		}
		if rec.SourceMemoryIDs, err = unmarshalStrings(memoryJSON); err != nil {
			return nil, fmt.Errorf("posts: parse memory ids: %w", err)
		}
		rec.Trigger = PostTrigger(triggerStr)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("posts: iterate records: %w", err)
	}
	return records, nil
}
