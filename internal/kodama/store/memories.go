package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemoryKind classifies a memory record by the period it covers.
type MemoryKind string

// Memory kinds. Manual records are operator-created, exempt from dedup and
// (by default) from retention pruning.
const (
	KindDaily   MemoryKind = "daily"
	KindWeekly  MemoryKind = "weekly"
	KindMonthly MemoryKind = "monthly"
	KindManual  MemoryKind = "manual"
)

// ValidMemoryKind reports whether k is one of the known kinds.
func ValidMemoryKind(k MemoryKind) bool {
	switch k {
	case KindDaily, KindWeekly, KindMonthly, KindManual:
		return true
	}
	return false
}

// MemoryRecord is a durable summary of a slice of chat history for one scope.
// At most one non-manual record exists per (scope, kind, period start);
// re-summarizing the same period overwrites the existing row.
type MemoryRecord struct {
	ID               string
	Scope            string
	Kind             MemoryKind
	PeriodStart      time.Time // calendar date, midnight local
	PeriodEnd        time.Time // calendar date, inclusive
	Summary          string
	CreatedAt        time.Time
	SourceEntryCount int
}

// Memories is the persisted collection of memory records.
type Memories struct {
	store *Store
}

// Memories returns the memory record collection.
func (s *Store) Memories() *Memories { return &Memories{store: s} }

// Upsert writes rec, replacing any existing non-manual record that shares
// (scope, kind, period start). Manual records always append. A missing ID is
// assigned; the returned record carries the final ID.
func (m *Memories) Upsert(ctx context.Context, rec MemoryRecord) (MemoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	dedupeKey := rec.Scope + "|" + string(rec.Kind) + "|" + Day(rec.PeriodStart)
	if rec.Kind == KindManual {
		dedupeKey += "|" + rec.ID
	}

	_, err := m.store.db.ExecContext(ctx, `
		INSERT INTO memory_records
			(id, scope, kind, period_start, period_end, summary, created_at, source_entry_count, dedupe_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			period_end         = excluded.period_end,
			summary            = excluded.summary,
			created_at         = excluded.created_at,
			source_entry_count = excluded.source_entry_count`,
		rec.ID,
		rec.Scope,
		string(rec.Kind),
		Day(rec.PeriodStart),
		Day(rec.PeriodEnd),
		rec.Summary,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.SourceEntryCount,
		dedupeKey,
	)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("memories: upsert record: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit records for scope, newest first. An empty kind
// matches every kind.
func (m *Memories) Recent(ctx context.Context, scope string, kind MemoryKind, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	q := `
		SELECT id, scope, kind, period_start, period_end, summary, created_at, source_entry_count
		FROM memory_records
		WHERE scope = ?`
	args := []any{scope}
	if kind != "" {
		q += " AND kind = ?"
		args = append(args, string(kind))
	}
	q += " ORDER BY period_start DESC, created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := m.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memories: query records: %w", err)
	}
	defer rows.Close()

	var records []MemoryRecord
	for rows.Next() {
		var (
			rec          MemoryRecord
			kindStr      string
			startStr     string
			endStr       string
			createdAtStr string
		)
		if err := rows.Scan(&rec.ID, &rec.Scope, &kindStr, &startStr, &endStr, &rec.Summary, &createdAtStr, &rec.SourceEntryCount); err != nil {
			return nil, fmt.Errorf("memories: scan record: %w", err)
		}
		rec.Kind = MemoryKind(kindStr)
		if rec.PeriodStart, err = time.ParseInLocation(DayFormat, startStr, time.Local); err != nil {
			return nil, fmt.Errorf("memories: parse period_start: %w", err)
		}
		if rec.PeriodEnd, err = time.ParseInLocation(DayFormat, endStr, time.Local); err != nil {
			return nil, fmt.Errorf("memories: parse period_end: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("memories: parse created_at: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memories: iterate records: %w", err)
	}
	return records, nil
}

// Get returns the record for (scope, kind, periodStart), or false when no such
// record exists. Only meaningful for non-manual kinds.
func (m *Memories) Get(ctx context.Context, scope string, kind MemoryKind, periodStart time.Time) (MemoryRecord, bool, error) {
	row := m.store.db.QueryRowContext(ctx, `
		SELECT id, scope, kind, period_start, period_end, summary, created_at, source_entry_count
		FROM memory_records
		WHERE scope = ? AND kind = ? AND period_start = ?`,
		scope, string(kind), Day(periodStart))

	var (
		rec          MemoryRecord
		kindStr      string
		startStr     string
		endStr       string
		createdAtStr string
	)
	err := row.Scan(&rec.ID, &rec.Scope, &kindStr, &startStr, &endStr, &rec.Summary, &createdAtStr, &rec.SourceEntryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryRecord{}, false, nil
	}
	if err != nil {
		return MemoryRecord{}, false, fmt.Errorf("memories: get record: %w", err)
	}
	rec.Kind = MemoryKind(kindStr)
	if rec.PeriodStart, err = time.ParseInLocation(DayFormat, startStr, time.Local); err != nil {
		return MemoryRecord{}, false, fmt.Errorf("memories: parse period_start: %w", err)
	}
	if rec.PeriodEnd, err = time.ParseInLocation(DayFormat, endStr, time.Local); err != nil {
		return MemoryRecord{}, false, fmt.Errorf("memories: parse period_end: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return MemoryRecord{}, false, fmt.Errorf("memories: parse created_at: %w", err)
	}
	return rec, true, nil
}

// Prune deletes records created before olderThan, except those whose kind is
// listed in exempt. The default policy passes KindManual.
func (m *Memories) Prune(ctx context.Context, olderThan time.Time, exempt ...MemoryKind) (int64, error) {
	q := "DELETE FROM memory_records WHERE created_at < ?"
	args := []any{olderThan.UTC().Format(time.RFC3339)}
	for _, k := range exempt {
		q += " AND kind != ?"
		args = append(args, string(k))
	}

	res, err := m.store.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("memories: prune records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("memories: prune rows affected: %w", err)
	}
	return n, nil
}
