package store

import (
	"context"
	"fmt"
	"time"
)

// ScheduleState is the singleton bookkeeping row owned exclusively by the
// scheduler. It must be persisted before the action it records is considered
// done, so a crash between action and bookkeeping cannot replay the action.
type ScheduleState struct {
	// LastSummaryDay is the local calendar date on which the daily
	// summarization run last completed without a hard failure.
	LastSummaryDay string
	// LastRetentionDay is the local calendar date of the last retention sweep.
	LastRetentionDay string
	// PostsDay and PostsCount together track scheduled posts made today.
	// PostsCount resets when the day rolls over.
	PostsDay   string
	PostsCount int
	// NextPostAt is the drawn posting instant, or zero when no draw is
	// pending.
	NextPostAt time.Time
	// LastPostAt is the time of the most recent post, scheduled or manual.
	LastPostAt time.Time
	// NoPostDay marks a local calendar date on which posting is forfeited for
	// the rest of the day (no valid instant remained in the window).
	NoPostDay string
}

// Schedule provides load/save access to the schedule state row.
type Schedule struct {
	store *Store
}

// Schedule returns the schedule state accessor.
func (s *Store) Schedule() *Schedule { return &Schedule{store: s} }

// Load reads the singleton state row.
func (s *Schedule) Load(ctx context.Context) (ScheduleState, error) {
	var (
		st          ScheduleState
		nextPostStr string
		lastPostStr string
	)
	err := s.store.db.QueryRowContext(ctx, `
		SELECT last_summary_day, last_retention_day, posts_day, posts_count,
		       next_post_at, last_post_at, no_post_day
		FROM schedule_state WHERE id = 1`,
	).Scan(&st.LastSummaryDay, &st.LastRetentionDay, &st.PostsDay, &st.PostsCount,
		&nextPostStr, &lastPostStr, &st.NoPostDay)
	if err != nil {
		return ScheduleState{}, fmt.Errorf("schedule: load state: %w", err)
	}

	if st.NextPostAt, err = parseOptionalTime(nextPostStr); err != nil {
		return ScheduleState{}, fmt.Errorf("schedule: parse next_post_at: %w", err)
	}
	if st.LastPostAt, err = parseOptionalTime(lastPostStr); err != nil {
		return ScheduleState{}, fmt.Errorf("schedule: parse last_post_at: %w", err)
	}
	return st, nil
}

// Save durably writes the singleton state row.
func (s *Schedule) Save(ctx context.Context, st ScheduleState) error {
	_, err := s.store.db.ExecContext(ctx, `
		UPDATE schedule_state SET
			last_summary_day   = ?,
			last_retention_day = ?,
			posts_day          = ?,
			posts_count        = ?,
			next_post_at       = ?,
			last_post_at       = ?,
			no_post_day        = ?
		WHERE id = 1`,
		st.LastSummaryDay,
		st.LastRetentionDay,
		st.PostsDay,
		st.PostsCount,
		formatOptionalTime(st.NextPostAt),
		formatOptionalTime(st.LastPostAt),
		st.NoPostDay,
	)
	if err != nil {
		return fmt.Errorf("schedule: save state: %w", err)
	}
	return nil
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
