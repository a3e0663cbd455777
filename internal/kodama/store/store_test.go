package store

import (
	"context"
	"testing"
	"time"
)

// newTestStore opens an in-memory database with the full schema applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChatLog_AppendAndQueryOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	log := s.ChatLog()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Insert out of order; Query must return ascending by timestamp.
	for _, offset := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		err := log.Append(ctx, ChatEntry{
			ConversationID: "!room:test",
			SenderID:       "@alice:test",
			Timestamp:      base.Add(offset),
			Content:        "message at +" + offset.String(),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := log.Query(ctx, ChatQuery{From: base, To: base.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Errorf("entries out of order at %d: %v before %v", i, entries[i].Timestamp, entries[i-1].Timestamp)
		}
	}
}

// Matrix delivers millisecond timestamps, so entries land with fractional
// seconds. An entry just after a period boundary must belong to the period
// that starts at the boundary, not the one before it.
func TestChatLog_FractionalTimestampPeriodBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	log := s.ChatLog()

	midnight := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	err := log.Append(ctx, ChatEntry{
		ConversationID: "!room:test",
		SenderID:       "@alice:test",
		Timestamp:      midnight.Add(123 * time.Millisecond),
		Content:        "first message of the day",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	prevDay := ChatQuery{From: midnight.AddDate(0, 0, -1), To: midnight}
	entries, err := log.Query(ctx, prevDay)
	if err != nil {
		t.Fatalf("query previous day: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("previous day should be empty, got %d entries", len(entries))
	}

	curDay := ChatQuery{From: midnight, To: midnight.AddDate(0, 0, 1)}
	entries, err = log.Query(ctx, curDay)
	if err != nil {
		t.Fatalf("query current day: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("current day should hold the entry, got %d", len(entries))
	}
	if got := entries[0].Timestamp; !got.Equal(midnight.Add(123 * time.Millisecond)) {
		t.Errorf("timestamp round trip: got %v", got)
	}

	if n, err := log.CountRange(ctx, prevDay); err != nil || n != 0 {
		t.Errorf("CountRange(previous day): got (%d, %v), want (0, nil)", n, err)
	}
	if n, err := log.CountRange(ctx, curDay); err != nil || n != 1 {
		t.Errorf("CountRange(current day): got (%d, %v), want (1, nil)", n, err)
	}
}

// Fractional and whole-second entries inside the same second must keep their
// chronological order.
func TestChatLog_IntraSecondOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	log := s.ChatLog()

	base := time.Date(2026, 8, 29, 12, 0, 5, 0, time.UTC)
	offsets := []time.Duration{700 * time.Millisecond, 0, 250 * time.Millisecond}
	for _, off := range offsets {
		err := log.Append(ctx, ChatEntry{
			ConversationID: "!room:test",
			SenderID:       "@alice:test",
			Timestamp:      base.Add(off),
			Content:        off.String(),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := log.Query(ctx, ChatQuery{From: base.Add(-time.Second), To: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"0s", "250ms", "700ms"}
	for i, w := range want {
		if entries[i].Content != w {
			t.Errorf("position %d: got %q, want %q", i, entries[i].Content, w)
		}
	}
}

func TestChatLog_QueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	log := s.ChatLog()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	seed := []ChatEntry{
		{ConversationID: "!a:test", SenderID: "@alice:test", Timestamp: base, Content: "a1"},
		{ConversationID: "!a:test", SenderID: "@bob:test", Timestamp: base.Add(time.Minute), Content: "b1"},
		{ConversationID: "!b:test", SenderID: "@alice:test", Timestamp: base.Add(2 * time.Minute), Content: "a2"},
	}
	for _, e := range seed {
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	window := ChatQuery{From: base.Add(-time.Hour), To: base.Add(time.Hour)}

	bySender := window
	bySender.SenderID = "@alice:test"
	entries, err := log.Query(ctx, bySender)
	if err != nil {
		t.Fatalf("query by sender: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries for @alice:test, got %d", len(entries))
	}

	byConvo := window
	byConvo.ConversationID = "!b:test"
	entries, err = log.Query(ctx, byConvo)
	if err != nil {
		t.Fatalf("query by conversation: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "a2" {
		t.Errorf("expected single entry a2, got %+v", entries)
	}

	n, err := log.CountRange(ctx, window)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("expected count 3, got %d", n)
	}
}

func TestChatLog_MediaRefsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	log := s.ChatLog()

	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	err := log.Append(ctx, ChatEntry{
		ConversationID: "!a:test",
		SenderID:       "@alice:test",
		Timestamp:      ts,
		Content:        "look at this",
		MediaRefs:      []string{"mxc://test/abc", "mxc://test/def"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := log.Query(ctx, ChatQuery{From: ts.Add(-time.Minute), To: ts.Add(time.Minute)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if len(entries[0].MediaRefs) != 2 || entries[0].MediaRefs[0] != "mxc://test/abc" {
		t.Errorf("media refs not preserved: %v", entries[0].MediaRefs)
	}
}

func TestChatLog_PruneRetentionBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	log := s.ChatLog()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)

	// One entry per day for the last 10 days.
	for age := 0; age < 10; age++ {
		err := log.Append(ctx, ChatEntry{
			ConversationID: "!a:test",
			SenderID:       "@alice:test",
			Timestamp:      now.AddDate(0, 0, -age),
			Content:        "day",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Retain 7 days: everything with age > 7d goes, age <= 7d stays.
	deleted, err := log.Prune(ctx, now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted entries (ages 8 and 9), got %d", deleted)
	}

	remaining, err := log.CountRange(ctx, ChatQuery{From: now.AddDate(0, 0, -30), To: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 8 {
		t.Errorf("expected 8 remaining entries, got %d", remaining)
	}
}

func TestMemories_UpsertIsIdempotentPerPeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := s.Memories()

	day := time.Date(2026, 3, 9, 0, 0, 0, 0, time.Local)
	rec := MemoryRecord{
		Scope:            "@alice:test",
		Kind:             KindDaily,
		PeriodStart:      day,
		PeriodEnd:        day,
		Summary:          "first version",
		CreatedAt:        time.Now(),
		SourceEntryCount: 10,
	}
	if _, err := mem.Upsert(ctx, rec); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	rec.Summary = "second version"
	rec.SourceEntryCount = 12
	if _, err := mem.Upsert(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	records, err := mem.Recent(ctx, "@alice:test", KindDaily, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 record after re-summarization, got %d", len(records))
	}
	if records[0].Summary != "second version" {
		t.Errorf("expected overwrite, got summary %q", records[0].Summary)
	}
	if records[0].SourceEntryCount != 12 {
		t.Errorf("expected source count 12, got %d", records[0].SourceEntryCount)
	}
}

func TestMemories_ManualRecordsAlwaysAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := s.Memories()

	day := time.Date(2026, 3, 9, 0, 0, 0, 0, time.Local)
	for i := 0; i < 3; i++ {
		_, err := mem.Upsert(ctx, MemoryRecord{
			Scope:       "@alice:test",
			Kind:        KindManual,
			PeriodStart: day,
			PeriodEnd:   day,
			Summary:     "manual note",
			CreatedAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("upsert manual %d: %v", i, err)
		}
	}

	records, err := mem.Recent(ctx, "@alice:test", KindManual, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected 3 manual records, got %d", len(records))
	}
}

func TestMemories_PruneExemptsManual(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := s.Memories()

	old := time.Now().AddDate(0, 0, -40)
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.Local)

	for _, kind := range []MemoryKind{KindDaily, KindManual} {
		_, err := mem.Upsert(ctx, MemoryRecord{
			Scope:       "@alice:test",
			Kind:        kind,
			PeriodStart: day,
			PeriodEnd:   day,
			Summary:     "old " + string(kind),
			CreatedAt:   old,
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", kind, err)
		}
	}

	deleted, err := mem.Prune(ctx, time.Now().AddDate(0, 0, -30), KindManual)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted record, got %d", deleted)
	}

	manual, err := mem.Recent(ctx, "@alice:test", KindManual, 10)
	if err != nil {
		t.Fatalf("recent manual: %v", err)
	}
	if len(manual) != 1 {
		t.Errorf("manual record should survive pruning, got %d records", len(manual))
	}
}

func TestMemories_Get(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := s.Memories()

	day := time.Date(2026, 3, 9, 0, 0, 0, 0, time.Local)
	if _, _, err := mem.Get(ctx, "@alice:test", KindDaily, day); err != nil {
		t.Fatalf("get on empty store: %v", err)
	}
	if _, ok, _ := mem.Get(ctx, "@alice:test", KindDaily, day); ok {
		t.Fatal("expected no record before upsert")
	}

	if _, err := mem.Upsert(ctx, MemoryRecord{
		Scope: "@alice:test", Kind: KindDaily,
		PeriodStart: day, PeriodEnd: day,
		Summary: "the day", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, ok, err := mem.Get(ctx, "@alice:test", KindDaily, day)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || rec.Summary != "the day" {
		t.Errorf("expected stored record, got ok=%v rec=%+v", ok, rec)
	}
}

func TestPosts_CountAndLastPostTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	posts := s.Posts()

	if _, ok, err := posts.LastPostTime(ctx); err != nil || ok {
		t.Fatalf("expected no last post on empty store, ok=%v err=%v", ok, err)
	}

	first := time.Date(2026, 3, 10, 10, 0, 0, 0, time.Local)
	second := first.Add(4 * time.Hour)
	for _, at := range []time.Time{first, second} {
		if _, err := posts.Append(ctx, PostRecord{
			PostedAt: at,
			Content:  "hello feed",
			Trigger:  TriggerScheduled,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := posts.Append(ctx, PostRecord{
		PostedAt: first.Add(2 * time.Hour),
		Content:  "operator says hi",
		Trigger:  TriggerManual,
	}); err != nil {
		t.Fatalf("append manual: %v", err)
	}

	n, err := posts.CountOnDay(ctx, Day(first))
	if err != nil {
		t.Fatalf("count on day: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 posts on %s, got %d", Day(first), n)
	}

	n, err = posts.CountOnDay(ctx, Day(first), TriggerScheduled)
	if err != nil {
		t.Fatalf("count scheduled on day: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 scheduled posts on %s, got %d", Day(first), n)
	}

	last, ok, err := posts.LastPostTime(ctx)
	if err != nil || !ok {
		t.Fatalf("last post time: ok=%v err=%v", ok, err)
	}
	if !last.Equal(second.UTC().Truncate(time.Second)) {
		t.Errorf("expected last post %v, got %v", second.UTC().Truncate(time.Second), last)
	}
}

func TestSchedule_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sched := s.Schedule()

	st, err := sched.Load(ctx)
	if err != nil {
		t.Fatalf("load initial state: %v", err)
	}
	if st.LastSummaryDay != "" || !st.NextPostAt.IsZero() {
		t.Fatalf("expected empty initial state, got %+v", st)
	}

	st.LastSummaryDay = "2026-03-10"
	st.LastRetentionDay = "2026-03-10"
	st.PostsDay = "2026-03-10"
	st.PostsCount = 2
	st.NextPostAt = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	st.LastPostAt = time.Date(2026, 3, 10, 11, 12, 0, 0, time.UTC)
	st.NoPostDay = "2026-03-09"

	if err := sched.Save(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := sched.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.PostsCount != 2 || loaded.LastSummaryDay != "2026-03-10" || loaded.NoPostDay != "2026-03-09" {
		t.Errorf("state not preserved: %+v", loaded)
	}
	if !loaded.NextPostAt.Equal(st.NextPostAt) {
		t.Errorf("next post time not preserved: %v != %v", loaded.NextPostAt, st.NextPostAt)
	}
	if !loaded.LastPostAt.Equal(st.LastPostAt) {
		t.Errorf("last post time not preserved: %v != %v", loaded.LastPostAt, st.LastPostAt)
	}
}
