// Package memory turns raw chat history into durable memory summaries and
// composes finished feed posts from them.
//
// The Summarizer compresses a time-bounded slice of chat entries into one
// MemoryRecord per (scope, kind, period). The Composer reads recent memories
// and drafts a post or a comment. Both go through a Generator, which in
// production is the provider client.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Kodama/internal/kodama/store"
)

// GlobalScope is the synthetic scope covering all recorded traffic.
const GlobalScope = "global"

// ErrInsufficientData is returned when a period holds fewer chat entries
// than the configured minimum. Scheduled runs skip and log it; manual runs
// surface it to the operator.
var ErrInsufficientData = errors.New("memory: insufficient chat data to summarize")

// Generator produces text from a system instruction and prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// ChatSource is the slice of the chat log store the Summarizer needs.
type ChatSource interface {
	Query(ctx context.Context, q store.ChatQuery) ([]store.ChatEntry, error)
	CountRange(ctx context.Context, q store.ChatQuery) (int, error)
}

// MemoryStore is the slice of the memory store used by this package.
type MemoryStore interface {
	Upsert(ctx context.Context, rec store.MemoryRecord) (store.MemoryRecord, error)
	Recent(ctx context.Context, scope string, kind store.MemoryKind, limit int) ([]store.MemoryRecord, error)
}

// SummarizerConfig configures a Summarizer.
type SummarizerConfig struct {
	// MinEntries is the minimum number of chat entries a period must hold.
	MinEntries int
}

// Summarizer compresses chat history into memory records. Safe to invoke
// twice for the same period: the store upsert overwrites rather than
// duplicates.
type Summarizer struct {
	chat     ChatSource
	memories MemoryStore
	gen      Generator
	cfg      SummarizerConfig
	now      func() time.Time
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(chat ChatSource, memories MemoryStore, gen Generator, cfg SummarizerConfig) *Summarizer {
	if cfg.MinEntries < 1 {
		cfg.MinEntries = 1
	}
	return &Summarizer{chat: chat, memories: memories, gen: gen, cfg: cfg, now: time.Now}
}

// Summarize pulls all chat entries for scope in [periodStart, periodEnd),
// generates a summary, and upserts the resulting record. The scope is a
// whitelisted sender ID or GlobalScope.
func (s *Summarizer) Summarize(ctx context.Context, scope string, kind store.MemoryKind, periodStart, periodEnd time.Time) (store.MemoryRecord, error) {
	if !store.ValidMemoryKind(kind) {
		return store.MemoryRecord{}, fmt.Errorf("memory: unknown kind %q", kind)
	}

	q := store.ChatQuery{From: periodStart, To: periodEnd}
	if scope != GlobalScope {
		q.SenderID = scope
	}

	// Count first so thin periods are rejected without loading every row.
	n, err := s.chat.CountRange(ctx, q)
	if err != nil {
		return store.MemoryRecord{}, fmt.Errorf("memory: count period: %w", err)
	}
	if n < s.cfg.MinEntries {
		return store.MemoryRecord{}, fmt.Errorf("%w: %d entries for %s/%s (need %d)",
			ErrInsufficientData, n, scope, store.Day(periodStart), s.cfg.MinEntries)
	}

	entries, err := s.chat.Query(ctx, q)
	if err != nil {
		return store.MemoryRecord{}, fmt.Errorf("memory: load period: %w", err)
	}

	summary, err := s.gen.Generate(ctx, summarySystemPrompt(kind), transcript(entries))
	if err != nil {
		return store.MemoryRecord{}, err
	}

	rec := store.MemoryRecord{
		Scope:            scope,
		Kind:             kind,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		Summary:          summary,
		CreatedAt:        s.now(),
		SourceEntryCount: len(entries),
	}
	stored, err := s.memories.Upsert(ctx, rec)
	if err != nil {
		return store.MemoryRecord{}, fmt.Errorf("memory: persist summary: %w", err)
	}
	return stored, nil
}

func summarySystemPrompt(kind store.MemoryKind) string {
	period := "day"
	switch kind {
	case store.KindWeekly:
		period = "week"
	case store.KindMonthly:
		period = "month"
	}
	return fmt.Sprintf(
		"You are keeping a diary on someone's behalf. Summarise the %s of chat "+
			"below in 3-5 sentences: what happened, what they cared about, and "+
			"anything worth remembering later. Write in plain first person.", period)
}

// transcript renders chat entries as a readable timeline for the generator.
func transcript(entries []store.ChatEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s: %s", e.Timestamp.Local().Format("15:04"), e.SenderID, e.Content)
		if len(e.MediaRefs) > 0 {
			fmt.Fprintf(&b, " (shared %d media)", len(e.MediaRefs))
		}
	}
	return b.String()
}
