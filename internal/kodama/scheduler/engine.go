package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kodama/internal/kodama/feed"
	"github.com/bdobrica/Kodama/internal/kodama/memory"
	"github.com/bdobrica/Kodama/internal/kodama/store"
)

// Summarizer is the slice of the memory package the engine drives.
type Summarizer interface {
	Summarize(ctx context.Context, scope string, kind store.MemoryKind, periodStart, periodEnd time.Time) (store.MemoryRecord, error)
}

// Composer drafts posts and comments.
type Composer interface {
	Compose(ctx context.Context, scope, hint string, mediaRefs []string) (memory.DraftPost, error)
	Comment(ctx context.Context, authorID, itemText string) (string, error)
}

// Publisher is the slice of the feed client the engine drives.
type Publisher interface {
	Publish(ctx context.Context, text string, media []string) (string, error)
	Comment(ctx context.Context, targetPostID, text string) error
	Recent(ctx context.Context, userID string, n int) ([]feed.FeedItem, error)
}

// CommentsConfig controls the auto-comment sweep.
type CommentsConfig struct {
	Enabled     bool
	TargetUsers []string
	Probability float64
	MaxPerSweep int
	Interval    time.Duration
}

// Config holds the engine's scheduling parameters.
type Config struct {
	// Scopes are the whitelisted sender IDs summarized daily. The global
	// scope is always summarized in addition.
	Scopes []string

	// SummaryTimeMin is the local time (minutes since midnight) after which
	// the daily summarization run becomes due.
	SummaryTimeMin int
	// RetentionTimeMin is the local time of the daily retention sweep.
	RetentionTimeMin   int
	ChatRetentionDays  int
	MemRetentionDays   int

	Window         Window
	MaxPostsPerDay int
	MinInterval    time.Duration

	TickInterval time.Duration
	AutoPost     bool

	Comments CommentsConfig
}

// Status is a point-in-time snapshot for the operator status command.
type Status struct {
	AutoPost         bool
	LastSummaryDay   string
	LastRetentionDay string
	PostsToday       int
	LastPostAt       time.Time
	NextPostAt       time.Time
	SkippedToday     bool
	LastError        string
	LastErrorAt      time.Time
}

// Engine owns all timing decisions and exclusively mutates the schedule
// state. External calls (summaries, posts, the comment sweep) run on worker
// goroutines guarded by in-flight flags; state writes happen before the
// triggering action is reported done.
type Engine struct {
	cfg       Config
	st        *store.Store
	summarize Summarizer
	compose   Composer
	publish   Publisher

	clock Clock
	rng   *lockedRand

	mu       sync.Mutex
	state    store.ScheduleState
	autopost bool
	lastErr  string
	errAt    time.Time

	summaryBusy   atomic.Bool
	retentionBusy atomic.Bool
	postBusy      atomic.Bool
	sweepBusy     atomic.Bool
	lastSweep     time.Time

	scopeMu    sync.Mutex
	scopeLocks map[string]*sync.Mutex
}

// Option customises engine construction.
type Option func(*Engine)

// WithClock injects a clock, used by tests to control time.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRand injects the randomness source so scheduling decisions are
// reproducible under a fixed seed.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = newLockedRand(rng) }
}

// New creates an Engine. Call Recover before Run (Run does it implicitly).
func New(cfg Config, st *store.Store, sum Summarizer, comp Composer, pub Publisher, opts ...Option) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	e := &Engine{
		cfg:        cfg,
		st:         st,
		summarize:  sum,
		compose:    comp,
		publish:    pub,
		clock:      realClock{},
		autopost:   cfg.AutoPost,
		scopeLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = newLockedRand(nil)
	}
	return e
}

// ────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ────────────────────────────────────────────────────────────────────────────

// Recover loads the durable schedule state and repairs anything made stale
// by downtime: a next-post instant that elapsed while the process was off is
// cleared so a fresh one is drawn instead of firing a backlog immediately,
// and the day quota is rebuilt from the post audit trail.
func (e *Engine) Recover(ctx context.Context) error {
	state, err := e.st.Schedule().Load(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load state: %w", err)
	}

	now := e.clock.Now()
	changed := false
	if !state.NextPostAt.IsZero() && state.NextPostAt.Before(now) {
		slog.Info("scheduler: clearing stale post slot from downtime",
			"was", state.NextPostAt, "now", now)
		state.NextPostAt = time.Time{}
		changed = true
	}

	// Posts are recorded to the audit trail before the schedule state is
	// saved, so a crash in between leaves the counters behind the trail.
	// Only scheduled posts count against the quota; manual posts bypass it.
	today := store.Day(now)
	posted, err := e.st.Posts().CountOnDay(ctx, today, store.TriggerScheduled)
	if err != nil {
		return fmt.Errorf("scheduler: rebuild quota: %w", err)
	}
	if posted > 0 && (state.PostsDay != today || state.PostsCount < posted) {
		slog.Info("scheduler: rebuilding post quota from audit trail",
			"day", today, "recorded", posted, "state", state.PostsCount)
		state.PostsDay = today
		state.PostsCount = posted
		changed = true
	}
	last, ok, err := e.st.Posts().LastPostTime(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: rebuild last post: %w", err)
	}
	if ok && last.After(state.LastPostAt) {
		state.LastPostAt = last
		changed = true
	}

	if changed {
		if err := e.st.Schedule().Save(ctx, state); err != nil {
			return fmt.Errorf("scheduler: save recovered state: %w", err)
		}
	}

	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	return nil
}

// Run recovers state and then drives the tick loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return err
	}
	slog.Info("scheduler: running", "tick", e.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.cfg.TickInterval):
			e.Tick(ctx)
		}
	}
}

// Tick evaluates every due-predicate once against the current clock. It is
// cheap: anything that talks to the network is handed to a worker goroutine.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clock.Now()
	today := store.Day(now)

	e.rolloverDay(ctx, today)

	if e.summaryDue(now) && e.summaryBusy.CompareAndSwap(false, true) {
		go e.runSummaries(ctx, now)
	}
	if e.retentionDue(now, today) && e.retentionBusy.CompareAndSwap(false, true) {
		go e.runRetention(ctx, now, today)
	}

	e.expireMissedSlot(ctx, now)
	e.maybeDrawSlot(ctx, now, today)

	if e.postDue(now) && e.postBusy.CompareAndSwap(false, true) {
		go e.runScheduledPost(ctx)
	}

	if e.sweepDue(now) && e.sweepBusy.CompareAndSwap(false, true) {
		e.lastSweep = now
		go e.runCommentSweep(ctx)
	}
}

// rolloverDay resets the per-day counters at the first tick of a new local
// calendar day.
func (e *Engine) rolloverDay(ctx context.Context, today string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.PostsDay == today {
		return
	}
	e.state.PostsDay = today
	e.state.PostsCount = 0
	if err := e.st.Schedule().Save(ctx, e.state); err != nil {
		e.recordErrLocked("rollover", err)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Summarization
// ────────────────────────────────────────────────────────────────────────────

// summaryDue reports whether any daily period up to yesterday still needs
// summarizing. Yesterday's period becomes due once the clock passes the
// configured summary time; older missed periods (multi-day downtime) are
// due immediately.
func (e *Engine) summaryDue(now time.Time) bool {
	target := e.summaryTarget(now)
	if target == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.LastSummaryDay < target
}

// summaryTarget returns the most recent period day ("" if none) that should
// be summarized by now.
func (e *Engine) summaryTarget(now time.Time) string {
	yesterday := now.AddDate(0, 0, -1)
	if minutesOfDay(now) >= e.cfg.SummaryTimeMin {
		return store.Day(yesterday)
	}
	return store.Day(yesterday.AddDate(0, 0, -1))
}

// runSummaries works through every unsummarized period day in order, all
// scopes per day. A day advances the durable watermark only when no scope
// hit a hard failure, so a provider outage retries the same period on the
// next tick instead of silently skipping it.
func (e *Engine) runSummaries(ctx context.Context, now time.Time) {
	defer e.summaryBusy.Store(false)

	target := e.summaryTarget(now)
	e.mu.Lock()
	last := e.state.LastSummaryDay
	e.mu.Unlock()

	for _, day := range e.pendingSummaryDays(now, last, target) {
		if ctx.Err() != nil {
			return
		}
		if !e.summarizeDay(ctx, day) {
			return
		}
		e.mu.Lock()
		e.state.LastSummaryDay = day
		err := e.st.Schedule().Save(ctx, e.state)
		e.mu.Unlock()
		if err != nil {
			e.recordErr("summary bookkeeping", err)
			return
		}
	}
}

// pendingSummaryDays lists the period days in (last, target], oldest first,
// bounded by the chat retention horizon (entries older than that are gone,
// so there is nothing left to summarize). A first run covers only the most
// recent target day, never a full backfill.
func (e *Engine) pendingSummaryDays(now time.Time, last, target string) []string {
	if last == "" {
		if target != "" {
			return []string{target}
		}
		return nil
	}
	if horizon := store.Day(now.AddDate(0, 0, -e.cfg.ChatRetentionDays)); last < horizon {
		last = horizon
	}

	var days []string
	cur, err := time.ParseInLocation(store.DayFormat, last, now.Location())
	if err != nil {
		return []string{target}
	}
	for {
		cur = cur.AddDate(0, 0, 1)
		day := store.Day(cur)
		if day > target {
			return days
		}
		days = append(days, day)
	}
}

// summarizeDay summarizes one period day for every scope. Insufficient data
// counts as handled; any other failure marks the day incomplete.
func (e *Engine) summarizeDay(ctx context.Context, day string) bool {
	start, err := time.ParseInLocation(store.DayFormat, day, time.Local)
	if err != nil {
		e.recordErr("summary", err)
		return false
	}
	end := start.AddDate(0, 0, 1)

	complete := true
	for _, scope := range append([]string{memory.GlobalScope}, e.cfg.Scopes...) {
		unlock := e.lockScope(scope)
		_, err := e.summarize.Summarize(ctx, scope, store.KindDaily, start, end)
		unlock()

		switch {
		case err == nil:
			slog.Info("scheduler: summarized period", "scope", scope, "day", day)
		case errors.Is(err, memory.ErrInsufficientData):
			slog.Debug("scheduler: period below entry threshold", "scope", scope, "day", day)
		default:
			slog.Warn("scheduler: summarization failed", "scope", scope, "day", day, "err", err)
			e.recordErr("summary "+scope, err)
			complete = false
		}
	}
	return complete
}

// ────────────────────────────────────────────────────────────────────────────
// Retention
// ────────────────────────────────────────────────────────────────────────────

func (e *Engine) retentionDue(now time.Time, today string) bool {
	if minutesOfDay(now) < e.cfg.RetentionTimeMin {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.LastRetentionDay != today
}

// runRetention prunes both stores. It advances the watermark only on full
// success so a storage hiccup retries on the next tick.
func (e *Engine) runRetention(ctx context.Context, now time.Time, today string) {
	defer e.retentionBusy.Store(false)

	chatDeleted, err := e.st.ChatLog().Prune(ctx, now.AddDate(0, 0, -e.cfg.ChatRetentionDays))
	if err != nil {
		e.recordErr("retention chat", err)
		return
	}
	memDeleted, err := e.st.Memories().Prune(ctx, now.AddDate(0, 0, -e.cfg.MemRetentionDays), store.KindManual)
	if err != nil {
		e.recordErr("retention memory", err)
		return
	}
	slog.Info("scheduler: retention sweep done",
		"chat_deleted", chatDeleted, "memories_deleted", memDeleted)

	e.mu.Lock()
	e.state.LastRetentionDay = today
	err = e.st.Schedule().Save(ctx, e.state)
	e.mu.Unlock()
	if err != nil {
		e.recordErr("retention bookkeeping", err)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Posting
// ────────────────────────────────────────────────────────────────────────────

// maybeDrawSlot draws the next random posting instant when none is pending,
// quota remains, and posting was not already skipped for the day.
func (e *Engine) maybeDrawSlot(ctx context.Context, now time.Time, today string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.autopost || e.cfg.MaxPostsPerDay <= 0 {
		return
	}
	if e.state.PostsCount >= e.cfg.MaxPostsPerDay {
		return
	}
	if e.state.NoPostDay == today || !e.state.NextPostAt.IsZero() || e.postBusy.Load() {
		return
	}

	// Today's window instance only: once it is over, posting is skipped for
	// the rest of the day rather than rolling onto tomorrow's instance.
	start, _ := e.cfg.Window.instanceAt(now)
	if store.Day(start) > today {
		e.state.NoPostDay = today
		if err := e.st.Schedule().Save(ctx, e.state); err != nil {
			e.recordErrLocked("slot bookkeeping", err)
		}
		return
	}

	when, ok := e.cfg.Window.draw(now, e.state.LastPostAt, e.cfg.MinInterval, e.rng)
	if !ok {
		e.state.NoPostDay = today
		if err := e.st.Schedule().Save(ctx, e.state); err != nil {
			e.recordErrLocked("slot bookkeeping", err)
		}
		slog.Info("scheduler: no valid posting instant left, skipping day", "day", today)
		return
	}

	e.state.NextPostAt = when
	if err := e.st.Schedule().Save(ctx, e.state); err != nil {
		e.state.NextPostAt = time.Time{}
		e.recordErrLocked("slot bookkeeping", err)
		return
	}
	slog.Info("scheduler: drew posting slot", "at", when)
}

// expireMissedSlot drops a pending slot whose instant elapsed outside the
// window (no tick ran in time to fire it). The post is lost, never fired
// late outside the window.
func (e *Engine) expireMissedSlot(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.NextPostAt.IsZero() || now.Before(e.state.NextPostAt) {
		return
	}
	if e.cfg.Window.contains(now) {
		return
	}
	slog.Info("scheduler: missed posting slot expired outside window", "was", e.state.NextPostAt)
	e.state.NextPostAt = time.Time{}
	if err := e.st.Schedule().Save(ctx, e.state); err != nil {
		e.recordErrLocked("slot bookkeeping", err)
	}
}

func (e *Engine) postDue(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autopost && !e.state.NextPostAt.IsZero() && !now.Before(e.state.NextPostAt) &&
		e.cfg.Window.contains(now)
}

// runScheduledPost composes and publishes one scheduled post. A failure
// forfeits the slot: it is logged, the slot cleared, and no retry happens
// until a fresh instant is drawn.
func (e *Engine) runScheduledPost(ctx context.Context) {
	defer e.postBusy.Store(false)

	now := e.clock.Now()

	e.mu.Lock()
	quotaLeft := e.state.PostsCount < e.cfg.MaxPostsPerDay
	intervalOK := e.state.LastPostAt.IsZero() || !now.Before(e.state.LastPostAt.Add(e.cfg.MinInterval))
	if !quotaLeft || !intervalOK {
		// A manual post consumed the interval (or a replayed state the
		// quota) since this slot was drawn; drop the slot and redraw later.
		e.state.NextPostAt = time.Time{}
		if err := e.st.Schedule().Save(ctx, e.state); err != nil {
			e.recordErrLocked("slot bookkeeping", err)
		}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	unlock := e.lockScope(memory.GlobalScope)
	defer unlock()

	draft, err := e.compose.Compose(ctx, memory.GlobalScope, "", nil)
	if err != nil {
		e.forfeitSlot(ctx, "compose", err)
		return
	}
	if _, err := e.publish.Publish(ctx, draft.Text, draft.MediaRefs); err != nil {
		e.forfeitSlot(ctx, "publish", err)
		return
	}

	postedAt := e.clock.Now()
	if _, err := e.st.Posts().Append(ctx, store.PostRecord{
		PostedAt:        postedAt,
		Content:         draft.Text,
		MediaRefs:       draft.MediaRefs,
		SourceMemoryIDs: draft.SourceMemoryIDs,
		Trigger:         store.TriggerScheduled,
	}); err != nil {
		e.recordErr("post audit", err)
	}

	e.mu.Lock()
	e.state.PostsCount++
	e.state.LastPostAt = postedAt
	e.state.NextPostAt = time.Time{}
	if err := e.st.Schedule().Save(ctx, e.state); err != nil {
		e.recordErrLocked("post bookkeeping", err)
	}
	count := e.state.PostsCount
	e.mu.Unlock()

	slog.Info("scheduler: published scheduled post", "posts_today", count)
}

// forfeitSlot clears the pending slot after a failed attempt without
// touching the quota; the next tick may draw a fresh instant later in the
// window.
func (e *Engine) forfeitSlot(ctx context.Context, op string, err error) {
	slog.Warn("scheduler: posting slot forfeited", "op", op, "err", err)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordErrLocked(op, err)
	e.state.NextPostAt = time.Time{}
	if serr := e.st.Schedule().Save(ctx, e.state); serr != nil {
		e.recordErrLocked("slot bookkeeping", serr)
	}
}

// ManualPost composes and publishes immediately, bypassing the window and
// the daily quota. The post is still recorded and last_post_at updated so
// automatic scheduling respects the manual post's timing.
func (e *Engine) ManualPost(ctx context.Context, hint string, media []string) (store.PostRecord, error) {
	unlock := e.lockScope(memory.GlobalScope)
	defer unlock()

	draft, err := e.compose.Compose(ctx, memory.GlobalScope, hint, media)
	if err != nil {
		e.recordErr("manual compose", err)
		return store.PostRecord{}, err
	}
	if _, err := e.publish.Publish(ctx, draft.Text, draft.MediaRefs); err != nil {
		e.recordErr("manual publish", err)
		return store.PostRecord{}, err
	}

	postedAt := e.clock.Now()
	rec, err := e.st.Posts().Append(ctx, store.PostRecord{
		PostedAt:        postedAt,
		Content:         draft.Text,
		MediaRefs:       draft.MediaRefs,
		SourceMemoryIDs: draft.SourceMemoryIDs,
		Trigger:         store.TriggerManual,
	})
	if err != nil {
		e.recordErr("manual post audit", err)
	}

	e.mu.Lock()
	e.state.LastPostAt = postedAt
	if serr := e.st.Schedule().Save(ctx, e.state); serr != nil {
		e.recordErrLocked("manual bookkeeping", serr)
	}
	e.mu.Unlock()

	return rec, nil
}

// ManualSummarize runs the Summarizer for the period of the given kind
// containing date. Errors, including insufficient data, surface to the
// caller.
func (e *Engine) ManualSummarize(ctx context.Context, scope string, kind store.MemoryKind, date time.Time) (store.MemoryRecord, error) {
	unlock := e.lockScope(scope)
	defer unlock()

	start, end := memory.PeriodFor(kind, date)
	return e.summarize.Summarize(ctx, scope, kind, start, end)
}

// ────────────────────────────────────────────────────────────────────────────
// Auto-comment sweep
// ────────────────────────────────────────────────────────────────────────────

func (e *Engine) sweepDue(now time.Time) bool {
	c := e.cfg.Comments
	if !c.Enabled || len(c.TargetUsers) == 0 {
		return false
	}
	return e.lastSweep.IsZero() || now.Sub(e.lastSweep) >= c.Interval
}

// runCommentSweep visits each target user's recent feed items and comments
// on not-yet-commented ones with the configured probability. Failures are
// logged and skipped; the sweep never touches the posting quota.
func (e *Engine) runCommentSweep(ctx context.Context) {
	defer e.sweepBusy.Store(false)

	c := e.cfg.Comments
	for _, user := range c.TargetUsers {
		if ctx.Err() != nil {
			return
		}
		items, err := e.publish.Recent(ctx, user, c.MaxPerSweep)
		if err != nil {
			slog.Warn("scheduler: comment sweep listing failed", "user", user, "err", err)
			continue
		}
		for _, item := range items {
			if item.Commented || e.rng.Float64() >= c.Probability {
				continue
			}
			text, err := e.compose.Comment(ctx, user, item.Content)
			if err != nil {
				slog.Warn("scheduler: comment generation failed", "user", user, "item", item.ID, "err", err)
				continue
			}
			if err := e.publish.Comment(ctx, item.ID, text); err != nil {
				slog.Warn("scheduler: comment publish failed", "user", user, "item", item.ID, "err", err)
				continue
			}
			slog.Info("scheduler: commented on feed item", "user", user, "item", item.ID)
		}
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Operator surface
// ────────────────────────────────────────────────────────────────────────────

// SetAutoPost toggles automatic posting at runtime.
func (e *Engine) SetAutoPost(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autopost = enabled
}

// AutoPost reports whether automatic posting is enabled.
func (e *Engine) AutoPost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autopost
}

// Status returns a snapshot for the operator status command.
func (e *Engine) Status() Status {
	today := store.Day(e.clock.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	posts := e.state.PostsCount
	if e.state.PostsDay != today {
		posts = 0
	}
	return Status{
		AutoPost:         e.autopost,
		LastSummaryDay:   e.state.LastSummaryDay,
		LastRetentionDay: e.state.LastRetentionDay,
		PostsToday:       posts,
		LastPostAt:       e.state.LastPostAt,
		NextPostAt:       e.state.NextPostAt,
		SkippedToday:     e.state.NoPostDay == today,
		LastError:        e.lastErr,
		LastErrorAt:      e.errAt,
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────────────────────

// lockScope serialises Summarizer/Composer work per scope so a manual
// command issued mid-flight queues rather than interleaves.
func (e *Engine) lockScope(scope string) (unlock func()) {
	e.scopeMu.Lock()
	l, ok := e.scopeLocks[scope]
	if !ok {
		l = &sync.Mutex{}
		e.scopeLocks[scope] = l
	}
	e.scopeMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (e *Engine) recordErr(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordErrLocked(op, err)
}

func (e *Engine) recordErrLocked(op string, err error) {
	e.lastErr = fmt.Sprintf("%s: %v", op, err)
	e.errAt = e.clock.Now()
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
