package commands_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kodama/internal/kodama/commands"
	"github.com/bdobrica/Kodama/internal/kodama/config"
	"github.com/bdobrica/Kodama/internal/kodama/feed"
	"github.com/bdobrica/Kodama/internal/kodama/memory"
	"github.com/bdobrica/Kodama/internal/kodama/scheduler"
	"github.com/bdobrica/Kodama/internal/kodama/store"
)

type stubSummarizer struct {
	record store.MemoryRecord
	err    error
	calls  []string
}

func (s *stubSummarizer) Summarize(ctx context.Context, scope string, kind store.MemoryKind, periodStart, periodEnd time.Time) (store.MemoryRecord, error) {
	s.calls = append(s.calls, scope)
	if s.err != nil {
		return store.MemoryRecord{}, s.err
	}
	rec := s.record
	rec.Scope = scope
	rec.Kind = kind
	rec.PeriodStart = periodStart
	rec.PeriodEnd = periodEnd
	return rec, nil
}

type stubComposer struct {
	text  string
	hints []string
	media [][]string
}

func (c *stubComposer) Compose(ctx context.Context, scope, hint string, mediaRefs []string) (memory.DraftPost, error) {
	c.hints = append(c.hints, hint)
	c.media = append(c.media, mediaRefs)
	return memory.DraftPost{Text: c.text, MediaRefs: mediaRefs}, nil
}

func (c *stubComposer) Comment(ctx context.Context, authorID, itemText string) (string, error) {
	return "nice", nil
}

type stubPublisher struct {
	published []string
}

func (p *stubPublisher) Publish(ctx context.Context, text string, media []string) (string, error) {
	p.published = append(p.published, text)
	return "post-1", nil
}

func (p *stubPublisher) Comment(ctx context.Context, targetPostID, text string) error { return nil }

func (p *stubPublisher) Recent(ctx context.Context, userID string, n int) ([]feed.FeedItem, error) {
	return nil, nil
}

type handlerFixture struct {
	router    *commands.Router
	store     *store.Store
	engine    *scheduler.Engine
	composer  *stubComposer
	publisher *stubPublisher
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Matrix.Homeserver = "https://matrix.example.org"
	cfg.Matrix.UserID = "@kodama:example.org"
	cfg.Matrix.AccessToken = "syt_secret_token_value"
	cfg.Provider.APIKey = "sk-super-secret-key"
	cfg.Feed.Token = "feed-bearer-token"

	composer := &stubComposer{text: "a quiet day in the garden"}
	publisher := &stubPublisher{}
	engine := scheduler.New(scheduler.Config{
		MaxPostsPerDay: 1,
		MinInterval:    time.Hour,
		AutoPost:       true,
	}, st, &stubSummarizer{record: store.MemoryRecord{Summary: "remembered things"}}, composer, publisher)

	router := commands.NewRouter("/kodama")
	commands.NewHandlers(&cfg, st, engine).RegisterAll(router)

	return &handlerFixture{
		router:    router,
		store:     st,
		engine:    engine,
		composer:  composer,
		publisher: publisher,
	}
}

func adminEvent() *event.Event {
	return &event.Event{Sender: id.UserID("@operator:example.org")}
}

func (f *handlerFixture) route(t *testing.T, text string) string {
	t.Helper()
	resp, err := f.router.Route(context.Background(), text, adminEvent())
	if err != nil {
		t.Fatalf("Route(%q): %v", text, err)
	}
	return resp
}

func TestHandleHelp(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.route(t, "/kodama help")
	for _, want := range []string{"post", "summarize", "prune chat", "autopost"} {
		if !strings.Contains(resp, want) {
			t.Errorf("help output missing %q", want)
		}
	}
}

func TestHandlePost(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.route(t, "/kodama post something about tea")
	if !strings.Contains(resp, "a quiet day in the garden") {
		t.Errorf("response should contain the post text, got %q", resp)
	}
	if len(f.composer.hints) != 1 || f.composer.hints[0] != "something about tea" {
		t.Errorf("hint: got %v", f.composer.hints)
	}
	if len(f.publisher.published) != 1 {
		t.Fatalf("published %d posts, want 1", len(f.publisher.published))
	}

	// Manual posts are recorded but never consume the scheduled quota.
	records, err := f.store.Posts().Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Posts.Recent: %v", err)
	}
	if len(records) != 1 || records[0].Trigger != store.TriggerManual {
		t.Fatalf("records: got %+v", records)
	}
	if st := f.engine.Status(); st.PostsToday != 0 {
		t.Errorf("PostsToday: got %d, want 0", st.PostsToday)
	}
}

func TestHandlePostImage(t *testing.T) {
	f := newHandlerFixture(t)

	f.route(t, "/kodama postimg mxc://example.org/abc123 a walk in the park")
	if len(f.composer.media) != 1 || len(f.composer.media[0]) != 1 || f.composer.media[0][0] != "mxc://example.org/abc123" {
		t.Fatalf("media: got %v", f.composer.media)
	}
	if f.composer.hints[0] != "a walk in the park" {
		t.Errorf("hint: got %q", f.composer.hints[0])
	}
}

func TestHandlePostImage_RequiresURL(t *testing.T) {
	f := newHandlerFixture(t)

	_, err := f.router.Route(context.Background(), "/kodama postimg just text", adminEvent())
	if err == nil {
		t.Fatal("expected usage error when no media URL is given")
	}
}

func TestHandleSummarize(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.route(t, "/kodama summarize @alice:example.org weekly 2026-03-04")
	if !strings.Contains(resp, "remembered things") {
		t.Errorf("response should contain the summary, got %q", resp)
	}
	// Weekly periods anchor on Monday regardless of the given date.
	if !strings.Contains(resp, "2026-03-02") {
		t.Errorf("response should name the Monday period start, got %q", resp)
	}
}

func TestHandleSummarize_RejectsBadKind(t *testing.T) {
	f := newHandlerFixture(t)

	for _, input := range []string{
		"/kodama summarize @alice:example.org yearly",
		"/kodama summarize @alice:example.org manual",
		"/kodama summarize @alice:example.org daily not-a-date",
	} {
		if _, err := f.router.Route(context.Background(), input, adminEvent()); err == nil {
			t.Errorf("%q: expected error, got nil", input)
		}
	}
}

func TestHandleSummaries(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.Local)
	for i := 0; i < 3; i++ {
		_, err := f.store.Memories().Upsert(ctx, store.MemoryRecord{
			Scope:       "@alice:example.org",
			Kind:        store.KindDaily,
			PeriodStart: day.AddDate(0, 0, -i),
			PeriodEnd:   day.AddDate(0, 0, -i),
			Summary:     "day summary",
			CreatedAt:   day,
		})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	resp := f.route(t, "/kodama summaries @alice:example.org 2")
	if !strings.Contains(resp, "Memories for @alice:example.org (2)") {
		t.Errorf("response: got %q", resp)
	}

	resp = f.route(t, "/kodama summaries @nobody:example.org")
	if !strings.Contains(resp, "No memories") {
		t.Errorf("response: got %q", resp)
	}
}

func TestHandlePosts(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	resp := f.route(t, "/kodama posts")
	if !strings.Contains(resp, "No posts published yet") {
		t.Errorf("response: got %q", resp)
	}

	base := time.Date(2026, 3, 3, 12, 0, 0, 0, time.Local)
	for i := 0; i < 3; i++ {
		_, err := f.store.Posts().Append(ctx, store.PostRecord{
			PostedAt: base.Add(time.Duration(i) * time.Hour),
			Content:  "post body",
			Trigger:  store.TriggerScheduled,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	resp = f.route(t, "/kodama posts 2")
	if !strings.Contains(resp, "Recent posts (2)") {
		t.Errorf("response: got %q", resp)
	}
	if !strings.Contains(resp, "post body") {
		t.Errorf("response missing content: got %q", resp)
	}

	if _, err := f.router.Route(ctx, "/kodama posts zero", adminEvent()); err == nil {
		t.Error("expected an error for a non-numeric count")
	}
}

func TestHandlePruneChat(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	now := time.Now()
	for _, age := range []int{1, 5, 10} {
		err := f.store.ChatLog().Append(ctx, store.ChatEntry{
			SenderID:       "@alice:example.org",
			ConversationID: "!room:example.org",
			Content:        "hello",
			Timestamp:      now.AddDate(0, 0, -age),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	resp := f.route(t, "/kodama prune chat 7")
	if !strings.Contains(resp, "Deleted 1 chat entries") {
		t.Errorf("response: got %q", resp)
	}

	if _, err := f.router.Route(context.Background(), "/kodama prune chat zero", adminEvent()); err == nil {
		t.Error("expected error for non-numeric day count")
	}
}

func TestHandleAutopostToggle(t *testing.T) {
	f := newHandlerFixture(t)

	f.route(t, "/kodama autopost off")
	if f.engine.AutoPost() {
		t.Error("autopost should be disabled")
	}

	f.route(t, "/kodama autopost on")
	if !f.engine.AutoPost() {
		t.Error("autopost should be enabled")
	}
}

func TestHandleConfig_RedactsSecrets(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.route(t, "/kodama config")
	for _, secret := range []string{"syt_secret_token_value", "sk-super-secret-key", "feed-bearer-token"} {
		if strings.Contains(resp, secret) {
			t.Errorf("config output leaks secret %q", secret)
		}
	}
	if !strings.Contains(resp, "[REDACTED]") {
		t.Error("config output should mark redacted secrets")
	}
	if !strings.Contains(resp, "@kodama:example.org") {
		t.Error("config output should show non-secret values")
	}
}

func TestHandleStatus(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.route(t, "/kodama status")
	for _, want := range []string{"Autopost:** enabled", "Posts today:** 0 / 1", "Last summarized day:** never"} {
		if !strings.Contains(resp, want) {
			t.Errorf("status output missing %q, got:\n%s", want, resp)
		}
	}
}
