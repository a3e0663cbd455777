package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Kodama/common/redact"
	"github.com/bdobrica/Kodama/common/trace"
	"github.com/bdobrica/Kodama/common/version"
	"github.com/bdobrica/Kodama/internal/kodama/config"
	"github.com/bdobrica/Kodama/internal/kodama/observability"
	"github.com/bdobrica/Kodama/internal/kodama/scheduler"
	"github.com/bdobrica/Kodama/internal/kodama/store"
)

// Handlers holds all command handlers and dependencies
type Handlers struct {
	cfg    *config.Config
	store  *store.Store
	engine *scheduler.Engine
}

// NewHandlers creates a new Handlers instance
func NewHandlers(cfg *config.Config, st *store.Store, eng *scheduler.Engine) *Handlers {
	return &Handlers{cfg: cfg, store: st, engine: eng}
}

// RegisterAll registers every operator command on the router.
func (h *Handlers) RegisterAll(r *Router) {
	r.Register("help", h.HandleHelp)
	r.Register("version", h.HandleVersion)
	r.Register("status", h.HandleStatus)
	r.Register("config", h.HandleConfig)
	r.Register("post", h.HandlePost)
	r.Register("postimg", h.HandlePostImage)
	r.Register("posts", h.HandlePosts)
	r.Register("summarize", h.HandleSummarize)
	r.Register("summaries", h.HandleSummaries)
	r.Register("prune.chat", h.HandlePruneChat)
	r.Register("prune.memory", h.HandlePruneMemory)
	r.Register("autopost.on", h.HandleAutopostOn)
	r.Register("autopost.off", h.HandleAutopostOff)
}

// HandleHelp shows available commands
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	help := `**Kodama**

**General Commands:**
• /kodama help - Show this help message
• /kodama version - Show version information
• /kodama status - Show scheduler and memory status
• /kodama config - Show active configuration (secrets redacted)

**Posting Commands:**
• /kodama post [hint...] - Publish a post now (optional topic hint)
• /kodama postimg <url> [hint...] - Publish a post with an attached image
• /kodama posts [n] - Show recently published posts
• /kodama autopost on|off - Toggle scheduled posting

**Memory Commands:**
• /kodama summarize <scope> [daily|weekly|monthly] [YYYY-MM-DD] - Summarize a period now
• /kodama summaries <scope> [n] - Show recent memories for a scope
• /kodama prune chat <days> - Delete chat entries older than <days>
• /kodama prune memory <days> - Delete memories older than <days>
`
	return help, nil
}

// HandleVersion shows version information
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("**Kodama**\n%s", version.Info()), nil
}

// HandleStatus reports the scheduler snapshot
func (h *Handlers) HandleStatus(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	st := h.engine.Status()

	var sb strings.Builder
	sb.WriteString("**Kodama Status**\n\n")

	if st.AutoPost {
		sb.WriteString("**Autopost:** enabled\n")
	} else {
		sb.WriteString("**Autopost:** disabled\n")
	}

	if st.LastSummaryDay != "" {
		sb.WriteString(fmt.Sprintf("**Last summarized day:** %s\n", st.LastSummaryDay))
	} else {
		sb.WriteString("**Last summarized day:** never\n")
	}

	sb.WriteString(fmt.Sprintf("**Posts today:** %d / %d\n", st.PostsToday, h.cfg.Posting.MaxPostsPerDay))

	if !st.LastPostAt.IsZero() {
		sb.WriteString(fmt.Sprintf("**Last post:** %s\n", st.LastPostAt.Local().Format(time.RFC3339)))
	}
	if !st.NextPostAt.IsZero() {
		sb.WriteString(fmt.Sprintf("**Next post:** %s\n", st.NextPostAt.Local().Format(time.RFC3339)))
	} else if st.SkippedToday {
		sb.WriteString("**Next post:** none (no slot left today)\n")
	} else {
		sb.WriteString("**Next post:** not scheduled\n")
	}

	if st.LastError != "" {
		sb.WriteString(fmt.Sprintf("**Last error:** %s (%s)\n", st.LastError, st.LastErrorAt.Local().Format(time.RFC3339)))
	}

	sb.WriteString(fmt.Sprintf("\n(trace: %s)", traceID))
	return sb.String(), nil
}

// HandleConfig shows the active configuration with secrets redacted
func (h *Handlers) HandleConfig(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	c := h.cfg

	var sb strings.Builder
	sb.WriteString("**Active Configuration**\n\n")
	sb.WriteString(fmt.Sprintf("**Homeserver:** %s (%s)\n", c.Matrix.Homeserver, c.Matrix.UserID))
	sb.WriteString(fmt.Sprintf("**Admin rooms:** %s\n", strings.Join(c.Matrix.AdminRooms, ", ")))
	sb.WriteString(fmt.Sprintf("**Watched rooms:** %s\n", strings.Join(c.Matrix.WatchedRooms, ", ")))
	sb.WriteString(fmt.Sprintf("**Access token:** %s\n", redact.Secret(c.Matrix.AccessToken)))
	sb.WriteString(fmt.Sprintf("**Whitelist:** %s\n", strings.Join(c.Memory.Whitelist, ", ")))
	sb.WriteString(fmt.Sprintf("**Summary time:** %s, retention time: %s\n", c.Memory.SummaryTime, c.Memory.RetentionTime))
	sb.WriteString(fmt.Sprintf("**Retention:** chat %dd, memory %dd\n", c.Memory.ChatRetentionDays, c.Memory.MemoryRetentionDays))
	sb.WriteString(fmt.Sprintf("**Posting:** enabled=%t window=%s-%s max=%d/day min_interval=%s\n",
		c.Posting.Enabled, c.Posting.WindowStart, c.Posting.WindowEnd,
		c.Posting.MaxPostsPerDay, c.Posting.MinInterval.Std()))
	sb.WriteString(fmt.Sprintf("**Comments:** enabled=%t targets=%d probability=%.2f\n",
		c.Comments.Enabled, len(c.Comments.TargetUsers), c.Comments.Probability))
	sb.WriteString(fmt.Sprintf("**Provider:** %s model=%s key=%s\n",
		c.Provider.BaseURL, c.Provider.Model, redact.Secret(c.Provider.APIKey)))
	sb.WriteString(fmt.Sprintf("**Feed:** %s user=%s token=%s\n",
		c.Feed.BaseURL, c.Feed.UserID, redact.Secret(c.Feed.Token)))

	return sb.String(), nil
}

// HandlePost publishes a post immediately, bypassing the daily quota
func (h *Handlers) HandlePost(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	hint := cmd.Rest(0)
	observability.WithTrace(ctx).Info("manual post requested", "sender", evt.Sender.String())
	rec, err := h.engine.ManualPost(ctx, hint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to publish post: %w (trace: %s)", err, traceID)
	}

	return fmt.Sprintf("📝 Posted:\n\n%s\n\n(trace: %s)", rec.Content, traceID), nil
}

// HandlePostImage publishes a post with attached media
func (h *Handlers) HandlePostImage(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	// Leading arguments that look like URLs are media; the rest is the hint.
	var media []string
	i := 0
	for ; i < len(cmd.Args); i++ {
		arg := cmd.Args[i]
		if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") || strings.HasPrefix(arg, "mxc://") {
			media = append(media, arg)
			continue
		}
		break
	}
	if len(media) == 0 {
		return "", fmt.Errorf("usage: /kodama postimg <url> [hint...]")
	}

	rec, err := h.engine.ManualPost(ctx, cmd.Rest(i), media)
	if err != nil {
		return "", fmt.Errorf("failed to publish post: %w (trace: %s)", err, traceID)
	}

	return fmt.Sprintf("🖼️ Posted with %d attachment(s):\n\n%s\n\n(trace: %s)", len(rec.MediaRefs), rec.Content, traceID), nil
}

// HandlePosts shows the most recent published posts from the audit trail
func (h *Handlers) HandlePosts(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()

	limit := 5
	if n, ok := cmd.GetArg(0); ok {
		parsed, err := strconv.Atoi(n)
		if err != nil || parsed <= 0 {
			return "", fmt.Errorf("invalid count %q", n)
		}
		limit = parsed
	}
	if limit > 20 {
		limit = 20
	}

	records, err := h.store.Posts().Recent(ctx, limit)
	if err != nil {
		return "", fmt.Errorf("failed to list posts: %w (trace: %s)", err, traceID)
	}
	if len(records) == 0 {
		return fmt.Sprintf("No posts published yet. (trace: %s)", traceID), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Recent posts (%d)**\n\n", len(records)))
	for _, rec := range records {
		sb.WriteString(fmt.Sprintf("• **%s** (%s)", rec.PostedAt.Local().Format(time.RFC3339), rec.Trigger))
		if len(rec.MediaRefs) > 0 {
			sb.WriteString(fmt.Sprintf(" [%d attachment(s)]", len(rec.MediaRefs)))
		}
		sb.WriteString(fmt.Sprintf("\n  %s\n\n", rec.Content))
	}
	sb.WriteString(fmt.Sprintf("(trace: %s)", traceID))
	return sb.String(), nil
}

// HandleSummarize runs a summarization immediately for one scope
func (h *Handlers) HandleSummarize(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	scope, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: /kodama summarize <scope> [daily|weekly|monthly] [YYYY-MM-DD]")
	}

	kind := store.KindDaily
	if k, ok := cmd.GetArg(1); ok {
		kind = store.MemoryKind(k)
		if !store.ValidMemoryKind(kind) || kind == store.KindManual {
			return "", fmt.Errorf("unknown memory kind %q (want daily, weekly or monthly)", k)
		}
	}

	date := time.Now().AddDate(0, 0, -1)
	if d, ok := cmd.GetArg(2); ok {
		parsed, err := time.ParseInLocation(store.DayFormat, d, time.Local)
		if err != nil {
			return "", fmt.Errorf("invalid date %q (want YYYY-MM-DD)", d)
		}
		date = parsed
	}

	observability.WithTrace(ctx).Info("manual summarize requested",
		"sender", evt.Sender.String(), "scope", scope, "kind", string(kind))
	rec, err := h.engine.ManualSummarize(ctx, scope, kind, date)
	if err != nil {
		return "", fmt.Errorf("failed to summarize: %w (trace: %s)", err, traceID)
	}

	return fmt.Sprintf("**Memory saved** (%s %s, %s)\n\n%s\n\n(trace: %s)",
		rec.Kind, store.Day(rec.PeriodStart), rec.Scope, rec.Summary, traceID), nil
}

// HandleSummaries shows recent memories for a scope
func (h *Handlers) HandleSummaries(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()

	scope, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: /kodama summaries <scope> [n]")
	}

	limit := 5
	if n, ok := cmd.GetArg(1); ok {
		parsed, err := strconv.Atoi(n)
		if err != nil || parsed <= 0 {
			return "", fmt.Errorf("invalid count %q", n)
		}
		limit = parsed
	}
	if limit > 20 {
		limit = 20
	}

	records, err := h.store.Memories().Recent(ctx, scope, "", limit)
	if err != nil {
		return "", fmt.Errorf("failed to list memories: %w (trace: %s)", err, traceID)
	}
	if len(records) == 0 {
		return fmt.Sprintf("No memories for %s yet. (trace: %s)", scope, traceID), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Memories for %s (%d)**\n\n", scope, len(records)))
	for _, rec := range records {
		sb.WriteString(fmt.Sprintf("• **%s %s** (%d entries)\n  %s\n\n",
			rec.Kind, store.Day(rec.PeriodStart), rec.SourceEntryCount, rec.Summary))
	}
	sb.WriteString(fmt.Sprintf("(trace: %s)", traceID))
	return sb.String(), nil
}

// HandlePruneChat deletes chat entries older than the given number of days
func (h *Handlers) HandlePruneChat(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()

	days, err := h.pruneDays(cmd)
	if err != nil {
		return "", err
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	deleted, err := h.store.ChatLog().Prune(ctx, cutoff)
	if err != nil {
		return "", fmt.Errorf("failed to prune chat log: %w (trace: %s)", err, traceID)
	}

	return fmt.Sprintf("🧹 Deleted %d chat entries older than %d days. (trace: %s)", deleted, days, traceID), nil
}

// HandlePruneMemory deletes non-manual memories older than the given number
// of days
func (h *Handlers) HandlePruneMemory(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()

	days, err := h.pruneDays(cmd)
	if err != nil {
		return "", err
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	deleted, err := h.store.Memories().Prune(ctx, cutoff, store.KindManual)
	if err != nil {
		return "", fmt.Errorf("failed to prune memories: %w (trace: %s)", err, traceID)
	}

	return fmt.Sprintf("🧹 Deleted %d memories older than %d days (manual memories kept). (trace: %s)", deleted, days, traceID), nil
}

func (h *Handlers) pruneDays(cmd *Command) (int, error) {
	arg, ok := cmd.GetArg(0)
	if !ok {
		return 0, fmt.Errorf("usage: /kodama prune %s <days>", cmd.Subcommand)
	}
	days, err := strconv.Atoi(arg)
	if err != nil || days < 1 {
		return 0, fmt.Errorf("invalid day count %q", arg)
	}
	return days, nil
}

// HandleAutopostOn enables scheduled posting
func (h *Handlers) HandleAutopostOn(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	h.engine.SetAutoPost(true)
	return "✅ Autopost enabled.", nil
}

// HandleAutopostOff disables scheduled posting
func (h *Handlers) HandleAutopostOff(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	h.engine.SetAutoPost(false)
	return "⏹️ Autopost disabled. Scheduled posts stay off until re-enabled.", nil
}
