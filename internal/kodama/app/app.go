// Package app wires the Kodama subsystems together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Kodama/internal/kodama/commands"
	"github.com/bdobrica/Kodama/internal/kodama/config"
	"github.com/bdobrica/Kodama/internal/kodama/feed"
	"github.com/bdobrica/Kodama/internal/kodama/matrix"
	"github.com/bdobrica/Kodama/internal/kodama/memory"
	"github.com/bdobrica/Kodama/internal/kodama/provider"
	"github.com/bdobrica/Kodama/internal/kodama/scheduler"
	"github.com/bdobrica/Kodama/internal/kodama/store"
)

// App is the assembled Kodama application.
type App struct {
	cfg    *config.Config
	store  *store.Store
	matrix *matrix.Client
	router *commands.Router
	engine *scheduler.Engine

	// whitelist is an index over cfg.Memory.Whitelist for the ingestion path.
	whitelist map[string]bool
}

// New builds the application from a validated configuration.
func New(cfg *config.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.Database.Path)
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Inject the DB so the client can persist the sync token across restarts.
	slog.Info("connecting to Matrix", "homeserver", cfg.Matrix.Homeserver)
	matrixClient, err := matrix.New(&matrix.Config{
		Homeserver:   cfg.Matrix.Homeserver,
		UserID:       cfg.Matrix.UserID,
		AccessToken:  cfg.Matrix.AccessToken,
		AdminRooms:   cfg.Matrix.AdminRooms,
		WatchedRooms: cfg.Matrix.WatchedRooms,
		DB:           st.DB(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	gen := provider.New(provider.Config{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Model:       cfg.Provider.Model,
		Timeout:     cfg.Provider.Timeout.Std(),
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
	})

	feedClient := feed.New(feed.Config{
		BaseURL: cfg.Feed.BaseURL,
		Token:   cfg.Feed.Token,
		Timeout: cfg.Feed.Timeout.Std(),
	})

	summarizer := memory.NewSummarizer(st.ChatLog(), st.Memories(), gen, memory.SummarizerConfig{
		MinEntries: cfg.Memory.MinEntries,
	})
	composer := memory.NewComposer(st.Memories(), gen, memory.ComposerConfig{
		MemoryCount: cfg.Memory.ComposeMemoryCount,
	})

	engineCfg, err := engineConfig(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	engine := scheduler.New(engineCfg, st, summarizer, composer, feedClient)

	router := commands.NewRouter("/kodama")
	commands.NewHandlers(cfg, st, engine).RegisterAll(router)

	whitelist := make(map[string]bool, len(cfg.Memory.Whitelist))
	for _, sender := range cfg.Memory.Whitelist {
		whitelist[sender] = true
	}

	return &App{
		cfg:       cfg,
		store:     st,
		matrix:    matrixClient,
		router:    router,
		engine:    engine,
		whitelist: whitelist,
	}, nil
}

// engineConfig translates the file configuration into scheduler parameters.
// Validation has already established that the time strings parse.
func engineConfig(cfg *config.Config) (scheduler.Config, error) {
	summaryMin, err := config.ParseTimeOfDay(cfg.Memory.SummaryTime)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("memory.summary_time: %w", err)
	}
	retentionMin, err := config.ParseTimeOfDay(cfg.Memory.RetentionTime)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("memory.retention_time: %w", err)
	}
	windowStart, err := config.ParseTimeOfDay(cfg.Posting.WindowStart)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("posting.window_start: %w", err)
	}
	windowEnd, err := config.ParseTimeOfDay(cfg.Posting.WindowEnd)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("posting.window_end: %w", err)
	}

	return scheduler.Config{
		Scopes:            cfg.Memory.Whitelist,
		SummaryTimeMin:    summaryMin,
		RetentionTimeMin:  retentionMin,
		ChatRetentionDays: cfg.Memory.ChatRetentionDays,
		MemRetentionDays:  cfg.Memory.MemoryRetentionDays,
		Window:            scheduler.Window{StartMin: windowStart, EndMin: windowEnd},
		MaxPostsPerDay:    cfg.Posting.MaxPostsPerDay,
		MinInterval:       cfg.Posting.MinInterval.Std(),
		TickInterval:      cfg.Scheduler.TickInterval.Std(),
		AutoPost:          cfg.Posting.Enabled,
		Comments: scheduler.CommentsConfig{
			Enabled:     cfg.Comments.Enabled,
			TargetUsers: cfg.Comments.TargetUsers,
			Probability: cfg.Comments.Probability,
			MaxPerSweep: cfg.Comments.MaxPerSweep,
			Interval:    cfg.Comments.Interval.Std(),
		},
	}, nil
}

// Run starts the Matrix sync and the scheduler and blocks until ctx is
// cancelled or either subsystem fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	g.Go(func() error {
		err := a.engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	for _, roomID := range a.cfg.Matrix.AdminRooms {
		if err := a.matrix.SendNotice(roomID, "🌱 Kodama started. Type /kodama help for commands."); err != nil {
			slog.Warn("startup notice failed", "room", roomID, "err", err)
		}
	}

	slog.Info("Kodama is running")
	<-ctx.Done()

	for _, roomID := range a.cfg.Matrix.AdminRooms {
		if err := a.matrix.SendNotice(roomID, "🍂 Kodama shutting down."); err != nil {
			slog.Warn("shutdown notice failed", "room", roomID, "err", err)
		}
	}
	a.matrix.Stop()
	err := g.Wait()

	slog.Info("closing database")
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// handleMessage splits inbound Matrix traffic: admin rooms carry operator
// commands, watched rooms carry the chat activity that feeds the memory
// pipeline. One room may be both.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}

	if a.matrix.IsAdminRoom(evt.RoomID.String()) && a.handleCommand(ctx, evt, msgContent.Body) {
		return
	}

	if a.matrix.IsWatchedRoom(evt.RoomID.String()) {
		a.ingest(ctx, evt, msgContent)
	}
}

// handleCommand routes admin room text through the command router. Returns
// false when the message was not a command, so a room that is both admin
// and watched can still ingest ordinary chatter.
func (a *App) handleCommand(ctx context.Context, evt *event.Event, text string) bool {
	response, err := a.router.Route(ctx, text, evt)
	if err != nil {
		if errors.Is(err, commands.ErrNotACommand) {
			return false
		}
		a.reply(evt, fmt.Sprintf("❌ Error: %s", err))
		return true
	}

	if response != "" {
		a.reply(evt, response)
	}
	return true
}

func (a *App) reply(evt *event.Event, response string) {
	htmlBody := markdownToHTML(response)
	if err := a.matrix.SendFormattedMessage(evt.RoomID.String(), htmlBody, response); err != nil {
		slog.Error("failed to send response", "room", evt.RoomID.String(), "err", err)
	}
}

// ingest records one whitelisted message into the chat log. Non-whitelisted
// senders are dropped without trace.
func (a *App) ingest(ctx context.Context, evt *event.Event, content *event.MessageEventContent) {
	sender := evt.Sender.String()
	if !a.whitelist[sender] {
		return
	}

	entry := store.ChatEntry{
		ConversationID: evt.RoomID.String(),
		SenderID:       sender,
		Timestamp:      time.UnixMilli(evt.Timestamp),
		Content:        content.Body,
		MediaRefs:      matrix.MediaRefs(content),
	}
	if err := a.store.ChatLog().Append(ctx, entry); err != nil {
		slog.Error("chat ingestion failed", "sender", sender, "room", entry.ConversationID, "err", err)
	}
}

// markdownToHTML converts the small subset of Markdown produced by command
// handlers into HTML suitable for a Matrix m.text event with
// format=org.matrix.custom.html.
func markdownToHTML(md string) string {
	result := replaceDelimited(md, "`", "<code>", "</code>")
	result = replaceDelimited(result, "**", "<strong>", "</strong>")
	return strings.ReplaceAll(result, "\n", "<br/>")
}

// replaceDelimited replaces occurrences of delim…delim with open+content+close.
// Only complete pairs are replaced; an unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim) // absolute index of closing delim
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
