package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/Kodama/internal/kodama/store"
)

// DraftPost is a finished piece of copy ready for publishing. Composing a
// draft never writes a PostRecord; only a successful publish does.
type DraftPost struct {
	Text      string
	MediaRefs []string
	// SourceMemoryIDs records which memories fed the draft, for the post
	// audit trail.
	SourceMemoryIDs []string
}

// ComposerConfig configures a Composer.
type ComposerConfig struct {
	// MemoryCount is how many recent memories feed one draft.
	MemoryCount int
}

// Composer drafts posts and comments from recent memories.
type Composer struct {
	memories MemoryStore
	gen      Generator
	cfg      ComposerConfig
}

// NewComposer creates a Composer.
func NewComposer(memories MemoryStore, gen Generator, cfg ComposerConfig) *Composer {
	if cfg.MemoryCount < 1 {
		cfg.MemoryCount = 5
	}
	return &Composer{memories: memories, gen: gen, cfg: cfg}
}

const composeSystemPrompt = "You write short, personal social feed posts. " +
	"One or two sentences, casual tone, no hashtags unless they feel natural, " +
	"never mention that the post was generated."

// genericPrompt keeps the feed alive when a scope has no memories yet.
const genericPrompt = "Write a light, everyday post about nothing in " +
	"particular: the weather, a small observation, a passing mood."

// Compose drafts a post for scope from its most recent memories plus an
// optional operator hint. mediaRefs are carried through to the draft
// unchanged. A scope with no memories yet gets a generic draft instead of
// an error.
func (c *Composer) Compose(ctx context.Context, scope, hint string, mediaRefs []string) (DraftPost, error) {
	records, err := c.memories.Recent(ctx, scope, "", c.cfg.MemoryCount)
	if err != nil {
		return DraftPost{}, fmt.Errorf("memory: load recent memories: %w", err)
	}

	prompt := buildComposePrompt(records, hint)

	text, err := c.gen.Generate(ctx, composeSystemPrompt, prompt)
	if err != nil {
		return DraftPost{}, err
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return DraftPost{Text: text, MediaRefs: mediaRefs, SourceMemoryIDs: ids}, nil
}

// Comment drafts a short reply to someone else's feed item.
func (c *Composer) Comment(ctx context.Context, authorID, itemText string) (string, error) {
	system := "You write short, friendly comments on a friend's social feed " +
		"post. One sentence, warm, specific to the post, never generic filler."
	prompt := fmt.Sprintf("%s posted:\n%s\n\nWrite a comment.", authorID, itemText)

	text, err := c.gen.Generate(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	return text, nil
}

func buildComposePrompt(records []store.MemoryRecord, hint string) string {
	var b strings.Builder
	if len(records) == 0 {
		b.WriteString(genericPrompt)
	} else {
		b.WriteString("Recent memories, newest first:\n")
		for _, rec := range records {
			fmt.Fprintf(&b, "- [%s %s] %s\n", rec.Kind, store.Day(rec.PeriodStart), rec.Summary)
		}
		b.WriteString("\nWrite a post grounded in these memories.")
	}
	if hint != "" {
		fmt.Fprintf(&b, "\n\nThe operator asked for: %s", hint)
	}
	return b.String()
}
