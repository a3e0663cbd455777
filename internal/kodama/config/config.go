// Package config loads and validates the Kodama configuration file.
//
// The configuration is a single YAML document. Loading happens in three
// stages: YAML decode, JSON-schema validation against the embedded schema,
// and structural checks that the schema cannot express (window coherence,
// time-of-day syntax, whitelist shape). Secrets may be supplied through
// environment variables instead of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kodama/common/environment"
)

// ValidationError reports an invalid configuration value. The scheduler
// treats any ValidationError on the posting section as a reason to refuse
// auto-posting until the operator fixes the file.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Duration wraps time.Duration so YAML values like "30s" or "3h" decode
// directly into duration fields.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the Kodama configuration.
type Config struct {
	Matrix    MatrixConfig    `yaml:"matrix"`
	Database  DatabaseConfig  `yaml:"database"`
	Memory    MemoryConfig    `yaml:"memory"`
	Posting   PostingConfig   `yaml:"posting"`
	Comments  CommentsConfig  `yaml:"comments"`
	Provider  ProviderConfig  `yaml:"provider"`
	Feed      FeedConfig      `yaml:"feed"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

// MatrixConfig identifies the homeserver account and the rooms Kodama
// participates in. AdminRooms receive operator commands; WatchedRooms are
// the rooms whose whitelisted traffic feeds the chat log.
type MatrixConfig struct {
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	AdminRooms   []string `yaml:"admin_rooms"`
	WatchedRooms []string `yaml:"watched_rooms"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MemoryConfig controls capture and summarization.
type MemoryConfig struct {
	// Whitelist lists the sender IDs whose messages are recorded. Each
	// whitelisted sender is also a summarization scope, alongside the
	// synthetic "global" scope covering all recorded traffic.
	Whitelist []string `yaml:"whitelist"`
	// SummaryTime is the local time of day ("HH:MM") after which the daily
	// summarization run for yesterday becomes due.
	SummaryTime string `yaml:"summary_time"`
	// RetentionTime is the local time of day for the daily retention sweep.
	RetentionTime       string `yaml:"retention_time"`
	MinEntries          int    `yaml:"min_entries"`
	ChatRetentionDays   int    `yaml:"chat_retention_days"`
	MemoryRetentionDays int    `yaml:"memory_retention_days"`
	// ComposeMemoryCount is how many recent memories the composer reads
	// when drafting a post.
	ComposeMemoryCount int `yaml:"compose_memory_count"`
}

// PostingConfig bounds automatic publishing.
type PostingConfig struct {
	Enabled        bool     `yaml:"enabled"`
	WindowStart    string   `yaml:"window_start"`
	WindowEnd      string   `yaml:"window_end"`
	MaxPostsPerDay int      `yaml:"max_posts_per_day"`
	MinInterval    Duration `yaml:"min_interval"`
}

// CommentsConfig controls the optional auto-comment sweep over target users'
// recent feed items.
type CommentsConfig struct {
	Enabled     bool     `yaml:"enabled"`
	TargetUsers []string `yaml:"target_users"`
	Probability float64  `yaml:"probability"`
	MaxPerSweep int      `yaml:"max_per_sweep"`
	Interval    Duration `yaml:"interval"`
}

// ProviderConfig points at an OpenAI-compatible chat completions endpoint.
type ProviderConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	Timeout     Duration `yaml:"timeout"`
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type FeedConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	UserID  string   `yaml:"user_id"`
	Timeout Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with every default value. Load starts
// from this and overlays the file on top.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "kodama.db"},
		Memory: MemoryConfig{
			SummaryTime:         "08:00",
			RetentionTime:       "02:00",
			MinEntries:          5,
			ChatRetentionDays:   7,
			MemoryRetentionDays: 30,
			ComposeMemoryCount:  5,
		},
		Posting: PostingConfig{
			Enabled:        true,
			WindowStart:    "09:00",
			WindowEnd:      "22:00",
			MaxPostsPerDay: 1,
			MinInterval:    Duration(3 * time.Hour),
		},
		Comments: CommentsConfig{
			Probability: 0.3,
			MaxPerSweep: 3,
			Interval:    Duration(time.Hour),
		},
		Provider: ProviderConfig{
			Timeout:     Duration(30 * time.Second),
			Temperature: 0.7,
			MaxTokens:   500,
		},
		Feed:      FeedConfig{Timeout: Duration(30 * time.Second)},
		Scheduler: SchedulerConfig{TickInterval: Duration(time.Minute)},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads, schema-validates, and structurally validates the configuration
// file at path, then applies environment overrides for secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets secrets and the database path come from the
// environment instead of the file.
func applyEnvOverrides(cfg *Config) {
	cfg.Matrix.AccessToken = environment.StringOr("KODAMA_MATRIX_ACCESS_TOKEN", cfg.Matrix.AccessToken)
	cfg.Provider.APIKey = environment.StringOr("KODAMA_PROVIDER_API_KEY", cfg.Provider.APIKey)
	cfg.Feed.Token = environment.StringOr("KODAMA_FEED_TOKEN", cfg.Feed.Token)
	cfg.Database.Path = environment.StringOr("KODAMA_DB_PATH", cfg.Database.Path)
	cfg.Log.Level = environment.StringOr("KODAMA_LOG_LEVEL", cfg.Log.Level)
}

// Validate checks a Config for structural correctness beyond what the JSON
// schema expresses. It returns the first validation error encountered.
func Validate(cfg *Config) error {
	// ── Matrix ───────────────────────────────────────────────────────────────
	if strings.TrimSpace(cfg.Matrix.Homeserver) == "" {
		return &ValidationError{Field: "matrix.homeserver", Reason: "must not be empty"}
	}
	if !strings.HasPrefix(cfg.Matrix.UserID, "@") {
		return &ValidationError{Field: "matrix.user_id", Reason: "must start with '@'"}
	}
	if len(cfg.Matrix.AdminRooms) == 0 {
		return &ValidationError{Field: "matrix.admin_rooms", Reason: "must list at least one room"}
	}
	for _, room := range append(append([]string{}, cfg.Matrix.AdminRooms...), cfg.Matrix.WatchedRooms...) {
		if !strings.HasPrefix(room, "!") && !strings.HasPrefix(room, "#") {
			return &ValidationError{Field: "matrix rooms", Reason: fmt.Sprintf("room %q must start with '!' or '#'", room)}
		}
	}

	// ── Memory ───────────────────────────────────────────────────────────────
	for _, sender := range cfg.Memory.Whitelist {
		if !strings.HasPrefix(sender, "@") {
			return &ValidationError{Field: "memory.whitelist", Reason: fmt.Sprintf("sender %q must start with '@'", sender)}
		}
	}
	if _, err := ParseTimeOfDay(cfg.Memory.SummaryTime); err != nil {
		return &ValidationError{Field: "memory.summary_time", Reason: err.Error()}
	}
	if _, err := ParseTimeOfDay(cfg.Memory.RetentionTime); err != nil {
		return &ValidationError{Field: "memory.retention_time", Reason: err.Error()}
	}
	if cfg.Memory.MinEntries < 1 {
		return &ValidationError{Field: "memory.min_entries", Reason: "must be >= 1"}
	}
	if cfg.Memory.ChatRetentionDays < 1 {
		return &ValidationError{Field: "memory.chat_retention_days", Reason: "must be >= 1"}
	}
	if cfg.Memory.MemoryRetentionDays < 1 {
		return &ValidationError{Field: "memory.memory_retention_days", Reason: "must be >= 1"}
	}
	if cfg.Memory.ComposeMemoryCount < 1 {
		return &ValidationError{Field: "memory.compose_memory_count", Reason: "must be >= 1"}
	}

	// ── Posting ──────────────────────────────────────────────────────────────
	if _, err := ParseTimeOfDay(cfg.Posting.WindowStart); err != nil {
		return &ValidationError{Field: "posting.window_start", Reason: err.Error()}
	}
	if _, err := ParseTimeOfDay(cfg.Posting.WindowEnd); err != nil {
		return &ValidationError{Field: "posting.window_end", Reason: err.Error()}
	}
	if cfg.Posting.WindowStart == cfg.Posting.WindowEnd {
		return &ValidationError{Field: "posting.window_end", Reason: "window must not be empty"}
	}
	if cfg.Posting.MaxPostsPerDay < 0 {
		return &ValidationError{Field: "posting.max_posts_per_day", Reason: "must be >= 0"}
	}
	if cfg.Posting.MinInterval < 0 {
		return &ValidationError{Field: "posting.min_interval", Reason: "must not be negative"}
	}

	// ── Comments ─────────────────────────────────────────────────────────────
	if cfg.Comments.Probability < 0 || cfg.Comments.Probability > 1 {
		return &ValidationError{Field: "comments.probability", Reason: "must be within [0, 1]"}
	}
	if cfg.Comments.Enabled && len(cfg.Comments.TargetUsers) == 0 {
		return &ValidationError{Field: "comments.target_users", Reason: "must list at least one user when comments are enabled"}
	}

	// ── Provider ─────────────────────────────────────────────────────────────
	if strings.TrimSpace(cfg.Provider.BaseURL) == "" {
		return &ValidationError{Field: "provider.base_url", Reason: "must not be empty"}
	}
	if strings.TrimSpace(cfg.Provider.Model) == "" {
		return &ValidationError{Field: "provider.model", Reason: "must not be empty"}
	}
	if cfg.Provider.MaxTokens < 1 {
		return &ValidationError{Field: "provider.max_tokens", Reason: "must be >= 1"}
	}

	// ── Feed ─────────────────────────────────────────────────────────────────
	if cfg.Posting.Enabled && strings.TrimSpace(cfg.Feed.BaseURL) == "" {
		return &ValidationError{Field: "feed.base_url", Reason: "must not be empty while posting is enabled"}
	}

	// ── Scheduler ────────────────────────────────────────────────────────────
	if cfg.Scheduler.TickInterval.Std() < time.Second {
		return &ValidationError{Field: "scheduler.tick_interval", Reason: "must be >= 1s"}
	}

	return nil
}

// ParseTimeOfDay parses a strict "HH:MM" local time-of-day string into
// minutes since midnight.
func ParseTimeOfDay(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	hour, err := strconv.Atoi(s[:2])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	minute, err := strconv.Atoi(s[3:])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return hour*60 + minute, nil
}
