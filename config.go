package main

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const appName = "feed-digest"

//go:embed config/settings.yaml
var defaultSettings string

//go:embed config/notification.tmpl
var defaultNotificationTemplate string

// FeedSettings configures where the feed document comes from.
type FeedSettings struct {
	URL            string   `yaml:"url"`
	Mirrors        []string `yaml:"mirrors"`
	Path           string   `yaml:"path"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// StrategySettings describes one transcript retrieval strategy.
type StrategySettings struct {
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	Binary   string `yaml:"binary"`
	Proxy    string `yaml:"proxy"`
	APIKey   string `yaml:"api_key"`
}

// TranscriptSettings configures the transcript fetcher.
type TranscriptSettings struct {
	Languages          []string           `yaml:"languages"`
	MinChars           int                `yaml:"min_chars"`
	TimeoutSeconds     int                `yaml:"timeout_seconds"`
	MinIntervalSeconds int                `yaml:"min_interval_seconds"`
	TempDir            string             `yaml:"temp_dir"`
	Strategies         []StrategySettings `yaml:"strategies"`
}

// SummarizerSettings configures chunked summarization.
type SummarizerSettings struct {
	Provider       string `yaml:"provider"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	MaxInputChars  int    `yaml:"max_input_chars"`
	ChunkChars     int    `yaml:"chunk_chars"`
	MinLengthFloor int    `yaml:"min_length_floor"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Placeholder    string `yaml:"placeholder"`
}

// TelegramSettings holds Telegram bot credentials.
type TelegramSettings struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

// NtfySettings holds the ntfy topic URL.
type NtfySettings struct {
	Topic string `yaml:"topic"`
}

// NotifierSettings configures message rendering and delivery.
type NotifierSettings struct {
	Provider        string           `yaml:"provider"`
	TimeoutSeconds  int              `yaml:"timeout_seconds"`
	MaxMessageChars int              `yaml:"max_message_chars"`
	TemplatePath    string           `yaml:"template_path"`
	RequireDelivery bool             `yaml:"require_delivery"`
	Headline        string           `yaml:"headline"`
	Telegram        TelegramSettings `yaml:"telegram"`
	Ntfy            NtfySettings     `yaml:"ntfy"`
}

// CursorSettings selects the cursor storage backend.
type CursorSettings struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	Key     string `yaml:"key"`
}

// LoggingSettings configures the slog handler.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Settings represents the YAML configuration structure
type Settings struct {
	Feed       FeedSettings       `yaml:"feed"`
	Transcript TranscriptSettings `yaml:"transcript"`
	Summarizer SummarizerSettings `yaml:"summarizer"`
	Notifier   NotifierSettings   `yaml:"notifier"`
	Cursor     CursorSettings     `yaml:"cursor"`
	Logging    LoggingSettings    `yaml:"logging"`
}

// LoadSettings reads settings from path, or from the first default location
// that exists. Missing files fall back to the embedded defaults. Environment
// variables are applied last. Callers validate the sections they need.
func LoadSettings(path string) (*Settings, string, error) {
	settings, err := parseSettings([]byte(defaultSettings))
	if err != nil {
		return nil, "", fmt.Errorf("parsing embedded settings: %w", err)
	}

	resolved := resolveSettingsPath(path)
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, settings); err != nil {
				return nil, "", fmt.Errorf("parsing settings %s: %w", resolved, err)
			}
		case errors.Is(err, os.ErrNotExist) && path == "":
			resolved = ""
		default:
			return nil, "", fmt.Errorf("reading settings %s: %w", resolved, err)
		}
	}

	settings.applyEnv(os.LookupEnv)
	settings.applyDefaults()
	return settings, resolved, nil
}

func parseSettings(data []byte) (*Settings, error) {
	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func resolveSettingsPath(path string) string {
	if path != "" {
		return path
	}
	candidates := []string{
		filepath.Join(xdg.ConfigHome, appName, "settings.yaml"),
		filepath.Join("."+appName, "settings.yaml"),
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// applyEnv layers deployment secrets over the file values.
func (s *Settings) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("RSS_URL", &s.Feed.URL)
	set("TELEGRAM_TOKEN", &s.Notifier.Telegram.Token)
	set("TELEGRAM_CHAT_ID", &s.Notifier.Telegram.ChatID)
	set("NTFY_TOPIC", &s.Notifier.Ntfy.Topic)
	set("FEED_DIGEST_DATABASE_URL", &s.Cursor.DSN)

	switch s.Summarizer.Provider {
	case "anthropic":
		set("ANTHROPIC_API_KEY", &s.Summarizer.APIKey)
	default:
		set("HUGGINGFACE_API_KEY", &s.Summarizer.APIKey)
	}
}

func (s *Settings) applyDefaults() {
	if s.Cursor.Path == "" {
		s.Cursor.Path = defaultCursorPath(s.Cursor.Backend)
	}
	if s.Cursor.Key == "" {
		s.Cursor.Key = "last_video_id"
	}
	if len(s.Transcript.Languages) == 0 {
		s.Transcript.Languages = []string{"en"}
	}
	if s.Summarizer.Placeholder == "" {
		s.Summarizer.Placeholder = "(AI summary could not be generated.)"
	}
	if s.Logging.Format == "" {
		s.Logging.Format = "auto"
	}
}

func defaultCursorPath(backend string) string {
	if backend == "sqlite" {
		return filepath.Join(xdg.StateHome, appName, "cursor.db")
	}
	return filepath.Join(xdg.StateHome, appName, "last_video_id.txt")
}

// LockPath returns the single-instance lock file location.
func LockPath() string {
	return filepath.Join(xdg.StateHome, appName, "run.lock")
}

// Validate ensures the configuration is usable.
func (s *Settings) Validate() error {
	if s.Feed.URL == "" && s.Feed.Path == "" && len(s.Feed.Mirrors) == 0 {
		return errors.New("feed.url is required: set RSS_URL, feed.url, feed.mirrors or feed.path")
	}
	for _, raw := range append([]string{s.Feed.URL}, s.Feed.Mirrors...) {
		if raw == "" {
			continue
		}
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("feed: %w", err)
		}
	}

	if err := ensurePositive(map[string]int{
		"feed.timeout_seconds":        s.Feed.TimeoutSeconds,
		"transcript.timeout_seconds":  s.Transcript.TimeoutSeconds,
		"summarizer.timeout_seconds":  s.Summarizer.TimeoutSeconds,
		"summarizer.chunk_chars":      s.Summarizer.ChunkChars,
		"summarizer.max_input_chars":  s.Summarizer.MaxInputChars,
		"summarizer.min_length_floor": s.Summarizer.MinLengthFloor,
		"notifier.timeout_seconds":    s.Notifier.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if s.Transcript.MinIntervalSeconds < 0 {
		return errors.New("transcript.min_interval_seconds must not be negative")
	}

	if len(s.Transcript.Strategies) == 0 {
		return errors.New("transcript.strategies must list at least one strategy")
	}
	for i, st := range s.Transcript.Strategies {
		switch st.Type {
		case "innertube", "ytdlp":
		case "invidious", "transcript_api":
			if st.Endpoint == "" {
				return fmt.Errorf("transcript.strategies[%d]: %s requires endpoint", i, st.Type)
			}
		default:
			return fmt.Errorf("transcript.strategies[%d]: unknown type %q (valid: innertube, ytdlp, invidious, transcript_api)", i, st.Type)
		}
	}

	switch s.Summarizer.Provider {
	case "huggingface":
		if s.Summarizer.Endpoint == "" {
			return errors.New("summarizer.endpoint must be set for the huggingface provider")
		}
	case "anthropic":
	default:
		return fmt.Errorf("unknown summarizer provider %q (valid: huggingface, anthropic)", s.Summarizer.Provider)
	}

	if s.Notifier.MaxMessageChars < 0 {
		return errors.New("notifier.max_message_chars must not be negative")
	}
	switch s.Notifier.Provider {
	case "telegram":
		if s.Notifier.Telegram.Token == "" || s.Notifier.Telegram.ChatID == "" {
			return errors.New("notifier.telegram requires TELEGRAM_TOKEN and TELEGRAM_CHAT_ID")
		}
		if s.Notifier.MaxMessageChars == 0 || s.Notifier.MaxMessageChars > telegramMaxMessage {
			return fmt.Errorf("notifier.max_message_chars must be between 1 and %d for telegram", telegramMaxMessage)
		}
	case "ntfy":
		if s.Notifier.Ntfy.Topic == "" {
			return errors.New("notifier.ntfy.topic must be set (or NTFY_TOPIC)")
		}
	case "stdout":
	default:
		return fmt.Errorf("unknown notifier provider %q (valid: telegram, ntfy, stdout)", s.Notifier.Provider)
	}

	return s.ValidateCursor()
}

// ValidateCursor checks only the cursor section, for commands that never
// touch the feed or the notifier.
func (s *Settings) ValidateCursor() error {
	switch s.Cursor.Backend {
	case "file", "sqlite":
		if s.Cursor.Path == "" {
			return fmt.Errorf("cursor.path must be set for the %s backend", s.Cursor.Backend)
		}
	case "postgres":
		if s.Cursor.DSN == "" {
			return errors.New("cursor.dsn must be set for the postgres backend (or FEED_DIGEST_DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unknown cursor backend %q (valid: file, sqlite, postgres)", s.Cursor.Backend)
	}
	return nil
}

func ensurePositive(values map[string]int) error {
	for name, v := range values {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
