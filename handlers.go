package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// CommandRunner executes an external program. Tests swap it for a stub
// that writes the files the real tool would.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func defaultCommandRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// YtDlpStrategy downloads subtitles with yt-dlp, optionally routed through
// a proxy front-end. Each attempt works in its own temp directory.
type YtDlpStrategy struct {
	binary    string
	proxy     string
	languages []string
	tempDir   string
	run       CommandRunner
}

// NewYtDlpStrategy creates a caption-extraction strategy. An empty binary
// means yt-dlp on PATH; an empty tempDir means the OS default.
func NewYtDlpStrategy(binary, proxy string, languages []string, tempDir string) *YtDlpStrategy {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YtDlpStrategy{
		binary:    binary,
		proxy:     proxy,
		languages: languages,
		tempDir:   tempDir,
		run:       defaultCommandRunner,
	}
}

// WithCommandRunner allows injecting a custom command runner for tests.
func (s *YtDlpStrategy) WithCommandRunner(r CommandRunner) {
	if r != nil {
		s.run = r
	}
}

func (s *YtDlpStrategy) Name() string {
	if s.proxy == "" {
		return "ytdlp"
	}
	if u, err := url.Parse(s.proxy); err == nil && u.Host != "" {
		return "ytdlp@" + u.Host
	}
	return "ytdlp@proxy"
}

func (s *YtDlpStrategy) Retrieve(ctx context.Context, itemID string) (string, error) {
	dir, err := os.MkdirTemp(s.tempDir, "feed-digest-subs-*")
	if err != nil {
		return "", fmt.Errorf("creating subtitle dir: %w", err)
	}
	defer os.RemoveAll(dir)

	args := []string{
		"--skip-download",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", strings.Join(s.languages, ","),
		"--sub-format", "vtt",
		"--no-progress",
		"-o", filepath.Join(dir, itemID),
	}
	if s.proxy != "" {
		args = append(args, "--proxy", s.proxy)
	}
	args = append(args, watchURL(itemID))

	if err := s.run(ctx, s.binary, args...); err != nil {
		return "", fmt.Errorf("running %s: %w", s.binary, errors.Join(ErrSourceUnavailable, err))
	}

	path, err := s.pickSubtitleFile(dir)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading subtitles: %w", err)
	}
	return string(data), nil
}

// pickSubtitleFile returns the downloaded .vtt in the most preferred
// language, or the first one found.
func (s *YtDlpStrategy) pickSubtitleFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.vtt"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("yt-dlp wrote no subtitle file: %w", ErrNoContent)
	}
	sort.Strings(matches)
	for _, lang := range s.languages {
		for _, m := range matches {
			if strings.HasSuffix(m, "."+lang+".vtt") {
				return m, nil
			}
		}
	}
	return matches[0], nil
}

type invidiousCaptions struct {
	Captions []struct {
		Label        string `json:"label"`
		LanguageCode string `json:"languageCode"`
		URL          string `json:"url"`
	} `json:"captions"`
}

// InvidiousStrategy reads captions through an Invidious instance.
type InvidiousStrategy struct {
	endpoint  string
	languages []string
	client    *http.Client
}

func NewInvidiousStrategy(endpoint string, languages []string, client *http.Client) *InvidiousStrategy {
	return &InvidiousStrategy{
		endpoint:  strings.TrimRight(endpoint, "/"),
		languages: languages,
		client:    client,
	}
}

func (s *InvidiousStrategy) Name() string {
	if u, err := url.Parse(s.endpoint); err == nil && u.Host != "" {
		return "invidious@" + u.Host
	}
	return "invidious"
}

func (s *InvidiousStrategy) Retrieve(ctx context.Context, itemID string) (string, error) {
	data, err := doRequest(ctx, s.client, http.MethodGet, s.endpoint+"/api/v1/captions/"+url.PathEscape(itemID), nil, nil)
	if err != nil {
		return "", fmt.Errorf("listing captions: %w", err)
	}

	var listing invidiousCaptions
	if err := json.Unmarshal(data, &listing); err != nil {
		return "", fmt.Errorf("decoding caption list: %w", errors.Join(ErrMalformedResponse, err))
	}

	tracks := make([]captionTrack, 0, len(listing.Captions))
	for _, c := range listing.Captions {
		track := captionTrack{URL: c.URL, LanguageCode: c.LanguageCode}
		if strings.Contains(strings.ToLower(c.Label), "auto-generated") {
			track.Kind = "asr"
		}
		tracks = append(tracks, track)
	}
	track, ok := pickCaptionTrack(tracks, s.languages)
	if !ok {
		return "", fmt.Errorf("no caption track for %v: %w", s.languages, ErrNoContent)
	}

	target := track.URL
	if strings.HasPrefix(target, "/") {
		target = s.endpoint + target
	}
	payload, err := doRequest(ctx, s.client, http.MethodGet, target, nil, nil)
	if err != nil {
		return "", fmt.Errorf("downloading caption track: %w", err)
	}
	return string(payload), nil
}

// buildStrategies turns the configured strategy list into strategies.
func buildStrategies(cfg TranscriptSettings, client *http.Client) ([]TranscriptStrategy, error) {
	strategies := make([]TranscriptStrategy, 0, len(cfg.Strategies))
	for i, st := range cfg.Strategies {
		switch st.Type {
		case "innertube":
			strategies = append(strategies, NewInnertubeStrategy(st.Endpoint, cfg.Languages, client))
		case "invidious":
			strategies = append(strategies, NewInvidiousStrategy(st.Endpoint, cfg.Languages, client))
		case "ytdlp":
			strategies = append(strategies, NewYtDlpStrategy(st.Binary, st.Proxy, cfg.Languages, cfg.TempDir))
		case "transcript_api":
			strategies = append(strategies, NewTranscriptAPIStrategy(st.Endpoint, st.APIKey, client))
		default:
			return nil, fmt.Errorf("transcript.strategies[%d]: unknown type %q", i, st.Type)
		}
	}
	return strategies, nil
}
