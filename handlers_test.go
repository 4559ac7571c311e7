package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleVTT = "WEBVTT\nKind: captions\nLanguage: en\n\n00:00:00.000 --> 00:00:02.000\nwelcome back\n"

// stubRunner records the last invocation and writes the files the real
// yt-dlp would leave next to the -o template.
type stubRunner struct {
	files map[string]string
	err   error
	args  []string
	dir   string
}

func (s *stubRunner) Runner(ctx context.Context, name string, args ...string) error {
	s.args = args
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			s.dir = filepath.Dir(args[i+1])
			for suffix, content := range s.files {
				if err := os.WriteFile(args[i+1]+suffix, []byte(content), 0o644); err != nil {
					return err
				}
			}
		}
	}
	return s.err
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	return entries
}

func TestYtDlpStrategyRetrieve(t *testing.T) {
	tmp := t.TempDir()
	runner := &stubRunner{files: map[string]string{
		".de.vtt": "WEBVTT\n\n00:00.000 --> 00:01.000\nhallo\n",
		".es.vtt": "WEBVTT\n\n00:00.000 --> 00:01.000\nhola\n",
		".en.vtt": sampleVTT,
	}}
	strategy := NewYtDlpStrategy("", "socks5://127.0.0.1:9050", []string{"en", "es"}, tmp)
	strategy.WithCommandRunner(runner.Runner)

	got, err := strategy.Retrieve(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if got != sampleVTT {
		t.Errorf("Retrieve() = %q, want the english track", got)
	}

	joined := strings.Join(runner.args, " ")
	for _, want := range []string{"--skip-download", "--write-auto-subs", "--sub-langs en,es", "--sub-format vtt", "--proxy socks5://127.0.0.1:9050", "https://www.youtube.com/watch?v=abc123"} {
		if !strings.Contains(joined, want) {
			t.Errorf("yt-dlp args %q missing %q", joined, want)
		}
	}
	if entries := dirEntries(t, tmp); len(entries) != 0 {
		t.Errorf("temp dir not cleaned up, found %d entries", len(entries))
	}
}

func TestYtDlpStrategyCleansUpOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		runner *stubRunner
		target error
	}{
		{"tool failure", &stubRunner{files: map[string]string{".en.vtt": sampleVTT}, err: errors.New("exit status 1")}, ErrSourceUnavailable},
		{"no subtitle written", &stubRunner{files: map[string]string{".info.json": "{}"}}, ErrNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			strategy := NewYtDlpStrategy("yt-dlp", "", []string{"en"}, tmp)
			strategy.WithCommandRunner(tt.runner.Runner)

			_, err := strategy.Retrieve(context.Background(), "abc123")
			if !errors.Is(err, tt.target) {
				t.Fatalf("Retrieve() error = %v, want %v", err, tt.target)
			}
			if _, statErr := os.Stat(tt.runner.dir); !os.IsNotExist(statErr) {
				t.Errorf("attempt dir %s still exists", tt.runner.dir)
			}
			if entries := dirEntries(t, tmp); len(entries) != 0 {
				t.Errorf("temp dir not cleaned up, found %d entries", len(entries))
			}
		})
	}
}

func TestYtDlpStrategyName(t *testing.T) {
	tests := []struct {
		proxy string
		want  string
	}{
		{"", "ytdlp"},
		{"http://proxy.example:3128", "ytdlp@proxy.example:3128"},
	}
	for _, tt := range tests {
		if got := NewYtDlpStrategy("", tt.proxy, nil, "").Name(); got != tt.want {
			t.Errorf("Name() with proxy %q = %q, want %q", tt.proxy, got, tt.want)
		}
	}
}

func TestInvidiousStrategyRetrieve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/captions/abc123" && r.URL.Query().Get("label") == "":
			w.Write([]byte(`{"captions":[
				{"label":"English (auto-generated)","languageCode":"en","url":"/api/v1/captions/abc123?label=English+%28auto-generated%29"},
				{"label":"English","languageCode":"en","url":"/api/v1/captions/abc123?label=English"}
			]}`))
		case r.URL.Query().Get("label") == "English":
			w.Write([]byte(sampleVTT))
		default:
			t.Errorf("unexpected request %s", r.URL)
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	strategy := NewInvidiousStrategy(server.URL+"/", []string{"en"}, server.Client())
	got, err := strategy.Retrieve(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if got != sampleVTT {
		t.Errorf("Retrieve() = %q, want the manual english track", got)
	}
}

func TestInvidiousStrategyFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"instance down", http.StatusBadGateway, "", ErrSourceUnavailable},
		{"not json", http.StatusOK, "<html>blocked</html>", ErrMalformedResponse},
		{"no matching language", http.StatusOK, `{"captions":[{"label":"Deutsch","languageCode":"de","url":"/x"}]}`, ErrNoContent},
		{"no captions", http.StatusOK, `{"captions":[]}`, ErrNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewInvidiousStrategy(server.URL, []string{"en", "es"}, server.Client()).Retrieve(context.Background(), "abc123")
			if !errors.Is(err, tt.target) {
				t.Errorf("Retrieve() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestBuildStrategies(t *testing.T) {
	cfg := TranscriptSettings{
		Languages: []string{"en"},
		Strategies: []StrategySettings{
			{Type: "innertube"},
			{Type: "ytdlp", Proxy: "http://p1:8080"},
			{Type: "invidious", Endpoint: "https://yewtu.be"},
			{Type: "transcript_api", Endpoint: "https://transcripts.example/api", APIKey: "k"},
		},
	}

	strategies, err := buildStrategies(cfg, http.DefaultClient)
	if err != nil {
		t.Fatalf("buildStrategies() error = %v", err)
	}

	var names []string
	for _, s := range strategies {
		names = append(names, s.Name())
	}
	want := "innertube ytdlp@p1:8080 invidious@yewtu.be transcript_api"
	if got := strings.Join(names, " "); got != want {
		t.Errorf("strategy names = %q, want %q", got, want)
	}

	cfg.Strategies = append(cfg.Strategies, StrategySettings{Type: "scraper"})
	if _, err := buildStrategies(cfg, http.DefaultClient); err == nil {
		t.Error("buildStrategies() accepted an unknown strategy type")
	}
}
