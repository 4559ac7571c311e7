package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf16"
	"unicode/utf8"
)

func TestRenderWithSummary(t *testing.T) {
	r, err := NewMessageRenderer("", telegramMaxMessage)
	if err != nil {
		t.Fatalf("NewMessageRenderer() error = %v", err)
	}

	msg, err := r.Render(MessageData{
		Headline:   "New video on Into The Cryptoverse!",
		Title:      "Bitcoin: The Weekly Close",
		Link:       "https://www.youtube.com/watch?v=abc123",
		Summary:    "Support held at the bull_market band.",
		HasSummary: true,
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	want := "🚀 *New video on Into The Cryptoverse!*\n\n" +
		"*Bitcoin: The Weekly Close*\n\n" +
		"📝 *AI Summary:*\nSupport held at the bull\\_market band.\n\n" +
		"🔗 [Watch Video](https://www.youtube.com/watch?v=abc123)"
	if msg.Text != want {
		t.Errorf("Render() text =\n%q\nwant\n%q", msg.Text, want)
	}
	if msg.Title != "Bitcoin: The Weekly Close" {
		t.Errorf("Render() title = %q", msg.Title)
	}
}

func TestRenderWithoutSummary(t *testing.T) {
	r, err := NewMessageRenderer("", telegramMaxMessage)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := r.Render(MessageData{Headline: "New!", Title: "*Breaking* news", Link: "https://youtu.be/abc123"})
	if err != nil {
		t.Fatal(err)
	}

	want := "🚀 *New!*\n\n*Breaking news*\n\n" +
		"📝 (AI summary could not be generated as no transcript was available.)\n\n" +
		"🔗 [Watch Video](https://youtu.be/abc123)"
	if msg.Text != want {
		t.Errorf("Render() text =\n%q\nwant\n%q", msg.Text, want)
	}
}

func TestRenderCustomTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.tmpl")
	if err := os.WriteFile(path, []byte("{{ .ChannelName }}: {{ .Title }} ({{ .Description }})"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := NewMessageRenderer(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := r.Render(MessageData{ChannelName: "ITC", Title: "T", Description: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "ITC: T (d)" {
		t.Errorf("Render() = %q", msg.Text)
	}

	if _, err := NewMessageRenderer(filepath.Join(t.TempDir(), "missing.tmpl"), 0); err == nil {
		t.Error("NewMessageRenderer() accepted a missing template")
	}
	bad := filepath.Join(t.TempDir(), "bad.tmpl")
	os.WriteFile(bad, []byte("{{ .Title "), 0o644)
	if _, err := NewMessageRenderer(bad, 0); err == nil {
		t.Error("NewMessageRenderer() accepted a broken template")
	}
}

func TestRenderShortensLongSummary(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		summary string
	}{
		{"telegram limit", telegramMaxMessage, strings.Repeat("bitcoin held the bull_market band ", 200)},
		{"wide characters", 500, strings.Repeat("🚀 moon ", 300)},
		{"small limit", 300, strings.Repeat("word ", 400)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewMessageRenderer("", tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			msg, err := r.Render(MessageData{
				Headline:   "New video on Into The Cryptoverse!",
				Title:      "Bitcoin: The Weekly Close",
				Link:       "https://www.youtube.com/watch?v=abc123",
				Summary:    tt.summary,
				HasSummary: true,
			})
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}

			if n := len(utf16.Encode([]rune(msg.Text))); n > tt.limit {
				t.Errorf("text is %d UTF-16 units, limit %d", n, tt.limit)
			}
			for _, want := range []string{"*Bitcoin: The Weekly Close*", "*AI Summary:*", "…\n\n🔗 [Watch Video](https://www.youtube.com/watch?v=abc123)"} {
				if !strings.Contains(msg.Text, want) {
					t.Errorf("text does not contain %q:\n%s", want, msg.Text)
				}
			}
			if !utf8.ValidString(msg.Text) {
				t.Error("text is not valid UTF-8")
			}
		})
	}
}

func TestRenderShortSummaryUntouched(t *testing.T) {
	r, err := NewMessageRenderer("", telegramMaxMessage)
	if err != nil {
		t.Fatal(err)
	}
	summary := strings.Repeat("a", 3000)
	msg, err := r.Render(MessageData{Headline: "New!", Title: "T", Link: "https://youtu.be/abc123", Summary: summary, HasSummary: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg.Text, summary+"\n") || strings.Contains(msg.Text, "…") {
		t.Errorf("summary under the limit was changed:\n%s", msg.Text)
	}
}

func TestRenderOverLimitWithoutSummary(t *testing.T) {
	r, err := NewMessageRenderer("", 50)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Render(MessageData{Headline: "New!", Title: strings.Repeat("very long title ", 10), Link: "https://youtu.be/abc123"})
	if err == nil || !strings.Contains(err.Error(), "limit 50") {
		t.Errorf("Render() error = %v, want limit error", err)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"snake_case", `snake\_case`},
		{"2*3", `2\*3`},
		{"[link]", `\[link]`},
		{"`code`", "\\`code\\`"},
	}
	for _, tt := range tests {
		if got := escapeMarkdown(tt.in); got != tt.want {
			t.Errorf("escapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTelegramNotifier(t *testing.T) {
	var got telegramRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer server.Close()

	n := NewTelegramNotifier(TelegramSettings{BaseURL: server.URL, Token: "TOKEN", ChatID: "-100123"}, server.Client())
	if err := n.Notify(context.Background(), Message{Text: "hello"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got.ChatID != "-100123" || got.Text != "hello" || got.ParseMode != "Markdown" {
		t.Errorf("request = %+v", got)
	}
}

func TestTelegramNotifierErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"bad request", http.StatusBadRequest, `{"ok":false,"description":"Bad Request: can't parse entities"}`, ErrSourceUnavailable},
		{"ok false", http.StatusOK, `{"ok":false,"description":"chat not found"}`, ErrSourceUnavailable},
		{"garbage", http.StatusOK, `<html>`, ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			n := NewTelegramNotifier(TelegramSettings{BaseURL: server.URL, Token: "SECRET", ChatID: "1"}, server.Client())
			err := n.Notify(context.Background(), Message{Text: "x"})
			if !errors.Is(err, tt.target) {
				t.Fatalf("Notify() error = %v, want %v", err, tt.target)
			}
			if strings.Contains(err.Error(), "SECRET") {
				t.Errorf("error %q leaks the bot token", err)
			}
		})
	}
}

func TestTelegramNotifierUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := server.URL
	server.Close()

	err := NewTelegramNotifier(TelegramSettings{BaseURL: base, Token: "SECRET", ChatID: "1"}, http.DefaultClient).
		Notify(context.Background(), Message{Text: "x"})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("Notify() error = %v, want ErrSourceUnavailable", err)
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Errorf("error %q leaks the bot token", err)
	}
}

func TestNtfyNotifier(t *testing.T) {
	var body, title, markdown string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		title = r.Header.Get("Title")
		markdown = r.Header.Get("Markdown")
	}))
	defer server.Close()

	n := NewNtfyNotifier(server.URL+"/feed-digest", server.Client())
	if err := n.Notify(context.Background(), Message{Title: "Video", Text: "summary text"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if body != "summary text" || title != "Video" || markdown != "yes" {
		t.Errorf("got body %q title %q markdown %q", body, title, markdown)
	}
}

func TestNewNotifier(t *testing.T) {
	var buf bytes.Buffer
	n, err := newNotifier(NotifierSettings{Provider: "stdout"}, http.DefaultClient, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), Message{Text: "printed"}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "printed\n" {
		t.Errorf("stdout notifier wrote %q", buf.String())
	}

	if _, err := newNotifier(NotifierSettings{Provider: "email"}, http.DefaultClient, &buf); err == nil {
		t.Error("newNotifier() accepted an unknown provider")
	}
}
