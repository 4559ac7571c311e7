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

const youtubeAtom = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
 <title>Into The Cryptoverse</title>
 <entry>
  <id>yt:video:abc123</id>
  <yt:videoId>abc123</yt:videoId>
  <title>Bitcoin: The Weekly Close</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=abc123"/>
  <author><name>Into The Cryptoverse</name></author>
  <published>2026-10-18T15:00:00+00:00</published>
  <media:group>
   <media:title>Bitcoin: The Weekly Close</media:title>
   <media:description>Today we look at the weekly close.</media:description>
  </media:group>
 </entry>
 <entry>
  <id>yt:video:xyz999</id>
  <yt:videoId>xyz999</yt:videoId>
  <title>Older video</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=xyz999"/>
  <published>2026-10-11T15:00:00+00:00</published>
 </entry>
</feed>`

func rssFeed(items string) string {
	return `<?xml version="1.0"?><rss version="2.0"><channel><title>Mirror Channel</title>` + items + `</channel></rss>`
}

func feedServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestFeedReader(cfg FeedSettings) *FeedReader {
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 5
	}
	return NewFeedReader(cfg, http.DefaultClient, discardLogger())
}

func TestLatestYouTubeAtom(t *testing.T) {
	server := feedServer(t, http.StatusOK, youtubeAtom)

	item, err := newTestFeedReader(FeedSettings{URL: server.URL}).Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}

	if item.ID != "abc123" {
		t.Errorf("ID = %q, want abc123", item.ID)
	}
	if item.Title != "Bitcoin: The Weekly Close" {
		t.Errorf("Title = %q", item.Title)
	}
	if item.Link != "https://www.youtube.com/watch?v=abc123" {
		t.Errorf("Link = %q", item.Link)
	}
	if item.ChannelName != "Into The Cryptoverse" {
		t.Errorf("ChannelName = %q", item.ChannelName)
	}
	if !strings.Contains(item.Description, "weekly close") {
		t.Errorf("Description = %q, want the media description", item.Description)
	}
	if item.Published.IsZero() {
		t.Error("Published not parsed")
	}
}

func TestLatestItemID(t *testing.T) {
	tests := []struct {
		name string
		item string
		want string
	}{
		{
			name: "v query parameter",
			item: `<item><title>A</title><link>https://www.youtube.com/watch?v=rss111&amp;t=5</link><guid>ignored</guid></item>`,
			want: "rss111",
		},
		{
			name: "shorts path",
			item: `<item><title>B</title><link>https://www.youtube.com/shorts/short22</link></item>`,
			want: "short22",
		},
		{
			name: "guid fallback",
			item: `<item><title>C</title><link>https://www.youtube.com/channel/UC1</link><guid isPermaLink="false">yt:video:guid33</guid></item>`,
			want: "guid33",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := feedServer(t, http.StatusOK, rssFeed(tt.item))
			item, err := newTestFeedReader(FeedSettings{URL: server.URL}).Latest(context.Background())
			if err != nil {
				t.Fatalf("Latest() error = %v", err)
			}
			if item.ID != tt.want {
				t.Errorf("ID = %q, want %q", item.ID, tt.want)
			}
		})
	}
}

func TestLatestDescriptionMarkdown(t *testing.T) {
	items := `<item><title>Rich</title><link>https://www.youtube.com/watch?v=md1</link>` +
		`<description>&lt;p&gt;Hello &lt;b&gt;world&lt;/b&gt;&lt;/p&gt;</description></item>`

	server := feedServer(t, http.StatusOK, rssFeed(items))
	item, err := newTestFeedReader(FeedSettings{URL: server.URL}).Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if item.Description != "Hello **world**" {
		t.Errorf("Description = %q, want markdown", item.Description)
	}
	if item.ChannelName != "Mirror Channel" {
		t.Errorf("ChannelName = %q, want the channel title", item.ChannelName)
	}
}

func TestLatestPrefersDocumentPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.xml")
	if err := os.WriteFile(path, []byte(youtubeAtom), 0o644); err != nil {
		t.Fatal(err)
	}

	reader := newTestFeedReader(FeedSettings{Path: path, URL: "http://127.0.0.1:1/unreachable"})
	item, err := reader.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if item.ID != "abc123" {
		t.Errorf("ID = %q, want abc123", item.ID)
	}
}

func TestLatestFallsBackToMirror(t *testing.T) {
	primary := feedServer(t, http.StatusServiceUnavailable, "")
	broken := feedServer(t, http.StatusOK, "<html>not a feed</html>")
	mirror := feedServer(t, http.StatusOK, youtubeAtom)

	for i := 0; i < 5; i++ {
		reader := newTestFeedReader(FeedSettings{URL: primary.URL, Mirrors: []string{broken.URL, mirror.URL}})
		item, err := reader.Latest(context.Background())
		if err != nil {
			t.Fatalf("Latest() error = %v", err)
		}
		if item.ID != "abc123" {
			t.Errorf("ID = %q, want abc123", item.ID)
		}
	}
}

func TestEndpointsOrder(t *testing.T) {
	reader := newTestFeedReader(FeedSettings{URL: "https://primary", Mirrors: []string{"https://m1", "https://m2", "https://m3"}})

	seen := map[string]bool{}
	for i := 0; i < 30; i++ {
		endpoints := reader.endpoints()
		if len(endpoints) != 4 || endpoints[0] != "https://primary" {
			t.Fatalf("endpoints() = %v, want primary first", endpoints)
		}
		seen[endpoints[1]] = true
	}
	if len(seen) < 2 {
		t.Errorf("mirror order never changed: %v", seen)
	}
	if reader.cfg.Mirrors[0] != "https://m1" {
		t.Error("endpoints() shuffled the configured mirror list in place")
	}
}

func TestLatestErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"empty feed", http.StatusOK, rssFeed(""), ErrNoContent},
		{"unreachable", http.StatusInternalServerError, "", ErrSourceUnavailable},
		{"not a feed", http.StatusOK, "just some text", ErrMalformedResponse},
		{"entry without id", http.StatusOK, rssFeed(`<item><title>x</title></item>`), ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := feedServer(t, tt.status, tt.body)
			_, err := newTestFeedReader(FeedSettings{URL: server.URL}).Latest(context.Background())
			if !errors.Is(err, tt.target) {
				t.Errorf("Latest() error = %v, want %v", err, tt.target)
			}
		})
	}
}
