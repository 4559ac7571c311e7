package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/mmcdole/gofeed"
)

const maxDescriptionRunes = 280

// FeedReader loads the watched feed and reports its most recent entry.
type FeedReader struct {
	cfg       FeedSettings
	client    *http.Client
	parser    *gofeed.Parser
	converter *md.Converter
	rng       *rand.Rand
	logger    *slog.Logger
}

func NewFeedReader(cfg FeedSettings, client *http.Client, logger *slog.Logger) *FeedReader {
	return &FeedReader{
		cfg:       cfg,
		client:    client,
		parser:    gofeed.NewParser(),
		converter: md.NewConverter("", true, nil),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger,
	}
}

// Latest returns the first entry of the feed. A pre-fetched document wins
// over the network; otherwise the primary URL and then the mirrors (in
// random order) are tried until one yields at least one entry.
func (r *FeedReader) Latest(ctx context.Context) (*FeedItem, error) {
	if r.cfg.Path != "" {
		data, err := os.ReadFile(r.cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("reading feed document: %w", errors.Join(ErrSourceUnavailable, err))
		}
		return r.latestFrom(data)
	}

	var lastErr error
	for _, endpoint := range r.endpoints() {
		item, err := r.fetch(ctx, endpoint)
		if err == nil {
			return item, nil
		}
		r.logger.Warn("feed endpoint failed", slog.String("url", endpoint), slog.Any("error", err))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no feed endpoint configured: %w", ErrNoContent)
	}
	return nil, lastErr
}

func (r *FeedReader) endpoints() []string {
	var endpoints []string
	if r.cfg.URL != "" {
		endpoints = append(endpoints, r.cfg.URL)
	}
	mirrors := make([]string, len(r.cfg.Mirrors))
	copy(mirrors, r.cfg.Mirrors)
	r.rng.Shuffle(len(mirrors), func(i, j int) {
		mirrors[i], mirrors[j] = mirrors[j], mirrors[i]
	})
	return append(endpoints, mirrors...)
}

func (r *FeedReader) fetch(ctx context.Context, endpoint string) (*FeedItem, error) {
	ctx, cancel := context.WithTimeout(ctx, seconds(r.cfg.TimeoutSeconds))
	defer cancel()

	header := http.Header{}
	header.Set("Accept", "application/atom+xml, application/rss+xml, application/xml;q=0.9, */*;q=0.8")
	data, err := doRequest(ctx, r.client, http.MethodGet, endpoint, nil, header)
	if err != nil {
		return nil, err
	}
	return r.latestFrom(data)
}

func (r *FeedReader) latestFrom(data []byte) (*FeedItem, error) {
	feed, err := r.parser.ParseString(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", errors.Join(ErrMalformedResponse, err))
	}
	if len(feed.Items) == 0 {
		return nil, fmt.Errorf("feed %q has no entries: %w", feed.Title, ErrNoContent)
	}

	entry := feed.Items[0]
	id := itemID(entry)
	if id == "" {
		return nil, fmt.Errorf("latest entry %q has no id: %w", entry.Title, ErrMalformedResponse)
	}

	item := &FeedItem{
		ID:          id,
		Title:       strings.TrimSpace(entry.Title),
		Link:        entry.Link,
		Description: r.description(entry),
		ChannelName: channelName(feed, entry),
	}
	if entry.PublishedParsed != nil {
		item.Published = *entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		item.Published = *entry.UpdatedParsed
	}
	return item, nil
}

// itemID prefers the yt:videoId element, then the link, then the GUID.
func itemID(entry *gofeed.Item) string {
	if yt, ok := entry.Extensions["yt"]; ok {
		if ids := yt["videoId"]; len(ids) > 0 && strings.TrimSpace(ids[0].Value) != "" {
			return strings.TrimSpace(ids[0].Value)
		}
	}
	if entry.Link != "" {
		if id, err := extractVideoID(entry.Link); err == nil {
			return id
		}
	}
	guid := strings.TrimSpace(entry.GUID)
	if i := strings.LastIndexAny(guid, ":/"); i >= 0 {
		guid = guid[i+1:]
	}
	return guid
}

func (r *FeedReader) description(entry *gofeed.Item) string {
	raw := entry.Description
	if raw == "" {
		raw = mediaDescription(entry)
	}
	if raw == "" {
		return ""
	}
	text, err := r.converter.ConvertString(raw)
	if err != nil {
		text = raw
	}
	return truncateRunes(strings.TrimSpace(text), maxDescriptionRunes, "...")
}

// mediaDescription reads media:group/media:description, where YouTube
// Atom feeds keep the video description.
func mediaDescription(entry *gofeed.Item) string {
	media, ok := entry.Extensions["media"]
	if !ok {
		return ""
	}
	for _, group := range media["group"] {
		if d := group.Children["description"]; len(d) > 0 {
			return d[0].Value
		}
	}
	return ""
}

func channelName(feed *gofeed.Feed, entry *gofeed.Item) string {
	if len(entry.Authors) > 0 && entry.Authors[0] != nil && entry.Authors[0].Name != "" {
		return entry.Authors[0].Name
	}
	return strings.TrimSpace(feed.Title)
}
