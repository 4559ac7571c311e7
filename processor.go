// processor.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

type itemSource interface {
	Latest(ctx context.Context) (*FeedItem, error)
}

type transcriptSource interface {
	Fetch(ctx context.Context, itemID string) (string, bool)
}

type textSummarizer interface {
	Summarize(ctx context.Context, text string) string
}

// Pipeline runs one detection pass: read cursor, fetch feed, and for a new
// item fetch its transcript, summarize, notify and move the cursor.
type Pipeline struct {
	cursor          CursorStore
	feed            itemSource
	transcripts     transcriptSource
	summarizer      textSummarizer
	renderer        *MessageRenderer
	notifier        Notifier
	headline        string
	minChars        int
	notifyTimeout   time.Duration
	requireDelivery bool
	logger          *slog.Logger
}

// NewPipeline wires the collaborators of a run.
func NewPipeline(settings *Settings, cursor CursorStore, feed itemSource, transcripts transcriptSource,
	summarizer textSummarizer, renderer *MessageRenderer, notifier Notifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cursor:          cursor,
		feed:            feed,
		transcripts:     transcripts,
		summarizer:      summarizer,
		renderer:        renderer,
		notifier:        notifier,
		headline:        settings.Notifier.Headline,
		minChars:        settings.Transcript.MinChars,
		notifyTimeout:   seconds(settings.Notifier.TimeoutSeconds),
		requireDelivery: settings.Notifier.RequireDelivery,
		logger:          logger,
	}
}

// Run executes one pass. Only cursor I/O errors are returned; an empty or
// unreachable feed, a missing transcript and a failed summary all end the
// run normally.
func (p *Pipeline) Run(ctx context.Context) (RunResult, error) {
	var result RunResult
	result.advance(StateIdle)

	lastID, hasCursor, err := p.cursor.Get(ctx)
	if err != nil {
		return result, fmt.Errorf("reading cursor: %w", err)
	}

	item, err := p.feed.Latest(ctx)
	if err != nil {
		p.logger.Warn("feed unavailable, nothing to do", slog.Any("error", err))
		result.advance(StateNoNewItem)
		return result, nil
	}
	result.advance(StateFeedFetched)
	result.Item = item

	p.logger.Info("latest item in feed",
		slog.String("item_id", item.ID),
		slog.String("title", item.Title),
		slog.String("last_processed", lastID))

	if hasCursor && item.ID == lastID {
		p.logger.Info("no new item")
		result.advance(StateNoNewItem)
		return result, nil
	}
	result.advance(StateItemDetected)

	data := MessageData{
		Headline:    p.headline,
		Title:       item.Title,
		Link:        item.Link,
		Description: item.Description,
		ChannelName: item.ChannelName,
	}

	transcript, found := p.transcripts.Fetch(ctx, item.ID)
	transcript = strings.TrimSpace(transcript)
	if found && utf8.RuneCountInString(transcript) > p.minChars {
		result.advance(StateTranscriptOK)
		result.Summary = p.summarizer.Summarize(ctx, transcript)
		data.Summary = result.Summary
		data.HasSummary = true
	} else {
		p.logger.Warn("no usable transcript, sending notification without summary",
			slog.String("item_id", item.ID),
			slog.Int("chars", utf8.RuneCountInString(transcript)))
		result.advance(StateTranscriptAbsent)
		result.Degraded = true
	}

	if err := p.notify(ctx, data); err != nil {
		p.logger.Error("notification failed", slog.String("item_id", item.ID), slog.Any("error", err))
		result.advance(StateNotifyFailed)
		if p.requireDelivery {
			p.logger.Warn("cursor left unchanged, item will be retried next run", slog.String("item_id", item.ID))
			return result, nil
		}
	} else {
		result.Delivered = true
		result.advance(StateNotified)
	}

	if err := p.cursor.Set(ctx, item.ID); err != nil {
		return result, fmt.Errorf("writing cursor: %w", err)
	}
	result.advance(StateCursorUpdated)
	p.logger.Info("cursor updated", slog.String("item_id", item.ID), slog.Bool("degraded", result.Degraded))
	return result, nil
}

func (p *Pipeline) notify(ctx context.Context, data MessageData) error {
	msg, err := p.renderer.Render(data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.notifyTimeout)
	defer cancel()
	return p.notifier.Notify(ctx, msg)
}
