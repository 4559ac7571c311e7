package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// TranscriptStrategy is one independent way of obtaining captions for an
// item. Retrieve returns the raw caption payload; normalization happens in
// the fetcher so every strategy is treated the same.
type TranscriptStrategy interface {
	Name() string
	Retrieve(ctx context.Context, itemID string) (string, error)
}

// TranscriptFetcher tries strategies in a shuffled order until one yields a
// non-empty transcript
type TranscriptFetcher struct {
	strategies []TranscriptStrategy
	timeout    time.Duration
	limiter    *rate.Limiter
	rng        *rand.Rand
	logger     *slog.Logger
}

// NewTranscriptFetcher creates a fetcher over the given strategies
func NewTranscriptFetcher(strategies []TranscriptStrategy, timeout, minInterval time.Duration, logger *slog.Logger) *TranscriptFetcher {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &TranscriptFetcher{
		strategies: strategies,
		timeout:    timeout,
		limiter:    rate.NewLimiter(limit, 1),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
	}
}

// Fetch returns the first non-empty normalized transcript. ok is false only
// after every strategy has been attempted once and failed.
func (f *TranscriptFetcher) Fetch(ctx context.Context, itemID string) (string, bool) {
	order := f.shuffled()
	for i, strategy := range order {
		text, err := f.attempt(ctx, strategy, itemID)
		if err != nil {
			f.logger.Warn("transcript strategy failed",
				slog.String("strategy", strategy.Name()),
				slog.String("item_id", itemID),
				slog.Int("attempt", i+1),
				slog.Int("of", len(order)),
				slog.Any("error", err))
			continue
		}
		f.logger.Info("transcript fetched",
			slog.String("strategy", strategy.Name()),
			slog.String("item_id", itemID),
			slog.Int("chars", len(text)))
		return text, true
	}
	f.logger.Warn("all transcript strategies failed",
		slog.String("item_id", itemID),
		slog.Int("attempts", len(order)))
	return "", false
}

// shuffled returns a uniform random permutation of a copy of the strategy
// list. A source that failed on a previous run gets a fresh chance each run.
func (f *TranscriptFetcher) shuffled() []TranscriptStrategy {
	order := make([]TranscriptStrategy, len(f.strategies))
	copy(order, f.strategies)
	f.rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}

func (f *TranscriptFetcher) attempt(ctx context.Context, strategy TranscriptStrategy, itemID string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	payload, err := strategy.Retrieve(attemptCtx, itemID)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(NormalizeCaptions(payload))
	if text == "" {
		return "", fmt.Errorf("%s returned an empty transcript: %w", strategy.Name(), ErrNoContent)
	}
	return text, nil
}

// maxResponseBytes caps every response body read from a collaborator.
const maxResponseBytes = 8 << 20

// doRequest performs one HTTP exchange and returns the body of a 2xx
// response. Transport failures wrap ErrSourceUnavailable and non-2xx
// statuses come back as *HTTPError.
func doRequest(ctx context.Context, client *http.Client, method, target string, body io.Reader, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", target, err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, errors.Join(ErrSourceUnavailable, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", target, errors.Join(ErrSourceUnavailable, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, &HTTPError{StatusCode: resp.StatusCode, URL: target}
	}
	return data, nil
}
