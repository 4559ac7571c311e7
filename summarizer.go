package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LengthTarget bounds the length of one chunk summary, in words.
type LengthTarget struct {
	Max int
	Min int
}

// ChunkSummarizer summarizes a single chunk with no knowledge of the others.
type ChunkSummarizer interface {
	SummarizeChunk(ctx context.Context, chunk string, target LengthTarget) (string, error)
}

// Summarizer condenses a transcript chunk by chunk. It never fails: when no
// chunk can be summarized it returns the placeholder.
type Summarizer struct {
	backend     ChunkSummarizer
	maxInput    int
	chunkSize   int
	floor       int
	placeholder string
	timeout     time.Duration
	logger      *slog.Logger
}

func NewSummarizer(backend ChunkSummarizer, cfg SummarizerSettings, logger *slog.Logger) *Summarizer {
	return &Summarizer{
		backend:     backend,
		maxInput:    cfg.MaxInputChars,
		chunkSize:   cfg.ChunkChars,
		floor:       cfg.MinLengthFloor,
		placeholder: cfg.Placeholder,
		timeout:     seconds(cfg.TimeoutSeconds),
		logger:      logger,
	}
}

// Summarize truncates text to the input ceiling, summarizes each chunk and
// joins the successful summaries in chunk order.
func (s *Summarizer) Summarize(ctx context.Context, text string) string {
	chunks := splitChunks(truncateRunes(text, s.maxInput, ""), s.chunkSize)

	var parts []string
	for i, chunk := range chunks {
		target := lengthTarget(chunk, s.floor)
		summary, err := s.summarizeChunk(ctx, chunk, target)
		if err != nil {
			s.logger.Warn("chunk summary failed",
				slog.Int("chunk", i+1),
				slog.Int("of", len(chunks)),
				slog.Any("error", err))
			continue
		}
		s.logger.Debug("chunk summarized",
			slog.Int("chunk", i+1),
			slog.Int("max_length", target.Max),
			slog.Int("min_length", target.Min))
		parts = append(parts, summary)
	}

	if len(parts) == 0 {
		return s.placeholder
	}
	return strings.Join(parts, " ")
}

func (s *Summarizer) summarizeChunk(ctx context.Context, chunk string, target LengthTarget) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	summary, err := s.backend.SummarizeChunk(ctx, chunk, target)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("empty summary: %w", ErrMalformedResponse)
	}
	return summary, nil
}

// lengthTarget derives the summary bounds from the chunk's word count:
// max is a third of the words, min is half of max but never below floor.
// For chunks under 3*floor words min exceeds max.
func lengthTarget(chunk string, floor int) LengthTarget {
	maxLen := len(strings.Fields(chunk)) / 3
	return LengthTarget{Max: maxLen, Min: max(floor, maxLen/2)}
}

// splitChunks cuts text into consecutive pieces of size runes. The split is
// positional and ignores word boundaries.
func splitChunks(text string, size int) []string {
	if text == "" || size <= 0 {
		return nil
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// truncateRunes shortens s to at most n runes. When it cuts, the result ends
// with ellipsis, counted within n. n <= 0 means no limit.
func truncateRunes(s string, n int, ellipsis string) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	tail := []rune(ellipsis)
	if len(tail) >= n {
		return string(runes[:n])
	}
	return string(runes[:n-len(tail)]) + ellipsis
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfParameters struct {
	MaxLength int  `json:"max_length"`
	MinLength int  `json:"min_length"`
	DoSample  bool `json:"do_sample"`
}

type hfSummary struct {
	SummaryText string `json:"summary_text"`
}

type hfError struct {
	Error string `json:"error"`
}

// HuggingFaceSummarizer calls a hosted summarization model through the
// inference API.
type HuggingFaceSummarizer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHuggingFaceSummarizer(endpoint, apiKey string, client *http.Client) *HuggingFaceSummarizer {
	return &HuggingFaceSummarizer{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (h *HuggingFaceSummarizer) SummarizeChunk(ctx context.Context, chunk string, target LengthTarget) (string, error) {
	body, err := json.Marshal(hfRequest{
		Inputs: chunk,
		Parameters: hfParameters{
			// The service rejects max_length < min_length.
			MaxLength: max(target.Max, target.Min),
			MinLength: target.Min,
			DoSample:  false,
		},
	})
	if err != nil {
		return "", err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		header.Set("Authorization", "Bearer "+h.apiKey)
	}

	data, err := doRequest(ctx, h.client, http.MethodPost, h.endpoint, bytes.NewReader(body), header)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			var apiErr hfError
			if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
				httpErr.Message = apiErr.Error
			}
		}
		return "", fmt.Errorf("summarization request: %w", err)
	}

	var out []hfSummary
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding summary: %w", errors.Join(ErrMalformedResponse, err))
	}
	if len(out) == 0 || strings.TrimSpace(out[0].SummaryText) == "" {
		return "", fmt.Errorf("no summary_text in response: %w", ErrMalformedResponse)
	}
	return out[0].SummaryText, nil
}

// newChunkSummarizer selects the configured summarization backend.
func newChunkSummarizer(cfg SummarizerSettings, client *http.Client) (ChunkSummarizer, error) {
	switch cfg.Provider {
	case "huggingface":
		return NewHuggingFaceSummarizer(cfg.Endpoint, cfg.APIKey, client), nil
	case "anthropic":
		return NewAnthropicSummarizer(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Provider)
	}
}
