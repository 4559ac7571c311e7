package main

import (
	"errors"
	"fmt"
	"time"
)

// FeedItem is the most recent entry of the watched feed
type FeedItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description,omitempty"`
	ChannelName string    `json:"channel_name,omitempty"`
	Published   time.Time `json:"published,omitempty"`
}

// Error classes shared by every external collaborator. Wrapped errors are
// classified with errors.Is.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrNoContent         = errors.New("no content")
	ErrMalformedResponse = errors.New("malformed response")
)

// HTTPError represents an HTTP error with status code
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d for %s: %s", e.StatusCode, e.URL, e.Message)
	}
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// Unwrap lets callers test HTTP failures against ErrSourceUnavailable.
func (e *HTTPError) Unwrap() error {
	return ErrSourceUnavailable
}

// RunState is a step of a single pipeline run
type RunState string

const (
	StateIdle             RunState = "idle"
	StateFeedFetched      RunState = "feed_fetched"
	StateNoNewItem        RunState = "no_new_item"
	StateItemDetected     RunState = "item_detected"
	StateTranscriptOK     RunState = "transcript_ok"
	StateTranscriptAbsent RunState = "transcript_absent"
	StateNotified         RunState = "notified"
	StateNotifyFailed     RunState = "notify_failed"
	StateCursorUpdated    RunState = "cursor_updated"
)

// RunResult describes the outcome of one pipeline run
type RunResult struct {
	State     RunState
	Trace     []RunState
	Item      *FeedItem
	Summary   string
	Degraded  bool
	Delivered bool
}

func (r *RunResult) advance(state RunState) {
	r.State = state
	r.Trace = append(r.Trace, state)
}
