package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

const summarySystemPrompt = `You summarize video transcripts for a chat notification.
Write plain prose with no headings, lists or Markdown.
Use between {{.min_words}} and {{.max_words}} words.
The text is one part of a longer transcript; summarize only what it says.`

// promptFunc sends one prompt and returns the text of the first content
// block.
type promptFunc func(systemPrompt, userPrompt string, settings types.RequestSettings) (string, error)

// AnthropicSummarizer summarizes chunks with a Claude model through llmkit.
type AnthropicSummarizer struct {
	model  string
	prompt promptFunc
}

// NewAnthropicSummarizer creates the Claude backend. The api key is required.
func NewAnthropicSummarizer(apiKey, model string) (*AnthropicSummarizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic summarizer requires ANTHROPIC_API_KEY")
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicSummarizer{
		model: model,
		prompt: func(systemPrompt, userPrompt string, settings types.RequestSettings) (string, error) {
			response, err := anthropic.PromptWithSettings(systemPrompt, userPrompt, "", apiKey, settings)
			if err != nil {
				return "", err
			}
			if len(response.Content) == 0 {
				return "", fmt.Errorf("no content in response: %w", ErrMalformedResponse)
			}
			return response.Content[0].Text, nil
		},
	}, nil
}

func (a *AnthropicSummarizer) SummarizeChunk(ctx context.Context, chunk string, target LengthTarget) (string, error) {
	systemPrompt, err := renderSummaryPrompt(summarySystemPrompt, target)
	if err != nil {
		return "", err
	}

	settings := types.RequestSettings{
		Model:       a.model,
		MaxTokens:   maxTokensFor(target),
		Temperature: 0,
	}

	// llmkit calls are not cancellable, so the deadline is enforced here.
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := a.prompt(systemPrompt, chunk, settings)
		done <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("anthropic summary: %w", errors.Join(ErrSourceUnavailable, ctx.Err()))
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, ErrMalformedResponse) {
				return "", r.err
			}
			return "", fmt.Errorf("anthropic summary: %w", errors.Join(ErrSourceUnavailable, r.err))
		}
		return r.text, nil
	}
}

// renderSummaryPrompt fills the word bounds into the system prompt.
func renderSummaryPrompt(template string, target LengthTarget) (string, error) {
	for _, variable := range []string{"{{.min_words}}", "{{.max_words}}"} {
		if !strings.Contains(template, variable) {
			return "", fmt.Errorf("summary system prompt must contain %s variable", variable)
		}
	}
	upper := max(target.Max, target.Min)
	prompt := strings.ReplaceAll(template, "{{.min_words}}", strconv.Itoa(target.Min))
	return strings.ReplaceAll(prompt, "{{.max_words}}", strconv.Itoa(upper)), nil
}

// maxTokensFor leaves room for roughly two tokens per target word.
func maxTokensFor(target LengthTarget) int {
	return max(256, 2*max(target.Max, target.Min))
}
