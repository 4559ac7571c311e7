package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

// telegramMaxMessage is the sendMessage text limit, in UTF-16 code units.
const telegramMaxMessage = 4096

const summaryEllipsis = "…"

// Message is one rendered notification.
type Message struct {
	Title string
	Text  string
}

// Notifier delivers a message. Failures are returned, never retried.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// MessageData is the value the notification template is executed with.
type MessageData struct {
	Headline    string
	Title       string
	Link        string
	Summary     string
	HasSummary  bool
	Description string
	ChannelName string
}

var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"`", "\\`",
	"[", `\[`,
)

// escapeMarkdown escapes the characters Telegram's legacy Markdown treats
// as entity delimiters. Only valid outside an entity.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// boldMarkdown wraps s in a bold entity. Escapes are not honoured inside
// entities, so a closing delimiter in s is dropped instead.
func boldMarkdown(s string) string {
	return "*" + strings.ReplaceAll(s, "*", "") + "*"
}

// MessageRenderer renders notifications from a text/template. Messages
// longer than limit get their summary shortened to fit.
type MessageRenderer struct {
	tmpl  *template.Template
	limit int
}

// NewMessageRenderer loads the template at path, or the embedded default
// when path is empty. limit is counted in UTF-16 code units; 0 disables it.
func NewMessageRenderer(path string, limit int) (*MessageRenderer, error) {
	source := defaultNotificationTemplate
	name := "notification.tmpl"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading notification template: %w", err)
		}
		source = string(data)
		name = path
	}

	tmpl, err := template.New(name).
		Funcs(template.FuncMap{"markdown": escapeMarkdown, "bold": boldMarkdown}).
		Option("missingkey=error").
		Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parsing notification template: %w", err)
	}
	return &MessageRenderer{tmpl: tmpl, limit: limit}, nil
}

// Render executes the template. While the text is over the limit the summary
// is cut by the overflow and ends with an ellipsis.
func (r *MessageRenderer) Render(data MessageData) (Message, error) {
	msg, err := r.execute(data)
	if err != nil || r.limit <= 0 {
		return msg, err
	}

	for length := messageLength(msg.Text); length > r.limit; length = messageLength(msg.Text) {
		summary := strings.TrimSuffix(data.Summary, summaryEllipsis)
		keep := utf8.RuneCountInString(summary) - (length - r.limit)
		if !data.HasSummary || keep <= 0 {
			return msg, fmt.Errorf("notification is %d characters, limit %d", length, r.limit)
		}
		data.Summary = strings.TrimRightFunc(truncateRunes(summary, keep, ""), unicode.IsSpace) + summaryEllipsis
		if msg, err = r.execute(data); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

func (r *MessageRenderer) execute(data MessageData) (Message, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("rendering notification: %w", err)
	}
	return Message{Title: data.Title, Text: strings.TrimSpace(buf.String())}, nil
}

// messageLength counts UTF-16 code units, the unit Telegram measures in.
func messageLength(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TelegramNotifier posts messages through the Bot API.
type TelegramNotifier struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramNotifier(cfg TelegramSettings, client *http.Client) *TelegramNotifier {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		client:  client,
	}
}

func (n *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(telegramRequest{
		ChatID:    n.chatID,
		Text:      msg.Text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	endpoint := n.baseURL + "/bot" + n.token + "/sendMessage"

	data, err := doRequest(ctx, n.client, http.MethodPost, endpoint, bytes.NewReader(body), header)
	var reply telegramResponse
	decodeErr := json.Unmarshal(data, &reply)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			// Keep the bot token out of logs.
			httpErr.URL = n.baseURL + "/bot***/sendMessage"
			if decodeErr == nil {
				httpErr.Message = reply.Description
			}
			return fmt.Errorf("telegram sendMessage: %w", httpErr)
		}
		// Transport errors embed the request URL and with it the token.
		return fmt.Errorf("telegram sendMessage: %w", ErrSourceUnavailable)
	}
	if decodeErr != nil {
		return fmt.Errorf("decoding telegram reply: %w", errors.Join(ErrMalformedResponse, decodeErr))
	}
	if !reply.OK {
		return fmt.Errorf("telegram rejected message: %s: %w", reply.Description, ErrSourceUnavailable)
	}
	return nil
}

// NtfyNotifier publishes messages to an ntfy topic.
type NtfyNotifier struct {
	topic  string
	client *http.Client
}

func NewNtfyNotifier(topic string, client *http.Client) *NtfyNotifier {
	return &NtfyNotifier{topic: topic, client: client}
}

func (n *NtfyNotifier) Notify(ctx context.Context, msg Message) error {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Markdown", "yes")
	header.Set("Tags", "tv")
	if msg.Title != "" {
		header.Set("Title", msg.Title)
	}
	if _, err := doRequest(ctx, n.client, http.MethodPost, n.topic, strings.NewReader(msg.Text), header); err != nil {
		return fmt.Errorf("ntfy publish: %w", err)
	}
	return nil
}

// StdoutNotifier writes messages to w, for dry runs and local testing.
type StdoutNotifier struct {
	w io.Writer
}

func NewStdoutNotifier(w io.Writer) *StdoutNotifier {
	return &StdoutNotifier{w: w}
}

func (n *StdoutNotifier) Notify(ctx context.Context, msg Message) error {
	_, err := fmt.Fprintf(n.w, "%s\n", msg.Text)
	return err
}

func newNotifier(cfg NotifierSettings, client *http.Client, stdout io.Writer) (Notifier, error) {
	switch cfg.Provider {
	case "telegram":
		return NewTelegramNotifier(cfg.Telegram, client), nil
	case "ntfy":
		return NewNtfyNotifier(cfg.Ntfy.Topic, client), nil
	case "stdout":
		return NewStdoutNotifier(stdout), nil
	default:
		return nil, fmt.Errorf("unknown notifier provider %q", cfg.Provider)
	}
}
