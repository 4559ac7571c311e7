package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const statusHistoryLimit = 10

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// renderStatus describes the cursor store: where it lives, what it holds and,
// for database backends, which items were processed recently.
func renderStatus(ctx context.Context, cfg CursorSettings, store cursorBackend, now time.Time) (string, error) {
	id, ok, err := store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("reading cursor: %w", err)
	}
	cursor := id
	if !ok {
		cursor = "(none)"
	}

	updated := "never"
	if at, ok, err := store.LastUpdated(ctx); err != nil {
		return "", fmt.Errorf("reading cursor timestamp: %w", err)
	} else if ok {
		updated = fmt.Sprintf("%s (%s)", humanize.RelTime(at, now, "ago", "from now"), at.Local().Format(time.RFC3339))
	}

	var b strings.Builder
	b.WriteString(renderTable(
		[]string{"Setting", "Value"},
		[][]string{
			{"Backend", cfg.Backend},
			{"Location", cursorLocation(cfg)},
			{"Key", cfg.Key},
			{"Last item", cursor},
			{"Last update", updated},
		},
		nil,
	))

	history, err := store.History(ctx, statusHistoryLimit)
	if err != nil {
		return "", fmt.Errorf("reading history: %w", err)
	}
	if len(history) > 0 {
		rows := make([][]string, 0, len(history))
		for i, entry := range history {
			rows = append(rows, []string{
				strconv.Itoa(i + 1),
				entry.ItemID,
				humanize.RelTime(entry.ProcessedAt, now, "ago", "from now"),
			})
		}
		b.WriteString("\n\n")
		b.WriteString(renderTable([]string{"#", "Item", "Processed"}, rows, []columnAlignment{alignRight, alignLeft, alignLeft}))
	}
	return b.String(), nil
}

func cursorLocation(cfg CursorSettings) string {
	if cfg.Backend != "postgres" {
		return cfg.Path
	}
	u, err := url.Parse(cfg.DSN)
	if err != nil || u.Host == "" {
		return "(dsn)"
	}
	return u.Redacted()
}
