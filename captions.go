package main

import (
	"html"
	"regexp"
	"strings"
)

var (
	captionTagRE   = regexp.MustCompile(`<[^>]*>`)
	captionSpaceRE = regexp.MustCompile(`\s+`)
)

// captionHeaderPrefixes are WebVTT metadata lines that never carry speech.
var captionHeaderPrefixes = []string{
	"WEBVTT",
	"Kind:",
	"Language:",
}

// captionBlockKeywords open WebVTT blocks when they follow a blank line; the
// block runs until the next blank line.
var captionBlockKeywords = []string{"NOTE", "STYLE", "REGION"}

// NormalizeCaptions turns a WebVTT or SRT payload (or already plain text)
// into a single line of speech text. Index lines, timestamp lines, header
// lines and inline tags are removed, as are NOTE, STYLE and REGION blocks of
// a WebVTT file; roll-up duplicates from auto captions are kept once.
func NormalizeCaptions(payload string) string {
	payload = strings.TrimPrefix(payload, "\ufeff")
	payload = strings.ReplaceAll(payload, "\r\n", "\n")

	var (
		out        []string
		prev       string
		inBlock    bool
		blockStart bool
		webVTT     = strings.HasPrefix(strings.TrimSpace(payload), "WEBVTT")
	)
	for _, raw := range strings.Split(payload, "\n") {
		line := strings.TrimSpace(raw)
		start := blockStart
		blockStart = line == ""
		if inBlock {
			inBlock = line != ""
			continue
		}
		if webVTT && start && isCaptionBlock(line) {
			inBlock = true
			continue
		}
		if line == "" || isNumeric(line) || strings.Contains(line, "-->") || isCaptionHeader(line) {
			continue
		}
		line = captionTagRE.ReplaceAllString(line, "")
		line = html.UnescapeString(line)
		line = strings.TrimSpace(captionSpaceRE.ReplaceAllString(line, " "))
		if line == "" || line == prev {
			continue
		}
		out = append(out, line)
		prev = line
	}
	return strings.Join(out, " ")
}

func isCaptionHeader(line string) bool {
	for _, prefix := range captionHeaderPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func isCaptionBlock(line string) bool {
	for _, keyword := range captionBlockKeywords {
		if line == keyword || strings.HasPrefix(line, keyword+" ") || strings.HasPrefix(line, keyword+"\t") {
			return true
		}
	}
	return false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
