// youtube.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/language"
)

const (
	defaultInnertubeEndpoint = "https://www.youtube.com"
	ytAndroidVersion         = "20.10.38"
	ytAndroidUA              = "com.google.android.youtube/" + ytAndroidVersion + " (Linux; U; Android 11) gzip"
)

func watchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// extractVideoID returns the item id carried by a link: the v query
// parameter, the youtu.be path, a /shorts/, /live/ or /embed/ path, or for
// other hosts the trailing path segment.
func extractVideoID(videoURL string) (string, error) {
	parsedURL, err := url.Parse(videoURL)
	if err != nil {
		return "", err
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("no host in %q", videoURL)
	}
	if v := parsedURL.Query().Get("v"); v != "" {
		return v, nil
	}

	segments := strings.Split(strings.Trim(parsedURL.Path, "/"), "/")
	host := strings.TrimPrefix(parsedURL.Host, "www.")
	switch {
	case host == "youtu.be":
		if segments[0] != "" {
			return segments[0], nil
		}
	case strings.HasSuffix(host, "youtube.com"):
		if len(segments) == 2 {
			switch segments[0] {
			case "shorts", "live", "embed", "v":
				return segments[1], nil
			}
		}
	default:
		if last := path.Base(parsedURL.Path); last != "" && last != "/" && last != "." {
			return last, nil
		}
	}
	return "", fmt.Errorf("no video ID found in %q", videoURL)
}

// captionTrack is one caption track offered by a front-end. Kind "asr"
// marks auto-generated captions.
type captionTrack struct {
	URL          string
	LanguageCode string
	Kind         string
}

func (t captionTrack) generated() bool {
	return t.Kind == "asr"
}

// pickCaptionTrack chooses the best track for the preferred languages.
// Manual tracks win over auto-generated ones of an equally good language.
func pickCaptionTrack(tracks []captionTrack, languages []string) (captionTrack, bool) {
	prefs := make([]language.Tag, 0, len(languages))
	for _, l := range languages {
		if tag, err := language.Parse(l); err == nil {
			prefs = append(prefs, tag)
		}
	}
	if len(prefs) == 0 {
		return captionTrack{}, false
	}

	var manual, generated []captionTrack
	for _, t := range tracks {
		if t.URL == "" || strings.Contains(t.URL, "&exp=xpe") {
			continue
		}
		if t.generated() {
			generated = append(generated, t)
		} else {
			manual = append(manual, t)
		}
	}

	for _, group := range [][]captionTrack{manual, generated} {
		if track, ok := matchTrack(group, prefs); ok {
			return track, true
		}
	}
	return captionTrack{}, false
}

func matchTrack(tracks []captionTrack, prefs []language.Tag) (captionTrack, bool) {
	var (
		supported []language.Tag
		index     []int
	)
	for i, t := range tracks {
		tag, err := language.Parse(t.LanguageCode)
		if err != nil {
			continue
		}
		supported = append(supported, tag)
		index = append(index, i)
	}
	if len(supported) == 0 {
		return captionTrack{}, false
	}

	_, i, confidence := language.NewMatcher(supported).Match(prefs...)
	if confidence == language.No {
		return captionTrack{}, false
	}
	return tracks[index[i]], true
}

// withQuery sets one query parameter on a caption URL.
func withQuery(raw, key, value string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing caption url: %w", errors.Join(ErrMalformedResponse, err))
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type innertubeRequest struct {
	VideoID        string           `json:"videoId"`
	Context        innertubeContext `json:"context"`
	RacyCheckOk    bool             `json:"racyCheckOk"`
	ContentCheckOk bool             `json:"contentCheckOk"`
}

type innertubeContext struct {
	Client innertubeClient `json:"client"`
}

type innertubeClient struct {
	ClientName        string `json:"clientName"`
	ClientVersion     string `json:"clientVersion"`
	AndroidSdkVersion int    `json:"androidSdkVersion,omitempty"`
	Hl                string `json:"hl,omitempty"`
	Gl                string `json:"gl,omitempty"`
}

type innertubePlayerResponse struct {
	Captions *struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []struct {
				BaseURL      string `json:"baseUrl"`
				LanguageCode string `json:"languageCode"`
				Kind         string `json:"kind"`
			} `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
	PlayabilityStatus *struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
}

// InnertubeStrategy reads captions straight from the YouTube player API
// using the ANDROID client, then downloads the chosen track as WebVTT.
type InnertubeStrategy struct {
	endpoint  string
	languages []string
	client    *http.Client
}

// NewInnertubeStrategy creates the direct captioning strategy. An empty
// endpoint means www.youtube.com.
func NewInnertubeStrategy(endpoint string, languages []string, client *http.Client) *InnertubeStrategy {
	if endpoint == "" {
		endpoint = defaultInnertubeEndpoint
	}
	return &InnertubeStrategy{
		endpoint:  strings.TrimRight(endpoint, "/"),
		languages: languages,
		client:    client,
	}
}

func (s *InnertubeStrategy) Name() string {
	return "innertube"
}

func (s *InnertubeStrategy) Retrieve(ctx context.Context, itemID string) (string, error) {
	reqBody, err := json.Marshal(innertubeRequest{
		VideoID: itemID,
		Context: innertubeContext{
			Client: innertubeClient{
				ClientName:        "ANDROID",
				ClientVersion:     ytAndroidVersion,
				AndroidSdkVersion: 30,
				Hl:                "en",
				Gl:                "US",
			},
		},
		RacyCheckOk:    true,
		ContentCheckOk: true,
	})
	if err != nil {
		return "", err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("User-Agent", ytAndroidUA)
	header.Set("X-Youtube-Client-Name", "3")
	header.Set("X-Youtube-Client-Version", ytAndroidVersion)

	data, err := doRequest(ctx, s.client, http.MethodPost, s.endpoint+"/youtubei/v1/player?prettyPrint=false", bytes.NewReader(reqBody), header)
	if err != nil {
		return "", fmt.Errorf("innertube player: %w", err)
	}

	var player innertubePlayerResponse
	if err := json.Unmarshal(data, &player); err != nil {
		return "", fmt.Errorf("decoding player response: %w", errors.Join(ErrMalformedResponse, err))
	}
	if player.Captions == nil {
		if player.PlayabilityStatus != nil && player.PlayabilityStatus.Reason != "" {
			return "", fmt.Errorf("captions unavailable: %s: %w", player.PlayabilityStatus.Reason, ErrNoContent)
		}
		return "", fmt.Errorf("no captions in player response: %w", ErrNoContent)
	}

	var tracks []captionTrack
	for _, t := range player.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks {
		tracks = append(tracks, captionTrack{URL: t.BaseURL, LanguageCode: t.LanguageCode, Kind: t.Kind})
	}
	track, ok := pickCaptionTrack(tracks, s.languages)
	if !ok {
		return "", fmt.Errorf("no caption track for %v: %w", s.languages, ErrNoContent)
	}

	vttURL, err := withQuery(track.URL, "fmt", "vtt")
	if err != nil {
		return "", err
	}
	payload, err := doRequest(ctx, s.client, http.MethodGet, vttURL, nil, nil)
	if err != nil {
		return "", fmt.Errorf("downloading caption track: %w", err)
	}
	return string(payload), nil
}

// TranscriptAPIStrategy asks a hosted transcript service for plain text.
type TranscriptAPIStrategy struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewTranscriptAPIStrategy(endpoint, apiKey string, client *http.Client) *TranscriptAPIStrategy {
	return &TranscriptAPIStrategy{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (s *TranscriptAPIStrategy) Name() string {
	return "transcript_api"
}

func (s *TranscriptAPIStrategy) Retrieve(ctx context.Context, itemID string) (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing transcript api endpoint: %w", err)
	}
	q := u.Query()
	q.Add("url", watchURL(itemID))
	if s.apiKey != "" {
		q.Add("api_key", s.apiKey)
	}
	q.Add("text", "true")
	u.RawQuery = q.Encode()

	body, err := doRequest(ctx, s.client, http.MethodGet, u.String(), nil, nil)
	if err != nil {
		return "", fmt.Errorf("transcript api: %w", err)
	}
	return string(body), nil
}
