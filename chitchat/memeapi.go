package chitchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/lmittmann/tint"
)

// ErrMalformedRawOutput is returned (with an empty list) when the endpoint
// wraps its result in raw_output but the wrapped text isn't a meme list
var ErrMalformedRawOutput = errors.New("malformed raw_output")

// Meme is one trending meme as reported by the aggregation endpoint
type Meme struct {
	Title           string   `json:"title"`
	PrimaryPlatform string   `json:"primary_platform"`
	Summary         string   `json:"summary"`
	StartedAround   string   `json:"started_around"`
	Tags            []string `json:"tags"`
	EvidenceLinks   []string `json:"evidence_links"`
}

// MemeAPI queries the meme aggregation endpoint. The endpoint is slow
// (it runs an LLM-backed search), so its timeout is much longer than the
// other upstreams'.
type MemeAPI struct {
	upstream
}

// Fetch returns up to maxMemes memes from the last daysBack days. A malformed
// raw_output payload is logged and reported as an empty result.
func (m MemeAPI) Fetch(ctx context.Context, daysBack int, maxMemes int) ([]Meme, error) {
	query := url.Values{
		"days_back": []string{strconv.Itoa(daysBack)},
		"max_memes": []string{strconv.Itoa(maxMemes)},
	}
	body, _, err := m.get(ctx, query, "application/json", maxJSONBodyBytes)
	if err != nil {
		return nil, err
	}
	memes, err := parseMemes(body)
	if errors.Is(err, ErrMalformedRawOutput) {
		loggerFromContext(ctx, m.logger).WarnContext(
			ctx,
			"meme endpoint returned malformed raw_output",
			tint.Err(err),
		)
		return []Meme{}, nil
	}
	return memes, err
}

// parseMemes accepts both response shapes the endpoint produces:
//
//	[{"title": ...}, ...]
//	[{"raw_output": "[{\"title\": ...}]"}]
//
// raw_output may also hold {"memes": [...]}, either JSON-encoded in a string
// or inline. Items without a title are dropped.
func parseMemes(body []byte) ([]Meme, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("meme response is not a list: %w", err)
	}
	if len(items) == 0 {
		return []Meme{}, nil
	}

	var wrapper struct {
		RawOutput json.RawMessage `json:"raw_output"`
	}
	if err := json.Unmarshal(items[0], &wrapper); err == nil && len(wrapper.RawOutput) > 0 {
		return parseRawOutput(wrapper.RawOutput)
	}
	return decodeMemeItems(items), nil
}

func parseRawOutput(raw json.RawMessage) ([]Meme, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return []Meme{}, fmt.Errorf("%w: %w", ErrMalformedRawOutput, err)
		}
		raw = json.RawMessage(strings.TrimSpace(stripCodeFence(inner)))
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		return decodeMemeItems(items), nil
	}

	var obj struct {
		Memes []json.RawMessage `json:"memes"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Memes != nil {
		return decodeMemeItems(obj.Memes), nil
	}
	return []Meme{}, fmt.Errorf("%w: %s", ErrMalformedRawOutput, truncate(string(raw), 100))
}

// stripCodeFence removes a surrounding ```json fence, which language models
// like to add around JSON output
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func decodeMemeItems(items []json.RawMessage) []Meme {
	memes := make([]Meme, 0, len(items))
	for _, item := range items {
		var meme Meme
		if err := json.Unmarshal(item, &meme); err != nil {
			continue
		}
		meme.Title = strings.TrimSpace(meme.Title)
		if meme.Title == "" {
			continue
		}
		memes = append(memes, meme)
	}
	return memes
}
