package chitchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
)

const (
	maxErrorBodyBytes = 4096
	maxJSONBodyBytes  = 1 << 20
	maxImageBodyBytes = 10 << 20
)

var userAgent = "ChitChat/" + Version

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ErrBodyTooLarge is returned when a response body exceeds the read limit
var ErrBodyTooLarge = errors.New("response body too large")

// upstream is a plain HTTP API called by one of the commands. Every call
// gets its own timeout, and its latency is recorded under name.
type upstream struct {
	name    string
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics
}

func newUpstream(
	name string,
	config *UpstreamConfig,
	client *http.Client,
	logger *slog.Logger,
	m *metrics,
) upstream {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return upstream{
		name:    name,
		baseURL: config.URL,
		timeout: config.Timeout,
		client:  client,
		logger:  logger.With("upstream", name),
		metrics: m,
	}
}

// get performs a GET against the upstream's URL with query merged into any
// query already present, returning the body (read up to limit bytes) and
// the response's Content-Type.
func (u upstream) get(
	ctx context.Context,
	query url.Values,
	accept string,
	limit int64,
) ([]byte, string, error) {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	target, err := url.Parse(u.baseURL)
	if err != nil {
		return nil, "", fmt.Errorf("%s: invalid url: %w", u.name, err)
	}
	if len(query) > 0 {
		q := target.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	endpoint := target.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%s: create request: %w", u.name, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	res, err := u.client.Do(req)
	if err != nil {
		u.observe(start, "error")
		return nil, "", fmt.Errorf("%s: request failed: %w", u.name, err)
	}
	defer func() { _ = res.Body.Close() }()
	u.observe(start, strconv.Itoa(res.StatusCode))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
		return nil, "", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("%s: read response body: %w", u.name, err)
	}
	if int64(len(buf)) > limit {
		return nil, "", fmt.Errorf("%s: %w (limit %d bytes)", u.name, ErrBodyTooLarge, limit)
	}
	u.logger.DebugContext(
		ctx,
		"upstream request finished",
		"url", endpoint,
		"status", res.StatusCode,
		"bytes", len(buf),
		"duration", time.Since(start),
	)
	return buf, res.Header.Get("Content-Type"), nil
}

func (u upstream) observe(start time.Time, status string) {
	if u.metrics == nil {
		return
	}
	u.metrics.UpstreamDuration.WithLabelValues(u.name, status).Observe(time.Since(start).Seconds())
}

// logUpstreamError logs a failed upstream call once, at the command boundary
func logUpstreamError(ctx context.Context, logger *slog.Logger, msg string, err error) {
	attrs := []any{tint.Err(err)}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		attrs = append(attrs, "status_code", statusErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		attrs = append(attrs, "timeout", true)
	}
	logger.ErrorContext(ctx, msg, attrs...)
}
