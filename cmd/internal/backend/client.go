// Package backend is the HTTP client for the ADK agent api_server.
//
// It covers session create/delete, one-shot turns (/run), streamed turns
// (/run_sse) and the health probe. Every failure is classified into the
// apierr taxonomy.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"adkgw/cmd/internal/apierr"

	json "github.com/goccy/go-json"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultRunTimeout   = 300 * time.Second
	defaultHealthWindow = 5 * time.Second

	maxErrorBody = 4 << 10
)

// StreamMode describes how the backend reports text while streaming.
type StreamMode string

const (
	// StreamCumulative: every event repeats all text produced so far.
	StreamCumulative StreamMode = "cumulative"
	// StreamIncremental: partial events carry only new text and the final
	// event carries the full text. The client accumulates partials itself.
	StreamIncremental StreamMode = "incremental"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	AppName string
	// CallTimeout bounds session create/delete calls.
	CallTimeout time.Duration
	// RunTimeout bounds a non-streaming /run call.
	RunTimeout time.Duration
	StreamMode StreamMode
}

// Client talks to one ADK app.
type Client struct {
	log  *slog.Logger
	http *http.Client
	base *url.URL
	cfg  Config
}

// New constructs a Client. A nil httpClient uses http.DefaultClient.
func New(log *slog.Logger, httpClient *http.Client, cfg Config) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.AppName) == "" {
		return nil, errors.New("backend: missing app name")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.StreamMode == "" {
		cfg.StreamMode = StreamCumulative
	}
	return &Client{log: log, http: httpClient, base: base, cfg: cfg}, nil
}

// AppName returns the configured ADK app, exposed to clients as the model id.
func (c *Client) AppName() string { return c.cfg.AppName }

func (c *Client) endpoint(segments ...string) string {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) sessionURL(userID, sessionID string) string {
	return c.endpoint("apps", c.cfg.AppName, "users", userID, "sessions", sessionID)
}

func (c *Client) newJSONRequest(ctx context.Context, method, target string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// transportError classifies an error returned by http.Client.Do or a body read.
func transportError(ctx context.Context, op string, err error) error {
	if cerr := ctx.Err(); errors.Is(cerr, context.Canceled) {
		return fmt.Errorf("%s: %w", op, cerr)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apierr.Wrap(op, apierr.ErrTimeout, "backend did not respond in time", err)
	}
	return apierr.Wrap(op, apierr.ErrBackendUnavailable, "backend unreachable", err)
}

// statusError classifies a non-2xx backend response.
func statusError(op string, status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	lower := strings.ToLower(snippet)
	msg := fmt.Sprintf("backend returned %d", status)
	if snippet != "" {
		msg += ": " + snippet
	}

	switch {
	case status == http.StatusBadRequest:
		return apierr.New(op, apierr.ErrSessionCorrupted, msg)
	case status == http.StatusNotFound && strings.Contains(lower, "session"):
		return apierr.New(op, apierr.ErrSessionCorrupted, msg)
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return apierr.New(op, apierr.ErrBackendUnavailable, msg)
	default:
		return apierr.New(op, apierr.ErrBackendError, msg)
	}
}

func readErrorBody(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return b
}

func drainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxErrorBody))
	_ = rc.Close()
}
