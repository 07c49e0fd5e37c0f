package backend

import (
	"context"
	"net/http"
	"strings"
	"time"

	"adkgw/cmd/internal/apierr"
)

// CreateSession creates sessionID for userID. created is false when the
// session already existed; that is not an error.
func (c *Client) CreateSession(ctx context.Context, userID, sessionID string) (created bool, err error) {
	const op = "backend.CreateSession"

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := c.newJSONRequest(ctx, http.MethodPost, c.sessionURL(userID, sessionID), map[string]any{})
	if err != nil {
		return false, apierr.Wrap(op, apierr.ErrBadRequest, "cannot build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, transportError(ctx, op, err)
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return true, nil
	case http.StatusConflict:
		return false, nil
	}
	body := readErrorBody(resp.Body)
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(string(body)), "already exists") {
		return false, nil
	}
	// A 400 on create is not a corrupted session; only run calls report that.
	if resp.StatusCode == http.StatusBadRequest {
		return false, apierr.New(op, apierr.ErrBackendError, "backend rejected session create: "+strings.TrimSpace(string(body)))
	}
	return false, statusError(op, resp.StatusCode, body)
}

// DeleteSession deletes sessionID. A missing session is not an error.
func (c *Client) DeleteSession(ctx context.Context, userID, sessionID string) error {
	const op = "backend.DeleteSession"

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := c.newJSONRequest(ctx, http.MethodDelete, c.sessionURL(userID, sessionID), nil)
	if err != nil {
		return apierr.Wrap(op, apierr.ErrBadRequest, "cannot build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	body := readErrorBody(resp.Body)
	if resp.StatusCode == http.StatusBadRequest {
		return apierr.New(op, apierr.ErrBackendError, "backend rejected session delete: "+strings.TrimSpace(string(body)))
	}
	return statusError(op, resp.StatusCode, body)
}

// Health is the result of a backend probe.
type Health struct {
	Healthy    bool    `json:"healthy"`
	Status     string  `json:"status"`
	StatusCode int     `json:"status_code,omitempty"`
	LatencyMS  float64 `json:"latency_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Health probes GET {base}/. Any status below 500 counts as healthy.
func (c *Client) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, defaultHealthWindow)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(), nil)
	if err != nil {
		return Health{Status: "error", Error: err.Error()}
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Health{Status: "timeout", Error: "connection timeout"}
		}
		return Health{Status: "unreachable", Error: err.Error()}
	}
	drainClose(resp.Body)

	h := Health{StatusCode: resp.StatusCode, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
	if resp.StatusCode < 500 {
		h.Healthy, h.Status = true, "healthy"
	} else {
		h.Status = "unhealthy"
		h.Error = http.StatusText(resp.StatusCode)
	}
	return h
}
