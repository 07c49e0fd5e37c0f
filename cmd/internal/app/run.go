package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"adkgw/cmd/internal/backend"

	json "github.com/goccy/go-json"
)

// Version is stamped at build time with -ldflags "-X adkgw/cmd/internal/app.Version=...".
var Version = "dev"

// Run is the serve entrypoint used by cmd/adkgw.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// ErrUnhealthy is returned by Check when a probe fails.
var ErrUnhealthy = errors.New("unhealthy")

// Check probes the ADK backend and, when gateway is true, the running
// gateway's /healthz. It writes a JSON report to out.
func Check(ctx context.Context, cfg Config, gateway bool, out io.Writer) error {
	client, err := backend.New(nil, NewHTTPClient(cfg), backend.Config{
		BaseURL: cfg.ADKHost,
		AppName: cfg.ADKAppName,
	})
	if err != nil {
		return err
	}

	report := struct {
		Backend backend.Health `json:"backend"`
		Gateway *probeResult   `json:"gateway,omitempty"`
	}{Backend: client.Health(ctx)}
	healthy := report.Backend.Healthy

	if gateway {
		p := probe(ctx, runtimeBaseURL(cfg.HTTPAddr)+"/healthz")
		report.Gateway = &p
		healthy = healthy && p.OK
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !healthy {
		return ErrUnhealthy
	}
	return nil
}

type probeResult struct {
	URL    string `json:"url"`
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func probe(ctx context.Context, target string) probeResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res := probeResult{URL: target}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	res.Status = resp.StatusCode
	res.OK = resp.StatusCode == http.StatusOK
	return res
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds are reached through loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

// WSURL is the chat WebSocket endpoint for a listen address.
func WSURL(addr string) string {
	return wsBaseURL(runtimeBaseURL(addr)) + "/v1/ws"
}
