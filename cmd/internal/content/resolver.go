// Package content resolves a single content reference into pass-through bytes or
// extracted text.
//
// A Resolver is safe for concurrent use. It performs no side effects other than
// the remote fetch.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/conversation"

	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultMaxBytes = 20 << 20
	defaultTimeout  = 30 * time.Second
)

// Config bounds a Resolver.
type Config struct {
	// MaxBytes is the largest payload accepted, inline or remote.
	MaxBytes int64
	// Timeout bounds one remote fetch, headers and body included.
	Timeout time.Duration
	// UserAgent is sent on remote fetches.
	UserAgent string
}

// Resolver resolves one part at a time.
type Resolver struct {
	client *http.Client
	cfg    Config
}

// NewResolver constructs a Resolver. A nil client uses http.DefaultClient.
func NewResolver(client *http.Client, cfg Config) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "adkgw/1"
	}
	return &Resolver{client: client, cfg: cfg}
}

// Result describes what Resolve decided for a part.
type Result struct {
	Part   conversation.Part
	Policy Policy
}

// Resolve classifies and resolves p. Text parts are returned unchanged.
//
// Failures carry one of ErrBadRequest, ErrUnsupportedMedia, ErrPayloadTooLarge,
// ErrDownloadFailure, ErrTimeout or ErrExtractionFailure. If ctx is cancelled
// the returned error wraps ctx.Err().
func (r *Resolver) Resolve(ctx context.Context, p conversation.Part) (Result, error) {
	const op = "content.Resolve"

	if p.Kind == conversation.KindText {
		return Result{Part: p, Policy: PolicyPassThrough}, nil
	}

	var (
		data     []byte
		declared = NormalizeMIME(p.Source.MIME)
		name     = p.Source.Filename
	)

	if p.Source.Inline() {
		if len(p.Source.Data) == 0 {
			return Result{}, apierr.New(op, apierr.ErrBadRequest, "empty inline payload")
		}
		if int64(len(p.Source.Data)) > r.cfg.MaxBytes {
			return Result{}, r.tooLarge(op, int64(len(p.Source.Data)))
		}
		data = p.Source.Data
	} else {
		body, contentType, err := r.fetch(ctx, p.Source.URL)
		if err != nil {
			return Result{}, err
		}
		data = body
		if isGeneric(declared) {
			declared = NormalizeMIME(contentType)
		}
		if name == "" {
			if u, err := url.Parse(p.Source.URL); err == nil {
				name = u.Path
			}
		}
	}

	mt := declared
	if isGeneric(mt) {
		mt = typeByExtension(name)
	}
	if isGeneric(mt) {
		mt = NormalizeMIME(mimetype.Detect(data).String())
	}

	policy := Classify(mt)
	out := conversation.Part{Kind: kindFor(mt, policy), Source: p.Source, MIME: mt}

	switch policy {
	case PolicyIgnore:
		return Result{Part: out, Policy: policy}, nil
	case PolicyPassThrough:
		out.Bytes = data
		return Result{Part: out, Policy: policy}, nil
	case PolicyExtractText:
		text, err := ExtractText(mt, data)
		if err != nil {
			return Result{}, apierr.Wrap(op, apierr.ErrExtractionFailure, "cannot extract text from "+mt, err)
		}
		out.Text = text
		return Result{Part: out, Policy: policy}, nil
	default:
		if mt == "" {
			mt = "unknown"
		}
		return Result{}, apierr.Newf(op, apierr.ErrUnsupportedMedia, "unsupported media type %q", mt)
	}
}

func (r *Resolver) fetch(parent context.Context, rawURL string) ([]byte, string, error) {
	const op = "content.fetch"

	ctx, cancel := context.WithTimeout(parent, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", apierr.Wrap(op, apierr.ErrBadRequest, "invalid url", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", r.transportError(parent, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", apierr.Newf(op, apierr.ErrDownloadFailure, "remote returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > r.cfg.MaxBytes {
		return nil, "", r.tooLarge(op, resp.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", r.transportError(parent, op, err)
	}
	if int64(len(body)) > r.cfg.MaxBytes {
		return nil, "", r.tooLarge(op, int64(len(body)))
	}
	if len(body) == 0 {
		return nil, "", apierr.New(op, apierr.ErrDownloadFailure, "remote returned an empty body")
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (r *Resolver) transportError(parent context.Context, op string, err error) error {
	if perr := parent.Err(); perr != nil {
		return fmt.Errorf("%s: %w", op, perr)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apierr.Wrap(op, apierr.ErrTimeout, fmt.Sprintf("download exceeded %s", r.cfg.Timeout), err)
	}
	return apierr.Wrap(op, apierr.ErrDownloadFailure, "download failed", err)
}

func (r *Resolver) tooLarge(op string, n int64) error {
	return apierr.Newf(op, apierr.ErrPayloadTooLarge, "payload of %d bytes exceeds limit of %d bytes", n, r.cfg.MaxBytes)
}
