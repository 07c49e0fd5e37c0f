// Package multimodal resolves every content part of a conversation concurrently.
//
// Concurrency guarantees:
//   - At most MaxInFlight parts are being resolved at once across every request
//     sharing a Pipeline.
//   - Output order equals input order regardless of completion order.
//   - After ctx is cancelled no resolver result is used.
package multimodal

import (
	"context"
	"log/slog"
	"time"

	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/content"
	"adkgw/cmd/internal/conversation"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultMaxInFlight = 8

// Resolver resolves one part. *content.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, p conversation.Part) (content.Result, error)
}

// Observer receives one call per resolved or failed non-text part.
type Observer interface {
	PartResolved(policy content.Policy, kind conversation.Kind, d time.Duration, err error)
}

// Config tunes a Pipeline.
type Config struct {
	// MaxInFlight bounds concurrent resolutions process-wide.
	MaxInFlight int64
	// Strict fails the whole request on the first part error.
	Strict bool
}

// Pipeline fans resolution out over a shared semaphore.
type Pipeline struct {
	log      *slog.Logger
	resolver Resolver
	observer Observer
	sem      *semaphore.Weighted
	strict   bool
}

// Option configures optional Pipeline dependencies.
type Option func(*Pipeline)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// New constructs a Pipeline.
func New(log *slog.Logger, resolver Resolver, cfg Config, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	p := &Pipeline{
		log:      log,
		resolver: resolver,
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		strict:   cfg.Strict,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// PartFailure records one part that was dropped in non-strict mode.
type PartFailure struct {
	Message int    `json:"message"`
	Part    int    `json:"part"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

// Report summarizes one ResolveAll call.
type Report struct {
	Resolved int
	Ignored  int
	Failed   []PartFailure
}

type slot struct {
	msg, part int
	in        conversation.Part
	out       conversation.Part
	keep      bool
	err       error
}

// ResolveAll resolves every part of msgs. In non-strict mode failed parts are
// recorded in the Report and omitted; messages left without parts are dropped,
// except the final one, which yields ErrBadRequest.
// In strict mode the first part error is returned and outstanding work is
// cancelled.
func (p *Pipeline) ResolveAll(ctx context.Context, msgs []conversation.Message) ([]conversation.Message, Report, error) {
	var slots []*slot
	for i, m := range msgs {
		for j, part := range m.Parts {
			slots = append(slots, &slot{msg: i, part: j, in: part})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range slots {
		if s.in.Kind == conversation.KindText {
			s.out, s.keep = s.in, s.in.Text != ""
			continue
		}
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.sem.Release(1)

			start := time.Now()
			res, err := p.resolver.Resolve(gctx, s.in)
			if p.observer != nil && gctx.Err() == nil {
				p.observer.PartResolved(res.Policy, s.in.Kind, time.Since(start), err)
			}
			if err != nil {
				s.err = err
				if p.strict {
					return err
				}
				return nil
			}
			s.out, s.keep = res.Part, res.Part.Resolved()
			return nil
		})
	}

	waitErr := g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, Report{}, err
	}
	if waitErr != nil {
		return nil, Report{}, waitErr
	}

	var rep Report
	out := make([]conversation.Message, 0, len(msgs))
	idx := 0
	for i, m := range msgs {
		parts := make([]conversation.Part, 0, len(m.Parts))
		for range m.Parts {
			s := slots[idx]
			idx++
			switch {
			case s.err != nil:
				rep.Failed = append(rep.Failed, PartFailure{
					Message: s.msg,
					Part:    s.part,
					Kind:    apierr.Code(s.err),
					Error:   apierr.Message(s.err),
				})
				p.log.Warn("multimodal.part.dropped",
					"message", s.msg, "part", s.part, "kind", apierr.Code(s.err), "err", s.err)
			case s.keep:
				parts = append(parts, s.out)
				if s.in.Kind != conversation.KindText {
					rep.Resolved++
				}
			case s.out.Kind == conversation.KindIgnored:
				rep.Ignored++
			}
		}
		if len(parts) == 0 {
			if i == len(msgs)-1 {
				return nil, rep, apierr.New("multimodal.ResolveAll", apierr.ErrBadRequest, "no usable content in last user message")
			}
			continue
		}
		out = append(out, conversation.Message{Role: msgs[i].Role, Parts: parts})
	}
	return out, rep, nil
}
