package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Recorder writes exchanges to a primary Store and to any number of
// write-only sinks. Failures are logged and never reach the client.
type Recorder struct {
	log     *slog.Logger
	store   Store
	sinks   []Sink
	timeout time.Duration
}

// NewRecorder returns a Recorder. store may be nil when history is disabled.
func NewRecorder(log *slog.Logger, store Store, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{log: log, store: store, sinks: sinks, timeout: 5 * time.Second}
}

// Store returns the readable store, or nil.
func (r *Recorder) Store() Store { return r.store }

// Save writes recs everywhere. It is detached from the caller's cancellation
// so that a client disconnect does not lose the record.
func (r *Recorder) Save(ctx context.Context, recs []Record) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var errs []error
	if r.store != nil {
		if err := r.store.Save(ctx, recs); err != nil {
			r.log.Warn("history.save.fail", "sink", "store", "err", err)
			errs = append(errs, err)
		}
	}
	for _, s := range r.sinks {
		if err := s.Save(ctx, recs); err != nil {
			r.log.Warn("history.save.fail", "sink", "stream", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the primary store.
func (r *Recorder) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
