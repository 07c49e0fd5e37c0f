// Package stream turns a backend's cumulative text snapshots into the client's
// incremental delta sequence.
//
// A Translator is a small state machine owned by exactly one exchange:
//
//	Idle -> Streaming -> Completed
//	                  -> Errored
//
// Each snapshot is diffed against the previous one by prefix. A snapshot that
// does not extend the previous one resets the cursor and is emitted in full.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// State is the lifecycle state of a Translator.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrClosed is returned when a Translator is used after reaching a terminal state.
var ErrClosed = errors.New("stream: translator closed")

// Emitter writes client-facing events. Implementations exist for SSE and
// WebSocket transports.
type Emitter interface {
	// Delta emits one incremental chunk. text is never empty.
	Delta(text string) error
	// Done emits the finish chunk and the end-of-stream marker.
	Done() error
	// Error emits a terminal error notification.
	Error(err error) error
}

// Source yields cumulative snapshots. It returns io.EOF at the backend's
// terminal signal.
type Source interface {
	Next() (string, error)
}

// Cursor tracks how much of the current snapshot has been surfaced.
type Cursor struct {
	EmittedLength int
}

// Stats summarizes one exchange.
type Stats struct {
	Deltas int
	Resets int
	Bytes  int
}

// Translator is not safe for concurrent use.
type Translator struct {
	emitter Emitter
	state   State
	cursor  Cursor
	prev    string
	out     strings.Builder
	stats   Stats
}

// New returns a Translator in the Idle state.
func New(e Emitter) *Translator {
	return &Translator{emitter: e}
}

// State returns the current state.
func (t *Translator) State() State { return t.state }

// Cursor returns the current cursor.
func (t *Translator) Cursor() Cursor { return t.cursor }

// Stats returns counters for the exchange so far.
func (t *Translator) Stats() Stats { return t.stats }

// Text returns the latest cumulative snapshot.
func (t *Translator) Text() string { return t.prev }

// Output returns every delta emitted so far, concatenated. It differs from
// Text after a reset: the client saw the abandoned text too.
func (t *Translator) Output() string { return t.out.String() }

// Feed consumes one cumulative snapshot and emits the new suffix, if any.
// It returns the emitted delta.
func (t *Translator) Feed(cumulative string) (string, error) {
	switch t.state {
	case StateIdle:
		t.state = StateStreaming
	case StateStreaming:
	default:
		return "", ErrClosed
	}

	if !strings.HasPrefix(cumulative, t.prev) {
		t.cursor.EmittedLength = 0
		t.stats.Resets++
	}
	delta := cumulative[t.cursor.EmittedLength:]
	t.prev = cumulative
	t.cursor.EmittedLength = len(cumulative)

	if delta == "" {
		return "", nil
	}
	if err := t.emitter.Delta(delta); err != nil {
		t.state = StateErrored
		return "", err
	}
	t.out.WriteString(delta)
	t.stats.Deltas++
	t.stats.Bytes += len(delta)
	return delta, nil
}

// Complete emits the end-of-stream marker and moves to Completed.
func (t *Translator) Complete() error {
	if t.state == StateCompleted || t.state == StateErrored {
		return ErrClosed
	}
	t.state = StateCompleted
	return t.emitter.Done()
}

// Fail emits a terminal error notification and moves to Errored.
func (t *Translator) Fail(cause error) error {
	if t.state == StateCompleted || t.state == StateErrored {
		return ErrClosed
	}
	t.state = StateErrored
	return t.emitter.Error(cause)
}

// Run drives the Translator from src until the backend's terminal signal, a
// backend error, an emitter failure or ctx cancellation. It returns nil only
// when the exchange completed.
func (t *Translator) Run(ctx context.Context, src Source) error {
	for {
		if err := ctx.Err(); err != nil {
			_ = t.Fail(err)
			return err
		}

		text, err := src.Next()
		if errors.Is(err, io.EOF) {
			return t.Complete()
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				err = cerr
			}
			_ = t.Fail(err)
			return err
		}

		if _, err := t.Feed(text); err != nil {
			return err
		}
	}
}
