// Package backendtest provides an in-process fake of the ADK api_server for
// tests.
package backendtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// ReplyFunc returns the cumulative snapshots streamed for one turn.
type ReplyFunc func(sessionID, userText string) []string

// Echo replies "echo: <text>" in three cumulative snapshots.
func Echo(_ string, text string) []string {
	full := "echo: " + text
	a, b := len(full)/3, 2*len(full)/3
	return []string{full[:a], full[:b], full}
}

// Server is a scripted fake backend.
type Server struct {
	*httptest.Server

	// Reply scripts the assistant text. Defaults to Echo.
	Reply ReplyFunc
	// StreamError, when set, is sent as an error event after the snapshots.
	StreamError string
	// SendDone appends "data: [DONE]" to streams.
	SendDone bool
	// CreateDelay slows session creation.
	CreateDelay time.Duration
	// FailCreates makes the next N creates return 503.
	FailCreates atomic.Int32
	// CorruptSessions makes runs against these session ids return 400 until
	// the session is recreated.
	CorruptSessions sync.Map

	Creates atomic.Int32
	Deletes atomic.Int32
	Runs    atomic.Int32

	mu       sync.Mutex
	sessions map[string]bool
	bodies   []string
}

// New starts a fake backend for app.
func New(app string) *Server {
	s := &Server{Reply: Echo, sessions: map[string]bool{}}

	mux := http.NewServeMux()
	prefix := "/apps/" + app + "/users/{user}/sessions/{sid}"
	mux.HandleFunc("POST "+prefix, s.handleCreate)
	mux.HandleFunc("DELETE "+prefix, s.handleDelete)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /run_sse", s.handleRunSSE)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.Server = httptest.NewServer(mux)
	return s
}

// HasSession reports whether user/sid currently exists.
func (s *Server) HasSession(user, sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[user+"/"+sid]
}

// Bodies returns every run request body received so far.
func (s *Server) Bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.Creates.Add(1)
	if s.CreateDelay > 0 {
		time.Sleep(s.CreateDelay)
	}
	if n := s.FailCreates.Load(); n > 0 {
		s.FailCreates.Add(-1)
		http.Error(w, "warming up", http.StatusServiceUnavailable)
		return
	}

	key := r.PathValue("user") + "/" + r.PathValue("sid")
	s.mu.Lock()
	exists := s.sessions[key]
	s.sessions[key] = true
	s.mu.Unlock()
	s.CorruptSessions.Delete(r.PathValue("sid"))

	if exists {
		http.Error(w, `{"detail":"Session already exists"}`, http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"id":%q,"appName":"x","userId":%q,"state":{},"events":[]}`, r.PathValue("sid"), r.PathValue("user"))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.Deletes.Add(1)
	key := r.PathValue("user") + "/" + r.PathValue("sid")
	s.mu.Lock()
	existed := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if !existed {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type turn struct {
	user, sid, text string
}

func (s *Server) readTurn(w http.ResponseWriter, r *http.Request) (turn, bool) {
	s.Runs.Add(1)
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	s.mu.Unlock()

	doc := gjson.ParseBytes(body)
	t := turn{user: doc.Get("userId").String(), sid: doc.Get("sessionId").String()}
	var texts []string
	doc.Get("newMessage.parts.#.text").ForEach(func(_, v gjson.Result) bool {
		texts = append(texts, v.String())
		return true
	})
	t.text = strings.Join(texts, " ")

	if _, bad := s.CorruptSessions.Load(t.sid); bad {
		http.Error(w, `{"detail":"Invalid session state"}`, http.StatusBadRequest)
		return t, false
	}
	if !s.HasSession(t.user, t.sid) {
		http.Error(w, `{"detail":"Session not found"}`, http.StatusNotFound)
		return t, false
	}
	return t, true
}

func event(text string, partial bool) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":      "evt",
		"author":  "agent",
		"partial": partial,
		"content": map[string]any{"role": "model", "parts": []map[string]string{{"text": text}}},
	})
	return b
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	t, ok := s.readTurn(w, r)
	if !ok {
		return
	}
	snaps := s.Reply(t.sid, t.text)
	w.Header().Set("Content-Type", "application/json")
	out := []byte("[")
	if len(snaps) > 0 {
		out = append(out, event(snaps[len(snaps)-1], false)...)
	}
	out = append(out, ']')
	_, _ = w.Write(out)
}

func (s *Server) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	t, ok := s.readTurn(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fl, _ := w.(http.Flusher)

	for _, snap := range s.Reply(t.sid, t.text) {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", event(snap, true))
		if fl != nil {
			fl.Flush()
		}
	}
	if s.StreamError != "" {
		_, _ = fmt.Fprintf(w, "data: {\"errorCode\":\"MODEL_ERROR\",\"errorMessage\":%q}\n\n", s.StreamError)
	}
	if s.SendDone {
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}
	if fl != nil {
		fl.Flush()
	}
}
