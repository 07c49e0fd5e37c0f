package backend

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Event is the part of an ADK event the gateway cares about.
type Event struct {
	// Text is the concatenation of content.parts[].text, falling back to the
	// top-level "text" or "data" string fields.
	Text    string
	Partial bool
	// ErrorCode and ErrorMessage are set when the backend reports a failure.
	ErrorCode    string
	ErrorMessage string
	TurnComplete bool
}

// Failed reports whether the event carries a backend error.
func (e Event) Failed() bool { return e.ErrorCode != "" || e.ErrorMessage != "" }

// ParseEvent extracts an Event from one ADK event JSON document.
func ParseEvent(raw []byte) Event {
	doc := gjson.ParseBytes(raw)

	ev := Event{
		Partial:      doc.Get("partial").Bool(),
		TurnComplete: doc.Get("turnComplete").Bool() || doc.Get("turn_complete").Bool(),
		ErrorCode:    firstString(doc, "errorCode", "error_code"),
		ErrorMessage: firstString(doc, "errorMessage", "error_message"),
	}
	if e := doc.Get("error"); e.Exists() && ev.ErrorMessage == "" {
		if e.IsObject() {
			ev.ErrorMessage = firstString(e, "message")
			if ev.ErrorCode == "" {
				ev.ErrorCode = firstString(e, "code")
			}
		} else {
			ev.ErrorMessage = e.String()
		}
		if ev.ErrorCode == "" && ev.ErrorMessage != "" {
			ev.ErrorCode = "backend_error"
		}
	}

	var b strings.Builder
	doc.Get("content.parts.#.text").ForEach(func(_, v gjson.Result) bool {
		b.WriteString(v.String())
		return true
	})
	ev.Text = b.String()
	if ev.Text == "" {
		ev.Text = firstString(doc, "text", "data")
	}
	return ev
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
