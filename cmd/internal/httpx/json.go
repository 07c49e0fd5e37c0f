// Package httpx holds the JSON response helpers shared by every HTTP handler.
// All failures are rendered in the OpenAI error shape.
package httpx

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/stream"
	v1 "adkgw/shared/contracts/chat/v1"

	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err with the status derived from its kind.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	WriteJSON(w, apierr.HTTPStatus(err), stream.ErrorBody(err, middleware.GetReqID(r.Context())))
}

// DecodeJSON reads one JSON value from the request body. Unknown fields are
// accepted so that clients may send the full OpenAI parameter set.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	const op = "httpx.DecodeJSON"
	if r.Body == nil {
		return apierr.New(op, apierr.ErrBadRequest, "empty body")
	}
	defer func() { _ = r.Body.Close() }()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierr.Newf(op, apierr.ErrPayloadTooLarge, "request body exceeds %d bytes", maxBytes)
		}
		return apierr.Wrap(op, apierr.ErrBadRequest, "read body", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return apierr.New(op, apierr.ErrBadRequest, "empty body")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(dst); err != nil {
		return apierr.Wrap(op, apierr.ErrBadRequest, "invalid JSON body", err)
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return apierr.New(op, apierr.ErrBadRequest, "extra data after JSON object")
	}
	return nil
}

// Unauthorized writes a 401 with a Bearer challenge.
func Unauthorized(w http.ResponseWriter, r *http.Request, code, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="adkgw"`)
	WriteJSON(w, http.StatusUnauthorized, v1.ErrorResponse{Error: v1.ErrorBody{
		Message:   msg,
		Type:      v1.ErrorTypeInvalidRequest,
		Code:      code,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}
