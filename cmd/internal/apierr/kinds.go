// Package apierr is the gateway's error taxonomy.
//
// Every user-visible failure carries one of the sentinel kinds below. The kind
// string is stable and is returned to clients as the OpenAI error "code".
package apierr

import (
	"errors"
	"net/http"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrBadRequest         = errors.New("bad_request")
	ErrUnsupportedMedia   = errors.New("unsupported_media")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
	ErrDownloadFailure    = errors.New("download_failure")
	ErrTimeout            = errors.New("timeout")
	ErrExtractionFailure  = errors.New("extraction_failure")
	ErrBackendUnavailable = errors.New("backend_unavailable")
	ErrBackendError       = errors.New("backend_error")
	ErrSessionCorrupted   = errors.New("session_corrupted")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate_limited")
)

var kinds = []error{
	ErrBadRequest,
	ErrUnsupportedMedia,
	ErrPayloadTooLarge,
	ErrDownloadFailure,
	ErrTimeout,
	ErrExtractionFailure,
	ErrBackendUnavailable,
	ErrBackendError,
	ErrSessionCorrupted,
	ErrUnauthorized,
	ErrRateLimited,
}

var statusByKind = map[error]int{
	ErrBadRequest:         http.StatusBadRequest,
	ErrUnsupportedMedia:   http.StatusUnsupportedMediaType,
	ErrPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	ErrDownloadFailure:    http.StatusBadGateway,
	ErrTimeout:            http.StatusGatewayTimeout,
	ErrExtractionFailure:  http.StatusUnprocessableEntity,
	ErrBackendUnavailable: http.StatusServiceUnavailable,
	ErrBackendError:       http.StatusBadGateway,
	ErrSessionCorrupted:   http.StatusConflict,
	ErrUnauthorized:       http.StatusUnauthorized,
	ErrRateLimited:        http.StatusTooManyRequests,
}
