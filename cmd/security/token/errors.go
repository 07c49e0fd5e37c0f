package token

import "errors"

// Public, stable errors for callers.
var (
	ErrHashKeyTooShort = errors.New("tenant hash key too short")
	ErrHashKeyTooLong  = errors.New("tenant hash key too long")
	ErrEmptyAPIKey     = errors.New("empty api key")
)
