// Package identity derives the session identity of a chat request.
//
// A stateless client request is mapped to a session key:
//
//	sessionKey = tenant + "_" + (override ?? fingerprint)
//
// Overrides come, highest precedence first, from the X-Session-ID header, the
// X-User-ID header and the body "user" field. Without an override the key is
// the fingerprint of the prior conversation, so clients that resend full
// history land on the same key. An empty conversation with no override gets a
// fresh random "temp_" key.
//
// Derive is pure for every branch except the random one.
package identity
