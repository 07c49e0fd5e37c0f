// Package session maps derived session keys onto backend sessions.
//
// The Orchestrator guarantees that a backend session exists for a key
// (Ensure), repairs it (Reset) and removes it (Delete). Concurrent first use of
// an unseen key results in exactly one backend create call; other callers wait
// for that call and share its result.
//
// For keys derived from conversation fingerprints the Orchestrator also keeps
// an alias registry. After a successful exchange, Advance links the
// fingerprint of the extended conversation to the backend session that
// produced it, so the next request, which resends that history, resolves to the
// same backend session. Each backend session tracks the last fingerprint it
// was advanced to (its head). A request whose fingerprint aliases a session
// that has moved past it (the client edited or regenerated an earlier turn) is
// forked onto a fresh backend session rather than reusing diverged context.
package session
