package realtime

import "time"

// Connection limits. Config overrides each of them.
const (
	// Floor for the frame read limit. The effective limit follows the HTTP
	// body limit so that inline media fits in one frame.
	minFrameBytes = 64 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (envelopes per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
