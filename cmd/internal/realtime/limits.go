package realtime

import "time"

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultMaxFrameBytes    = 8 << 20

	DefaultScreenInterval   = 100 * time.Millisecond
	DefaultLivenessInterval = 30 * time.Second

	// Per-connection inbound rate limit (messages per window). Input events count.
	DefaultRateLimitMsgs   = 400
	DefaultRateLimitWindow = time.Second

	closeFrameTimeout = 500 * time.Millisecond
	auditTimeout      = 3 * time.Second
)

// Display name shown when the client does not pick one.
const defaultNamePrefix = "User-"
