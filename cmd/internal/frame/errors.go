package frame

import "errors"

var (
	// ErrMalformed reports a frame or handshake that does not follow the wire format.
	ErrMalformed = errors.New("frame: malformed")
	// ErrTruncated reports a buffer that ends before the frame its header announces.
	ErrTruncated = errors.New("frame: truncated")
	// ErrTooLarge reports an extended length that cannot be addressed.
	ErrTooLarge = errors.New("frame: payload too large")
	// ErrNoKey reports an upgrade request without a Sec-WebSocket-Key header.
	ErrNoKey = errors.New("frame: handshake key missing")
)
