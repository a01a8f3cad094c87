package control

import "errors"

// ErrClosed is returned by every call once the arbiter loop has stopped.
var ErrClosed = errors.New("control: arbiter closed")
