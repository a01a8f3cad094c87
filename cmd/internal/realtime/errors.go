package realtime

import "errors"

var (
	ErrConnClosed  = errors.New("realtime: connection closed")
	ErrFrameTooBig = errors.New("realtime: frame exceeds limit")
	ErrFragmented  = errors.New("realtime: fragmented frames are not supported")
)
