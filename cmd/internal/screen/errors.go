package screen

import "errors"

var (
	ErrNotImage = errors.New("screen: capture is not an image")
	ErrTooLarge = errors.New("screen: capture too large")
)
