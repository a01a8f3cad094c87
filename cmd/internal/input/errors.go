package input

import "errors"

var ErrInvalidEvent = errors.New("input: invalid event")
