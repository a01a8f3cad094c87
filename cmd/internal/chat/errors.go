package chat

import "errors"

var (
	ErrEmptyMessage = errors.New("chat: empty message")
	ErrClosed       = errors.New("chat: log closed")
)
