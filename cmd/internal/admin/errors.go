package admin

import "errors"

var (
	ErrUnknownCommand = errors.New("admin: unknown command")
	ErrUsage          = errors.New("admin: usage")
)
