package approval

import "errors"

var (
	ErrInvalidInput    = errors.New("approval: invalid input")
	ErrRequestNotFound = errors.New("approval: request not found")
	ErrAlreadyDecided  = errors.New("approval: request already decided")
	ErrNoPassword      = errors.New("approval: no password issued")
)
